package broker_test

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/relayauth/broker"
	"github.com/relayauth/broker/providers"
	"github.com/relayauth/broker/providers/mock"
	"github.com/relayauth/broker/server"
	"github.com/relayauth/broker/storage/memory"
)

// RFC 7636 appendix B vector, also used in the flow walkthrough below.
const (
	testVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	testChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

type testBroker struct {
	handler  *broker.Handler
	provider *mock.Provider
	mux      *http.ServeMux
}

func newTestBroker(t *testing.T, cfg *server.Config) *testBroker {
	t.Helper()

	kv := memory.New()
	t.Cleanup(kv.Stop)

	if cfg == nil {
		cfg = &server.Config{}
	}
	cfg.Issuer = "https://broker.example.com"

	provider := mock.New("")
	srv, err := server.New(cfg, kv, provider, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("server.New failed: %v", err)
	}

	h := broker.NewHandler(srv, nil)
	mux := http.NewServeMux()
	h.Routes(mux)
	mux.Handle("/resource", h.Protect(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec, ok := broker.IdentityFromContext(r.Context())
		if !ok {
			t.Error("protected handler reached without identity in context")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"subject": rec.Subject})
	})))

	return &testBroker{handler: h, provider: provider, mux: mux}
}

func (tb *testBroker) do(r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	tb.mux.ServeHTTP(w, r)
	return w
}

// obtainToken runs the whole flow and returns the bearer token.
func (tb *testBroker) obtainToken(t *testing.T) string {
	t.Helper()

	w := tb.do(httptest.NewRequest("GET",
		"/authorize?response_type=code&client_id=abc&redirect_uri=https://client.example/cb"+
			"&code_challenge="+testChallenge+"&code_challenge_method=S256&state=xyz", nil))
	if w.Code != http.StatusFound {
		t.Fatalf("GET /authorize = %d, want 302; body: %s", w.Code, w.Body.String())
	}
	sessionID := locationQuery(t, w, "state")

	tb.provider.AddCode("provcode", &providers.Identity{Subject: "user-1", Email: "user@example.com"})
	w = tb.do(httptest.NewRequest("GET", "/oauth/callback?code=provcode&state="+url.QueryEscape(sessionID), nil))
	if w.Code != http.StatusFound {
		t.Fatalf("GET callback = %d, want 302; body: %s", w.Code, w.Body.String())
	}
	code := locationQuery(t, w, "code")

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {testVerifier},
		"client_id":     {"abc"},
	}
	req := httptest.NewRequest("POST", "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = tb.do(req)
	if w.Code != http.StatusOK {
		t.Fatalf("POST /token = %d, want 200; body: %s", w.Code, w.Body.String())
	}

	var resp broker.TokenResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode token response: %v", err)
	}
	return resp.AccessToken
}

func locationQuery(t *testing.T, w *httptest.ResponseRecorder, name string) string {
	t.Helper()
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("bad Location header: %v", err)
	}
	v := loc.Query().Get(name)
	if v == "" {
		t.Fatalf("Location %q has no %s parameter", loc, name)
	}
	return v
}

func TestEndToEndFlow(t *testing.T) {
	tb := newTestBroker(t, nil)

	// Authorize: 302 to the provider with a fresh session id as state.
	w := tb.do(httptest.NewRequest("GET",
		"/authorize?response_type=code&client_id=abc&redirect_uri=https://client.example/cb"+
			"&code_challenge="+testChallenge+"&code_challenge_method=S256&state=xyz", nil))
	if w.Code != http.StatusFound {
		t.Fatalf("GET /authorize = %d, want 302", w.Code)
	}
	if !strings.HasPrefix(w.Header().Get("Location"), "https://provider.example.com/authorize") {
		t.Fatalf("Location = %q, want provider URL", w.Header().Get("Location"))
	}
	sessionID := locationQuery(t, w, "state")
	if sessionID == "xyz" {
		t.Fatal("provider-facing state must be the session id, not the client's state")
	}

	// Callback: 302 back to the client with a code and the original state.
	tb.provider.AddCode("provcode", &providers.Identity{Subject: "user-1"})
	w = tb.do(httptest.NewRequest("GET", "/oauth/callback?code=provcode&state="+url.QueryEscape(sessionID), nil))
	if w.Code != http.StatusFound {
		t.Fatalf("GET callback = %d, want 302; body: %s", w.Code, w.Body.String())
	}
	loc := w.Header().Get("Location")
	if !strings.HasPrefix(loc, "https://client.example/cb?") {
		t.Fatalf("Location = %q, want client redirect URI", loc)
	}
	if got := locationQuery(t, w, "state"); got != "xyz" {
		t.Errorf("final state = %q, want xyz", got)
	}
	code := locationQuery(t, w, "code")

	// Token: exchange code + verifier for a bearer token.
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {testVerifier},
		"client_id":     {"abc"},
	}
	req := httptest.NewRequest("POST", "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = tb.do(req)
	if w.Code != http.StatusOK {
		t.Fatalf("POST /token = %d, want 200; body: %s", w.Code, w.Body.String())
	}
	var resp broker.TokenResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode token response: %v", err)
	}
	if resp.TokenType != "Bearer" || resp.ExpiresIn != 3600 || resp.AccessToken == "" {
		t.Fatalf("token response = %+v", resp)
	}

	// Protected resource: bearer admits, no header is a 401.
	req = httptest.NewRequest("GET", "/resource", nil)
	req.Header.Set("Authorization", "Bearer "+resp.AccessToken)
	if w = tb.do(req); w.Code != http.StatusOK {
		t.Fatalf("GET /resource with bearer = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "user-1") {
		t.Errorf("resource response %q missing resolved subject", w.Body.String())
	}

	w = tb.do(httptest.NewRequest("GET", "/resource", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("GET /resource without bearer = %d, want 401", w.Code)
	}
	if w.Header().Get("WWW-Authenticate") != "Bearer" {
		t.Errorf("WWW-Authenticate = %q, want Bearer", w.Header().Get("WWW-Authenticate"))
	}
}

func TestCallbackReplayFails(t *testing.T) {
	tb := newTestBroker(t, nil)

	w := tb.do(httptest.NewRequest("GET",
		"/authorize?response_type=code&client_id=abc&redirect_uri=https://client.example/cb&state=xyz", nil))
	sessionID := locationQuery(t, w, "state")

	tb.provider.AddCode("provcode", &providers.Identity{Subject: "user-1"})
	if w = tb.do(httptest.NewRequest("GET", "/oauth/callback?code=provcode&state="+url.QueryEscape(sessionID), nil)); w.Code != http.StatusFound {
		t.Fatalf("first callback = %d, want 302", w.Code)
	}

	w = tb.do(httptest.NewRequest("GET", "/oauth/callback?code=provcode&state="+url.QueryEscape(sessionID), nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("replayed callback = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "invalid or expired session") {
		t.Errorf("replay body = %q, want invalid-or-expired wording", w.Body.String())
	}
}

func TestAuthorizeRejectsMissingParams(t *testing.T) {
	tb := newTestBroker(t, nil)

	w := tb.do(httptest.NewRequest("GET", "/authorize?client_id=abc", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("GET /authorize without redirect_uri = %d, want 400", w.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("error body is not JSON: %v", err)
	}
	if body["error"] != "invalid_request" {
		t.Errorf("error = %q, want invalid_request", body["error"])
	}
}

func TestCallbackProviderErrorPassthrough(t *testing.T) {
	tb := newTestBroker(t, nil)

	w := tb.do(httptest.NewRequest("GET", "/oauth/callback?error=access_denied&error_description=user+said+no", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("callback with provider error = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "access_denied") {
		t.Errorf("body = %q, want the provider's error code", w.Body.String())
	}
}

func TestTokenUnsupportedGrant(t *testing.T) {
	tb := newTestBroker(t, nil)

	form := url.Values{"grant_type": {"refresh_token"}, "refresh_token": {"whatever"}}
	req := httptest.NewRequest("POST", "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := tb.do(req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("refresh_token grant = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "unsupported_grant_type") {
		t.Errorf("body = %q, want unsupported_grant_type", w.Body.String())
	}
}

func TestRegistration(t *testing.T) {
	tb := newTestBroker(t, nil)

	req := httptest.NewRequest("POST", "/register",
		strings.NewReader(`{"client_name":"Test App","redirect_uris":["https://client.example/cb"]}`))
	req.Header.Set("Content-Type", "application/json")
	w := tb.do(req)

	if w.Code != http.StatusCreated {
		t.Fatalf("POST /register = %d, want 201; body: %s", w.Code, w.Body.String())
	}
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["client_id"] == "" || body["client_id"] == nil {
		t.Error("no client_id assigned")
	}
	if body["client_name"] != "Test App" {
		t.Errorf("client_name = %v, want metadata echoed back", body["client_name"])
	}
	if _, ok := body["client_id_issued_at"]; !ok {
		t.Error("client_id_issued_at missing")
	}

	// Malformed JSON is the one way to fail registration.
	req = httptest.NewRequest("POST", "/register", strings.NewReader(`{not json`))
	if w = tb.do(req); w.Code != http.StatusBadRequest {
		t.Errorf("malformed registration = %d, want 400", w.Code)
	}
}

func TestDiscoveryDocument(t *testing.T) {
	tb := newTestBroker(t, nil)

	for _, path := range []string{
		"/.well-known/oauth-authorization-server",
		"/.well-known/openid-configuration",
	} {
		w := tb.do(httptest.NewRequest("GET", path, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("GET %s = %d, want 200", path, w.Code)
		}

		var meta broker.Metadata
		if err := json.NewDecoder(w.Body).Decode(&meta); err != nil {
			t.Fatalf("failed to decode metadata: %v", err)
		}
		if meta.Issuer != "https://broker.example.com" {
			t.Errorf("issuer = %q", meta.Issuer)
		}
		if meta.AuthorizationEndpoint != "https://broker.example.com/authorize" {
			t.Errorf("authorization_endpoint = %q", meta.AuthorizationEndpoint)
		}
		if len(meta.ResponseTypesSupported) != 1 || meta.ResponseTypesSupported[0] != "code" {
			t.Errorf("response_types_supported = %v", meta.ResponseTypesSupported)
		}
		if len(meta.CodeChallengeMethodsSupported) != 1 || meta.CodeChallengeMethodsSupported[0] != "S256" {
			t.Errorf("code_challenge_methods_supported = %v", meta.CodeChallengeMethodsSupported)
		}
		if len(meta.GrantTypesSupported) != 2 {
			t.Errorf("grant_types_supported = %v", meta.GrantTypesSupported)
		}
		if len(meta.TokenEndpointAuthMethodsSupported) != 1 || meta.TokenEndpointAuthMethodsSupported[0] != "none" {
			t.Errorf("token_endpoint_auth_methods_supported = %v", meta.TokenEndpointAuthMethodsSupported)
		}
	}
}

func TestProtectOriginGuard(t *testing.T) {
	tb := newTestBroker(t, &server.Config{
		OriginGuardEnabled: true,
		OriginAllowlist:    []string{"10.0.0.0/8"},
	})
	token := tb.obtainToken(t)

	req := httptest.NewRequest("GET", "/resource", nil)
	req.RemoteAddr = "203.0.113.9:4312"
	req.Header.Set("Authorization", "Bearer "+token)
	if w := tb.do(req); w.Code != http.StatusForbidden {
		t.Errorf("request from outside the allow-list = %d, want 403", w.Code)
	}

	req = httptest.NewRequest("GET", "/resource", nil)
	req.RemoteAddr = "10.1.2.3:4312"
	req.Header.Set("Authorization", "Bearer "+token)
	if w := tb.do(req); w.Code != http.StatusOK {
		t.Errorf("request from inside the allow-list = %d, want 200", w.Code)
	}
}

func TestProtectRateLimit(t *testing.T) {
	tb := newTestBroker(t, &server.Config{
		RateLimit: server.RateLimitConfig{Enabled: true, Limit: 3, Window: time.Minute},
	})
	token := tb.obtainToken(t)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/resource", nil)
		req.RemoteAddr = "203.0.113.9:4312"
		req.Header.Set("Authorization", "Bearer "+token)
		if w := tb.do(req); w.Code != http.StatusOK {
			t.Fatalf("request %d = %d, want 200", i+1, w.Code)
		}
	}

	req := httptest.NewRequest("GET", "/resource", nil)
	req.RemoteAddr = "203.0.113.9:4312"
	req.Header.Set("Authorization", "Bearer "+token)
	w := tb.do(req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("request over the ceiling = %d, want 429", w.Code)
	}
	if !strings.Contains(w.Body.String(), "rate_limit_exceeded") {
		t.Errorf("429 body = %q", w.Body.String())
	}

	// The limit is per address.
	req = httptest.NewRequest("GET", "/resource", nil)
	req.RemoteAddr = "203.0.113.10:4312"
	req.Header.Set("Authorization", "Bearer "+token)
	if w := tb.do(req); w.Code != http.StatusOK {
		t.Errorf("request from a different address = %d, want 200", w.Code)
	}
}

func TestProtectRejectsBadBearer(t *testing.T) {
	tb := newTestBroker(t, nil)

	tests := []struct {
		name  string
		value string
	}{
		{"garbage token", "Bearer never-issued"},
		{"wrong scheme", "Basic dXNlcjpwYXNz"},
		{"bare value", "sometoken"},
		{"empty bearer", "Bearer "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/resource", nil)
			req.Header.Set("Authorization", tt.value)
			if w := tb.do(req); w.Code != http.StatusUnauthorized {
				t.Errorf("code = %d, want 401", w.Code)
			}
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	tb := newTestBroker(t, nil)

	tests := []struct {
		method string
		path   string
	}{
		{"POST", "/authorize"},
		{"GET", "/token"},
		{"GET", "/register"},
		{"POST", "/.well-known/oauth-authorization-server"},
	}
	for _, tt := range tests {
		w := tb.do(httptest.NewRequest(tt.method, tt.path, nil))
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s = %d, want 405", tt.method, tt.path, w.Code)
		}
	}
}
