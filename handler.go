package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/relayauth/broker/security"
	"github.com/relayauth/broker/server"
	"github.com/relayauth/broker/storage"
)

// maxRegistrationBody bounds the client registration request body.
const maxRegistrationBody = 1 << 20

// Handler is the broker's HTTP adapter. It parses requests, delegates to the
// flow server, and renders OAuth responses; no protocol logic lives here.
type Handler struct {
	server *server.Server
	logger *slog.Logger
	tracer trace.Tracer
}

// NewHandler creates a Handler over the given flow server.
func NewHandler(s *server.Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = s.Logger
	}
	h := &Handler{
		server: s,
		logger: logger,
	}
	if s.Instrumentation != nil {
		h.tracer = s.Instrumentation.Tracer("http")
	}
	return h
}

// Routes mounts the broker's endpoints on mux. The protected resource path
// is not mounted here; wrap the resource handler with Protect instead.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/authorize", h.ServeAuthorization)
	mux.HandleFunc(h.server.Config.CallbackPath, h.ServeCallback)
	mux.HandleFunc("/token", h.ServeToken)
	mux.HandleFunc("/register", h.ServeClientRegistration)
	mux.HandleFunc("/.well-known/oauth-authorization-server", h.ServeMetadata)
	mux.HandleFunc("/.well-known/openid-configuration", h.ServeMetadata)
}

// ServeAuthorization handles GET /authorize: validate, persist the pending
// session, redirect to the identity provider.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "broker.http.authorization")
	defer endSpan(span)

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	security.SetSecurityHeaders(w)

	q := r.URL.Query()
	authURL, err := h.server.BeginAuthorization(ctx, &server.AuthorizationRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		State:               q.Get("state"),
	})
	if err != nil {
		h.writeFlowError(w, err)
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// ServeCallback handles the identity provider's redirect: redeem the pending
// session, mint an authorization code, redirect back to the client.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "broker.http.callback")
	defer endSpan(span)

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	security.SetSecurityHeaders(w)

	q := r.URL.Query()

	// The provider reports its own failures (user denied, expired login)
	// as an error parameter instead of a code.
	if errCode := q.Get("error"); errCode != "" {
		h.logger.Warn("Identity provider returned error",
			"error", errCode,
			"description", q.Get("error_description"))
		h.writeError(w, errCode, q.Get("error_description"), http.StatusBadRequest)
		return
	}

	redirectURL, err := h.server.CompleteAuthorization(ctx, q.Get("code"), q.Get("state"))
	if err != nil {
		h.writeFlowError(w, err)
		return
	}

	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// ServeToken handles POST /token: the authorization-code grant.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "broker.http.token")
	defer endSpan(span)

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	security.SetSecurityHeaders(w)

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	resp, err := h.server.ExchangeCode(ctx, &server.TokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		ClientID:     r.PostFormValue("client_id"),
		ClientSecret: r.PostFormValue("client_secret"),
	})
	if err != nil {
		h.writeFlowError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// ServeClientRegistration handles POST /register: dynamic registration per
// RFC 7591. Any parseable JSON document is accepted.
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "broker.http.register")
	defer endSpan(span)

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	security.SetSecurityHeaders(w)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRegistrationBody))
	if err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to read request body", http.StatusBadRequest)
		return
	}
	metadata := map[string]any{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &metadata); err != nil {
			h.writeError(w, "invalid_client_metadata", "Request body is not valid JSON", http.StatusBadRequest)
			return
		}
	}

	client, secret, err := h.server.RegisterClient(ctx, metadata)
	if err != nil {
		h.writeFlowError(w, err)
		return
	}

	// Echo the metadata back with the assigned identifier, per RFC 7591.
	resp := make(map[string]any, len(metadata)+3)
	for k, v := range metadata {
		resp[k] = v
	}
	resp["client_id"] = client.ClientID
	resp["client_id_issued_at"] = client.CreatedAt.Unix()
	if secret != "" {
		resp["client_secret"] = secret
	}

	h.writeJSON(w, http.StatusCreated, resp)
}

// ServeMetadata serves the RFC 8414 discovery document. The same document
// answers /.well-known/openid-configuration for clients that only know OIDC
// discovery.
func (h *Handler) ServeMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	security.SetSecurityHeaders(w)

	issuer := h.server.Config.Issuer
	h.writeJSON(w, http.StatusOK, &Metadata{
		Issuer:                 issuer,
		AuthorizationEndpoint:  issuer + "/authorize",
		TokenEndpoint:          issuer + "/token",
		RegistrationEndpoint:   issuer + "/register",
		ScopesSupported:        h.server.Config.ScopesSupported,
		ResponseTypesSupported: []string{"code"},
		// refresh_token is advertised for client compatibility even though
		// this broker only redeems authorization_code; see ExchangeCode.
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
	})
}

// identityContextKey carries the authenticated token record through the
// request context.
type identityContextKey struct{}

// IdentityFromContext returns the access token record attached by Protect.
func IdentityFromContext(ctx context.Context) (*storage.AccessToken, bool) {
	rec, ok := ctx.Value(identityContextKey{}).(*storage.AccessToken)
	return rec, ok
}

// Protect wraps a resource handler with the bearer validation gate, in fixed
// order: origin guard (403), rate limiter (429), bearer lookup (401). On
// success the resolved identity is attached to the request context.
func (h *Handler) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		cfg := h.server.Config
		clientIP := security.ClientIP(r, cfg.TrustProxyHeaders, cfg.TrustedProxyCount)

		if guard := h.server.OriginGuard; guard != nil && !guard.Allowed(clientIP) {
			h.server.Auditor.Record(security.EventOriginDenied, "ip", clientIP)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		if limiter := h.server.RateLimiter; limiter.Enabled() {
			allowed, err := limiter.Allow(ctx, clientIP, "resource")
			if err != nil {
				h.logger.Error("Rate limiter failure", "error", err)
				h.writeError(w, ErrorCodeServerError, "", http.StatusInternalServerError)
				return
			}
			if !allowed {
				h.server.Auditor.Record(security.EventRateLimited, "ip", clientIP)
				if h.server.Instrumentation != nil {
					h.server.Instrumentation.Metrics().RecordRateLimitExceeded(ctx, "resource")
				}
				w.Header().Set("Retry-After", "60")
				h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
				return
			}
		}

		token, ok := extractBearerToken(r)
		if !ok {
			h.unauthorized(w)
			return
		}
		rec, err := h.server.Authenticate(ctx, token)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				h.unauthorized(w)
				return
			}
			h.logger.Error("Token lookup failure", "error", err)
			h.writeError(w, ErrorCodeServerError, "", http.StatusInternalServerError)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, identityContextKey{}, rec)))
	})
}

// extractBearerToken pulls the token out of the Authorization header.
func extractBearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		return "", false
	}
	return auth[len(prefix):], true
}

func (h *Handler) unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	h.writeError(w, ErrorCodeInvalidToken, "Missing or invalid access token", http.StatusUnauthorized)
}

// writeFlowError renders an error returned by a flow method. Typed errors
// carry their own code and status; anything else is an internal failure and
// is rendered opaquely.
func (h *Handler) writeFlowError(w http.ResponseWriter, err error) {
	var oauthErr *Error
	if errors.As(err, &oauthErr) {
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}
	h.logger.Error("Unexpected flow error", "error", err)
	h.writeError(w, ErrorCodeServerError, "", http.StatusInternalServerError)
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	body := map[string]string{"error": code}
	if description != "" {
		body["error_description"] = description
	}
	h.writeJSON(w, status, body)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to write response", "error", err)
	}
}

func (h *Handler) startSpan(r *http.Request, name string) (context.Context, trace.Span) {
	ctx := r.Context()
	if h.tracer == nil {
		return ctx, nil
	}
	return h.tracer.Start(ctx, name)
}

func endSpan(span trace.Span) {
	if span != nil {
		span.End()
	}
}
