package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/relayauth/broker/security"
	"github.com/relayauth/broker/storage"
)

// AuthorizationRequest carries the query parameters of a GET /authorize.
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	State               string
}

// TokenRequest carries the form parameters of a POST /token.
type TokenRequest struct {
	GrantType    string
	Code         string
	CodeVerifier string
	ClientID     string
	ClientSecret string
}

// TokenResponse is the successful token endpoint response body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// BeginAuthorization validates an authorization request, persists it as a
// pending session, and returns the identity provider URL to redirect the
// caller to. Nothing is written to the store until validation passes.
func (s *Server) BeginAuthorization(ctx context.Context, req *AuthorizationRequest) (string, error) {
	if req.ResponseType == "" || req.ClientID == "" || req.RedirectURI == "" {
		return "", ErrInvalidRequest("response_type, client_id and redirect_uri are required")
	}
	if _, err := url.ParseRequestURI(req.RedirectURI); err != nil {
		return "", ErrInvalidRequest("redirect_uri is not a valid URI")
	}
	if req.CodeChallenge != "" {
		if err := validateCodeChallenge(req.CodeChallenge, req.CodeChallengeMethod); err != nil {
			return "", ErrInvalidRequest(err.Error())
		}
	}

	session := &storage.Session{
		ID:                  generateToken(),
		ResponseType:        req.ResponseType,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		ClientState:         req.State,
		CreatedAt:           time.Now(),
	}
	if err := s.store.SaveSession(ctx, session); err != nil {
		s.Logger.Error("Failed to save authorization session", "error", err)
		return "", ErrServerError()
	}

	s.metrics().RecordFlowStarted(ctx)
	s.Logger.Info("Authorization flow started",
		"client_id", req.ClientID,
		"session", security.HashForLogging(session.ID))

	// The session id is the provider-facing state; the client's own state
	// stays inside the session until the final redirect.
	return s.provider.AuthorizationURL(session.ID), nil
}

// CompleteAuthorization handles the identity provider's callback: it redeems
// the pending session named by state, exchanges the provider code for an
// identity, mints a single-use authorization code, and returns the URL to
// redirect the caller back to.
//
// The session is deleted by the lookup itself, so a replayed callback with
// the same state always fails even if the provider exchange below does too.
func (s *Server) CompleteAuthorization(ctx context.Context, providerCode, state string) (string, error) {
	if providerCode == "" || state == "" {
		return "", ErrInvalidRequest("code and state are required")
	}

	session, err := s.store.RedeemSession(ctx, state)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.Auditor.Record(security.EventCodeReplayed, "what", "session", "state", security.HashForLogging(state))
			return "", ErrInvalidRequest("invalid or expired session")
		}
		s.Logger.Error("Failed to redeem session", "error", err)
		return "", ErrServerError()
	}

	identity, err := s.provider.Exchange(ctx, providerCode)
	if err != nil {
		s.Auditor.Record(security.EventProviderError, "provider", s.provider.Name())
		s.Logger.Error("Identity provider exchange failed", "provider", s.provider.Name(), "error", err)
		return "", ErrServerError()
	}

	code := &storage.AuthorizationCode{
		Code:                generateToken(),
		ClientID:            session.ClientID,
		RedirectURI:         session.RedirectURI,
		Scope:               session.Scope,
		CodeChallenge:       session.CodeChallenge,
		CodeChallengeMethod: session.CodeChallengeMethod,
		Subject:             identity.Subject,
		IssuedAt:            time.Now(),
	}
	if err := s.store.SaveAuthorizationCode(ctx, code); err != nil {
		s.Logger.Error("Failed to save authorization code", "error", err)
		return "", ErrServerError()
	}

	s.metrics().RecordCodeIssued(ctx)
	s.Logger.Info("Authorization code issued",
		"client_id", session.ClientID,
		"subject", security.HashForLogging(identity.Subject))

	redirect, err := url.Parse(session.RedirectURI)
	if err != nil {
		// Validated at /authorize; reaching this means the store was
		// tampered with or corrupted.
		s.Logger.Error("Stored redirect URI is invalid", "error", err)
		return "", ErrServerError()
	}
	q := redirect.Query()
	q.Set("code", code.Code)
	if session.ClientState != "" {
		q.Set("state", session.ClientState)
	}
	redirect.RawQuery = q.Encode()
	return redirect.String(), nil
}

// ExchangeCode implements the token endpoint: authorization-code grant only,
// PKCE S256 verification, single-use codes.
//
// The code is deleted by the lookup before the verifier is checked, so a
// mistyped verifier burns the code and the client must restart the flow.
// That ordering is deliberate: it keeps single use airtight under concurrent
// replay, at the cost of a stricter retry story.
func (s *Server) ExchangeCode(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	if req.GrantType != "authorization_code" {
		return nil, ErrUnsupportedGrantType(fmt.Sprintf("grant type %q is not supported", req.GrantType))
	}
	if req.Code == "" || req.CodeVerifier == "" {
		return nil, ErrInvalidRequest("code and code_verifier are required")
	}

	rec, err := s.store.RedeemAuthorizationCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.Auditor.Record(security.EventCodeReplayed, "what", "code", "client_id", req.ClientID)
			s.metrics().RecordAuthFailure(ctx, "invalid_code")
			// Consumed, expired, and never-issued all look the same.
			return nil, ErrInvalidGrant("invalid authorization code")
		}
		s.Logger.Error("Failed to redeem authorization code", "error", err)
		return nil, ErrServerError()
	}

	if req.ClientID == "" || subtle.ConstantTimeCompare([]byte(req.ClientID), []byte(rec.ClientID)) != 1 {
		s.metrics().RecordAuthFailure(ctx, "client_mismatch")
		return nil, ErrInvalidGrant("invalid authorization code")
	}

	if err := s.authenticateClient(ctx, req); err != nil {
		return nil, err
	}

	if rec.CodeChallenge != "" {
		if err := verifyPKCE(req.CodeVerifier, rec.CodeChallenge, rec.CodeChallengeMethod); err != nil {
			s.Auditor.Record(security.EventPKCEFailed, "client_id", req.ClientID)
			s.metrics().RecordAuthFailure(ctx, "pkce")
			return nil, ErrInvalidGrant("invalid authorization code")
		}
	}

	token := &storage.AccessToken{
		Token:    generateToken(),
		Subject:  rec.Subject,
		ClientID: rec.ClientID,
		IssuedAt: time.Now(),
	}
	if err := s.store.SaveAccessToken(ctx, token); err != nil {
		s.Logger.Error("Failed to save access token", "error", err)
		return nil, ErrServerError()
	}

	s.metrics().RecordTokenIssued(ctx)
	s.Auditor.Record(security.EventTokenIssued,
		"client_id", rec.ClientID,
		"subject", security.HashForLogging(rec.Subject))

	return &TokenResponse{
		AccessToken: token.Token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.store.TokenTTL / time.Second),
		// Returned for client compatibility; the refresh grant is not
		// redeemable here, so it only ever buys a fresh full flow.
		RefreshToken: generateToken(),
		Scope:        rec.Scope,
	}, nil
}

// authenticateClient verifies the client secret for confidential clients.
// Public clients (no registration, or no secret on record) pass through;
// their proof of possession is the PKCE verifier.
func (s *Server) authenticateClient(ctx context.Context, req *TokenRequest) error {
	client, err := s.store.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		s.Logger.Error("Failed to load client", "error", err)
		return ErrServerError()
	}
	if !client.IsConfidential() {
		return nil
	}

	if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(req.ClientSecret)); err != nil {
		s.Auditor.Record(security.EventClientAuthFailed, "client_id", req.ClientID)
		s.metrics().RecordAuthFailure(ctx, "client_secret")
		return ErrInvalidClient("client authentication failed")
	}
	return nil
}

// Authenticate resolves a bearer token to its record. Expired and
// never-issued tokens are indistinguishable.
func (s *Server) Authenticate(ctx context.Context, token string) (*storage.AccessToken, error) {
	if token == "" {
		return nil, storage.ErrTokenNotFound
	}
	rec, err := s.store.GetAccessToken(ctx, token)
	if err != nil {
		s.Auditor.Record(security.EventInvalidToken, "token", security.HashForLogging(token))
		s.metrics().RecordAuthFailure(ctx, "bearer")
		return nil, err
	}
	return rec, nil
}

// RegisterClient performs dynamic client registration. Registration always
// succeeds for parseable metadata; a random client id is minted and the
// caller's document is stored and echoed back.
//
// When the metadata asks for client_secret_post authentication, a secret is
// generated, returned once, and kept only as a bcrypt hash.
func (s *Server) RegisterClient(ctx context.Context, metadata map[string]any) (*storage.Client, string, error) {
	client := &storage.Client{
		ClientID:  uuid.NewString(),
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}

	if v, ok := metadata["client_name"].(string); ok {
		client.ClientName = v
	}
	if v, ok := metadata["scope"].(string); ok {
		client.Scope = v
	}
	if v, ok := metadata["token_endpoint_auth_method"].(string); ok {
		client.TokenEndpointAuthMethod = v
	}
	client.RedirectURIs = stringSlice(metadata["redirect_uris"])
	client.GrantTypes = stringSlice(metadata["grant_types"])
	client.ResponseTypes = stringSlice(metadata["response_types"])

	var secret string
	if client.TokenEndpointAuthMethod == "client_secret_post" {
		secret = generateToken()
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			s.Logger.Error("Failed to hash client secret", "error", err)
			return nil, "", ErrServerError()
		}
		client.SecretHash = string(hash)
	}

	if err := s.store.SaveClient(ctx, client); err != nil {
		s.Logger.Error("Failed to save client registration", "error", err)
		return nil, "", ErrServerError()
	}

	s.metrics().RecordClientRegistered(ctx)
	s.Auditor.Record(security.EventClientRegistered, "client_id", client.ClientID)

	return client, secret, nil
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
