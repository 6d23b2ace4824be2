package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Default record lifetimes. The KV store's TTL is the only expiry
// mechanism; nothing sweeps records besides the backend itself.
const (
	DefaultSessionTTL = time.Hour
	DefaultCodeTTL    = 10 * time.Minute
	DefaultTokenTTL   = time.Hour
	DefaultClientTTL  = 30 * 24 * time.Hour
)

// Key prefixes namespace the shared KV between record kinds.
const (
	sessionKeyPrefix = "session:"
	codeKeyPrefix    = "code:"
	tokenKeyPrefix   = "token:"
	clientKeyPrefix  = "client:"
)

// Store wraps a KV with typed, JSON-serialized access to the broker's
// records. It owns key namespacing and per-record TTLs; it holds no state of
// its own beyond configuration.
type Store struct {
	kv KV

	// Record TTLs; zero values fall back to the defaults above.
	SessionTTL time.Duration
	CodeTTL    time.Duration
	TokenTTL   time.Duration
	ClientTTL  time.Duration
}

// New creates a Store over the given KV with default TTLs.
func New(kv KV) *Store {
	return &Store{
		kv:         kv,
		SessionTTL: DefaultSessionTTL,
		CodeTTL:    DefaultCodeTTL,
		TokenTTL:   DefaultTokenTTL,
		ClientTTL:  DefaultClientTTL,
	}
}

// KV exposes the underlying store, for components (the rate limiter) that
// manage their own keys.
func (s *Store) KV() KV {
	return s.kv
}

// SaveSession persists a pending authorization session.
func (s *Store) SaveSession(ctx context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("invalid session")
	}
	return s.put(ctx, sessionKeyPrefix+session.ID, session, s.SessionTTL)
}

// RedeemSession retrieves a session and removes it in the same step: a
// session is redeemable exactly once. A replayed callback with the same
// state always gets ErrSessionNotFound.
func (s *Store) RedeemSession(ctx context.Context, id string) (*Session, error) {
	var session Session
	if err := s.take(ctx, sessionKeyPrefix+id, &session); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to redeem session: %w", err)
	}
	return &session, nil
}

// SaveAuthorizationCode persists a freshly minted authorization code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}
	return s.put(ctx, codeKeyPrefix+code.Code, code, s.CodeTTL)
}

// RedeemAuthorizationCode retrieves a code and deletes it unconditionally.
// The deletion happens before the caller gets to verify PKCE, so the code is
// burned even when verification later fails; that ordering is what makes
// single use hold under concurrent replay.
func (s *Store) RedeemAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	var rec AuthorizationCode
	if err := s.take(ctx, codeKeyPrefix+code, &rec); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to redeem authorization code: %w", err)
	}
	return &rec, nil
}

// SaveAccessToken persists a bearer token record keyed by the token value.
func (s *Store) SaveAccessToken(ctx context.Context, token *AccessToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid access token")
	}
	return s.put(ctx, tokenKeyPrefix+token.Token, token, s.TokenTTL)
}

// GetAccessToken looks up a bearer token. Expired tokens simply vanish via
// the KV TTL, so absence covers both "never issued" and "expired".
func (s *Store) GetAccessToken(ctx context.Context, token string) (*AccessToken, error) {
	data, err := s.kv.Get(ctx, tokenKeyPrefix+token)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}
	var rec AccessToken
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal access token: %w", err)
	}
	return &rec, nil
}

// DeleteAccessToken removes a bearer token before its TTL elapses.
func (s *Store) DeleteAccessToken(ctx context.Context, token string) error {
	return s.kv.Delete(ctx, tokenKeyPrefix+token)
}

// SaveClient persists a client registration.
func (s *Store) SaveClient(ctx context.Context, client *Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}
	return s.put(ctx, clientKeyPrefix+client.ClientID, client, s.ClientTTL)
}

// GetClient retrieves a client registration by identifier.
func (s *Store) GetClient(ctx context.Context, clientID string) (*Client, error) {
	data, err := s.kv.Get(ctx, clientKeyPrefix+clientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	var client Client
	if err := json.Unmarshal(data, &client); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}
	return &client, nil
}

func (s *Store) put(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := s.kv.Put(ctx, key, data, ttl); err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}

// take is the single-use primitive: get-and-delete, atomic when the backend
// supports it.
func (s *Store) take(ctx context.Context, key string, v any) error {
	var data []byte
	var err error
	if gd, ok := s.kv.(GetDeleter); ok {
		data, err = gd.GetDelete(ctx, key)
	} else {
		data, err = s.kv.Get(ctx, key)
		if err == nil {
			_ = s.kv.Delete(ctx, key)
		}
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
