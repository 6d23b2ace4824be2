// Package server implements the broker's authorization flows: starting a
// delegated login, redeeming the identity provider's callback, exchanging
// authorization codes for bearer tokens, and dynamic client registration.
// The HTTP surface lives in the root package; everything here is transport
// independent.
package server

import (
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/relayauth/broker/instrumentation"
	"github.com/relayauth/broker/providers"
	"github.com/relayauth/broker/security"
	"github.com/relayauth/broker/storage"
)

// Server holds the broker's collaborators. It keeps no per-request or
// per-flow state; everything that outlives a request is in the store, so any
// replica behind the same backend can serve any hop of a flow.
type Server struct {
	Config *Config

	store    *storage.Store
	provider providers.Provider

	Logger          *slog.Logger
	Auditor         *security.Auditor
	RateLimiter     *security.RateLimiter
	OriginGuard     *security.OriginGuard
	Instrumentation *instrumentation.Instrumentation
}

// New wires a Server over the given KV and identity provider. The config is
// defaulted and validated; record TTLs from the config are pushed into the
// typed store.
func New(cfg *Config, kv storage.KV, provider providers.Provider, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	store := storage.New(kv)
	if cfg.SessionTTL > 0 {
		store.SessionTTL = cfg.SessionTTL
	}
	if cfg.CodeTTL > 0 {
		store.CodeTTL = cfg.CodeTTL
	}
	if cfg.TokenTTL > 0 {
		store.TokenTTL = cfg.TokenTTL
	}
	if cfg.ClientTTL > 0 {
		store.ClientTTL = cfg.ClientTTL
	}

	s := &Server{
		Config:   cfg,
		store:    store,
		provider: provider,
		Logger:   logger,
		Auditor:  security.NewAuditor(logger, 10, 20),
	}

	if cfg.OriginGuardEnabled {
		guard, err := security.NewOriginGuard(cfg.OriginAllowlist)
		if err != nil {
			return nil, err
		}
		s.OriginGuard = guard
	}
	if cfg.RateLimit.Enabled {
		s.RateLimiter = security.NewRateLimiter(kv, cfg.RateLimit.Limit, cfg.RateLimit.Window)
	}

	return s, nil
}

// Store exposes the typed store, mainly for tests.
func (s *Server) Store() *storage.Store {
	return s.store
}

// Provider returns the configured identity provider.
func (s *Server) Provider() providers.Provider {
	return s.provider
}

// generateToken returns a cryptographically random URL-safe value. Session
// identifiers, authorization codes, and bearer tokens all come from here;
// their unguessability is what the single-use semantics lean on.
func generateToken() string {
	return oauth2.GenerateVerifier()
}

// metrics is a nil-safe accessor for the counter set.
func (s *Server) metrics() *instrumentation.Metrics {
	return s.Instrumentation.Metrics()
}
