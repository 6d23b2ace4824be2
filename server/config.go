package server

import (
	"fmt"
	"time"
)

// Config holds the broker's tunable behavior. Zero values get safe defaults
// from applyDefaults; only the provider credentials have no default.
type Config struct {
	// Issuer is the broker's externally visible base URL, used to build
	// the discovery document and the provider callback URL.
	Issuer string

	// CallbackPath is where the identity provider redirects back to.
	CallbackPath string

	// Record lifetimes. Zero values use the storage defaults.
	SessionTTL time.Duration
	CodeTTL    time.Duration
	TokenTTL   time.Duration
	ClientTTL  time.Duration

	// RateLimit configures the fixed-window limiter on the protected
	// surface. Disabled unless both Limit and Window are positive.
	RateLimit RateLimitConfig

	// OriginAllowlist restricts callers to these IPs/CIDRs when
	// OriginGuardEnabled is set. An enabled guard with an empty list
	// rejects nothing, matching an absent perimeter requirement.
	OriginGuardEnabled bool
	OriginAllowlist    []string

	// TrustProxyHeaders enables client IP resolution from X-Forwarded-For,
	// skipping TrustedProxyCount known proxy hops. Leave false unless a
	// trusted proxy terminates all traffic.
	TrustProxyHeaders bool
	TrustedProxyCount int

	// ScopesSupported is advertised in the discovery document.
	ScopesSupported []string
}

// RateLimitConfig is the fixed-window rate limit on the protected surface.
type RateLimitConfig struct {
	Enabled bool
	Limit   int
	Window  time.Duration
}

// applyDefaults fills unset fields. Called by New; exported knobs keep
// whatever the caller set.
func (c *Config) applyDefaults() {
	if c.Issuer == "" {
		c.Issuer = "http://localhost:8080"
	}
	if c.CallbackPath == "" {
		c.CallbackPath = "/oauth/callback"
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = time.Minute
	}
	if c.RateLimit.Limit <= 0 {
		c.RateLimit.Limit = 60
	}
	if len(c.ScopesSupported) == 0 {
		c.ScopesSupported = []string{"openid", "email", "profile"}
	}
}

// Validate rejects configurations that cannot serve a flow.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	if c.CallbackPath == "" || c.CallbackPath[0] != '/' {
		return fmt.Errorf("callback path must start with /")
	}
	return nil
}
