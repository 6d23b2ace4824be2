// Package mock provides a test double for the identity-provider boundary.
// The broker's flows can be exercised end to end without a network by
// pre-registering provider codes and the identities they resolve to.
package mock

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/relayauth/broker/providers"
)

// Provider is an in-memory providers.Provider for tests.
type Provider struct {
	mu          sync.Mutex
	authURL     string
	identities  map[string]*providers.Identity
	exchangeErr error

	// ExchangedCodes records every code passed to Exchange, in order.
	ExchangedCodes []string
}

var _ providers.Provider = (*Provider)(nil)

// New creates a mock provider. authURL is the base authorization URL returned
// by AuthorizationURL; pass "" for a sensible default.
func New(authURL string) *Provider {
	if authURL == "" {
		authURL = "https://provider.example.com/authorize"
	}
	return &Provider{
		authURL:    authURL,
		identities: make(map[string]*providers.Identity),
	}
}

// AddCode registers a provider code and the identity it resolves to.
func (p *Provider) AddCode(code string, identity *providers.Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.identities[code] = identity
}

// FailExchange makes every subsequent Exchange call return err.
func (p *Provider) FailExchange(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exchangeErr = err
}

// Name returns "mock".
func (p *Provider) Name() string {
	return "mock"
}

// AuthorizationURL returns the configured base URL with state attached, the
// same shape a real provider URL has.
func (p *Provider) AuthorizationURL(state string) string {
	return p.authURL + "?state=" + url.QueryEscape(state)
}

// Exchange resolves a pre-registered code to its identity. Unknown codes fail
// the way a real provider rejects a bad or replayed code.
func (p *Provider) Exchange(_ context.Context, code string) (*providers.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ExchangedCodes = append(p.ExchangedCodes, code)

	if p.exchangeErr != nil {
		return nil, p.exchangeErr
	}

	identity, ok := p.identities[code]
	if !ok {
		return nil, fmt.Errorf("unknown provider code")
	}
	return identity, nil
}
