// Package providers defines the identity-verification strategy the broker
// delegates to. The broker itself never authenticates users; it redirects
// them to an external identity provider and exchanges the code that comes
// back for a resolved identity.
package providers

import "context"

// Provider is the pluggable identity-verification strategy. One strategy is
// selected by configuration; the broker's flows are otherwise identical
// regardless of who verifies the user.
type Provider interface {
	// Name returns the provider name (e.g. "upstream", "mock").
	Name() string

	// AuthorizationURL builds the provider's authorization URL for a new
	// login attempt. state is the broker's session identifier; the
	// provider echoes it back on the callback.
	AuthorizationURL(state string) string

	// Exchange redeems the provider's authorization code for a resolved
	// identity. The provider's own tokens stay inside the implementation;
	// only the identity reference crosses this boundary.
	Exchange(ctx context.Context, code string) (*Identity, error)
}

// Identity is the resolved identity reference bound to authorization codes
// and access tokens.
type Identity struct {
	// Subject is the provider's stable unique identifier for the user.
	Subject string

	// Email is the user's email address, when the provider shares it.
	Email string

	// Name is the user's display name, when the provider shares it.
	Name string
}
