package storage

import "time"

// Session is a pending authorization attempt: the client's original request
// parameters, persisted under an unguessable session identifier that doubles
// as the state parameter sent to the identity provider. Redeemed exactly
// once by the provider callback.
type Session struct {
	// ID is the random session identifier (the provider-facing state).
	ID string `json:"id"`

	// ResponseType is the OAuth response type the client asked for.
	ResponseType string `json:"response_type"`

	// ClientID is the client's identifier as presented on /authorize.
	ClientID string `json:"client_id"`

	// RedirectURI is where the client wants the authorization code sent.
	RedirectURI string `json:"redirect_uri"`

	// Scope is the requested scope, verbatim.
	Scope string `json:"scope,omitempty"`

	// CodeChallenge and CodeChallengeMethod carry the client's PKCE
	// parameters for later verification at the token endpoint.
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`

	// ClientState is the client's own state parameter, returned untouched
	// on the final redirect so the client can correlate the response.
	ClientState string `json:"state,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// AuthorizationCode is a single-use code minted after the identity provider
// confirms the user. It binds the resolved identity to the exact client id
// and redirect URI of the originating request.
type AuthorizationCode struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scope               string    `json:"scope,omitempty"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	Subject             string    `json:"subject"`
	IssuedAt            time.Time `json:"issued_at"`
}

// AccessToken is a bearer token record. The token value itself is the sole
// lookup key; possession is the capability.
type AccessToken struct {
	Token    string    `json:"token"`
	Subject  string    `json:"subject"`
	ClientID string    `json:"client_id"`
	IssuedAt time.Time `json:"issued_at"`
}

// Client is a dynamically registered OAuth client.
type Client struct {
	ClientID string `json:"client_id"`

	// SecretHash is the bcrypt hash of the client secret; empty for
	// public clients, which authenticate via PKCE only.
	SecretHash string `json:"secret_hash,omitempty"`

	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	Scope                   string   `json:"scope,omitempty"`

	// Metadata is the caller-supplied registration document, echoed back
	// verbatim in the registration response.
	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// IsConfidential reports whether the client registered with a secret.
func (c *Client) IsConfidential() bool {
	return c.SecretHash != ""
}
