// Package upstream implements the identity-verification strategy for a
// generic OAuth 2.0 / OIDC identity provider: redirect the user to the
// provider's authorization endpoint, then exchange the returned code and
// resolve the identity from the provider's userinfo endpoint.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/relayauth/broker/providers"
)

// maxUserInfoBody bounds the userinfo response we are willing to parse.
const maxUserInfoBody = 1 << 20

// Config holds the upstream provider's endpoints and credentials.
type Config struct {
	// ClientID and ClientSecret are this broker's credentials at the
	// identity provider.
	ClientID     string
	ClientSecret string

	// AuthURL and TokenURL are the provider's OAuth endpoints.
	AuthURL  string
	TokenURL string

	// UserInfoURL is the endpoint queried with the provider's access
	// token to resolve the identity.
	UserInfoURL string

	// RedirectURL is this broker's identity-callback URL, registered at
	// the provider.
	RedirectURL string

	// Scopes requested from the provider. Defaults to OIDC basics.
	Scopes []string

	// HTTPClient optionally overrides the client used for the exchange
	// and userinfo calls.
	HTTPClient *http.Client
}

// Provider implements providers.Provider against a generic OAuth2 upstream.
type Provider struct {
	config      *oauth2.Config
	userInfoURL string
	httpClient  *http.Client
}

var _ providers.Provider = (*Provider)(nil)

// New creates an upstream provider from the given configuration.
func New(cfg *Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}
	if cfg.AuthURL == "" || cfg.TokenURL == "" {
		return nil, fmt.Errorf("auth URL and token URL are required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "email", "profile"}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Provider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
		userInfoURL: cfg.UserInfoURL,
		httpClient:  httpClient,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "upstream"
}

// AuthorizationURL builds the provider's authorization URL with the broker's
// session identifier as the provider-facing state.
func (p *Provider) AuthorizationURL(state string) string {
	return p.config.AuthCodeURL(state)
}

// Exchange redeems the provider code and resolves the identity via the
// userinfo endpoint. The provider's tokens never leave this method.
func (p *Provider) Exchange(ctx context.Context, code string) (*providers.Identity, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code with provider: %w", err)
	}

	if p.userInfoURL == "" {
		// No userinfo endpoint configured; the token's subject cannot be
		// resolved. Treat as a configuration error rather than guessing.
		return nil, fmt.Errorf("userinfo URL is not configured")
	}

	return p.fetchIdentity(ctx, token)
}

func (p *Provider) fetchIdentity(ctx context.Context, token *oauth2.Token) (*providers.Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build userinfo request: %w", err)
	}
	token.SetAuthHeader(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUserInfoBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read userinfo response: %w", err)
	}

	// Accept both OIDC ("sub") and legacy ("id") subject claims.
	var claims struct {
		Sub   string `json:"sub"`
		ID    string `json:"id"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, fmt.Errorf("failed to parse userinfo response: %w", err)
	}

	subject := claims.Sub
	if subject == "" {
		subject = claims.ID
	}
	if subject == "" {
		return nil, fmt.Errorf("userinfo response has no subject")
	}

	return &providers.Identity{
		Subject: subject,
		Email:   claims.Email,
		Name:    claims.Name,
	}, nil
}
