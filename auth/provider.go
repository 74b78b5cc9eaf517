// Package auth implements browser login via OAuth2/OIDC identity providers.
//
// A Handler mounts two endpoints per registered provider:
//
//	GET {base}/login/{provider}    start the flow, redirect to the provider
//	GET {base}/callback/{provider} finish the flow, establish the session
//
// In-flight flow state (OAuth state parameter, PKCE verifier, OIDC nonce)
// lives in a sealed cookie, so no server-side storage is needed. On a
// verified callback the default completion hook logs the stable identity
// into the request session and redirects to the requested page.
package auth

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Provider is one configured identity provider.
type Provider struct {
	id       string
	config   *oauth2.Config
	oidc     *oidc.Provider        // nil for plain OAuth2
	verifier *oidc.IDTokenVerifier // nil for plain OAuth2
	usePKCE  bool
}

// ID returns the provider identifier used in login/callback paths.
func (p *Provider) ID() string { return p.id }

// SetPKCE toggles PKCE for this provider. On by default.
func (p *Provider) SetPKCE(enable bool) { p.usePKCE = enable }

// Registry holds the configured providers, keyed by id.
type Registry struct {
	providers map[string]*Provider
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]*Provider)}
}

// Get retrieves a provider by id.
func (r *Registry) Get(id string) (*Provider, bool) {
	p, ok := r.providers[id]
	return p, ok
}

// RegisterOIDC discovers issuer and registers it as an OIDC provider under
// id. The callback URL is derived by the Handler at request time, so the
// oauth2 config carries none.
func (r *Registry) RegisterOIDC(ctx context.Context, id, issuer, clientID, clientSecret string, scopes []string) error {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return fmt.Errorf("discover %q: %w", issuer, err)
	}
	r.providers[id] = &Provider{
		id: id,
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     provider.Endpoint(),
			Scopes:       scopes,
		},
		oidc:     provider,
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
		usePKCE:  true,
	}
	return nil
}

// RegisterOAuth2 registers a provider without OIDC discovery. No id_token is
// verified on callback; the completion hook receives the raw token only.
func (r *Registry) RegisterOAuth2(id string, config *oauth2.Config) {
	r.providers[id] = &Provider{id: id, config: config, usePKCE: true}
}
