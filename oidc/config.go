package oidc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-cleanhttp"

	"github.com/corefront/webauth/internal/strutils"
)

// ClientSecret is a relying-party client secret
type ClientSecret string

// RedactedClientSecret is the redacted string or json for an oauth client secret
const RedactedClientSecret = "[REDACTED: client secret]"

// String will redact the client secret
func (t ClientSecret) String() string {
	return RedactedClientSecret
}

// MarshalJSON will redact the client secret
func (t ClientSecret) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedClientSecret)
}

// DefaultScopes are the scopes requested when a config doesn't supply its
// own: the openid scope required for oidc flows, the profile/email claims
// the application renders, and offline_access for a refresh token.
func DefaultScopes() []string {
	return []string{oidc.ScopeOpenID, "profile", "email", "offline_access"}
}

// Endpoints are the provider endpoints the glue consumes.  They are
// normally resolved from the authority's discovery document; a config may
// carry them statically when discovery is unavailable.
type Endpoints struct {
	Issuer        string `json:"issuer"`
	AuthURL       string `json:"authorization_endpoint"`
	TokenURL      string `json:"token_endpoint"`
	UserInfoURL   string `json:"userinfo_endpoint"`
	EndSessionURL string `json:"end_session_endpoint"`
}

// Config represents the deployment configuration for the relying party.
type Config struct {
	// Authority is the provider's issuer URL, used for endpoint discovery
	// unless Endpoints is set.
	Authority string

	// ClientID is the relying party id
	ClientID string

	// ClientSecret is the relying party secret.  Empty for a public (PKCE)
	// client.
	ClientSecret ClientSecret

	// RedirectURL is the dedicated redirect-return route for this app.
	RedirectURL string

	// PostLogoutRedirectURL is where the provider sends the user after the
	// end-session redirect.
	PostLogoutRedirectURL string

	// Scopes requested during the authorization redirect.  Defaults to
	// DefaultScopes().
	Scopes []string

	// Endpoints optionally replaces discovery with statically configured
	// provider endpoints.
	Endpoints *Endpoints

	// ProviderCA is an optional CA cert PEM to trust when talking to the
	// provider (self-signed dev gateways).
	ProviderCA string
}

// NewConfig composes and validates a relying-party config.  A failed
// validation is a deployment configuration error: fatal at startup, not
// recoverable at runtime.
// Supported options: WithClientSecret, WithScopes, WithStaticEndpoints,
// WithProviderCA, WithPostLogoutRedirectURL
func NewConfig(authority string, clientID string, redirectURL string, opt ...Option) (*Config, error) {
	const op = "oidc.NewConfig"
	opts := getConfigOpts(opt...)
	scopes := opts.withScopes
	if len(scopes) == 0 {
		scopes = DefaultScopes()
	}
	c := &Config{
		Authority:             authority,
		ClientID:              clientID,
		ClientSecret:          opts.withClientSecret,
		RedirectURL:           redirectURL,
		PostLogoutRedirectURL: opts.withPostLogoutRedirectURL,
		Scopes:                scopes,
		Endpoints:             opts.withEndpoints,
		ProviderCA:            opts.withProviderCA,
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid relying party config: %w", op, err)
	}
	return c, nil
}

// Validate the config.  It verifies the authority parses and uses an
// http(s) scheme, but doesn't verify it is discoverable via an http
// request.
func (c *Config) Validate() error {
	const op = "Config.Validate"
	if c == nil {
		return fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	}
	if c.ClientID == "" {
		return fmt.Errorf("%s: client id is empty: %w", op, ErrInvalidConfiguration)
	}
	if c.Authority == "" {
		return fmt.Errorf("%s: authority is empty: %w", op, ErrInvalidConfiguration)
	}
	if c.RedirectURL == "" {
		return fmt.Errorf("%s: redirect URL is empty: %w", op, ErrInvalidConfiguration)
	}
	u, err := url.Parse(c.Authority)
	if err != nil {
		return fmt.Errorf("%s: authority %s is invalid: %w", op, c.Authority, ErrInvalidConfiguration)
	}
	if !strutils.StrListContains([]string{"https", "http"}, u.Scheme) {
		return fmt.Errorf("%s: authority %s scheme is not http or https: %w", op, c.Authority, ErrInvalidConfiguration)
	}
	if c.Endpoints != nil {
		if c.Endpoints.AuthURL == "" || c.Endpoints.TokenURL == "" {
			return fmt.Errorf("%s: static endpoints need both an authorization and a token endpoint: %w", op, ErrInvalidConfiguration)
		}
	}
	return nil
}

// HTTPClient creates an http client for the provider, trusting the
// config's CA PEM when one is set.
func (c *Config) HTTPClient() (*http.Client, error) {
	const op = "Config.HTTPClient"
	tr := cleanhttp.DefaultPooledTransport()
	if c.ProviderCA != "" {
		certPool := x509.NewCertPool()
		if ok := certPool.AppendCertsFromPEM([]byte(c.ProviderCA)); !ok {
			return nil, fmt.Errorf("%s: could not parse CA PEM value: %w", op, ErrInvalidCACert)
		}
		tr.TLSClientConfig = &tls.Config{
			RootCAs: certPool,
		}
	}
	return &http.Client{
		Transport: tr,
	}, nil
}

// HTTPClientContext returns a new Context carrying the provided HTTP
// client.  It sets the same context key used by the coreos/go-oidc and
// golang.org/x/oauth2 packages, so the returned context works for those
// packages as well.
func HTTPClientContext(ctx context.Context, client *http.Client) context.Context {
	return oidc.ClientContext(ctx, client)
}

// configOptions is the set of available options for NewConfig
type configOptions struct {
	withClientSecret          ClientSecret
	withScopes                []string
	withEndpoints             *Endpoints
	withProviderCA            string
	withPostLogoutRedirectURL string
}

func configDefaults() configOptions {
	return configOptions{}
}

func getConfigOpts(opt ...Option) configOptions {
	opts := configDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithClientSecret makes the relying party a confidential client.
func WithClientSecret(secret ClientSecret) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withClientSecret = secret
		}
	}
}

// WithScopes provides an optional list of scopes for the config
func WithScopes(scopes []string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withScopes = scopes
		}
	}
}

// WithStaticEndpoints replaces endpoint discovery with the provided
// endpoints.
func WithStaticEndpoints(e Endpoints) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withEndpoints = &e
		}
	}
}

// WithProviderCA provides an optional CA cert PEM for the provider's http
// client
func WithProviderCA(pem string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withProviderCA = pem
		}
	}
}

// WithPostLogoutRedirectURL provides the post-logout landing URL for the
// end-session redirect.
func WithPostLogoutRedirectURL(u string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withPostLogoutRedirectURL = u
		}
	}
}
