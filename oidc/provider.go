package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Provider is the single shared handle for one identity provider: the
// relying-party config plus the http client and resolved endpoints used to
// talk to it.  It is constructed once per process and safe for concurrent
// use; endpoint discovery happens lazily on first need.
type Provider struct {
	config *Config
	client *http.Client

	mu        sync.Mutex
	endpoints *Endpoints

	// backgroundCtx is the context used by the provider for background
	// activities like refreshing tokens.
	backgroundCtx context.Context

	// backgroundCtxCancel is used to cancel any background activities running
	// in spawned go routines.
	backgroundCtxCancel context.CancelFunc
}

// NewProvider creates a Provider from the config.  It makes no network
// requests; the discovery document is fetched on first use.
//
// See Provider.Done() which must be called to release provider resources.
func NewProvider(c *Config) (*Provider, error) {
	const op = "oidc.NewProvider"
	if c == nil {
		return nil, fmt.Errorf("%s: provider config is nil: %w", op, ErrNilParameter)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: provider config is invalid: %w", op, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Provider{
		config:              c,
		backgroundCtx:       ctx,
		backgroundCtxCancel: cancel,
	}
	client, err := c.HTTPClient()
	if err != nil {
		p.Done()
		return nil, fmt.Errorf("%s: unable to create http client: %w", op, err)
	}
	p.client = client
	return p, nil
}

// Done with the provider's background resources and must be called for every
// Provider created
func (p *Provider) Done() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.backgroundCtxCancel != nil {
		p.backgroundCtxCancel()
		p.backgroundCtxCancel = nil
	}
}

// resolve returns the provider endpoints: the config's static endpoints
// when present, otherwise the authority's discovery document, fetched once
// and cached for the life of the provider.
func (p *Provider) resolve(ctx context.Context) (*Endpoints, error) {
	const op = "Provider.resolve"
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.endpoints != nil {
		return p.endpoints, nil
	}
	if p.config.Endpoints != nil {
		e := *p.config.Endpoints
		if e.Issuer == "" {
			e.Issuer = p.config.Authority
		}
		p.endpoints = &e
		return p.endpoints, nil
	}
	provider, err := oidc.NewProvider(HTTPClientContext(ctx, p.client), p.config.Authority)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to discover provider endpoints: %w", op, err)
	}
	var e Endpoints
	if err := provider.Claims(&e); err != nil {
		return nil, fmt.Errorf("%s: unable to read discovery document claims: %w", op, err)
	}
	p.endpoints = &e
	return p.endpoints, nil
}

func (p *Provider) oauthConfig(e *Endpoints) oauth2.Config {
	return oauth2.Config{
		ClientID:     p.config.ClientID,
		ClientSecret: string(p.config.ClientSecret),
		RedirectURL:  p.config.RedirectURL,
		Scopes:       p.config.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  e.AuthURL,
			TokenURL: e.TokenURL,
			// the provider expects client credentials in the form body
			// (token_endpoint_auth_method=client_secret_post)
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// AuthURL generates the URL that kicks off the authorization code flow for
// the pending request: response_type=code, the configured scopes, the
// request's state and nonce and, when the request carries a verifier, an
// S256 code challenge.
func (p *Provider) AuthURL(ctx context.Context, r *Request) (string, error) {
	const op = "Provider.AuthURL"
	if r == nil {
		return "", fmt.Errorf("%s: request is nil: %w", op, ErrNilParameter)
	}
	if r.State() == "" || r.State() == r.Nonce() {
		return "", fmt.Errorf("%s: request state and nonce cannot be equal: %w", op, ErrInvalidParameter)
	}
	if r.IsExpired() {
		return "", fmt.Errorf("%s: %w", op, ErrExpiredRequest)
	}
	e, err := p.resolve(ctx)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	cfg := p.oauthConfig(e)
	opts := []oauth2.AuthCodeOption{
		oidc.Nonce(r.Nonce()),
	}
	if v := r.Verifier(); v != nil {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", v.Challenge()),
			oauth2.SetAuthURLParam("code_challenge_method", string(v.Method())),
		)
	}
	return cfg.AuthCodeURL(r.State(), opts...), nil
}

// Exchange requests tokens from the token endpoint using the authorization
// code from the redirect return.  The response state is validated against
// the pending request first; a mismatch fails closed and no exchange is
// attempted.
func (p *Provider) Exchange(ctx context.Context, r *Request, responseState string, code string) (*Token, error) {
	const op = "Provider.Exchange"
	if r == nil {
		return nil, fmt.Errorf("%s: request is nil: %w", op, ErrNilParameter)
	}
	if responseState != r.State() {
		return nil, fmt.Errorf("%s: %w", op, ErrResponseStateInvalid)
	}
	if r.IsExpired() {
		return nil, fmt.Errorf("%s: %w", op, ErrExpiredRequest)
	}
	e, err := p.resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	cfg := p.oauthConfig(e)
	var opts []oauth2.AuthCodeOption
	if v := r.Verifier(); v != nil {
		opts = append(opts, oauth2.SetAuthURLParam("code_verifier", v.Verifier()))
	}
	t, err := cfg.Exchange(HTTPClientContext(ctx, p.client), code, opts...)
	if err != nil {
		// any non-2xx is a failure regardless of the error body's shape
		return nil, fmt.Errorf("%s: unable to exchange authorization code: %v: %w", op, err, ErrExchangeFailed)
	}
	tk, err := NewToken(t)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return tk, nil
}

// Refresh exchanges the token's refresh token via the refresh_token grant.
// On failure the caller's previously held token is untouched; whether to
// force a fresh login is the caller's decision.
func (p *Provider) Refresh(ctx context.Context, t *Token) (*Token, error) {
	const op = "Provider.Refresh"
	if t == nil {
		return nil, fmt.Errorf("%s: token is nil: %w", op, ErrNilParameter)
	}
	if t.RefreshToken == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrMissingRefreshToken)
	}
	e, err := p.resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	cfg := p.oauthConfig(e)
	src := cfg.TokenSource(HTTPClientContext(ctx, p.client), &oauth2.Token{
		RefreshToken: string(t.RefreshToken),
	})
	rt, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("%s: provider rejected the refresh grant: %v: %w", op, err, ErrRefreshFailed)
	}
	nt, err := NewToken(rt)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	// the provider may not rotate these on every grant
	if nt.RefreshToken == "" {
		nt.RefreshToken = t.RefreshToken
	}
	if nt.IDToken == "" {
		nt.IDToken = t.IDToken
	}
	return nt, nil
}

// UserInfo fetches the userinfo claims for the token's principal into
// claims.
func (p *Provider) UserInfo(ctx context.Context, t *Token, claims interface{}) error {
	const op = "Provider.UserInfo"
	if t == nil || t.AccessToken == "" {
		return fmt.Errorf("%s: access token is missing: %w", op, ErrInvalidParameter)
	}
	if claims == nil {
		return fmt.Errorf("%s: claims are nil: %w", op, ErrNilParameter)
	}
	e, err := p.resolve(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if e.UserInfoURL == "" {
		return fmt.Errorf("%s: userinfo endpoint is not configured: %w", op, ErrNotFound)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.UserInfoURL, nil)
	if err != nil {
		return fmt.Errorf("%s: unable to create userinfo request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+string(t.AccessToken))
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: userinfo request failed: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: userinfo request returned status %d", op, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: unable to read userinfo response: %w", op, err)
	}
	if err := json.Unmarshal(body, claims); err != nil {
		return fmt.Errorf("%s: unable to unmarshal userinfo claims: %w", op, err)
	}
	return nil
}

// EndSessionURL builds the provider's end-session redirect, carrying the
// configured post-logout landing URL when one is set.
func (p *Provider) EndSessionURL(ctx context.Context) (string, error) {
	const op = "Provider.EndSessionURL"
	e, err := p.resolve(ctx)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if e.EndSessionURL == "" {
		return "", fmt.Errorf("%s: %w", op, ErrMissingEndSessionEndpoint)
	}
	u, err := url.Parse(e.EndSessionURL)
	if err != nil {
		return "", fmt.Errorf("%s: end session endpoint is invalid: %w", op, err)
	}
	if p.config.PostLogoutRedirectURL != "" {
		q := u.Query()
		q.Set("post_logout_redirect_uri", p.config.PostLogoutRedirectURL)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
