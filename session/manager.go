package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/corefront/webauth/gateway"
	"github.com/corefront/webauth/oidc"
	"github.com/corefront/webauth/store"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrHandoffUnsupported is returned by managers whose strategy has
	// no trusted-handoff path.
	ErrHandoffUnsupported = errors.New("trusted handoff is not supported by this strategy")

	// ErrNoSession is returned by Resume when nothing stored can be
	// turned into an authenticated session.
	ErrNoSession = errors.New("no resumable session")
)

// Manager drives one authentication strategy's lifecycle: obtaining
// tokens, refreshing them before expiry, and invalidating them on
// logout. Operations that leave the process (Initiate, Logout) return
// the URL the caller must redirect the user agent to; they never
// follow it themselves.
type Manager interface {
	// Initiate records pending redirect state for returnURL and
	// returns the provider authorization URL to redirect to.
	Initiate(ctx context.Context, returnURL string) (string, error)

	// Exchange finishes an authorization-code return. It consumes the
	// pending request matching state, exchanges code, persists the
	// token and settles the session. It returns the token and the
	// return URL recorded by Initiate.
	Exchange(ctx context.Context, state, code string) (*oidc.Token, string, error)

	// Handoff establishes an authenticated session for a principal the
	// server-side collaborator has already validated. The credential is
	// deliberately not re-verified here.
	Handoff(ctx context.Context, user *gateway.User) (*oidc.Token, error)

	// Resume tries to settle the session from the token store alone,
	// refreshing if needed. ErrNoSession means nothing usable was
	// stored; the session is left unsettled for the caller to decide.
	Resume(ctx context.Context) error

	// Refresh replaces the current token via the strategy's rotation
	// path. On failure the previous tokens are retained and the
	// session's error flag is set.
	Refresh(ctx context.Context) (*oidc.Token, error)

	// Logout clears local state, best-effort notifies the
	// collaborators, and returns the provider end-session URL.
	Logout(ctx context.Context) (string, error)

	// Session returns the session owned by this manager.
	Session() *Session

	// Token returns a currently valid access-token triple, refreshing
	// when the stored one has expired. A nil token with a nil error
	// means "no credentials": callers proceed unauthenticated.
	Token(ctx context.Context) (*oidc.Token, error)
}

// core carries the collaborators every strategy shares.
type core struct {
	provider      *oidc.Provider
	tokens        store.Store
	requests      store.RequestStore
	session       *Session
	gw            *gateway.Client
	logger        hclog.Logger
	attemptExpiry time.Duration

	refreshGroup singleflight.Group
}

func newCore(p *oidc.Provider, tokens store.Store, requests store.RequestStore, opts managerOptions) (*core, error) {
	const op = "session.newCore"
	if p == nil {
		return nil, fmt.Errorf("%s: provider is nil: %w", op, oidc.ErrNilParameter)
	}
	if tokens == nil {
		return nil, fmt.Errorf("%s: token store is nil: %w", op, oidc.ErrNilParameter)
	}
	if requests == nil {
		return nil, fmt.Errorf("%s: request store is nil: %w", op, oidc.ErrNilParameter)
	}
	return &core{
		provider:      p,
		tokens:        tokens,
		requests:      requests,
		session:       NewSession(),
		gw:            opts.withGateway,
		logger:        opts.withLogger,
		attemptExpiry: opts.withAttemptExpiry,
	}, nil
}

func (c *core) Session() *Session { return c.session }

// initiate records a pending request and builds the authorization URL.
// Strategy B passes pkce=true so the attempt carries a verifier.
func (c *core) initiate(ctx context.Context, returnURL string, pkce bool) (string, error) {
	const op = "session.initiate"
	reqOpts := []oidc.Option{}
	if pkce {
		reqOpts = append(reqOpts, oidc.WithPKCE())
	}
	r, err := oidc.NewRequest(c.attemptExpiry, returnURL, reqOpts...)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if err := c.requests.Put(r); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	u, err := c.provider.AuthURL(ctx, r)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	c.logger.Debug("initiating authentication redirect", "state", r.State(), "return_url", returnURL)
	return u, nil
}

// exchange consumes the pending request for state and completes the
// code exchange. A state with no pending request fails closed.
func (c *core) exchange(ctx context.Context, state, code string) (*oidc.Token, string, error) {
	const op = "session.exchange"
	r, err := c.requests.Take(state)
	if err != nil {
		if errors.Is(err, store.ErrNoRequest) {
			return nil, "", fmt.Errorf("%s: %v: %w", op, err, oidc.ErrResponseStateInvalid)
		}
		return nil, "", fmt.Errorf("%s: %w", op, err)
	}
	t, err := c.provider.Exchange(ctx, r, state, code)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", op, err)
	}
	if err := c.settle(t); err != nil {
		return nil, "", fmt.Errorf("%s: %w", op, err)
	}
	return t, r.ReturnURL(), nil
}

// settle persists t and marks the session authenticated, with the
// principal read from the id token when one is present.
func (c *core) settle(t *oidc.Token) error {
	if err := c.tokens.Set(t); err != nil {
		return err
	}
	return c.session.authenticate(t, identityFromToken(t))
}

// resume settles the session from the token store, using refresh for
// an expired triple that still has a refresh token.
func (c *core) resume(ctx context.Context, refresh func(context.Context) (*oidc.Token, error)) error {
	const op = "session.resume"
	t, err := c.tokens.Get()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	switch {
	case t == nil:
		return fmt.Errorf("%s: %w", op, ErrNoSession)
	case t.Valid():
		if err := c.session.authenticate(t, identityFromToken(t)); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	case t.RefreshToken != "":
		if _, err := refresh(ctx); err != nil {
			return fmt.Errorf("%s: stored token is expired and could not be refreshed: %v: %w", op, err, ErrNoSession)
		}
		return nil
	default:
		return fmt.Errorf("%s: stored token is expired: %w", op, ErrNoSession)
	}
}

// token returns a valid triple for outbound calls, refreshing through
// the strategy's rotation path when the stored one has expired. An
// absent or unrefreshable token is "no credentials", not an error.
func (c *core) token(ctx context.Context, refresh func(context.Context) (*oidc.Token, error)) (*oidc.Token, error) {
	t, err := c.tokens.Get()
	if err != nil {
		return nil, fmt.Errorf("session.token: %w", err)
	}
	if t == nil {
		return nil, nil
	}
	if t.Valid() {
		return t, nil
	}
	refreshed, err := refresh(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Debug("token refresh for outbound call failed", "error", err)
		return nil, nil
	}
	return refreshed, nil
}

// logout clears every local artifact, best-effort notifies the
// gateway, and returns the provider's end-session URL. Advisory
// failures are aggregated into one warn line; they never block the
// redirect.
func (c *core) logout(ctx context.Context) (string, error) {
	const op = "session.logout"
	var advisory *multierror.Error
	if c.gw != nil {
		if err := c.gw.Logout(ctx); err != nil {
			advisory = multierror.Append(advisory, err)
		}
	}
	if err := c.tokens.Clear(); err != nil {
		advisory = multierror.Append(advisory, err)
	}
	if err := c.requests.Purge(); err != nil {
		advisory = multierror.Append(advisory, err)
	}
	c.session.unauthenticate()
	if err := advisory.ErrorOrNil(); err != nil {
		c.logger.Warn("best-effort logout cleanup failed", "error", err)
	}
	u, err := c.provider.EndSessionURL(ctx)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

// identityFromToken reads the principal from an id token's claims.
// The id token was produced by an exchange this process performed, so
// its payload is read without signature verification here.
func identityFromToken(t *oidc.Token) *Identity {
	if t == nil || t.IDToken == "" {
		return nil
	}
	var claims struct {
		Sub               string `json:"sub"`
		Email             string `json:"email"`
		Name              string `json:"name"`
		PreferredUsername string `json:"preferred_username"`
	}
	if err := t.IDToken.Claims(&claims); err != nil {
		return nil
	}
	if claims.Sub == "" {
		return nil
	}
	return &Identity{
		ID:       claims.Sub,
		Email:    claims.Email,
		FullName: claims.Name,
		UserName: claims.PreferredUsername,
	}
}

type managerOptions struct {
	withLogger        hclog.Logger
	withGateway       *gateway.Client
	withAttemptExpiry time.Duration
	withSessionTTL    time.Duration
	withNowFunc       func() time.Time
}

func managerDefaults() managerOptions {
	return managerOptions{
		withLogger:        hclog.NewNullLogger(),
		withAttemptExpiry: oidc.DefaultRequestExpiry,
		withSessionTTL:    DefaultSessionTTL,
	}
}

func getManagerOpts(opt ...oidc.Option) managerOptions {
	opts := managerDefaults()
	oidc.ApplyOpts(&opts, opt...)
	return opts
}

// WithLogger provides an optional logger.
func WithLogger(l hclog.Logger) oidc.Option {
	return func(o interface{}) {
		if l == nil {
			return
		}
		if o, ok := o.(*managerOptions); ok {
			o.withLogger = l
		}
	}
}

// WithGateway provides an optional gateway client so logout can notify
// the server-side session. ServerManager requires one and takes it as
// a constructor argument instead.
func WithGateway(gw *gateway.Client) oidc.Option {
	return func(o interface{}) {
		if gw == nil {
			return
		}
		if o, ok := o.(*managerOptions); ok {
			o.withGateway = gw
		}
	}
}

// WithAttemptExpiry bounds how long a redirect round-trip may take.
func WithAttemptExpiry(d time.Duration) oidc.Option {
	return func(o interface{}) {
		if d <= 0 {
			return
		}
		if o, ok := o.(*managerOptions); ok {
			o.withAttemptExpiry = d
		}
	}
}

// WithSessionTTL sets the lifetime of the local session tokens the
// server strategy mints on handoff.
func WithSessionTTL(d time.Duration) oidc.Option {
	return func(o interface{}) {
		if d <= 0 {
			return
		}
		if o, ok := o.(*managerOptions); ok {
			o.withSessionTTL = d
		}
	}
}

// WithManagerNow provides an optional clock for tests.
func WithManagerNow(now func() time.Time) oidc.Option {
	return func(o interface{}) {
		if now == nil {
			return
		}
		if o, ok := o.(*managerOptions); ok {
			o.withNowFunc = now
		}
	}
}
