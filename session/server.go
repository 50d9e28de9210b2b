package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/corefront/webauth/gateway"
	"github.com/corefront/webauth/oidc"
	"github.com/corefront/webauth/store"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultSessionTTL is the lifetime of locally minted session tokens.
const DefaultSessionTTL = 30 * 24 * time.Hour

// ServerManager is the server-mediated strategy: a backend holds the
// provider credentials behind a session cookie and this process only
// observes session status through the gateway. For a principal the
// gateway has validated, the manager mints a local HS256 session token
// so the rest of the process (token store, interceptor, guard) works
// the same way it does under the PKCE strategy. Rotation re-checks the
// gateway session instead of using a refresh_token grant.
type ServerManager struct {
	*core
	secret     []byte
	sessionTTL time.Duration
	nowFunc    func() time.Time
}

var _ Manager = (*ServerManager)(nil)

// NewServerManager creates the server-mediated strategy. gw is the
// gateway whose cookie-backed session is the source of truth; secret
// signs the locally minted session tokens.
// Supported options: WithLogger, WithAttemptExpiry, WithSessionTTL,
// WithManagerNow
func NewServerManager(p *oidc.Provider, tokens store.Store, requests store.RequestStore, gw *gateway.Client, secret []byte, opt ...oidc.Option) (*ServerManager, error) {
	const op = "session.NewServerManager"
	if gw == nil {
		return nil, fmt.Errorf("%s: gateway client is nil: %w", op, oidc.ErrNilParameter)
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("%s: session secret is empty: %w", op, oidc.ErrInvalidParameter)
	}
	opts := getManagerOpts(opt...)
	opts.withGateway = gw
	c, err := newCore(p, tokens, requests, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &ServerManager{
		core:       c,
		secret:     secret,
		sessionTTL: opts.withSessionTTL,
		nowFunc:    opts.withNowFunc,
	}, nil
}

// Initiate implements Manager.Initiate. The backend is a confidential
// client, so attempts carry no PKCE verifier.
func (m *ServerManager) Initiate(ctx context.Context, returnURL string) (string, error) {
	return m.initiate(ctx, returnURL, false)
}

// Exchange implements Manager.Exchange.
func (m *ServerManager) Exchange(ctx context.Context, state, code string) (*oidc.Token, string, error) {
	return m.exchange(ctx, state, code)
}

// Handoff implements Manager.Handoff: it establishes an authenticated
// session for a principal the gateway has already validated, minting a
// local session token instead of re-verifying anything upstream.
func (m *ServerManager) Handoff(ctx context.Context, user *gateway.User) (*oidc.Token, error) {
	const op = "session.ServerManager.Handoff"
	if user == nil || user.ID == "" {
		return nil, fmt.Errorf("%s: user is missing: %w", op, oidc.ErrInvalidParameter)
	}
	t, err := m.mintSessionToken(user)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := m.tokens.Set(t); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	id := &Identity{
		ID:       user.ID,
		Email:    user.Email,
		FullName: user.FullName,
		UserName: user.UserName,
	}
	if err := m.session.authenticate(t, id); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	m.logger.Debug("established session from trusted handoff", "user_id", user.ID)
	return t, nil
}

// Resume implements Manager.Resume.
func (m *ServerManager) Resume(ctx context.Context) error {
	return m.resume(ctx, m.Refresh)
}

// Refresh implements Manager.Refresh by re-checking the gateway
// session and rotating the minted token for its principal. A gateway
// that answers "no session", or can't be reached, is a failed refresh:
// the error flag is set and the previous tokens are retained.
func (m *ServerManager) Refresh(ctx context.Context) (*oidc.Token, error) {
	const op = "session.ServerManager.Refresh"
	v, err, _ := m.refreshGroup.Do("refresh", func() (interface{}, error) {
		info, err := m.gw.Session(ctx)
		if err != nil {
			return nil, err
		}
		if !info.IsAuthenticated {
			return nil, errors.New("gateway session is gone")
		}
		return m.Handoff(ctx, info.User)
	})
	if err != nil {
		err = fmt.Errorf("%s: %v: %w", op, err, oidc.ErrRefreshFailed)
		m.session.fail(err)
		return nil, err
	}
	return v.(*oidc.Token), nil
}

// Logout implements Manager.Logout.
func (m *ServerManager) Logout(ctx context.Context) (string, error) {
	return m.logout(ctx)
}

// Token implements Manager.Token.
func (m *ServerManager) Token(ctx context.Context) (*oidc.Token, error) {
	return m.token(ctx, m.Refresh)
}

func (m *ServerManager) now() time.Time {
	if m.nowFunc != nil {
		return m.nowFunc()
	}
	return time.Now()
}

// mintSessionToken signs a local HS256 session token for user. Its
// audience is this application only; nothing upstream ever sees it.
func (m *ServerManager) mintSessionToken(user *gateway.User) (*oidc.Token, error) {
	now := m.now()
	exp := now.Add(m.sessionTTL)
	claims := jwt.MapClaims{
		"sub": user.ID,
		"iat": now.Unix(),
		"exp": exp.Unix(),
	}
	if user.Email != "" {
		claims["email"] = user.Email
	}
	if user.FullName != "" {
		claims["name"] = user.FullName
	}
	if user.UserName != "" {
		claims["preferred_username"] = user.UserName
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return nil, err
	}
	return &oidc.Token{
		AccessToken: oidc.AccessToken(signed),
		Expiry:      exp,
	}, nil
}
