package session

import (
	"context"
	"fmt"

	"github.com/corefront/webauth/gateway"
	"github.com/corefront/webauth/oidc"
	"github.com/corefront/webauth/store"
)

// PKCEManager is the public-client strategy: this process performs the
// authorization-code exchange itself, binds each attempt with a PKCE
// verifier, and rotates tokens with the refresh_token grant.
type PKCEManager struct {
	*core
}

var _ Manager = (*PKCEManager)(nil)

// NewPKCEManager creates the public-client strategy around p and the
// given stores.
// Supported options: WithLogger, WithGateway, WithAttemptExpiry
func NewPKCEManager(p *oidc.Provider, tokens store.Store, requests store.RequestStore, opt ...oidc.Option) (*PKCEManager, error) {
	const op = "session.NewPKCEManager"
	opts := getManagerOpts(opt...)
	c, err := newCore(p, tokens, requests, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &PKCEManager{core: c}, nil
}

// Initiate implements Manager.Initiate. Every attempt carries a PKCE
// verifier; the strategy has no client secret to fall back on.
func (m *PKCEManager) Initiate(ctx context.Context, returnURL string) (string, error) {
	return m.initiate(ctx, returnURL, true)
}

// Exchange implements Manager.Exchange.
func (m *PKCEManager) Exchange(ctx context.Context, state, code string) (*oidc.Token, string, error) {
	return m.exchange(ctx, state, code)
}

// Handoff implements Manager.Handoff. The public-client strategy holds
// provider-issued tokens only, so there is nothing to mint for an
// externally validated principal.
func (m *PKCEManager) Handoff(ctx context.Context, user *gateway.User) (*oidc.Token, error) {
	return nil, fmt.Errorf("session.PKCEManager.Handoff: %w", ErrHandoffUnsupported)
}

// Resume implements Manager.Resume.
func (m *PKCEManager) Resume(ctx context.Context) error {
	return m.resume(ctx, m.Refresh)
}

// Refresh implements Manager.Refresh via the provider's refresh_token
// grant. Concurrent callers are collapsed into one grant; on failure
// the previous tokens are retained and the session's error flag is
// set.
func (m *PKCEManager) Refresh(ctx context.Context) (*oidc.Token, error) {
	const op = "session.PKCEManager.Refresh"
	v, err, _ := m.refreshGroup.Do("refresh", func() (interface{}, error) {
		current, err := m.tokens.Get()
		if err != nil {
			return nil, err
		}
		if current == nil {
			current = m.session.Token()
		}
		if current == nil {
			return nil, oidc.ErrMissingRefreshToken
		}
		refreshed, err := m.provider.Refresh(ctx, current)
		if err != nil {
			return nil, err
		}
		if err := m.settle(refreshed); err != nil {
			return nil, err
		}
		return refreshed, nil
	})
	if err != nil {
		err = fmt.Errorf("%s: %v: %w", op, err, oidc.ErrRefreshFailed)
		m.session.fail(err)
		return nil, err
	}
	return v.(*oidc.Token), nil
}

// Logout implements Manager.Logout.
func (m *PKCEManager) Logout(ctx context.Context) (string, error) {
	return m.logout(ctx)
}

// Token implements Manager.Token.
func (m *PKCEManager) Token(ctx context.Context) (*oidc.Token, error) {
	return m.token(ctx, m.Refresh)
}
