package session

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/corefront/webauth/oidc"
	"github.com/corefront/webauth/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPKCESetup(t *testing.T) (*oidc.TestProvider, *PKCEManager, *store.Memory) {
	t.Helper()
	require := require.New(t)
	tp := oidc.StartTestProvider(t)
	tp.SetClientCreds("core_web", "")
	c, err := oidc.NewConfig(tp.Addr(), "core_web", "https://app.test/callback",
		oidc.WithProviderCA(tp.CACert()),
		oidc.WithPostLogoutRedirectURL("https://app.test/loggedout"))
	require.NoError(err)
	p, err := oidc.NewProvider(c)
	require.NoError(err)
	t.Cleanup(p.Done)
	mem := store.NewMemory()
	m, err := NewPKCEManager(p, mem, mem)
	require.NoError(err)
	return tp, m, mem
}

func TestPKCEManager_RoundTrip(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	tp, m, mem := testPKCESetup(t)
	tp.SetExpectedAuthCode("one-time-code")

	const returnURL = "/reports?from=2024-01-01&to=2024-02-01&q=a%20b"
	authURL, err := m.Initiate(ctx, returnURL)
	require.NoError(err)
	u, err := url.Parse(authURL)
	require.NoError(err)
	q := u.Query()
	state := q.Get("state")
	require.NotEmpty(state)
	assert.NotEmpty(q.Get("code_challenge"))
	assert.Equal("S256", q.Get("code_challenge_method"))
	assert.Equal("code", q.Get("response_type"))

	tok, gotReturn, err := m.Exchange(ctx, state, "one-time-code")
	require.NoError(err)
	assert.Equal(returnURL, gotReturn)
	assert.True(tok.Valid())

	s := m.Session()
	assert.Equal(StatusAuthenticated, s.Status())
	require.NotNil(s.Identity())
	assert.Equal("42", s.Identity().ID)
	assert.Equal("a@b.com", s.Identity().Email)

	stored, err := mem.Get()
	require.NoError(err)
	require.NotNil(stored)
	assert.Equal(tok.AccessToken, stored.AccessToken)
}

func TestPKCEManager_ExchangeInvalidState(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	_, m, mem := testPKCESetup(t)

	_, err := m.Initiate(ctx, "/")
	require.NoError(err)

	_, _, err = m.Exchange(ctx, "st_forged", "test-auth-code")
	require.ErrorIs(err, oidc.ErrResponseStateInvalid)

	// fail closed: nothing persisted, session not elevated
	stored, err := mem.Get()
	require.NoError(err)
	assert.Nil(stored)
	assert.NotEqual(StatusAuthenticated, m.Session().Status())
}

func TestPKCEManager_ExchangeConsumesRequestOnce(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := context.Background()
	_, m, _ := testPKCESetup(t)

	authURL, err := m.Initiate(ctx, "/home")
	require.NoError(err)
	u, err := url.Parse(authURL)
	require.NoError(err)
	state := u.Query().Get("state")

	_, _, err = m.Exchange(ctx, state, "test-auth-code")
	require.NoError(err)

	// the pending request is gone, so a duplicate return fails closed
	_, _, err = m.Exchange(ctx, state, "test-auth-code")
	require.ErrorIs(err, oidc.ErrResponseStateInvalid)
}

func TestPKCEManager_Refresh(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	t.Run("success", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		_, m, mem := testPKCESetup(t)
		require.NoError(mem.Set(&oidc.Token{
			AccessToken:  "stale",
			RefreshToken: "test-refresh-token",
			Expiry:       time.Now().Add(-time.Minute),
		}))

		tok, err := m.Refresh(ctx)
		require.NoError(err)
		assert.True(tok.Valid())
		assert.Equal(StatusAuthenticated, m.Session().Status())
		assert.NoError(m.Session().Err())
	})
	t.Run("rejected-grant-retains-tokens", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp, m, mem := testPKCESetup(t)
		tp.SetTokenError(400)
		prev := &oidc.Token{
			AccessToken:  "stale",
			RefreshToken: "test-refresh-token",
			Expiry:       time.Now().Add(-time.Minute),
		}
		require.NoError(mem.Set(prev))

		_, err := m.Refresh(ctx)
		require.ErrorIs(err, oidc.ErrRefreshFailed)
		assert.ErrorIs(m.Session().Err(), oidc.ErrRefreshFailed)

		// previous tokens are not destroyed by a failed refresh
		stored, err := mem.Get()
		require.NoError(err)
		require.NotNil(stored)
		assert.Equal(prev.AccessToken, stored.AccessToken)
		assert.Equal(prev.RefreshToken, stored.RefreshToken)
	})
	t.Run("no-stored-token", func(t *testing.T) {
		require := require.New(t)
		_, m, _ := testPKCESetup(t)
		_, err := m.Refresh(ctx)
		require.ErrorIs(err, oidc.ErrRefreshFailed)
	})
}

func TestPKCEManager_Resume(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	t.Run("valid-stored-token", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		_, m, mem := testPKCESetup(t)
		require.NoError(mem.Set(&oidc.Token{
			AccessToken: "at",
			Expiry:      time.Now().Add(time.Hour),
		}))
		require.NoError(m.Resume(ctx))
		assert.Equal(StatusAuthenticated, m.Session().Status())
	})
	t.Run("expired-with-refresh-token", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		_, m, mem := testPKCESetup(t)
		require.NoError(mem.Set(&oidc.Token{
			AccessToken:  "stale",
			RefreshToken: "test-refresh-token",
			Expiry:       time.Now().Add(-time.Minute),
		}))
		require.NoError(m.Resume(ctx))
		assert.Equal(StatusAuthenticated, m.Session().Status())
	})
	t.Run("empty-store", func(t *testing.T) {
		require := require.New(t)
		_, m, _ := testPKCESetup(t)
		require.ErrorIs(m.Resume(ctx), ErrNoSession)
	})
	t.Run("expired-without-refresh-token", func(t *testing.T) {
		require := require.New(t)
		_, m, mem := testPKCESetup(t)
		require.NoError(mem.Set(&oidc.Token{
			AccessToken: "stale",
			Expiry:      time.Now().Add(-time.Minute),
		}))
		require.ErrorIs(m.Resume(ctx), ErrNoSession)
	})
}

func TestPKCEManager_Logout(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	_, m, mem := testPKCESetup(t)
	require.NoError(mem.Set(&oidc.Token{AccessToken: "at", Expiry: time.Now().Add(time.Hour)}))
	require.NoError(m.Resume(ctx))

	endSession, err := m.Logout(ctx)
	require.NoError(err)
	u, err := url.Parse(endSession)
	require.NoError(err)
	assert.Equal("/logout", u.Path)
	assert.Equal("https://app.test/loggedout", u.Query().Get("post_logout_redirect_uri"))

	assert.Equal(StatusUnauthenticated, m.Session().Status())
	stored, err := mem.Get()
	require.NoError(err)
	assert.Nil(stored)
}

func TestPKCEManager_Token(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	t.Run("valid-token", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		_, m, mem := testPKCESetup(t)
		require.NoError(mem.Set(&oidc.Token{AccessToken: "at", Expiry: time.Now().Add(time.Hour)}))
		tok, err := m.Token(ctx)
		require.NoError(err)
		require.NotNil(tok)
		assert.Equal(oidc.AccessToken("at"), tok.AccessToken)
	})
	t.Run("absent-means-no-credentials", func(t *testing.T) {
		require := require.New(t)
		_, m, _ := testPKCESetup(t)
		tok, err := m.Token(ctx)
		require.NoError(err)
		require.Nil(tok)
	})
	t.Run("expired-triggers-refresh", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		_, m, mem := testPKCESetup(t)
		require.NoError(mem.Set(&oidc.Token{
			AccessToken:  "stale",
			RefreshToken: "test-refresh-token",
			Expiry:       time.Now().Add(-time.Minute),
		}))
		tok, err := m.Token(ctx)
		require.NoError(err)
		require.NotNil(tok)
		assert.NotEqual(oidc.AccessToken("stale"), tok.AccessToken)
		assert.True(tok.Valid())
	})
	t.Run("unrefreshable-means-no-credentials", func(t *testing.T) {
		require := require.New(t)
		tp, m, mem := testPKCESetup(t)
		tp.SetTokenError(400)
		require.NoError(mem.Set(&oidc.Token{
			AccessToken:  "stale",
			RefreshToken: "test-refresh-token",
			Expiry:       time.Now().Add(-time.Minute),
		}))
		tok, err := m.Token(ctx)
		require.NoError(err)
		require.Nil(tok)
	})
}

func TestPKCEManager_HandoffUnsupported(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	_, m, _ := testPKCESetup(t)
	_, err := m.Handoff(context.Background(), nil)
	require.ErrorIs(err, ErrHandoffUnsupported)
}
