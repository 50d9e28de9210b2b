package session

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/corefront/webauth/gateway"
	"github.com/corefront/webauth/oidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testReconcilerSetup(t *testing.T) (*gateway.TestGateway, *ServerManager, *Reconciler) {
	t.Helper()
	require := require.New(t)
	gw, m, _ := testServerSetup(t)
	gwc, err := gateway.NewClient(gw.Addr())
	require.NoError(err)
	r, err := NewReconciler(m, gwc)
	require.NoError(err)
	return gw, m, r
}

func TestReconciler_AdoptsServerSession(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	gw, m, r := testReconcilerSetup(t)
	gw.SetSessionUser(&gateway.User{ID: "42", Email: "a@b.com"})

	// no local token present, no redirect: the server-side session is
	// adopted through the trusted handoff
	r.Reconcile(context.Background())

	s := m.Session()
	assert.Equal(StatusAuthenticated, s.Status())
	require.NotNil(s.Identity())
	assert.Equal("42", s.Identity().ID)
	assert.Equal("a@b.com", s.Identity().Email)
	require.NotNil(s.Token())
	assert.True(s.Token().Valid())
}

func TestReconciler_UnauthorizedGatewaySettlesUnauthenticated(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	gw, m, r := testReconcilerSetup(t)
	gw.SetSessionStatus(http.StatusUnauthorized)

	r.Reconcile(context.Background())
	assert.Equal(StatusUnauthenticated, m.Session().Status())
	assert.NoError(m.Session().Err())
}

func TestReconciler_NoGatewaySession(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	_, m, r := testReconcilerSetup(t)

	r.Reconcile(context.Background())
	assert.Equal(StatusUnauthenticated, m.Session().Status())
}

func TestReconciler_RunsAtMostOnce(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	gw, m, r := testReconcilerSetup(t)

	r.Reconcile(context.Background())
	assert.Equal(StatusUnauthenticated, m.Session().Status())

	// a session appearing later must not be picked up by the same
	// reconciler instance
	gw.SetSessionUser(&gateway.User{ID: "42"})
	r.Reconcile(context.Background())
	assert.Equal(StatusUnauthenticated, m.Session().Status())
}

func TestReconciler_SkipsWhenAlreadyAuthenticated(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	gw, m, r := testReconcilerSetup(t)

	_, err := m.Handoff(context.Background(), &gateway.User{ID: "7", Email: "x@y.z"})
	require.NoError(err)
	gw.SetSessionUser(&gateway.User{ID: "42"})

	r.Reconcile(context.Background())
	assert.Equal("7", m.Session().Identity().ID)
}

func TestReconciler_ResumesStoredTokens(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	gw, m, mem := testServerSetup(t)
	gwc, err := gateway.NewClient(gw.Addr())
	require.NoError(err)
	r, err := NewReconciler(m, gwc)
	require.NoError(err)

	require.NoError(mem.Set(&oidc.Token{
		AccessToken: "at",
		Expiry:      time.Now().Add(time.Hour),
	}))
	r.Reconcile(context.Background())
	assert.Equal(StatusAuthenticated, m.Session().Status())
}

func TestReconciler_NilGateway(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	_, m, _ := testServerSetup(t)
	r, err := NewReconciler(m, nil)
	require.NoError(err)
	r.Reconcile(context.Background())
	assert.Equal(StatusUnauthenticated, m.Session().Status())
}

func TestNewReconciler_NilManager(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	_, err := NewReconciler(nil, nil)
	require.ErrorIs(err, oidc.ErrNilParameter)
}
