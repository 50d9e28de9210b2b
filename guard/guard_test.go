package guard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/corefront/webauth/oidc"
	"github.com/corefront/webauth/session"
	"github.com/corefront/webauth/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGuardSetup(t *testing.T) (*session.PKCEManager, *store.Memory, *Guard, http.Handler) {
	t.Helper()
	require := require.New(t)
	tp := oidc.StartTestProvider(t)
	tp.SetClientCreds("core_web", "")
	c, err := oidc.NewConfig(tp.Addr(), "core_web", "https://app.test/callback",
		oidc.WithProviderCA(tp.CACert()))
	require.NoError(err)
	p, err := oidc.NewProvider(c)
	require.NoError(err)
	t.Cleanup(p.Done)
	mem := store.NewMemory()
	m, err := session.NewPKCEManager(p, mem, mem)
	require.NoError(err)
	g, err := New(m)
	require.NoError(err)
	protected := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("protected content"))
	}))
	return m, mem, g, protected
}

func get(h http.Handler, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestGuard_LoadingState(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	m, _, _, protected := testGuardSetup(t)
	require.Equal(t, session.StatusLoading, m.Session().Status())

	rec := get(protected, "/dashboards/crm")
	assert.Equal(http.StatusOK, rec.Code)
	assert.Contains(rec.Body.String(), "Checking authentication")
	assert.NotContains(rec.Body.String(), "protected content")
}

func TestGuard_RedirectsOnceWhenUnauthenticated(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	m, mem, _, protected := testGuardSetup(t)
	r, err := session.NewReconciler(m, nil)
	require.NoError(err)
	r.Reconcile(context.Background())
	require.Equal(session.StatusUnauthenticated, m.Session().Status())

	const target = "/reports?from=2024-01-01&q=a%20b"
	first := get(protected, target)
	require.Equal(http.StatusFound, first.Code)
	loc, err := url.Parse(first.Header().Get("Location"))
	require.NoError(err)
	assert.Equal("/authorize", loc.Path)
	state := loc.Query().Get("state")
	require.NotEmpty(state)

	// the pending request records the guarded path+query untouched
	pending, err := mem.Take(state)
	require.NoError(err)
	assert.Equal(target, pending.ReturnURL())

	// a second observation of the same stable unauthenticated status
	// redirects again but does not initiate a second attempt
	second := get(protected, target)
	require.Equal(http.StatusFound, second.Code)
	assert.Equal(first.Header().Get("Location"), second.Header().Get("Location"))
}

func TestGuard_ServesChildrenWhenAuthenticated(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	m, mem, _, protected := testGuardSetup(t)
	require.NoError(mem.Set(&oidc.Token{
		AccessToken: "at",
		Expiry:      time.Now().Add(time.Hour),
	}))
	require.NoError(m.Resume(context.Background()))

	rec := get(protected, "/dashboards/crm")
	assert.Equal(http.StatusOK, rec.Code)
	assert.Equal("protected content", rec.Body.String())
}

func TestNew_NilSource(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	_, err := New(nil)
	require.ErrorIs(err, oidc.ErrNilParameter)
}
