// Package guard gates protected routes on session status: it serves a
// loading page while the session is still settling, sends an
// unauthenticated user into the login flow exactly once, and passes
// the request through only when the session is authenticated.
package guard

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/corefront/webauth/oidc"
	"github.com/corefront/webauth/session"
	"github.com/hashicorp/go-hclog"
)

// SessionSource is the slice of a session manager the guard needs.
type SessionSource interface {
	Session() *session.Session
	Initiate(ctx context.Context, returnURL string) (string, error)
}

// Guard wraps protected handlers. Exactly one Initiate happens per
// Guard instance no matter how many requests observe the
// unauthenticated state; later requests are redirected to the
// authorization URL the first one recorded. The triggered flag is
// durable for the instance, so a stable unauthenticated status can't
// refire the flow.
type Guard struct {
	mgr    SessionSource
	logger hclog.Logger

	mu        sync.Mutex
	triggered bool
	authURL   string
}

// New creates a Guard over mgr.
// Supported options: WithLogger
func New(mgr SessionSource, opt ...oidc.Option) (*Guard, error) {
	const op = "guard.New"
	if mgr == nil {
		return nil, fmt.Errorf("%s: session source is nil: %w", op, oidc.ErrNilParameter)
	}
	opts := getGuardOpts(opt...)
	return &Guard{
		mgr:    mgr,
		logger: opts.withLogger,
	}, nil
}

// Middleware wraps next so it only serves authenticated sessions.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch g.mgr.Session().Status() {
		case session.StatusAuthenticated:
			next.ServeHTTP(w, req)
		case session.StatusUnauthenticated:
			g.redirectToLogin(w, req)
		default:
			serveLoading(w)
		}
	})
}

func (g *Guard) redirectToLogin(w http.ResponseWriter, req *http.Request) {
	g.mu.Lock()
	if g.triggered {
		authURL := g.authURL
		g.mu.Unlock()
		if authURL == "" {
			serveLoading(w)
			return
		}
		http.Redirect(w, req, authURL, http.StatusFound)
		return
	}
	g.triggered = true
	g.mu.Unlock()

	// the return target is the guarded path plus query, untouched
	authURL, err := g.mgr.Initiate(req.Context(), req.URL.RequestURI())
	if err != nil {
		g.logger.Error("unable to initiate login", "error", err)
		http.Error(w, "authentication is unavailable", http.StatusServiceUnavailable)
		return
	}
	g.mu.Lock()
	g.authURL = authURL
	g.mu.Unlock()
	http.Redirect(w, req, authURL, http.StatusFound)
}

func serveLoading(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>Loading</title><meta http-equiv="refresh" content="1"></head>
<body><p>Checking authentication&hellip;</p></body>
</html>
`))
}

type guardOptions struct {
	withLogger hclog.Logger
}

func guardDefaults() guardOptions {
	return guardOptions{
		withLogger: hclog.NewNullLogger(),
	}
}

func getGuardOpts(opt ...oidc.Option) guardOptions {
	opts := guardDefaults()
	oidc.ApplyOpts(&opts, opt...)
	return opts
}

// WithLogger provides an optional logger.
func WithLogger(l hclog.Logger) oidc.Option {
	return func(o interface{}) {
		if l == nil {
			return
		}
		if o, ok := o.(*guardOptions); ok {
			o.withLogger = l
		}
	}
}
