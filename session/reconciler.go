package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/corefront/webauth/gateway"
	"github.com/corefront/webauth/oidc"
	"github.com/hashicorp/go-hclog"
)

// Reconciler settles the session at process start without a redirect
// round-trip: it resumes a stored token when one is usable, otherwise
// asks the gateway whether the user already holds a server-side
// session and, if so, adopts that principal through the manager's
// trusted handoff. Every failure along the way is advisory; the
// reconciler always settles the session one way or the other so the
// route guard can act on it.
//
// Reconcile runs at most once per Reconciler. A gateway check that
// itself lacks the session cookie resolves to unauthenticated, never
// to a retry loop.
type Reconciler struct {
	mgr    Manager
	gw     *gateway.Client
	logger hclog.Logger
	once   sync.Once
}

// NewReconciler creates a Reconciler around mgr. gw may be nil when no
// gateway collaborator is deployed; reconciliation then only resumes
// stored tokens.
// Supported options: WithLogger
func NewReconciler(mgr Manager, gw *gateway.Client, opt ...oidc.Option) (*Reconciler, error) {
	const op = "session.NewReconciler"
	if mgr == nil {
		return nil, fmt.Errorf("%s: manager is nil: %w", op, oidc.ErrNilParameter)
	}
	opts := getManagerOpts(opt...)
	return &Reconciler{
		mgr:    mgr,
		gw:     gw,
		logger: opts.withLogger,
	}, nil
}

// Reconcile settles the manager's session. Calls after the first are
// no-ops.
func (r *Reconciler) Reconcile(ctx context.Context) {
	r.once.Do(func() {
		r.reconcile(ctx)
	})
}

func (r *Reconciler) reconcile(ctx context.Context) {
	s := r.mgr.Session()
	if s.Status() == StatusAuthenticated {
		return
	}

	err := r.mgr.Resume(ctx)
	if err == nil {
		r.logger.Debug("resumed session from stored tokens")
		return
	}
	if !errors.Is(err, ErrNoSession) {
		r.logger.Debug("session resume failed", "error", err)
	}

	if r.gw == nil {
		r.settleUnauthenticated(s)
		return
	}
	info, err := r.gw.Session(ctx)
	if err != nil {
		// unreachable gateway is "no session", not a failure
		r.logger.Debug("session-status check failed", "error", err)
		r.settleUnauthenticated(s)
		return
	}
	if !info.IsAuthenticated {
		r.settleUnauthenticated(s)
		return
	}
	if _, err := r.mgr.Handoff(ctx, info.User); err != nil {
		r.logger.Warn("trusted handoff failed", "error", err)
		r.settleUnauthenticated(s)
		return
	}
	r.logger.Debug("adopted server-side session", "user_id", info.User.ID)
}

func (r *Reconciler) settleUnauthenticated(s *Session) {
	if s.Status() != StatusAuthenticated {
		s.unauthenticate()
	}
}
