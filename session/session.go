// Package session owns the authentication lifecycle of one process: a
// small session state machine, a Manager capability with one concrete
// implementation per authentication strategy, and a Reconciler that
// adopts an existing server-side session without a redirect round-trip.
//
// Exactly one strategy is chosen when the Manager is constructed:
// ServerManager for deployments where a backend holds the provider
// credentials behind a session cookie, PKCEManager for deployments
// where this process is a public client doing its own code exchange.
// Nothing branches on strategy per call.
package session

import (
	"fmt"
	"sync"

	"github.com/corefront/webauth/oidc"
)

// Identity is the principal attached to an authenticated session.
type Identity struct {
	ID       string
	Email    string
	FullName string
	UserName string
}

// Session is the authoritative authentication state for the current
// principal. It starts in StatusLoading and is mutated only by the
// Manager that owns it and by the Reconciler.
//
// When the status is StatusAuthenticated a valid (non-expired, modulo
// skew) token is always held; when StatusUnauthenticated no tokens are
// retained. A failed refresh is the one exception on the authenticated
// side: it sets Err and keeps the previous tokens so callers can
// decide whether to force a fresh login.
type Session struct {
	mu       sync.Mutex
	status   Status
	token    *oidc.Token
	identity *Identity
	lastErr  error
}

func NewSession() *Session {
	return &Session{
		status: StatusLoading,
	}
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Token returns a copy of the session's token triple, or nil.
func (s *Session) Token() *oidc.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == nil {
		return nil
	}
	cp := *s.token
	return &cp
}

// Identity returns a copy of the authenticated principal, or nil.
func (s *Session) Identity() *Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return nil
	}
	cp := *s.identity
	return &cp
}

// Err reports the session's sticky error flag, set by a failed refresh
// and cleared by the next successful authentication.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Recheck puts a settled session back into StatusLoading for an
// explicit fresh check. Tokens are kept; the next authenticate or
// unauthenticate settles it again.
func (s *Session) Recheck() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusLoading
}

// authenticate settles the session with t and an optional principal.
// It refuses a token that isn't currently valid, which is what keeps
// "authenticated implies a usable access token" out of reach of every
// caller.
func (s *Session) authenticate(t *oidc.Token, id *Identity) error {
	const op = "session.authenticate"
	if t == nil {
		return fmt.Errorf("%s: token is nil: %w", op, oidc.ErrNilParameter)
	}
	if !t.Valid() {
		return fmt.Errorf("%s: token is expired or empty: %w", op, oidc.ErrInvalidParameter)
	}
	cp := *t
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusAuthenticated
	s.token = &cp
	if id != nil {
		idCp := *id
		s.identity = &idCp
	}
	s.lastErr = nil
	return nil
}

// unauthenticate settles the session with no principal and no tokens.
func (s *Session) unauthenticate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusUnauthenticated
	s.token = nil
	s.identity = nil
	s.lastErr = nil
}

// fail records err as the session's sticky error. Status and tokens
// are kept as they are.
func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
}

// expired reports whether the held token needs a refresh before use.
func (s *Session) expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token.Expired()
}
