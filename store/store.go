// Package store persists the token triple and pending authentication
// requests so that every process sharing the same backing directory
// observes the same session. Writes are last-write-wins; a token that
// vanishes between a check and a read is reported as absent, never as
// an error.
package store

import (
	"errors"

	"github.com/corefront/webauth/oidc"
)

var (
	// ErrNoRequest is returned by Take when no pending request matches
	// the given state. A request is consumed by the first successful
	// Take, so a duplicate redirect return also gets ErrNoRequest.
	ErrNoRequest = errors.New("no pending request for state")

	ErrClosed = errors.New("store is closed")
)

// Store holds the current token triple.
type Store interface {
	// Get returns the stored token, or nil when none is stored.
	Get() (*oidc.Token, error)

	// Set replaces the stored token wholesale.
	Set(t *oidc.Token) error

	// Clear removes the stored token. Clearing an empty store is not an
	// error.
	Clear() error

	// Watch registers fn to run whenever the stored token changes
	// (present, absent or replaced). It returns a cancel func that
	// unregisters fn. Notifications are asynchronous and may coalesce;
	// listeners should re-read the store rather than assume a specific
	// transition.
	Watch(fn func()) (cancel func(), err error)
}

// RequestStore holds pending authentication requests across the
// redirect round-trip, keyed by their state parameter.
type RequestStore interface {
	// Put records a pending request.
	Put(r *oidc.Request) error

	// Take returns the pending request for state and removes it, so a
	// request can be consumed at most once. Expired requests are
	// treated as absent.
	Take(state string) (*oidc.Request, error)

	// Purge removes all pending requests.
	Purge() error
}
