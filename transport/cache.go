// Package transport keeps a bearer token attached to outbound API
// calls: a single-slot token cache warmed by store notifications and
// an http.RoundTripper that consults it per request. The interceptor
// never blocks a request on missing credentials; an unauthenticated
// call goes out bare and the API's 401 is the caller's signal.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/corefront/webauth/oidc"
	"github.com/corefront/webauth/store"
	"github.com/hashicorp/go-hclog"
)

// Source produces the current token triple on demand, refreshing it
// when needed. A nil token with a nil error means no credentials are
// available. session.Manager implements it.
type Source interface {
	Token(ctx context.Context) (*oidc.Token, error)
}

// Cache is the process-wide memoized copy of the access token. It
// subscribes to the token store so loads, refreshes and logouts in
// this or any other process update the slot without a per-request
// lookup; when the slot is cold it awaits one Source lookup instead.
type Cache struct {
	source Source
	tokens store.Store
	logger hclog.Logger

	mu          sync.Mutex
	cached      *oidc.Token
	cancelWatch func()
	closed      bool
}

// NewCache creates a Cache over source, warmed by change
// notifications from tokens.
// Supported options: WithLogger
func NewCache(source Source, tokens store.Store, opt ...oidc.Option) (*Cache, error) {
	const op = "transport.NewCache"
	if source == nil {
		return nil, fmt.Errorf("%s: source is nil: %w", op, oidc.ErrNilParameter)
	}
	if tokens == nil {
		return nil, fmt.Errorf("%s: token store is nil: %w", op, oidc.ErrNilParameter)
	}
	opts := getTransportOpts(opt...)
	c := &Cache{
		source: source,
		tokens: tokens,
		logger: opts.withLogger,
	}
	cancel, err := tokens.Watch(c.reload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	c.cancelWatch = cancel
	c.reload()
	return c, nil
}

// reload refreshes the slot from the store. It runs on every store
// change notification, so a logout in another process empties the slot
// here without any call in between.
func (c *Cache) reload() {
	t, err := c.tokens.Get()
	if err != nil {
		c.logger.Debug("token cache reload failed", "error", err)
		return
	}
	c.mu.Lock()
	c.cached = t
	c.mu.Unlock()
}

// Get returns a currently valid token, or nil when the caller should
// proceed without credentials. A cold or expired slot costs one
// awaited Source lookup; a cancelled ctx surfaces as the context's
// error.
func (c *Cache) Get(ctx context.Context) (*oidc.Token, error) {
	c.mu.Lock()
	cached := c.cached
	c.mu.Unlock()
	if cached.Valid() {
		return cached, nil
	}

	t, err := c.source.Token(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Debug("token lookup failed", "error", err)
		return nil, nil
	}
	c.mu.Lock()
	c.cached = t
	c.mu.Unlock()
	return t, nil
}

// Close tears the cache down, detaching it from store notifications.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.cancelWatch != nil {
		c.cancelWatch()
	}
	c.cached = nil
}

type transportOptions struct {
	withLogger hclog.Logger
	withBase   http.RoundTripper
}

func transportDefaults() transportOptions {
	return transportOptions{
		withLogger: hclog.NewNullLogger(),
	}
}

func getTransportOpts(opt ...oidc.Option) transportOptions {
	opts := transportDefaults()
	oidc.ApplyOpts(&opts, opt...)
	return opts
}

// WithLogger provides an optional logger.
func WithLogger(l hclog.Logger) oidc.Option {
	return func(o interface{}) {
		if l == nil {
			return
		}
		if o, ok := o.(*transportOptions); ok {
			o.withLogger = l
		}
	}
}
