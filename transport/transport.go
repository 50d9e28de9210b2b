package transport

import (
	"fmt"
	"net/http"

	"github.com/corefront/webauth/oidc"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
)

// Transport is the bearer interceptor: an http.RoundTripper that
// attaches the current access token to every outbound request. When no
// token is available the request goes out without credentials; the
// downstream 401 is the caller's cue, never a block or redirect here.
type Transport struct {
	base   http.RoundTripper
	cache  *Cache
	logger hclog.Logger
}

var _ http.RoundTripper = (*Transport)(nil)

// New creates the interceptor around cache.
// Supported options: WithBase, WithLogger
func New(cache *Cache, opt ...oidc.Option) (*Transport, error) {
	const op = "transport.New"
	if cache == nil {
		return nil, fmt.Errorf("%s: cache is nil: %w", op, oidc.ErrNilParameter)
	}
	opts := getTransportOpts(opt...)
	base := opts.withBase
	if base == nil {
		base = cleanhttp.DefaultPooledTransport()
	}
	return &Transport{
		base:   base,
		cache:  cache,
		logger: opts.withLogger,
	}, nil
}

// RoundTrip implements http.RoundTripper. A cancelled request
// surfaces the context's error, not an authentication failure.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	tok, err := t.cache.Get(req.Context())
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return t.base.RoundTrip(req)
	}
	// RoundTrippers must not mutate the caller's request
	out := req.Clone(req.Context())
	out.Header.Set("Authorization", "Bearer "+string(tok.AccessToken))
	return t.base.RoundTrip(out)
}

// Client returns an http.Client using t.
func (t *Transport) Client() *http.Client {
	return &http.Client{Transport: t}
}

// WithBase sets the RoundTripper requests are forwarded to after the
// bearer header is attached. Defaults to a pooled transport.
func WithBase(rt http.RoundTripper) oidc.Option {
	return func(o interface{}) {
		if rt == nil {
			return
		}
		if o, ok := o.(*transportOptions); ok {
			o.withBase = rt
		}
	}
}
