package oidc

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultRequestExpiry bounds how long a redirect round-trip may take
// before its pending state is considered abandoned.
const DefaultRequestExpiry = 2 * time.Minute

// Request is the pending redirect state for a single authentication
// attempt: it is created immediately before redirecting to the provider,
// consumed exactly once by the callback that finishes the attempt, and
// discarded afterwards whether the attempt succeeded or failed.
//
// State is the one-time anti-CSRF value carried through the provider
// round-trip, Nonce binds the attempt to the id_token it produces, and
// ReturnURL is the destination to resume once tokens are established.
type Request struct {
	state     string
	nonce     string
	returnURL string
	expiry    time.Time
	verifier  *CodeVerifier
	nowFunc   func() time.Time
}

// NewRequest creates pending redirect state for one authentication attempt.
// Supported options: WithPKCE, WithNow
func NewRequest(expireIn time.Duration, returnURL string, opt ...Option) (*Request, error) {
	const op = "oidc.NewRequest"
	if expireIn <= 0 {
		return nil, fmt.Errorf("%s: expireIn is not greater than zero: %w", op, ErrInvalidParameter)
	}
	if returnURL == "" {
		return nil, fmt.Errorf("%s: return URL is empty: %w", op, ErrInvalidParameter)
	}
	opts := getReqOpts(opt...)
	now := opts.withNowFunc
	if now == nil {
		now = time.Now
	}
	state, err := NewID(WithPrefix("st"))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate the request's state: %w", op, err)
	}
	nonce, err := NewID(WithPrefix("n"))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate the request's nonce: %w", op, err)
	}
	r := &Request{
		state:     state,
		nonce:     nonce,
		returnURL: returnURL,
		expiry:    now().Add(expireIn),
		nowFunc:   opts.withNowFunc,
	}
	if opts.withPKCE {
		v, err := NewCodeVerifier()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		r.verifier = v
	}
	return r, nil
}

func (r *Request) State() string     { return r.state }
func (r *Request) Nonce() string     { return r.nonce }
func (r *Request) ReturnURL() string { return r.returnURL }

// Verifier returns the request's PKCE verifier, or nil when the attempt
// doesn't use PKCE.
func (r *Request) Verifier() *CodeVerifier { return r.verifier }

// IsExpired reports whether the redirect round-trip has taken longer than
// the request allows.  Supported options: WithExpirySkew, WithNow
func (r *Request) IsExpired(opt ...Option) bool {
	opts := getReqOpts(opt...)
	now := opts.withNowFunc
	if now == nil {
		now = r.now
	}
	var skew time.Duration
	if opts.withExpirySkew != nil {
		skew = *opts.withExpirySkew
	}
	return r.expiry.Round(0).Before(now().Add(skew))
}

func (r *Request) now() time.Time {
	if r.nowFunc != nil {
		return r.nowFunc()
	}
	return time.Now()
}

// persistedRequest is the durable form of a Request.  Unlike tokens, the
// pending state has to round-trip through client-durable storage intact, so
// nothing here is redacted.
type persistedRequest struct {
	State     string    `json:"state"`
	Nonce     string    `json:"nonce"`
	ReturnURL string    `json:"return_url"`
	Expiry    time.Time `json:"expiry"`
	Verifier  string    `json:"verifier,omitempty"`
}

// MarshalJSON implements json.Marshaler so stores can persist a Request
// across the redirect round-trip.
func (r *Request) MarshalJSON() ([]byte, error) {
	p := persistedRequest{
		State:     r.state,
		Nonce:     r.nonce,
		ReturnURL: r.returnURL,
		Expiry:    r.expiry,
	}
	if r.verifier != nil {
		p.Verifier = r.verifier.Verifier()
	}
	return json.Marshal(p)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Request) UnmarshalJSON(data []byte) error {
	const op = "Request.UnmarshalJSON"
	var p persistedRequest
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	r.state = p.State
	r.nonce = p.Nonce
	r.returnURL = p.ReturnURL
	r.expiry = p.Expiry
	r.verifier = nil
	if p.Verifier != "" {
		v, err := restoreCodeVerifier(p.Verifier)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		r.verifier = v
	}
	return nil
}

// reqOptions is the set of available options for Request functions
type reqOptions struct {
	withNowFunc    func() time.Time
	withExpirySkew *time.Duration
	withPKCE       bool
}

func reqDefaults() reqOptions {
	return reqOptions{}
}

func getReqOpts(opt ...Option) reqOptions {
	opts := reqDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithPKCE requests a PKCE verifier/challenge pair for the attempt; it is
// required for public (secret-less) clients.
func WithPKCE() Option {
	return func(o interface{}) {
		if o, ok := o.(*reqOptions); ok {
			o.withPKCE = true
		}
	}
}
