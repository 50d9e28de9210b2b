package callback

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/corefront/webauth/gateway"
	"github.com/corefront/webauth/oidc"
	"github.com/hashicorp/go-hclog"
)

// Authenticator is the slice of a session manager the handler needs:
// finishing a code exchange, adopting an externally validated
// principal, and restarting the flow when a session token reference
// turns out to be stale.
type Authenticator interface {
	Exchange(ctx context.Context, state, code string) (*oidc.Token, string, error)
	Handoff(ctx context.Context, user *gateway.User) (*oidc.Token, error)
	Initiate(ctx context.Context, returnURL string) (string, error)
}

// New creates the redirect-return handler. Two inbound shapes are
// supported: an authorization-code return carrying code and state, and
// a pre-validated session-token return carrying sso_token. An error /
// error_description pair from the provider short-circuits both into
// eFn.
//
// The handler's side effects run exactly once per attempt: a
// re-invocation for a state whose exchange already succeeded is a
// benign duplicate and is answered with the same success response
// instead of a second exchange (the provider would reject the reused
// one-time code).
//
// Supported options: WithLogger, WithSessionValidator, WithFallbackURL
func New(ctx context.Context, auth Authenticator, sFn SuccessResponseFunc, eFn ErrorResponseFunc, opt ...oidc.Option) (http.HandlerFunc, error) {
	const op = "callback.New"
	if auth == nil {
		return nil, fmt.Errorf("%s: authenticator is nil: %w", op, oidc.ErrNilParameter)
	}
	if sFn == nil {
		return nil, fmt.Errorf("%s: success response func is nil: %w", op, oidc.ErrNilParameter)
	}
	if eFn == nil {
		return nil, fmt.Errorf("%s: error response func is nil: %w", op, oidc.ErrNilParameter)
	}
	opts := getHandlerOpts(opt...)
	h := &handler{
		ctx:         ctx,
		auth:        auth,
		sFn:         sFn,
		eFn:         eFn,
		gw:          opts.withValidator,
		fallbackURL: opts.withFallbackURL,
		logger:      opts.withLogger,
		inflight:    map[string]chan struct{}{},
		done:        map[string]doneAttempt{},
		now:         time.Now,
	}
	return h.serve, nil
}

type handler struct {
	ctx         context.Context
	auth        Authenticator
	sFn         SuccessResponseFunc
	eFn         ErrorResponseFunc
	gw          *gateway.Client
	fallbackURL string
	logger      hclog.Logger

	mu       sync.Mutex
	inflight map[string]chan struct{}
	done     map[string]doneAttempt
	now      func() time.Time
}

// doneAttempt is a settled exchange kept around long enough to answer a
// duplicate of the same redirect. Entries older than the redirect
// round-trip window are evicted; a reuse that late is handled like any
// unknown state.
type doneAttempt struct {
	returnURL string
	settledAt time.Time
}

// evictSettled drops settled attempts past the round-trip window. The
// caller must hold mu.
func (h *handler) evictSettled() {
	cutoff := h.now().Add(-oidc.DefaultRequestExpiry)
	for state, d := range h.done {
		if d.settledAt.Before(cutoff) {
			delete(h.done, state)
		}
	}
}

func (h *handler) serve(w http.ResponseWriter, req *http.Request) {
	const op = "callback.Handler"

	// FormValue reads both body and query parameters; body wins.
	reqState := req.FormValue("state")

	if e := req.FormValue("error"); e != "" {
		respErr := &AuthenErrorResponse{
			Error:       e,
			Description: req.FormValue("error_description"),
			URI:         req.FormValue("error_uri"),
		}
		h.logger.Debug("provider reported an authentication error", "error", e)
		h.eFn(reqState, respErr, nil, w, req)
		return
	}

	if ssoToken := req.FormValue("sso_token"); ssoToken != "" {
		h.serveSessionToken(w, req, ssoToken)
		return
	}

	reqCode := req.FormValue("code")
	if reqState == "" || reqCode == "" {
		h.eFn(reqState, nil, fmt.Errorf("%s: missing state or code parameter: %w", op, oidc.ErrInvalidParameter), w, req)
		return
	}

	// claim the state or join an attempt already in flight
	h.mu.Lock()
	h.evictSettled()
	if d, ok := h.done[reqState]; ok {
		h.mu.Unlock()
		h.logger.Debug("duplicate callback for settled attempt", "state", reqState)
		h.sFn(reqState, nil, d.returnURL, w, req)
		return
	}
	if ch, ok := h.inflight[reqState]; ok {
		h.mu.Unlock()
		select {
		case <-ch:
		case <-req.Context().Done():
			h.eFn(reqState, nil, req.Context().Err(), w, req)
			return
		}
		h.mu.Lock()
		d, ok := h.done[reqState]
		h.mu.Unlock()
		if ok {
			h.logger.Debug("duplicate callback joined settled attempt", "state", reqState)
			h.sFn(reqState, nil, d.returnURL, w, req)
			return
		}
		h.eFn(reqState, nil, fmt.Errorf("%s: %w", op, oidc.ErrExchangeFailed), w, req)
		return
	}
	ch := make(chan struct{})
	h.inflight[reqState] = ch
	h.mu.Unlock()

	t, returnURL, err := h.auth.Exchange(h.ctx, reqState, reqCode)

	h.mu.Lock()
	delete(h.inflight, reqState)
	if err == nil {
		h.done[reqState] = doneAttempt{returnURL: returnURL, settledAt: h.now()}
	}
	close(ch)
	h.mu.Unlock()

	if err != nil {
		h.logger.Error("authorization code exchange failed", "error", err)
		h.eFn(reqState, nil, err, w, req)
		return
	}
	h.sFn(reqState, t, returnURL, w, req)
}

// serveSessionToken finishes the pre-validated-token return: the
// reference was issued by the authority after validating the session,
// so the principal is confirmed over the same credentialed channel and
// adopted without a second cryptographic exchange. A stale reference
// falls back to a fresh authorization redirect instead of failing; the
// user may still hold a provider-side session that will auto-approve.
func (h *handler) serveSessionToken(w http.ResponseWriter, req *http.Request, ssoToken string) {
	returnURL := req.FormValue("return_url")
	if returnURL == "" {
		returnURL = h.fallbackURL
	}
	if h.gw != nil {
		info, err := h.gw.Session(h.ctx)
		if err == nil && info.IsAuthenticated {
			if t, err := h.auth.Handoff(h.ctx, info.User); err == nil {
				h.sFn("", t, returnURL, w, req)
				return
			}
			h.logger.Warn("trusted handoff failed, restarting login")
		} else {
			h.logger.Debug("session token reference is stale", "error", err)
		}
	}
	authURL, err := h.auth.Initiate(h.ctx, returnURL)
	if err != nil {
		h.eFn("", nil, err, w, req)
		return
	}
	http.Redirect(w, req, authURL, http.StatusFound)
}

type handlerOptions struct {
	withLogger      hclog.Logger
	withValidator   *gateway.Client
	withFallbackURL string
}

func handlerDefaults() handlerOptions {
	return handlerOptions{
		withLogger:      hclog.NewNullLogger(),
		withFallbackURL: "/",
	}
}

func getHandlerOpts(opt ...oidc.Option) handlerOptions {
	opts := handlerDefaults()
	oidc.ApplyOpts(&opts, opt...)
	return opts
}

// WithLogger provides an optional logger.
func WithLogger(l hclog.Logger) oidc.Option {
	return func(o interface{}) {
		if l == nil {
			return
		}
		if o, ok := o.(*handlerOptions); ok {
			o.withLogger = l
		}
	}
}

// WithSessionValidator provides the gateway client used to confirm a
// session-token reference. Without one the sso_token path always falls
// back to a fresh authorization redirect.
func WithSessionValidator(gw *gateway.Client) oidc.Option {
	return func(o interface{}) {
		if gw == nil {
			return
		}
		if o, ok := o.(*handlerOptions); ok {
			o.withValidator = gw
		}
	}
}

// WithFallbackURL sets the return URL used when a session-token return
// doesn't name one. Defaults to "/".
func WithFallbackURL(u string) oidc.Option {
	return func(o interface{}) {
		if u == "" {
			return
		}
		if o, ok := o.(*handlerOptions); ok {
			o.withFallbackURL = u
		}
	}
}
