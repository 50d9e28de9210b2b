// Package gateway talks to the API gateway's identity endpoints. The
// gateway is an external collaborator: it authenticates callers with a
// session cookie and answers with the `{success, result, errors}`
// envelope its API uses everywhere. Session-status and logout calls
// are advisory, so their failures are reported but never treated as
// "logged out with certainty" versus "gateway unreachable" confusion:
// callers get an unauthenticated SessionInfo either way, plus the
// transport error when there was one.
package gateway

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"github.com/corefront/webauth/oidc"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
)

const (
	sessionPath = "/api/v1/identity/auth/session"
	logoutPath  = "/api/v1/identity/auth/logout"
)

var (
	ErrInvalidURL = errors.New("invalid gateway URL")

	// ErrUnavailable wraps transport-level failures reaching the
	// gateway. Callers treat it as advisory, not as a logout.
	ErrUnavailable = errors.New("gateway unavailable")
)

// User is the principal the gateway reports for an authenticated
// session.
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"fullName,omitempty"`
	UserName string `json:"userName,omitempty"`
}

// SessionInfo is the result payload of the session-status endpoint.
type SessionInfo struct {
	IsAuthenticated bool  `json:"isAuthenticated"`
	User            *User `json:"user,omitempty"`
}

// APIError is one element of an envelope's errors array.
type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (e APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// Envelope is the gateway's uniform response shape. When Success is
// true Result holds the payload; when false Errors says why.
type Envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Errors  []APIError      `json:"errors,omitempty"`
}

// DecodeEnvelope reads an envelope from an HTTP response and
// normalizes it: a body that isn't a well-formed failure envelope
// (proxies, crashes, plain-text errors) becomes a synthesized failure
// with a single generic error element, so callers can always rely on
// `!Success => len(Errors) > 0`.
func DecodeEnvelope(resp *http.Response) (*Envelope, error) {
	const op = "gateway.DecodeEnvelope"
	if resp == nil {
		return nil, fmt.Errorf("%s: response is nil: %w", op, oidc.ErrNilParameter)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: reading body: %w", op, err)
	}
	var env Envelope
	if jsonErr := json.Unmarshal(body, &env); jsonErr == nil {
		if env.Success || len(env.Errors) > 0 {
			return &env, nil
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return &env, nil
		}
		return &Envelope{
			Success: false,
			Errors: []APIError{{
				Message: firstNonEmpty(env.Message, http.StatusText(resp.StatusCode)),
				Code:    "UNKNOWN_ERROR",
			}},
		}, nil
	}
	return &Envelope{
		Success: false,
		Errors: []APIError{{
			Message: firstNonEmpty(strings.TrimSpace(string(body)), http.StatusText(resp.StatusCode)),
			Code:    "UNKNOWN_ERROR",
		}},
	}, nil
}

func firstNonEmpty(s ...string) string {
	for _, v := range s {
		if v != "" {
			return v
		}
	}
	return "an unexpected error occurred"
}

// Client calls the gateway's identity endpoints with a cookie jar, so
// the session cookie established upstream rides along on every call.
type Client struct {
	baseURL string
	client  *http.Client
	logger  hclog.Logger
}

// NewClient creates a gateway client for baseURL.
// Supported options: WithHTTPClient, WithLogger, WithCA
func NewClient(baseURL string, opt ...oidc.Option) (*Client, error) {
	const op = "gateway.NewClient"
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %q: %v: %w", op, baseURL, err, ErrInvalidURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("%s: %q is not an absolute http(s) URL: %w", op, baseURL, ErrInvalidURL)
	}
	opts := getClientOpts(opt...)
	c := opts.withHTTPClient
	if c == nil {
		tr := cleanhttp.DefaultPooledTransport()
		if opts.withCA != "" {
			pool := x509.NewCertPool()
			if ok := pool.AppendCertsFromPEM([]byte(opts.withCA)); !ok {
				return nil, fmt.Errorf("%s: %w", op, oidc.ErrInvalidCACert)
			}
			tr.TLSClientConfig = &tls.Config{RootCAs: pool}
		}
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		c = &http.Client{
			Transport: tr,
			Jar:       jar,
		}
	}
	return &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		client:  c,
		logger:  opts.withLogger,
	}, nil
}

// Session asks the gateway whether the caller's cookie maps to a live
// session. A reachable gateway always produces a SessionInfo and a nil
// error, even when it answers non-2xx or success=false; only transport
// failures return an error, wrapped in ErrUnavailable, alongside an
// unauthenticated SessionInfo.
func (c *Client) Session(ctx context.Context) (*SessionInfo, error) {
	const op = "gateway.Client.Session"
	resp, err := c.do(ctx, http.MethodGet, sessionPath)
	if err != nil {
		c.logger.Debug("session check failed", "error", err)
		return &SessionInfo{}, fmt.Errorf("%s: %v: %w", op, err, ErrUnavailable)
	}
	defer resp.Body.Close()
	env, err := DecodeEnvelope(resp)
	if err != nil {
		c.logger.Debug("session check produced unreadable body", "error", err)
		return &SessionInfo{}, fmt.Errorf("%s: %v: %w", op, err, ErrUnavailable)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// A non-2xx answer never establishes a session, whatever the
		// body claims.
		c.logger.Debug("session check answered non-2xx", "status", resp.StatusCode)
		return &SessionInfo{}, nil
	}
	if !env.Success {
		return &SessionInfo{}, nil
	}
	var info SessionInfo
	if err := json.Unmarshal(env.Result, &info); err != nil {
		c.logger.Debug("session check result did not decode", "error", err)
		return &SessionInfo{}, nil
	}
	if !info.IsAuthenticated {
		return &SessionInfo{}, nil
	}
	return &info, nil
}

// Logout tells the gateway to drop the caller's session. It is
// best-effort: the error is for the caller's log line, never a reason
// to abort a logout flow.
func (c *Client) Logout(ctx context.Context) error {
	const op = "gateway.Client.Logout"
	resp, err := c.do(ctx, http.MethodPost, logoutPath)
	if err != nil {
		return fmt.Errorf("%s: %v: %w", op, err, ErrUnavailable)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: gateway answered %d", op, resp.StatusCode)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.client.Do(req)
}

type clientOptions struct {
	withHTTPClient *http.Client
	withLogger     hclog.Logger
	withCA         string
}

func clientDefaults() clientOptions {
	return clientOptions{
		withLogger: hclog.NewNullLogger(),
	}
}

func getClientOpts(opt ...oidc.Option) clientOptions {
	opts := clientDefaults()
	oidc.ApplyOpts(&opts, opt...)
	return opts
}

// WithHTTPClient supplies the HTTP client to call the gateway with.
// The caller owns the cookie jar in that case.
func WithHTTPClient(c *http.Client) oidc.Option {
	return func(o interface{}) {
		if c == nil {
			return
		}
		if o, ok := o.(*clientOptions); ok {
			o.withHTTPClient = c
		}
	}
}

// WithLogger provides an optional logger for advisory failures.
func WithLogger(l hclog.Logger) oidc.Option {
	return func(o interface{}) {
		if l == nil {
			return
		}
		if o, ok := o.(*clientOptions); ok {
			o.withLogger = l
		}
	}
}

// WithCA provides an optional CA certificate PEM to trust when calling
// a gateway with a locally issued certificate.
func WithCA(pem string) oidc.Option {
	return func(o interface{}) {
		if o, ok := o.(*clientOptions); ok {
			o.withCA = pem
		}
	}
}
