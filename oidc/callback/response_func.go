package callback

import (
	"html/template"
	"net/http"

	"github.com/corefront/webauth/oidc"
)

// SuccessResponseFunc is used by the handler to respond when an
// authentication attempt finishes successfully. returnURL is the
// destination recorded when the attempt was initiated; t is the token
// that settled the session. The function should use the
// http.ResponseWriter to send back whatever content it wishes to the
// client that originated the flow.
type SuccessResponseFunc func(state string, t *oidc.Token, returnURL string, w http.ResponseWriter, req *http.Request)

// ErrorResponseFunc is used by the handler to respond when an attempt
// fails. respErr carries the provider's authentication error response
// parameters when the provider reported the failure; e carries the
// error raised while processing the request. One of the two is always
// set.
type ErrorResponseFunc func(state string, respErr *AuthenErrorResponse, e error, w http.ResponseWriter, req *http.Request)

// AuthenErrorResponse represents OAuth2 authentication error response
// parameters. See:
// https://openid.net/specs/openid-connect-core-1_0.html#AuthError
type AuthenErrorResponse struct {
	Error       string
	Description string
	URI         string
}

// RedirectSuccess responds to a finished attempt with a 303 redirect
// to the recorded return URL, which resumes the navigation that
// triggered the login.
func RedirectSuccess() SuccessResponseFunc {
	return func(state string, t *oidc.Token, returnURL string, w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, returnURL, http.StatusSeeOther)
	}
}

var errorTmpl = template.Must(template.New("callback-error").Parse(`<!DOCTYPE html>
<html>
<head><title>Authentication Error</title></head>
<body>
<h1>Authentication Error</h1>
<p>{{.Message}}</p>
<p><a href="{{.HomeURL}}">Go to Home</a> &middot; <a href="{{.RetryURL}}">Try Again</a></p>
</body>
</html>
`))

// TerminalError responds to a failed attempt with a terminal error
// page offering "go home" and "try again" actions. There is no
// automatic retry; trying again restarts the login from homeURL.
func TerminalError(homeURL string) ErrorResponseFunc {
	return func(state string, respErr *AuthenErrorResponse, e error, w http.ResponseWriter, req *http.Request) {
		msg := "Authentication failed. Please try again."
		switch {
		case respErr != nil && respErr.Description != "":
			msg = respErr.Description
		case respErr != nil && respErr.Error != "":
			msg = respErr.Error
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusUnauthorized)
		_ = errorTmpl.Execute(w, map[string]string{
			"Message":  msg,
			"HomeURL":  homeURL,
			"RetryURL": homeURL,
		})
	}
}
