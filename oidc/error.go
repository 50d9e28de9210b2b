package oidc

import (
	"errors"
)

var (
	ErrInvalidParameter     = errors.New("invalid parameter")
	ErrNilParameter         = errors.New("nil parameter")
	ErrInvalidCACert        = errors.New("invalid CA certificate")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrIDGeneratorFailed    = errors.New("id generation failed")
	ErrExpiredRequest       = errors.New("authentication request is expired")

	// ErrResponseStateInvalid is returned when the state parameter of an
	// authorization response doesn't match the pending request it claims to
	// belong to.  Callers must fail closed on it: no exchange is attempted.
	ErrResponseStateInvalid = errors.New("authorization response state is invalid")

	// ErrExchangeFailed is terminal: the user must restart the login flow.
	ErrExchangeFailed = errors.New("authorization code exchange failed")

	// ErrRefreshFailed marks a rejected (or impossible) refresh_token grant.
	// It does not invalidate previously held tokens.
	ErrRefreshFailed       = errors.New("token refresh failed")
	ErrMissingRefreshToken = errors.New("refresh token is missing")

	ErrUnsupportedChallengeMethod = errors.New("unsupported challenge method")
	ErrMissingEndSessionEndpoint  = errors.New("end session endpoint is not configured")
	ErrNotFound                   = errors.New("not found")
)
