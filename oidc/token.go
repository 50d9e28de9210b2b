package oidc

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// DefaultExpirySkew is the safety margin subtracted from a token's literal
// expiry when deciding whether it needs a refresh: a token expiring within
// the skew is already treated as expired, so it is never sent on a request
// it could expire in the middle of.
const DefaultExpirySkew = 10 * time.Second

// Token is the access/refresh/id token triple issued for one authenticated
// principal, along with the access token's expiry.
type Token struct {
	AccessToken  AccessToken
	RefreshToken RefreshToken
	IDToken      IDToken
	Expiry       time.Time
}

// NewToken builds a Token from a successful oauth2 token response.  When the
// access token is a JWT carrying an exp claim, that claim is authoritative
// for Expiry: it is the provider's signed value, while expires_in is only
// advisory and sensitive to clock skew.
func NewToken(t *oauth2.Token) (*Token, error) {
	const op = "oidc.NewToken"
	if t == nil {
		return nil, fmt.Errorf("%s: token is nil: %w", op, ErrNilParameter)
	}
	if t.AccessToken == "" {
		return nil, fmt.Errorf("%s: access_token is empty: %w", op, ErrInvalidParameter)
	}
	tk := &Token{
		AccessToken:  AccessToken(t.AccessToken),
		RefreshToken: RefreshToken(t.RefreshToken),
		Expiry:       t.Expiry,
	}
	if exp, ok := accessTokenExpiry(t.AccessToken); ok {
		tk.Expiry = exp
	}
	if id, ok := t.Extra("id_token").(string); ok {
		tk.IDToken = IDToken(id)
	}
	return tk, nil
}

// accessTokenExpiry decodes the exp claim of a JWT access token without
// verifying its signature.  Opaque access tokens report !ok and the caller
// keeps the advisory expires_in based expiry.
func accessTokenExpiry(raw string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// Expired reports whether the token's expiry (less the skew) has passed.  A
// token without an expiry never expires locally; the resource server is the
// authority for it.  Supported options: WithExpirySkew, WithNow
func (t *Token) Expired(opt ...Option) bool {
	if t == nil {
		return true
	}
	if t.Expiry.IsZero() {
		return false
	}
	opts := getTokenOpts(opt...)
	return t.Expiry.Round(0).Before(opts.withNowFunc().Add(*opts.withExpirySkew))
}

// Valid reports whether the token holds a usable, non-expired access token.
// Supported options: WithExpirySkew, WithNow
func (t *Token) Valid(opt ...Option) bool {
	if t == nil {
		return false
	}
	if t.AccessToken == "" {
		return false
	}
	return !t.Expired(opt...)
}

// tokenOptions is the set of available options for Token functions
type tokenOptions struct {
	withExpirySkew *time.Duration
	withNowFunc    func() time.Time
}

func tokenDefaults() tokenOptions {
	skew := DefaultExpirySkew
	return tokenOptions{
		withExpirySkew: &skew,
		withNowFunc:    time.Now,
	}
}

func getTokenOpts(opt ...Option) tokenOptions {
	opts := tokenDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}
