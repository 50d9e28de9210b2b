package oidc

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// ChallengeMethod represents a PKCE code challenge method (see RFC 7636).
type ChallengeMethod string

// S256 is the only challenge method supported: a base64url encoded (with
// padding removed) sha256 hash of the verifier.
const S256 ChallengeMethod = "S256"

// verifierLen is the length of a generated code verifier: 32 bytes of
// entropy base64url encoded without padding.
const verifierLen = 43

// CodeVerifier represents a PKCE code verifier/challenge pair, binding an
// authorization code to the client that requested it so a public client can
// exchange the code without a client secret.
type CodeVerifier struct {
	verifier  string
	method    ChallengeMethod
	challenge string
}

// NewCodeVerifier creates a verifier with a freshly generated secret and an
// S256 challenge derived from it.
func NewCodeVerifier() (*CodeVerifier, error) {
	const op = "oidc.NewCodeVerifier"
	data := make([]byte, 32)
	if _, err := rand.Read(data); err != nil {
		return nil, fmt.Errorf("%s: unable to generate verifier secret: %w", op, err)
	}
	v := &CodeVerifier{
		verifier: base64.RawURLEncoding.EncodeToString(data),
		method:   S256,
	}
	challenge, err := CreateCodeChallenge(S256, v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	v.challenge = challenge
	return v, nil
}

// restoreCodeVerifier rebuilds a verifier from a previously persisted secret.
func restoreCodeVerifier(verifier string) (*CodeVerifier, error) {
	const op = "oidc.restoreCodeVerifier"
	if verifier == "" {
		return nil, fmt.Errorf("%s: verifier secret is empty: %w", op, ErrInvalidParameter)
	}
	v := &CodeVerifier{
		verifier: verifier,
		method:   S256,
	}
	challenge, err := CreateCodeChallenge(S256, v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	v.challenge = challenge
	return v, nil
}

func (v *CodeVerifier) Verifier() string        { return v.verifier }
func (v *CodeVerifier) Method() ChallengeMethod { return v.method }
func (v *CodeVerifier) Challenge() string       { return v.challenge }

// CreateCodeChallenge creates a code challenge from the verifier.
func CreateCodeChallenge(m ChallengeMethod, v *CodeVerifier) (string, error) {
	const op = "oidc.CreateCodeChallenge"
	if v == nil {
		return "", fmt.Errorf("%s: code verifier is nil: %w", op, ErrNilParameter)
	}
	if m != S256 {
		return "", fmt.Errorf("%s: %s: %w", op, m, ErrUnsupportedChallengeMethod)
	}
	sum := sha256.Sum256([]byte(v.verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}
