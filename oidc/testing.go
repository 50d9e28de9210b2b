package oidc

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// TestGenerateKeys generates an ECDSA P-256 key pair, pem-encoded, for
// signing test JWTs.
func TestGenerateKeys(t *testing.T) (pub, priv string) {
	t.Helper()
	require := require.New(t)
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(err)

	{
		derBytes, err := x509.MarshalECPrivateKey(privateKey)
		require.NoError(err)
		priv = string(pem.EncodeToMemory(&pem.Block{
			Type:  "EC PRIVATE KEY",
			Bytes: derBytes,
		}))
	}
	{
		derBytes, err := x509.MarshalPKIXPublicKey(privateKey.Public())
		require.NoError(err)
		pub = string(pem.EncodeToMemory(&pem.Block{
			Type:  "PUBLIC KEY",
			Bytes: derBytes,
		}))
	}
	return pub, priv
}

// TestSignJWT bundles the provided claims into a signed JWT.  The key must
// be a pem-encoded ECDSA private key.
func TestSignJWT(t *testing.T, ecdsaPrivKeyPEM string, claims jwt.Claims, privateClaims interface{}) string {
	t.Helper()
	require := require.New(t)

	block, _ := pem.Decode([]byte(ecdsaPrivKeyPEM))
	require.NotNil(block)
	key, err := x509.ParseECPrivateKey(block.Bytes)
	require.NoError(err)

	sig, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(err)

	raw, err := jwt.Signed(sig).
		Claims(claims).
		Claims(privateClaims).
		CompactSerialize()
	require.NoError(err)
	return raw
}

// TestToken mints a Token whose access token is a signed JWT expiring in
// expireIn, handy when a test needs a structurally real token without a
// provider round-trip.
func TestToken(t *testing.T, expireIn time.Duration, opt ...Option) *Token {
	t.Helper()
	_, priv := TestGenerateKeys(t)
	now := time.Now()
	claims := jwt.Claims{
		Subject:  "test-subject",
		Issuer:   "https://provider.test",
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(expireIn)),
		Audience: jwt.Audience{"test-client"},
	}
	raw := TestSignJWT(t, priv, claims, map[string]interface{}{})
	return &Token{
		AccessToken:  AccessToken(raw),
		RefreshToken: "test-refresh-token",
		Expiry:       now.Add(expireIn),
	}
}
