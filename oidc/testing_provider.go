package oidc

import (
	"bytes"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// TestProvider is a local server with test identity-provider capabilities
// which make writing tests much easier: discovery, the authorization and
// token endpoints, userinfo and end-session.  Tokens it issues are ES256
// signed JWTs, so the signed exp claim path is exercised end to end.
type TestProvider struct {
	httpServer *httptest.Server
	caCert     string

	jwks            *jose.JSONWebKeySet
	ecdsaPublicKey  string
	ecdsaPrivateKey string

	mu                   sync.Mutex
	clientID             string
	clientSecret         string
	expectedAuthCode     string
	expectedRefreshToken string
	rotatedRefreshToken  string
	lastNonce            string
	tokenTTL             time.Duration
	tokenErrStatus       int
	omitRefreshToken     bool
	opaqueAccessTokens   bool
	replySubject         string
	replyEmail           string
	replyUserinfo        map[string]interface{}
	endSessionHits       int

	t *testing.T
}

// StartTestProvider creates and starts a disposable TestProvider over TLS.
// It is stopped via t.Cleanup.
func StartTestProvider(t *testing.T) *TestProvider {
	t.Helper()

	p := &TestProvider{
		t:                    t,
		expectedAuthCode:     "test-auth-code",
		expectedRefreshToken: "test-refresh-token",
		tokenTTL:             5 * time.Minute,
		replySubject:         "42",
		replyEmail:           "a@b.com",
		replyUserinfo: map[string]interface{}{
			"sub":   "42",
			"email": "a@b.com",
			"name":  "Test User",
		},
	}
	p.ecdsaPublicKey, p.ecdsaPrivateKey = TestGenerateKeys(t)
	p.jwks = testJWKS(t, p.ecdsaPublicKey)

	p.httpServer = httptest.NewUnstartedServer(p)
	p.httpServer.StartTLS()
	t.Cleanup(p.httpServer.Close)

	cert := p.httpServer.Certificate()
	var buf bytes.Buffer
	if err := pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}); err != nil {
		t.Fatalf("unable to encode test provider cert: %v", err)
	}
	p.caCert = buf.String()

	return p
}

// Addr returns the base URL of the test provider's webserver, suitable as a
// Config's Authority.
func (p *TestProvider) Addr() string { return p.httpServer.URL }

// CACert returns the pem-encoded CA certificate used by the test provider's
// HTTPS server.
func (p *TestProvider) CACert() string { return p.caCert }

// SetClientCreds configures the client information required for the flows.
func (p *TestProvider) SetClientCreds(clientID, clientSecret string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clientID = clientID
	p.clientSecret = clientSecret
}

// SetExpectedAuthCode configures the auth code returned from the
// authorization endpoint and the only code the token endpoint accepts.
func (p *TestProvider) SetExpectedAuthCode(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedAuthCode = code
}

// SetExpectedRefreshToken configures the only refresh token the token
// endpoint accepts for the refresh_token grant.
func (p *TestProvider) SetExpectedRefreshToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedRefreshToken = token
}

// SetRotatedRefreshToken makes the refresh_token grant rotate to the given
// value; empty means the grant response omits refresh_token.
func (p *TestProvider) SetRotatedRefreshToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rotatedRefreshToken = token
}

// SetTokenTTL configures the expiry of issued access tokens.
func (p *TestProvider) SetTokenTTL(ttl time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenTTL = ttl
}

// SetTokenError forces the token endpoint to fail every grant with the
// given http status; zero restores normal behavior.
func (p *TestProvider) SetTokenError(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenErrStatus = status
}

// OmitRefreshTokens forces token responses without a refresh_token.
func (p *TestProvider) OmitRefreshTokens() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitRefreshToken = true
}

// SetOpaqueAccessTokens makes issued access tokens opaque strings instead
// of JWTs, so callers fall back to the advisory expires_in expiry.
func (p *TestProvider) SetOpaqueAccessTokens(opaque bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opaqueAccessTokens = opaque
}

// SetReplySubject configures the sub claim of issued tokens.
func (p *TestProvider) SetReplySubject(sub string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replySubject = sub
}

// SetUserInfoReply configures the claims the userinfo endpoint returns.
func (p *TestProvider) SetUserInfoReply(claims map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replyUserinfo = claims
}

// EndSessionHits reports how many times the end-session endpoint was hit.
func (p *TestProvider) EndSessionHits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endSessionHits
}

func (p *TestProvider) writeJSON(w http.ResponseWriter, out interface{}) {
	_ = json.NewEncoder(w).Encode(out)
}

func (p *TestProvider) writeTokenError(w http.ResponseWriter, statusCode int, errorCode, desc string) {
	w.WriteHeader(statusCode)
	p.writeJSON(w, struct {
		Code string `json:"error"`
		Desc string `json:"error_description,omitempty"`
	}{
		Code: errorCode,
		Desc: desc,
	})
}

func (p *TestProvider) signedToken(subject string, nonce string, ttl time.Duration) string {
	claims := jwt.Claims{
		Subject:   subject,
		Issuer:    p.Addr(),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		NotBefore: jwt.NewNumericDate(time.Now().Add(-5 * time.Second)),
		Expiry:    jwt.NewNumericDate(time.Now().Add(ttl)),
		Audience:  jwt.Audience{p.clientID},
	}
	private := map[string]interface{}{
		"email": p.replyEmail,
	}
	if nonce != "" {
		private["nonce"] = nonce
	}
	return TestSignJWT(p.t, p.ecdsaPrivateKey, claims, private)
}

// ServeHTTP implements the test provider's http.Handler.
func (p *TestProvider) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.t.Helper()

	switch req.URL.Path {
	case "/.well-known/openid-configuration":
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		p.writeJSON(w, &Endpoints{
			Issuer:        p.Addr(),
			AuthURL:       p.Addr() + "/authorize",
			TokenURL:      p.Addr() + "/token",
			UserInfoURL:   p.Addr() + "/userinfo",
			EndSessionURL: p.Addr() + "/logout",
		})

	case "/authorize":
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		qv := req.URL.Query()
		redirectURI := qv.Get("redirect_uri")
		state := qv.Get("state")
		if qv.Get("response_type") != "code" || redirectURI == "" || state == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		p.lastNonce = qv.Get("nonce")
		http.Redirect(w, req, redirectURI+
			"?state="+url.QueryEscape(state)+
			"&code="+url.QueryEscape(p.expectedAuthCode), http.StatusFound)

	case "/token":
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if p.tokenErrStatus != 0 {
			p.writeTokenError(w, p.tokenErrStatus, "invalid_request", "forced failure")
			return
		}
		switch req.FormValue("grant_type") {
		case "authorization_code":
			if req.FormValue("code") != p.expectedAuthCode {
				p.writeTokenError(w, http.StatusUnauthorized, "invalid_grant", "unexpected auth code")
				return
			}
		case "refresh_token":
			if req.FormValue("refresh_token") != p.expectedRefreshToken {
				p.writeTokenError(w, http.StatusBadRequest, "invalid_grant", "unexpected refresh token")
				return
			}
		default:
			p.writeTokenError(w, http.StatusBadRequest, "invalid_request", "bad grant_type")
			return
		}

		accessToken := p.signedToken(p.replySubject, "", p.tokenTTL)
		if p.opaqueAccessTokens {
			accessToken = "opaque-access-token"
		}
		reply := struct {
			AccessToken  string `json:"access_token"`
			TokenType    string `json:"token_type"`
			ExpiresIn    int    `json:"expires_in"`
			RefreshToken string `json:"refresh_token,omitempty"`
			IDToken      string `json:"id_token,omitempty"`
		}{
			AccessToken: accessToken,
			TokenType:   "bearer",
			ExpiresIn:   int(p.tokenTTL.Seconds()),
			IDToken:     p.signedToken(p.replySubject, p.lastNonce, p.tokenTTL),
		}
		if !p.omitRefreshToken {
			reply.RefreshToken = p.expectedRefreshToken
			if p.rotatedRefreshToken != "" {
				reply.RefreshToken = p.rotatedRefreshToken
			}
		}
		w.Header().Set("Content-Type", "application/json")
		p.writeJSON(w, &reply)

	case "/userinfo":
		if req.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		p.writeJSON(w, p.replyUserinfo)

	case "/jwks":
		w.Header().Set("Content-Type", "application/json")
		p.writeJSON(w, p.jwks)

	case "/logout":
		p.endSessionHits++
		w.WriteHeader(http.StatusOK)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// testJWKS converts a pem-encoded public key into JWKS data suitable for a
// verification endpoint response
func testJWKS(t *testing.T, pubKey string) *jose.JSONWebKeySet {
	t.Helper()

	block, _ := pem.Decode([]byte(pubKey))
	if block == nil {
		t.Fatal("unable to decode public key pem")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		t.Fatalf("unable to parse public key: %v", err)
	}
	return &jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{
			{
				Key: pub,
			},
		},
	}
}
