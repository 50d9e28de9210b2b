// Package oidc provides the identity-provider handle used by the webauth
// session glue: relying-party configuration, lazy endpoint discovery (or
// statically configured endpoints), authorization-URL construction with an
// optional PKCE challenge, the authorization-code exchange, the
// refresh_token grant, and the end-session redirect URL.
//
// A Request represents the pending redirect state for one authentication
// attempt: a one-time state value, a nonce, the URL to resume after the
// round-trip and, for public clients, a PKCE code verifier.  A Token holds
// the access/refresh/id token triple plus the expiry the provider signed
// into the access token.
package oidc
