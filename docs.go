// webauth provides the authentication glue for a browser-facing web
// application: an OIDC provider client (oidc), a shared token store
// (store), session lifecycle managers for gateway-mediated and PKCE
// public-client deployments (session), an authorization-code callback
// handler (oidc/callback), a bearer-token HTTP transport (transport),
// and a route guard (guard).
package webauth
