/*
callback provides the http.HandlerFunc that finishes redirect-based
authentication attempts: the authorization-code return (with optional
PKCE) and the pre-validated session-token return used by deployments
where a server-side collaborator has already established the session.
*/
package callback
