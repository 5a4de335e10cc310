// Package auth verifies Cognito-issued identity tokens presented on
// incoming WebSocket upgrades.
//
// Verification is strict: RS256 only, issuer and audience must match the
// configured user pool and client, and an expiry claim is required. Signing
// keys come from the pool's JWKS document and are cached for one hour; a
// fetch failure during a cold start rejects the connection that needed it.
package auth

import "errors"

// Error classifications for the connection handler's reject paths.
var (
	ErrNoToken      = errors.New("auth: no token presented")
	ErrTokenInvalid = errors.New("auth: token invalid")
	ErrKeyNotFound  = errors.New("auth: signing key not found")
	ErrKeyFetch     = errors.New("auth: jwks fetch failed")
)

// Identity is the authenticated principal bound to a session for its whole
// lifetime. UserID scopes every repository call; Username feeds the system
// prompt greeting.
type Identity struct {
	// UserID is the stable subject identifier ("sub" claim).
	UserID string

	// Username is the human-readable name ("cognito:username" claim,
	// falling back to UserID).
	Username string

	// Claims holds the full verified claim set for logging and auditing.
	Claims map[string]any
}
