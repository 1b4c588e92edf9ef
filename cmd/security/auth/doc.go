// Package auth verifies the PASETO v4.public access tokens that identify
// callers of the HTTP API and the realtime socket.
//
// Tokens are minted by the identity provider. This service only needs the
// provider's public key; a secret key is accepted for development so that
// Issue can mint tokens locally (see tools/scripts/ws-smoke.go).
package auth
