// Package token provides hashing primitives for single-use credentials
// (verification tokens) stored server-side.
//
// Only digests are persisted. Two modes:
//   - SHA-256(token) when no key is configured (dev).
//   - HMAC-SHA256(token, key) when BLOKS_TOKEN_HMAC_KEY is set.
//
// Output is always 64 hex chars so stores can index and compare it directly.
// When BLOKS_REQUIRE_TOKEN_HMAC=true the app refuses to start without a key
// of at least 32 bytes.
package token
