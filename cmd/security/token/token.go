package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"os"
	"strings"
)

// HMACEnvKey names the env var holding the digest key.
// #nosec G101 -- env var name, not a credential.
const HMACEnvKey = "BLOKS_TOKEN_HMAC_KEY"

// MinHMACKeyBytes is the shortest key accepted under the HMAC policy.
const MinHMACKeyBytes = 32

// Digester turns plaintext credentials into 64-char hex digests.
// The zero value uses plain SHA-256.
type Digester struct {
	key []byte
}

// NewDigester keys the digest with HMAC-SHA256 when key is non-empty.
func NewDigester(key []byte) Digester {
	if len(key) == 0 {
		return Digester{}
	}
	return Digester{key: append([]byte(nil), key...)}
}

// DigesterFromEnv reads BLOKS_TOKEN_HMAC_KEY without enforcing its length.
func DigesterFromEnv() Digester {
	return NewDigester([]byte(envKey()))
}

// Keyed reports whether digests are HMAC-based.
func (d Digester) Keyed() bool { return len(d.key) > 0 }

// Sum digests tok.
func (d Digester) Sum(tok string) string {
	var h hash.Hash
	if d.Keyed() {
		h = hmac.New(sha256.New, d.key)
	} else {
		h = sha256.New()
	}
	h.Write([]byte(tok))
	return hex.EncodeToString(h.Sum(nil))
}

// HashSHA256Hex is Digester{}.Sum.
func HashSHA256Hex(s string) string { return Digester{}.Sum(s) }

// HashTokenHex digests tok with the key currently in the environment.
func HashTokenHex(tok string) string { return DigesterFromEnv().Sum(tok) }

// HMACKeyFromEnv returns the configured key, enforcing minBytes.
func HMACKeyFromEnv(minBytes int) ([]byte, error) {
	raw := envKey()
	switch {
	case raw == "":
		return nil, ErrHMACKeyMissing
	case len(raw) < minBytes:
		return nil, ErrHMACKeyTooShort
	}
	return []byte(raw), nil
}

// HMACEnabled reports whether a key is configured. Length is not checked.
func HMACEnabled() bool { return envKey() != "" }

// Equal compares two hex digests in constant time.
func Equal(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

func envKey() string { return strings.TrimSpace(os.Getenv(HMACEnvKey)) }
