package app

import (
	"errors"

	"bloks/cmd/security/token"
)

// ValidateSecurityConfig enforces the token hashing policy at startup.
//
// Verification tokens are stored as digests produced by security/token, so
// the check runs against that same module.
func ValidateSecurityConfig(cfg Config) error {
	if !cfg.RequireTokenHMAC {
		return nil
	}

	// Key length is measured in bytes; the key is used raw.
	if _, err := token.HMACKeyFromEnv(32); err != nil {
		switch {
		case errors.Is(err, token.ErrHMACKeyMissing):
			return errors.New("security policy: BLOKS_REQUIRE_TOKEN_HMAC=true but BLOKS_TOKEN_HMAC_KEY is missing")
		case errors.Is(err, token.ErrHMACKeyTooShort):
			return errors.New("security policy: BLOKS_REQUIRE_TOKEN_HMAC=true but BLOKS_TOKEN_HMAC_KEY is too short (min 32 bytes)")
		default:
			return err
		}
	}

	if !token.HMACEnabled() {
		return errors.New("security policy: BLOKS_REQUIRE_TOKEN_HMAC=true but token hasher is not in HMAC mode")
	}

	return nil
}
