package auth

import (
	"os"
	"strings"
	"time"
)

// Config defines how access tokens are verified (and, in development, issued).
type Config struct {
	// Issuer is the expected "iss" claim.
	Issuer string

	// AccessTokenTTL is used by Issue only.
	AccessTokenTTL time.Duration

	// ClockSkew is the tolerated difference between the issuer's clock and ours.
	ClockSkew time.Duration

	// PublicKeyHex is the hex-encoded Ed25519 public key of the issuer.
	PublicKeyHex string

	// SecretKeyHex, when set, enables Issue. The public key is derived from it
	// unless PublicKeyHex is also set, in which case both must match.
	SecretKeyHex string
}

// DefaultConfig returns the defaults used when no overrides are present.
func DefaultConfig() Config {
	return Config{
		Issuer:         "bloks",
		AccessTokenTTL: 15 * time.Minute,
		ClockSkew:      30 * time.Second,
	}
}

// LoadConfigFromEnv loads auth configuration from environment variables.
//
// One of these is required:
//   - BLOKS_PASETO_V4_PUBLIC_KEY_HEX
//   - BLOKS_PASETO_V4_SECRET_KEY_HEX
//
// Optional (durations must be valid Go duration strings):
//   - BLOKS_AUTH_ISSUER
//   - BLOKS_AUTH_ACCESS_TTL
//   - BLOKS_AUTH_CLOCK_SKEW
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("BLOKS_AUTH_ISSUER")); v != "" {
		cfg.Issuer = v
	}

	if v := os.Getenv("BLOKS_AUTH_ACCESS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.AccessTokenTTL = d
	}

	if v := os.Getenv("BLOKS_AUTH_CLOCK_SKEW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 || d > 5*time.Minute {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}

	cfg.PublicKeyHex = strings.TrimSpace(os.Getenv("BLOKS_PASETO_V4_PUBLIC_KEY_HEX"))
	cfg.SecretKeyHex = strings.TrimSpace(os.Getenv("BLOKS_PASETO_V4_SECRET_KEY_HEX"))
	if cfg.PublicKeyHex == "" && cfg.SecretKeyHex == "" {
		return Config{}, ErrConfig
	}

	return cfg, nil
}
