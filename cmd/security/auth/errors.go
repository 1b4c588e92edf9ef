package auth

import "errors"

var (
	// ErrInvalidToken is returned when an access token fails verification or validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid auth config")

	// ErrNoSigningKey is returned by Issue when only a public key was configured.
	ErrNoSigningKey = errors.New("no signing key configured")
)
