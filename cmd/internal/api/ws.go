package api

import (
	"net/http"

	"bloks/cmd/internal/realtime"
	"bloks/cmd/security/auth"
)

// WSAuthenticator adapts the access-token verifier to the socket upgrade.
func WSAuthenticator(v *auth.Verifier) realtime.Authenticator {
	return func(r *http.Request) (realtime.Identity, error) {
		c, err := v.Authenticate(r)
		if err != nil {
			return realtime.Identity{}, err
		}
		return realtime.Identity{UserID: c.UserID, Email: c.Email}, nil
	}
}
