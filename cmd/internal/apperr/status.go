package apperr

import "net/http"

// HTTPStatus maps err to a response status. Unkinded errors are 500.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case ErrUnauthenticated:
		return http.StatusUnauthorized
	case ErrForbidden:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrExpired:
		return http.StatusGone
	case ErrInvalid:
		return http.StatusBadRequest
	case ErrConflict:
		return http.StatusConflict
	case ErrUnavailable:
		return http.StatusServiceUnavailable
	default:
		if err == nil {
			return http.StatusOK
		}
		return http.StatusInternalServerError
	}
}

// Code returns the stable wire code for err ("forbidden", "expired", ...).
func Code(err error) string {
	if k := KindOf(err); k != nil {
		return k.Error()
	}
	return "internal"
}

// PublicMessage returns the user-facing message for err.
// Denials stay generic; invite failures stay actionable.
func PublicMessage(err error) string {
	switch KindOf(err) {
	case ErrUnauthenticated:
		return "authentication required"
	case ErrForbidden:
		return "permission denied"
	case ErrNotFound:
		return "not found"
	case ErrExpired:
		return "invite link expired, request a new invite"
	case ErrInvalid:
		return "invalid or already used link"
	case ErrConflict:
		return "request conflicted with a concurrent change, retry"
	case ErrUnavailable:
		return "service temporarily unavailable"
	default:
		return "internal error"
	}
}
