package document

import "bloks/cmd/internal/apperr"

func errInvalid(op, msg string) error {
	return apperr.E(op, apperr.ErrInvalid, msg)
}

func errNotFound(op, resource string) error {
	return apperr.E(op, apperr.ErrNotFound, resource)
}
