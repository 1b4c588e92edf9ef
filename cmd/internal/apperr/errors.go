// Package apperr defines the error taxonomy shared by the collaboration core.
//
// Callers match kinds with errors.Is; transports map kinds to HTTP status codes
// and wire error codes via HTTPStatus and Code.
package apperr

import (
	"errors"
	"fmt"
)

// Sentinel error kinds (stable for errors.Is and for mapping to API status codes).
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not_found")
	ErrExpired         = errors.New("expired")
	ErrInvalid         = errors.New("invalid")
	ErrConflict        = errors.New("conflict")
	ErrUnavailable     = errors.New("unavailable")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Kind is one of the sentinel kinds above. Msg never carries token values.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e *OpError) Error() string {
	s := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap exposes both the kind and the underlying cause.
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// E builds an *OpError.
func E(op string, kind error, msg string) error {
	return &OpError{Op: op, Kind: kind, Msg: msg}
}

// Wrap builds an *OpError carrying cause.
func Wrap(op string, kind error, cause error) error {
	return &OpError{Op: op, Kind: kind, Err: cause}
}

var kinds = []error{
	ErrUnauthenticated,
	ErrForbidden,
	ErrNotFound,
	ErrExpired,
	ErrInvalid,
	ErrConflict,
	ErrUnavailable,
}

// KindOf returns the first sentinel kind err matches, or nil.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// IsKinded reports whether err carries any taxonomy kind.
func IsKinded(err error) bool { return KindOf(err) != nil }

func IsForbidden(err error) bool       { return errors.Is(err, ErrForbidden) }
func IsNotFound(err error) bool        { return errors.Is(err, ErrNotFound) }
func IsUnavailable(err error) bool     { return errors.Is(err, ErrUnavailable) }
func IsUnauthenticated(err error) bool { return errors.Is(err, ErrUnauthenticated) }
