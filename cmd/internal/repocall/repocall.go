// Package repocall bounds persistence calls with a timeout and a retry policy.
//
// Domain outcomes (errors carrying an apperr kind other than Unavailable) pass
// through untouched. Everything else surfaces as apperr.ErrUnavailable.
package repocall

import (
	"context"
	"errors"
	"time"

	"bloks/cmd/internal/apperr"
)

// DefaultTimeout bounds a single repository call.
const DefaultTimeout = 3 * time.Second

// Policy configures call bounds.
type Policy struct {
	Timeout time.Duration
}

func (p Policy) timeout() time.Duration {
	if p.Timeout <= 0 {
		return DefaultTimeout
	}
	return p.Timeout
}

// Read runs an idempotent lookup, retrying once on a transient failure.
func Read[T any](ctx context.Context, p Policy, op string, fn func(context.Context) (T, error)) (T, error) {
	v, err := attempt(ctx, p, fn)
	if err == nil || !transient(ctx, err) {
		return v, finish(op, err)
	}
	v, err = attempt(ctx, p, fn)
	return v, finish(op, err)
}

// Once runs a call exactly once. Token consumption and writes go through here
// so that a lost race is reported instead of masked by a second attempt.
func Once[T any](ctx context.Context, p Policy, op string, fn func(context.Context) (T, error)) (T, error) {
	v, err := attempt(ctx, p, fn)
	return v, finish(op, err)
}

// Exec is Once for calls without a result.
func Exec(ctx context.Context, p Policy, op string, fn func(context.Context) error) error {
	_, err := Once(ctx, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func attempt[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, error) {
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, err
	}
	cctx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()
	return fn(cctx)
}

func transient(parent context.Context, err error) bool {
	if parent.Err() != nil {
		return false
	}
	if k := apperr.KindOf(err); k != nil && k != apperr.ErrUnavailable {
		return false
	}
	return true
}

func finish(op string, err error) error {
	if err == nil {
		return nil
	}
	if k := apperr.KindOf(err); k != nil && k != apperr.ErrUnavailable {
		return err
	}
	if errors.Is(err, apperr.ErrUnavailable) {
		return err
	}
	return apperr.Wrap(op, apperr.ErrUnavailable, err)
}
