package repocall

import (
	"context"
	"errors"
	"testing"
	"time"

	"bloks/cmd/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRead_RetriesTransientOnce(t *testing.T) {
	t.Parallel()

	calls := 0
	v, err := Read(context.Background(), Policy{}, "doc.get", func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("conn reset")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 2, calls)
}

func TestRead_GivesUpAfterSecondFailure(t *testing.T) {
	t.Parallel()

	calls := 0
	_, err := Read(context.Background(), Policy{}, "doc.get", func(context.Context) (int, error) {
		calls++
		return 0, errors.New("conn reset")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrUnavailable)
	assert.Equal(t, 2, calls)
}

func TestRead_DomainErrorsAreNotRetried(t *testing.T) {
	t.Parallel()

	calls := 0
	_, err := Read(context.Background(), Policy{}, "doc.get", func(context.Context) (int, error) {
		calls++
		return 0, apperr.E("doc.get", apperr.ErrNotFound, "")
	})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Equal(t, 1, calls)
}

func TestOnce_NeverRetries(t *testing.T) {
	t.Parallel()

	calls := 0
	_, err := Once(context.Background(), Policy{}, "token.take", func(context.Context) (string, error) {
		calls++
		return "", errors.New("network")
	})
	assert.ErrorIs(t, err, apperr.ErrUnavailable)
	assert.Equal(t, 1, calls)
}

func TestTimeoutSurfacesUnavailable(t *testing.T) {
	t.Parallel()

	start := time.Now()
	err := Exec(context.Background(), Policy{Timeout: 20 * time.Millisecond}, "doc.update", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, apperr.ErrUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCanceledParentSkipsCall(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	_, err := Read(ctx, Policy{}, "doc.get", func(context.Context) (int, error) {
		called = true
		return 1, nil
	})
	assert.False(t, called)
	assert.ErrorIs(t, err, apperr.ErrUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
}
