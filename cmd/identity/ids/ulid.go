// Package ids provides id primitives shared across bloks packages.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a new 26-char ULID. IDs minted in the same millisecond
// stay strictly increasing, which keeps session and envelope ids ordered in logs.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	entropyMu.Lock()
	defer entropyMu.Unlock()

	id, err := ulid.New(ulid.Timestamp(now), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustULID is NewULID for callers that cannot recover from an entropy failure.
func MustULID(now time.Time) string {
	id, err := NewULID(now)
	if err != nil {
		panic(err)
	}
	return id
}
