package realtime

import (
	"time"

	"bloks/cmd/identity/ids"
)

// NewSessionID returns a ULID used as websocket session id.
func NewSessionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEnvelopeID returns a ULID used as envelope id.
// ULID is preferable to random hex for tracing and ordering in logs.
func NewEnvelopeID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return ""
	}
	return id
}
