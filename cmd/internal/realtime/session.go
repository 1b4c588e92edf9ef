package realtime

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	v1 "bloks/shared/contracts/realtime/v1"
)

// Session is one authenticated connection.
//
// Send is never closed by the server so concurrent broadcasters cannot panic.
// done signals the transport goroutines to stop. Close is idempotent.
type Session struct {
	ID          string
	UserID      string
	Email       string
	ConnectedAt time.Time
	Send        chan v1.Envelope

	mu      sync.Mutex
	rooms   map[string]struct{}
	closing atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewSession constructs a Session with a bounded send queue.
func NewSession(id, userID string, sendQueueSize int, now time.Time) *Session {
	if sendQueueSize < minSendQueueSize {
		sendQueueSize = defaultSendQueueSize
	}
	return &Session{
		ID:          id,
		UserID:      userID,
		ConnectedAt: now,
		Send:        make(chan v1.Envelope, sendQueueSize),
		rooms:       make(map[string]struct{}),
		done:        make(chan struct{}),
	}
}

// Done returns a channel that is closed when the session is shut down.
func (s *Session) Done() <-chan struct{} {
	if s == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

// Closing reports whether a disconnect has started.
func (s *Session) Closing() bool {
	return s == nil || s.closing.Load()
}

// Rooms returns the joined document ids, sorted.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// InRoom reports whether the session has joined documentID.
func (s *Session) InRoom(documentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[documentID]
	return ok
}

// markClosing stops delivery and further joins. Any join that wins the race
// is already visible in rooms when this returns.
func (s *Session) markClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing.CompareAndSwap(false, true)
}

// addRoom is called with the room lock held.
func (s *Session) addRoom(documentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.rooms[documentID] = struct{}{}
	return true
}

// removeRoom is called with the room lock held.
func (s *Session) removeRoom(documentID string) {
	s.mu.Lock()
	delete(s.rooms, documentID)
	s.mu.Unlock()
}

// Close signals the transport goroutines to stop (idempotent).
// It does NOT close Send.
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		close(s.done)
	})
}

type deliverResult uint8

const (
	delivered deliverResult = iota
	droppedFull
	droppedClosing
)

// enqueue never blocks.
func (s *Session) enqueue(env v1.Envelope) deliverResult {
	if s.closing.Load() {
		return droppedClosing
	}
	select {
	case <-s.done:
		return droppedClosing
	default:
	}
	select {
	case s.Send <- env:
		return delivered
	default:
		return droppedFull
	}
}
