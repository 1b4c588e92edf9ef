package realtime

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"bloks/cmd/internal/access"
	"bloks/cmd/internal/apperr"
	"bloks/cmd/internal/metrics"
	v1 "bloks/shared/contracts/realtime/v1"
)

// Member is one (user, session) pair in a room.
type Member struct {
	UserID    string
	SessionID string
}

// Membership is the result of a join.
type Membership struct {
	DocumentID    string
	SessionID     string
	UserID        string
	Role          access.Role
	AlreadyMember bool
	Members       []Member
}

// Room is the set of sessions currently viewing one document.
//
// Lock order: Room.mu before Session.mu. Fanout runs under Room.mu so that
// delivery is ordered with join and leave.
type Room struct {
	ID        string
	CreatedAt time.Time

	mu      sync.Mutex
	members map[string]*Session
	closed  atomic.Bool
}

func newRoom(id string, now time.Time) *Room {
	return &Room{ID: id, CreatedAt: now, members: make(map[string]*Session)}
}

// caller holds r.mu
func (r *Room) snapshot() []Member {
	out := make([]Member, 0, len(r.members))
	for _, s := range r.members {
		out = append(out, Member{UserID: s.UserID, SessionID: s.ID})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// Registry maps document ids to rooms.
//
// The map lock covers lookup and insert only; membership and fanout use the
// per-room lock.
type Registry struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu    sync.RWMutex
	rooms map[string]*Room
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

func WithRegistryLogger(log *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

func WithRegistryMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry constructs an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		log:   slog.Default(),
		now:   func() time.Time { return time.Now().UTC() },
		rooms: make(map[string]*Room),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Registry) lookup(documentID string) *Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room := r.rooms[documentID]
	if room == nil || room.closed.Load() {
		return nil
	}
	return room
}

func (r *Registry) getOrCreate(documentID string) *Room {
	if room := r.lookup(documentID); room != nil {
		return room
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if room := r.rooms[documentID]; room != nil && !room.closed.Load() {
		return room
	}
	room := newRoom(documentID, r.now())
	r.rooms[documentID] = room
	r.metrics.RoomOpened()
	return room
}

// drop removes room from the map if it is still the registered instance.
func (r *Registry) drop(room *Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[room.ID] == room {
		delete(r.rooms, room.ID)
		r.metrics.RoomClosed()
	}
}

// Join admits s to the document room. grant must be a join-room grant for
// exactly (s.UserID, documentID). Joining twice is a no-op that reports
// AlreadyMember.
func (r *Registry) Join(documentID string, s *Session, grant access.Grant) (Membership, error) {
	const op = "room.join"

	documentID = strings.TrimSpace(documentID)
	if documentID == "" || s == nil {
		return Membership{}, apperr.E(op, apperr.ErrInvalid, "document and session required")
	}
	if !grant.Allows(s.UserID, documentID, access.ActionJoinRoom) {
		return Membership{}, apperr.E(op, apperr.ErrForbidden, "no join grant")
	}

	for {
		room := r.getOrCreate(documentID)

		room.mu.Lock()
		if room.closed.Load() {
			// Emptied and dropped between lookup and lock.
			room.mu.Unlock()
			continue
		}
		_, already := room.members[s.ID]
		if !already {
			if !s.addRoom(documentID) {
				empty := len(room.members) == 0
				if empty {
					room.closed.Store(true)
				}
				room.mu.Unlock()
				if empty {
					r.drop(room)
				}
				return Membership{}, apperr.E(op, apperr.ErrNotFound, "session closing")
			}
			room.members[s.ID] = s
		}
		members := room.snapshot()
		room.mu.Unlock()

		if !already {
			r.log.Info("room.member.join", "document_id", documentID, "session_id", s.ID, "user_id", s.UserID)
		}
		return Membership{
			DocumentID:    documentID,
			SessionID:     s.ID,
			UserID:        s.UserID,
			Role:          grant.Role,
			AlreadyMember: already,
			Members:       members,
		}, nil
	}
}

// Leave removes s from the document room. It reports whether s was a member.
func (r *Registry) Leave(documentID string, s *Session) bool {
	if s == nil {
		return false
	}
	room := r.lookup(documentID)
	if room == nil {
		s.removeRoom(documentID)
		return false
	}

	room.mu.Lock()
	_, ok := room.members[s.ID]
	delete(room.members, s.ID)
	s.removeRoom(documentID)
	empty := len(room.members) == 0
	if empty {
		room.closed.Store(true)
	}
	room.mu.Unlock()

	if empty {
		r.drop(room)
	}
	if ok {
		r.log.Info("room.member.leave", "document_id", documentID, "session_id", s.ID, "user_id", s.UserID)
	}
	return ok
}

// Close removes every member and drops the room. It returns the sessions
// that were members.
func (r *Registry) Close(documentID string) []*Session {
	room := r.lookup(documentID)
	if room == nil {
		return nil
	}

	room.mu.Lock()
	out := make([]*Session, 0, len(room.members))
	for id, s := range room.members {
		s.removeRoom(documentID)
		delete(room.members, id)
		out = append(out, s)
	}
	room.closed.Store(true)
	room.mu.Unlock()

	r.drop(room)
	r.log.Info("room.close", "document_id", documentID, "evicted", len(out))
	return out
}

// Members returns the current members of a document room, sorted.
func (r *Registry) Members(documentID string) []Member {
	room := r.lookup(documentID)
	if room == nil {
		return []Member{}
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.snapshot()
}

// Sessions returns the member sessions of userID in a document room.
func (r *Registry) Sessions(documentID, userID string) []*Session {
	room := r.lookup(documentID)
	if room == nil {
		return nil
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	var out []*Session
	for _, s := range room.members {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out
}

// Rooms returns the ids of live rooms, sorted.
func (r *Registry) Rooms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rooms))
	for id, room := range r.rooms {
		if !room.closed.Load() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Sweep drops members whose session has shut down and rooms left empty.
// It returns the number of rooms removed.
func (r *Registry) Sweep() int {
	r.mu.RLock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.RUnlock()

	removed := 0
	for _, room := range rooms {
		room.mu.Lock()
		for id, s := range room.members {
			select {
			case <-s.Done():
				s.removeRoom(room.ID)
				delete(room.members, id)
			default:
			}
		}
		empty := len(room.members) == 0
		if empty {
			room.closed.Store(true)
		}
		room.mu.Unlock()

		if empty {
			r.drop(room)
			removed++
		}
	}
	if removed > 0 {
		r.log.Debug("room.sweep", "removed", removed)
	}
	return removed
}

// fanout delivers to every member under the room lock. build receives the
// member list as of delivery; skip filters recipients.
func (r *Registry) fanout(documentID string, build func([]Member) (v1.Envelope, error), skip func(*Session) bool) (fanoutResult, error) {
	var res fanoutResult
	room := r.lookup(documentID)
	if room == nil {
		return res, nil
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	env, err := build(room.snapshot())
	if err != nil {
		return res, err
	}
	for _, s := range room.members {
		if skip != nil && skip(s) {
			continue
		}
		res.add(s.enqueue(env))
	}
	return res, nil
}

type fanoutResult struct {
	Delivered   int
	DroppedFull int
	DroppedGone int
}

func (f *fanoutResult) add(d deliverResult) {
	switch d {
	case delivered:
		f.Delivered++
	case droppedFull:
		f.DroppedFull++
	default:
		f.DroppedGone++
	}
}
