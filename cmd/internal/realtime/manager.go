package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"bloks/cmd/internal/access"
	"bloks/cmd/internal/apperr"
	"bloks/cmd/internal/metrics"
	v1 "bloks/shared/contracts/realtime/v1"
)

// Identity is an authenticated caller, as established by the transport.
type Identity struct {
	UserID string
	Email  string
}

// Authorizer is the subset of access.Gate the manager needs.
type Authorizer interface {
	Authorize(ctx context.Context, userID, documentID string, action access.Action) (access.Grant, error)
}

// Manager owns connected sessions and routes their requests to the
// registry, presence tracker and broadcaster.
type Manager struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	gate     Authorizer
	registry *Registry
	bc       *Broadcaster
	presence *Presence
	now      func() time.Time

	sendQueueSize int

	mu       sync.RWMutex
	sessions map[string]*Session
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

func WithManagerLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

func WithManagerMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mt }
}

// WithSendQueueSize bounds each session's outbound queue.
func WithSendQueueSize(n int) ManagerOption {
	return func(m *Manager) {
		if n >= minSendQueueSize {
			m.sendQueueSize = n
		}
	}
}

// NewManager wires a Manager. All dependencies are required.
func NewManager(gate Authorizer, reg *Registry, bc *Broadcaster, presence *Presence, opts ...ManagerOption) *Manager {
	m := &Manager{
		log:           slog.Default(),
		gate:          gate,
		registry:      reg,
		bc:            bc,
		presence:      presence,
		now:           func() time.Time { return time.Now().UTC() },
		sendQueueSize: defaultSendQueueSize,
		sessions:      make(map[string]*Session),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Connect registers a session for an authenticated identity.
func (m *Manager) Connect(ctx context.Context, id Identity) (*Session, error) {
	const op = "session.connect"

	id.UserID = strings.TrimSpace(id.UserID)
	if id.UserID == "" {
		return nil, apperr.E(op, apperr.ErrUnauthenticated, "")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := m.now()
	sid, err := NewSessionID(now)
	if err != nil {
		return nil, apperr.Wrap(op, apperr.ErrUnavailable, err)
	}
	s := NewSession(sid, id.UserID, m.sendQueueSize, now)
	s.Email = id.Email

	m.mu.Lock()
	m.sessions[sid] = s
	m.mu.Unlock()
	m.bc.Subscribe(s)
	m.metrics.SessionOpened()

	m.log.Info("session.connect", "session_id", sid, "user_id", id.UserID)
	return s, nil
}

// Session returns a connected session.
func (m *Manager) Session(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Sessions reports the number of connected sessions.
func (m *Manager) Sessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Disconnect tears a session down: delivery stops at once, every joined
// room is left, the remaining members get fresh presence, and only then is
// the session unsubscribed and closed. Repeated calls are no-ops.
func (m *Manager) Disconnect(ctx context.Context, sessionID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return false
	}

	s.markClosing()
	for _, docID := range s.Rooms() {
		if m.registry.Leave(docID, s) {
			m.publishPresence(ctx, docID)
		}
	}
	m.bc.Unsubscribe(s.ID)
	s.Close()
	m.metrics.SessionClosed()

	m.log.Info("session.disconnect", "session_id", s.ID, "user_id", s.UserID)
	return true
}

// Shutdown disconnects every session.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Disconnect(ctx, id)
	}
}

// Route handles an inbound request kind for a session and returns the ack
// payload.
func (m *Manager) Route(ctx context.Context, sessionID, kind string, payload json.RawMessage) (any, error) {
	const op = "session.route"

	s, ok := m.Session(sessionID)
	if !ok {
		return nil, apperr.E(op, apperr.ErrNotFound, "session")
	}

	switch kind {
	case v1.TypeJoinDocument, v1.TypeLeaveDocument:
	default:
		return nil, apperr.E(op, apperr.ErrInvalid, "unsupported request: "+kind)
	}

	var p v1.DocumentRoomPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, apperr.Wrap(op, apperr.ErrInvalid, err)
	}
	p.DocumentID = strings.TrimSpace(p.DocumentID)
	if p.DocumentID == "" || len(p.DocumentID) > maxDocumentIDLen {
		return nil, apperr.E(op, apperr.ErrInvalid, "documentId")
	}
	if strings.TrimSpace(p.UserID) != s.UserID {
		return nil, apperr.E(op, apperr.ErrForbidden, "userId does not match session")
	}

	if kind == v1.TypeJoinDocument {
		mem, err := m.join(ctx, s, p.DocumentID)
		if err != nil {
			return nil, err
		}
		members := make([]v1.Member, 0, len(mem.Members))
		for _, mm := range mem.Members {
			members = append(members, v1.Member{UserID: mm.UserID, SessionID: mm.SessionID})
		}
		return v1.JoinDocumentAckPayload{
			DocumentID:    mem.DocumentID,
			Role:          string(mem.Role),
			AlreadyMember: mem.AlreadyMember,
			Members:       members,
		}, nil
	}

	was := m.leave(ctx, s, p.DocumentID)
	return v1.LeaveDocumentAckPayload{DocumentID: p.DocumentID, WasMember: was}, nil
}

// Join authorizes and admits a session to a document room.
func (m *Manager) Join(ctx context.Context, sessionID, documentID string) (Membership, error) {
	s, ok := m.Session(sessionID)
	if !ok {
		return Membership{}, apperr.E("session.join", apperr.ErrNotFound, "session")
	}
	return m.join(ctx, s, documentID)
}

// Leave removes a session from a document room.
func (m *Manager) Leave(ctx context.Context, sessionID, documentID string) bool {
	s, ok := m.Session(sessionID)
	if !ok {
		return false
	}
	return m.leave(ctx, s, documentID)
}

func (m *Manager) join(ctx context.Context, s *Session, documentID string) (Membership, error) {
	grant, err := m.gate.Authorize(ctx, s.UserID, documentID, access.ActionJoinRoom)
	if err != nil {
		return Membership{}, err
	}
	mem, err := m.registry.Join(documentID, s, grant)
	if err != nil {
		return Membership{}, err
	}
	if !mem.AlreadyMember {
		m.publishPresence(ctx, documentID)
	}
	return mem, nil
}

func (m *Manager) leave(ctx context.Context, s *Session, documentID string) bool {
	was := m.registry.Leave(documentID, s)
	if was {
		m.publishPresence(ctx, documentID)
	}
	return was
}

// Evict removes every session of userID from a document room. The sessions
// stay connected. It returns how many sessions were removed.
func (m *Manager) Evict(ctx context.Context, documentID, userID string) int {
	n := 0
	for _, s := range m.registry.Sessions(documentID, userID) {
		if m.registry.Leave(documentID, s) {
			n++
		}
	}
	if n > 0 {
		m.publishPresence(ctx, documentID)
		m.log.Info("room.evict", "document_id", documentID, "user_id", userID, "sessions", n)
	}
	return n
}

// CloseRoom removes every member from a document room.
func (m *Manager) CloseRoom(ctx context.Context, documentID string) int {
	return len(m.registry.Close(documentID))
}

// Presence exposes the presence tracker.
func (m *Manager) Presence() *Presence { return m.presence }

// Broadcaster exposes the broadcaster.
func (m *Manager) Broadcaster() *Broadcaster { return m.bc }

// Registry exposes the room registry.
func (m *Manager) Registry() *Registry { return m.registry }

func (m *Manager) publishPresence(ctx context.Context, documentID string) {
	if m.presence == nil {
		return
	}
	// Presence must go out even if the request context is already done.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := m.presence.Publish(pctx, documentID); err != nil {
		m.log.Warn("presence.publish.fail", "document_id", documentID, "err", err)
	}
}
