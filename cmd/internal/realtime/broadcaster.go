package realtime

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"bloks/cmd/internal/apperr"
	"bloks/cmd/internal/metrics"
	v1 "bloks/shared/contracts/realtime/v1"
)

type scopeKind uint8

const (
	scopeRoom scopeKind = iota + 1
	scopeSession
	scopeGlobal
)

// Scope selects the recipients of an event.
type Scope struct {
	kind scopeKind
	id   string
}

// RoomScope addresses every member of a document room.
func RoomScope(documentID string) Scope { return Scope{kind: scopeRoom, id: documentID} }

// SessionScope addresses a single session.
func SessionScope(sessionID string) Scope { return Scope{kind: scopeSession, id: sessionID} }

// GlobalScope addresses every subscribed session.
func GlobalScope() Scope { return Scope{kind: scopeGlobal} }

func (s Scope) String() string {
	switch s.kind {
	case scopeRoom:
		return "room"
	case scopeSession:
		return "session"
	case scopeGlobal:
		return "global"
	default:
		return "invalid"
	}
}

type emitOptions struct {
	exceptSessions map[string]struct{}
	exceptUser     string
}

// EmitOption filters recipients.
type EmitOption func(*emitOptions)

// Except suppresses delivery to the given sessions.
func Except(sessionIDs ...string) EmitOption {
	return func(o *emitOptions) {
		if o.exceptSessions == nil {
			o.exceptSessions = make(map[string]struct{}, len(sessionIDs))
		}
		for _, id := range sessionIDs {
			o.exceptSessions[id] = struct{}{}
		}
	}
}

// ExceptUser suppresses delivery to every session of userID.
func ExceptUser(userID string) EmitOption {
	return func(o *emitOptions) { o.exceptUser = userID }
}

func (o emitOptions) skip(s *Session) bool {
	if _, ok := o.exceptSessions[s.ID]; ok {
		return true
	}
	return o.exceptUser != "" && s.UserID == o.exceptUser
}

// Delivery reports how an emit fanned out.
type Delivery struct {
	Delivered int
	Dropped   int
}

// Broadcaster emits named events. Delivery is at most once and never blocks:
// a full or closing session misses the event and the drop is counted.
type Broadcaster struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	registry *Registry
	now      func() time.Time

	mu   sync.RWMutex
	subs map[string]*Session
}

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

func WithBroadcasterLogger(log *slog.Logger) BroadcasterOption {
	return func(b *Broadcaster) {
		if log != nil {
			b.log = log
		}
	}
}

func WithBroadcasterMetrics(m *metrics.Metrics) BroadcasterOption {
	return func(b *Broadcaster) { b.metrics = m }
}

// NewBroadcaster constructs a Broadcaster over reg.
func NewBroadcaster(reg *Registry, opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		log:      slog.Default(),
		registry: reg,
		now:      func() time.Time { return time.Now().UTC() },
		subs:     make(map[string]*Session),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Subscribe makes s addressable by session and global scope.
func (b *Broadcaster) Subscribe(s *Session) {
	if s == nil {
		return
	}
	b.mu.Lock()
	b.subs[s.ID] = s
	b.mu.Unlock()
}

// Unsubscribe removes a session. Unknown ids are ignored.
func (b *Broadcaster) Unsubscribe(sessionID string) {
	b.mu.Lock()
	delete(b.subs, sessionID)
	b.mu.Unlock()
}

// Subscribers reports the number of subscribed sessions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Emit marshals payload once and delivers it to scope.
func (b *Broadcaster) Emit(scope Scope, event string, payload any, opts ...EmitOption) (Delivery, error) {
	return b.emit(scope, event, func([]Member) (any, error) { return payload, nil }, opts...)
}

// emitRoom builds the payload from the member list at delivery time.
func (b *Broadcaster) emitRoom(documentID, event string, build func([]Member) (any, error), opts ...EmitOption) (Delivery, error) {
	return b.emit(RoomScope(documentID), event, build, opts...)
}

func (b *Broadcaster) emit(scope Scope, event string, build func([]Member) (any, error), opts ...EmitOption) (Delivery, error) {
	const op = "broadcast.emit"

	event = strings.TrimSpace(event)
	if event == "" {
		return Delivery{}, apperr.E(op, apperr.ErrInvalid, "event name required")
	}

	var o emitOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	encode := func(members []Member) (v1.Envelope, error) {
		p, err := build(members)
		if err != nil {
			return v1.Envelope{}, err
		}
		raw, err := json.Marshal(p)
		if err != nil {
			return v1.Envelope{}, apperr.Wrap(op, apperr.ErrInvalid, err)
		}
		now := b.now()
		return v1.Envelope{V: v1.Version, Type: event, ID: NewEnvelopeID(now), TS: now, Payload: raw}, nil
	}

	var res fanoutResult
	switch scope.kind {
	case scopeRoom:
		if b.registry == nil {
			return Delivery{}, apperr.E(op, apperr.ErrUnavailable, "no registry")
		}
		var err error
		res, err = b.registry.fanout(scope.id, encode, o.skip)
		if err != nil {
			return Delivery{}, err
		}

	case scopeSession, scopeGlobal:
		env, err := encode(nil)
		if err != nil {
			return Delivery{}, err
		}
		b.mu.RLock()
		if scope.kind == scopeSession {
			if s, ok := b.subs[scope.id]; ok && !o.skip(s) {
				res.add(s.enqueue(env))
			}
		} else {
			for _, s := range b.subs {
				if !o.skip(s) {
					res.add(s.enqueue(env))
				}
			}
		}
		b.mu.RUnlock()

	default:
		return Delivery{}, apperr.E(op, apperr.ErrInvalid, "scope")
	}

	b.record(scope, event, res)
	return Delivery{Delivered: res.Delivered, Dropped: res.DroppedFull + res.DroppedGone}, nil
}

func (b *Broadcaster) record(scope Scope, event string, res fanoutResult) {
	b.metrics.EventsEmitted(scope.String(), res.Delivered)
	b.metrics.EventsDropped("queue_full", res.DroppedFull)
	b.metrics.EventsDropped("closing", res.DroppedGone)
	if res.DroppedFull > 0 {
		b.log.Warn("broadcast.drop", "scope", scope.String(), "target", scope.id, "event", event, "dropped", res.DroppedFull)
	}
}
