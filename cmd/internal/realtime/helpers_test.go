package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"bloks/cmd/identity"
	"bloks/cmd/internal/access"
	"bloks/cmd/internal/document"
	v1 "bloks/shared/contracts/realtime/v1"

	"github.com/stretchr/testify/require"
)

// fixture is a wired realtime stack over in-memory stores.
type fixture struct {
	docs     *document.MemoryRepository
	gate     *access.Gate
	registry *Registry
	bc       *Broadcaster
	presence *Presence
	mgr      *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	docs := document.NewMemoryRepository()
	_, err := docs.Create(ctx, document.Document{ID: "doc-d", Title: "D", OwnerID: "user-a"})
	require.NoError(t, err)
	_, err = docs.Create(ctx, document.Document{ID: "doc-e", Title: "E", OwnerID: "user-a"})
	require.NoError(t, err)
	_, err = docs.AddCollaborator(ctx, document.Collaborator{DocumentID: "doc-d", UserID: "user-b", Email: "b@example.com", AddedBy: "user-a"})
	require.NoError(t, err)

	dir := identity.NewMemoryDirectory(
		identity.Profile{UserID: "user-a", Name: "Ada", Email: "a@example.com"},
		identity.Profile{UserID: "user-b", Name: "Bo", Email: "b@example.com"},
	)

	gate := access.NewGate(docs)
	reg := NewRegistry()
	bc := NewBroadcaster(reg)
	pr := NewPresence(reg, dir, bc, nil)
	return &fixture{
		docs:     docs,
		gate:     gate,
		registry: reg,
		bc:       bc,
		presence: pr,
		mgr:      NewManager(gate, reg, bc, pr),
	}
}

func (f *fixture) connect(t *testing.T, userID string) *Session {
	t.Helper()
	s, err := f.mgr.Connect(context.Background(), Identity{UserID: userID})
	require.NoError(t, err)
	return s
}

func (f *fixture) grant(t *testing.T, userID, documentID string) access.Grant {
	t.Helper()
	g, err := f.gate.Authorize(context.Background(), userID, documentID, access.ActionJoinRoom)
	require.NoError(t, err)
	return g
}

// drain returns every queued envelope without blocking.
func drain(s *Session) []v1.Envelope {
	var out []v1.Envelope
	for {
		select {
		case env := <-s.Send:
			out = append(out, env)
		default:
			return out
		}
	}
}

func types(envs []v1.Envelope) []string {
	out := make([]string, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.Type)
	}
	return out
}

func lastPresence(t *testing.T, envs []v1.Envelope) v1.PresenceUpdatePayload {
	t.Helper()
	for i := len(envs) - 1; i >= 0; i-- {
		if envs[i].Type == v1.TypePresenceUpdate {
			var p v1.PresenceUpdatePayload
			require.NoError(t, json.Unmarshal(envs[i].Payload, &p))
			return p
		}
	}
	t.Fatalf("no presence update in %v", types(envs))
	return v1.PresenceUpdatePayload{}
}

func roomPayload(t *testing.T, documentID, userID string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v1.DocumentRoomPayload{DocumentID: documentID, UserID: userID})
	require.NoError(t, err)
	return b
}

func newTestSession(id, userID string) *Session {
	return NewSession(id, userID, minSendQueueSize, time.Now())
}
