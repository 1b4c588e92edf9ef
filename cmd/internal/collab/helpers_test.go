package collab

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"bloks/cmd/identity"
	"bloks/cmd/internal/access"
	"bloks/cmd/internal/document"
	"bloks/cmd/internal/invite"
	"bloks/cmd/internal/mailer"
	"bloks/cmd/internal/realtime"
	v1 "bloks/shared/contracts/realtime/v1"

	"github.com/stretchr/testify/require"
)

type outbox struct {
	mu   sync.Mutex
	sent []mailer.VerificationMail
	err  error
}

func (o *outbox) SendVerification(_ context.Context, m mailer.VerificationMail) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.sent = append(o.sent, m)
	return nil
}

// lastToken returns the verification token from the most recent email.
func (o *outbox) lastToken(t *testing.T) string {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	require.NotEmpty(t, o.sent, "no mail sent")
	u, err := url.Parse(o.sent[len(o.sent)-1].VerifyURL)
	require.NoError(t, err)
	tok := u.Query().Get("token")
	require.NotEmpty(t, tok)
	return tok
}

type env struct {
	docs   *document.MemoryRepository
	tokens *invite.Service
	mgr    *realtime.Manager
	mail   *outbox
	svc    *Service
	now    time.Time
}

// newEnv wires the service over in-memory stores. user-a owns doc-d and
// doc-e; nobody else has access yet.
func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	docs := document.NewMemoryRepository()
	_, err := docs.Create(ctx, document.Document{ID: "doc-d", Title: "Design", OwnerID: "user-a"})
	require.NoError(t, err)
	_, err = docs.Create(ctx, document.Document{ID: "doc-e", Title: "Elsewhere", OwnerID: "user-a"})
	require.NoError(t, err)

	dir := identity.NewMemoryDirectory(
		identity.Profile{UserID: "user-a", Name: "Ada", Email: "a@example.com"},
		identity.Profile{UserID: "user-b", Name: "Bo", Email: "b@example.com"},
		identity.Profile{UserID: "user-c", Name: "Cy", Email: "c@example.com"},
	)

	e := &env{docs: docs, mail: &outbox{}, now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return e.now }

	store := invite.NewMemoryStore()
	tokens, err := invite.NewService(store, store, invite.WithClock(clock))
	require.NoError(t, err)

	gate := access.NewGate(docs)
	reg := realtime.NewRegistry()
	bc := realtime.NewBroadcaster(reg)
	pr := realtime.NewPresence(reg, dir, bc, nil)
	mgr := realtime.NewManager(gate, reg, bc, pr)

	svc, err := NewService(docs, gate, tokens, mgr,
		WithDirectory(dir),
		WithMailer(e.mail),
		WithAppBaseURL("https://app.bloks.test/"),
		WithClock(clock),
	)
	require.NoError(t, err)

	e.tokens, e.mgr, e.svc = tokens, mgr, svc
	return e
}

func (e *env) connect(t *testing.T, userID string) *realtime.Session {
	t.Helper()
	s, err := e.mgr.Connect(context.Background(), realtime.Identity{UserID: userID})
	require.NoError(t, err)
	return s
}

func (e *env) join(t *testing.T, s *realtime.Session, documentID string) {
	t.Helper()
	_, err := e.mgr.Join(context.Background(), s.ID, documentID)
	require.NoError(t, err)
}

// share walks userID through the full invite flow for documentID.
func (e *env) share(t *testing.T, documentID, userID, email string) {
	t.Helper()
	ctx := context.Background()
	link, err := e.svc.IssueInvite(ctx, "user-a", documentID, false)
	require.NoError(t, err)
	_, err = e.svc.RequestVerification(ctx, link.Token, email)
	require.NoError(t, err)
	_, err = e.svc.AcceptInvite(ctx, Caller{UserID: userID, Email: email}, e.mail.lastToken(t))
	require.NoError(t, err)
}

func drain(s *realtime.Session) []v1.Envelope {
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

// types lists envelope types, skipping presence updates.
func types(envs []v1.Envelope) []string {
	var out []string
	for _, e := range envs {
		if e.Type == v1.TypePresenceUpdate {
			continue
		}
		out = append(out, e.Type)
	}
	return out
}
