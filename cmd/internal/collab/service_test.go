package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bloks/cmd/internal/access"
	"bloks/cmd/internal/apperr"
	"bloks/cmd/internal/document"
	v1 "bloks/shared/contracts/realtime/v1"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strp(s string) *string { return &s }

// A owns D. A invites B by email; B verifies and joins. C, never invited,
// cannot join. A's update reaches the room and nobody outside it.
func TestInviteJoinBroadcastScenario(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	a := e.connect(t, "user-a")
	b := e.connect(t, "user-b")
	c := e.connect(t, "user-c")

	_, err := e.mgr.Join(ctx, b.ID, "doc-d")
	require.ErrorIs(t, err, apperr.ErrForbidden, "B is not a collaborator yet")

	e.share(t, "doc-d", "user-b", "b@example.com")

	e.join(t, a, "doc-d")
	e.join(t, b, "doc-d")
	_, err = e.mgr.Join(ctx, c.ID, "doc-d")
	require.ErrorIs(t, err, apperr.ErrForbidden)

	drain(a)
	drain(b)
	drain(c)

	doc, err := e.svc.Update(ctx, "user-a", "doc-d", document.Patch{Title: strp("Design v2")})
	require.NoError(t, err)
	assert.Equal(t, "Design v2", doc.Title)

	for _, s := range []string{a.ID, b.ID} {
		sess, ok := e.mgr.Session(s)
		require.True(t, ok)
		envs := drain(sess)
		require.Equal(t, []string{v1.TypeDocumentUpdate}, types(envs))
		var got document.Document
		require.NoError(t, json.Unmarshal(envs[0].Payload, &got))
		assert.Equal(t, "Design v2", got.Title)
	}
	assert.Empty(t, drain(c))
}

// T1 is rotated to T2: T1 stops validating immediately, T2 works.
func TestInviteRegenerationScenario(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	t1, err := e.svc.IssueInvite(ctx, "user-a", "doc-d", false)
	require.NoError(t, err)
	assert.Equal(t, "https://app.bloks.test/invite/"+t1.Token, t1.InviteURL)

	again, err := e.svc.IssueInvite(ctx, "user-a", "doc-d", false)
	require.NoError(t, err)
	assert.Equal(t, t1.Token, again.Token, "unforced issue is idempotent")

	t2, err := e.svc.IssueInvite(ctx, "user-a", "doc-d", true)
	require.NoError(t, err)
	require.NotEqual(t, t1.Token, t2.Token)

	_, err = e.svc.RequestVerification(ctx, t1.Token, "b@example.com")
	require.ErrorIs(t, err, apperr.ErrInvalid)
	assert.Empty(t, e.mail.sent)

	pending, err := e.svc.RequestVerification(ctx, t2.Token, "B@Example.com")
	require.NoError(t, err)
	assert.Equal(t, "b@example.com", pending.Email)
	assert.Equal(t, "doc-d", pending.DocumentID)
	require.Len(t, e.mail.sent, 1)
	assert.Equal(t, "Design", e.mail.sent[0].DocumentTitle)
	assert.Equal(t, "Ada", e.mail.sent[0].InviterName)
}

func TestIssueInvite_RequiresOwner(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.share(t, "doc-d", "user-b", "b@example.com")

	_, err := e.svc.IssueInvite(context.Background(), "user-b", "doc-d", true)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestAcceptInvite_EmailMismatchLeavesTokenUnspent(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	link, err := e.svc.IssueInvite(ctx, "user-a", "doc-d", false)
	require.NoError(t, err)
	_, err = e.svc.RequestVerification(ctx, link.Token, "b@example.com")
	require.NoError(t, err)
	tok := e.mail.lastToken(t)

	_, err = e.svc.AcceptInvite(ctx, Caller{UserID: "user-c", Email: "c@example.com"}, tok)
	require.ErrorIs(t, err, apperr.ErrForbidden)

	// No email claim: the directory supplies it.
	acc, err := e.svc.AcceptInvite(ctx, Caller{UserID: "user-b"}, tok)
	require.NoError(t, err)
	assert.Equal(t, "doc-d", acc.DocumentID)
	assert.Equal(t, "user-b", acc.Collaborator.UserID)
	assert.Equal(t, "user-a", acc.Collaborator.AddedBy)

	role, err := e.svc.Role(ctx, "user-b", "doc-d")
	require.NoError(t, err)
	assert.Equal(t, access.RoleCollaborator, role)
}

func TestAcceptInvite_SingleUse(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	link, err := e.svc.IssueInvite(ctx, "user-a", "doc-d", false)
	require.NoError(t, err)
	_, err = e.svc.RequestVerification(ctx, link.Token, "b@example.com")
	require.NoError(t, err)
	tok := e.mail.lastToken(t)

	const n = 16
	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.svc.AcceptInvite(ctx, Caller{UserID: "user-b", Email: "b@example.com"}, tok)
			if err == nil {
				ok.Add(1)
				return
			}
			assert.ErrorIs(t, err, apperr.ErrInvalid)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
}

// grantFailure fails AddCollaborator while down is set.
type grantFailure struct {
	document.Repository
	down atomic.Bool
}

func (g *grantFailure) AddCollaborator(ctx context.Context, c document.Collaborator) (document.Collaborator, error) {
	if g.down.Load() {
		return document.Collaborator{}, apperr.E("test.grant", apperr.ErrUnavailable, "db down")
	}
	return g.Repository.AddCollaborator(ctx, c)
}

func TestAcceptInvite_FailedGrantKeepsTokenUsable(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()

	repo := &grantFailure{Repository: e.docs}
	svc, err := NewService(repo, access.NewGate(repo), e.tokens, e.mgr, WithMailer(e.mail))
	require.NoError(t, err)

	link, err := svc.IssueInvite(ctx, "user-a", "doc-d", false)
	require.NoError(t, err)
	_, err = svc.RequestVerification(ctx, link.Token, "b@example.com")
	require.NoError(t, err)
	tok := e.mail.lastToken(t)
	caller := Caller{UserID: "user-b", Email: "b@example.com"}

	repo.down.Store(true)
	_, err = svc.AcceptInvite(ctx, caller, tok)
	assert.ErrorIs(t, err, apperr.ErrUnavailable)

	_, err = e.docs.GetCollaborator(ctx, "doc-d", "user-b")
	assert.ErrorIs(t, err, apperr.ErrNotFound, "no grant was written")

	repo.down.Store(false)
	acc, err := svc.AcceptInvite(ctx, caller, tok)
	require.NoError(t, err, "the retry must not report a used link")
	assert.Equal(t, "user-b", acc.Collaborator.UserID)

	_, err = svc.AcceptInvite(ctx, caller, tok)
	assert.ErrorIs(t, err, apperr.ErrInvalid, "the token is spent once the grant exists")
}

func TestAcceptInvite_Expired(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	link, err := e.svc.IssueInvite(ctx, "user-a", "doc-d", false)
	require.NoError(t, err)
	_, err = e.svc.RequestVerification(ctx, link.Token, "b@example.com")
	require.NoError(t, err)
	tok := e.mail.lastToken(t)

	e.now = e.now.Add(e.tokens.VerificationTTL() + time.Second)

	_, err = e.svc.AcceptInvite(ctx, Caller{UserID: "user-b", Email: "b@example.com"}, tok)
	require.ErrorIs(t, err, apperr.ErrExpired)
	assert.Equal(t, "invite link expired, request a new invite", apperr.PublicMessage(err))

	_, err = e.svc.Role(ctx, "user-b", "doc-d")
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestAcceptInvite_OwnerFollowingOwnLink(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	link, err := e.svc.IssueInvite(ctx, "user-a", "doc-d", false)
	require.NoError(t, err)
	_, err = e.svc.RequestVerification(ctx, link.Token, "a@example.com")
	require.NoError(t, err)

	acc, err := e.svc.AcceptInvite(ctx, Caller{UserID: "user-a", Email: "a@example.com"}, e.mail.lastToken(t))
	require.NoError(t, err)
	assert.True(t, acc.AlreadyOwner)

	collabs, err := e.svc.Collaborators(ctx, "user-a", "doc-d")
	require.NoError(t, err)
	assert.Empty(t, collabs)
}

func TestRequestVerification_MailFailureIsUnavailable(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	link, err := e.svc.IssueInvite(ctx, "user-a", "doc-d", false)
	require.NoError(t, err)

	e.mail.err = errors.New("smtp down")
	_, err = e.svc.RequestVerification(ctx, link.Token, "b@example.com")
	assert.ErrorIs(t, err, apperr.ErrUnavailable)

	_, err = e.svc.RequestVerification(ctx, link.Token, "not-an-email")
	assert.ErrorIs(t, err, apperr.ErrInvalid)
}

func TestDelete_OwnerOnlyThenRoomClosed(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	e.share(t, "doc-d", "user-b", "b@example.com")
	a := e.connect(t, "user-a")
	b := e.connect(t, "user-b")
	e.join(t, a, "doc-d")
	e.join(t, b, "doc-d")
	drain(a)
	drain(b)

	_, err := e.svc.Delete(ctx, "user-b", "doc-d")
	require.ErrorIs(t, err, apperr.ErrForbidden)
	assert.Empty(t, types(drain(a)), "failed delete emits nothing")

	link, err := e.svc.IssueInvite(ctx, "user-a", "doc-d", false)
	require.NoError(t, err)

	_, err = e.svc.Delete(ctx, "user-a", "doc-d")
	require.NoError(t, err)

	envs := drain(b)
	require.Equal(t, []string{v1.DocumentRemoveType("doc-d")}, types(envs))
	var id string
	require.NoError(t, json.Unmarshal(envs[0].Payload, &id))
	assert.Equal(t, "doc-d", id)

	assert.Empty(t, e.mgr.Registry().Members("doc-d"))
	assert.False(t, b.InRoom("doc-d"))
	assert.NotContains(t, e.mgr.Registry().Rooms(), "doc-d")

	_, err = e.tokens.ValidateInvite(ctx, link.Token)
	assert.ErrorIs(t, err, apperr.ErrInvalid)

	_, err = e.svc.Get(ctx, "user-a", "doc-d")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestArchive_CascadesOneEventPerDocument(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.docs.Create(ctx, document.Document{ID: "doc-child", Title: "Child", OwnerID: "user-a", ParentDocument: strp("doc-d")})
	require.NoError(t, err)

	parent := e.connect(t, "user-a")
	child := e.connect(t, "user-a")
	e.join(t, parent, "doc-d")
	e.join(t, child, "doc-child")
	drain(parent)
	drain(child)

	docs, err := e.svc.Archive(ctx, "user-a", "doc-d")
	require.NoError(t, err)
	require.Len(t, docs, 2)

	assert.Equal(t, []string{v1.TypeDocumentArchived}, types(drain(parent)))
	assert.Equal(t, []string{v1.TypeDocumentArchived}, types(drain(child)))

	list, err := e.svc.ListAccessible(ctx, "user-a")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "doc-e", list[0].ID)
}

func TestUpdate_RejectedWritesEmitNothing(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	e.share(t, "doc-d", "user-b", "b@example.com")
	a := e.connect(t, "user-a")
	e.join(t, a, "doc-d")
	drain(a)

	_, err := e.svc.Update(ctx, "user-b", "doc-d", document.Patch{Title: strp("mine now")})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = e.svc.Update(ctx, "user-a", "doc-d", document.Patch{Title: strp("   ")})
	assert.ErrorIs(t, err, apperr.ErrInvalid)

	_, err = e.svc.Update(ctx, "user-a", "doc-d", document.Patch{})
	assert.ErrorIs(t, err, apperr.ErrInvalid)

	_, err = e.svc.Update(ctx, "user-a", "missing", document.Patch{Title: strp("x")})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	assert.Empty(t, drain(a))
}

func TestRemoveCollaborator_NotifiesThenEvicts(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	e.share(t, "doc-d", "user-b", "b@example.com")
	a := e.connect(t, "user-a")
	b1 := e.connect(t, "user-b")
	b2 := e.connect(t, "user-b")
	e.join(t, a, "doc-d")
	e.join(t, b1, "doc-d")
	e.join(t, b2, "doc-d")
	drain(a)
	drain(b1)
	drain(b2)

	require.ErrorIs(t, e.svc.RemoveCollaborator(ctx, "user-b", "doc-d", "user-a"), apperr.ErrForbidden)
	require.ErrorIs(t, e.svc.RemoveCollaborator(ctx, "user-a", "doc-d", "user-a"), apperr.ErrInvalid)

	require.NoError(t, e.svc.RemoveCollaborator(ctx, "user-a", "doc-d", "user-b"))

	assert.NotContains(t, types(drain(a)), v1.TypeCollaboratorRemoved, "actor is excluded")
	for _, envs := range [][]v1.Envelope{drain(b1), drain(b2)} {
		require.Equal(t, []string{v1.TypeCollaboratorRemoved}, types(envs))
		var p v1.CollaboratorRemovedPayload
		for _, env := range envs {
			if env.Type == v1.TypeCollaboratorRemoved {
				require.NoError(t, json.Unmarshal(env.Payload, &p))
			}
		}
		assert.Equal(t, v1.CollaboratorRemovedPayload{AddedBy: "user-a", DocumentID: "doc-d", DocumentTitle: "Design", RemovedUser: "user-b"}, p)
	}

	assert.False(t, b1.InRoom("doc-d"))
	assert.False(t, b2.InRoom("doc-d"))
	members := e.mgr.Registry().Members("doc-d")
	require.Len(t, members, 1)
	assert.Equal(t, "user-a", members[0].UserID)

	_, err := e.mgr.Join(ctx, b1.ID, "doc-d")
	assert.ErrorIs(t, err, apperr.ErrForbidden, "revoked grant blocks rejoin")

	require.ErrorIs(t, e.svc.RemoveCollaborator(ctx, "user-a", "doc-d", "user-b"), apperr.ErrNotFound)
}

func TestPresenceAndCollaborators(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	e.share(t, "doc-d", "user-b", "b@example.com")
	a1 := e.connect(t, "user-a")
	a2 := e.connect(t, "user-a")
	b := e.connect(t, "user-b")
	e.join(t, a1, "doc-d")
	e.join(t, a2, "doc-d")
	e.join(t, b, "doc-d")

	users, err := e.svc.Presence(ctx, "user-b", "doc-d")
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "user-a", users[0].UserID)
	assert.Equal(t, 2, users[0].Sessions)
	assert.Equal(t, "Bo", users[1].Name)

	_, err = e.svc.Presence(ctx, "user-c", "doc-d")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	collabs, err := e.svc.Collaborators(ctx, "user-b", "doc-d")
	require.NoError(t, err)
	require.Len(t, collabs, 1)
	assert.Equal(t, "b@example.com", collabs[0].Email)

	list, err := e.svc.ListAccessible(ctx, "user-b")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "doc-d", list[0].ID)

	_, err = e.svc.ListAccessible(ctx, " ")
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
}

// A session that disconnected before a mutation receives nothing from it.
func TestDisconnectThenBroadcastIsolation(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	a := e.connect(t, "user-a")
	gone := e.connect(t, "user-a")
	e.join(t, a, "doc-d")
	e.join(t, gone, "doc-d")
	drain(a)
	drain(gone)

	require.True(t, e.mgr.Disconnect(ctx, gone.ID))

	_, err := e.svc.Update(ctx, "user-a", "doc-d", document.Patch{Content: strp("hello")})
	require.NoError(t, err)

	assert.Equal(t, []string{v1.TypeDocumentUpdate}, types(drain(a)))
	assert.Empty(t, drain(gone))
}

func TestNewService_RequiresDependencies(t *testing.T) {
	t.Parallel()
	_, err := NewService(nil, nil, nil, nil)
	assert.ErrorIs(t, err, apperr.ErrInvalid)
}

func TestDocumentURL(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	assert.Equal(t, "https://app.bloks.test/documents/doc-d", e.svc.DocumentURL("doc-d"))
	assert.Equal(t, "https://app.bloks.test", e.svc.AppBaseURL())
}
