package realtime

import (
	"fmt"
	"sync"
	"testing"

	"bloks/cmd/internal/access"
	"bloks/cmd/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_JoinRequiresMatchingGrant(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := newTestSession("s1", "user-b")

	_, err := f.registry.Join("doc-d", s, access.Grant{})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.registry.Join("doc-d", s, f.grant(t, "user-a", "doc-d"))
	assert.ErrorIs(t, err, apperr.ErrForbidden, "grant for another user")

	_, err = f.registry.Join("doc-e", s, f.grant(t, "user-b", "doc-d"))
	assert.ErrorIs(t, err, apperr.ErrForbidden, "grant for another document")

	forged := f.grant(t, "user-b", "doc-d")
	forged.Action = access.ActionView
	_, err = f.registry.Join("doc-d", s, forged)
	assert.ErrorIs(t, err, apperr.ErrForbidden, "grant for another action")

	assert.Empty(t, f.registry.Rooms())
	assert.Empty(t, s.Rooms())
}

func TestRegistry_JoinIsIdempotentAndLeaveCollectsRoom(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := newTestSession("s1", "user-b")
	g := f.grant(t, "user-b", "doc-d")

	m, err := f.registry.Join("doc-d", s, g)
	require.NoError(t, err)
	assert.False(t, m.AlreadyMember)
	assert.Equal(t, access.RoleCollaborator, m.Role)
	assert.Equal(t, []Member{{UserID: "user-b", SessionID: "s1"}}, m.Members)

	again, err := f.registry.Join("doc-d", s, g)
	require.NoError(t, err)
	assert.True(t, again.AlreadyMember)
	assert.Len(t, again.Members, 1)

	assert.Equal(t, []string{"doc-d"}, f.registry.Rooms())
	assert.Equal(t, []string{"doc-d"}, s.Rooms())

	assert.True(t, f.registry.Leave("doc-d", s))
	assert.False(t, f.registry.Leave("doc-d", s), "second leave is a no-op")
	assert.Empty(t, f.registry.Rooms())
	assert.Empty(t, s.Rooms())
	assert.Empty(t, f.registry.Members("doc-d"))
}

func TestRegistry_ClosingSessionCannotJoin(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := newTestSession("s1", "user-b")
	s.markClosing()

	_, err := f.registry.Join("doc-d", s, f.grant(t, "user-b", "doc-d"))
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Empty(t, f.registry.Rooms(), "room created for the failed join is dropped")
}

func TestRegistry_ConcurrentJoinLeaveKeepsBothSidesConsistent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	gB := f.grant(t, "user-b", "doc-d")

	const n = 64
	sessions := make([]*Session, n)
	for i := range sessions {
		sessions[i] = newTestSession(fmt.Sprintf("s%02d", i), "user-b")
	}

	var wg sync.WaitGroup
	for round := 0; round < 4; round++ {
		for _, s := range sessions {
			wg.Add(1)
			go func(s *Session) {
				defer wg.Done()
				_, err := f.registry.Join("doc-d", s, gB)
				assert.NoError(t, err)
				f.registry.Members("doc-d")
				f.registry.Leave("doc-d", s)
			}(s)
		}
		wg.Wait()
	}

	// Every session left after its last join.
	assert.Empty(t, f.registry.Members("doc-d"))
	assert.Empty(t, f.registry.Rooms())
	for _, s := range sessions {
		assert.Empty(t, s.Rooms())
	}

	// Joins that stay keep membership equal on both sides.
	for _, s := range sessions[:10] {
		_, err := f.registry.Join("doc-d", s, gB)
		require.NoError(t, err)
	}
	members := f.registry.Members("doc-d")
	assert.Len(t, members, 10)
	byID := make(map[string]*Session, n)
	for _, s := range sessions {
		byID[s.ID] = s
	}
	for _, m := range members {
		assert.True(t, byID[m.SessionID].InRoom("doc-d"))
	}
}

func TestRegistry_CloseAndSweep(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a := newTestSession("sa", "user-a")
	b := newTestSession("sb", "user-b")

	_, err := f.registry.Join("doc-d", a, f.grant(t, "user-a", "doc-d"))
	require.NoError(t, err)
	_, err = f.registry.Join("doc-d", b, f.grant(t, "user-b", "doc-d"))
	require.NoError(t, err)
	_, err = f.registry.Join("doc-e", a, f.grant(t, "user-a", "doc-e"))
	require.NoError(t, err)

	assert.Len(t, f.registry.Sessions("doc-d", "user-b"), 1)

	evicted := f.registry.Close("doc-d")
	assert.Len(t, evicted, 2)
	assert.Equal(t, []string{"doc-e"}, f.registry.Rooms())
	assert.Equal(t, []string{"doc-e"}, a.Rooms())
	assert.Empty(t, b.Rooms())

	// A session torn down without leaving is swept with its room.
	a.Close()
	assert.Equal(t, 1, f.registry.Sweep())
	assert.Empty(t, f.registry.Rooms())
	assert.Zero(t, f.registry.Sweep())
}
