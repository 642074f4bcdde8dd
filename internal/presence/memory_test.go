package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlorchat/parlor/internal/models"
)

func TestMemoryStoreJoinAndList(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	u, err := s.Join(ctx, models.User{ID: "a", Nickname: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "a", u.ID)
	assert.False(t, u.JoinedAt.IsZero())
	assert.False(t, u.LastSeenAt.IsZero())

	users, err := s.ListOnline(ctx, "")
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestMemoryStoreNicknameCaseInsensitive(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Join(ctx, models.User{ID: "a", Nickname: "alice"})
	require.NoError(t, err)

	_, err = s.Join(ctx, models.User{ID: "b", Nickname: "Alice"})
	assert.ErrorIs(t, err, ErrNicknameTaken)

	// The same id may rejoin under its own nickname.
	_, err = s.Join(ctx, models.User{ID: "a", Nickname: "ALICE"})
	assert.NoError(t, err)
}

func TestMemoryStoreNicknameFreedAfterLeave(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Join(ctx, models.User{ID: "a", Nickname: "alice"})
	require.NoError(t, err)
	require.NoError(t, s.Leave(ctx, "a"))

	_, err = s.Join(ctx, models.User{ID: "b", Nickname: "Alice"})
	assert.NoError(t, err)
}

func TestMemoryStoreRejoinNewNicknameFreesOld(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Join(ctx, models.User{ID: "a", Nickname: "alice"})
	require.NoError(t, err)
	_, err = s.Join(ctx, models.User{ID: "a", Nickname: "bob"})
	require.NoError(t, err)

	// The abandoned name is claimable again while "a" is online as bob.
	_, err = s.Join(ctx, models.User{ID: "b", Nickname: "Alice"})
	assert.NoError(t, err)
	_, err = s.Join(ctx, models.User{ID: "c", Nickname: "BOB"})
	assert.ErrorIs(t, err, ErrNicknameTaken)
}

func TestMemoryStoreLeaveIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	assert.NoError(t, s.Leave(ctx, "ghost"))
	assert.NoError(t, s.Leave(ctx, "ghost"))
}

func TestMemoryStoreHeartbeat(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	u, err := s.Join(ctx, models.User{ID: "a", Nickname: "alice"})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.Heartbeat(ctx, "a"))

	users, err := s.ListOnline(ctx, "")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.True(t, users[0].LastSeenAt.After(u.LastSeenAt))

	assert.ErrorIs(t, s.Heartbeat(ctx, "nobody"), ErrUnknownUser)
}

func TestMemoryStoreListExcludesSelf(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Join(ctx, models.User{ID: "a", Nickname: "alice"})
	require.NoError(t, err)
	_, err = s.Join(ctx, models.User{ID: "b", Nickname: "bob"})
	require.NoError(t, err)

	users, err := s.ListOnline(ctx, "a")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "b", users[0].ID)
}

func TestMemoryStoreExpire(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Join(ctx, models.User{ID: "a", Nickname: "alice"})
	require.NoError(t, err)
	_, err = s.Join(ctx, models.User{ID: "b", Nickname: "bob"})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Heartbeat(ctx, "b"))

	expired, err := s.Expire(ctx, time.Now().Add(-5*time.Millisecond))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "a", expired[0].ID)

	users, err := s.ListOnline(ctx, "")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "b", users[0].ID)
}

func TestMemoryStoreNoDuplicateNicknamesEver(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	// Arbitrary join/leave interleavings never leave two users with the
	// same nickname online.
	ops := []struct {
		id, nick string
		leave    bool
	}{
		{id: "1", nick: "x"},
		{id: "2", nick: "X", leave: false},
		{id: "1", leave: true},
		{id: "2", nick: "x"},
		{id: "3", nick: "y"},
		{id: "4", nick: "Y"},
	}
	for _, op := range ops {
		if op.leave {
			s.Leave(ctx, op.id)
			continue
		}
		s.Join(ctx, models.User{ID: op.id, Nickname: op.nick})
	}

	users, err := s.ListOnline(ctx, "")
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, u := range users {
		nick := normalizeNick(u.Nickname)
		assert.False(t, seen[nick], "duplicate nickname %q", u.Nickname)
		seen[nick] = true
	}
}

func normalizeNick(n string) string {
	out := []rune(n)
	for i, r := range out {
		if r >= 'A' && r <= 'Z' {
			out[i] = r + 'a' - 'A'
		}
	}
	return string(out)
}
