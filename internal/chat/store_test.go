package chat

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlorchat/parlor/internal/models"
)

func TestAppendAssignsIDAndTimestamp(t *testing.T) {
	s := NewMemoryStore()

	msg, err := s.Append(context.Background(), models.Message{
		UserID: "a", Nickname: "alice", Text: "hello",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.Timestamp.IsZero())
}

func TestListReturnsNewestInOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := s.Append(ctx, models.Message{
			UserID: "a", Nickname: "alice", Text: fmt.Sprintf("msg %d", i),
		})
		require.NoError(t, err)
	}

	msgs, err := s.List(ctx, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "msg 7", msgs[0].Text)
	assert.Equal(t, "msg 9", msgs[2].Text)
}

func TestListDefaultLimit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < DefaultListLimit+10; i++ {
		_, err := s.Append(ctx, models.Message{UserID: "a", Nickname: "alice", Text: "x"})
		require.NoError(t, err)
	}

	msgs, err := s.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, DefaultListLimit)
}

func TestHistoryIsBounded(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < maxHistory+5; i++ {
		_, err := s.Append(ctx, models.Message{
			UserID: "a", Nickname: "alice", Text: fmt.Sprintf("msg %d", i),
		})
		require.NoError(t, err)
	}

	msgs, err := s.List(ctx, maxHistory*2)
	require.NoError(t, err)
	require.Len(t, msgs, maxHistory)
	assert.Equal(t, "msg 5", msgs[0].Text)
}
