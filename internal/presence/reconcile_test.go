package presence

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlorchat/parlor/internal/models"
)

func user(id string) models.User {
	return models.User{ID: id, Nickname: "nick-" + id}
}

func ids(users []models.User) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, u.ID)
	}
	sort.Strings(out)
	return out
}

func TestDiff(t *testing.T) {
	tests := []struct {
		name       string
		previous   []models.User
		current    []models.User
		wantJoined []string
		wantLeft   []string
	}{
		{
			name: "both empty",
		},
		{
			name:       "all joined",
			current:    []models.User{user("a"), user("b")},
			wantJoined: []string{"a", "b"},
		},
		{
			name:     "all left",
			previous: []models.User{user("a"), user("b")},
			wantLeft: []string{"a", "b"},
		},
		{
			name:     "no change",
			previous: []models.User{user("a")},
			current:  []models.User{user("a")},
		},
		{
			name:       "mixed",
			previous:   []models.User{user("a"), user("b")},
			current:    []models.User{user("b"), user("c")},
			wantJoined: []string{"c"},
			wantLeft:   []string{"a"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Diff(tt.previous, tt.current)
			assert.Equal(t, tt.wantJoined, idsOrNil(d.Joined))
			assert.Equal(t, tt.wantLeft, idsOrNil(d.Left))
		})
	}
}

func idsOrNil(users []models.User) []string {
	if len(users) == 0 {
		return nil
	}
	return ids(users)
}

func TestDiffOrderIndependent(t *testing.T) {
	previous := []models.User{user("a"), user("b"), user("c")}
	current := []models.User{user("c"), user("d")}
	shuffledPrev := []models.User{user("c"), user("a"), user("b")}
	shuffledCur := []models.User{user("d"), user("c")}

	d1 := Diff(previous, current)
	d2 := Diff(shuffledPrev, shuffledCur)
	assert.Equal(t, ids(d1.Joined), ids(d2.Joined))
	assert.Equal(t, ids(d1.Left), ids(d2.Left))
}

func TestMergeComposes(t *testing.T) {
	a := []models.User{user("1"), user("2")}
	b := []models.User{user("2"), user("3")}
	c := []models.User{user("3"), user("4")}

	merged := Merge(Diff(a, b), Diff(b, c))
	direct := Diff(a, c)
	assert.Equal(t, idsOrNil(direct.Joined), idsOrNil(merged.Joined))
	assert.Equal(t, idsOrNil(direct.Left), idsOrNil(merged.Left))
}

func TestMergeCancelsFlicker(t *testing.T) {
	// Leave followed by rejoin within the merge nets to nothing.
	leave := models.Diff{Left: []models.User{user("a")}}
	rejoin := models.Diff{Joined: []models.User{user("a")}}
	assert.True(t, Merge(leave, rejoin).Empty())
	assert.True(t, Merge(rejoin, leave).Empty())
}

func TestCoalescerFlushesNetDiff(t *testing.T) {
	var mu sync.Mutex
	var flushed []models.Diff
	c := NewCoalescer(20*time.Millisecond, func(d models.Diff) {
		mu.Lock()
		flushed = append(flushed, d)
		mu.Unlock()
	})

	c.Update([]models.User{user("a")})
	c.Update([]models.User{user("a"), user("b")})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(flushed) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b"}, ids(flushed[0].Joined))
	assert.Empty(t, flushed[0].Left)
}

func TestCoalescerSuppressesFlicker(t *testing.T) {
	var mu sync.Mutex
	var flushed []models.Diff
	c := NewCoalescer(30*time.Millisecond, func(d models.Diff) {
		mu.Lock()
		flushed = append(flushed, d)
		mu.Unlock()
	})

	// Establish a stable snapshot first.
	c.Update([]models.User{user("a")})
	c.Flush()

	// A user toggling off and back on inside one window is invisible.
	c.Update([]models.User{})
	c.Update([]models.User{user("a")})

	time.Sleep(80 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, flushed, 1)
	assert.Equal(t, []string{"a"}, ids(flushed[0].Joined))
}

func TestCoalescerFlushImmediate(t *testing.T) {
	var mu sync.Mutex
	var flushed []models.Diff
	c := NewCoalescer(time.Hour, func(d models.Diff) {
		mu.Lock()
		flushed = append(flushed, d)
		mu.Unlock()
	})

	c.Update([]models.User{user("a")})
	c.Flush()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, flushed, 1)
	assert.Equal(t, []string{"a"}, ids(flushed[0].Joined))
}

func TestCoalescerRebaseReturnsStable(t *testing.T) {
	var mu sync.Mutex
	var flushed []models.Diff
	c := NewCoalescer(time.Hour, func(d models.Diff) {
		mu.Lock()
		flushed = append(flushed, d)
		mu.Unlock()
	})

	c.Update([]models.User{user("a"), user("b")})
	stable := c.Rebase()
	assert.Equal(t, []string{"a", "b"}, ids(stable))

	mu.Lock()
	require.Len(t, flushed, 1)
	assert.Equal(t, []string{"a", "b"}, ids(flushed[0].Joined))
	mu.Unlock()

	// Nothing pending: rebasing again flushes nothing and keeps the
	// baseline.
	stable = c.Rebase()
	assert.Equal(t, []string{"a", "b"}, ids(stable))
	mu.Lock()
	assert.Len(t, flushed, 1)
	mu.Unlock()
}
