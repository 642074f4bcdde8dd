package presence

import (
	"sync"
	"time"

	"github.com/parlorchat/parlor/internal/models"
)

// Diff compares two snapshots by id set. Joined holds users present only in
// current, Left users present only in previous. Pure function.
func Diff(previous, current []models.User) models.Diff {
	prev := make(map[string]models.User, len(previous))
	for _, u := range previous {
		prev[u.ID] = u
	}
	cur := make(map[string]models.User, len(current))
	for _, u := range current {
		cur[u.ID] = u
	}

	var d models.Diff
	for id, u := range cur {
		if _, ok := prev[id]; !ok {
			d.Joined = append(d.Joined, u)
		}
	}
	for id, u := range prev {
		if _, ok := cur[id]; !ok {
			d.Left = append(d.Left, u)
		}
	}
	return d
}

// Merge folds two consecutive diffs into their net membership change: a user
// who left in a and rejoined in b (or vice versa) cancels out, so
// Merge(Diff(A,B), Diff(B,C)) equals Diff(A,C).
func Merge(a, b models.Diff) models.Diff {
	const (
		joined = 1
		left   = -1
	)
	delta := make(map[string]int)
	users := make(map[string]models.User)

	apply := func(d models.Diff) {
		for _, u := range d.Joined {
			users[u.ID] = u
			if delta[u.ID] == left {
				delete(delta, u.ID)
			} else {
				delta[u.ID] = joined
			}
		}
		for _, u := range d.Left {
			users[u.ID] = u
			if delta[u.ID] == joined {
				delete(delta, u.ID)
			} else {
				delta[u.ID] = left
			}
		}
	}
	apply(a)
	apply(b)

	var out models.Diff
	for id, sign := range delta {
		switch sign {
		case joined:
			out.Joined = append(out.Joined, users[id])
		case left:
			out.Left = append(out.Left, users[id])
		}
	}
	return out
}

// Coalescer suppresses presence flicker. Snapshot updates arriving inside
// the stability window are folded together, and only the net diff against
// the last stable snapshot is flushed. A user who toggles within one window
// produces no events at all.
type Coalescer struct {
	mu      sync.Mutex
	window  time.Duration
	flush   func(models.Diff)
	stable  []models.User
	pending []models.User
	timer   *time.Timer
	armed   bool
}

func NewCoalescer(window time.Duration, flush func(models.Diff)) *Coalescer {
	return &Coalescer{window: window, flush: flush}
}

// Update records the latest snapshot and arms the window timer. The first
// update after a quiet period starts a new window; later updates inside the
// window replace the pending snapshot without rearming, so a noisy stream
// still flushes once per window.
func (c *Coalescer) Update(snapshot []models.User) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending = snapshot
	if !c.armed {
		c.armed = true
		c.timer = time.AfterFunc(c.window, c.fire)
	}
}

// Flush forces the pending diff out immediately, e.g. on shutdown.
func (c *Coalescer) Flush() {
	c.mu.Lock()
	if c.armed && c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	c.fire()
}

// Rebase flushes any pending diff and returns the stable snapshot it
// settles on. A connecting client's roster is taken from this baseline so
// the diffs that follow line up with what the roster already showed.
func (c *Coalescer) Rebase() []models.User {
	c.Flush()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stable
}

func (c *Coalescer) fire() {
	c.mu.Lock()
	if c.pending == nil {
		c.armed = false
		c.mu.Unlock()
		return
	}
	d := Diff(c.stable, c.pending)
	c.stable = c.pending
	c.pending = nil
	c.armed = false
	c.mu.Unlock()

	if !d.Empty() && c.flush != nil {
		c.flush(d)
	}
}
