// Package presence is the source of truth for who is online. A single
// process owns mutation of the store (join/leave/heartbeat/sweep); replicas
// must share a durable backend instead of caching membership locally.
package presence

import (
	"context"
	"errors"
	"time"

	"github.com/parlorchat/parlor/internal/models"
)

var (
	// ErrNicknameTaken rejects a join whose nickname collides with an
	// online user, compared case-insensitively.
	ErrNicknameTaken = errors.New("nickname taken")

	// ErrUnknownUser is returned by Heartbeat when the id is absent, so
	// the caller knows to re-join instead of silently believing it is
	// still present.
	ErrUnknownUser = errors.New("unknown user")

	// ErrStoreUnavailable wraps backend failures after the in-memory
	// fallback is also unusable.
	ErrStoreUnavailable = errors.New("presence store unavailable")
)

// Store is the presence table. Implementations must be safe for concurrent
// use.
type Store interface {
	// Join inserts or overwrites the user by id. It fails with
	// ErrNicknameTaken when another online user holds the nickname.
	Join(ctx context.Context, user models.User) (models.User, error)

	// Leave removes the user. Removing an unknown id is a no-op.
	Leave(ctx context.Context, userID string) error

	// Heartbeat refreshes LastSeenAt or returns ErrUnknownUser.
	Heartbeat(ctx context.Context, userID string) error

	// ListOnline returns the current snapshot, optionally excluding one
	// id so a client never sees itself among "other users".
	ListOnline(ctx context.Context, excludeID string) ([]models.User, error)

	// Expire removes every user whose LastSeenAt is older than the
	// cutoff and returns them. Only the sweeper calls this.
	Expire(ctx context.Context, olderThan time.Time) ([]models.User, error)
}
