package presence

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/parlorchat/parlor/internal/logging"
	"github.com/parlorchat/parlor/internal/models"
)

// FallbackStore wraps a durable backend and degrades to an in-memory tier
// for the life of the process when the backend fails. Degradation is one
// way: once tripped, reads and writes stay on the memory tier so the view
// never straddles two inconsistent stores.
type FallbackStore struct {
	primary  Store
	memory   *MemoryStore
	log      logging.Logger
	degraded atomic.Bool
}

func NewFallbackStore(primary Store, log logging.Logger) *FallbackStore {
	return &FallbackStore{
		primary: primary,
		memory:  NewMemoryStore(),
		log:     log,
	}
}

// Degraded reports whether the store has fallen back to memory.
func (s *FallbackStore) Degraded() bool {
	return s.degraded.Load()
}

func (s *FallbackStore) trip(ctx context.Context, op string, err error) {
	if s.degraded.CompareAndSwap(false, true) {
		s.log.Error(ctx, "presence backend failed, degrading to in-memory store",
			"op", op, "error", err)
	}
}

func (s *FallbackStore) Join(ctx context.Context, user models.User) (models.User, error) {
	if !s.degraded.Load() {
		u, err := s.primary.Join(ctx, user)
		if err == nil || err == ErrNicknameTaken {
			return u, err
		}
		s.trip(ctx, "join", err)
	}
	u, err := s.memory.Join(ctx, user)
	if err != nil && err != ErrNicknameTaken {
		return models.User{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return u, err
}

func (s *FallbackStore) Leave(ctx context.Context, userID string) error {
	if !s.degraded.Load() {
		if err := s.primary.Leave(ctx, userID); err == nil {
			return nil
		} else {
			s.trip(ctx, "leave", err)
		}
	}
	return s.memory.Leave(ctx, userID)
}

func (s *FallbackStore) Heartbeat(ctx context.Context, userID string) error {
	if !s.degraded.Load() {
		err := s.primary.Heartbeat(ctx, userID)
		if err == nil || err == ErrUnknownUser {
			return err
		}
		s.trip(ctx, "heartbeat", err)
	}
	return s.memory.Heartbeat(ctx, userID)
}

func (s *FallbackStore) ListOnline(ctx context.Context, excludeID string) ([]models.User, error) {
	if !s.degraded.Load() {
		users, err := s.primary.ListOnline(ctx, excludeID)
		if err == nil {
			return users, nil
		}
		s.trip(ctx, "list", err)
	}
	return s.memory.ListOnline(ctx, excludeID)
}

func (s *FallbackStore) Expire(ctx context.Context, olderThan time.Time) ([]models.User, error) {
	if !s.degraded.Load() {
		expired, err := s.primary.Expire(ctx, olderThan)
		if err == nil {
			return expired, nil
		}
		s.trip(ctx, "expire", err)
	}
	return s.memory.Expire(ctx, olderThan)
}
