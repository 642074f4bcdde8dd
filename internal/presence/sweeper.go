package presence

import (
	"context"
	"time"

	"github.com/parlorchat/parlor/internal/logging"
	"github.com/parlorchat/parlor/internal/models"
)

// Sweeper is the single authoritative owner of heartbeat expiration. Exactly
// one sweeper runs against a given store; replicas that merely serve requests
// must not start their own, or users flicker as uncoordinated sweeps race
// each other.
type Sweeper struct {
	store    Store
	timeout  time.Duration
	interval time.Duration
	onExpire func(models.User)
	log      logging.Logger
}

func NewSweeper(store Store, timeout, interval time.Duration, onExpire func(models.User), log logging.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		timeout:  timeout,
		interval: interval,
		onExpire: onExpire,
		log:      log,
	}
}

// Run blocks until ctx is cancelled, sweeping once per interval.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.timeout)
	expired, err := s.store.Expire(ctx, cutoff)
	if err != nil {
		s.log.Error(ctx, "expiration sweep failed", "error", err)
		return
	}
	for _, u := range expired {
		s.log.Info(ctx, "user expired", "id", u.ID, "nickname", u.Nickname,
			"lastSeen", u.LastSeenAt)
		if s.onExpire != nil {
			s.onExpire(u)
		}
	}
}
