package presence

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/parlorchat/parlor/internal/models"
)

// MemoryStore is the in-memory Store. It is the default backend and the
// fallback tier when a durable backend degrades.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]models.User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]models.User)}
}

func (s *MemoryStore) Join(_ context.Context, user models.User) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nick := strings.ToLower(user.Nickname)
	for id, u := range s.users {
		if id != user.ID && strings.ToLower(u.Nickname) == nick {
			return models.User{}, ErrNicknameTaken
		}
	}

	now := time.Now()
	if user.JoinedAt.IsZero() {
		user.JoinedAt = now
	}
	user.LastSeenAt = now
	s.users[user.ID] = user
	return user, nil
}

func (s *MemoryStore) Leave(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, userID)
	return nil
}

func (s *MemoryStore) Heartbeat(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return ErrUnknownUser
	}
	u.LastSeenAt = time.Now()
	s.users[userID] = u
	return nil
}

func (s *MemoryStore) ListOnline(_ context.Context, excludeID string) ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]models.User, 0, len(s.users))
	for id, u := range s.users {
		if id == excludeID {
			continue
		}
		users = append(users, u)
	}
	return users, nil
}

func (s *MemoryStore) Expire(_ context.Context, olderThan time.Time) ([]models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []models.User
	for id, u := range s.users {
		if u.LastSeenAt.Before(olderThan) {
			expired = append(expired, u)
			delete(s.users, id)
		}
	}
	return expired, nil
}
