// Package chat stores and lists room messages. Deliberately thin: append,
// bounded history, list the most recent N.
package chat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parlorchat/parlor/internal/models"
)

const (
	// maxHistory bounds the in-memory backlog.
	maxHistory = 1000
	// DefaultListLimit is returned when the caller does not ask for a
	// specific count.
	DefaultListLimit = 50
)

type Store interface {
	Append(ctx context.Context, msg models.Message) (models.Message, error)
	List(ctx context.Context, limit int) ([]models.Message, error)
}

// MemoryStore keeps the newest maxHistory messages in order.
type MemoryStore struct {
	mu       sync.RWMutex
	messages []models.Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, msg models.Message) (models.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	if len(s.messages) > maxHistory {
		s.messages = s.messages[len(s.messages)-maxHistory:]
	}
	return msg, nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	start := 0
	if len(s.messages) > limit {
		start = len(s.messages) - limit
	}
	out := make([]models.Message, len(s.messages)-start)
	copy(out, s.messages[start:])
	return out, nil
}
