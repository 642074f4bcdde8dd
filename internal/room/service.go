// Package room coordinates presence, chat, and signaling for the single
// room this service hosts. All mutation goes through the Service so that
// every transport (websocket, polling, SSE) observes the same view.
package room

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/parlorchat/parlor/internal/chat"
	"github.com/parlorchat/parlor/internal/logging"
	"github.com/parlorchat/parlor/internal/metrics"
	"github.com/parlorchat/parlor/internal/models"
	"github.com/parlorchat/parlor/internal/presence"
	"github.com/parlorchat/parlor/internal/signal"
)

// Broadcaster fans an event out to every subscriber of one transport.
// The websocket hub and the SSE broker both implement it.
type Broadcaster interface {
	Broadcast(event models.Event)
}

type Service struct {
	store  presence.Store
	chat   chat.Store
	router *signal.Router
	coal   *presence.Coalescer
	met    *metrics.Collector
	log    logging.Logger

	mu           sync.RWMutex
	broadcasters []Broadcaster

	// seq versions presence snapshots so consumers can discard a stale
	// poll result that resolves after a newer one.
	seq atomic.Uint64
}

func NewService(store presence.Store, chatStore chat.Store, router *signal.Router,
	stabilityWindow time.Duration, met *metrics.Collector, log logging.Logger) *Service {

	s := &Service{
		store:  store,
		chat:   chatStore,
		router: router,
		met:    met,
		log:    log,
	}
	s.coal = presence.NewCoalescer(stabilityWindow, s.broadcastDiff)
	return s
}

// AddBroadcaster registers a transport for presence/chat fan-out.
func (s *Service) AddBroadcaster(b Broadcaster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcasters = append(s.broadcasters, b)
}

func (s *Service) Router() *signal.Router { return s.router }

// Join adds the user to presence and schedules a presence diff.
func (s *Service) Join(ctx context.Context, req models.JoinRequest) (models.User, error) {
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	user, err := s.store.Join(ctx, models.User{ID: id, Nickname: req.Nickname})
	if err != nil {
		return models.User{}, err
	}

	s.log.Info(ctx, "user joined", "id", user.ID, "nickname", user.Nickname)
	if s.met != nil {
		s.met.UserJoined()
	}
	s.presenceChanged(ctx)
	return user, nil
}

// Leave removes the user, drops their transport registration, and schedules
// a presence diff. Idempotent; the presence record and the routing entry go
// together so neither can go stale alone.
func (s *Service) Leave(ctx context.Context, userID, reason string) error {
	if err := s.store.Leave(ctx, userID); err != nil {
		return err
	}
	s.router.Unregister(userID)

	if reason == "" {
		reason = "explicit"
	}
	s.log.Info(ctx, "user left", "id", userID, "reason", reason)
	if s.met != nil {
		s.met.UserLeft(reason)
	}
	s.presenceChanged(ctx)
	return nil
}

// Heartbeat refreshes the user's liveness. presence.ErrUnknownUser tells the
// client to re-join.
func (s *Service) Heartbeat(ctx context.Context, userID string) error {
	if err := s.store.Heartbeat(ctx, userID); err != nil {
		return err
	}
	if s.met != nil {
		s.met.HeartbeatSeen()
	}
	return nil
}

// ConnectSnapshot returns the roster handed to a freshly connected push
// client. Any pending presence diff is flushed first and the roster is the
// stable baseline itself, so every diff that follows lines up with what the
// roster already showed. A fresh store read here could include a join that
// nets out against a leave inside the same stability window, leaving the
// newcomer with a ghost entry it can never shed.
func (s *Service) ConnectSnapshot(excludeID string) ([]models.User, uint64) {
	stable := s.coal.Rebase()
	users := make([]models.User, 0, len(stable))
	for _, u := range stable {
		if u.ID == excludeID {
			continue
		}
		users = append(users, u)
	}
	return users, s.seq.Load()
}

// ListOnline returns the snapshot plus its sequence number.
func (s *Service) ListOnline(ctx context.Context, excludeID string) ([]models.User, uint64, error) {
	users, err := s.store.ListOnline(ctx, excludeID)
	if err != nil {
		return nil, 0, err
	}
	return users, s.seq.Load(), nil
}

// NicknameTaken reports whether an online user already holds the nickname.
func (s *Service) NicknameTaken(ctx context.Context, nickname string) (bool, error) {
	users, err := s.store.ListOnline(ctx, "")
	if err != nil {
		return false, err
	}
	nick := strings.ToLower(nickname)
	for _, u := range users {
		if strings.ToLower(u.Nickname) == nick {
			return true, nil
		}
	}
	return false, nil
}

// ExpireUser is the sweeper callback for a heartbeat timeout: same cleanup
// as an explicit leave, minus the store removal the sweep already did.
func (s *Service) ExpireUser(u models.User) {
	ctx := context.Background()
	s.router.Unregister(u.ID)
	if s.met != nil {
		s.met.UserLeft("timeout")
	}
	s.presenceChanged(ctx)
}

// SendMessage appends a chat message and pings subscribers.
func (s *Service) SendMessage(ctx context.Context, req models.SendMessageRequest) (models.Message, error) {
	msg, err := s.chat.Append(ctx, models.Message{
		UserID:   req.UserID,
		Nickname: req.Nickname,
		Text:     req.Text,
	})
	if err != nil {
		return models.Message{}, err
	}
	if s.met != nil {
		s.met.MessageAppended()
	}
	s.broadcast(models.Event{Type: models.SignalTypeChat, Message: &msg})
	return msg, nil
}

// Messages lists the most recent messages, oldest first.
func (s *Service) Messages(ctx context.Context, limit int) ([]models.Message, error) {
	return s.chat.List(ctx, limit)
}

// Signal routes one envelope. claimedFrom is the authenticated id of the
// connection the envelope arrived on.
func (s *Service) Signal(ctx context.Context, claimedFrom string, env models.Envelope) error {
	err := s.router.Route(ctx, claimedFrom, env)
	if err != nil && !errors.Is(err, signal.ErrUndeliverable) {
		s.log.Warn(ctx, "signaling rejected", "from", claimedFrom, "to", env.To,
			"type", env.Type, "error", err)
	}
	return err
}

// presenceChanged feeds the latest snapshot into the coalescer. The diff
// that eventually flushes is computed against the last stable snapshot, so
// flicker inside the stability window cancels out.
func (s *Service) presenceChanged(ctx context.Context) {
	users, err := s.store.ListOnline(ctx, "")
	if err != nil {
		s.log.Error(ctx, "snapshot refresh failed", "error", err)
		return
	}
	s.seq.Add(1)
	if s.met != nil {
		s.met.SetOnlineUsers(len(users))
	}
	s.coal.Update(users)
}

func (s *Service) broadcastDiff(d models.Diff) {
	s.broadcast(models.Event{
		Type: models.SignalTypePresence,
		Diff: &d,
		Seq:  s.seq.Load(),
	})
}

func (s *Service) broadcast(event models.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.broadcasters {
		b.Broadcast(event)
	}
}
