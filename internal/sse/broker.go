// Package sse is the one-way half of the poll/SSE hybrid transport: a
// subscriber receives "something changed" events (and routed signaling
// envelopes) and reacts by polling the snapshot endpoints immediately
// instead of waiting out its polling interval.
package sse

import (
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/parlorchat/parlor/internal/logging"
	"github.com/parlorchat/parlor/internal/metrics"
	"github.com/parlorchat/parlor/internal/models"
	"github.com/parlorchat/parlor/internal/signal"
)

const (
	subscriberBuffer  = 64
	heartbeatInterval = 15 * time.Second
)

type subscriber struct {
	// mu guards ch against a concurrent supersede: the router may be
	// delivering into this stream while a resubscribe closes it.
	mu     sync.Mutex
	ch     chan models.Event
	closed bool
}

// SendEnvelope delivers a routed signaling envelope over the event stream,
// so a client that never opened a WebSocket is still reachable by peers.
func (s *subscriber) SendEnvelope(env models.Envelope) error {
	return s.deliver(models.Event{Type: env.Type, Envelope: &env})
}

func (s *subscriber) deliver(event models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSubscriberGone
	}
	select {
	case s.ch <- event:
		return nil
	default:
		return errSubscriberFull
	}
}

// close ends the stream. A racing deliver fails with errSubscriberGone
// instead of panicking on the closed channel.
func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

var (
	errSubscriberFull = io.ErrShortBuffer
	errSubscriberGone = errors.New("stream superseded")
)

type Broker struct {
	router *signal.Router
	met    *metrics.Collector
	log    logging.Logger

	mu   sync.RWMutex
	subs map[string]*subscriber
}

func NewBroker(router *signal.Router, met *metrics.Collector, log logging.Logger) *Broker {
	return &Broker{
		router: router,
		met:    met,
		log:    log,
		subs:   make(map[string]*subscriber),
	}
}

// Subscribe opens a stream for the user and registers them as a signaling
// target. A resubscribe replaces the previous stream.
func (b *Broker) Subscribe(userID string) <-chan models.Event {
	return b.subscribe(userID).ch
}

func (b *Broker) subscribe(userID string) *subscriber {
	sub := &subscriber{ch: make(chan models.Event, subscriberBuffer)}

	b.mu.Lock()
	if old, ok := b.subs[userID]; ok {
		old.close()
	}
	b.subs[userID] = sub
	b.mu.Unlock()

	b.router.Register(userID, sub)
	if b.met != nil {
		b.met.SSESubscribed()
	}
	return sub
}

// Unsubscribe closes the stream and deregisters the signaling target.
func (b *Broker) Unsubscribe(userID string) {
	b.remove(userID, nil)
}

// remove drops the subscription. When current is non-nil the removal only
// happens if that exact subscriber still owns the slot, so a stream handler
// winding down cannot tear out the stream that superseded it.
func (b *Broker) remove(userID string, current *subscriber) {
	b.mu.Lock()
	sub, ok := b.subs[userID]
	if ok && (current == nil || sub == current) {
		delete(b.subs, userID)
	} else {
		ok = false
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	sub.close()
	b.router.Unregister(userID)
	if b.met != nil {
		b.met.SSEUnsubscribed()
	}
}

// Broadcast fans an event to every subscriber. Implements room.Broadcaster.
// A full subscriber misses the ping; its next scheduled poll still converges
// it, which is the whole point of the hybrid design.
func (b *Broker) Broadcast(event models.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		sub.deliver(event)
	}
}

// HandleSSE streams events for the user named in the id query param.
func (b *Broker) HandleSSE(c *gin.Context) {
	userID := c.Query("id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}

	sub := b.subscribe(userID)
	defer b.remove(userID, sub)
	ch := sub.ch

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("message", ev)
			return true
		case <-ticker.C:
			c.SSEvent("heartbeat", time.Now().Unix())
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
