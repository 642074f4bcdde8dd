// Package hub is the push transport: a WebSocket endpoint that joins the
// user on connect, streams presence diffs and routed signaling envelopes,
// and leaves on disconnect.
package hub

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/parlorchat/parlor/internal/logging"
	"github.com/parlorchat/parlor/internal/metrics"
	"github.com/parlorchat/parlor/internal/models"
	"github.com/parlorchat/parlor/internal/presence"
	"github.com/parlorchat/parlor/internal/room"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware.
		return true
	},
}

type Hub struct {
	svc *room.Service
	met *metrics.Collector
	log logging.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

func New(svc *room.Service, met *metrics.Collector, log logging.Logger) *Hub {
	return &Hub{
		svc:     svc,
		met:     met,
		log:     log,
		clients: make(map[string]*Client),
	}
}

// HandleWS upgrades the connection, joins presence, and starts the pumps.
// Query params: id (optional, client-generated) and nickname (required).
func (h *Hub) HandleWS(c *gin.Context) {
	nickname := c.Query("nickname")
	if nickname == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nickname is required"})
		return
	}

	user, err := h.svc.Join(c.Request.Context(), models.JoinRequest{
		ID:       c.Query("id"),
		Nickname: nickname,
	})
	if err == presence.ErrNicknameTaken {
		c.JSON(http.StatusConflict, gin.H{"error": "nickname taken"})
		return
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "join failed"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn(c.Request.Context(), "websocket upgrade failed", "error", err)
		h.svc.Leave(c.Request.Context(), user.ID, "upgrade failed")
		return
	}

	client := &Client{
		userID: user.ID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		hub:    h,
	}

	h.mu.Lock()
	if old, ok := h.clients[user.ID]; ok {
		// A reconnect supersedes the previous socket for the same id.
		old.closeSend()
	}
	h.clients[user.ID] = client
	h.mu.Unlock()

	h.svc.Router().Register(user.ID, client)
	if h.met != nil {
		h.met.WSClientConnected()
	}

	// Confirm the join and hand the newcomer the current roster so it
	// does not have to wait for the next coalesced diff. The client is
	// already registered when the snapshot flushes, so it cannot miss a
	// diff computed against the baseline its roster shows; the roster is
	// authoritative and replaces anything delivered before it.
	others, seq := h.svc.ConnectSnapshot(user.ID)
	client.enqueue(models.Event{
		Type: models.SignalTypeJoin,
		User: &user,
		Diff: &models.Diff{Joined: others},
		Seq:  seq,
	})

	go client.writePump()
	go client.readPump()
}

// Broadcast fans one event to every connected client. Implements
// room.Broadcaster.
func (h *Hub) Broadcast(event models.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, client := range h.clients {
		if err := client.enqueue(event); err != nil {
			h.log.Warn(context.Background(), "dropping event for slow client", "user", id, "error", err)
		}
	}
}

// drop tears a client down completely: presence, routing, and the local
// registry together, so no stale half remains.
func (h *Hub) drop(c *Client, reason string) {
	h.mu.Lock()
	current, ok := h.clients[c.userID]
	if ok && current == c {
		delete(h.clients, c.userID)
	}
	h.mu.Unlock()
	if !ok || current != c {
		// Superseded by a reconnect; that socket owns the presence now.
		return
	}

	h.svc.Leave(context.Background(), c.userID, reason)
	if h.met != nil {
		h.met.WSClientDisconnected()
	}
}
