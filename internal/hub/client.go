package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parlorchat/parlor/internal/models"
	"github.com/parlorchat/parlor/internal/signal"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// Client is one user's WebSocket connection. The buffered send channel with
// a single writer goroutine preserves per-target delivery order, which is
// what keeps offer/answer ordering intact for each peer pair.
type Client struct {
	userID string
	conn   *websocket.Conn
	hub    *Hub

	// mu guards send against a concurrent supersede: the router may be
	// delivering into this client while a reconnect closes it.
	mu     sync.Mutex
	send   chan []byte
	closed bool
}

var (
	errSendBufferFull = errors.New("send buffer full")
	errClientClosed   = errors.New("client superseded")
)

// SendEnvelope enqueues a routed signaling envelope for delivery.
func (c *Client) SendEnvelope(env models.Envelope) error {
	return c.enqueue(models.Event{Type: env.Type, Envelope: &env})
}

func (c *Client) enqueue(event models.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

// closeSend marks the client superseded and closes its send channel. A
// racing enqueue fails with errClientClosed instead of panicking.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) readPump() {
	ctx := context.Background()
	defer func() {
		c.hub.drop(c, "disconnect")
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		// A live socket is as good as an explicit heartbeat.
		c.hub.svc.Heartbeat(ctx, c.userID)
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn(ctx, "websocket read failed", "user", c.userID, "error", err)
			}
			break
		}
		c.hub.svc.Heartbeat(ctx, c.userID)

		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.hub.log.Warn(ctx, "unparseable client frame", "user", c.userID, "error", err)
			continue
		}

		switch {
		case env.Type.IsSignaling():
			if err := c.hub.svc.Signal(ctx, c.userID, env); err != nil {
				c.reportError(env, err)
			}
		case env.Type == models.SignalTypeLeave:
			c.hub.drop(c, "explicit")
			return
		default:
			c.hub.log.Warn(ctx, "unexpected frame type", "user", c.userID, "type", env.Type)
		}
	}
}

// reportError tells the sender an envelope could not be delivered instead
// of dropping it silently.
func (c *Client) reportError(env models.Envelope, err error) {
	kind := "routing failed"
	if errors.Is(err, signal.ErrUndeliverable) {
		kind = "undeliverable"
	}
	c.enqueue(models.Event{
		Type: models.SignalTypeError,
		Envelope: &models.Envelope{
			Type:  models.SignalTypeError,
			To:    c.userID,
			From:  env.To,
			Error: kind,
		},
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
