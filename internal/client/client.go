// Package client is a headless Go client for the room: join, heartbeat,
// poll the roster and messages, subscribe to the SSE stream, and feed
// routed signaling into a peer orchestrator. It approximates the push
// transport's guarantees over plain request/response.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/parlorchat/parlor/internal/logging"
	"github.com/parlorchat/parlor/internal/models"
	"github.com/parlorchat/parlor/internal/peer"
	"github.com/parlorchat/parlor/internal/presence"
)

// ErrNicknameTaken mirrors the server-side rejection so callers can prompt
// for a different name.
var ErrNicknameTaken = presence.ErrNicknameTaken

// ErrNotJoined reports operations attempted before Join succeeded.
var ErrNotJoined = errors.New("not joined")

type Options struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration

	// OnUsers observes each fresh roster snapshot (self excluded).
	OnUsers func([]models.User)
	// OnMessages observes each fresh message history.
	OnMessages func([]models.Message)
}

type Client struct {
	baseURL string
	http    *http.Client
	// stream has no timeout; the SSE subscription lives until cancelled.
	stream *http.Client
	opts   Options
	log    logging.Logger

	mu       sync.Mutex
	user     models.User
	joined   bool
	orch     *peer.Orchestrator
	lastSeq  uint64
	lastSeen map[string]models.User
}

func New(baseURL string, opts Options, log logging.Logger) *Client {
	if opts.PollInterval == 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: 15 * time.Second},
		stream:   &http.Client{},
		opts:     opts,
		log:      log,
		lastSeen: make(map[string]models.User),
	}
}

// Join registers with the room. An empty id lets the server assign one.
func (c *Client) Join(ctx context.Context, id, nickname string) (models.User, error) {
	var resp struct {
		User models.User `json:"user"`
	}
	status, err := c.post(ctx, "/api/join", models.JoinRequest{ID: id, Nickname: nickname}, &resp)
	if err != nil {
		return models.User{}, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusConflict:
		return models.User{}, ErrNicknameTaken
	default:
		return models.User{}, fmt.Errorf("join: unexpected status %d", status)
	}

	c.mu.Lock()
	c.user = resp.User
	c.joined = true
	c.mu.Unlock()
	return resp.User, nil
}

// AttachOrchestrator wires a peer orchestrator to presence diffs and
// incoming envelopes. Call before Run.
func (c *Client) AttachOrchestrator(o *peer.Orchestrator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orch = o
}

// SendSignal transmits one envelope over the HTTP mirror of the signaling
// channel. Satisfies peer.SendFunc.
func (c *Client) SendSignal(env models.Envelope) error {
	c.mu.Lock()
	joined := c.joined
	c.mu.Unlock()
	if !joined {
		return ErrNotJoined
	}

	status, err := c.post(context.Background(), "/api/signal/"+string(env.Type), env, nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusAccepted:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("signal %s to %s: target not reachable", env.Type, env.To)
	default:
		return fmt.Errorf("signal %s to %s: status %d", env.Type, env.To, status)
	}
}

// SendMessage posts a chat message.
func (c *Client) SendMessage(ctx context.Context, text string) error {
	c.mu.Lock()
	user := c.user
	joined := c.joined
	c.mu.Unlock()
	if !joined {
		return ErrNotJoined
	}

	status, err := c.post(ctx, "/api/message", models.SendMessageRequest{
		UserID:   user.ID,
		Nickname: user.Nickname,
		Text:     text,
	}, nil)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return fmt.Errorf("message: status %d", status)
	}
	return nil
}

// Leave tears everything down together: peer links and the presence record.
// Best effort on the wire, so a dead server cannot keep us "in" the room.
func (c *Client) Leave(ctx context.Context, reason string) error {
	c.mu.Lock()
	user := c.user
	joined := c.joined
	c.joined = false
	orch := c.orch
	c.mu.Unlock()
	if !joined {
		return nil
	}

	if orch != nil {
		orch.Close()
	}
	_, err := c.post(ctx, "/api/leave", models.LeaveRequest{UserID: user.ID, Reason: reason}, nil)
	return err
}

// Run polls and heartbeats until ctx is cancelled, with an SSE subscription
// shortcutting the next poll whenever something changes server-side.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return ErrNotJoined
	}
	c.mu.Unlock()

	// wake carries SSE "changed" pings; rendered as an immediate poll.
	wake := make(chan struct{}, 1)
	go c.consumeEvents(ctx, wake)

	pollTicker := time.NewTicker(c.opts.PollInterval)
	defer pollTicker.Stop()
	hbTicker := time.NewTicker(c.opts.HeartbeatInterval)
	defer hbTicker.Stop()

	c.pollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pollTicker.C:
			c.pollOnce(ctx)
		case <-wake:
			c.pollOnce(ctx)
		case <-hbTicker.C:
			if err := c.heartbeat(ctx); err != nil {
				return err
			}
		}
	}
}

// heartbeat refreshes our record; a 404 means the server lost us and we
// must re-join rather than silently believe we are still present.
func (c *Client) heartbeat(ctx context.Context) error {
	c.mu.Lock()
	user := c.user
	c.mu.Unlock()

	status, err := c.post(ctx, "/api/heartbeat", models.HeartbeatRequest{UserID: user.ID}, nil)
	if err != nil {
		c.log.Warn(ctx, "heartbeat failed", "error", err)
		return nil
	}
	if status == http.StatusNotFound {
		c.log.Warn(ctx, "presence record lost, re-joining", "id", user.ID)
		if _, err := c.Join(ctx, user.ID, user.Nickname); err != nil {
			return fmt.Errorf("re-join after lost record: %w", err)
		}
	}
	return nil
}

// pollOnce fetches users and messages. Snapshot application is guarded by
// the sequence header: an overlapping poll that resolves late cannot clobber
// a newer view.
func (c *Client) pollOnce(ctx context.Context) {
	c.mu.Lock()
	user := c.user
	c.mu.Unlock()

	users, seq, err := c.fetchUsers(ctx, user.ID)
	if err != nil {
		c.log.Warn(ctx, "user poll failed", "error", err)
	} else {
		c.applySnapshot(ctx, users, seq)
	}

	if c.opts.OnMessages != nil {
		msgs, err := c.fetchMessages(ctx)
		if err != nil {
			c.log.Warn(ctx, "message poll failed", "error", err)
		} else {
			c.opts.OnMessages(msgs)
		}
	}
}

func (c *Client) applySnapshot(ctx context.Context, users []models.User, seq uint64) {
	c.mu.Lock()
	if seq != 0 && seq < c.lastSeq {
		c.mu.Unlock()
		return
	}
	if seq != 0 {
		c.lastSeq = seq
	}
	prev := make([]models.User, 0, len(c.lastSeen))
	for _, u := range c.lastSeen {
		prev = append(prev, u)
	}
	c.lastSeen = make(map[string]models.User, len(users))
	for _, u := range users {
		c.lastSeen[u.ID] = u
	}
	orch := c.orch
	c.mu.Unlock()

	if orch != nil {
		if d := presence.Diff(prev, users); !d.Empty() {
			orch.HandlePresence(ctx, d)
		}
	}
	if c.opts.OnUsers != nil {
		c.opts.OnUsers(users)
	}
}

// consumeEvents holds the SSE subscription open, reconnecting with a flat
// backoff. Envelopes go straight to the orchestrator; everything else is a
// ping that triggers a poll.
func (c *Client) consumeEvents(ctx context.Context, wake chan<- struct{}) {
	for {
		if err := c.streamEvents(ctx, wake); err != nil && ctx.Err() == nil {
			c.log.Warn(ctx, "event stream dropped", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (c *Client) streamEvents(ctx context.Context, wake chan<- struct{}) error {
	c.mu.Lock()
	user := c.user
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/events?id="+user.ID, nil)
	if err != nil {
		return err
	}
	resp, err := c.stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream: status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var ev models.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		c.dispatch(ctx, ev, wake)
	}
	return scanner.Err()
}

func (c *Client) dispatch(ctx context.Context, ev models.Event, wake chan<- struct{}) {
	c.mu.Lock()
	orch := c.orch
	c.mu.Unlock()

	if ev.Envelope != nil && ev.Envelope.Type.IsSignaling() {
		if orch != nil {
			if err := orch.HandleEnvelope(ctx, *ev.Envelope); err != nil {
				c.log.Warn(ctx, "envelope handling failed",
					"from", ev.Envelope.From, "type", ev.Envelope.Type, "error", err)
			}
		}
		return
	}

	// Presence or chat changed server-side; shortcut the next poll.
	select {
	case wake <- struct{}{}:
	default:
	}
}

func (c *Client) fetchUsers(ctx context.Context, excludeID string) ([]models.User, uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/users?exclude="+excludeID, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("users: status %d", resp.StatusCode)
	}

	var users []models.User
	if err := json.NewDecoder(resp.Body).Decode(&users); err != nil {
		return nil, 0, err
	}
	seq, _ := strconv.ParseUint(resp.Header.Get("X-Presence-Seq"), 10, 64)
	return users, seq, nil
}

func (c *Client) fetchMessages(ctx context.Context) ([]models.Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/messages", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("messages: status %d", resp.StatusCode)
	}

	var msgs []models.Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) (int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}
