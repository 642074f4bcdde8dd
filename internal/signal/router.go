// Package signal routes SDP offers/answers and ICE candidates between
// peers. Routing is strictly unicast: an envelope goes to exactly the peer
// named in To, or fails with ErrUndeliverable. Broadcasting signaling only
// appears to work with two users and is never correct.
package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/parlorchat/parlor/internal/models"
)

var (
	// ErrUndeliverable means the target peer is not currently reachable.
	// The caller decides whether to notify the sender; the router never
	// falls back to broadcast.
	ErrUndeliverable = errors.New("signaling target not reachable")

	// ErrForgedSender rejects an envelope whose From does not match the
	// claimed sender of the connection it arrived on.
	ErrForgedSender = errors.New("envelope sender does not match connection")

	// ErrNotSignaling rejects envelope types the router does not carry.
	ErrNotSignaling = errors.New("not a signaling envelope")
)

// Sender delivers envelopes to one peer's transport. Implementations must
// preserve enqueue order per peer; the per-client FIFO send queue of the
// websocket hub and the SSE broker both satisfy this.
type Sender interface {
	SendEnvelope(env models.Envelope) error
}

// Recorder receives routing outcomes for observability. Implemented by the
// metrics collector; may be nil.
type Recorder interface {
	SignalRouted(signalType string)
	SignalUndeliverable(signalType string)
}

// Router is the connection registry plus the unicast forwarding rule.
type Router struct {
	mu      sync.RWMutex
	targets map[string]Sender
	rec     Recorder
}

func NewRouter(rec Recorder) *Router {
	return &Router{targets: make(map[string]Sender), rec: rec}
}

// Register makes a peer reachable. A reconnect replaces the previous
// transport for the same id.
func (r *Router) Register(userID string, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[userID] = s
}

// Unregister removes a peer. Unregistering an unknown id is a no-op.
func (r *Router) Unregister(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.targets, userID)
}

// Reachable reports whether a peer currently has a registered transport.
func (r *Router) Reachable(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.targets[userID]
	return ok
}

// Route forwards env verbatim to the single peer named in env.To.
// claimedFrom is the authenticated/claimed id of the connection the
// envelope arrived on and must equal env.From.
func (r *Router) Route(_ context.Context, claimedFrom string, env models.Envelope) error {
	if !env.Type.IsSignaling() {
		return fmt.Errorf("%w: %s", ErrNotSignaling, env.Type)
	}
	if env.From != claimedFrom {
		return fmt.Errorf("%w: claimed %q, envelope says %q", ErrForgedSender, claimedFrom, env.From)
	}
	if env.To == "" {
		return fmt.Errorf("%w: empty target", ErrUndeliverable)
	}

	r.mu.RLock()
	target, ok := r.targets[env.To]
	r.mu.RUnlock()
	if !ok {
		if r.rec != nil {
			r.rec.SignalUndeliverable(string(env.Type))
		}
		return fmt.Errorf("%w: %s", ErrUndeliverable, env.To)
	}

	if err := target.SendEnvelope(env); err != nil {
		if r.rec != nil {
			r.rec.SignalUndeliverable(string(env.Type))
		}
		return fmt.Errorf("%w: %s: %v", ErrUndeliverable, env.To, err)
	}
	if r.rec != nil {
		r.rec.SignalRouted(string(env.Type))
	}
	return nil
}
