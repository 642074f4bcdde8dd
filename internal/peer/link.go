// Package peer drives the client side of call setup: one state machine per
// remote user, fed by routed signaling envelopes and presence events. It
// replaces timing-dependent retry guesses with explicit states and a
// deterministic glare rule.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// LinkState is the lifecycle of one peer-to-peer connection attempt.
type LinkState string

const (
	StateNew       LinkState = "new"
	StateOffering  LinkState = "offering"
	StateAnswering LinkState = "answering"
	StateConnected LinkState = "connected"
	StateFailed    LinkState = "failed"
	StateClosed    LinkState = "closed"
)

var (
	// ErrLinkSuperseded reports that a link was replaced after losing a
	// glare tie-break.
	ErrLinkSuperseded = errors.New("link superseded by remote offer")

	// ErrLinkClosed rejects operations on a finished link.
	ErrLinkClosed = errors.New("link closed")
)

// PeerConnection abstracts the WebRTC engine behind a link. The production
// implementation wraps pion; tests substitute a fake.
type PeerConnection interface {
	// CreateOffer produces the local SDP offer payload.
	CreateOffer(ctx context.Context) (json.RawMessage, error)

	// HandleOffer applies a remote offer and produces the answer payload.
	HandleOffer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error)

	// HandleAnswer applies the remote answer to our outstanding offer.
	HandleAnswer(ctx context.Context, answer json.RawMessage) error

	// AddRemoteCandidate feeds one remote ICE candidate. Implementations
	// buffer candidates that arrive before the remote description.
	AddRemoteCandidate(candidate json.RawMessage) error

	Close() error
}

// Link is one client's handle on the connection to one remote user. At most
// one live Link exists per remote id; transitions are serialized by the
// mutex so a second event for the same peer can never interleave with one
// in flight.
type Link struct {
	remoteID string

	mu            sync.Mutex
	state         LinkState
	pc            PeerConnection
	tracksVersion int
	retries       int
	// gen identifies one offer attempt so a timeout firing late cannot
	// fail a newer attempt.
	gen int
}

func newLink(remoteID string, pc PeerConnection) *Link {
	return &Link{remoteID: remoteID, state: StateNew, pc: pc}
}

func (l *Link) RemoteID() string { return l.remoteID }

func (l *Link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) TracksVersion() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tracksVersion
}

// beginOffer creates the local offer and moves to offering. Valid from new
// (initial attempt), failed (retry), and connected (renegotiation after a
// local media change, which keeps the link's identity). The returned
// generation ties the offer to its timeout.
func (l *Link) beginOffer(ctx context.Context) (json.RawMessage, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateNew, StateFailed, StateConnected:
	default:
		return nil, 0, errors.New("cannot offer from state " + string(l.state))
	}

	offer, err := l.pc.CreateOffer(ctx)
	if err != nil {
		l.state = StateFailed
		return nil, 0, err
	}
	l.state = StateOffering
	l.gen++
	return offer, l.gen, nil
}

// offerTimedOut handles the no-answer timeout for the given attempt. It
// reports whether the attempt actually expired and, if so, whether an
// automatic retry is still within budget.
func (l *Link) offerTimedOut(gen, maxRetries int) (expired, retry bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateOffering || l.gen != gen {
		return false, false
	}
	l.state = StateFailed
	l.retries++
	return true, l.retries <= maxRetries
}

// acceptOffer applies a remote offer and produces the answer. Sending the
// answer completes the signaling exchange on this side, so the link lands
// in connected; ICE-level failure later is reported asynchronously.
func (l *Link) acceptOffer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateNew, StateConnected, StateFailed:
	case StateClosed:
		return nil, ErrLinkClosed
	default:
		return nil, errors.New("cannot answer from state " + string(l.state))
	}

	l.state = StateAnswering
	answer, err := l.pc.HandleOffer(ctx, offer)
	if err != nil {
		l.state = StateFailed
		return nil, err
	}
	l.state = StateConnected
	return answer, nil
}

// acceptAnswer completes our outstanding offer.
func (l *Link) acceptAnswer(ctx context.Context, answer json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateOffering {
		return errors.New("answer arrived in state " + string(l.state))
	}
	if err := l.pc.HandleAnswer(ctx, answer); err != nil {
		l.state = StateFailed
		return err
	}
	l.state = StateConnected
	l.retries = 0
	return nil
}

func (l *Link) addCandidate(candidate json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return ErrLinkClosed
	}
	return l.pc.AddRemoteCandidate(candidate)
}

// bumpTracks records a local media change ahead of renegotiation.
func (l *Link) bumpTracks() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tracksVersion++
}

// fail marks a timed-out or broken attempt, returning whether an automatic
// retry is still within budget.
func (l *Link) fail(maxRetries int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed || l.state == StateConnected {
		return false
	}
	l.state = StateFailed
	l.retries++
	return l.retries <= maxRetries
}

// close ends the link permanently. Idempotent.
func (l *Link) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return
	}
	l.state = StateClosed
	l.pc.Close()
}
