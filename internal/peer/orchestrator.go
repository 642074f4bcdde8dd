package peer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/parlorchat/parlor/internal/logging"
	"github.com/parlorchat/parlor/internal/models"
)

// Callbacks lets a PeerConnection report asynchronous events back to the
// orchestrator.
type Callbacks struct {
	// OnLocalCandidate fires for each locally gathered ICE candidate.
	OnLocalCandidate func(candidate json.RawMessage)
	// OnFailure fires when the underlying transport fails permanently.
	OnFailure func(err error)
}

// ConnectionFactory builds the engine for one link.
type ConnectionFactory func(remoteID string, cb Callbacks) (PeerConnection, error)

// SendFunc transmits an envelope to the signaling service.
type SendFunc func(env models.Envelope) error

// Options tunes orchestration; zero values get defaults.
type Options struct {
	OfferTimeout    time.Duration
	MaxOfferRetries int
}

// Orchestrator owns every local peer link. It decides who initiates for
// each pair, resolves glare deterministically (lower user id stays the
// offerer), renegotiates on local media changes, and bounds retries after
// unanswered offers.
type Orchestrator struct {
	localID string
	factory ConnectionFactory
	send    SendFunc
	opts    Options
	log     logging.Logger

	mu         sync.Mutex
	links      map[string]*Link
	known      map[string]bool
	mediaReady bool
	closed     bool
}

func NewOrchestrator(localID string, factory ConnectionFactory, send SendFunc,
	opts Options, log logging.Logger) *Orchestrator {

	if opts.OfferTimeout == 0 {
		opts.OfferTimeout = 10 * time.Second
	}
	if opts.MaxOfferRetries == 0 {
		opts.MaxOfferRetries = 2
	}
	return &Orchestrator{
		localID: localID,
		factory: factory,
		send:    send,
		opts:    opts,
		log:     log,
		links:   make(map[string]*Link),
		known:   make(map[string]bool),
	}
}

// Link returns the live link for a remote id, if any.
func (o *Orchestrator) Link(remoteID string) (*Link, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.links[remoteID]
	return l, ok
}

// LinkCount reports the number of live links.
func (o *Orchestrator) LinkCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.links)
}

// MediaReady announces that local media is available. Every known peer
// without an existing link gets exactly one initiation; the trigger is this
// stable event, never a UI lifecycle.
func (o *Orchestrator) MediaReady(ctx context.Context) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.mediaReady = true
	var targets []string
	for id := range o.known {
		if _, ok := o.links[id]; !ok {
			targets = append(targets, id)
		}
	}
	o.mu.Unlock()

	for _, id := range targets {
		o.initiate(ctx, id)
	}
}

// TracksChanged renegotiates every connected link after a local media
// change (camera toggled, screen share started) without destroying link
// identity.
func (o *Orchestrator) TracksChanged(ctx context.Context) {
	o.mu.Lock()
	var connected []*Link
	for _, l := range o.links {
		if l.State() == StateConnected {
			connected = append(connected, l)
		}
	}
	o.mu.Unlock()

	for _, l := range connected {
		l.bumpTracks()
		o.sendOffer(ctx, l)
	}
}

// HandlePresence reacts to a presence diff: new peers become candidates for
// initiation (if media is ready), departed peers have their links torn down.
func (o *Orchestrator) HandlePresence(ctx context.Context, d models.Diff) {
	for _, u := range d.Left {
		o.closeLink(u.ID)
	}

	o.mu.Lock()
	ready := o.mediaReady && !o.closed
	var targets []string
	for _, u := range d.Joined {
		if u.ID == o.localID {
			continue
		}
		o.known[u.ID] = true
		if _, ok := o.links[u.ID]; !ok && ready {
			targets = append(targets, u.ID)
		}
	}
	for _, u := range d.Left {
		delete(o.known, u.ID)
	}
	o.mu.Unlock()

	for _, id := range targets {
		o.initiate(ctx, id)
	}
}

// HandleEnvelope consumes one routed signaling envelope addressed to us.
func (o *Orchestrator) HandleEnvelope(ctx context.Context, env models.Envelope) error {
	switch env.Type {
	case models.SignalTypeOffer:
		return o.handleOffer(ctx, env.From, env.Payload)
	case models.SignalTypeAnswer:
		return o.handleAnswer(ctx, env.From, env.Payload)
	case models.SignalTypeCandidate:
		return o.handleCandidate(env.From, env.Payload)
	default:
		return nil
	}
}

// Close releases every link. Called when leaving the room, together with
// presence deregistration; neither half may be skipped.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	links := make([]*Link, 0, len(o.links))
	for _, l := range o.links {
		links = append(links, l)
	}
	o.links = make(map[string]*Link)
	o.known = make(map[string]bool)
	o.mu.Unlock()

	for _, l := range links {
		l.close()
	}
}

// initiate opens a fresh link toward a remote peer and sends the offer.
func (o *Orchestrator) initiate(ctx context.Context, remoteID string) {
	link, created := o.ensureLink(remoteID)
	if link == nil {
		return
	}
	if !created && link.State() != StateFailed {
		// Someone beat us to it; exactly-once initiation holds.
		return
	}
	o.sendOffer(ctx, link)
}

func (o *Orchestrator) ensureLink(remoteID string) (*Link, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, false
	}
	if l, ok := o.links[remoteID]; ok {
		return l, false
	}
	l, err := o.newLink(remoteID)
	if err != nil {
		o.log.Error(context.Background(), "peer connection setup failed",
			"remote", remoteID, "error", err)
		return nil, false
	}
	o.links[remoteID] = l
	return l, true
}

// newLink builds a link; caller holds o.mu.
func (o *Orchestrator) newLink(remoteID string) (*Link, error) {
	pc, err := o.factory(remoteID, Callbacks{
		OnLocalCandidate: func(candidate json.RawMessage) {
			o.send(models.Envelope{
				Type:    models.SignalTypeCandidate,
				From:    o.localID,
				To:      remoteID,
				Payload: candidate,
			})
		},
		OnFailure: func(err error) {
			o.log.Warn(context.Background(), "peer transport failed",
				"remote", remoteID, "error", err)
			o.closeLink(remoteID)
		},
	})
	if err != nil {
		return nil, err
	}
	return newLink(remoteID, pc), nil
}

func (o *Orchestrator) sendOffer(ctx context.Context, link *Link) {
	offer, gen, err := link.beginOffer(ctx)
	if err != nil {
		o.log.Warn(ctx, "offer creation failed", "remote", link.remoteID, "error", err)
		return
	}

	err = o.send(models.Envelope{
		Type:    models.SignalTypeOffer,
		From:    o.localID,
		To:      link.remoteID,
		Payload: offer,
	})
	if err != nil {
		o.log.Warn(ctx, "offer send failed", "remote", link.remoteID, "error", err)
		link.offerTimedOut(gen, 0)
		return
	}

	time.AfterFunc(o.opts.OfferTimeout, func() {
		expired, retry := link.offerTimedOut(gen, o.opts.MaxOfferRetries)
		if !expired {
			return
		}
		o.log.Warn(context.Background(), "offer unanswered",
			"remote", link.remoteID, "retry", retry)
		if retry {
			o.sendOffer(context.Background(), link)
		}
	})
}

func (o *Orchestrator) handleOffer(ctx context.Context, from string, payload json.RawMessage) error {
	o.mu.Lock()
	o.known[from] = true
	link, exists := o.links[from]
	o.mu.Unlock()

	if exists && link.State() == StateOffering {
		// Glare: both sides offered simultaneously. Lower id stays the
		// offerer; the higher id discards its attempt and answers.
		if o.localID < from {
			o.log.Info(ctx, "glare: ignoring remote offer, we are the offerer",
				"remote", from)
			return nil
		}
		o.log.Info(ctx, "glare: superseding local offer, answering remote",
			"remote", from)
		o.closeLink(from)
		exists = false
	}

	if !exists {
		link, _ = o.ensureLink(from)
		if link == nil {
			return ErrLinkClosed
		}
	}

	answer, err := link.acceptOffer(ctx, payload)
	if err != nil {
		return err
	}
	return o.send(models.Envelope{
		Type:    models.SignalTypeAnswer,
		From:    o.localID,
		To:      from,
		Payload: answer,
	})
}

func (o *Orchestrator) handleAnswer(ctx context.Context, from string, payload json.RawMessage) error {
	o.mu.Lock()
	link, ok := o.links[from]
	o.mu.Unlock()
	if !ok {
		return ErrLinkClosed
	}
	return link.acceptAnswer(ctx, payload)
}

func (o *Orchestrator) handleCandidate(from string, payload json.RawMessage) error {
	o.mu.Lock()
	link, ok := o.links[from]
	o.mu.Unlock()
	if !ok {
		// Candidates can arrive out of order relative to the offer;
		// without any link they have nothing to attach to.
		return ErrLinkClosed
	}
	return link.addCandidate(payload)
}

func (o *Orchestrator) closeLink(remoteID string) {
	o.mu.Lock()
	link, ok := o.links[remoteID]
	if ok {
		delete(o.links, remoteID)
	}
	o.mu.Unlock()
	if ok {
		link.close()
	}
}
