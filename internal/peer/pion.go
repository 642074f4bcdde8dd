package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	pion "github.com/pion/webrtc/v4"
)

// PionConfig carries ICE server settings for real connections.
type PionConfig struct {
	STUNServers  []string
	TURNServers  []string
	TURNUsername string
	TURNPassword string
}

// NewPionFactory returns a ConnectionFactory backed by pion/webrtc. Each
// link gets its own PeerConnection with sendrecv audio and video
// transceivers, so offers negotiate media in both directions.
func NewPionFactory(cfg PionConfig) ConnectionFactory {
	return func(remoteID string, cb Callbacks) (PeerConnection, error) {
		iceServers := []pion.ICEServer{}
		if len(cfg.STUNServers) > 0 {
			iceServers = append(iceServers, pion.ICEServer{URLs: cfg.STUNServers})
		}
		if len(cfg.TURNServers) > 0 {
			iceServers = append(iceServers, pion.ICEServer{
				URLs:       cfg.TURNServers,
				Username:   cfg.TURNUsername,
				Credential: cfg.TURNPassword,
			})
		}

		pc, err := pion.NewPeerConnection(pion.Configuration{ICEServers: iceServers})
		if err != nil {
			return nil, fmt.Errorf("create peer connection: %w", err)
		}

		for _, kind := range []pion.RTPCodecType{pion.RTPCodecTypeAudio, pion.RTPCodecTypeVideo} {
			if _, err := pc.AddTransceiverFromKind(kind, pion.RTPTransceiverInit{
				Direction: pion.RTPTransceiverDirectionSendrecv,
			}); err != nil {
				pc.Close()
				return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
			}
		}

		conn := &pionConn{pc: pc}

		pc.OnICECandidate(func(c *pion.ICECandidate) {
			if c == nil || cb.OnLocalCandidate == nil {
				return
			}
			data, err := json.Marshal(c.ToJSON())
			if err != nil {
				return
			}
			cb.OnLocalCandidate(data)
		})

		pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
			if state == pion.ICEConnectionStateFailed || state == pion.ICEConnectionStateClosed {
				if cb.OnFailure != nil {
					cb.OnFailure(fmt.Errorf("ice state %s", state))
				}
			}
		})

		return conn, nil
	}
}

type pionConn struct {
	pc *pion.PeerConnection

	mu        sync.Mutex
	remoteSet bool
	// Candidates arriving before the remote description are buffered;
	// pion rejects AddICECandidate until one is set.
	pending []pion.ICECandidateInit
}

func (c *pionConn) CreateOffer(_ context.Context) (json.RawMessage, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return json.Marshal(c.pc.LocalDescription())
}

func (c *pionConn) HandleOffer(_ context.Context, offer json.RawMessage) (json.RawMessage, error) {
	var desc pion.SessionDescription
	if err := json.Unmarshal(offer, &desc); err != nil {
		return nil, fmt.Errorf("parse offer: %w", err)
	}
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	c.flushPending()

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return json.Marshal(c.pc.LocalDescription())
}

func (c *pionConn) HandleAnswer(_ context.Context, answer json.RawMessage) error {
	var desc pion.SessionDescription
	if err := json.Unmarshal(answer, &desc); err != nil {
		return fmt.Errorf("parse answer: %w", err)
	}
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	c.flushPending()
	return nil
}

func (c *pionConn) AddRemoteCandidate(candidate json.RawMessage) error {
	var init pion.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("parse candidate: %w", err)
	}

	c.mu.Lock()
	if !c.remoteSet {
		c.pending = append(c.pending, init)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.pc.AddICECandidate(init)
}

func (c *pionConn) flushPending() {
	c.mu.Lock()
	c.remoteSet = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, init := range pending {
		c.pc.AddICECandidate(init)
	}
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}
