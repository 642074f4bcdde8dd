package models

import "encoding/json"

// SignalType classifies a signaling envelope or transport event.
type SignalType string

const (
	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeCandidate SignalType = "ice-candidate"

	// Transport-level event types carried on the same wire framing.
	SignalTypeJoin     SignalType = "join"
	SignalTypeLeave    SignalType = "leave"
	SignalTypePresence SignalType = "presence"
	SignalTypeChat     SignalType = "chat"
	SignalTypeError    SignalType = "error"
)

// IsSignaling reports whether the type is a peer-to-peer signaling message
// that must be routed strictly unicast.
func (t SignalType) IsSignaling() bool {
	switch t {
	case SignalTypeOffer, SignalTypeAnswer, SignalTypeCandidate:
		return true
	}
	return false
}

// Envelope is one signaling message between two peers. The routing layer
// consumes From/To/Type only; Payload stays opaque and is never persisted.
type Envelope struct {
	Type    SignalType      `json:"type"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Event is what a subscribed client receives on its transport stream:
// either a presence diff, a routed signaling envelope, or a chat message.
type Event struct {
	Type     SignalType `json:"type"`
	Envelope *Envelope  `json:"envelope,omitempty"`
	Diff     *Diff      `json:"diff,omitempty"`
	Message  *Message   `json:"message,omitempty"`
	User     *User      `json:"user,omitempty"`
	// Seq orders presence snapshots so an overlapping poll can never
	// apply a stale view over a newer one.
	Seq uint64 `json:"seq,omitempty"`
}
