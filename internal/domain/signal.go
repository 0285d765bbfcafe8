package domain

import (
	"encoding/json"
	"errors"
	"time"
)

type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice-candidate"
	// SignalHello announces a participant. A hello addressed to a peer
	// answers that peer's own hello.
	SignalHello SignalKind = "hello"
	// SignalBye is the last signal of a participant that leaves.
	SignalBye SignalKind = "bye"
)

var ErrUnknownSignalKind = errors.New("unknown signal kind")

func (k SignalKind) Validate() error {
	switch k {
	case SignalOffer, SignalAnswer, SignalICECandidate, SignalHello, SignalBye:
		return nil
	}
	return ErrUnknownSignalKind
}

// Signal is one negotiation message exchanged through the signaling store.
// Payload is opaque to the store. An empty RecipientPeerID addresses every
// participant.
type Signal struct {
	SessionRecordID SessionRecordID `json:"session_record_id"`
	SenderPeerID    PeerID          `json:"sender_peer_id"`
	RecipientPeerID PeerID          `json:"recipient_peer_id,omitempty"`
	Kind            SignalKind      `json:"kind"`
	Payload         json.RawMessage `json:"payload"`
	InsertedAt      time.Time       `json:"inserted_at"`
	Seq             uint64          `json:"seq"`
}

// Hello is the payload of a hello signal.
type Hello struct {
	Role Role `json:"role"`
}

// ConnectionState mirrors the lifecycle of one peer connection.
type ConnectionState string

const (
	StateIdle         ConnectionState = "idle"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
)

// Terminal reports whether the state ends the session.
func (s ConnectionState) Terminal() bool {
	return s == StateDisconnected || s == StateFailed
}
