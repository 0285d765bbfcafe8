// Package ws pushes store inserts to peers over WebSocket.
package ws

import "github.com/dkeye/callscribe/internal/domain"

const (
	TypeSignal   = "signal"
	TypeFragment = "fragment"
	TypeReady    = "ready"
	TypePing     = "ping"
	TypePong     = "pong"
)

// Envelope is every message exchanged on a subscription socket. The server
// sends ready once the subscription is registered, so inserts made after the
// client sees ready are guaranteed to reach it.
type Envelope struct {
	Type     string           `json:"type"`
	Signal   *domain.Signal   `json:"signal,omitempty"`
	Fragment *domain.Fragment `json:"fragment,omitempty"`
}

func SignalEnvelope(s domain.Signal) Envelope {
	return Envelope{Type: TypeSignal, Signal: &s}
}

func FragmentEnvelope(f domain.Fragment) Envelope {
	return Envelope{Type: TypeFragment, Fragment: &f}
}
