package core

import (
	"context"

	"github.com/dkeye/callscribe/internal/domain"
	"github.com/dkeye/callscribe/internal/media"
	"github.com/pion/webrtc/v4"
)

// MediaSource opens the local capture devices for a session.
// Failures must wrap ErrMediaAccess.
type MediaSource interface {
	Open(ctx context.Context, kind domain.MediaKind) (*media.LocalStream, error)
}

// PeerTransport is one direct peer connection. Callbacks must be registered
// before the first description is set and must not block.
type PeerTransport interface {
	// AddLocalTrack attaches a local track for sending.
	AddLocalTrack(track webrtc.TrackLocal) error
	// EnsureReceiver adds a receive-only transceiver when no sender of kind exists.
	EnsureReceiver(kind webrtc.RTPCodecType) error

	// CreateOffer creates an offer and sets it as the local description.
	CreateOffer() (webrtc.SessionDescription, error)
	// CreateAnswer creates an answer and sets it as the local description.
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error

	// OnICECandidate is invoked for every gathered local candidate.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnStateChange is invoked on every connection state transition.
	OnStateChange(func(domain.ConnectionState))
	// OnTrack is invoked when a remote track arrives.
	OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))

	Close() error
}

// TransportFactory builds a fresh PeerTransport per join attempt.
type TransportFactory interface {
	NewTransport() (PeerTransport, error)
}
