package media

import (
	"sync/atomic"

	pmedia "github.com/pion/webrtc/v4/pkg/media"
)

// Sink consumes local samples alongside the peer connection.
type Sink interface {
	WriteSample(pmedia.Sample) error
}

type SinkState int32

const (
	SinkStateActive SinkState = iota
	SinkStateRemoved
)

// subscription is a single sink attached to a fanout.
type subscription struct {
	sink  Sink
	state atomic.Int32 // zero is SinkStateActive
}

func (s *subscription) State() SinkState { return SinkState(s.state.Load()) }

func (s *subscription) MarkRemoved() { s.state.Store(int32(SinkStateRemoved)) }
