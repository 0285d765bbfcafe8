package media

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/dkeye/callscribe/internal/domain"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
)

const silenceFrame = 20 * time.Millisecond

// SilenceSource emits one Opus silence frame every 20ms.
type SilenceSource struct {
	ticker *time.Ticker
	once   sync.Once
	done   chan struct{}
}

func NewSilenceSource() *SilenceSource {
	return &SilenceSource{
		ticker: time.NewTicker(silenceFrame),
		done:   make(chan struct{}),
	}
}

func (s *SilenceSource) ReadSample() (pmedia.Sample, error) {
	select {
	case <-s.done:
		return pmedia.Sample{}, io.EOF
	case <-s.ticker.C:
		return pmedia.Sample{Data: OpusSilence, Duration: silenceFrame}, nil
	}
}

func (s *SilenceSource) Close() error {
	s.once.Do(func() {
		s.ticker.Stop()
		close(s.done)
	})
	return nil
}

// SilenceMediaSource opens synthetic streams for headless peers.
// Video tracks are negotiated but carry no frames.
type SilenceMediaSource struct {
	StreamID string
}

func (m SilenceMediaSource) Open(_ context.Context, kind domain.MediaKind) (*LocalStream, error) {
	id := m.StreamID
	if id == "" {
		id = "callscribe"
	}
	return NewLocalStream(kind, id, NewSilenceSource(), nil)
}
