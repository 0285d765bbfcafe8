// Package transcript cuts local audio into segments, sends them for
// transcription and relays the resulting fragments.
package transcript

import (
	"bytes"
	"sync"
	"time"

	"github.com/dkeye/callscribe/internal/domain"
	"github.com/dkeye/callscribe/internal/media"
	"github.com/pion/rtp"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultSegmentDuration = 5 * time.Second

	opusClockRate   = 48000
	opusPayloadType = 111
)

// SampleStream is the shared local capture the chunker listens to.
type SampleStream interface {
	Subscribe(sink media.Sink) (unsubscribe func())
}

// SegmentDispatcher takes closed segments. Dispatch must not block.
type SegmentDispatcher interface {
	Dispatch(seg domain.AudioSegment)
}

type ChunkerConfig struct {
	SegmentDuration time.Duration
	// Ticks replaces the boundary timer when set.
	Ticks <-chan time.Time
	Now   func() time.Time
}

// Chunker records the local audio into back-to-back Ogg/Opus units and
// hands each closed unit to the dispatcher. Boundaries swap units under the
// same lock that sample writes take, so every sample lands in exactly one unit.
type Chunker struct {
	cfg    ChunkerConfig
	stream SampleStream
	out    SegmentDispatcher
	logger zerolog.Logger

	mu          sync.Mutex
	unit        *captureUnit
	seq         int
	offset      time.Duration
	started     bool
	stopped     bool
	unsubscribe func()

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewChunker(stream SampleStream, out SegmentDispatcher, cfg ChunkerConfig) *Chunker {
	if cfg.SegmentDuration <= 0 {
		cfg.SegmentDuration = DefaultSegmentDuration
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Chunker{
		cfg:    cfg,
		stream: stream,
		out:    out,
		logger: log.With().Str("module", "transcript.chunker").Logger(),
		stop:   make(chan struct{}),
	}
}

// Start begins capturing. Calling it twice, or after Stop, does nothing.
func (c *Chunker) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.stopped {
		return
	}
	c.started = true
	c.unit = c.newUnitLocked()
	c.unsubscribe = c.stream.Subscribe(c)

	ticks := c.cfg.Ticks
	var ticker *time.Ticker
	if ticks == nil {
		ticker = time.NewTicker(c.cfg.SegmentDuration)
		ticks = ticker.C
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if ticker != nil {
			defer ticker.Stop()
		}
		for {
			select {
			case <-c.stop:
				return
			case <-ticks:
				c.rotate(false)
			}
		}
	}()
	c.logger.Info().Dur("segment", c.cfg.SegmentDuration).Msg("chunker started")
}

// Stop cancels the boundary timer, detaches from the stream and flushes the
// unit in progress. Safe to call when never started and safe to call twice.
func (c *Chunker) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	started := c.started
	unsubscribe := c.unsubscribe
	c.mu.Unlock()

	if !started {
		return
	}
	close(c.stop)
	c.wg.Wait()
	if unsubscribe != nil {
		unsubscribe()
	}
	c.rotate(true)
	c.logger.Info().Int("segments", c.Segments()).Msg("chunker stopped")
}

// Segments reports how many non-empty segments were handed off.
func (c *Chunker) Segments() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// WriteSample appends one local audio sample to the current unit.
func (c *Chunker) WriteSample(s pmedia.Sample) error {
	if len(s.Data) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unit == nil {
		return nil
	}
	if err := c.unit.write(s); err != nil {
		c.logger.Warn().Err(err).Msg("sample dropped")
	}
	return nil
}

func (c *Chunker) rotate(final bool) {
	c.mu.Lock()
	closed := c.unit
	if final {
		c.unit = nil
	} else {
		c.unit = c.newUnitLocked()
	}
	var (
		seg  domain.AudioSegment
		emit bool
	)
	if closed != nil && closed.frames > 0 {
		seg = closed.segment(c.seq, c.offset)
		c.seq++
		c.offset += closed.duration
		emit = true
	}
	c.mu.Unlock()

	if !emit {
		if closed != nil {
			c.logger.Debug().Msg("empty unit discarded")
		}
		return
	}
	c.logger.Debug().
		Int("seq", seg.Seq).
		Dur("offset", seg.Offset).
		Dur("duration", seg.Duration).
		Int("frames", seg.Frames).
		Msg("segment closed")
	c.out.Dispatch(seg)
}

func (c *Chunker) newUnitLocked() *captureUnit {
	u, err := newCaptureUnit(c.cfg.Now())
	if err != nil {
		c.logger.Error().Err(err).Msg("open capture unit")
		return nil
	}
	return u
}

// captureUnit is one in-memory Ogg/Opus file.
type captureUnit struct {
	buf       bytes.Buffer
	writer    *oggwriter.OggWriter
	startedAt time.Time
	duration  time.Duration
	frames    int
	seqNum    uint16
	timestamp uint32
}

func newCaptureUnit(now time.Time) (*captureUnit, error) {
	u := &captureUnit{startedAt: now}
	w, err := oggwriter.NewWith(&u.buf, opusClockRate, 1)
	if err != nil {
		return nil, err
	}
	u.writer = w
	return u, nil
}

func (u *captureUnit) write(s pmedia.Sample) error {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    opusPayloadType,
			SequenceNumber: u.seqNum,
			Timestamp:      u.timestamp,
			SSRC:           1,
		},
		Payload: s.Data,
	}
	if err := u.writer.WriteRTP(pkt); err != nil {
		return err
	}
	u.seqNum++
	u.timestamp += uint32(s.Duration * opusClockRate / time.Second)
	u.frames++
	u.duration += s.Duration
	return nil
}

func (u *captureUnit) segment(seq int, offset time.Duration) domain.AudioSegment {
	_ = u.writer.Close()
	return domain.AudioSegment{
		Seq:       seq,
		StartedAt: u.startedAt,
		Offset:    offset,
		Duration:  u.duration,
		Frames:    u.frames,
		Data:      bytes.Clone(u.buf.Bytes()),
	}
}
