package capture

import (
	"bytes"
	"io"
	"sync"
	"sync/atomic"
	"time"

	pmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

const (
	opusClockRate = 48000
	opusFrame     = 20 * time.Millisecond
	videoFrame    = time.Second / 30
)

// oggSource yields one Opus packet per Ogg page. ffmpeg is asked for 20ms
// pages, so a page never carries more than one packet.
type oggSource struct {
	rc io.ReadCloser

	once    sync.Once
	reader  *oggreader.OggReader
	openErr error
	granule uint64
	closed  atomic.Bool
}

func newOggSource(rc io.ReadCloser) *oggSource {
	return &oggSource{rc: rc}
}

func (s *oggSource) ReadSample() (pmedia.Sample, error) {
	s.once.Do(func() {
		s.reader, _, s.openErr = oggreader.NewWith(s.rc)
	})
	if s.openErr != nil {
		return pmedia.Sample{}, s.endErr(s.openErr)
	}
	for {
		payload, hdr, err := s.reader.ParseNextPage()
		if err != nil {
			return pmedia.Sample{}, s.endErr(err)
		}
		if bytes.HasPrefix(payload, []byte("OpusTags")) || bytes.HasPrefix(payload, []byte("OpusHead")) {
			continue
		}
		if len(payload) == 0 {
			continue
		}
		return pmedia.Sample{Data: payload, Duration: s.pageDuration(hdr.GranulePosition)}, nil
	}
}

// pageDuration derives the frame length from the granule advance. The first
// page's granule includes the encoder pre-skip, so it falls back to 20ms.
func (s *oggSource) pageDuration(granule uint64) time.Duration {
	prev := s.granule
	s.granule = granule
	if prev == 0 || granule <= prev {
		return opusFrame
	}
	d := time.Duration(granule-prev) * time.Second / opusClockRate
	if d > 120*time.Millisecond {
		return opusFrame
	}
	return d
}

func (s *oggSource) endErr(err error) error {
	if s.closed.Load() {
		return io.EOF
	}
	return err
}

func (s *oggSource) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.rc.Close()
}

// ivfSource yields VP8 frames from an IVF stream.
type ivfSource struct {
	rc io.ReadCloser

	once     sync.Once
	reader   *ivfreader.IVFReader
	header   *ivfreader.IVFFileHeader
	openErr  error
	lastPTS  uint64
	haveLast bool
	closed   atomic.Bool
}

func newIVFSource(rc io.ReadCloser) *ivfSource {
	return &ivfSource{rc: rc}
}

func (s *ivfSource) ReadSample() (pmedia.Sample, error) {
	s.once.Do(func() {
		s.reader, s.header, s.openErr = ivfreader.NewWith(s.rc)
	})
	if s.openErr != nil {
		return pmedia.Sample{}, s.endErr(s.openErr)
	}
	frame, hdr, err := s.reader.ParseNextFrame()
	if err != nil {
		return pmedia.Sample{}, s.endErr(err)
	}
	return pmedia.Sample{Data: frame, Duration: s.frameDuration(hdr.Timestamp)}, nil
}

func (s *ivfSource) frameDuration(ts uint64) time.Duration {
	num, den := uint64(s.header.TimebaseNumerator), uint64(s.header.TimebaseDenominator)
	if num == 0 || den == 0 {
		return videoFrame
	}
	// ParseNextFrame reports pts*den/num; undo that before applying the timebase.
	pts := ts * num / den
	prev, ok := s.lastPTS, s.haveLast
	s.lastPTS, s.haveLast = pts, true
	if !ok || pts <= prev {
		return videoFrame
	}
	return time.Duration(pts-prev) * time.Second * time.Duration(num) / time.Duration(den)
}

func (s *ivfSource) endErr(err error) error {
	if s.closed.Load() {
		return io.EOF
	}
	return err
}

func (s *ivfSource) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.rc.Close()
}
