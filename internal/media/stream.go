// Package media holds the local capture stream shared by the peer connection
// and the transcription chunker.
package media

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/callscribe/internal/domain"
	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// OpusSilence is a single 20ms Opus frame of silence.
var OpusSilence = []byte{0xf8, 0xff, 0xfe}

// Source yields encoded samples in capture order. ReadSample blocks until a
// sample is ready and returns io.EOF once the source is closed.
type Source interface {
	ReadSample() (pmedia.Sample, error)
	Close() error
}

// LocalStream owns the local tracks. Tracks are only stopped by Stop.
type LocalStream struct {
	kind  domain.MediaKind
	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample

	audioSrc Source
	videoSrc Source

	sinks  *Fanout
	muted  atomic.Bool
	logger zerolog.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

// NewLocalStream creates the tracks for kind and starts pumping samples from
// the sources. videoSrc may be nil, in which case the video track stays silent.
func NewLocalStream(kind domain.MediaKind, streamID string, audioSrc, videoSrc Source) (*LocalStream, error) {
	if audioSrc == nil {
		return nil, errors.New("audio source required")
	}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		return nil, err
	}
	s := &LocalStream{
		kind:     kind,
		audio:    audio,
		audioSrc: audioSrc,
		videoSrc: videoSrc,
		sinks:    NewFanout(),
		done:     make(chan struct{}),
		logger:   log.With().Str("module", "media.stream").Str("stream", streamID).Logger(),
	}
	if kind.HasVideo() {
		s.video, err = webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
		if err != nil {
			return nil, err
		}
	}

	s.wg.Add(1)
	go s.pumpAudio()
	if s.video != nil && videoSrc != nil {
		s.wg.Add(1)
		go s.pumpVideo()
	}
	s.logger.Info().Str("kind", string(kind)).Msg("local stream started")
	return s, nil
}

func (s *LocalStream) Kind() domain.MediaKind { return s.kind }

// Tracks returns the tracks to attach to a peer connection.
func (s *LocalStream) Tracks() []webrtc.TrackLocal {
	out := []webrtc.TrackLocal{s.audio}
	if s.video != nil {
		out = append(out, s.video)
	}
	return out
}

func (s *LocalStream) HasVideo() bool { return s.video != nil }

// Subscribe attaches a sink to the audio samples. It does not take exclusive
// ownership of the capture.
func (s *LocalStream) Subscribe(sink Sink) (unsubscribe func()) {
	return s.sinks.Attach(sink)
}

// SetMuted replaces captured audio with silence while keeping the track live.
func (s *LocalStream) SetMuted(muted bool) {
	if s.muted.Swap(muted) != muted {
		s.logger.Info().Bool("muted", muted).Msg("mute toggled")
	}
}

func (s *LocalStream) Muted() bool { return s.muted.Load() }

// Done is closed once the stream has stopped.
func (s *LocalStream) Done() <-chan struct{} { return s.done }

// Stop closes the sources and waits for the pumps. Safe to call twice.
func (s *LocalStream) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if err := s.audioSrc.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("audio source close")
		}
		if s.videoSrc != nil {
			if err := s.videoSrc.Close(); err != nil {
				s.logger.Warn().Err(err).Msg("video source close")
			}
		}
		s.wg.Wait()
		s.sinks.RemoveAll()
		s.logger.Info().Msg("local stream stopped")
	})
}

func (s *LocalStream) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *LocalStream) pumpAudio() {
	defer s.wg.Done()
	for {
		sample, err := s.audioSrc.ReadSample()
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.stopped() {
				s.logger.Error().Err(err).Msg("audio source read")
			}
			return
		}
		if s.muted.Load() {
			sample = silenceLike(sample)
		}
		if err := s.audio.WriteSample(sample); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			s.logger.Debug().Err(err).Msg("audio track write")
		}
		s.sinks.Forward(sample, &s.logger)
	}
}

func (s *LocalStream) pumpVideo() {
	defer s.wg.Done()
	for {
		sample, err := s.videoSrc.ReadSample()
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.stopped() {
				s.logger.Error().Err(err).Msg("video source read")
			}
			return
		}
		if err := s.video.WriteSample(sample); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			s.logger.Debug().Err(err).Msg("video track write")
		}
	}
}

func silenceLike(s pmedia.Sample) pmedia.Sample {
	d := s.Duration
	if d <= 0 {
		d = 20 * time.Millisecond
	}
	return pmedia.Sample{Data: OpusSilence, Duration: d, Timestamp: s.Timestamp}
}
