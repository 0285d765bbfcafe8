// Package playback consumes the remote peer's media on headless peers.
package playback

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type rtpReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type rtpWriter interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

// Recorder writes the remote audio into an Ogg file and drains every other
// remote track. With an empty path all tracks are only drained.
type Recorder struct {
	path   string
	logger zerolog.Logger

	mu        sync.Mutex
	recording bool
	writers   []rtpWriter
	wg        sync.WaitGroup

	audioPackets atomic.Uint64
	videoPackets atomic.Uint64
}

func NewRecorder(path string) *Recorder {
	return &Recorder{
		path:   path,
		logger: log.With().Str("module", "adapters.playback").Logger(),
	}
}

// HandleTrack is the session's remote track hook.
func (r *Recorder) HandleTrack(track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
	logger := r.logger.With().
		Str("kind", track.Kind().String()).
		Str("codec", track.Codec().MimeType).
		Uint32("ssrc", uint32(track.SSRC())).
		Logger()
	logger.Info().Msg("remote track")

	if recv != nil {
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := recv.Read(buf); err != nil {
					return
				}
			}
		}()
	}

	var w rtpWriter
	if track.Kind() == webrtc.RTPCodecTypeAudio {
		w = r.openAudioWriter(track.Codec().Channels, &logger)
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop(track.Kind(), track, w, &logger)
	}()
}

func (r *Recorder) openAudioWriter(channels uint16, logger *zerolog.Logger) rtpWriter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.path == "" || r.recording {
		return nil
	}
	if channels == 0 {
		channels = 2
	}
	w, err := oggwriter.New(r.path, 48000, channels)
	if err != nil {
		logger.Error().Err(err).Str("path", r.path).Msg("open recording, draining instead")
		return nil
	}
	r.recording = true
	r.writers = append(r.writers, w)
	logger.Info().Str("path", r.path).Msg("recording remote audio")
	return w
}

func (r *Recorder) loop(kind webrtc.RTPCodecType, src rtpReader, w rtpWriter, logger *zerolog.Logger) {
	counter := &r.videoPackets
	if kind == webrtc.RTPCodecTypeAudio {
		counter = &r.audioPackets
	}
	for {
		pkt, _, err := src.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug().Err(err).Msg("remote track ended")
			}
			return
		}
		counter.Add(1)
		if w == nil {
			continue
		}
		if err := w.WriteRTP(pkt); err != nil {
			logger.Error().Err(err).Msg("recording write failed, draining instead")
			w = nil
		}
	}
}

// Packets reports how many remote RTP packets arrived per kind.
func (r *Recorder) Packets() (audio, video uint64) {
	return r.audioPackets.Load(), r.videoPackets.Load()
}

// Close waits for the track loops to end and finalizes the recording. The
// loops end when the peer connection closes.
func (r *Recorder) Close() error {
	r.wg.Wait()
	r.mu.Lock()
	writers := r.writers
	r.writers = nil
	r.mu.Unlock()

	var errs []error
	for _, w := range writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	audio, video := r.Packets()
	r.logger.Info().Uint64("audio_packets", audio).Uint64("video_packets", video).Msg("recorder closed")
	return errors.Join(errs...)
}
