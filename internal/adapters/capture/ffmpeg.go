// Package capture opens local microphone and camera devices through ffmpeg.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/callscribe/internal/core"
	"github.com/dkeye/callscribe/internal/domain"
	"github.com/dkeye/callscribe/internal/media"
	"github.com/rs/zerolog/log"
)

const (
	startupGrace = 250 * time.Millisecond
	stopGrace    = 1200 * time.Millisecond
)

type Config struct {
	Command     string
	AudioFormat string
	AudioDevice string
	VideoFormat string
	VideoDevice string
	StreamID    string
}

// FFMPEGSource captures Opus audio as an Ogg stream and VP8 video as an IVF
// stream from ffmpeg's stdout.
type FFMPEGSource struct {
	cfg Config
}

var _ core.MediaSource = (*FFMPEGSource)(nil)

func NewFFMPEGSource(cfg Config) *FFMPEGSource {
	if cfg.Command == "" {
		cfg.Command = "ffmpeg"
	}
	if cfg.AudioFormat == "" {
		cfg.AudioFormat = "pulse"
	}
	if cfg.AudioDevice == "" {
		cfg.AudioDevice = "default"
	}
	if cfg.VideoFormat == "" {
		cfg.VideoFormat = "v4l2"
	}
	if cfg.VideoDevice == "" {
		cfg.VideoDevice = "/dev/video0"
	}
	if cfg.StreamID == "" {
		cfg.StreamID = "callscribe"
	}
	return &FFMPEGSource{cfg: cfg}
}

func (s *FFMPEGSource) Open(ctx context.Context, kind domain.MediaKind) (*media.LocalStream, error) {
	audioProc, err := startProcess(ctx, s.cfg.Command, s.audioArgs())
	if err != nil {
		return nil, fmt.Errorf("%w: microphone: %w", core.ErrMediaAccess, err)
	}
	audio := newOggSource(audioProc)

	var video media.Source
	if kind.HasVideo() {
		videoProc, err := startProcess(ctx, s.cfg.Command, s.videoArgs())
		if err != nil {
			_ = audio.Close()
			return nil, fmt.Errorf("%w: camera: %w", core.ErrMediaAccess, err)
		}
		video = newIVFSource(videoProc)
	}

	stream, err := media.NewLocalStream(kind, s.cfg.StreamID, audio, video)
	if err != nil {
		_ = audio.Close()
		if video != nil {
			_ = video.Close()
		}
		return nil, fmt.Errorf("%w: %w", core.ErrMediaAccess, err)
	}
	log.Info().
		Str("module", "adapters.capture").
		Str("kind", string(kind)).
		Str("audio", s.cfg.AudioFormat+":"+s.cfg.AudioDevice).
		Msg("capture opened")
	return stream, nil
}

func (s *FFMPEGSource) audioArgs() []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", s.cfg.AudioFormat,
		"-i", s.cfg.AudioDevice,
		"-ac", "1",
		"-ar", "48000",
		"-c:a", "libopus",
		"-application", "voip",
		"-frame_duration", "20",
		"-page_duration", "20000",
		"-f", "ogg",
		"pipe:1",
	}
}

func (s *FFMPEGSource) videoArgs() []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", s.cfg.VideoFormat,
		"-i", s.cfg.VideoDevice,
		"-an",
		"-c:v", "libvpx",
		"-deadline", "realtime",
		"-cpu-used", "8",
		"-b:v", "1M",
		"-g", "30",
		"-f", "ivf",
		"pipe:1",
	}
}

// process is a running ffmpeg whose stdout carries the encoded stream.
type process struct {
	stdout  io.ReadCloser
	stderr  *bytes.Buffer
	proc    *os.Process
	waitErr <-chan error

	stopOnce sync.Once
	stopErr  error
}

// startProcess runs command and fails if it exits within the startup grace
// period. The process outlives ctx; only Close stops it.
func startProcess(ctx context.Context, command string, args []string) (*process, error) {
	cmd := exec.Command(command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	p := &process{stdout: stdout, stderr: &stderr, proc: cmd.Process, waitErr: waitErr}
	select {
	case err := <-waitErr:
		if err != nil {
			return nil, fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return nil, errors.New("ffmpeg exited before capture started")
	case <-ctx.Done():
		_ = p.Close()
		return nil, ctx.Err()
	case <-time.After(startupGrace):
	}
	return p, nil
}

func (p *process) Read(b []byte) (int, error) { return p.stdout.Read(b) }

// Close interrupts ffmpeg and kills it if it does not exit in time.
func (p *process) Close() error {
	p.stopOnce.Do(func() {
		_ = p.proc.Signal(os.Interrupt)

		select {
		case err, ok := <-p.waitErr:
			if ok {
				p.stopErr = normalizeStopErr(err)
			}
		case <-time.After(stopGrace):
			_ = p.proc.Kill()
			if err, ok := <-p.waitErr; ok {
				p.stopErr = normalizeStopErr(err)
			}
		}

		if err := p.stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) && p.stopErr == nil {
			p.stopErr = err
		}
		if p.stopErr != nil && p.stderr.Len() > 0 {
			p.stopErr = fmt.Errorf("%w: %s", p.stopErr, strings.TrimSpace(p.stderr.String()))
		}
	})
	return p.stopErr
}

// normalizeStopErr treats a non-zero exit after an interrupt as a clean stop.
func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
