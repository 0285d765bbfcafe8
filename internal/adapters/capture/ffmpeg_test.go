package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/callscribe/internal/core"
	"github.com/dkeye/callscribe/internal/domain"
	"github.com/dkeye/callscribe/internal/media"
	"github.com/pion/rtp"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

func oggStream(t *testing.T, frames int) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := oggwriter.NewWith(&buf, opusClockRate, 1)
	if err != nil {
		t.Fatalf("ogg writer: %v", err)
	}
	for i := range frames {
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    111,
				SequenceNumber: uint16(i),
				Timestamp:      uint32(i * 960),
				SSRC:           7,
			},
			Payload: media.OpusSilence,
		}
		if err := w.WriteRTP(pkt); err != nil {
			t.Fatalf("write rtp: %v", err)
		}
	}
	return buf.Bytes()
}

func ivfStream(frames int) []byte {
	return ivfStreamAt(frames, 30, 1)
}

// ivfStreamAt writes frames with consecutive pts in a rate/scale timebase.
func ivfStreamAt(frames int, rate, scale uint32) []byte {
	var buf bytes.Buffer
	hdr := make([]byte, 32)
	copy(hdr[0:4], "DKIF")
	binary.LittleEndian.PutUint16(hdr[6:8], 32)
	copy(hdr[8:12], "VP80")
	binary.LittleEndian.PutUint16(hdr[12:14], 640)
	binary.LittleEndian.PutUint16(hdr[14:16], 480)
	binary.LittleEndian.PutUint32(hdr[16:20], rate)
	binary.LittleEndian.PutUint32(hdr[20:24], scale)
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(frames))
	buf.Write(hdr)
	for i := range frames {
		payload := []byte{0x10, 0x02, 0x00, byte(i)}
		fh := make([]byte, 12)
		binary.LittleEndian.PutUint32(fh[0:4], uint32(len(payload)))
		binary.LittleEndian.PutUint64(fh[4:12], uint64(i))
		buf.Write(fh)
		buf.Write(payload)
	}
	return buf.Bytes()
}

func TestOggSourceYieldsOnePacketPerPage(t *testing.T) {
	t.Parallel()

	src := newOggSource(io.NopCloser(bytes.NewReader(oggStream(t, 5))))
	for i := range 5 {
		s, err := src.ReadSample()
		if err != nil {
			t.Fatalf("sample %d: %v", i, err)
		}
		if !bytes.Equal(s.Data, media.OpusSilence) {
			t.Fatalf("sample %d data = %x", i, s.Data)
		}
		if s.Duration != 20*time.Millisecond {
			t.Fatalf("sample %d duration = %v", i, s.Duration)
		}
	}
	if _, err := src.ReadSample(); !errors.Is(err, io.EOF) {
		t.Fatalf("end err = %v, want EOF", err)
	}
}

func TestOggSourceReportsEOFAfterClose(t *testing.T) {
	t.Parallel()

	src := newOggSource(io.NopCloser(bytes.NewReader([]byte("not an ogg stream"))))
	if err := src.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := src.ReadSample(); !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want EOF", err)
	}
}

func TestIVFSourceUsesTimebase(t *testing.T) {
	t.Parallel()

	src := newIVFSource(io.NopCloser(bytes.NewReader(ivfStream(3))))
	for i := range 3 {
		s, err := src.ReadSample()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if len(s.Data) != 4 || s.Data[3] != byte(i) {
			t.Fatalf("frame %d data = %x", i, s.Data)
		}
		if s.Duration != time.Second/30 {
			t.Fatalf("frame %d duration = %v", i, s.Duration)
		}
	}
	if _, err := src.ReadSample(); err == nil {
		t.Fatal("expected end of stream")
	}
}

func TestIVFSourceFollowsSlowTimebase(t *testing.T) {
	t.Parallel()

	src := newIVFSource(io.NopCloser(bytes.NewReader(ivfStreamAt(3, 15, 1))))
	want := []time.Duration{videoFrame, time.Second / 15, time.Second / 15}
	for i, w := range want {
		s, err := src.ReadSample()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if s.Duration != w {
			t.Fatalf("frame %d duration = %v, want %v", i, s.Duration, w)
		}
	}
}

type collectSink struct {
	mu      sync.Mutex
	samples []pmedia.Sample
}

func (c *collectSink) WriteSample(s pmedia.Sample) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, s)
	return nil
}

func (c *collectSink) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

func TestFFMPEGSourceStreamsCapturedAudio(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	capture := filepath.Join(dir, "capture.ogg")
	if err := os.WriteFile(capture, oggStream(t, 10), 0o600); err != nil {
		t.Fatal(err)
	}
	script := writeScript(t, "ffmpeg.sh", "#!/usr/bin/env bash\nsleep 1\ncat '"+capture+"'\nsleep 5\n")

	src := NewFFMPEGSource(Config{Command: script})
	stream, err := src.Open(context.Background(), domain.MediaAudio)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Stop()

	sink := &collectSink{}
	stream.Subscribe(sink)
	deadline := time.Now().Add(5 * time.Second)
	for sink.len() < 10 {
		if time.Now().After(deadline) {
			t.Fatalf("received %d samples, want 10", sink.len())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(stream.Tracks()) != 1 {
		t.Fatalf("tracks = %d", len(stream.Tracks()))
	}
}

func TestFFMPEGSourceEarlyExitIsMediaAccessError(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "fail.sh", "#!/usr/bin/env bash\necho 'pulse: no such device' 1>&2\nexit 1\n")
	_, err := NewFFMPEGSource(Config{Command: script}).Open(context.Background(), domain.MediaAudioVideo)
	if !errors.Is(err, core.ErrMediaAccess) {
		t.Fatalf("err = %v, want media access error", err)
	}
}

func TestFFMPEGSourceMissingBinary(t *testing.T) {
	t.Parallel()

	_, err := NewFFMPEGSource(Config{Command: filepath.Join(t.TempDir(), "missing")}).Open(context.Background(), domain.MediaAudio)
	if !errors.Is(err, core.ErrMediaAccess) {
		t.Fatalf("err = %v, want media access error", err)
	}
}

func TestNormalizeStopErrIgnoresExitError(t *testing.T) {
	t.Parallel()

	err := exec.Command("bash", "-c", "exit 1").Run()
	if err == nil {
		t.Fatal("expected command to fail")
	}
	if got := normalizeStopErr(err); got != nil {
		t.Fatalf("got %v, want nil", got)
	}
}

func writeScript(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o700); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}
