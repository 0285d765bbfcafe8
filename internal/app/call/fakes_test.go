package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/callscribe/internal/core"
	"github.com/dkeye/callscribe/internal/domain"
	"github.com/dkeye/callscribe/internal/media"
	"github.com/dkeye/callscribe/internal/store/memory"
	"github.com/pion/webrtc/v4"
)

func testSDP(sessionID int) string {
	return fmt.Sprintf("v=0\r\n"+
		"o=- %d 2 IN IP4 127.0.0.1\r\n"+
		"s=-\r\n"+
		"t=0 0\r\n"+
		"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n"+
		"c=IN IP4 0.0.0.0\r\n"+
		"a=rtpmap:111 opus/48000/2\r\n", sessionID)
}

func descPayload(t *testing.T, typ webrtc.SDPType, sessionID int) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(webrtc.SessionDescription{Type: typ, SDP: testSDP(sessionID)})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func candPayload(t *testing.T, cand string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(webrtc.ICECandidateInit{Candidate: cand})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

// fakeTransport records calls and lets tests drive callbacks.
type fakeTransport struct {
	mu          sync.Mutex
	tracks      int
	receivers   []webrtc.RTPCodecType
	remote      []webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	offers      int
	answers     int
	closed      int
	closeErr    error
	answerErrs  []error
	gatherOnSet []webrtc.ICECandidateInit

	onICE   func(webrtc.ICECandidateInit)
	onState func(domain.ConnectionState)
	onTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

func (f *fakeTransport) AddLocalTrack(webrtc.TrackLocal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks++
	return nil
}

func (f *fakeTransport) EnsureReceiver(kind webrtc.RTPCodecType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receivers = append(f.receivers, kind)
	return nil
}

func (f *fakeTransport) gather() {
	f.mu.Lock()
	cands := f.gatherOnSet
	fn := f.onICE
	f.mu.Unlock()
	for _, c := range cands {
		fn(c)
	}
}

func (f *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	f.offers++
	sd := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP(1000 + f.offers)}
	f.mu.Unlock()
	f.gather()
	return sd, nil
}

// CreateAnswer fails with the queued answerErrs first.
func (f *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	if len(f.answerErrs) > 0 {
		err := f.answerErrs[0]
		f.answerErrs = f.answerErrs[1:]
		f.mu.Unlock()
		return webrtc.SessionDescription{}, err
	}
	f.answers++
	sd := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testSDP(2000 + f.answers)}
	f.mu.Unlock()
	f.gather()
	return sd, nil
}

func (f *fakeTransport) SetRemoteDescription(sd webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = append(f.remote, sd)
	return nil
}

func (f *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) { f.onICE = fn }
func (f *fakeTransport) OnStateChange(fn func(domain.ConnectionState))   { f.onState = fn }
func (f *fakeTransport) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	f.onTrack = fn
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return f.closeErr
}

func (f *fakeTransport) snapshot() (remote, cands int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.remote), len(f.candidates)
}

type fakeFactory struct {
	mu       sync.Mutex
	built    []*fakeTransport
	closeErr error
}

func (f *fakeFactory) NewTransport() (core.PeerTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tr := &fakeTransport{closeErr: f.closeErr}
	f.built = append(f.built, tr)
	return tr, nil
}

func (f *fakeFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.built[len(f.built)-1]
}

type published struct {
	kind    domain.SignalKind
	to      domain.PeerID
	payload any
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
}

func (p *fakePublisher) Publish(kind domain.SignalKind, to domain.PeerID, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, published{kind: kind, to: to, payload: payload})
}

// kinds lists the negotiation messages, leaving hellos out.
func (p *fakePublisher) kinds() []domain.SignalKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.SignalKind
	for _, s := range p.sent {
		if s.kind != domain.SignalHello {
			out = append(out, s.kind)
		}
	}
	return out
}

// recipients lists who each message of kind was addressed to.
func (p *fakePublisher) recipients(kind domain.SignalKind) []domain.PeerID {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.PeerID
	for _, s := range p.sent {
		if s.kind == kind {
			out = append(out, s.to)
		}
	}
	return out
}

// trackingStore counts subscriptions that are still open.
type trackingStore struct {
	*memory.Store
	open atomic.Int32
}

func (s *trackingStore) SubscribeSignals(ctx context.Context, id domain.SessionRecordID, fn func(domain.Signal)) (core.Subscription, error) {
	sub, err := s.Store.SubscribeSignals(ctx, id, fn)
	if err != nil {
		return nil, err
	}
	return s.track(sub), nil
}

func (s *trackingStore) SubscribeFragments(ctx context.Context, id domain.SessionRecordID, fn func(domain.Fragment)) (core.Subscription, error) {
	sub, err := s.Store.SubscribeFragments(ctx, id, fn)
	if err != nil {
		return nil, err
	}
	return s.track(sub), nil
}

func (s *trackingStore) track(sub core.Subscription) core.Subscription {
	s.open.Add(1)
	return &trackedSub{Subscription: sub, open: &s.open}
}

type trackedSub struct {
	core.Subscription
	open *atomic.Int32
	once sync.Once
}

func (t *trackedSub) Close() {
	t.once.Do(func() { t.open.Add(-1) })
	t.Subscription.Close()
}

// recordingMedia hands out silent streams and remembers them.
type recordingMedia struct {
	mu      sync.Mutex
	streams []*media.LocalStream
}

func (m *recordingMedia) Open(ctx context.Context, kind domain.MediaKind) (*media.LocalStream, error) {
	stream, err := media.SilenceMediaSource{}.Open(ctx, kind)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.streams = append(m.streams, stream)
	m.mu.Unlock()
	return stream, nil
}

func (m *recordingMedia) last() *media.LocalStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[len(m.streams)-1]
}

type failingMedia struct{}

func (failingMedia) Open(context.Context, domain.MediaKind) (*media.LocalStream, error) {
	return nil, errors.New("no capture device")
}

type nopTranscriber struct{}

func (nopTranscriber) Transcribe(context.Context, domain.AudioSegment) (string, error) {
	return "", nil
}

func testContext() *SessionContext {
	return &SessionContext{
		RoomCode:    "ROOM",
		RecordID:    "record-1",
		LocalPeerID: "local",
		MediaKind:   domain.MediaAudio,
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
