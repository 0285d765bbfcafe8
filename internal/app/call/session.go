// Package call establishes a two-party call over the signaling store and
// runs live transcription alongside it.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/callscribe/internal/app/transcript"
	"github.com/dkeye/callscribe/internal/core"
	"github.com/dkeye/callscribe/internal/domain"
	"github.com/dkeye/callscribe/internal/media"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const byeTimeout = 2 * time.Second

var (
	ErrAlreadyJoined = errors.New("already joined")
	ErrNotJoined     = errors.New("not joined")
)

// Hooks are the upward notifications of a session. All are optional and
// must not block.
type Hooks struct {
	OnState       func(domain.ConnectionState)
	OnRemoteTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	OnFragment    func(domain.Fragment)
	OnError       func(error)
}

type Config struct {
	MediaKind domain.MediaKind
	Role      domain.Role

	SegmentDuration time.Duration
	// TranscribeOnConnect delays capture for transcription until the call is connected.
	TranscribeOnConnect bool
	TranscribeTimeout   time.Duration
	// DrainTimeout bounds how long Leave waits for in-flight transcriptions.
	DrainTimeout time.Duration
}

type Deps struct {
	Store       core.Store
	Transports  core.TransportFactory
	Media       core.MediaSource
	Transcriber core.Transcriber
}

// Session is one participant's seat in a room. It can join, leave and join
// again; each join runs with a fresh SessionContext.
type Session struct {
	deps  Deps
	cfg   Config
	hooks Hooks

	mu     sync.Mutex
	active *attempt
	last   *transcript.View
	lost   chan error
}

func NewSession(deps Deps, cfg Config, hooks Hooks) *Session {
	if cfg.MediaKind == "" {
		cfg.MediaKind = domain.MediaAudio
	}
	if cfg.Role == "" {
		cfg.Role = domain.RoleAuto
	}
	return &Session{
		deps:  deps,
		cfg:   cfg,
		hooks: hooks,
		lost:  make(chan error, 1),
	}
}

// attempt holds everything owned by one join.
type attempt struct {
	sc          *SessionContext
	negotiator  *Negotiator
	signals     *SignalRelay
	transcripts *transcript.Relay
	dispatcher  *transcript.Dispatcher
	chunker     *transcript.Chunker
	stream      *media.LocalStream
	opened      bool

	once sync.Once
	err  error
}

// Join resolves the room, opens local media and starts negotiating.
func (s *Session) Join(ctx context.Context, code domain.RoomCode) (SessionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return SessionInfo{}, ErrAlreadyJoined
	}

	room, created, err := s.deps.Store.ResolveRoom(ctx, code)
	if err != nil {
		if !errors.Is(err, core.ErrStore) {
			err = fmt.Errorf("%w: resolve room: %w", core.ErrStore, err)
		}
		return SessionInfo{}, err
	}
	sc := &SessionContext{
		RoomCode:    room.Code,
		RecordID:    room.RecordID,
		LocalPeerID: domain.NewPeerID(),
		MediaKind:   s.cfg.MediaKind,
		Role:        s.cfg.Role,
	}
	logger := log.With().
		Str("module", "call.session").
		Str("room", string(sc.RoomCode)).
		Str("session", string(sc.RecordID)).
		Str("peer", string(sc.LocalPeerID)).
		Logger()

	transport, err := s.deps.Transports.NewTransport()
	if err != nil {
		return SessionInfo{}, fmt.Errorf("%w: new peer connection: %w", core.ErrTransport, err)
	}

	a := &attempt{sc: sc}
	a.signals = NewSignalRelay(sc, s.deps.Store, s.reportError)
	a.negotiator = NewNegotiator(sc, transport, s.deps.Media, a.signals)
	a.dispatcher = transcript.NewDispatcher(sc.RecordID, s.deps.Transcriber, s.deps.Store, s.cfg.TranscribeTimeout)
	a.transcripts = transcript.NewRelay(sc.RecordID, s.deps.Store, s.hooks.OnFragment)
	a.negotiator.OnStateChange(func(st domain.ConnectionState) { s.onState(a, st) })
	if s.hooks.OnRemoteTrack != nil {
		a.negotiator.OnRemoteTrack(s.hooks.OnRemoteTrack)
	}

	fail := func(err error) (SessionInfo, error) {
		if terr := a.teardown(context.Background()); terr != nil {
			logger.Warn().Err(terr).Msg("teardown after failed join")
		}
		return SessionInfo{}, err
	}

	stream, err := a.negotiator.CreateLocalStream(ctx, sc.MediaKind)
	if err != nil {
		return fail(err)
	}
	a.stream = stream
	a.chunker = transcript.NewChunker(stream, a.dispatcher, transcript.ChunkerConfig{
		SegmentDuration: s.cfg.SegmentDuration,
	})

	if err := a.signals.Open(ctx, a.negotiator); err != nil {
		return fail(err)
	}
	a.opened = true
	if err := a.transcripts.Open(ctx); err != nil {
		// The call still works without a live transcript.
		logger.Warn().Err(err).Msg("transcript relay unavailable")
		s.reportError(err)
	}
	if !s.cfg.TranscribeOnConnect {
		a.chunker.Start()
	}

	if err := a.negotiator.Start(ctx); err != nil {
		return fail(err)
	}

	s.active = a
	s.last = a.transcripts.View()
	logger.Info().Str("role", string(sc.Role)).Bool("created_room", created).Msg("joined")
	return sc.Info(), nil
}

// Leave tears the current join down. Every step is attempted and the
// failures are joined. Leaving when not joined is a no-op.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	a := s.active
	s.active = nil
	s.mu.Unlock()
	if a == nil {
		return nil
	}
	ctx, cancel := s.drainContext(ctx)
	defer cancel()
	err := a.teardown(ctx)
	log.Info().Str("module", "call.session").Str("session", string(a.sc.RecordID)).Err(err).Msg("left")
	return err
}

// Lost delivers a SessionLostError when the connection ends on its own.
func (s *Session) Lost() <-chan error { return s.lost }

func (s *Session) State() domain.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return domain.StateIdle
	}
	return s.active.negotiator.State()
}

// Info returns the context of the current join.
func (s *Session) Info() (SessionInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return SessionInfo{}, false
	}
	return s.active.sc.Info(), true
}

// Transcript returns the fragments seen during the current or last join.
func (s *Session) Transcript() []domain.Fragment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	return s.last.Snapshot()
}

// SetMuted sends silence instead of captured audio, to the peer and to transcription.
func (s *Session) SetMuted(muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ErrNotJoined
	}
	s.active.stream.SetMuted(muted)
	return nil
}

func (s *Session) onState(a *attempt, st domain.ConnectionState) {
	if s.hooks.OnState != nil {
		s.hooks.OnState(st)
	}
	switch {
	case st == domain.StateConnected:
		if s.cfg.TranscribeOnConnect {
			a.chunker.Start()
		}
	case st.Terminal():
		go s.lose(a, st)
	}
}

func (s *Session) lose(a *attempt, st domain.ConnectionState) {
	s.mu.Lock()
	if s.active != a {
		s.mu.Unlock()
		return
	}
	s.active = nil
	s.mu.Unlock()

	lostErr := &core.SessionLostError{State: st}
	logger := log.With().Str("module", "call.session").Str("session", string(a.sc.RecordID)).Logger()
	logger.Warn().Err(lostErr).Msg("connection lost, tearing down")
	ctx, cancel := s.drainContext(context.Background())
	defer cancel()
	if err := a.teardown(ctx); err != nil {
		logger.Warn().Err(err).Msg("teardown after loss")
	}
	select {
	case s.lost <- lostErr:
	default:
	}
	s.reportError(lostErr)
}

func (s *Session) drainContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.DrainTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.DrainTimeout)
}

func (s *Session) reportError(err error) {
	if s.hooks.OnError != nil {
		s.hooks.OnError(err)
	}
}

// sayBye lets the remote peer and later joiners know this peer is gone.
// A store that cannot take it only slows the next join down.
func (a *attempt) sayBye(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, byeTimeout)
	defer cancel()
	if err := a.signals.Leave(ctx); err != nil {
		log.Warn().Str("module", "call.session").Str("session", string(a.sc.RecordID)).Err(err).Msg("bye not delivered")
	}
}

func (a *attempt) teardown(ctx context.Context) error {
	a.once.Do(func() {
		var errs []error
		if a.chunker != nil {
			a.chunker.Stop()
		}
		if a.opened {
			a.sayBye(ctx)
		}
		if a.negotiator != nil {
			if err := a.negotiator.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%w: close peer connection: %w", core.ErrTransport, err))
			}
		}
		if a.signals != nil {
			a.signals.Close()
		}
		if a.transcripts != nil {
			a.transcripts.Close()
		}
		if a.stream != nil {
			a.stream.Stop()
		}
		if a.dispatcher != nil {
			if err := a.dispatcher.Wait(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		a.err = errors.Join(errs...)
	})
	return a.err
}
