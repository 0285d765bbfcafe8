package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/dkeye/callscribe/internal/core"
	"github.com/dkeye/callscribe/internal/domain"
	"github.com/dkeye/callscribe/internal/media"
	"github.com/dkeye/callscribe/internal/queue"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrNegotiatorClosed = errors.New("negotiator closed")

// SignalPublisher sends local negotiation messages. An empty to addresses
// every participant. Publish must not block.
type SignalPublisher interface {
	Publish(kind domain.SignalKind, to domain.PeerID, payload any)
}

// Negotiator drives one peer connection from idle to connected.
//
// Every inbound event runs on a single event loop, so the fields below the
// marker are only touched from that goroutine. State notifications are
// delivered in order on a separate goroutine.
type Negotiator struct {
	sc        *SessionContext
	transport core.PeerTransport
	media     core.MediaSource
	publisher SignalPublisher
	logger    zerolog.Logger

	events  *queue.Queue[func()]
	notify  *queue.Queue[domain.ConnectionState]
	current atomic.Value

	hookMu  sync.RWMutex
	onState []func(domain.ConnectionState)
	onTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error

	// event loop state
	state        domain.ConnectionState
	announced    domain.Role
	role         domain.Role
	stream       *media.LocalStream
	localOffer   *webrtc.SessionDescription
	offeredTo    domain.PeerID
	localCands   []webrtc.ICECandidateInit
	remoteSDP    string
	remoteSet    bool
	answered     bool
	pendingOffer *webrtc.SessionDescription
	pendingCands []webrtc.ICECandidateInit
	greeted      map[domain.PeerID]bool
	early        []hello
}

type hello struct {
	from      domain.PeerID
	role      domain.Role
	addressed bool
}

func NewNegotiator(sc *SessionContext, transport core.PeerTransport, source core.MediaSource, pub SignalPublisher) *Negotiator {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Negotiator{
		sc:        sc,
		transport: transport,
		media:     source,
		publisher: pub,
		logger: log.With().
			Str("module", "call.negotiator").
			Str("session", string(sc.RecordID)).
			Str("peer", string(sc.LocalPeerID)).
			Logger(),
		events:  queue.New[func()](),
		notify:  queue.New[domain.ConnectionState](),
		ctx:     ctx,
		cancel:  cancel,
		state:   domain.StateIdle,
		greeted: make(map[domain.PeerID]bool),
	}
	n.current.Store(domain.StateIdle)

	transport.OnICECandidate(n.onLocalCandidate)
	transport.OnStateChange(n.onTransportState)
	transport.OnTrack(n.onRemoteTrack)

	go n.events.Run(ctx, func(fn func()) { fn() })
	go n.notify.Run(ctx, n.deliverState)
	return n
}

// OnStateChange registers fn for every state transition. Register before Start.
func (n *Negotiator) OnStateChange(fn func(domain.ConnectionState)) {
	n.hookMu.Lock()
	n.onState = append(n.onState, fn)
	n.hookMu.Unlock()
}

// OnRemoteTrack registers fn for remote tracks. fn must not block.
func (n *Negotiator) OnRemoteTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	n.hookMu.Lock()
	n.onTrack = fn
	n.hookMu.Unlock()
}

func (n *Negotiator) State() domain.ConnectionState {
	return n.current.Load().(domain.ConnectionState)
}

// CreateLocalStream opens local capture and attaches its tracks to the connection.
func (n *Negotiator) CreateLocalStream(ctx context.Context, kind domain.MediaKind) (*media.LocalStream, error) {
	stream, err := n.media.Open(ctx, kind)
	if err != nil {
		if !errors.Is(err, core.ErrMediaAccess) {
			err = fmt.Errorf("%w: %w", core.ErrMediaAccess, err)
		}
		return nil, err
	}
	err = n.do(ctx, func() error {
		if n.stream != nil {
			return errors.New("local stream already attached")
		}
		for _, track := range stream.Tracks() {
			if err := n.transport.AddLocalTrack(track); err != nil {
				return fmt.Errorf("%w: add %s track: %w", core.ErrTransport, track.Kind(), err)
			}
		}
		n.stream = stream
		return nil
	})
	if err != nil {
		stream.Stop()
		return nil, err
	}
	n.logger.Info().Str("kind", string(kind)).Msg("local stream attached")
	return stream, nil
}

// Start begins negotiation in the role configured on the session context.
func (n *Negotiator) Start(ctx context.Context) error {
	switch n.sc.Role {
	case domain.RoleInitiator:
		return n.StartAsInitiator(ctx)
	case domain.RoleResponder:
		return n.StartAsResponder(ctx)
	}
	return n.StartAuto(ctx)
}

// StartAsInitiator creates the offer and publishes it.
func (n *Negotiator) StartAsInitiator(ctx context.Context) error {
	return n.do(ctx, func() error {
		if n.state != domain.StateIdle {
			return fmt.Errorf("%w: start from %s", core.ErrNegotiation, n.state)
		}
		n.setRole(domain.RoleInitiator)
		n.announce(domain.RoleInitiator)
		if err := n.offer(); err != nil {
			return err
		}
		n.setState(domain.StateConnecting)
		n.replayEarly()
		return nil
	})
}

// StartAsResponder waits for the remote offer. An offer that arrived while
// idle is applied right away.
func (n *Negotiator) StartAsResponder(ctx context.Context) error {
	return n.do(ctx, func() error {
		if n.state != domain.StateIdle {
			return fmt.Errorf("%w: start from %s", core.ErrNegotiation, n.state)
		}
		n.setRole(domain.RoleResponder)
		n.announce(domain.RoleResponder)
		n.setState(domain.StateConnecting)
		n.logger.Info().Msg("waiting for offer")
		n.applyPending()
		n.replayEarly()
		return nil
	})
}

// StartAuto announces the local peer and settles the role once another
// participant answers the announcement. A remote offer settles it too.
func (n *Negotiator) StartAuto(ctx context.Context) error {
	return n.do(ctx, func() error {
		if n.state != domain.StateIdle {
			return fmt.Errorf("%w: start from %s", core.ErrNegotiation, n.state)
		}
		n.role = domain.RoleAuto
		n.announce(domain.RoleAuto)
		n.setState(domain.StateConnecting)
		n.logger.Info().Msg("waiting for remote peer")
		if n.pendingOffer != nil {
			n.setRole(domain.RoleResponder)
			n.applyPending()
		}
		n.replayEarly()
		return nil
	})
}

// RemoteHello handles another participant's announcement. addressed is set
// when the hello answers one of ours, which proves the sender is live.
func (n *Negotiator) RemoteHello(ctx context.Context, from domain.PeerID, payload json.RawMessage, addressed bool) error {
	var h domain.Hello
	if err := json.Unmarshal(payload, &h); err != nil {
		return fmt.Errorf("%w: decode hello: %w", core.ErrNegotiation, err)
	}
	ev := hello{from: from, role: h.Role, addressed: addressed}
	return n.do(ctx, func() error {
		if n.state == domain.StateIdle {
			n.early = append(n.early, ev)
			return nil
		}
		n.onHello(ev)
		return nil
	})
}

// RemoteBye handles a participant leaving. Losing the peer this connection
// negotiates with ends the attempt; otherwise its latch is released.
func (n *Negotiator) RemoteBye(ctx context.Context, from domain.PeerID) error {
	return n.do(ctx, func() error {
		n.early = slices.DeleteFunc(n.early, func(h hello) bool { return h.from == from })
		if from != n.sc.RemotePeer() || n.state.Terminal() {
			return nil
		}
		if n.remoteSet || (n.localOffer != nil && n.offeredTo == from) {
			n.logger.Info().Str("remote", string(from)).Msg("remote peer left")
			if n.state != domain.StateIdle {
				n.setState(domain.StateDisconnected)
			}
			return nil
		}
		if !n.sc.ReleaseRemote(from) {
			return nil
		}
		n.pendingOffer = nil
		n.pendingCands = nil
		if n.announced == domain.RoleAuto && n.localOffer == nil {
			n.role = domain.RoleAuto
			n.sc.setRole("")
		}
		n.logger.Info().Str("remote", string(from)).Msg("remote peer left before negotiating")
		return nil
	})
}

func (n *Negotiator) ApplyRemoteOffer(ctx context.Context, payload json.RawMessage) error {
	offer, err := parseDescription(payload, webrtc.SDPTypeOffer)
	if err != nil {
		return err
	}
	return n.do(ctx, func() error {
		switch {
		case n.state.Terminal():
			return fmt.Errorf("%w: offer after connection %s", core.ErrNegotiation, n.state)
		case n.role == domain.RoleInitiator:
			return fmt.Errorf("%w: offer received by initiator", core.ErrNegotiation)
		case n.state == domain.StateIdle:
			n.pendingOffer = &offer
			return nil
		case n.role == domain.RoleAuto:
			n.setRole(domain.RoleResponder)
		}
		return n.applyOffer(offer)
	})
}

func (n *Negotiator) applyOffer(offer webrtc.SessionDescription) error {
	if n.remoteSet {
		if n.remoteSDP != offer.SDP {
			return fmt.Errorf("%w: remote offer already applied", core.ErrNegotiation)
		}
		if n.answered {
			n.logger.Debug().Msg("duplicate offer ignored")
			return nil
		}
		return n.answer()
	}
	if err := n.transport.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("%w: set remote offer: %w", core.ErrNegotiation, err)
	}
	n.remoteSet = true
	n.remoteSDP = offer.SDP
	n.sc.BindRemote()
	n.flushCandidates()
	return n.answer()
}

func (n *Negotiator) answer() error {
	answer, err := n.transport.CreateAnswer()
	if err != nil {
		return fmt.Errorf("%w: create answer: %w", core.ErrNegotiation, err)
	}
	n.answered = true
	n.publisher.Publish(domain.SignalAnswer, n.sc.RemotePeer(), answer)
	n.logger.Info().Msg("answer published")
	return nil
}

func (n *Negotiator) announce(role domain.Role) {
	n.announced = role
	n.publisher.Publish(domain.SignalHello, "", domain.Hello{Role: role})
}

func (n *Negotiator) onHello(ev hello) {
	if n.state.Terminal() {
		return
	}
	if !n.greeted[ev.from] {
		n.greeted[ev.from] = true
		n.publisher.Publish(domain.SignalHello, ev.from, domain.Hello{Role: n.announced})
	}
	if !ev.addressed || n.remoteSet || !n.sc.LatchRemote(ev.from) {
		return
	}
	switch n.role {
	case domain.RoleAuto:
		role := domain.RoleAuto.Against(n.sc.LocalPeerID, ev.from, ev.role)
		n.logger.Info().Str("remote", string(ev.from)).Str("role", string(role)).Msg("role settled")
		n.setRole(role)
		if role == domain.RoleInitiator {
			if err := n.offer(); err != nil {
				n.logger.Error().Err(err).Msg("offer failed")
			}
			return
		}
		n.applyPending()
	case domain.RoleInitiator:
		if n.localOffer != nil && n.offeredTo != ev.from {
			// The first offer went out before this peer was known.
			n.offeredTo = ev.from
			n.publisher.Publish(domain.SignalOffer, ev.from, *n.localOffer)
			for _, cand := range n.localCands {
				n.publisher.Publish(domain.SignalICECandidate, ev.from, cand)
			}
			n.logger.Info().Str("to", string(ev.from)).Msg("offer resent")
		}
	}
}

func (n *Negotiator) offer() error {
	if err := n.ensureReceivers(); err != nil {
		return err
	}
	offer, err := n.transport.CreateOffer()
	if err != nil {
		return fmt.Errorf("%w: create offer: %w", core.ErrNegotiation, err)
	}
	n.localOffer = &offer
	n.offeredTo = n.sc.RemotePeer()
	n.publisher.Publish(domain.SignalOffer, n.offeredTo, offer)
	n.logger.Info().Str("to", string(n.offeredTo)).Msg("offer published")
	return nil
}

func (n *Negotiator) applyPending() {
	if n.pendingOffer == nil {
		return
	}
	offer := *n.pendingOffer
	n.pendingOffer = nil
	if err := n.applyOffer(offer); err != nil {
		n.logger.Warn().Err(err).Msg("early offer rejected")
	}
}

func (n *Negotiator) replayEarly() {
	early := n.early
	n.early = nil
	for _, ev := range early {
		n.onHello(ev)
	}
}

func (n *Negotiator) setRole(r domain.Role) {
	n.role = r
	n.sc.setRole(r)
}

func (n *Negotiator) ApplyRemoteAnswer(ctx context.Context, payload json.RawMessage) error {
	answer, err := parseDescription(payload, webrtc.SDPTypeAnswer)
	if err != nil {
		return err
	}
	return n.do(ctx, func() error {
		if n.localOffer == nil {
			return fmt.Errorf("%w: answer without local offer", core.ErrNegotiation)
		}
		if n.remoteSet {
			if n.remoteSDP == answer.SDP {
				n.logger.Debug().Msg("duplicate answer ignored")
				return nil
			}
			return fmt.Errorf("%w: remote answer already applied", core.ErrNegotiation)
		}
		if n.state.Terminal() {
			return fmt.Errorf("%w: answer after connection %s", core.ErrNegotiation, n.state)
		}
		if err := n.transport.SetRemoteDescription(answer); err != nil {
			return fmt.Errorf("%w: set remote answer: %w", core.ErrNegotiation, err)
		}
		n.remoteSet = true
		n.remoteSDP = answer.SDP
		n.sc.BindRemote()
		n.flushCandidates()
		n.logger.Info().Msg("answer applied")
		return nil
	})
}

// ApplyRemoteCandidate adds a remote candidate, or queues it until the
// remote description is set.
func (n *Negotiator) ApplyRemoteCandidate(ctx context.Context, payload json.RawMessage) error {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &cand); err != nil {
		return fmt.Errorf("%w: decode candidate: %w", core.ErrNegotiation, err)
	}
	if cand.Candidate == "" {
		return nil
	}
	return n.do(ctx, func() error {
		if n.state.Terminal() {
			return nil
		}
		if !n.remoteSet {
			n.pendingCands = append(n.pendingCands, cand)
			n.logger.Debug().Int("pending", len(n.pendingCands)).Msg("candidate queued")
			return nil
		}
		if err := n.transport.AddICECandidate(cand); err != nil {
			return fmt.Errorf("%w: add candidate: %w", core.ErrNegotiation, err)
		}
		return nil
	})
}

// PendingCandidates reports how many remote candidates wait for a remote description.
func (n *Negotiator) PendingCandidates(ctx context.Context) (int, error) {
	var out int
	err := n.do(ctx, func() error {
		out = len(n.pendingCands)
		return nil
	})
	return out, err
}

// Close shuts the connection down. It does not wait for state listeners.
func (n *Negotiator) Close() error {
	n.closeOnce.Do(func() {
		n.events.Close()
		n.cancel()
		n.notify.Close()
		n.closeErr = n.transport.Close()
		n.logger.Info().Msg("negotiator closed")
	})
	return n.closeErr
}

func (n *Negotiator) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	if !n.events.Push(func() { errc <- fn() }) {
		return ErrNegotiatorClosed
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-n.events.Done():
		return ErrNegotiatorClosed
	}
}

func (n *Negotiator) ensureReceivers() error {
	if n.stream == nil {
		if err := n.transport.EnsureReceiver(webrtc.RTPCodecTypeAudio); err != nil {
			return fmt.Errorf("%w: audio receiver: %w", core.ErrTransport, err)
		}
	}
	if n.stream == nil || !n.stream.HasVideo() {
		if err := n.transport.EnsureReceiver(webrtc.RTPCodecTypeVideo); err != nil {
			return fmt.Errorf("%w: video receiver: %w", core.ErrTransport, err)
		}
	}
	return nil
}

func (n *Negotiator) flushCandidates() {
	for _, cand := range n.pendingCands {
		if err := n.transport.AddICECandidate(cand); err != nil {
			n.logger.Warn().Err(err).Msg("queued candidate rejected")
		}
	}
	if len(n.pendingCands) > 0 {
		n.logger.Debug().Int("count", len(n.pendingCands)).Msg("queued candidates applied")
	}
	n.pendingCands = nil
}

func (n *Negotiator) setState(s domain.ConnectionState) {
	if n.state == s || n.state.Terminal() {
		return
	}
	n.logger.Info().Str("from", string(n.state)).Str("to", string(s)).Msg("state change")
	n.state = s
	n.current.Store(s)
	n.notify.Push(s)
}

func (n *Negotiator) deliverState(s domain.ConnectionState) {
	n.hookMu.RLock()
	fns := append([]func(domain.ConnectionState){}, n.onState...)
	n.hookMu.RUnlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (n *Negotiator) onLocalCandidate(cand webrtc.ICECandidateInit) {
	n.events.Push(func() {
		if n.state.Terminal() {
			return
		}
		n.localCands = append(n.localCands, cand)
		n.publisher.Publish(domain.SignalICECandidate, n.sc.RemotePeer(), cand)
	})
}

func (n *Negotiator) onTransportState(s domain.ConnectionState) {
	n.events.Push(func() {
		switch s {
		case domain.StateConnected, domain.StateDisconnected, domain.StateFailed:
			if n.state == domain.StateIdle {
				return
			}
			n.setState(s)
		}
	})
}

func (n *Negotiator) onRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	n.hookMu.RLock()
	fn := n.onTrack
	n.hookMu.RUnlock()
	if fn != nil {
		fn(track, receiver)
	}
}

func parseDescription(payload json.RawMessage, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(payload, &sd); err != nil {
		return sd, fmt.Errorf("%w: decode %s: %w", core.ErrNegotiation, want, err)
	}
	if sd.Type != want {
		return sd, fmt.Errorf("%w: expected %s, got %s", core.ErrNegotiation, want, sd.Type)
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(sd.SDP)); err != nil {
		return sd, fmt.Errorf("%w: malformed %s sdp: %w", core.ErrNegotiation, want, err)
	}
	if len(parsed.MediaDescriptions) == 0 {
		return sd, fmt.Errorf("%w: %s without media", core.ErrNegotiation, want)
	}
	return sd, nil
}
