package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/callscribe/internal/core"
	"github.com/dkeye/callscribe/internal/domain"
	"github.com/dkeye/callscribe/internal/queue"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const publishTimeout = 10 * time.Second

var ErrRelayClosed = errors.New("signal relay closed")

// SignalHandler applies remote negotiation messages.
type SignalHandler interface {
	ApplyRemoteOffer(ctx context.Context, payload json.RawMessage) error
	ApplyRemoteAnswer(ctx context.Context, payload json.RawMessage) error
	ApplyRemoteCandidate(ctx context.Context, payload json.RawMessage) error
	RemoteHello(ctx context.Context, from domain.PeerID, payload json.RawMessage, addressed bool) error
	RemoteBye(ctx context.Context, from domain.PeerID) error
}

type outgoing struct {
	sig  domain.Signal
	done chan error
}

// SignalRelay moves negotiation messages between the negotiator and the
// signaling store. Outbound signals are written in publish order by a single
// worker so Publish never blocks.
type SignalRelay struct {
	sc      *SessionContext
	store   core.SignalStore
	outbox  *queue.Queue[outgoing]
	onError func(error)
	logger  zerolog.Logger

	mu      sync.Mutex
	sub     core.Subscription
	handler SignalHandler
	gone    map[domain.PeerID]bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func NewSignalRelay(sc *SessionContext, store core.SignalStore, onError func(error)) *SignalRelay {
	ctx, cancel := context.WithCancel(context.Background())
	r := &SignalRelay{
		sc:      sc,
		store:   store,
		outbox:  queue.New[outgoing](),
		gone:    make(map[domain.PeerID]bool),
		onError: onError,
		logger: log.With().
			Str("module", "call.signals").
			Str("session", string(sc.RecordID)).
			Str("peer", string(sc.LocalPeerID)).
			Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
	go r.outbox.Run(ctx, r.flush)
	return r
}

// Publish tags payload with the local peer id and queues it for the store.
func (r *SignalRelay) Publish(kind domain.SignalKind, to domain.PeerID, payload any) {
	r.push(kind, to, payload, nil)
}

// Leave publishes a bye after every signal queued so far and waits until
// the store has it.
func (r *SignalRelay) Leave(ctx context.Context) error {
	done := make(chan error, 1)
	if !r.push(domain.SignalBye, "", struct{}{}, done) {
		return ErrRelayClosed
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *SignalRelay) push(kind domain.SignalKind, to domain.PeerID, payload any, done chan error) bool {
	raw, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error().Err(err).Str("kind", string(kind)).Msg("encode signal")
		return false
	}
	sig := domain.Signal{
		SessionRecordID: r.sc.RecordID,
		SenderPeerID:    r.sc.LocalPeerID,
		RecipientPeerID: to,
		Kind:            kind,
		Payload:         raw,
	}
	if !r.outbox.Push(outgoing{sig: sig, done: done}) {
		r.logger.Debug().Str("kind", string(kind)).Msg("publish after close dropped")
		return false
	}
	return true
}

func (r *SignalRelay) flush(o outgoing) {
	err := r.insert(o.sig)
	if o.done != nil {
		o.done <- err
	}
}

func (r *SignalRelay) insert(sig domain.Signal) error {
	ctx, cancel := context.WithTimeout(r.ctx, publishTimeout)
	defer cancel()
	if _, err := r.store.InsertSignal(ctx, sig); err != nil {
		if errors.Is(err, context.Canceled) && r.ctx.Err() != nil {
			return ErrRelayClosed
		}
		if !errors.Is(err, core.ErrStore) {
			err = fmt.Errorf("%w: insert %s: %w", core.ErrStore, sig.Kind, err)
		}
		r.logger.Error().Err(err).Str("kind", string(sig.Kind)).Msg("publish signal")
		if r.onError != nil {
			r.onError(err)
		}
		return err
	}
	r.logger.Debug().Str("kind", string(sig.Kind)).Str("to", string(sig.RecipientPeerID)).Msg("signal published")
	return nil
}

// Open subscribes to the session's signals and dispatches them to h.
func (r *SignalRelay) Open(ctx context.Context, h SignalHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	if r.handler != nil {
		r.mu.Unlock()
		return errors.New("signal relay already open")
	}
	r.handler = h
	r.mu.Unlock()

	// The store may replay backlog before Subscribe returns, so r.mu is not
	// held here.
	sub, err := r.store.SubscribeSignals(r.ctx, r.sc.RecordID, r.onInsert)
	if err != nil {
		if !errors.Is(err, core.ErrStore) {
			err = fmt.Errorf("%w: subscribe signals: %w", core.ErrStore, err)
		}
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx.Err() != nil {
		sub.Close()
		return ErrRelayClosed
	}
	r.sub = sub
	r.logger.Info().Msg("signal subscription open")
	return nil
}

func (r *SignalRelay) onInsert(sig domain.Signal) {
	logger := r.logger.With().Str("kind", string(sig.Kind)).Str("from", string(sig.SenderPeerID)).Logger()
	if sig.SenderPeerID == r.sc.LocalPeerID {
		logger.Debug().Msg("own signal discarded")
		return
	}
	if sig.RecipientPeerID != "" && sig.RecipientPeerID != r.sc.LocalPeerID {
		logger.Debug().Str("to", string(sig.RecipientPeerID)).Msg("signal for another peer discarded")
		return
	}

	r.mu.Lock()
	gone := r.gone[sig.SenderPeerID]
	if sig.Kind == domain.SignalBye {
		r.gone[sig.SenderPeerID] = true
	}
	h := r.handler
	r.mu.Unlock()
	if gone {
		logger.Debug().Msg("signal from departed peer discarded")
		return
	}

	switch sig.Kind {
	case domain.SignalOffer, domain.SignalAnswer:
		// Descriptions are resent to each peer that answers our hello, so a
		// broadcast one may belong to a peer that is long gone.
		if sig.RecipientPeerID == "" {
			logger.Debug().Msg("unaddressed description discarded")
			return
		}
		if !r.sc.LatchRemote(sig.SenderPeerID) {
			logger.Warn().Msg("signal from third peer discarded")
			return
		}
	case domain.SignalICECandidate:
		if r.sc.RemotePeer() != sig.SenderPeerID {
			logger.Debug().Msg("candidate from unlatched peer discarded")
			return
		}
	}
	if h == nil {
		return
	}

	var err error
	switch sig.Kind {
	case domain.SignalOffer:
		err = h.ApplyRemoteOffer(r.ctx, sig.Payload)
	case domain.SignalAnswer:
		err = h.ApplyRemoteAnswer(r.ctx, sig.Payload)
	case domain.SignalICECandidate:
		err = h.ApplyRemoteCandidate(r.ctx, sig.Payload)
	case domain.SignalHello:
		err = h.RemoteHello(r.ctx, sig.SenderPeerID, sig.Payload, sig.RecipientPeerID != "")
	case domain.SignalBye:
		err = h.RemoteBye(r.ctx, sig.SenderPeerID)
	default:
		logger.Warn().Msg("unknown signal kind")
		return
	}
	if err != nil {
		logger.Warn().Err(err).Msg("signal dispatch failed")
	}
}

// Close unsubscribes and drops unsent signals. Safe to call twice.
func (r *SignalRelay) Close() {
	r.closeOnce.Do(func() {
		r.cancel()
		r.outbox.Close()
		r.mu.Lock()
		sub := r.sub
		r.mu.Unlock()
		if sub != nil {
			sub.Close()
		}
		r.logger.Info().Msg("signal relay closed")
	})
}
