package call

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/callscribe/internal/core"
	"github.com/dkeye/callscribe/internal/domain"
	"github.com/dkeye/callscribe/internal/store/memory"
)

type recordingHandler struct {
	mu    sync.Mutex
	calls []domain.SignalKind
	fail  bool
}

func (h *recordingHandler) record(kind domain.SignalKind) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, kind)
	if h.fail {
		return core.ErrNegotiation
	}
	return nil
}

func (h *recordingHandler) ApplyRemoteOffer(context.Context, json.RawMessage) error {
	return h.record(domain.SignalOffer)
}

func (h *recordingHandler) ApplyRemoteAnswer(context.Context, json.RawMessage) error {
	return h.record(domain.SignalAnswer)
}

func (h *recordingHandler) ApplyRemoteCandidate(context.Context, json.RawMessage) error {
	return h.record(domain.SignalICECandidate)
}

func (h *recordingHandler) RemoteHello(context.Context, domain.PeerID, json.RawMessage, bool) error {
	return h.record(domain.SignalHello)
}

func (h *recordingHandler) RemoteBye(context.Context, domain.PeerID) error {
	return h.record(domain.SignalBye)
}

func (h *recordingHandler) snapshot() []domain.SignalKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.SignalKind(nil), h.calls...)
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func newRelayFixture(t *testing.T) (*memory.Store, *SessionContext) {
	t.Helper()
	store := memory.New(memory.Options{})
	room, _, err := store.ResolveRoom(context.Background(), "RELAY")
	if err != nil {
		t.Fatal(err)
	}
	sc := &SessionContext{RoomCode: room.Code, RecordID: room.RecordID, LocalPeerID: "local"}
	return store, sc
}

// insert stores a signal from a peer addressed to the local one.
func insert(t *testing.T, store *memory.Store, sc *SessionContext, from domain.PeerID, kind domain.SignalKind) {
	t.Helper()
	insertTo(t, store, sc, from, sc.LocalPeerID, kind)
}

func insertTo(t *testing.T, store *memory.Store, sc *SessionContext, from, to domain.PeerID, kind domain.SignalKind) {
	t.Helper()
	_, err := store.InsertSignal(context.Background(), domain.Signal{
		SessionRecordID: sc.RecordID,
		SenderPeerID:    from,
		RecipientPeerID: to,
		Kind:            kind,
		Payload:         json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRelayDiscardsOwnSignals(t *testing.T) {
	t.Parallel()
	store, sc := newRelayFixture(t)
	h := &recordingHandler{}
	r := NewSignalRelay(sc, store, nil)
	defer r.Close()
	if err := r.Open(context.Background(), h); err != nil {
		t.Fatal(err)
	}

	insert(t, store, sc, "local", domain.SignalOffer)
	insert(t, store, sc, "local", domain.SignalICECandidate)
	insert(t, store, sc, "remote", domain.SignalOffer)

	eventually(t, "remote offer dispatched", func() bool { return h.count() == 1 })
	time.Sleep(20 * time.Millisecond)
	if h.count() != 1 {
		t.Fatalf("dispatched %d signals, want only the remote one", h.count())
	}
	if sc.RemotePeer() != "remote" {
		t.Fatalf("remote peer = %q", sc.RemotePeer())
	}
}

func TestRelayIgnoresThirdPeer(t *testing.T) {
	t.Parallel()
	store, sc := newRelayFixture(t)
	h := &recordingHandler{}
	r := NewSignalRelay(sc, store, nil)
	defer r.Close()
	if err := r.Open(context.Background(), h); err != nil {
		t.Fatal(err)
	}

	insert(t, store, sc, "peer-b", domain.SignalOffer)
	insert(t, store, sc, "peer-c", domain.SignalOffer)
	insert(t, store, sc, "peer-c", domain.SignalICECandidate)
	insert(t, store, sc, "peer-b", domain.SignalICECandidate)

	eventually(t, "peer-b signals dispatched", func() bool { return h.count() == 2 })
	time.Sleep(20 * time.Millisecond)
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.calls) != 2 || h.calls[0] != domain.SignalOffer || h.calls[1] != domain.SignalICECandidate {
		t.Fatalf("calls = %v", h.calls)
	}
}

func TestRelayKeepsDispatchingAfterHandlerErrors(t *testing.T) {
	t.Parallel()
	store, sc := newRelayFixture(t)
	h := &recordingHandler{fail: true}
	r := NewSignalRelay(sc, store, nil)
	defer r.Close()
	if err := r.Open(context.Background(), h); err != nil {
		t.Fatal(err)
	}

	insert(t, store, sc, "remote", domain.SignalOffer)
	insert(t, store, sc, "remote", domain.SignalICECandidate)
	insert(t, store, sc, "remote", domain.SignalICECandidate)
	eventually(t, "all signals dispatched", func() bool { return h.count() == 3 })
}

func TestRelayPublishesInOrder(t *testing.T) {
	t.Parallel()
	store, sc := newRelayFixture(t)
	r := NewSignalRelay(sc, store, nil)
	defer r.Close()

	r.Publish(domain.SignalOffer, "", map[string]string{"type": "offer"})
	r.Publish(domain.SignalICECandidate, "", map[string]string{"candidate": "1"})
	r.Publish(domain.SignalICECandidate, "", map[string]string{"candidate": "2"})

	var (
		mu   sync.Mutex
		seen []domain.Signal
	)
	sub, err := store.SubscribeSignals(context.Background(), sc.RecordID, func(s domain.Signal) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	eventually(t, "published signals", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	if seen[0].Kind != domain.SignalOffer || seen[0].SenderPeerID != "local" {
		t.Fatalf("first signal = %+v", seen[0])
	}
	if string(seen[2].Payload) != `{"candidate":"2"}` {
		t.Fatalf("last payload = %s", seen[2].Payload)
	}
}

func TestRelayReportsStoreFailures(t *testing.T) {
	t.Parallel()
	store := memory.New(memory.Options{})
	sc := &SessionContext{RecordID: "missing", LocalPeerID: "local"}
	errs := make(chan error, 1)
	r := NewSignalRelay(sc, store, func(err error) { errs <- err })
	defer r.Close()

	r.Publish(domain.SignalOffer, "", map[string]string{})
	select {
	case err := <-errs:
		if !errors.Is(err, core.ErrStore) {
			t.Fatalf("err = %v, want store error", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("store failure not reported")
	}

	if err := r.Open(context.Background(), &recordingHandler{}); !errors.Is(err, core.ErrStore) {
		t.Fatalf("Open on unknown session err = %v", err)
	}
}

func TestRelayCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	store, sc := newRelayFixture(t)
	h := &recordingHandler{}
	r := NewSignalRelay(sc, store, nil)
	if err := r.Open(context.Background(), h); err != nil {
		t.Fatal(err)
	}
	r.Close()
	r.Close()
	r.Publish(domain.SignalOffer, "", map[string]string{})

	insert(t, store, sc, "remote", domain.SignalOffer)
	time.Sleep(20 * time.Millisecond)
	if h.count() != 0 {
		t.Fatal("closed relay still dispatching")
	}
}

func TestRelayDropsSignalsAddressedElsewhere(t *testing.T) {
	t.Parallel()
	store, sc := newRelayFixture(t)
	h := &recordingHandler{}
	r := NewSignalRelay(sc, store, nil)
	defer r.Close()
	if err := r.Open(context.Background(), h); err != nil {
		t.Fatal(err)
	}

	insertTo(t, store, sc, "ghost", "ghost-partner", domain.SignalOffer)
	insertTo(t, store, sc, "ghost", "", domain.SignalOffer)
	insertTo(t, store, sc, "peer-b", "", domain.SignalHello)
	insertTo(t, store, sc, "peer-b", "local", domain.SignalOffer)

	eventually(t, "peer-b signals dispatched", func() bool { return h.count() == 2 })
	time.Sleep(20 * time.Millisecond)
	want := []domain.SignalKind{domain.SignalHello, domain.SignalOffer}
	if got := h.snapshot(); !slices.Equal(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	if sc.RemotePeer() != "peer-b" {
		t.Fatalf("remote peer = %q, want peer-b", sc.RemotePeer())
	}
}

func TestRelayForgetsDepartedPeer(t *testing.T) {
	t.Parallel()
	store, sc := newRelayFixture(t)
	h := &recordingHandler{}
	r := NewSignalRelay(sc, store, nil)
	defer r.Close()
	if err := r.Open(context.Background(), h); err != nil {
		t.Fatal(err)
	}

	insertTo(t, store, sc, "peer-b", "", domain.SignalHello)
	insertTo(t, store, sc, "peer-b", "", domain.SignalBye)
	insert(t, store, sc, "peer-b", domain.SignalOffer)
	insert(t, store, sc, "peer-c", domain.SignalOffer)

	eventually(t, "peer-c offer dispatched", func() bool { return h.count() == 3 })
	time.Sleep(20 * time.Millisecond)
	want := []domain.SignalKind{domain.SignalHello, domain.SignalBye, domain.SignalOffer}
	if got := h.snapshot(); !slices.Equal(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	if sc.RemotePeer() != "peer-c" {
		t.Fatalf("remote peer = %q, want peer-c", sc.RemotePeer())
	}
}

func TestRelayLeaveFollowsQueuedSignals(t *testing.T) {
	t.Parallel()
	store, sc := newRelayFixture(t)
	r := NewSignalRelay(sc, store, nil)
	defer r.Close()

	r.Publish(domain.SignalHello, "", domain.Hello{Role: domain.RoleAuto})
	r.Publish(domain.SignalOffer, "peer-b", map[string]string{"type": "offer"})
	if err := r.Leave(context.Background()); err != nil {
		t.Fatalf("Leave: %v", err)
	}

	// The bye pruned everything local sent before it.
	var (
		mu   sync.Mutex
		seen []domain.SignalKind
	)
	sub, err := store.SubscribeSignals(context.Background(), sc.RecordID, func(s domain.Signal) {
		mu.Lock()
		seen = append(seen, s.Kind)
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	eventually(t, "backlog replayed", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0
	})
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	got := append([]domain.SignalKind(nil), seen...)
	mu.Unlock()
	if !slices.Equal(got, []domain.SignalKind{domain.SignalBye}) {
		t.Fatalf("backlog after leave = %v, want only the bye", got)
	}

	r.Close()
	if err := r.Leave(context.Background()); !errors.Is(err, ErrRelayClosed) {
		t.Fatalf("Leave after close err = %v", err)
	}
}
