// Package memory is the in-process signaling and transcript store served by
// the store server.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/callscribe/internal/core"
	"github.com/dkeye/callscribe/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrRoomNotFound    = fmt.Errorf("%w: room not found", core.ErrStore)
	ErrSessionNotFound = fmt.Errorf("%w: session not found", core.ErrStore)
	ErrInvalidSignal   = fmt.Errorf("%w: invalid signal", core.ErrStore)
	ErrEmptyFragment   = fmt.Errorf("%w: empty fragment", core.ErrStore)
)

type Options struct {
	// SignalReplayWindow bounds how old a signal may be and still be replayed
	// to a new subscriber. Zero replays everything.
	SignalReplayWindow time.Duration
	Now                func() time.Time
}

type session struct {
	room      *domain.Room
	signals   *topic[domain.Signal]
	fragments *topic[domain.Fragment]
}

// Store keeps rooms, signals and fragments in memory.
type Store struct {
	mu       sync.RWMutex
	rooms    map[domain.RoomCode]*session
	sessions map[domain.SessionRecordID]*session

	seq    atomic.Uint64
	window time.Duration
	now    func() time.Time
}

var _ core.Store = (*Store)(nil)

func New(opts Options) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		rooms:    make(map[domain.RoomCode]*session),
		sessions: make(map[domain.SessionRecordID]*session),
		window:   opts.SignalReplayWindow,
		now:      now,
	}
}

// ResolveRoom returns the room record for code, creating it on first use.
// Concurrent callers for a new code observe exactly one creation.
func (s *Store) ResolveRoom(_ context.Context, code domain.RoomCode) (domain.Room, bool, error) {
	s.mu.RLock()
	sess, ok := s.rooms[code]
	s.mu.RUnlock()
	if ok {
		return *sess.room, false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok = s.rooms[code]; ok {
		return *sess.room, false, nil
	}
	sess = &session{
		room:      domain.NewRoom(code, s.now()),
		signals:   newTopic[domain.Signal](),
		fragments: newTopic[domain.Fragment](),
	}
	s.rooms[code] = sess
	s.sessions[sess.room.RecordID] = sess
	log.Info().Str("module", "store.memory").Str("room", string(code)).Str("session", string(sess.room.RecordID)).Msg("room created")
	return *sess.room, true, nil
}

func (s *Store) LookupRoom(code domain.RoomCode) (domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.rooms[code]
	if !ok {
		return domain.Room{}, ErrRoomNotFound
	}
	return *sess.room, nil
}

func (s *Store) ListRooms() []domain.Room {
	s.mu.RLock()
	out := make([]domain.Room, 0, len(s.rooms))
	for _, sess := range s.rooms {
		out = append(out, *sess.room)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// DeleteRoom drops the room with all its signals and fragments and closes
// every open subscription on it.
func (s *Store) DeleteRoom(code domain.RoomCode) error {
	s.mu.Lock()
	sess, ok := s.rooms[code]
	if ok {
		delete(s.rooms, code)
		delete(s.sessions, sess.room.RecordID)
	}
	s.mu.Unlock()
	if !ok {
		return ErrRoomNotFound
	}
	sess.signals.closeAll()
	sess.fragments.closeAll()
	log.Info().Str("module", "store.memory").Str("room", string(code)).Msg("room deleted")
	return nil
}

// LookupSession returns the room that owns a session record.
func (s *Store) LookupSession(id domain.SessionRecordID) (domain.Room, error) {
	sess, err := s.session(id)
	if err != nil {
		return domain.Room{}, err
	}
	return *sess.room, nil
}

func (s *Store) session(id domain.SessionRecordID) (*session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (s *Store) InsertSignal(_ context.Context, sig domain.Signal) (domain.Signal, error) {
	if err := sig.Kind.Validate(); err != nil {
		return domain.Signal{}, fmt.Errorf("%w: %w", ErrInvalidSignal, err)
	}
	if err := sig.SenderPeerID.Validate(); err != nil {
		return domain.Signal{}, fmt.Errorf("%w: %w", ErrInvalidSignal, err)
	}
	if len(sig.Payload) == 0 {
		return domain.Signal{}, fmt.Errorf("%w: empty payload", ErrInvalidSignal)
	}
	if sig.RecipientPeerID != "" {
		if err := sig.RecipientPeerID.Validate(); err != nil {
			return domain.Signal{}, fmt.Errorf("%w: recipient: %w", ErrInvalidSignal, err)
		}
	}
	sess, err := s.session(sig.SessionRecordID)
	if err != nil {
		return domain.Signal{}, err
	}
	var drop func(domain.Signal) bool
	if sig.Kind == domain.SignalBye {
		// A departed peer's backlog must not reach later joiners.
		drop = func(v domain.Signal) bool { return v.SenderPeerID == sig.SenderPeerID }
	}
	return sess.signals.append(sig, func(v *domain.Signal) {
		v.Seq = s.seq.Add(1)
		v.InsertedAt = s.now()
	}, drop), nil
}

func (s *Store) SubscribeSignals(ctx context.Context, id domain.SessionRecordID, fn func(domain.Signal)) (core.Subscription, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}
	var keep func(domain.Signal) bool
	if s.window > 0 {
		cutoff := s.now().Add(-s.window)
		keep = func(sig domain.Signal) bool { return !sig.InsertedAt.Before(cutoff) }
	}
	return sess.signals.subscribe(ctx, keep, fn), nil
}

func (s *Store) InsertFragment(_ context.Context, id domain.SessionRecordID, text string) (domain.Fragment, error) {
	if text == "" {
		return domain.Fragment{}, ErrEmptyFragment
	}
	sess, err := s.session(id)
	if err != nil {
		return domain.Fragment{}, err
	}
	f := domain.Fragment{
		ID:              domain.FragmentID(uuid.NewString()),
		SessionRecordID: id,
		Text:            text,
	}
	return sess.fragments.append(f, func(v *domain.Fragment) {
		v.InsertedAt = s.now()
		v.Seq = s.seq.Add(1)
	}, nil), nil
}

func (s *Store) SubscribeFragments(ctx context.Context, id domain.SessionRecordID, fn func(domain.Fragment)) (core.Subscription, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}
	return sess.fragments.subscribe(ctx, nil, fn), nil
}

// ListFragments returns the stored transcript of a session in insertion order.
func (s *Store) ListFragments(id domain.SessionRecordID) ([]domain.Fragment, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}
	return sess.fragments.snapshot(), nil
}
