package core

import (
	"context"

	"github.com/dkeye/callscribe/internal/domain"
)

//go:generate mockgen -destination=mocks/mocks.go -package=mocks github.com/dkeye/callscribe/internal/core Subscription,TranscriptStore,Transcriber

// Subscription is a live feed opened on a store. Close is idempotent.
type Subscription interface {
	Close()
}

// RoomResolver maps a shareable room code to its session record,
// creating the record when the room is new.
type RoomResolver interface {
	ResolveRoom(ctx context.Context, code domain.RoomCode) (room domain.Room, created bool, err error)
}

// SignalStore is the append-only signaling log scoped by session record.
// Subscribers see inserts in insertion order, one callback at a time.
type SignalStore interface {
	InsertSignal(ctx context.Context, sig domain.Signal) (domain.Signal, error)
	SubscribeSignals(ctx context.Context, id domain.SessionRecordID, fn func(domain.Signal)) (Subscription, error)
}

// TranscriptStore persists transcript fragments and notifies subscribers on insert.
// A new subscriber first receives the fragments already stored.
type TranscriptStore interface {
	InsertFragment(ctx context.Context, id domain.SessionRecordID, text string) (domain.Fragment, error)
	SubscribeFragments(ctx context.Context, id domain.SessionRecordID, fn func(domain.Fragment)) (Subscription, error)
}

// Store is everything a peer needs from the shared backend.
type Store interface {
	RoomResolver
	SignalStore
	TranscriptStore
}

// Transcriber turns one audio segment into text. Empty text is a valid result.
type Transcriber interface {
	Transcribe(ctx context.Context, seg domain.AudioSegment) (string, error)
}
