package media

import (
	"maps"
	"sync"

	pmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
)

// Fanout copies every sample to all attached sinks.
type Fanout struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
}

func NewFanout() *Fanout {
	return &Fanout{subs: make(map[uint64]*subscription)}
}

// Attach adds sink and returns the function that detaches it.
func (f *Fanout) Attach(sink Sink) (detach func()) {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	sub := &subscription{sink: sink}
	f.subs[id] = sub
	f.mu.Unlock()

	return func() {
		sub.MarkRemoved()
		f.cleanup([]uint64{id})
	}
}

func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Forward writes s to every active sink. A sink that fails is removed.
func (f *Fanout) Forward(s pmedia.Sample, logger *zerolog.Logger) {
	f.mu.RLock()
	snapshot := make(map[uint64]*subscription, len(f.subs))
	maps.Copy(snapshot, f.subs)
	f.mu.RUnlock()

	dirty := make([]uint64, 0, len(snapshot))
	for id, sub := range snapshot {
		switch sub.State() {
		case SinkStateRemoved:
			dirty = append(dirty, id)
		case SinkStateActive:
			if err := sub.sink.WriteSample(s); err != nil {
				logger.Error().Err(err).Uint64("sink", id).Msg("sink write failed, removing")
				sub.MarkRemoved()
				dirty = append(dirty, id)
			}
		}
	}

	if len(dirty) > 0 {
		f.cleanup(dirty)
	}
}

// RemoveAll detaches every sink.
func (f *Fanout) RemoveAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, sub := range f.subs {
		sub.MarkRemoved()
		delete(f.subs, id)
	}
}

func (f *Fanout) cleanup(ids []uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.subs, id)
	}
}
