package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/dkeye/callscribe/internal/queue"
)

// topic is an append-only log with live subscribers. Inserts and
// subscriber registration share one lock so no item is missed or repeated.
type topic[T any] struct {
	mu     sync.Mutex
	items  []T
	subs   map[uint64]*subscriber[T]
	nextID uint64
}

func newTopic[T any]() *topic[T] {
	return &topic[T]{subs: make(map[uint64]*subscriber[T])}
}

// append stamps v under the topic lock so store order and stamp order agree.
// Backlog items matching drop are removed first; live subscribers that
// already received them are unaffected.
func (t *topic[T]) append(v T, stamp func(*T), drop func(T) bool) T {
	t.mu.Lock()
	defer t.mu.Unlock()
	if stamp != nil {
		stamp(&v)
	}
	if drop != nil {
		t.items = slices.DeleteFunc(t.items, drop)
	}
	t.items = append(t.items, v)
	for _, s := range t.subs {
		s.q.Push(v)
	}
	return v
}

func (t *topic[T]) snapshot() []T {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]T, len(t.items))
	copy(out, t.items)
	return out
}

// subscribe replays the backlog items accepted by keep, then streams inserts.
func (t *topic[T]) subscribe(ctx context.Context, keep func(T) bool, fn func(T)) *subscriber[T] {
	ctx, cancel := context.WithCancel(ctx)
	s := &subscriber[T]{q: queue.New[T](), cancel: cancel}

	t.mu.Lock()
	for _, v := range t.items {
		if keep == nil || keep(v) {
			s.q.Push(v)
		}
	}
	t.nextID++
	id := t.nextID
	t.subs[id] = s
	t.mu.Unlock()

	s.remove = func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}

	go s.q.Run(ctx, fn)
	return s
}

func (t *topic[T]) closeAll() {
	t.mu.Lock()
	subs := make([]*subscriber[T], 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}

func (t *topic[T]) subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

type subscriber[T any] struct {
	q      *queue.Queue[T]
	cancel context.CancelFunc
	remove func()
	once   sync.Once
}

func (s *subscriber[T]) Close() {
	s.once.Do(func() {
		s.remove()
		s.q.Close()
		s.cancel()
	})
}
