package ws

import (
	"sync"

	"github.com/dkeye/callscribe/internal/domain"
	"github.com/rs/zerolog/log"
)

// registry tracks the open sockets of every session record.
type registry struct {
	mu    sync.RWMutex
	conns map[domain.SessionRecordID]map[*Conn]struct{}
}

func newRegistry() *registry {
	return &registry{conns: make(map[domain.SessionRecordID]map[*Conn]struct{})}
}

func (r *registry) bind(id domain.SessionRecordID, c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.conns[id]
	if !ok {
		set = make(map[*Conn]struct{})
		r.conns[id] = set
	}
	set[c] = struct{}{}
}

func (r *registry) unbind(id domain.SessionRecordID, c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.conns[id]
	delete(set, c)
	if len(set) == 0 {
		delete(r.conns, id)
	}
}

// disconnect closes every socket of id and returns how many were open.
func (r *registry) disconnect(id domain.SessionRecordID) int {
	r.mu.Lock()
	set := r.conns[id]
	delete(r.conns, id)
	r.mu.Unlock()

	for c := range set {
		c.Close()
	}
	if len(set) > 0 {
		log.Info().Str("module", "adapters.ws").Str("session", string(id)).Int("sockets", len(set)).Msg("session sockets closed")
	}
	return len(set)
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, set := range r.conns {
		n += len(set)
	}
	return n
}
