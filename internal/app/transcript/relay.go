package transcript

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dkeye/callscribe/internal/core"
	"github.com/dkeye/callscribe/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// View is the ordered transcript of one session as seen by this peer.
type View struct {
	mu    sync.RWMutex
	frags []domain.Fragment
	seen  map[domain.FragmentID]struct{}
}

func NewView() *View {
	return &View{seen: make(map[domain.FragmentID]struct{})}
}

// Add inserts f in insertion-time order. Repeated ids are ignored.
func (v *View) Add(f domain.Fragment) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.seen[f.ID]; ok {
		return false
	}
	v.seen[f.ID] = struct{}{}
	i := sort.Search(len(v.frags), func(i int) bool { return f.Before(v.frags[i]) })
	v.frags = append(v.frags, domain.Fragment{})
	copy(v.frags[i+1:], v.frags[i:])
	v.frags[i] = f
	return true
}

func (v *View) Snapshot() []domain.Fragment {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]domain.Fragment(nil), v.frags...)
}

func (v *View) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.frags)
}

// Text joins the fragments with single spaces.
func (v *View) Text() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	parts := make([]string, len(v.frags))
	for i, f := range v.frags {
		parts[i] = f.Text
	}
	return strings.Join(parts, " ")
}

// Relay follows fragment inserts for a session and feeds the View.
type Relay struct {
	recordID domain.SessionRecordID
	store    core.TranscriptStore
	view     *View
	deliver  func(domain.Fragment)
	logger   zerolog.Logger

	mu        sync.Mutex
	sub       core.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func NewRelay(id domain.SessionRecordID, store core.TranscriptStore, deliver func(domain.Fragment)) *Relay {
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		recordID: id,
		store:    store,
		view:     NewView(),
		deliver:  deliver,
		logger:   log.With().Str("module", "transcript.relay").Str("session", string(id)).Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (r *Relay) View() *View { return r.view }

func (r *Relay) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sub, err := r.store.SubscribeFragments(r.ctx, r.recordID, r.onInsert)
	if err != nil {
		if !errors.Is(err, core.ErrStore) {
			err = fmt.Errorf("%w: subscribe fragments: %w", core.ErrStore, err)
		}
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx.Err() != nil {
		sub.Close()
		return errors.New("transcript relay closed")
	}
	r.sub = sub
	r.logger.Info().Msg("transcript subscription open")
	return nil
}

func (r *Relay) onInsert(f domain.Fragment) {
	if f.SessionRecordID != "" && f.SessionRecordID != r.recordID {
		return
	}
	if !r.view.Add(f) {
		return
	}
	r.logger.Debug().Str("fragment", string(f.ID)).Msg("fragment received")
	if r.deliver != nil {
		r.deliver(f)
	}
}

func (r *Relay) Close() {
	r.closeOnce.Do(func() {
		r.cancel()
		r.mu.Lock()
		sub := r.sub
		r.mu.Unlock()
		if sub != nil {
			sub.Close()
		}
	})
}
