package transcript

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/callscribe/internal/core"
	"github.com/dkeye/callscribe/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Dispatcher sends each segment for transcription on its own goroutine and
// stores non-empty results. Failed segments are dropped without retry.
type Dispatcher struct {
	recordID    domain.SessionRecordID
	transcriber core.Transcriber
	store       core.TranscriptStore
	timeout     time.Duration
	logger      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDispatcher(id domain.SessionRecordID, tr core.Transcriber, store core.TranscriptStore, timeout time.Duration) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		recordID:    id,
		transcriber: tr,
		store:       store,
		timeout:     timeout,
		logger:      log.With().Str("module", "transcript.dispatcher").Str("session", string(id)).Logger(),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (d *Dispatcher) Dispatch(seg domain.AudioSegment) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.handle(seg)
	}()
}

func (d *Dispatcher) handle(seg domain.AudioSegment) {
	ctx := d.ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	logger := d.logger.With().Int("seq", seg.Seq).Dur("offset", seg.Offset).Logger()

	text, err := d.transcriber.Transcribe(ctx, seg)
	if err != nil {
		if !errors.Is(err, core.ErrTranscription) {
			err = fmt.Errorf("%w: %w", core.ErrTranscription, err)
		}
		logger.Warn().Err(err).Msg("segment dropped")
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		logger.Debug().Msg("no speech in segment")
		return
	}
	f, err := d.store.InsertFragment(ctx, d.recordID, text)
	if err != nil {
		if !errors.Is(err, core.ErrStore) {
			err = fmt.Errorf("%w: insert fragment: %w", core.ErrStore, err)
		}
		logger.Error().Err(err).Msg("fragment not stored")
		return
	}
	logger.Debug().Str("fragment", string(f.ID)).Msg("fragment stored")
}

// Wait blocks until every dispatched segment finished or ctx is done, in
// which case the remaining calls are cancelled.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.cancel()
		return fmt.Errorf("%w: drain: %w", core.ErrTranscription, ctx.Err())
	}
}

// Close cancels in-flight transcriptions.
func (d *Dispatcher) Close() { d.cancel() }
