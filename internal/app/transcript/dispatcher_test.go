package transcript

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/callscribe/internal/core"
	"github.com/dkeye/callscribe/internal/core/mocks"
	"github.com/dkeye/callscribe/internal/domain"
	"go.uber.org/mock/gomock"
)

const record = domain.SessionRecordID("record-1")

func waitDrained(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestDispatcherSkipsEmptyTextAndStoresSpeech(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	tr := mocks.NewMockTranscriber(ctrl)
	store := mocks.NewMockTranscriptStore(ctrl)

	tr.EXPECT().Transcribe(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, seg domain.AudioSegment) (string, error) {
			if seg.Seq == 0 {
				return "  \n", nil
			}
			return " sahbi ", nil
		}).Times(2)
	store.EXPECT().InsertFragment(gomock.Any(), record, "sahbi").Return(domain.Fragment{ID: "f1"}, nil).Times(1)

	d := NewDispatcher(record, tr, store, time.Second)
	d.Dispatch(domain.AudioSegment{Seq: 0})
	d.Dispatch(domain.AudioSegment{Seq: 1})
	waitDrained(t, d)
}

func TestDispatcherDropsFailedSegments(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	tr := mocks.NewMockTranscriber(ctrl)
	store := mocks.NewMockTranscriptStore(ctrl)

	tr.EXPECT().Transcribe(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, seg domain.AudioSegment) (string, error) {
			if seg.Seq == 1 {
				return "", errors.New("service returned 503")
			}
			return "words", nil
		}).Times(3)
	store.EXPECT().InsertFragment(gomock.Any(), record, "words").Return(domain.Fragment{}, nil).Times(2)

	d := NewDispatcher(record, tr, store, time.Second)
	for seq := range 3 {
		d.Dispatch(domain.AudioSegment{Seq: seq})
	}
	waitDrained(t, d)
}

func TestDispatcherSurvivesStoreFailure(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	tr := mocks.NewMockTranscriber(ctrl)
	store := mocks.NewMockTranscriptStore(ctrl)

	tr.EXPECT().Transcribe(gomock.Any(), gomock.Any()).Return("hello", nil).Times(2)
	store.EXPECT().InsertFragment(gomock.Any(), record, "hello").Return(domain.Fragment{}, core.ErrStore).Times(2)

	d := NewDispatcher(record, tr, store, time.Second)
	d.Dispatch(domain.AudioSegment{Seq: 0})
	d.Dispatch(domain.AudioSegment{Seq: 1})
	waitDrained(t, d)
}

func TestDispatcherWaitTimesOutAndCancels(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	tr := mocks.NewMockTranscriber(ctrl)
	store := mocks.NewMockTranscriptStore(ctrl)

	cancelled := make(chan struct{})
	tr.EXPECT().Transcribe(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ domain.AudioSegment) (string, error) {
			<-ctx.Done()
			close(cancelled)
			return "", ctx.Err()
		})

	d := NewDispatcher(record, tr, store, 0)
	d.Dispatch(domain.AudioSegment{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := d.Wait(ctx); !errors.Is(err, core.ErrTranscription) {
		t.Fatalf("Wait err = %v, want transcription error", err)
	}
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight transcription not cancelled")
	}
	waitDrained(t, d)
}
