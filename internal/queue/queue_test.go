package queue

import (
	"context"
	"testing"
	"time"
)

func TestQueuePreservesOrder(t *testing.T) {
	t.Parallel()
	q := New[int]()
	for i := range 100 {
		if !q.Push(i) {
			t.Fatalf("push %d refused", i)
		}
	}

	got := make(chan int, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx, func(v int) { got <- v })

	for want := range 100 {
		select {
		case v := <-got:
			if v != want {
				t.Fatalf("got %d, want %d", v, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %d", want)
		}
	}
}

func TestQueuePushNeverBlocks(t *testing.T) {
	t.Parallel()
	q := New[int]()
	done := make(chan struct{})
	go func() {
		for i := range 10_000 {
			q.Push(i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Push blocked without a consumer")
	}
	if q.Len() != 10_000 {
		t.Fatalf("Len = %d", q.Len())
	}
}

func TestQueueCloseStopsRun(t *testing.T) {
	t.Parallel()
	q := New[string]()
	stopped := make(chan struct{})
	go func() {
		q.Run(context.Background(), func(string) {})
		close(stopped)
	}()

	q.Close()
	q.Close()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	if q.Push("late") {
		t.Fatal("push after close accepted")
	}
	select {
	case <-q.Done():
	default:
		t.Fatal("Done not closed")
	}
}
