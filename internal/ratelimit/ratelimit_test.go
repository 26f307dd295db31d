package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAllowRespectsBurst(t *testing.T) {
	l := New(1, 2, time.Second)
	if !l.Allow() {
		t.Fatal("first call should be allowed (burst=2)")
	}
	if !l.Allow() {
		t.Fatal("second call should be allowed (burst=2)")
	}
	if l.Allow() {
		t.Fatal("third immediate call should be throttled")
	}
}

func TestWaitSucceedsWithinBudget(t *testing.T) {
	l := New(1000, 1, time.Second)
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestWaitReturnsErrLimitExceededOnSaturation(t *testing.T) {
	l := New(1, 1, 20*time.Millisecond)
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait: %v", err)
	}
	err := l.Wait(context.Background())
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("second Wait = %v, want ErrLimitExceeded", err)
	}
}

func TestWaitPropagatesContextCancellation(t *testing.T) {
	l := New(1, 1, time.Second)
	l.Allow() // drain the burst

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := l.Wait(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait with cancelled ctx = %v, want context.Canceled", err)
	}
}
