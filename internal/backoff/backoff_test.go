package backoff

import (
	"context"
	"testing"
	"time"
)

func TestRecordFailureDoublesUntilCap(t *testing.T) {
	b := New(10*time.Millisecond, 80*time.Millisecond, 0)
	want := []time.Duration{20, 40, 80, 80}
	for i, w := range want {
		b.RecordFailure()
		if got := b.CurrentDelay(); got != w*time.Millisecond {
			t.Fatalf("attempt %d: delay = %v, want %v", i, got, w*time.Millisecond)
		}
	}
	if b.Attempts() != len(want) {
		t.Fatalf("attempts = %d, want %d", b.Attempts(), len(want))
	}
}

func TestRecordSuccessResetsAboveThreshold(t *testing.T) {
	b := NewWithThreshold(10*time.Millisecond, 1*time.Second, 0, 100*time.Millisecond)
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess(200 * time.Millisecond)
	if got := b.CurrentDelay(); got != 10*time.Millisecond {
		t.Fatalf("delay after success = %v, want initial 10ms", got)
	}
	if b.ConsecutiveFailures() != 0 {
		t.Fatalf("consecutive failures = %d, want 0", b.ConsecutiveFailures())
	}
}

func TestRecordSuccessBelowThresholdIsFailure(t *testing.T) {
	b := NewWithThreshold(10*time.Millisecond, 1*time.Second, 0, 100*time.Millisecond)
	b.RecordSuccess(5 * time.Millisecond)
	if b.ConsecutiveFailures() != 1 {
		t.Fatalf("consecutive failures = %d, want 1", b.ConsecutiveFailures())
	}
}

func TestShouldStop(t *testing.T) {
	b := New(time.Millisecond, time.Millisecond, 2)
	b.RecordFailure()
	if b.ShouldStop() {
		t.Fatalf("should not stop after 1 attempt with max 2")
	}
	b.RecordFailure()
	if !b.ShouldStop() {
		t.Fatalf("should stop after reaching max attempts")
	}
}

func TestNilBackoffIsNoOp(t *testing.T) {
	var b *Backoff
	b.RecordFailure()
	b.RecordSuccess(time.Second)
	b.Reset()
	if b.CurrentDelay() != 0 || b.Attempts() != 0 || b.ShouldStop() {
		t.Fatalf("nil backoff must behave as a no-op")
	}
}

func TestWaitContextCancelled(t *testing.T) {
	b := New(time.Hour, time.Hour, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.WaitContext(ctx); err == nil {
		t.Fatalf("expected context error")
	}
}
