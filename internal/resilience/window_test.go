package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSlidingWindowDelaysInsteadOfDropping(t *testing.T) {
	w := NewSlidingWindow(2, 50*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := w.Acquire(ctx); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("third acquire returned after %s, expected to wait for the window", elapsed)
	}
}

func TestSlidingWindowRespectsContext(t *testing.T) {
	w := NewSlidingWindow(1, time.Hour)
	if !w.TryAcquire() {
		t.Fatal("first slot refused")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := w.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestSlidingWindowExpiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w := NewSlidingWindow(2, time.Second)
	w.now = func() time.Time { return now }

	if !w.TryAcquire() || !w.TryAcquire() {
		t.Fatal("slots refused")
	}
	if w.TryAcquire() {
		t.Fatal("third slot granted inside window")
	}
	now = now.Add(time.Second + time.Millisecond)
	if !w.TryAcquire() {
		t.Fatal("slot not released after window")
	}
	if n := w.InFlight(); n != 1 {
		t.Fatalf("in flight = %d, want 1", n)
	}
}

func TestSlidingWindowDisabled(t *testing.T) {
	w := NewSlidingWindow(0, time.Second)
	for i := 0; i < 100; i++ {
		if !w.TryAcquire() {
			t.Fatal("disabled limiter refused")
		}
	}
}
