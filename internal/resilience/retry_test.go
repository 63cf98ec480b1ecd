package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestRetryer(cfg RetryConfig) (*Retryer, *[]time.Duration) {
	r := NewRetryer(cfg, discardLogger())
	var slept []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return r, &slept
}

func TestRetryStopsOnSuccess(t *testing.T) {
	r, slept := newTestRetryer(RetryConfig{MaxAttempts: 5, BaseDelay: time.Second})
	calls := 0
	err := r.Do(context.Background(), func(context.Context, int) error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 || len(*slept) != 2 {
		t.Fatalf("calls = %d, sleeps = %d", calls, len(*slept))
	}
}

func TestRetryNonRetryableRunsOnce(t *testing.T) {
	permanent := errors.New("404")
	r, slept := newTestRetryer(RetryConfig{
		MaxAttempts: 5,
		Retryable:   func(err error) bool { return !errors.Is(err, permanent) },
	})
	calls := 0
	err := r.Do(context.Background(), func(context.Context, int) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("err = %v", err)
	}
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		t.Fatal("permanent error reported as exhausted")
	}
	if calls != 1 || len(*slept) != 0 {
		t.Fatalf("calls = %d, sleeps = %d", calls, len(*slept))
	}
}

func TestRetryExhaustsWithIncreasingBackoff(t *testing.T) {
	r, slept := newTestRetryer(RetryConfig{
		MaxAttempts: 4,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Minute,
		Multiplier:  2,
	})
	retries := 0
	r.cfg.OnRetry = func(int, time.Duration, error) { retries++ }

	err := r.Do(context.Background(), func(context.Context, int) error { return errBoom })
	var ex *ExhaustedError
	if !errors.As(err, &ex) || ex.Attempts != 4 || !errors.Is(err, errBoom) {
		t.Fatalf("err = %v", err)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	if len(*slept) != len(want) {
		t.Fatalf("sleeps = %v", *slept)
	}
	for i, d := range want {
		if (*slept)[i] != d {
			t.Errorf("sleep %d = %s, want %s", i, (*slept)[i], d)
		}
	}
	if retries != 3 {
		t.Errorf("OnRetry fired %d times", retries)
	}
}

func TestRetryDelayCapped(t *testing.T) {
	r := NewRetryer(RetryConfig{BaseDelay: time.Second, MaxDelay: 3 * time.Second, Multiplier: 2}, discardLogger())
	if d := r.Delay(5); d != 3*time.Second {
		t.Fatalf("delay = %s, want 3s", d)
	}
}

func TestRetryHonoursContext(t *testing.T) {
	r := NewRetryer(RetryConfig{MaxAttempts: 5, BaseDelay: time.Hour}, discardLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := r.Do(ctx, func(context.Context, int) error { return errBoom })
	if !errors.Is(err, errBoom) {
		t.Fatalf("err = %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("retry ignored context deadline")
	}
}
