package resilience

import (
	"context"
	"sync"
	"time"
)

// SlidingWindow allows at most limit acquisitions in any trailing window.
// Callers over the limit wait for the oldest entry to age out instead of
// being dropped.
type SlidingWindow struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	stamps []time.Time
}

// NewSlidingWindow creates a limiter. A non-positive limit disables limiting.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	if window <= 0 {
		window = time.Second
	}
	return &SlidingWindow{limit: limit, window: window, now: time.Now}
}

// Acquire blocks until a slot is free or ctx is done.
func (w *SlidingWindow) Acquire(ctx context.Context) error {
	if w.limit <= 0 {
		return nil
	}
	for {
		wait, ok := w.tryAcquire()
		if ok {
			return nil
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// TryAcquire takes a slot if one is free without waiting.
func (w *SlidingWindow) TryAcquire() bool {
	if w.limit <= 0 {
		return true
	}
	_, ok := w.tryAcquire()
	return ok
}

func (w *SlidingWindow) tryAcquire() (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	w.stamps = w.stamps[i:]

	if len(w.stamps) < w.limit {
		w.stamps = append(w.stamps, now)
		return 0, true
	}
	wait := w.stamps[0].Add(w.window).Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait, false
}

// InFlight returns the number of entries inside the current window.
func (w *SlidingWindow) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := w.now().Add(-w.window)
	n := 0
	for _, s := range w.stamps {
		if s.After(cutoff) {
			n++
		}
	}
	return n
}
