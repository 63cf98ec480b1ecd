package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// RetryConfig holds configuration for the retryer.
type RetryConfig struct {
	Name        string
	MaxAttempts int           // total attempts including the first
	BaseDelay   time.Duration // delay before the second attempt
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      float64 // fraction of the delay, 0 disables jitter

	// Retryable decides whether err warrants another attempt. Nil retries
	// every error.
	Retryable func(error) bool
	// OnRetry is called before sleeping ahead of attempt+1.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Retryer runs a function with bounded exponential backoff.
type Retryer struct {
	cfg    RetryConfig
	logger *slog.Logger
	sleep  func(context.Context, time.Duration) error
}

// NewRetryer creates a retryer with defaults applied.
func NewRetryer(cfg RetryConfig, logger *slog.Logger) *Retryer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.Multiplier <= 1.0 {
		cfg.Multiplier = 2.0
	}
	if cfg.Jitter < 0 || cfg.Jitter > 1.0 {
		cfg.Jitter = 0
	}
	if cfg.Name == "" {
		cfg.Name = "retryer"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retryer{
		cfg:    cfg,
		logger: logger.With(slog.String("retryer", cfg.Name)),
		sleep:  sleepContext,
	}
}

// MaxAttempts returns the configured attempt budget.
func (r *Retryer) MaxAttempts() int { return r.cfg.MaxAttempts }

// ExhaustedError is returned once every attempt has failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("max retry attempts (%d) exceeded: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do runs fn until it succeeds, returns a non-retryable error, the attempt
// budget is spent, or ctx is done. Non-retryable errors are returned as is.
func (r *Retryer) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return &ExhaustedError{Attempts: attempt - 1, Err: lastErr}
			}
			return err
		}

		err := fn(ctx, attempt)
		if err == nil {
			if attempt > 1 {
				r.logger.DebugContext(ctx, "succeeded after retry", slog.Int("attempt", attempt))
			}
			return nil
		}
		lastErr = err

		if r.cfg.Retryable != nil && !r.cfg.Retryable(err) {
			return err
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}

		delay := r.Delay(attempt)
		if r.cfg.OnRetry != nil {
			r.cfg.OnRetry(attempt, delay, err)
		}
		r.logger.WarnContext(ctx, "attempt failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if err := r.sleep(ctx, delay); err != nil {
			return &ExhaustedError{Attempts: attempt, Err: lastErr}
		}
	}
	return &ExhaustedError{Attempts: r.cfg.MaxAttempts, Err: lastErr}
}

// Delay returns the backoff before attempt+1: base * multiplier^(attempt-1),
// capped at MaxDelay, with optional symmetric jitter.
func (r *Retryer) Delay(attempt int) time.Duration {
	d := float64(r.cfg.BaseDelay) * math.Pow(r.cfg.Multiplier, float64(attempt-1))
	if d > float64(r.cfg.MaxDelay) {
		d = float64(r.cfg.MaxDelay)
	}
	if r.cfg.Jitter > 0 {
		j := rand.Float64() * r.cfg.Jitter * d
		if rand.IntN(2) == 0 {
			d -= j
		} else {
			d += j
		}
	}
	return time.Duration(d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
