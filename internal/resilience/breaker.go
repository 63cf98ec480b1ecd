// Package resilience provides the fault-tolerance primitives used for every
// outbound call to the ledger: a circuit breaker, a bounded retryer and an
// in-process sliding-window limiter.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without running the call while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig holds configuration for the circuit breaker.
type BreakerConfig struct {
	Name             string
	FailureThreshold int           // consecutive failures before opening
	Cooldown         time.Duration // time spent open before a trial call is allowed
	SuccessThreshold int           // consecutive half-open successes before closing

	// IsFailure decides whether an error counts against the breaker. Nil
	// counts every non-nil error.
	IsFailure func(error) bool
	// OnOpen is called once for every transition into OPEN.
	OnOpen func(name string, failures int)
}

// Snapshot is a point-in-time view of breaker counters.
type Snapshot struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	Failures        int       `json:"failures"`
	Successes       int       `json:"successes"`
	LastFailureTime time.Time `json:"lastFailureTime,omitzero"`
}

// CircuitBreaker guards one downstream dependency. It is shared by every
// tenant calling that dependency.
type CircuitBreaker struct {
	cfg    BreakerConfig
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	// trial is set while the one call HALF_OPEN admits is in flight.
	trial bool
}

// NewCircuitBreaker creates a breaker with defaults applied.
func NewCircuitBreaker(cfg BreakerConfig, logger *slog.Logger) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Name == "" {
		cfg.Name = "breaker"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreaker{
		cfg:    cfg,
		logger: logger.With(slog.String("breaker", cfg.Name)),
		now:    time.Now,
	}
}

// Execute runs fn unless the breaker is open and records the outcome.
// HALF_OPEN admits one call at a time; concurrent callers fail fast until
// that call finishes.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	trial, ok := cb.allow()
	if !ok {
		return ErrCircuitOpen
	}
	if trial {
		defer cb.endTrial()
	}
	err := fn(ctx)
	cb.record(err, trial)
	return err
}

func (cb *CircuitBreaker) allow() (trial, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) < cb.cfg.Cooldown {
			return false, false
		}
		cb.setState(StateHalfOpen)
		cb.successes = 0
		cb.trial = true
		return true, true
	case StateHalfOpen:
		if cb.trial {
			return false, false
		}
		cb.trial = true
		return true, true
	default:
		return false, true
	}
}

func (cb *CircuitBreaker) endTrial() {
	cb.mu.Lock()
	cb.trial = false
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) record(err error, trial bool) {
	failed := err != nil
	if failed && cb.cfg.IsFailure != nil {
		failed = cb.cfg.IsFailure(err)
	}
	// Errors IsFailure ignores say nothing about the dependency's health.
	if err != nil && !failed {
		return
	}

	cb.mu.Lock()
	// Calls admitted before the breaker opened do not decide HALF_OPEN.
	if cb.state == StateHalfOpen && !trial {
		cb.mu.Unlock()
		return
	}
	var opened bool
	var failures int
	if failed {
		cb.failures++
		cb.successes = 0
		cb.lastFailure = cb.now()

		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.cfg.FailureThreshold {
				cb.setState(StateOpen)
				opened = true
			}
		case StateHalfOpen:
			cb.setState(StateOpen)
			opened = true
		}
		failures = cb.failures
	} else {
		cb.failures = 0
		cb.successes++
		if cb.state == StateHalfOpen && cb.successes >= cb.cfg.SuccessThreshold {
			cb.setState(StateClosed)
			cb.successes = 0
		}
	}
	cb.mu.Unlock()

	if opened && cb.cfg.OnOpen != nil {
		cb.cfg.OnOpen(cb.cfg.Name, failures)
	}
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(s State) {
	if cb.state == s {
		return
	}
	old := cb.state
	cb.state = s
	level := slog.LevelInfo
	if s == StateOpen {
		level = slog.LevelWarn
	}
	cb.logger.Log(context.Background(), level, "circuit breaker state changed",
		slog.String("from", old.String()),
		slog.String("to", s.String()),
		slog.Int("failures", cb.failures),
	)
}

// State returns the current state. An open breaker whose cooldown has
// elapsed still reports OPEN until the next call tries it.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns the current counters.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		Name:            cb.cfg.Name,
		State:           cb.state.String(),
		Failures:        cb.failures,
		Successes:       cb.successes,
		LastFailureTime: cb.lastFailure,
	}
}
