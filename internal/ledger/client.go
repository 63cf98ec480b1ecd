// Package ledger delivers canonical transactions to the downstream ledger
// service. Every call passes through a sliding-window limiter, a shared
// circuit breaker and a bounded retryer, and carries an idempotency key so
// redelivery never creates a second ledger entry.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/txnbridge/internal/domain"
	"github.com/alanyoungcy/txnbridge/internal/resilience"
)

// Options configures a Client. Zero values take the defaults noted per field.
type Options struct {
	BaseURL       string
	ServiceSecret string

	Timeout    time.Duration // per attempt, default 10s
	MaxRetries int           // total attempts, default 3
	BaseDelay  time.Duration // default 1s
	MaxDelay   time.Duration // default 10s

	RateLimit  int           // requests per RateWindow, 0 disables
	RateWindow time.Duration // default 1m

	FailureThreshold int           // default 5
	Cooldown         time.Duration // default 60s
	SuccessThreshold int           // default 2

	MaxIdleConns        int // default 10
	MaxIdleConnsPerHost int // default 10
	MaxConnsPerHost     int // default 50
}

func (o *Options) applyDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 10 * time.Second
	}
	if o.RateWindow <= 0 {
		o.RateWindow = time.Minute
	}
	if o.MaxIdleConns <= 0 {
		o.MaxIdleConns = 10
	}
	if o.MaxIdleConnsPerHost <= 0 {
		o.MaxIdleConnsPerHost = 10
	}
	if o.MaxConnsPerHost <= 0 {
		o.MaxConnsPerHost = 50
	}
}

// PermanentError is a 4xx answer from the ledger. It is never retried and
// does not count against the circuit breaker.
type PermanentError struct {
	StatusCode int
	Body       string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("ledger rejected request: status %d", e.StatusCode)
}

// statusError is a retryable non-2xx answer.
type statusError struct {
	StatusCode int
	RetryAfter time.Duration
}

func (e *statusError) Error() string {
	return fmt.Sprintf("ledger returned status %d", e.StatusCode)
}

// Client is the resilient ledger client. It is safe for concurrent use and
// is shared by every tenant, as are its breaker and limiter.
type Client struct {
	baseURL string
	secret  string
	timeout time.Duration

	http    *http.Client
	breaker *resilience.CircuitBreaker
	retryer *resilience.Retryer
	window  *resilience.SlidingWindow
	logger  *slog.Logger
}

// NewClient builds a Client. alerter may be nil; when set it receives one
// circuit_open alert per transition into OPEN.
func NewClient(opts Options, alerter domain.Alerter, logger *slog.Logger) *Client {
	opts.applyDefaults()
	logger = logger.With(slog.String("component", "ledger"))

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          opts.MaxIdleConns,
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		MaxConnsPerHost:       opts.MaxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	c := &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		secret:  opts.ServiceSecret,
		timeout: opts.Timeout,
		http:    &http.Client{Transport: transport},
		window:  resilience.NewSlidingWindow(opts.RateLimit, opts.RateWindow),
		logger:  logger,
	}

	c.breaker = resilience.NewCircuitBreaker(resilience.BreakerConfig{
		Name:             "ledger",
		FailureThreshold: opts.FailureThreshold,
		Cooldown:         opts.Cooldown,
		SuccessThreshold: opts.SuccessThreshold,
		IsFailure:        countsAgainstBreaker,
		OnOpen: func(name string, failures int) {
			if alerter == nil {
				return
			}
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				err := alerter.Alert(ctx, domain.AlertCircuitOpen, "Ledger circuit breaker opened", map[string]string{
					"breaker":  name,
					"failures": strconv.Itoa(failures),
				})
				if err != nil {
					logger.Warn("circuit alert failed", slog.String("error", err.Error()))
				}
			}()
		},
	}, logger)

	c.retryer = resilience.NewRetryer(resilience.RetryConfig{
		Name:        "ledger",
		MaxAttempts: opts.MaxRetries,
		BaseDelay:   opts.BaseDelay,
		MaxDelay:    opts.MaxDelay,
		Multiplier:  2,
		Retryable:   retryable,
	}, logger)

	return c
}

// Deliver sends tx to POST {base}/transactions. A 409 means the ledger
// already holds the entry and is treated as success.
func (c *Client) Deliver(ctx context.Context, tx domain.Transaction) error {
	body, err := json.Marshal(wireTransaction(tx))
	if err != nil {
		return domain.WrapError(domain.KindInvalidData, "ledger.deliver", "transaction could not be encoded", err)
	}

	headers := http.Header{}
	headers.Set("Idempotency-Key", tx.IdempotencyKey())
	headers.Set("X-User-ID", tx.UserID)

	err = c.retryer.Do(ctx, func(ctx context.Context, attempt int) error {
		if err := c.window.Acquire(ctx); err != nil {
			return err
		}
		return c.breaker.Execute(ctx, func(ctx context.Context) error {
			return c.post(ctx, "/transactions", body, headers)
		})
	})
	if err == nil {
		return nil
	}
	return c.classify(ctx, err)
}

// classify turns a retry outcome into a domain error annotated with the
// breaker state.
func (c *Client) classify(ctx context.Context, err error) error {
	state := c.breaker.State().String()

	var perm *PermanentError
	switch {
	case errors.As(err, &perm):
		de := domain.WrapError(domain.KindSyncFailed, "ledger.deliver", "ledger rejected the transaction", err)
		de.StatusCode = perm.StatusCode
		return de
	case errors.Is(err, resilience.ErrCircuitOpen):
		return domain.WrapError(domain.KindConnectionFailed, "ledger.deliver",
			"ledger unavailable (circuit "+state+")", err)
	case ctx.Err() != nil:
		return domain.WrapError(domain.KindTimeout, "ledger.deliver",
			"ledger delivery timed out (circuit "+state+")", err)
	}

	attempts := c.retryer.MaxAttempts()
	var ex *resilience.ExhaustedError
	if errors.As(err, &ex) {
		attempts = ex.Attempts
	}
	de := domain.WrapError(domain.KindSyncFailed, "ledger.deliver",
		fmt.Sprintf("ledger delivery failed after %d attempts (circuit %s)", attempts, state), err)
	var se *statusError
	if errors.As(err, &se) {
		de.StatusCode = se.StatusCode
		de.RetryAfter = se.RetryAfter
	}
	return de
}

func (c *Client) post(ctx context.Context, path string, body []byte, headers http.Header) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return &PermanentError{Body: err.Error()}
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Service-Secret", c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ledger: post %s: %w", path, err)
	}
	defer drain(resp.Body)

	return checkStatus(resp)
}

// checkStatus maps the ledger's answer onto the retry policy.
func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return &statusError{StatusCode: resp.StatusCode, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &PermanentError{StatusCode: resp.StatusCode, Body: string(b)}
	default:
		return &statusError{StatusCode: resp.StatusCode}
	}
}

// HealthStatus is the result of a ledger health check.
type HealthStatus struct {
	Reachable  bool                `json:"reachable"`
	StatusCode int                 `json:"statusCode,omitempty"`
	Breaker    resilience.Snapshot `json:"breaker"`
}

// Health calls GET {base}/health. The check bypasses the breaker so it can
// observe recovery while the circuit is open.
func (c *Client) Health(ctx context.Context) HealthStatus {
	status := HealthStatus{Breaker: c.breaker.Snapshot()}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return status
	}
	req.Header.Set("X-Service-Secret", c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.WarnContext(ctx, "ledger health check failed", slog.String("error", err.Error()))
		return status
	}
	defer drain(resp.Body)

	status.StatusCode = resp.StatusCode
	status.Reachable = resp.StatusCode >= 200 && resp.StatusCode < 300
	return status
}

// Breaker exposes the current breaker counters.
func (c *Client) Breaker() resilience.Snapshot { return c.breaker.Snapshot() }

// Close releases idle pooled connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// wireTransaction strips internal-only metadata before the ledger sees the
// record. Keys starting with an underscore are internal.
func wireTransaction(tx domain.Transaction) domain.Transaction {
	if len(tx.Metadata) == 0 {
		return tx
	}
	meta := make(map[string]any, len(tx.Metadata))
	for k, v := range domain.StripSensitive(tx.Metadata) {
		if strings.HasPrefix(k, "_") {
			continue
		}
		meta[k] = v
	}
	if len(meta) == 0 {
		meta = nil
	}
	tx.Metadata = meta
	return tx
}

func retryable(err error) bool {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	return !errors.Is(err, resilience.ErrCircuitOpen)
}

// countsAgainstBreaker ignores permanent rejections and callers that gave
// up; neither says anything about the ledger's health.
func countsAgainstBreaker(err error) bool {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// drain empties and closes a response body so the connection returns to
// the pool.
func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}

var _ domain.Ledger = (*Client)(nil)
