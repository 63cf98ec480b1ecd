package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/txnbridge/internal/domain"
	"github.com/alanyoungcy/txnbridge/internal/resilience"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleTx() domain.Transaction {
	return domain.Transaction{
		TransactionID: "txn_1",
		UserID:        "user1",
		ConnectionID:  "conn1",
		AccountID:     "acc1",
		Amount:        decimal.RequireFromString("-45.5"),
		Currency:      "AUD",
		Date:          time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC),
		PrimaryType:   domain.PrimaryTypeExpense,
		Description:   "Coffee",
		Source:        domain.SourceBankAPI,
		ConnectorID:   "basiq",
		ConnectorType: domain.ConnectorTypeBank,
		Metadata: map[string]any{
			"mcc":          "5814",
			"_rawStatus":   "posted",
			"access_token": "leak",
		},
	}
}

func fastOptions(url string) Options {
	return Options{
		BaseURL:       url,
		ServiceSecret: "svc-secret",
		Timeout:       time.Second,
		MaxRetries:    3,
		BaseDelay:     time.Millisecond,
		MaxDelay:      2 * time.Millisecond,
	}
}

type alertRecorder struct {
	mu     sync.Mutex
	events []string
	fired  chan struct{}
}

func newAlertRecorder() *alertRecorder {
	return &alertRecorder{fired: make(chan struct{}, 16)}
}

func (a *alertRecorder) Alert(_ context.Context, event, _ string, _ map[string]string) error {
	a.mu.Lock()
	a.events = append(a.events, event)
	a.mu.Unlock()
	a.fired <- struct{}{}
	return nil
}

func (a *alertRecorder) count(event string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, e := range a.events {
		if e == event {
			n++
		}
	}
	return n
}

func TestDeliverSendsIdempotentRequest(t *testing.T) {
	var got struct {
		path, idem, user, secret string
		body                     map[string]any
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.path = r.URL.Path
		got.idem = r.Header.Get("Idempotency-Key")
		got.user = r.Header.Get("X-User-ID")
		got.secret = r.Header.Get("X-Service-Secret")
		_ = json.NewDecoder(r.Body).Decode(&got.body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(fastOptions(srv.URL), nil, discardLogger())
	defer c.Close()

	if err := c.Deliver(context.Background(), sampleTx()); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got.path != "/transactions" {
		t.Errorf("path = %q", got.path)
	}
	if got.idem != "basiq:txn_1" {
		t.Errorf("Idempotency-Key = %q", got.idem)
	}
	if got.user != "user1" || got.secret != "svc-secret" {
		t.Errorf("user=%q secret=%q", got.user, got.secret)
	}
	if got.body["amount"] != "-45.5" {
		t.Errorf("amount = %v", got.body["amount"])
	}
	meta, _ := got.body["metadata"].(map[string]any)
	if _, ok := meta["_rawStatus"]; ok {
		t.Error("internal metadata was sent")
	}
	if _, ok := meta["access_token"]; ok {
		t.Error("secret metadata was sent")
	}
	if meta["mcc"] != "5814" {
		t.Errorf("metadata = %v", meta)
	}
}

func TestDeliverSameKeyAcrossRetries(t *testing.T) {
	var keys []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		n := len(keys)
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(fastOptions(srv.URL), nil, discardLogger())
	if err := c.Deliver(context.Background(), sampleTx()); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("attempts = %d, want 3", len(keys))
	}
	for _, k := range keys {
		if k != keys[0] {
			t.Fatalf("keys differ across retries: %v", keys)
		}
	}
}

func TestDeliverConflictIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := NewClient(fastOptions(srv.URL), nil, discardLogger())
	if err := c.Deliver(context.Background(), sampleTx()); err != nil {
		t.Fatalf("409 should be treated as already delivered, got %v", err)
	}
}

func TestDeliverClientErrorsAreNotRetried(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				http.Error(w, `{"error":"internal detail"}`, status)
			}))
			defer srv.Close()

			c := NewClient(fastOptions(srv.URL), nil, discardLogger())
			err := c.Deliver(context.Background(), sampleTx())

			if hits.Load() != 1 {
				t.Errorf("attempts = %d, want 1", hits.Load())
			}
			var perm *PermanentError
			if !errors.As(err, &perm) || perm.StatusCode != status {
				t.Fatalf("err = %v, want PermanentError %d", err, status)
			}
			if domain.KindOf(err) != domain.KindSyncFailed {
				t.Errorf("kind = %s", domain.KindOf(err))
			}
			if strings.Contains(domain.PublicMessage(err), "internal detail") {
				t.Error("public message leaks the response body")
			}
			if c.Breaker().Failures != 0 {
				t.Errorf("4xx counted against breaker: %+v", c.Breaker())
			}
		})
	}
}

func TestDeliverThrottlingIsRetried(t *testing.T) {
	for _, status := range []int{http.StatusRequestTimeout, http.StatusTooManyRequests} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if hits.Add(1) == 1 {
					w.Header().Set("Retry-After", "0")
					w.WriteHeader(status)
					return
				}
				w.WriteHeader(http.StatusCreated)
			}))
			defer srv.Close()

			c := NewClient(fastOptions(srv.URL), nil, discardLogger())
			if err := c.Deliver(context.Background(), sampleTx()); err != nil {
				t.Fatalf("Deliver: %v", err)
			}
			if hits.Load() != 2 {
				t.Errorf("attempts = %d, want 2", hits.Load())
			}
		})
	}
}

func TestDeliverServerErrorsExhaustRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(fastOptions(srv.URL), nil, discardLogger())
	err := c.Deliver(context.Background(), sampleTx())

	if hits.Load() != 3 {
		t.Errorf("attempts = %d, want 3", hits.Load())
	}
	if domain.KindOf(err) != domain.KindSyncFailed {
		t.Fatalf("kind = %s, err = %v", domain.KindOf(err), err)
	}
	msg := domain.PublicMessage(err)
	if !strings.Contains(msg, "3 attempts") || !strings.Contains(msg, "circuit CLOSED") {
		t.Errorf("message = %q", msg)
	}
}

func TestDeliverTimeoutIsRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	opts := fastOptions(srv.URL)
	opts.Timeout = 20 * time.Millisecond
	opts.MaxRetries = 2
	c := NewClient(opts, nil, discardLogger())

	err := c.Deliver(context.Background(), sampleTx())
	if err == nil {
		t.Fatal("expected error")
	}
	if hits.Load() != 2 {
		t.Errorf("attempts = %d, want 2", hits.Load())
	}
}

func TestCircuitOpensAndFailsFast(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	opts := fastOptions(srv.URL)
	opts.MaxRetries = 1
	opts.FailureThreshold = 2
	opts.Cooldown = time.Hour
	alerts := newAlertRecorder()
	c := NewClient(opts, alerts, discardLogger())

	ctx := context.Background()
	_ = c.Deliver(ctx, sampleTx())
	_ = c.Deliver(ctx, sampleTx())
	if c.Breaker().State != resilience.StateOpen.String() {
		t.Fatalf("breaker = %+v, want OPEN", c.Breaker())
	}

	err := c.Deliver(ctx, sampleTx())
	if hits.Load() != 2 {
		t.Errorf("open breaker still performed I/O: hits = %d", hits.Load())
	}
	if domain.KindOf(err) != domain.KindConnectionFailed {
		t.Errorf("kind = %s", domain.KindOf(err))
	}
	if !strings.Contains(domain.PublicMessage(err), "OPEN") {
		t.Errorf("message = %q", domain.PublicMessage(err))
	}

	select {
	case <-alerts.fired:
	case <-time.After(time.Second):
		t.Fatal("no circuit_open alert")
	}
	_ = c.Deliver(ctx, sampleTx())
	time.Sleep(10 * time.Millisecond)
	if n := alerts.count(domain.AlertCircuitOpen); n != 1 {
		t.Errorf("circuit_open alerts = %d, want 1", n)
	}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := NewClient(fastOptions(srv.URL), nil, discardLogger()).Health(context.Background())
	if !h.Reachable || h.StatusCode != http.StatusOK || h.Breaker.State != "CLOSED" {
		t.Errorf("health = %+v", h)
	}
}
