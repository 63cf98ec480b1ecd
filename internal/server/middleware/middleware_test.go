package middleware

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

type countingLimiter struct {
	counts map[string]int
	err    error
}

func (c *countingLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) (bool, error) {
	if c.err != nil {
		return false, c.err
	}
	c.counts[key]++
	return c.counts[key] <= limit, nil
}

var ok = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

func TestAuth(t *testing.T) {
	var gotUser string
	h := Auth("secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = UserID(r.Context())
	}))

	tests := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{"bearer and user", map[string]string{"Authorization": "Bearer secret", UserIDHeader: "user-1"}, http.StatusOK},
		{"api key header", map[string]string{"X-API-Key": "secret", UserIDHeader: "user-1"}, http.StatusOK},
		{"wrong key", map[string]string{"Authorization": "Bearer nope", UserIDHeader: "user-1"}, http.StatusUnauthorized},
		{"no key", map[string]string{UserIDHeader: "user-1"}, http.StatusUnauthorized},
		{"no user", map[string]string{"Authorization": "Bearer secret"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotUser = ""
			req := httptest.NewRequest(http.MethodGet, "/api/connections", nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusOK && gotUser != "user-1" {
				t.Fatalf("user = %q", gotUser)
			}
			if tt.want == http.StatusUnauthorized && !strings.Contains(rec.Body.String(), `"UNAUTHORIZED"`) {
				t.Fatalf("body = %s", rec.Body.String())
			}
		})
	}
}

func TestAuthWithoutKeyStillRequiresUser(t *testing.T) {
	h := Auth("")(ok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	lim := &countingLimiter{counts: map[string]int{}}
	h := RateLimit(lim, "webhook", 2, time.Minute)(ok)

	do := func(ip string) int {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/basiq", nil)
		req.Header.Set("X-Forwarded-For", ip+", 10.0.0.1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	for i := 0; i < 2; i++ {
		if got := do("203.0.113.7"); got != http.StatusOK {
			t.Fatalf("request %d status = %d", i, got)
		}
	}
	if got := do("203.0.113.7"); got != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d", got)
	}
	if got := do("198.51.100.1"); got != http.StatusOK {
		t.Fatalf("other client status = %d", got)
	}
	if _, seen := lim.counts["ratelimit:webhook:203.0.113.7"]; !seen {
		t.Fatalf("keys = %v", lim.counts)
	}
}

func TestRateLimitFailsOpen(t *testing.T) {
	h := RateLimit(&countingLimiter{err: errors.New("redis down")}, "api", 1, time.Second)(ok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.5:4433"
	if got := ClientIP(req); got != "192.0.2.5" {
		t.Fatalf("remote addr ip = %q", got)
	}
	req.Header.Set("X-Real-IP", "192.0.2.9")
	if got := ClientIP(req); got != "192.0.2.9" {
		t.Fatalf("x-real-ip = %q", got)
	}
	req.Header.Set("X-Forwarded-For", "192.0.2.10, 192.0.2.11")
	if got := ClientIP(req); got != "192.0.2.10" {
		t.Fatalf("x-forwarded-for = %q", got)
	}
}

func TestRequestIDs(t *testing.T) {
	var seen string
	h := RequestIDs(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if _, err := uuid.Parse(seen); err != nil {
		t.Fatalf("generated id %q: %v", seen, err)
	}
	if rec.Header().Get(RequestIDHeader) != seen {
		t.Fatal("response header does not echo the request id")
	}

	inbound := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, inbound)
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != inbound {
		t.Fatalf("inbound id not reused: %q", seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "<script>")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen == "<script>" {
		t.Fatal("malformed inbound id was reused")
	}
}

func TestCORSPreflightAllowsSignatureHeaders(t *testing.T) {
	h := CORS([]string{"https://app.example.com/"})(ok)

	req := httptest.NewRequest(http.MethodOptions, "/webhooks/basiq", nil)
	req.Header.Set("Origin", "https://APP.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://APP.example.com" {
		t.Fatalf("allow origin = %q", got)
	}
	allowed := rec.Header().Get("Access-Control-Allow-Headers")
	for _, want := range []string{"Idempotency-Key", "Webhook-Signature", "Plaid-Verification", "X-Signature-SHA256", "X-Apideck-Signature", UserIDHeader} {
		if !strings.Contains(allowed, want) {
			t.Errorf("allow headers %q missing %s", allowed, want)
		}
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Expose-Headers"), RequestIDHeader) {
		t.Errorf("request id not exposed: %v", rec.Header())
	}
}

func TestCORSRejectsUnlistedOrigin(t *testing.T) {
	h := CORS([]string{"https://app.example.com"})(ok)

	req := httptest.NewRequest(http.MethodOptions, "/api/connections", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodDelete)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("preflight status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/connections", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("status = %d headers = %v", rec.Code, rec.Header())
	}
}

func TestLoggingOmitsQueryAndGradesLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/{connector}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream"))
	})
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusUnauthorized) })
	h := Logging(logger)(mux)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/webhooks/plaid", nil))
	line := buf.String()
	for _, want := range []string{"level=ERROR", "status=502", "bytes=8", "connector=plaid", `route="POST /webhooks/{connector}"`} {
		if !strings.Contains(line, want) {
			t.Errorf("log %q missing %s", line, want)
		}
	}

	buf.Reset()
	req := httptest.NewRequest(http.MethodGet, "/ws?user_id=u1&token=secret-jwt", nil)
	req.Header.Set(UserIDHeader, "u1")
	h.ServeHTTP(httptest.NewRecorder(), req)
	line = buf.String()
	if strings.Contains(line, "secret-jwt") {
		t.Fatalf("session token logged: %q", line)
	}
	if !strings.Contains(line, "level=WARN") || !strings.Contains(line, "user_id=u1") {
		t.Errorf("log = %q", line)
	}
}
