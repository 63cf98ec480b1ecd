package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/txnbridge/internal/audit"
	"github.com/alanyoungcy/txnbridge/internal/domain"
	"github.com/alanyoungcy/txnbridge/internal/server/handler"
	"github.com/alanyoungcy/txnbridge/internal/service"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeService struct {
	lastActx     audit.Context
	lastProvider string
	lastCreds    domain.Credentials
	lastSettings domain.ConnectionSettings
	lastFilter   domain.TransactionFilter
	syncErr      error
	deleteErr    error
}

func (f *fakeService) ListProviders() []domain.ConnectorMetadata {
	return []domain.ConnectorMetadata{{ID: "basiq"}}
}

func (f *fakeService) ListConnections(_ context.Context, userID string) ([]domain.Connection, error) {
	return []domain.Connection{{ID: "conn-1", UserID: userID}}, nil
}

func (f *fakeService) CreateConnection(_ context.Context, actx audit.Context, provider string, creds domain.Credentials, settings domain.ConnectionSettings) (domain.Connection, error) {
	f.lastActx, f.lastProvider, f.lastCreds, f.lastSettings = actx, provider, creds, settings
	if provider == "unknown" {
		return domain.Connection{}, domain.WrapError(domain.KindNotFound, "connector.get", "unknown connector", domain.ErrNotFound)
	}
	return domain.Connection{ID: "conn-new", UserID: actx.UserID, ConnectorID: provider}, nil
}

func (f *fakeService) Sync(_ context.Context, actx audit.Context, id string, filter domain.TransactionFilter) (domain.SyncResult, error) {
	f.lastActx, f.lastFilter = actx, filter
	if f.syncErr != nil {
		return domain.SyncResult{}, f.syncErr
	}
	return domain.SyncResult{
		Success:      true,
		ConnectionID: id,
		Transactions: []domain.Transaction{{TransactionID: "t1"}},
		Stats:        domain.SyncStats{Total: 1, Delivered: 1},
	}, nil
}

func (f *fakeService) RefreshAuth(context.Context, audit.Context, string) error { return nil }

func (f *fakeService) DeleteConnection(_ context.Context, actx audit.Context, _ string) error {
	f.lastActx = actx
	return f.deleteErr
}

func (f *fakeService) AuditTrail(context.Context, string, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func newTestServer(t *testing.T, svc *fakeService, checks map[string]handler.Pinger) http.Handler {
	t.Helper()
	logger := quietLogger()
	s := New(Config{APIKey: "key"}, Deps{
		Health:      handler.NewHealthHandler(checks, nil, logger),
		Connections: handler.NewConnectionHandler(svc, logger),
		Webhooks: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	}, logger)
	return s.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if authed {
		req.Header.Set("Authorization", "Bearer key")
		req.Header.Set("X-User-ID", "user-1")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return env.Error.Code
}

func TestHealthIsPublic(t *testing.T) {
	h := newTestServer(t, &fakeService{}, map[string]handler.Pinger{
		"postgres": handler.PingFunc(func(context.Context) error { return nil }),
	})
	rec := do(t, h, http.MethodGet, "/api/health", "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("request id header missing")
	}
}

func TestHealthDegraded(t *testing.T) {
	h := newTestServer(t, &fakeService{}, map[string]handler.Pinger{
		"redis": handler.PingFunc(func(context.Context) error { return errors.New("refused") }),
	})
	rec := do(t, h, http.MethodGet, "/api/health", "", false)
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), `"redis":"unavailable"`) {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestAPIRequiresAuth(t *testing.T) {
	h := newTestServer(t, &fakeService{}, nil)
	for _, path := range []string{"/api/providers", "/api/connections", "/api/audit"} {
		if rec := do(t, h, http.MethodGet, path, "", false); rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s status = %d", path, rec.Code)
		}
	}
	if rec := do(t, h, http.MethodPost, "/webhooks/basiq", "{}", false); rec.Code != http.StatusOK {
		t.Fatalf("webhook route required API auth: %d", rec.Code)
	}
}

func TestCreateConnection(t *testing.T) {
	svc := &fakeService{}
	h := newTestServer(t, svc, nil)

	rec := do(t, h, http.MethodPost, "/api/connections",
		`{"provider":"basiq","credentials":{"apiKey":"k"},"settings":{"syncIntervalMinutes":30,"defaultCurrency":"aud"}}`, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if svc.lastActx.UserID != "user-1" || svc.lastActx.RequestID == "" {
		t.Fatalf("audit context = %+v", svc.lastActx)
	}
	if svc.lastSettings.SyncFrequency != 30*time.Minute || !svc.lastSettings.AutoSync || svc.lastSettings.DefaultCurrency != "AUD" {
		t.Fatalf("settings = %+v", svc.lastSettings)
	}
	if svc.lastCreds["apiKey"] != "k" {
		t.Fatal("credentials not passed through")
	}

	tests := []struct {
		name string
		body string
		want int
	}{
		{"missing provider", `{"credentials":{}}`, http.StatusBadRequest},
		{"unknown field", `{"provider":"basiq","extra":1}`, http.StatusBadRequest},
		{"malformed", `{"provider":`, http.StatusBadRequest},
		{"unknown provider", `{"provider":"unknown"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(t, h, http.MethodPost, "/api/connections", tt.body, true); rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestSyncErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		want     int
		wantCode string
	}{
		{"in progress", service.ErrSyncInProgress, http.StatusConflict, "SYNC_IN_PROGRESS"},
		{"foreign connection", domain.NewError(domain.KindSecurityViolation, "service.Sync", "connection not found"), http.StatusForbidden, "SECURITY_VIOLATION"},
		{"expired", domain.NewError(domain.KindTokenExpired, "basiq.sync", "token expired"), http.StatusUnauthorized, "TOKEN_EXPIRED"},
		{"rate limited", &domain.Error{Kind: domain.KindRateLimitExceeded, RetryAfter: 30 * time.Second}, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED"},
		{"source down", domain.NewError(domain.KindConnectionFailed, "basiq.sync", "unavailable"), http.StatusBadGateway, "CONNECTION_FAILED"},
		{"unclassified", errors.New("pq: relation missing"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(t, &fakeService{syncErr: tt.err}, nil)
			rec := do(t, h, http.MethodPost, "/api/connections/conn-1/sync", "", true)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if got := errorCode(t, rec); got != tt.wantCode {
				t.Fatalf("code = %q", got)
			}
			if strings.Contains(rec.Body.String(), "pq:") {
				t.Fatal("internal error text leaked")
			}
			if tt.name == "rate limited" && rec.Header().Get("Retry-After") != "30" {
				t.Fatalf("Retry-After = %q", rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestSyncResponseOmitsTransactions(t *testing.T) {
	svc := &fakeService{}
	h := newTestServer(t, svc, nil)
	rec := do(t, h, http.MethodPost, "/api/connections/conn-1/sync", `{"dateFrom":"2025-01-01T00:00:00Z"}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), `"transactions"`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
	if svc.lastFilter.DateFrom == nil {
		t.Fatal("filter not decoded")
	}

	bad := do(t, h, http.MethodPost, "/api/connections/conn-1/sync", `{"dateFrom":"2025-02-01T00:00:00Z","dateTo":"2025-01-01T00:00:00Z"}`, true)
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("inverted range status = %d", bad.Code)
	}
}

func TestDeleteConnection(t *testing.T) {
	svc := &fakeService{}
	h := newTestServer(t, svc, nil)
	if rec := do(t, h, http.MethodDelete, "/api/connections/conn-1", "", true); rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	svc.deleteErr = domain.WrapError(domain.KindNotFound, "service.DeleteConnection", "connection not found", domain.ErrNotFound)
	if rec := do(t, h, http.MethodDelete, "/api/connections/conn-1", "", true); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newTestServer(t, &fakeService{}, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/connections", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Fatalf("status = %d headers = %v", rec.Code, rec.Header())
	}
}
