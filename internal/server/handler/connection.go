package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/txnbridge/internal/audit"
	"github.com/alanyoungcy/txnbridge/internal/domain"
	"github.com/alanyoungcy/txnbridge/internal/server/middleware"
)

// ConnectionService defines the methods that the connection handler requires
// from the service layer.
type ConnectionService interface {
	ListProviders() []domain.ConnectorMetadata
	ListConnections(ctx context.Context, userID string) ([]domain.Connection, error)
	CreateConnection(ctx context.Context, actx audit.Context, provider string, creds domain.Credentials, settings domain.ConnectionSettings) (domain.Connection, error)
	Sync(ctx context.Context, actx audit.Context, connectionID string, filter domain.TransactionFilter) (domain.SyncResult, error)
	RefreshAuth(ctx context.Context, actx audit.Context, connectionID string) error
	DeleteConnection(ctx context.Context, actx audit.Context, connectionID string) error
	AuditTrail(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

// ConnectionHandler serves provider, connection and audit endpoints.
type ConnectionHandler struct {
	svc    ConnectionService
	logger *slog.Logger
}

// NewConnectionHandler creates a ConnectionHandler.
func NewConnectionHandler(svc ConnectionService, logger *slog.Logger) *ConnectionHandler {
	return &ConnectionHandler{svc: svc, logger: logHandler(logger, "connections")}
}

// auditContext describes the caller of r for audit rows.
func auditContext(r *http.Request) audit.Context {
	return audit.Context{
		UserID:    middleware.UserID(r.Context()),
		IPAddress: middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
		RequestID: middleware.RequestID(r.Context()),
	}
}

// ListProviders returns every registered connector.
// GET /api/providers
func (h *ConnectionHandler) ListProviders(w http.ResponseWriter, r *http.Request) {
	providers := h.svc.ListProviders()
	if providers == nil {
		providers = []domain.ConnectorMetadata{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": providers})
}

// ListConnections returns the caller's connections.
// GET /api/connections
func (h *ConnectionHandler) ListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := h.svc.ListConnections(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if conns == nil {
		conns = []domain.Connection{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": conns})
}

type settingsRequest struct {
	AutoSync            *bool    `json:"autoSync"`
	SyncIntervalMinutes int      `json:"syncIntervalMinutes"`
	LookbackDays        int      `json:"lookbackDays"`
	AccountIDs          []string `json:"accountIds"`
	DefaultCurrency     string   `json:"defaultCurrency"`
}

type createConnectionRequest struct {
	Provider    string             `json:"provider"`
	Credentials domain.Credentials `json:"credentials"`
	Settings    settingsRequest    `json:"settings"`
}

func (s settingsRequest) toDomain() domain.ConnectionSettings {
	out := domain.ConnectionSettings{
		AutoSync:        true,
		LookbackDays:    s.LookbackDays,
		AccountIDs:      s.AccountIDs,
		DefaultCurrency: strings.ToUpper(strings.TrimSpace(s.DefaultCurrency)),
	}
	if s.AutoSync != nil {
		out.AutoSync = *s.AutoSync
	}
	if s.SyncIntervalMinutes > 0 {
		out.SyncFrequency = time.Duration(s.SyncIntervalMinutes) * time.Minute
	}
	return out
}

// CreateConnection validates credentials with the provider and stores a new
// connection.
// POST /api/connections
func (h *ConnectionHandler) CreateConnection(w http.ResponseWriter, r *http.Request) {
	var req createConnectionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(domain.KindInvalidData), "invalid request body")
		return
	}
	req.Provider = strings.TrimSpace(req.Provider)
	if req.Provider == "" {
		writeError(w, http.StatusBadRequest, string(domain.KindInvalidData), "provider is required")
		return
	}
	if req.Settings.LookbackDays < 0 || req.Settings.SyncIntervalMinutes < 0 {
		writeError(w, http.StatusBadRequest, string(domain.KindInvalidData), "settings must not be negative")
		return
	}

	conn, err := h.svc.CreateConnection(r.Context(), auditContext(r), req.Provider, req.Credentials, req.Settings.toDomain())
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, conn)
}

// SyncConnection runs a sync and returns its result. The body is an
// optional transaction filter.
// POST /api/connections/{id}/sync
func (h *ConnectionHandler) SyncConnection(w http.ResponseWriter, r *http.Request) {
	var filter domain.TransactionFilter
	if err := decodeBody(w, r, &filter); err != nil {
		writeError(w, http.StatusBadRequest, string(domain.KindInvalidData), "invalid transaction filter")
		return
	}
	if filter.DateFrom != nil && filter.DateTo != nil && filter.DateFrom.After(*filter.DateTo) {
		writeError(w, http.StatusBadRequest, string(domain.KindInvalidData), "dateFrom must not be after dateTo")
		return
	}

	res, err := h.svc.Sync(r.Context(), auditContext(r), r.PathValue("id"), filter)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	// Transactions were delivered to the ledger; the response carries the
	// summary only.
	res.Transactions = nil
	writeJSON(w, http.StatusOK, res)
}

// RefreshConnection refreshes the connection's source credentials.
// POST /api/connections/{id}/refresh
func (h *ConnectionHandler) RefreshConnection(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.RefreshAuth(r.Context(), auditContext(r), r.PathValue("id")); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"refreshed": true})
}

// DeleteConnection disconnects and removes a connection.
// DELETE /api/connections/{id}
func (h *ConnectionHandler) DeleteConnection(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteConnection(r.Context(), auditContext(r), r.PathValue("id")); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListAudit returns the caller's audit trail.
// GET /api/audit?limit=50&offset=0&since=...&until=...
func (h *ConnectionHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.AuditTrail(r.Context(), middleware.UserID(r.Context()), parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
