// Package audit records security-relevant operations in an append-only log
// with secret-shaped fields redacted before they reach storage.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/txnbridge/internal/domain"
)

// Context identifies who performed an operation and from where.
type Context struct {
	UserID       string
	ConnectionID string
	ConnectorID  string
	IPAddress    string
	UserAgent    string
	RequestID    string
	// Background marks work the process started on its own, such as
	// scheduled and webhook-triggered syncs.
	Background bool
}

// WithConnection returns a copy of c scoped to one connection.
func (c Context) WithConnection(conn domain.Connection) Context {
	c.ConnectionID = conn.ID
	c.ConnectorID = conn.ConnectorID
	if c.UserID == "" {
		c.UserID = conn.UserID
	}
	return c
}

// Logger writes audit rows. Storage failures are logged and swallowed so
// that auditing never breaks the operation being audited.
type Logger struct {
	store   domain.AuditStore
	alerter domain.Alerter
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an audit logger. alerter may be nil.
func New(store domain.AuditStore, alerter domain.Alerter, logger *slog.Logger) *Logger {
	return &Logger{
		store:   store,
		alerter: alerter,
		logger:  logger.With(slog.String("component", "audit")),
		now:     time.Now,
	}
}

// Log appends one row.
func (l *Logger) Log(ctx context.Context, action domain.AuditAction, status domain.AuditStatus, actx Context, details map[string]any, elapsed time.Duration) {
	l.write(ctx, action, status, actx, details, "", elapsed)
}

// Failure appends a failure row carrying the error kind and its user-safe
// message. The raw error chain is only logged.
func (l *Logger) Failure(ctx context.Context, action domain.AuditAction, actx Context, err error, details map[string]any) {
	d := make(map[string]any, len(details)+1)
	for k, v := range details {
		d[k] = v
	}
	d["errorKind"] = string(domain.KindOf(err))
	l.write(ctx, action, domain.AuditFailure, actx, d, domain.PublicMessage(err), 0)
	if err != nil {
		l.logger.DebugContext(ctx, "audited failure",
			slog.String("action", string(action)),
			slog.String("error", err.Error()),
		)
	}
}

// SecurityAlert records a security_alert row and notifies operators.
func (l *Logger) SecurityAlert(ctx context.Context, actx Context, alertType string, details map[string]any) {
	d := make(map[string]any, len(details)+1)
	for k, v := range details {
		d[k] = v
	}
	d["alertType"] = alertType
	l.write(ctx, domain.AuditSecurityAlert, domain.AuditFailure, actx, d, "", 0)

	l.logger.WarnContext(ctx, "security alert",
		slog.String("alert", alertType),
		slog.String("user_id", actx.UserID),
		slog.String("connection_id", actx.ConnectionID),
	)
	if l.alerter == nil {
		return
	}
	fields := map[string]string{
		"alert":      alertType,
		"user":       actx.UserID,
		"connection": actx.ConnectionID,
		"connector":  actx.ConnectorID,
		"ip":         actx.IPAddress,
	}
	if err := l.alerter.Alert(ctx, domain.AlertSecurity, "Security alert: "+alertType, fields); err != nil {
		l.logger.ErrorContext(ctx, "security alert dispatch failed", slog.String("error", err.Error()))
	}
}

// Timer measures the duration of an audited operation.
type Timer struct {
	start time.Time
	now   func() time.Time
}

// StartTimer starts measuring an operation.
func (l *Logger) StartTimer() Timer {
	return Timer{start: l.now(), now: l.now}
}

// Elapsed returns the time since StartTimer.
func (t Timer) Elapsed() time.Duration {
	return t.now().Sub(t.start)
}

func (l *Logger) write(ctx context.Context, action domain.AuditAction, status domain.AuditStatus, actx Context, details map[string]any, errMsg string, elapsed time.Duration) {
	entry := domain.AuditEntry{
		Action:       action,
		Status:       status,
		UserID:       actx.UserID,
		ConnectionID: actx.ConnectionID,
		ConnectorID:  actx.ConnectorID,
		IPAddress:    actx.IPAddress,
		UserAgent:    actx.UserAgent,
		RequestID:    actx.RequestID,
		Detail:       domain.RedactDetails(details),
		ErrorMessage: errMsg,
		DurationMs:   elapsed.Milliseconds(),
		CreatedAt:    l.now().UTC(),
	}
	if l.store == nil {
		return
	}
	if err := l.store.Log(ctx, entry); err != nil {
		l.logger.ErrorContext(ctx, "audit write failed",
			slog.String("action", string(action)),
			slog.String("error", err.Error()),
		)
	}
}
