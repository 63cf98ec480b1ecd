package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// ConnectionStore persists tenant connections.
type ConnectionStore interface {
	Create(ctx context.Context, conn Connection) error
	Get(ctx context.Context, id string) (Connection, error)
	GetByExternalRef(ctx context.Context, connectorID, externalRef string) (Connection, error)
	ListByUser(ctx context.Context, userID string) ([]Connection, error)
	ListByStatus(ctx context.Context, status ConnectionStatus, limit int) ([]Connection, error)
	UpdateStatus(ctx context.Context, id string, status ConnectionStatus, lastErr string) error
	UpdateAccounts(ctx context.Context, id string, accounts []Account) error
	RecordSync(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
}

// CredentialStore persists encrypted credential blobs. It never sees plaintext.
type CredentialStore interface {
	Put(ctx context.Context, connectionID, userID string, blob []byte) error
	Get(ctx context.Context, connectionID string) (userID string, blob []byte, err error)
	Delete(ctx context.Context, connectionID string) error
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, entry AuditEntry) error
	List(ctx context.Context, userID string, opts ListOpts) ([]AuditEntry, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]AuditEntry, error)
}

// SyncHistoryStore persists per-connection sync outcomes.
type SyncHistoryStore interface {
	Record(ctx context.Context, rec SyncRecord) error
	ListByConnection(ctx context.Context, connectionID string, opts ListOpts) ([]SyncRecord, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]SyncRecord, error)
}
