package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/txnbridge/internal/domain"
)

// ConnectionStore implements domain.ConnectionStore using PostgreSQL.
type ConnectionStore struct {
	pool *pgxpool.Pool
}

// NewConnectionStore creates a new ConnectionStore backed by the given pool.
func NewConnectionStore(pool *pgxpool.Pool) *ConnectionStore {
	return &ConnectionStore{pool: pool}
}

const connectionColumns = `id, user_id, connector_id, connector_type, external_ref, status,
	accounts, settings, metadata, last_sync_at, last_error, created_at, updated_at`

// Create inserts a new connection. A duplicate id or (connector, external
// ref) pair returns domain.ErrAlreadyExists.
func (s *ConnectionStore) Create(ctx context.Context, c domain.Connection) error {
	accounts, settings, metadata, err := marshalConnection(c)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	const query = `
		INSERT INTO connections (` + connectionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err = s.pool.Exec(ctx, query,
		c.ID, c.UserID, c.ConnectorID, string(c.ConnectorType), nullable(c.ExternalRef), string(c.Status),
		accounts, settings, metadata, c.LastSyncAt, c.LastError, c.CreatedAt, now,
	)
	if err != nil {
		return fmt.Errorf("postgres: create connection %s: %w", c.ID, mapErr(err))
	}
	return nil
}

// Get returns domain.ErrNotFound when id does not exist.
func (s *ConnectionStore) Get(ctx context.Context, id string) (domain.Connection, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+connectionColumns+` FROM connections WHERE id = $1`, id)
	c, err := scanConnection(row)
	if err != nil {
		return domain.Connection{}, fmt.Errorf("postgres: get connection %s: %w", id, mapErr(err))
	}
	return c, nil
}

// GetByExternalRef resolves a source-side identifier to its connection.
func (s *ConnectionStore) GetByExternalRef(ctx context.Context, connectorID, externalRef string) (domain.Connection, error) {
	const query = `SELECT ` + connectionColumns + ` FROM connections
		WHERE connector_id = $1 AND external_ref = $2`
	c, err := scanConnection(s.pool.QueryRow(ctx, query, connectorID, externalRef))
	if err != nil {
		return domain.Connection{}, fmt.Errorf("postgres: get connection by ref %s/%s: %w", connectorID, externalRef, mapErr(err))
	}
	return c, nil
}

// ListByUser returns the user's connections, newest first.
func (s *ConnectionStore) ListByUser(ctx context.Context, userID string) ([]domain.Connection, error) {
	const query = `SELECT ` + connectionColumns + ` FROM connections
		WHERE user_id = $1 ORDER BY created_at DESC`
	return s.list(ctx, "list connections by user", query, userID)
}

// ListByStatus returns connections in status, least recently synced first.
func (s *ConnectionStore) ListByStatus(ctx context.Context, status domain.ConnectionStatus, limit int) ([]domain.Connection, error) {
	if limit <= 0 {
		limit = 500
	}
	const query = `SELECT ` + connectionColumns + ` FROM connections
		WHERE status = $1 ORDER BY last_sync_at ASC NULLS FIRST LIMIT $2`
	return s.list(ctx, "list connections by status", query, string(status), limit)
}

// UpdateStatus sets the status and last error.
func (s *ConnectionStore) UpdateStatus(ctx context.Context, id string, status domain.ConnectionStatus, lastErr string) error {
	const query = `UPDATE connections SET status = $2, last_error = $3, updated_at = NOW() WHERE id = $1`
	return s.exec(ctx, "update connection status", id, query, id, string(status), lastErr)
}

// UpdateAccounts replaces the account snapshot.
func (s *ConnectionStore) UpdateAccounts(ctx context.Context, id string, accounts []domain.Account) error {
	data, err := json.Marshal(nonNilAccounts(accounts))
	if err != nil {
		return fmt.Errorf("postgres: marshal accounts: %w", err)
	}
	const query = `UPDATE connections SET accounts = $2, updated_at = NOW() WHERE id = $1`
	return s.exec(ctx, "update connection accounts", id, query, id, data)
}

// RecordSync stamps a successful sync time.
func (s *ConnectionStore) RecordSync(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE connections SET last_sync_at = $2, updated_at = NOW() WHERE id = $1`
	return s.exec(ctx, "record connection sync", id, query, id, at.UTC())
}

// Delete removes a connection; its credentials are removed by cascade.
func (s *ConnectionStore) Delete(ctx context.Context, id string) error {
	return s.exec(ctx, "delete connection", id, `DELETE FROM connections WHERE id = $1`, id)
}

func (s *ConnectionStore) exec(ctx context.Context, op, id, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: %s %s: %w", op, id, mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: %s %s: %w", op, id, domain.ErrNotFound)
	}
	return nil
}

func (s *ConnectionStore) list(ctx context.Context, op, query string, args ...any) ([]domain.Connection, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", op, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	return out, nil
}

func scanConnection(row pgx.Row) (domain.Connection, error) {
	var (
		c                            domain.Connection
		connectorType, status        string
		externalRef                  *string
		accounts, settings, metadata []byte
	)
	err := row.Scan(&c.ID, &c.UserID, &c.ConnectorID, &connectorType, &externalRef, &status,
		&accounts, &settings, &metadata, &c.LastSyncAt, &c.LastError, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return domain.Connection{}, err
	}
	c.ConnectorType = domain.ConnectorType(connectorType)
	c.Status = domain.ConnectionStatus(status)
	if externalRef != nil {
		c.ExternalRef = *externalRef
	}
	if err := unmarshalIfSet(accounts, &c.Accounts); err != nil {
		return domain.Connection{}, fmt.Errorf("accounts: %w", err)
	}
	if err := unmarshalIfSet(settings, &c.Settings); err != nil {
		return domain.Connection{}, fmt.Errorf("settings: %w", err)
	}
	if err := unmarshalIfSet(metadata, &c.Metadata); err != nil {
		return domain.Connection{}, fmt.Errorf("metadata: %w", err)
	}
	return c, nil
}

func marshalConnection(c domain.Connection) (accounts, settings, metadata []byte, err error) {
	if accounts, err = json.Marshal(nonNilAccounts(c.Accounts)); err != nil {
		return nil, nil, nil, fmt.Errorf("postgres: marshal accounts: %w", err)
	}
	if settings, err = json.Marshal(c.Settings); err != nil {
		return nil, nil, nil, fmt.Errorf("postgres: marshal settings: %w", err)
	}
	meta := c.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	if metadata, err = json.Marshal(meta); err != nil {
		return nil, nil, nil, fmt.Errorf("postgres: marshal metadata: %w", err)
	}
	return accounts, settings, metadata, nil
}

func nonNilAccounts(a []domain.Account) []domain.Account {
	if a == nil {
		return []domain.Account{}
	}
	return a
}

func unmarshalIfSet(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var _ domain.ConnectionStore = (*ConnectionStore)(nil)
