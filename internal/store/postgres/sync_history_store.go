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

// SyncHistoryStore implements domain.SyncHistoryStore using PostgreSQL.
type SyncHistoryStore struct {
	pool *pgxpool.Pool
}

// NewSyncHistoryStore creates a new SyncHistoryStore backed by the given pool.
func NewSyncHistoryStore(pool *pgxpool.Pool) *SyncHistoryStore {
	return &SyncHistoryStore{pool: pool}
}

const syncColumns = `id, connection_id, user_id, success, stats, error, duration_ms, created_at`

// Record appends one sync outcome.
func (s *SyncHistoryStore) Record(ctx context.Context, rec domain.SyncRecord) error {
	stats, err := json.Marshal(rec.Stats)
	if err != nil {
		return fmt.Errorf("postgres: marshal sync stats: %w", err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	const query = `
		INSERT INTO sync_history (connection_id, user_id, success, stats, error, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := s.pool.Exec(ctx, query,
		rec.ConnectionID, rec.UserID, rec.Success, stats, rec.Error, rec.DurationMs, rec.CreatedAt,
	); err != nil {
		return fmt.Errorf("postgres: record sync %s: %w", rec.ConnectionID, err)
	}
	return nil
}

// ListByConnection returns a connection's history, newest first.
func (s *SyncHistoryStore) ListByConnection(ctx context.Context, connectionID string, opts domain.ListOpts) ([]domain.SyncRecord, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + syncColumns + ` FROM sync_history
		WHERE connection_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := s.pool.Query(ctx, query, connectionID, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sync history: %w", err)
	}
	return collectSync(rows)
}

// ListBefore returns the oldest records created before the cutoff.
func (s *SyncHistoryStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.SyncRecord, error) {
	query := `SELECT ` + syncColumns + ` FROM sync_history WHERE created_at < $1 ORDER BY created_at ASC LIMIT $2`
	rows, err := s.pool.Query(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sync history before: %w", err)
	}
	return collectSync(rows)
}

// DeleteBefore prunes records older than the cutoff once they are archived.
func (s *SyncHistoryStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sync_history WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: prune sync history: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectSync(rows pgx.Rows) ([]domain.SyncRecord, error) {
	defer rows.Close()

	var out []domain.SyncRecord
	for rows.Next() {
		var (
			r     domain.SyncRecord
			stats []byte
		)
		if err := rows.Scan(&r.ID, &r.ConnectionID, &r.UserID, &r.Success, &stats, &r.Error, &r.DurationMs, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan sync record: %w", err)
		}
		if err := unmarshalIfSet(stats, &r.Stats); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal sync stats: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list sync history rows: %w", err)
	}
	return out, nil
}

var _ domain.SyncHistoryStore = (*SyncHistoryStore)(nil)
