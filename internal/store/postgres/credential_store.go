package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/txnbridge/internal/domain"
)

// CredentialStore implements domain.CredentialStore. It only ever handles
// sealed blobs.
type CredentialStore struct {
	pool *pgxpool.Pool
}

// NewCredentialStore creates a new CredentialStore backed by the given pool.
func NewCredentialStore(pool *pgxpool.Pool) *CredentialStore {
	return &CredentialStore{pool: pool}
}

// Put inserts or replaces the blob for connectionID.
func (s *CredentialStore) Put(ctx context.Context, connectionID, userID string, blob []byte) error {
	const query = `
		INSERT INTO connection_credentials (connection_id, user_id, blob)
		VALUES ($1, $2, $3)
		ON CONFLICT (connection_id) DO UPDATE
		SET blob = EXCLUDED.blob, updated_at = NOW()
		WHERE connection_credentials.user_id = EXCLUDED.user_id`
	tag, err := s.pool.Exec(ctx, query, connectionID, userID, blob)
	if err != nil {
		return fmt.Errorf("postgres: put credentials %s: %w", connectionID, mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: put credentials %s: owner mismatch: %w", connectionID, domain.ErrSecurityViolation)
	}
	return nil
}

// Get returns the owner and blob of connectionID.
func (s *CredentialStore) Get(ctx context.Context, connectionID string) (string, []byte, error) {
	var (
		userID string
		blob   []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, blob FROM connection_credentials WHERE connection_id = $1`, connectionID,
	).Scan(&userID, &blob)
	if err != nil {
		return "", nil, fmt.Errorf("postgres: get credentials %s: %w", connectionID, mapErr(err))
	}
	return userID, blob, nil
}

// Delete removes the blob. Deleting a missing row is not an error.
func (s *CredentialStore) Delete(ctx context.Context, connectionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM connection_credentials WHERE connection_id = $1`, connectionID); err != nil {
		return fmt.Errorf("postgres: delete credentials %s: %w", connectionID, err)
	}
	return nil
}

var _ domain.CredentialStore = (*CredentialStore)(nil)
