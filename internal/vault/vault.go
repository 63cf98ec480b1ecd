// Package vault owns the encrypted form of every connection's credentials.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/alanyoungcy/txnbridge/internal/audit"
	"github.com/alanyoungcy/txnbridge/internal/domain"
)

// Sealer encrypts and decrypts blobs bound to associated data.
type Sealer interface {
	Seal(plaintext, aad []byte) ([]byte, error)
	Open(data, aad []byte) ([]byte, error)
}

// Options tunes the per-tenant read limit.
type Options struct {
	ReadLimit  int
	ReadWindow time.Duration
}

// Vault encrypts credentials before persistence and rate-limits reads.
type Vault struct {
	sealer  Sealer
	store   domain.CredentialStore
	limiter domain.RateLimiter
	audit   *audit.Logger
	opts    Options
	logger  *slog.Logger
}

// New creates a Vault.
func New(sealer Sealer, store domain.CredentialStore, limiter domain.RateLimiter, auditor *audit.Logger, opts Options, logger *slog.Logger) *Vault {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 30
	}
	if opts.ReadWindow <= 0 {
		opts.ReadWindow = time.Minute
	}
	return &Vault{
		sealer:  sealer,
		store:   store,
		limiter: limiter,
		audit:   auditor,
		opts:    opts,
		logger:  logger.With(slog.String("component", "vault")),
	}
}

// Store encrypts creds and persists them for connectionID owned by actx.UserID.
func (v *Vault) Store(ctx context.Context, actx audit.Context, connectionID string, creds domain.Credentials) error {
	return v.put(ctx, actx, connectionID, creds, domain.AuditCredentialStore)
}

// Update replaces the stored credentials, for example after a token refresh.
func (v *Vault) Update(ctx context.Context, actx audit.Context, connectionID string, creds domain.Credentials) error {
	return v.put(ctx, actx, connectionID, creds, domain.AuditCredentialUpdate)
}

func (v *Vault) put(ctx context.Context, actx audit.Context, connectionID string, creds domain.Credentials, action domain.AuditAction) error {
	actx.ConnectionID = connectionID
	if actx.UserID == "" {
		return domain.NewError(domain.KindSecurityViolation, "vault.store", "credentials must have an owner")
	}
	plain, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("vault: marshal credentials: %w", err)
	}
	blob, err := v.sealer.Seal(plain, []byte(connectionID))
	if err != nil {
		v.audit.Failure(ctx, action, actx, err, nil)
		return fmt.Errorf("vault: seal: %w", err)
	}
	if err := v.store.Put(ctx, connectionID, actx.UserID, blob); err != nil {
		v.audit.Failure(ctx, action, actx, err, nil)
		return fmt.Errorf("vault: persist: %w", err)
	}
	v.audit.Log(ctx, action, domain.AuditSuccess, actx, map[string]any{"fields": fieldNames(creds)}, 0)
	return nil
}

// Get returns decrypted credentials after enforcing the caller's read limit
// and ownership of the connection. Interactive reads share one budget per
// user; background reads are budgeted per connection so a user with many
// auto-syncing connections is not throttled by the scheduler.
func (v *Vault) Get(ctx context.Context, actx audit.Context, connectionID string) (domain.Credentials, error) {
	const op = "vault.get"
	actx.ConnectionID = connectionID

	key := "vault:read:" + actx.UserID
	if actx.Background {
		key = "vault:read:bg:" + connectionID
	}
	allowed, err := v.limiter.Allow(ctx, key, v.opts.ReadLimit, v.opts.ReadWindow)
	if err != nil {
		v.logger.ErrorContext(ctx, "read limiter unavailable, denying",
			slog.String("connection_id", connectionID),
			slog.String("error", err.Error()),
		)
		derr := domain.WrapError(domain.KindRateLimitExceeded, op, "credential access temporarily unavailable", err)
		v.audit.Failure(ctx, domain.AuditCredentialAccess, actx, derr, nil)
		return nil, derr
	}
	if !allowed {
		derr := &domain.Error{Kind: domain.KindRateLimitExceeded, Op: op, Message: "too many credential reads", RetryAfter: v.opts.ReadWindow}
		v.audit.Failure(ctx, domain.AuditCredentialAccess, actx, derr, map[string]any{"limit": v.opts.ReadLimit})
		v.audit.SecurityAlert(ctx, actx, "credential_read_rate_exceeded", map[string]any{
			"limit":  v.opts.ReadLimit,
			"window": v.opts.ReadWindow.String(),
		})
		return nil, derr
	}

	owner, blob, err := v.store.Get(ctx, connectionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.WrapError(domain.KindNotFound, op, "credentials not found", err)
		}
		v.audit.Failure(ctx, domain.AuditCredentialAccess, actx, err, nil)
		return nil, fmt.Errorf("vault: load: %w", err)
	}
	if owner != actx.UserID {
		derr := domain.NewError(domain.KindSecurityViolation, op, "credential access denied")
		v.audit.SecurityAlert(ctx, actx, "credential_owner_mismatch", map[string]any{"ownerUserId": owner})
		return nil, derr
	}

	plain, err := v.sealer.Open(blob, []byte(connectionID))
	if err != nil {
		derr := domain.WrapError(domain.KindSecurityViolation, op, "stored credentials failed integrity check", err)
		v.audit.Failure(ctx, domain.AuditCredentialAccess, actx, derr, nil)
		return nil, derr
	}
	var creds domain.Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return nil, fmt.Errorf("vault: decode credentials: %w", err)
	}
	v.audit.Log(ctx, domain.AuditCredentialAccess, domain.AuditSuccess, actx, nil, 0)
	return creds, nil
}

// Delete removes the stored credentials of connectionID.
func (v *Vault) Delete(ctx context.Context, actx audit.Context, connectionID string) error {
	actx.ConnectionID = connectionID
	if err := v.store.Delete(ctx, connectionID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		v.audit.Failure(ctx, domain.AuditCredentialDelete, actx, err, nil)
		return fmt.Errorf("vault: delete: %w", err)
	}
	v.audit.Log(ctx, domain.AuditCredentialDelete, domain.AuditSuccess, actx, nil, 0)
	return nil
}

func fieldNames(c domain.Credentials) []string {
	return slices.Sorted(maps.Keys(c))
}
