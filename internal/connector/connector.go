// Package connector defines the capability contract every external
// transaction source implements, the registry that maps connector ids to
// implementations, and the Basiq, Plaid, Wise and Apideck variants.
//
// Connector instances are stateless. Credentials are passed to every call
// and the owning user always arrives through a trusted domain.ConnectionRef,
// so one instance can never mix data between tenants.
package connector

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/alanyoungcy/txnbridge/internal/domain"
)

// Connector speaks to one external source.
type Connector interface {
	Metadata() domain.ConnectorMetadata

	// ValidateCredentials returns nil when creds are usable. Missing fields
	// and source rejections are reported as InvalidCredentials. It never
	// changes state at the source.
	ValidateCredentials(ctx context.Context, creds domain.Credentials) error

	// Connect performs the first handshake and returns a connection with its
	// initial account list. ID and UserID are assigned by the caller.
	Connect(ctx context.Context, userID string, creds domain.Credentials, settings domain.ConnectionSettings) (domain.Connection, error)

	// Disconnect revokes access at the source where the source supports it.
	Disconnect(ctx context.Context, conn domain.ConnectionRef, creds domain.Credentials) error

	GetAccounts(ctx context.Context, conn domain.ConnectionRef, creds domain.Credentials) ([]domain.Account, error)

	// GetTransactions returns normalized transactions for one account. Filters
	// are applied after normalization.
	GetTransactions(ctx context.Context, conn domain.ConnectionRef, accountID string, creds domain.Credentials, filter domain.TransactionFilter) ([]domain.Transaction, error)

	// Sync fetches accounts and then transactions per account. One account
	// failing is logged and skipped.
	Sync(ctx context.Context, conn domain.ConnectionRef, creds domain.Credentials, filter domain.TransactionFilter) (domain.SyncResult, error)

	// RefreshAuth returns refreshed credentials. A rejected refresh is
	// TokenExpired.
	RefreshAuth(ctx context.Context, conn domain.ConnectionRef, creds domain.Credentials) (domain.Credentials, error)
}

// Factory builds a fresh Connector.
type Factory func() Connector

type registration struct {
	factory Factory
	meta    domain.ConnectorMetadata
}

// Registry maps connector ids to factories. It is built once at start-up
// and passed to whoever needs it.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// Register adds a connector under id. Registering an id twice is an error.
func (r *Registry) Register(id string, f Factory) error {
	if id == "" || f == nil {
		return fmt.Errorf("connector: register: id and factory are required")
	}
	meta := f().Metadata()
	if meta.ID != id {
		return fmt.Errorf("connector: register %q: factory reports id %q", id, meta.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		return fmt.Errorf("connector: register %q: %w", id, domain.ErrAlreadyExists)
	}
	r.entries[id] = registration{factory: f, meta: meta}
	return nil
}

// Get returns a new Connector for id.
func (r *Registry) Get(id string) (Connector, error) {
	r.mu.RLock()
	reg, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.WrapError(domain.KindNotFound, "connector.get",
			fmt.Sprintf("unknown connector %q (available: %s)", id, strings.Join(r.IDs(), ", ")),
			domain.ErrNotFound)
	}
	return reg.factory(), nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Metadata returns the metadata of every connector, sorted by id.
func (r *Registry) Metadata() []domain.ConnectorMetadata {
	ids := r.IDs()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ConnectorMetadata, 0, len(ids))
	for _, id := range ids {
		if reg, ok := r.entries[id]; ok {
			out = append(out, reg.meta)
		}
	}
	return out
}

// ByType returns the metadata of connectors of type t.
func (r *Registry) ByType(t domain.ConnectorType) []domain.ConnectorMetadata {
	var out []domain.ConnectorMetadata
	for _, m := range r.Metadata() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}
