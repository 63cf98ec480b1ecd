package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/alanyoungcy/txnbridge/internal/audit"
	"github.com/alanyoungcy/txnbridge/internal/connector"
	"github.com/alanyoungcy/txnbridge/internal/domain"
	"github.com/alanyoungcy/txnbridge/internal/ledger"
)

// ErrSyncInProgress is returned when another sync of the same connection
// holds the lock.
var ErrSyncInProgress = errors.New("service: sync already in progress")

// ErrTriggerBusy is returned by TriggerSync when every background slot is
// taken.
var ErrTriggerBusy = errors.New("service: background sync slots exhausted")

// DefaultSyncFrequency applies to connections created without one.
const DefaultSyncFrequency = time.Hour

// CredentialVault is the subset of the vault the service needs.
type CredentialVault interface {
	Store(ctx context.Context, actx audit.Context, connectionID string, creds domain.Credentials) error
	Update(ctx context.Context, actx audit.Context, connectionID string, creds domain.Credentials) error
	Get(ctx context.Context, actx audit.Context, connectionID string) (domain.Credentials, error)
	Delete(ctx context.Context, actx audit.Context, connectionID string) error
}

// Deliverer hands a transaction to the ledger.
type Deliverer interface {
	Dispatch(ctx context.Context, tx domain.Transaction) (ledger.Outcome, error)
}

// Enricher adds merchant and category data to normalized transactions. It
// returns its input unchanged when enrichment fails.
type Enricher interface {
	Enrich(ctx context.Context, txs []domain.Transaction) []domain.Transaction
}

// Options tunes the connection service.
type Options struct {
	// SyncLockTTL bounds how long one sync may hold its lock.
	SyncLockTTL time.Duration
	// DeliveryConcurrency is the number of accounts delivered in parallel.
	DeliveryConcurrency int
	// BackgroundSyncs bounds concurrent TriggerSync runs.
	BackgroundSyncs int64
	// IncrementalOverlap is subtracted from LastSyncAt when a sync has no
	// explicit date range.
	IncrementalOverlap time.Duration
}

func (o *Options) defaults() {
	if o.SyncLockTTL <= 0 {
		o.SyncLockTTL = 5 * time.Minute
	}
	if o.DeliveryConcurrency <= 0 {
		o.DeliveryConcurrency = 4
	}
	if o.BackgroundSyncs <= 0 {
		o.BackgroundSyncs = 4
	}
	if o.IncrementalOverlap <= 0 {
		o.IncrementalOverlap = 24 * time.Hour
	}
}

// ConnectionDeps groups the collaborators of a ConnectionService. Cache,
// Publisher, Alerter and Enricher may be nil.
type ConnectionDeps struct {
	Registry    *connector.Registry
	Connections domain.ConnectionStore
	Cache       domain.ConnectionCache
	Vault       CredentialVault
	Locks       domain.LockManager
	Delivery    Deliverer
	History     domain.SyncHistoryStore
	AuditStore  domain.AuditStore
	Publisher   domain.Publisher
	Audit       *audit.Logger
	Alerter     domain.Alerter
	Enricher    Enricher
}

// ConnectionService owns the lifecycle of tenant connections: creation,
// sync, token refresh and removal.
type ConnectionService struct {
	deps   ConnectionDeps
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	base    context.Context
	slots   *semaphore.Weighted
	running sync.WaitGroup
}

// NewConnectionService creates a ConnectionService. Background syncs run on
// base and stop when it is cancelled.
func NewConnectionService(base context.Context, deps ConnectionDeps, opts Options, logger *slog.Logger) *ConnectionService {
	opts.defaults()
	return &ConnectionService{
		deps:   deps,
		opts:   opts,
		logger: logger.With(slog.String("component", "connections")),
		now:    time.Now,
		base:   base,
		slots:  semaphore.NewWeighted(opts.BackgroundSyncs),
	}
}

// ListProviders returns the metadata of every registered connector.
func (s *ConnectionService) ListProviders() []domain.ConnectorMetadata {
	return s.deps.Registry.Metadata()
}

// ListConnections returns the connections owned by userID.
func (s *ConnectionService) ListConnections(ctx context.Context, userID string) ([]domain.Connection, error) {
	conns, err := s.deps.Connections.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("service: list connections: %w", err)
	}
	return conns, nil
}

// AuditTrail returns userID's audit entries, newest first.
func (s *ConnectionService) AuditTrail(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	if s.deps.AuditStore == nil {
		return nil, nil
	}
	entries, err := s.deps.AuditStore.List(ctx, userID, opts)
	if err != nil {
		return nil, fmt.Errorf("service: list audit: %w", err)
	}
	return entries, nil
}

// CreateConnection validates creds with the provider, performs the first
// handshake and persists the connection and its encrypted credentials.
func (s *ConnectionService) CreateConnection(ctx context.Context, actx audit.Context, provider string, creds domain.Credentials, settings domain.ConnectionSettings) (domain.Connection, error) {
	const op = "service.CreateConnection"
	timer := s.deps.Audit.StartTimer()
	actx.ConnectorID = provider

	c, err := s.deps.Registry.Get(provider)
	if err != nil {
		return domain.Connection{}, err
	}
	if err := c.ValidateCredentials(ctx, creds); err != nil {
		s.deps.Audit.Failure(ctx, domain.AuditConnect, actx, err, nil)
		return domain.Connection{}, err
	}
	conn, err := c.Connect(ctx, actx.UserID, creds, settings)
	if err != nil {
		s.deps.Audit.Failure(ctx, domain.AuditConnect, actx, err, nil)
		return domain.Connection{}, err
	}

	now := s.now().UTC()
	meta := c.Metadata()
	conn.ID = uuid.NewString()
	conn.UserID = actx.UserID
	conn.ConnectorID = meta.ID
	conn.ConnectorType = meta.Type
	conn.Status = domain.StatusConnected
	conn.Settings = settings
	if conn.Settings.SyncFrequency <= 0 {
		conn.Settings.SyncFrequency = DefaultSyncFrequency
	}
	if conn.Settings.DefaultCurrency == "" {
		conn.Settings.DefaultCurrency = meta.DefaultCurrency
	}
	conn.CreatedAt, conn.UpdatedAt = now, now
	actx = actx.WithConnection(conn)

	if err := s.deps.Connections.Create(ctx, conn); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			err = domain.WrapError(domain.KindInvalidData, op, "this source is already connected", err)
		}
		s.deps.Audit.Failure(ctx, domain.AuditConnect, actx, err, nil)
		return domain.Connection{}, err
	}
	if err := s.deps.Vault.Store(ctx, actx, conn.ID, creds); err != nil {
		if derr := s.deps.Connections.Delete(ctx, conn.ID); derr != nil {
			s.logger.ErrorContext(ctx, "rollback of connection without credentials failed",
				slog.String("connection_id", conn.ID),
				slog.String("error", derr.Error()),
			)
		}
		s.deps.Audit.Failure(ctx, domain.AuditConnect, actx, err, nil)
		return domain.Connection{}, err
	}

	s.deps.Audit.Log(ctx, domain.AuditConnect, domain.AuditSuccess, actx, map[string]any{
		"accounts": len(conn.Accounts),
	}, timer.Elapsed())
	s.logger.InfoContext(ctx, "connection created",
		slog.String("connection_id", conn.ID),
		slog.String("connector", conn.ConnectorID),
		slog.Int("accounts", len(conn.Accounts)),
	)
	s.publishStatus(ctx, conn, domain.StatusConnected, "connected")

	if conn.Settings.AutoSync {
		if err := s.TriggerSync(conn.ID); err != nil {
			s.logger.WarnContext(ctx, "initial sync not started",
				slog.String("connection_id", conn.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return conn, nil
}

// owned loads connectionID and checks that actx.UserID owns it.
func (s *ConnectionService) owned(ctx context.Context, op string, actx audit.Context, connectionID string) (domain.Connection, error) {
	conn, err := s.deps.Connections.Get(ctx, connectionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Connection{}, domain.WrapError(domain.KindNotFound, op, "connection not found", err)
		}
		return domain.Connection{}, fmt.Errorf("service: load connection: %w", err)
	}
	if conn.UserID != actx.UserID {
		actx.ConnectionID = connectionID
		s.deps.Audit.SecurityAlert(ctx, actx, "connection_owner_mismatch", map[string]any{"operation": op})
		// Same answer as a missing row so ids cannot be enumerated.
		return domain.Connection{}, domain.NewError(domain.KindSecurityViolation, op, "connection not found")
	}
	return conn, nil
}

// Sync pulls transactions for one connection and delivers them to the
// ledger. Only one sync per connection runs at a time across instances.
func (s *ConnectionService) Sync(ctx context.Context, actx audit.Context, connectionID string, filter domain.TransactionFilter) (domain.SyncResult, error) {
	const op = "service.Sync"

	unlock, err := s.lock(ctx, connectionID)
	if err != nil {
		return domain.SyncResult{}, err
	}
	defer unlock()

	conn, err := s.owned(ctx, op, actx, connectionID)
	if err != nil {
		return domain.SyncResult{}, err
	}
	return s.sync(ctx, actx.WithConnection(conn), conn, filter)
}

func (s *ConnectionService) lock(ctx context.Context, connectionID string) (func(), error) {
	if s.deps.Locks == nil {
		return func() {}, nil
	}
	unlock, err := s.deps.Locks.Acquire(ctx, "sync:"+connectionID, s.opts.SyncLockTTL)
	if errors.Is(err, domain.ErrLockHeld) {
		return nil, ErrSyncInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("service: sync lock: %w", err)
	}
	return unlock, nil
}

func (s *ConnectionService) sync(ctx context.Context, actx audit.Context, conn domain.Connection, filter domain.TransactionFilter) (domain.SyncResult, error) {
	timer := s.deps.Audit.StartTimer()
	c, err := s.deps.Registry.Get(conn.ConnectorID)
	if err != nil {
		return domain.SyncResult{}, err
	}

	s.setStatus(ctx, conn, domain.StatusSyncing, "")
	s.deps.Audit.Log(ctx, domain.AuditSync, domain.AuditPending, actx, nil, 0)

	creds, err := s.deps.Vault.Get(ctx, actx, conn.ID)
	if err != nil {
		return s.syncFailed(ctx, actx, conn, err, timer)
	}

	filter = s.incremental(conn, filter)
	result, err := c.Sync(ctx, conn.Ref(), creds, filter)
	if isAuthError(err) && c.Metadata().Capabilities.RefreshableAuth {
		s.logger.InfoContext(ctx, "sync rejected credentials, refreshing",
			slog.String("connection_id", conn.ID),
		)
		creds, err = s.refresh(ctx, actx, c, conn, creds)
		if err == nil {
			result, err = c.Sync(ctx, conn.Ref(), creds, filter)
		}
	}
	if err != nil {
		return s.syncFailed(ctx, actx, conn, err, timer)
	}

	if s.deps.Enricher != nil {
		result.Transactions = s.deps.Enricher.Enrich(ctx, result.Transactions)
	}
	s.deliverAll(ctx, actx, conn, &result)

	now := s.now().UTC()
	if len(result.Accounts) > 0 {
		if err := s.deps.Connections.UpdateAccounts(ctx, conn.ID, result.Accounts); err != nil {
			s.logger.WarnContext(ctx, "account snapshot not saved",
				slog.String("connection_id", conn.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if err := s.deps.Connections.RecordSync(ctx, conn.ID, now); err != nil {
		s.logger.WarnContext(ctx, "last sync time not saved",
			slog.String("connection_id", conn.ID),
			slog.String("error", err.Error()),
		)
	}
	s.setStatus(ctx, conn, domain.StatusConnected, "")
	s.record(ctx, conn, true, result.Stats, "", timer.Elapsed())

	s.publish(ctx, domain.EventSyncComplete, conn.UserID, map[string]any{
		"connectionId": conn.ID,
		"stats":        result.Stats,
	})
	s.deps.Audit.Log(ctx, domain.AuditSyncComplete, domain.AuditSuccess, actx, map[string]any{
		"total":          result.Stats.Total,
		"new":            result.Stats.New,
		"skipped":        result.Stats.Skipped,
		"delivered":      result.Stats.Delivered,
		"deferred":       result.Stats.Deferred,
		"failedAccounts": len(result.Stats.FailedAccounts),
	}, timer.Elapsed())
	s.logger.InfoContext(ctx, "sync complete",
		slog.String("connection_id", conn.ID),
		slog.String("connector", conn.ConnectorID),
		slog.Int("total", result.Stats.Total),
		slog.Int("delivered", result.Stats.Delivered),
		slog.Int("deferred", result.Stats.Deferred),
		slog.Duration("elapsed", timer.Elapsed()),
	)
	return result, nil
}

// incremental narrows an open-ended filter to the time since the last
// successful sync and to the accounts selected in the connection settings.
func (s *ConnectionService) incremental(conn domain.Connection, f domain.TransactionFilter) domain.TransactionFilter {
	if f.DateFrom == nil && conn.LastSyncAt != nil {
		from := conn.LastSyncAt.Add(-s.opts.IncrementalOverlap)
		f.DateFrom = &from
	}
	if len(f.AccountIDs) == 0 && len(conn.Settings.AccountIDs) > 0 {
		f.AccountIDs = conn.Settings.AccountIDs
	}
	return f
}

// deliverAll hands result's transactions to the ledger. Accounts run in
// parallel; each account's transactions keep their order. A transaction not
// owned by the connection's user is never delivered.
func (s *ConnectionService) deliverAll(ctx context.Context, actx audit.Context, conn domain.Connection, result *domain.SyncResult) {
	if s.deps.Delivery == nil || len(result.Transactions) == 0 {
		return
	}
	var order []string
	byAccount := make(map[string][]domain.Transaction)
	for _, tx := range result.Transactions {
		if _, ok := byAccount[tx.AccountID]; !ok {
			order = append(order, tx.AccountID)
		}
		byAccount[tx.AccountID] = append(byAccount[tx.AccountID], tx)
	}

	var delivered, deferred atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.DeliveryConcurrency)
	for _, accountID := range order {
		txs := byAccount[accountID]
		g.Go(func() error {
			for _, tx := range txs {
				if tx.UserID != conn.UserID {
					s.deps.Audit.SecurityAlert(gctx, actx, "transaction_user_mismatch", map[string]any{
						"transactionId": tx.TransactionID,
					})
					continue
				}
				outcome, err := s.deps.Delivery.Dispatch(gctx, tx)
				switch outcome {
				case ledger.Delivered:
					delivered.Add(1)
					s.publish(gctx, domain.EventTransactionNew, conn.UserID, tx)
				case ledger.Deferred:
					deferred.Add(1)
				case ledger.Rejected:
					s.logger.WarnContext(gctx, "ledger rejected transaction",
						slog.String("connection_id", conn.ID),
						slog.String("transaction_id", tx.TransactionID),
						slog.String("error", errString(err)),
					)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	result.Stats.Delivered = int(delivered.Load())
	result.Stats.Deferred = int(deferred.Load())
}

// refresh exchanges creds for fresh ones and stores them. A rejected refresh
// leaves the connection expired.
func (s *ConnectionService) refresh(ctx context.Context, actx audit.Context, c connector.Connector, conn domain.Connection, creds domain.Credentials) (domain.Credentials, error) {
	fresh, err := c.RefreshAuth(ctx, conn.Ref(), creds)
	if err != nil {
		s.deps.Audit.Failure(ctx, domain.AuditTokenRefresh, actx, err, nil)
		return nil, err
	}
	if err := s.deps.Vault.Update(ctx, actx, conn.ID, fresh); err != nil {
		s.deps.Audit.Failure(ctx, domain.AuditTokenRefresh, actx, err, nil)
		return nil, err
	}
	s.deps.Audit.Log(ctx, domain.AuditTokenRefresh, domain.AuditSuccess, actx, nil, 0)
	return fresh, nil
}

func (s *ConnectionService) syncFailed(ctx context.Context, actx audit.Context, conn domain.Connection, err error, timer audit.Timer) (domain.SyncResult, error) {
	status := domain.StatusError
	if isAuthError(err) {
		status = domain.StatusExpired
	}
	msg := domain.PublicMessage(err)
	s.setStatus(ctx, conn, status, msg)
	s.record(ctx, conn, false, domain.SyncStats{}, msg, timer.Elapsed())
	s.deps.Audit.Failure(ctx, domain.AuditSyncComplete, actx, err, nil)
	s.logger.ErrorContext(ctx, "sync failed",
		slog.String("connection_id", conn.ID),
		slog.String("connector", conn.ConnectorID),
		slog.String("status", string(status)),
		slog.String("error", err.Error()),
	)
	if s.deps.Alerter != nil {
		if aerr := s.deps.Alerter.Alert(ctx, domain.AlertSyncFailed, "Sync failed", map[string]string{
			"connection": conn.ID,
			"connector":  conn.ConnectorID,
			"kind":       string(domain.KindOf(err)),
		}); aerr != nil {
			s.logger.WarnContext(ctx, "sync failure alert not sent", slog.String("error", aerr.Error()))
		}
	}
	return domain.SyncResult{ConnectionID: conn.ID, Timestamp: s.now().UTC()}, err
}

func (s *ConnectionService) record(ctx context.Context, conn domain.Connection, ok bool, stats domain.SyncStats, errMsg string, elapsed time.Duration) {
	if s.deps.History == nil {
		return
	}
	err := s.deps.History.Record(ctx, domain.SyncRecord{
		ConnectionID: conn.ID,
		UserID:       conn.UserID,
		Success:      ok,
		Stats:        stats,
		Error:        errMsg,
		DurationMs:   elapsed.Milliseconds(),
		CreatedAt:    s.now().UTC(),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "sync history not recorded",
			slog.String("connection_id", conn.ID),
			slog.String("error", err.Error()),
		)
	}
}

// RefreshAuth explicitly refreshes the credentials of connectionID.
func (s *ConnectionService) RefreshAuth(ctx context.Context, actx audit.Context, connectionID string) error {
	const op = "service.RefreshAuth"
	conn, err := s.owned(ctx, op, actx, connectionID)
	if err != nil {
		return err
	}
	actx = actx.WithConnection(conn)
	c, err := s.deps.Registry.Get(conn.ConnectorID)
	if err != nil {
		return err
	}
	creds, err := s.deps.Vault.Get(ctx, actx, conn.ID)
	if err != nil {
		return err
	}
	if _, err := s.refresh(ctx, actx, c, conn, creds); err != nil {
		if isAuthError(err) {
			s.setStatus(ctx, conn, domain.StatusExpired, domain.PublicMessage(err))
		}
		return err
	}
	if conn.Status != domain.StatusConnected {
		s.setStatus(ctx, conn, domain.StatusConnected, "")
	}
	return nil
}

// DeleteConnection revokes access at the source where possible and removes
// every trace of the connection's credentials.
func (s *ConnectionService) DeleteConnection(ctx context.Context, actx audit.Context, connectionID string) error {
	const op = "service.DeleteConnection"
	timer := s.deps.Audit.StartTimer()
	conn, err := s.owned(ctx, op, actx, connectionID)
	if err != nil {
		return err
	}
	actx = actx.WithConnection(conn)

	if c, err := s.deps.Registry.Get(conn.ConnectorID); err == nil {
		creds, err := s.deps.Vault.Get(ctx, actx, conn.ID)
		if err == nil {
			err = c.Disconnect(ctx, conn.Ref(), creds)
		}
		if err != nil {
			s.logger.WarnContext(ctx, "source disconnect failed, removing locally",
				slog.String("connection_id", conn.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := s.deps.Vault.Delete(ctx, actx, conn.ID); err != nil {
		s.deps.Audit.Failure(ctx, domain.AuditDisconnect, actx, err, nil)
		return err
	}
	if err := s.deps.Connections.Delete(ctx, conn.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.deps.Audit.Failure(ctx, domain.AuditDisconnect, actx, err, nil)
		return fmt.Errorf("service: delete connection: %w", err)
	}
	if s.deps.Cache != nil {
		_ = s.deps.Cache.Invalidate(ctx, conn.ID)
	}
	s.deps.Audit.Log(ctx, domain.AuditDisconnect, domain.AuditSuccess, actx, nil, timer.Elapsed())
	s.logger.InfoContext(ctx, "connection deleted",
		slog.String("connection_id", conn.ID),
		slog.String("connector", conn.ConnectorID),
	)
	s.publishStatus(ctx, conn, domain.StatusDisconnected, "deleted")
	return nil
}

// TriggerSync starts a background sync of connectionID on the service's
// base context. It returns ErrTriggerBusy when every slot is taken.
func (s *ConnectionService) TriggerSync(connectionID string) error {
	if !s.slots.TryAcquire(1) {
		return ErrTriggerBusy
	}
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		defer s.slots.Release(1)
		ctx := s.base

		unlock, err := s.lock(ctx, connectionID)
		if errors.Is(err, ErrSyncInProgress) {
			s.logger.DebugContext(ctx, "background sync skipped, already running", slog.String("connection_id", connectionID))
			return
		}
		if err != nil {
			s.logger.WarnContext(ctx, "background sync lock failed",
				slog.String("connection_id", connectionID),
				slog.String("error", err.Error()),
			)
			return
		}
		defer unlock()

		conn, err := s.deps.Connections.Get(ctx, connectionID)
		if err != nil {
			s.logger.WarnContext(ctx, "background sync target missing",
				slog.String("connection_id", connectionID),
				slog.String("error", err.Error()),
			)
			return
		}
		actx := audit.Context{UserID: conn.UserID, RequestID: "sync-" + uuid.NewString(), Background: true}.WithConnection(conn)
		_, _ = s.sync(ctx, actx, conn, domain.TransactionFilter{})
	}()
	return nil
}

// Wait blocks until every background sync has returned.
func (s *ConnectionService) Wait() {
	s.running.Wait()
}

func (s *ConnectionService) setStatus(ctx context.Context, conn domain.Connection, status domain.ConnectionStatus, lastErr string) {
	if err := s.deps.Connections.UpdateStatus(ctx, conn.ID, status, lastErr); err != nil {
		s.logger.ErrorContext(ctx, "connection status update failed",
			slog.String("connection_id", conn.ID),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
		return
	}
	if s.deps.Cache != nil {
		_ = s.deps.Cache.Invalidate(ctx, conn.ID)
	}
	if status != domain.StatusSyncing {
		s.publishStatus(ctx, conn, status, lastErr)
	}
}

func (s *ConnectionService) publishStatus(ctx context.Context, conn domain.Connection, status domain.ConnectionStatus, reason string) {
	s.publish(ctx, domain.EventConnectionStatus, conn.UserID, map[string]any{
		"connectionId": conn.ID,
		"connectorId":  conn.ConnectorID,
		"status":       status,
		"reason":       reason,
	})
}

func (s *ConnectionService) publish(ctx context.Context, typ domain.EventType, userID string, data any) {
	if s.deps.Publisher == nil {
		return
	}
	err := s.deps.Publisher.Publish(ctx, domain.RealtimeEvent{
		Type:      typ,
		UserID:    userID,
		Data:      data,
		Timestamp: s.now().UTC(),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "realtime publish failed",
			slog.String("event", string(typ)),
			slog.String("error", err.Error()),
		)
	}
}

func isAuthError(err error) bool {
	return errors.Is(err, domain.ErrTokenExpired) || errors.Is(err, domain.ErrUnauthorized)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
