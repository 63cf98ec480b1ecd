package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/txnbridge/internal/audit"
	"github.com/alanyoungcy/txnbridge/internal/connector"
	"github.com/alanyoungcy/txnbridge/internal/domain"
	"github.com/alanyoungcy/txnbridge/internal/ledger"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// --- fakes ---

type memConnections struct {
	mu    sync.Mutex
	conns map[string]domain.Connection
}

func newMemConnections() *memConnections {
	return &memConnections{conns: map[string]domain.Connection{}}
}

func (m *memConnections) Create(_ context.Context, c domain.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.conns {
		if c.ExternalRef != "" && existing.ConnectorID == c.ConnectorID && existing.ExternalRef == c.ExternalRef {
			return domain.ErrAlreadyExists
		}
	}
	m.conns[c.ID] = c
	return nil
}

func (m *memConnections) Get(_ context.Context, id string) (domain.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return domain.Connection{}, domain.ErrNotFound
	}
	return c, nil
}

func (m *memConnections) GetByExternalRef(context.Context, string, string) (domain.Connection, error) {
	return domain.Connection{}, domain.ErrNotFound
}

func (m *memConnections) ListByUser(_ context.Context, userID string) ([]domain.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Connection
	for _, c := range m.conns {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memConnections) ListByStatus(_ context.Context, status domain.ConnectionStatus, limit int) ([]domain.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Connection
	for _, c := range m.conns {
		if c.Status == status && len(out) < limit {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memConnections) UpdateStatus(_ context.Context, id string, s domain.ConnectionStatus, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return domain.ErrNotFound
	}
	c.Status, c.LastError = s, lastErr
	m.conns[id] = c
	return nil
}

func (m *memConnections) UpdateAccounts(_ context.Context, id string, accounts []domain.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conns[id]
	c.Accounts = accounts
	m.conns[id] = c
	return nil
}

func (m *memConnections) RecordSync(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conns[id]
	c.LastSyncAt = &at
	m.conns[id] = c
	return nil
}

func (m *memConnections) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, id)
	return nil
}

func (m *memConnections) status(id string) domain.ConnectionStatus {
	c, _ := m.Get(context.Background(), id)
	return c.Status
}

type memVault struct {
	mu      sync.Mutex
	creds   map[string]domain.Credentials
	owners  map[string]string
	updates int
	failPut error
	// background records the flag of the last Get.
	background bool
}

func newMemVault() *memVault {
	return &memVault{creds: map[string]domain.Credentials{}, owners: map[string]string{}}
}

func (v *memVault) Store(_ context.Context, actx audit.Context, id string, c domain.Credentials) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failPut != nil {
		return v.failPut
	}
	v.creds[id], v.owners[id] = c.Clone(), actx.UserID
	return nil
}

func (v *memVault) Update(_ context.Context, actx audit.Context, id string, c domain.Credentials) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.updates++
	v.creds[id] = c.Clone()
	return nil
}

func (v *memVault) Get(_ context.Context, actx audit.Context, id string) (domain.Credentials, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.background = actx.Background
	c, ok := v.creds[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if v.owners[id] != actx.UserID {
		return nil, domain.ErrSecurityViolation
	}
	return c.Clone(), nil
}

func (v *memVault) Delete(_ context.Context, _ audit.Context, id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.creds, id)
	delete(v.owners, id)
	return nil
}

type memLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *memLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, nil
}

type fakeDelivery struct {
	mu       sync.Mutex
	txs      []domain.Transaction
	deferIDs map[string]bool
}

func (d *fakeDelivery) Dispatch(_ context.Context, tx domain.Transaction) (ledger.Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.txs = append(d.txs, tx)
	if d.deferIDs[tx.TransactionID] {
		return ledger.Deferred, errors.New("ledger unavailable")
	}
	return ledger.Delivered, nil
}

type memHistory struct {
	mu      sync.Mutex
	records []domain.SyncRecord
}

func (h *memHistory) Record(_ context.Context, r domain.SyncRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}

func (h *memHistory) ListByConnection(context.Context, string, domain.ListOpts) ([]domain.SyncRecord, error) {
	return nil, nil
}

func (h *memHistory) ListBefore(context.Context, time.Time, int) ([]domain.SyncRecord, error) {
	return nil, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []domain.RealtimeEvent
}

func (p *fakePublisher) Publish(_ context.Context, ev domain.RealtimeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *fakePublisher) count(typ domain.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type memAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (m *memAudit) Log(_ context.Context, e domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memAudit) List(_ context.Context, userID string, _ domain.ListOpts) ([]domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range m.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memAudit) ListBefore(context.Context, time.Time, int) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (m *memAudit) has(action domain.AuditAction, status domain.AuditStatus) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.Action == action && e.Status == status {
			return true
		}
	}
	return false
}

// scriptedConnector returns canned results and records calls.
type scriptedConnector struct {
	mu            sync.Mutex
	refreshable   bool
	validateErr   error
	syncErrs      []error
	syncCalls     int
	refreshCalls  int
	refreshErr    error
	disconnected  bool
	disconnectErr error
	lastFilter    domain.TransactionFilter
	lastCreds     domain.Credentials
	result        domain.SyncResult
}

func (c *scriptedConnector) Metadata() domain.ConnectorMetadata {
	return domain.ConnectorMetadata{
		ID:              "scripted",
		Type:            domain.ConnectorTypeBank,
		Source:          domain.SourceBankAPI,
		DefaultCurrency: "AUD",
		Capabilities:    domain.ConnectorCapabilities{RefreshableAuth: c.refreshable},
	}
}

func (c *scriptedConnector) ValidateCredentials(context.Context, domain.Credentials) error {
	return c.validateErr
}

func (c *scriptedConnector) Connect(_ context.Context, userID string, _ domain.Credentials, _ domain.ConnectionSettings) (domain.Connection, error) {
	return domain.Connection{
		UserID:      "ignored-" + userID,
		ExternalRef: "ext-1",
		Accounts:    []domain.Account{{ID: "acc-1", Currency: "AUD"}},
	}, nil
}

func (c *scriptedConnector) Disconnect(context.Context, domain.ConnectionRef, domain.Credentials) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return c.disconnectErr
}

func (c *scriptedConnector) GetAccounts(context.Context, domain.ConnectionRef, domain.Credentials) ([]domain.Account, error) {
	return c.result.Accounts, nil
}

func (c *scriptedConnector) GetTransactions(context.Context, domain.ConnectionRef, string, domain.Credentials, domain.TransactionFilter) ([]domain.Transaction, error) {
	return c.result.Transactions, nil
}

func (c *scriptedConnector) Sync(_ context.Context, ref domain.ConnectionRef, creds domain.Credentials, f domain.TransactionFilter) (domain.SyncResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastFilter, c.lastCreds = f, creds
	call := c.syncCalls
	c.syncCalls++
	if call < len(c.syncErrs) && c.syncErrs[call] != nil {
		return domain.SyncResult{}, c.syncErrs[call]
	}
	res := c.result
	res.ConnectionID = ref.ID
	res.Success = true
	return res, nil
}

func (c *scriptedConnector) RefreshAuth(_ context.Context, _ domain.ConnectionRef, creds domain.Credentials) (domain.Credentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshCalls++
	if c.refreshErr != nil {
		return nil, c.refreshErr
	}
	out := creds.Clone()
	out["accessToken"] = "fresh"
	return out, nil
}

// --- harness ---

type fixture struct {
	svc       *ConnectionService
	conn      *scriptedConnector
	store     *memConnections
	vault     *memVault
	locks     *memLocks
	delivery  *fakeDelivery
	history   *memHistory
	publisher *fakePublisher
	audits    *memAudit
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		conn:      &scriptedConnector{refreshable: true},
		store:     newMemConnections(),
		vault:     newMemVault(),
		locks:     &memLocks{held: map[string]bool{}},
		delivery:  &fakeDelivery{deferIDs: map[string]bool{}},
		history:   &memHistory{},
		publisher: &fakePublisher{},
		audits:    &memAudit{},
	}
	reg := connector.NewRegistry()
	if err := reg.Register("scripted", func() connector.Connector { return f.conn }); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	f.svc = NewConnectionService(ctx, ConnectionDeps{
		Registry:    reg,
		Connections: f.store,
		Vault:       f.vault,
		Locks:       f.locks,
		Delivery:    f.delivery,
		History:     f.history,
		AuditStore:  f.audits,
		Publisher:   f.publisher,
		Audit:       audit.New(f.audits, nil, quietLogger()),
	}, Options{}, quietLogger())
	return f
}

func tx(id, account string, amount int64) domain.Transaction {
	return domain.Transaction{
		TransactionID: id,
		UserID:        "user-1",
		AccountID:     account,
		Amount:        decimal.NewFromInt(amount),
		Currency:      "AUD",
		ConnectorID:   "scripted",
	}
}

func (f *fixture) create(t *testing.T) domain.Connection {
	t.Helper()
	conn, err := f.svc.CreateConnection(context.Background(), audit.Context{UserID: "user-1"}, "scripted",
		domain.Credentials{"apiKey": "k"}, domain.ConnectionSettings{})
	if err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}
	return conn
}

// --- tests ---

func TestCreateConnection(t *testing.T) {
	f := newFixture(t)
	conn := f.create(t)

	if conn.ID == "" || conn.UserID != "user-1" || conn.ConnectorID != "scripted" {
		t.Fatalf("conn = %+v", conn)
	}
	if conn.Status != domain.StatusConnected || conn.Settings.SyncFrequency != DefaultSyncFrequency || conn.Settings.DefaultCurrency != "AUD" {
		t.Fatalf("defaults not applied: %+v", conn)
	}
	if f.vault.owners[conn.ID] != "user-1" {
		t.Fatal("credentials not stored for the owner")
	}
	if !f.audits.has(domain.AuditConnect, domain.AuditSuccess) {
		t.Fatal("connect not audited")
	}
	if f.publisher.count(domain.EventConnectionStatus) != 1 {
		t.Fatal("status not published")
	}

	if _, err := f.svc.CreateConnection(context.Background(), audit.Context{UserID: "user-2"}, "scripted",
		domain.Credentials{"apiKey": "k"}, domain.ConnectionSettings{}); domain.KindOf(err) != domain.KindInvalidData {
		t.Fatalf("duplicate external ref err = %v", err)
	}
}

func TestCreateConnectionRejectsBadCredentials(t *testing.T) {
	f := newFixture(t)
	f.conn.validateErr = domain.NewError(domain.KindInvalidCredentials, "scripted.validate", "bad key")

	_, err := f.svc.CreateConnection(context.Background(), audit.Context{UserID: "user-1"}, "scripted", domain.Credentials{}, domain.ConnectionSettings{})
	if !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("err = %v", err)
	}
	if len(f.store.conns) != 0 {
		t.Fatal("connection persisted despite invalid credentials")
	}
	if !f.audits.has(domain.AuditConnect, domain.AuditFailure) {
		t.Fatal("failure not audited")
	}
}

func TestCreateConnectionRollsBackWithoutCredentials(t *testing.T) {
	f := newFixture(t)
	f.vault.failPut = errors.New("disk full")
	if _, err := f.svc.CreateConnection(context.Background(), audit.Context{UserID: "user-1"}, "scripted", domain.Credentials{"apiKey": "k"}, domain.ConnectionSettings{}); err == nil {
		t.Fatal("expected error")
	}
	if len(f.store.conns) != 0 {
		t.Fatal("connection left behind without credentials")
	}
}

func TestCreateConnectionUnknownProvider(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateConnection(context.Background(), audit.Context{UserID: "user-1"}, "nope", nil, domain.ConnectionSettings{})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestSyncDeliversAndRecords(t *testing.T) {
	f := newFixture(t)
	conn := f.create(t)
	f.conn.result = domain.SyncResult{
		Accounts: []domain.Account{{ID: "acc-1"}, {ID: "acc-2"}},
		Transactions: []domain.Transaction{
			tx("a1", "acc-1", -10), tx("b1", "acc-2", 5), tx("a2", "acc-1", -20), tx("b2", "acc-2", 7),
		},
		Stats: domain.SyncStats{Total: 4, New: 4},
	}
	f.delivery.deferIDs["b2"] = true

	res, err := f.svc.Sync(context.Background(), audit.Context{UserID: "user-1"}, conn.ID, domain.TransactionFilter{})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Stats.Delivered != 3 || res.Stats.Deferred != 1 {
		t.Fatalf("stats = %+v", res.Stats)
	}

	// Per-account order is preserved.
	var acc1 []string
	for _, d := range f.delivery.txs {
		if d.AccountID == "acc-1" {
			acc1 = append(acc1, d.TransactionID)
		}
	}
	if len(acc1) != 2 || acc1[0] != "a1" || acc1[1] != "a2" {
		t.Fatalf("acc-1 delivery order = %v", acc1)
	}

	stored, _ := f.store.Get(context.Background(), conn.ID)
	if stored.Status != domain.StatusConnected || stored.LastSyncAt == nil || len(stored.Accounts) != 2 {
		t.Fatalf("stored = %+v", stored)
	}
	if len(f.history.records) != 1 || !f.history.records[0].Success {
		t.Fatalf("history = %+v", f.history.records)
	}
	if f.publisher.count(domain.EventTransactionNew) != 3 || f.publisher.count(domain.EventSyncComplete) != 1 {
		t.Fatalf("events = %+v", f.publisher.events)
	}
	if !f.audits.has(domain.AuditSyncComplete, domain.AuditSuccess) {
		t.Fatal("sync_complete not audited")
	}
	if len(f.locks.held) != 0 {
		t.Fatal("sync lock not released")
	}
}

type taggingEnricher struct {
	calls int
}

func (e *taggingEnricher) Enrich(_ context.Context, txs []domain.Transaction) []domain.Transaction {
	e.calls++
	out := make([]domain.Transaction, len(txs))
	for i, t := range txs {
		t.Merchant = "enriched " + t.TransactionID
		out[i] = t
	}
	return out
}

func TestSyncEnrichesBeforeDelivery(t *testing.T) {
	f := newFixture(t)
	enricher := &taggingEnricher{}
	f.svc.deps.Enricher = enricher
	conn := f.create(t)
	f.conn.result = domain.SyncResult{Transactions: []domain.Transaction{tx("a1", "acc-1", -10), tx("a2", "acc-1", -3)}}

	if _, err := f.svc.Sync(context.Background(), audit.Context{UserID: "user-1"}, conn.ID, domain.TransactionFilter{}); err != nil {
		t.Fatal(err)
	}
	if enricher.calls != 1 || len(f.delivery.txs) != 2 {
		t.Fatalf("enrich calls = %d delivered = %d", enricher.calls, len(f.delivery.txs))
	}
	for _, d := range f.delivery.txs {
		if d.Merchant != "enriched "+d.TransactionID {
			t.Fatalf("delivered unenriched %s", d.TransactionID)
		}
	}
}

func TestSyncNeverDeliversForeignTransactions(t *testing.T) {
	f := newFixture(t)
	conn := f.create(t)
	foreign := tx("x1", "acc-1", -99)
	foreign.UserID = "user-2"
	f.conn.result = domain.SyncResult{Transactions: []domain.Transaction{tx("a1", "acc-1", -10), foreign}}

	res, err := f.svc.Sync(context.Background(), audit.Context{UserID: "user-1"}, conn.ID, domain.TransactionFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(f.delivery.txs) != 1 || f.delivery.txs[0].TransactionID != "a1" || res.Stats.Delivered != 1 {
		t.Fatalf("delivered = %+v", f.delivery.txs)
	}
	if !f.audits.has(domain.AuditSecurityAlert, domain.AuditFailure) {
		t.Fatal("foreign transaction not raised as a security alert")
	}
}

func TestSyncIsIncrementalAfterFirstRun(t *testing.T) {
	f := newFixture(t)
	conn := f.create(t)
	last := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	_ = f.store.RecordSync(context.Background(), conn.ID, last)

	if _, err := f.svc.Sync(context.Background(), audit.Context{UserID: "user-1"}, conn.ID, domain.TransactionFilter{}); err != nil {
		t.Fatal(err)
	}
	if f.conn.lastFilter.DateFrom == nil || !f.conn.lastFilter.DateFrom.Equal(last.Add(-24*time.Hour)) {
		t.Fatalf("DateFrom = %v", f.conn.lastFilter.DateFrom)
	}
}

func TestSyncRejectsOtherUsers(t *testing.T) {
	f := newFixture(t)
	conn := f.create(t)

	_, err := f.svc.Sync(context.Background(), audit.Context{UserID: "user-2"}, conn.ID, domain.TransactionFilter{})
	if !errors.Is(err, domain.ErrSecurityViolation) {
		t.Fatalf("err = %v", err)
	}
	if f.conn.syncCalls != 0 {
		t.Fatal("connector called for a foreign user")
	}
	if !f.audits.has(domain.AuditSecurityAlert, domain.AuditFailure) {
		t.Fatal("ownership mismatch not audited")
	}
}

func TestSyncInProgress(t *testing.T) {
	f := newFixture(t)
	conn := f.create(t)
	unlock, _ := f.locks.Acquire(context.Background(), "sync:"+conn.ID, time.Minute)
	defer unlock()

	_, err := f.svc.Sync(context.Background(), audit.Context{UserID: "user-1"}, conn.ID, domain.TransactionFilter{})
	if !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("err = %v", err)
	}
}

func TestSyncRefreshesOnceOnExpiredToken(t *testing.T) {
	f := newFixture(t)
	conn := f.create(t)
	f.conn.syncErrs = []error{domain.NewError(domain.KindTokenExpired, "scripted.sync", "expired")}

	if _, err := f.svc.Sync(context.Background(), audit.Context{UserID: "user-1"}, conn.ID, domain.TransactionFilter{}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if f.conn.refreshCalls != 1 || f.conn.syncCalls != 2 {
		t.Fatalf("refresh=%d sync=%d", f.conn.refreshCalls, f.conn.syncCalls)
	}
	if f.vault.updates != 1 || f.conn.lastCreds["accessToken"] != "fresh" {
		t.Fatal("refreshed credentials not stored and reused")
	}
	if !f.audits.has(domain.AuditTokenRefresh, domain.AuditSuccess) {
		t.Fatal("refresh not audited")
	}
}

func TestSyncExpiresWhenRefreshFails(t *testing.T) {
	f := newFixture(t)
	conn := f.create(t)
	f.conn.syncErrs = []error{domain.NewError(domain.KindUnauthorized, "scripted.sync", "revoked")}
	f.conn.refreshErr = domain.NewError(domain.KindTokenExpired, "scripted.refresh", "refresh rejected")

	_, err := f.svc.Sync(context.Background(), audit.Context{UserID: "user-1"}, conn.ID, domain.TransactionFilter{})
	if !errors.Is(err, domain.ErrTokenExpired) {
		t.Fatalf("err = %v", err)
	}
	if got := f.store.status(conn.ID); got != domain.StatusExpired {
		t.Fatalf("status = %s", got)
	}
	if f.conn.syncCalls != 1 {
		t.Fatalf("sync retried after a failed refresh: %d calls", f.conn.syncCalls)
	}
	if len(f.history.records) != 1 || f.history.records[0].Success {
		t.Fatalf("history = %+v", f.history.records)
	}
}

func TestSyncFailureSetsErrorStatus(t *testing.T) {
	f := newFixture(t)
	conn := f.create(t)
	f.conn.syncErrs = []error{domain.NewError(domain.KindConnectionFailed, "scripted.sync", "bank offline")}

	if _, err := f.svc.Sync(context.Background(), audit.Context{UserID: "user-1"}, conn.ID, domain.TransactionFilter{}); err == nil {
		t.Fatal("expected error")
	}
	stored, _ := f.store.Get(context.Background(), conn.ID)
	if stored.Status != domain.StatusError || stored.LastError == "" {
		t.Fatalf("stored = %+v", stored)
	}
	if f.conn.refreshCalls != 0 {
		t.Fatal("refresh attempted for a non-auth error")
	}
}

func TestRefreshAuth(t *testing.T) {
	f := newFixture(t)
	conn := f.create(t)
	_ = f.store.UpdateStatus(context.Background(), conn.ID, domain.StatusExpired, "expired")

	if err := f.svc.RefreshAuth(context.Background(), audit.Context{UserID: "user-1"}, conn.ID); err != nil {
		t.Fatal(err)
	}
	if got := f.store.status(conn.ID); got != domain.StatusConnected {
		t.Fatalf("status = %s", got)
	}
	if err := f.svc.RefreshAuth(context.Background(), audit.Context{UserID: "user-2"}, conn.ID); !errors.Is(err, domain.ErrSecurityViolation) {
		t.Fatalf("foreign refresh err = %v", err)
	}
}

func TestDeleteConnection(t *testing.T) {
	f := newFixture(t)
	conn := f.create(t)
	f.conn.disconnectErr = errors.New("source unavailable")

	if err := f.svc.DeleteConnection(context.Background(), audit.Context{UserID: "user-2"}, conn.ID); !errors.Is(err, domain.ErrSecurityViolation) {
		t.Fatalf("foreign delete err = %v", err)
	}
	if err := f.svc.DeleteConnection(context.Background(), audit.Context{UserID: "user-1"}, conn.ID); err != nil {
		t.Fatalf("DeleteConnection: %v", err)
	}
	if !f.conn.disconnected {
		t.Fatal("source disconnect not attempted")
	}
	if _, ok := f.vault.creds[conn.ID]; ok {
		t.Fatal("credentials survived delete")
	}
	if _, err := f.store.Get(context.Background(), conn.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatal("connection row survived delete")
	}
	if !f.audits.has(domain.AuditDisconnect, domain.AuditSuccess) {
		t.Fatal("disconnect not audited")
	}
}

func TestTriggerSyncRunsInBackground(t *testing.T) {
	f := newFixture(t)
	conn := f.create(t)
	f.conn.result = domain.SyncResult{Transactions: []domain.Transaction{tx("a1", "acc-1", -1)}}

	if err := f.svc.TriggerSync(conn.ID); err != nil {
		t.Fatal(err)
	}
	f.svc.Wait()
	if f.conn.syncCalls != 1 || len(f.delivery.txs) != 1 {
		t.Fatalf("sync calls = %d delivered = %d", f.conn.syncCalls, len(f.delivery.txs))
	}
	if !f.vault.background {
		t.Fatal("background sync read credentials as an interactive caller")
	}
}

func TestTriggerSyncBounded(t *testing.T) {
	f := newFixture(t)
	f.svc.slots.TryAcquire(f.svc.opts.BackgroundSyncs)
	defer f.svc.slots.Release(f.svc.opts.BackgroundSyncs)

	if err := f.svc.TriggerSync("conn-x"); !errors.Is(err, ErrTriggerBusy) {
		t.Fatalf("err = %v", err)
	}
}

func TestAuditTrail(t *testing.T) {
	f := newFixture(t)
	f.create(t)
	entries, err := f.svc.AuditTrail(context.Background(), "user-1", domain.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) == 0 {
		t.Fatal("no audit entries for the owner")
	}
	other, _ := f.svc.AuditTrail(context.Background(), "user-2", domain.ListOpts{})
	if len(other) != 0 {
		t.Fatal("audit leaked across users")
	}
}
