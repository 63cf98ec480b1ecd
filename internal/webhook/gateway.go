// Package webhook receives provider push notifications. Every request is
// size-limited, verified, resolved to a stored connection and checked for
// ownership before any transaction reaches the normalizer or the ledger.
package webhook

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/txnbridge/internal/audit"
	"github.com/alanyoungcy/txnbridge/internal/connector"
	"github.com/alanyoungcy/txnbridge/internal/domain"
	"github.com/alanyoungcy/txnbridge/internal/ledger"
	"github.com/alanyoungcy/txnbridge/internal/normalize"
	"github.com/alanyoungcy/txnbridge/internal/server/middleware"
)

// DefaultMaxBodyBytes is the request body ceiling.
const DefaultMaxBodyBytes = 1 << 20

// Deliverer hands a normalized transaction to the ledger.
type Deliverer interface {
	Dispatch(ctx context.Context, tx domain.Transaction) (ledger.Outcome, error)
}

// SyncTrigger starts a background sync of one connection.
type SyncTrigger interface {
	TriggerSync(connectionID string) error
}

// PayloadStore archives raw webhook bodies.
type PayloadStore interface {
	Store(ctx context.Context, connectorID, eventID string, body []byte, at time.Time) error
}

// Options tunes the gateway.
type Options struct {
	MaxBodyBytes int64
	// DeliveryTimeout bounds ledger delivery for one request. Transactions
	// not delivered in time are deferred.
	DeliveryTimeout time.Duration
	// Production turns an unconfigured verifier into a hard rejection.
	Production bool
}

// Deps are the collaborators of the gateway. Cache, Publisher, Trigger,
// Payloads, Alerter and Enricher may be nil.
type Deps struct {
	Registry    *connector.Registry
	Connections domain.ConnectionStore
	Cache       domain.ConnectionCache
	Delivery    Deliverer
	Publisher   domain.Publisher
	Trigger     SyncTrigger
	Payloads    PayloadStore
	Audit       *audit.Logger
	Alerter     domain.Alerter
	Enricher    Enricher
}

// Enricher adds merchant and category data to normalized transactions. It
// returns its input unchanged when enrichment fails.
type Enricher interface {
	Enrich(ctx context.Context, txs []domain.Transaction) []domain.Transaction
}

// Gateway serves POST /webhooks/{connector}.
type Gateway struct {
	deps      Deps
	opts      Options
	verifiers map[string]Verifier
	handlers  map[string]Handler
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a gateway with no providers attached.
func New(deps Deps, opts Options, logger *slog.Logger) *Gateway {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 10 * time.Second
	}
	return &Gateway{
		deps:      deps,
		opts:      opts,
		verifiers: make(map[string]Verifier),
		handlers:  make(map[string]Handler),
		logger:    logger.With(slog.String("component", "webhook")),
		now:       time.Now,
	}
}

// Register attaches the verifier and handler of one connector.
func (g *Gateway) Register(connectorID string, v Verifier, h Handler) {
	if v != nil {
		g.verifiers[connectorID] = v
	}
	if h != nil {
		g.handlers[connectorID] = h
	}
}

// Result is the body of a successful response.
type Result struct {
	Accepted  bool `json:"accepted"`
	Handled   bool `json:"handled"`
	Delivered int  `json:"delivered"`
	Deferred  int  `json:"deferred"`
	Rejected  int  `json:"rejected,omitempty"`
}

type failure struct {
	status int
	code   string
	msg    string
}

func (f *failure) Error() string { return f.msg }

func fail(status int, code, msg string) *failure {
	return &failure{status: status, code: code, msg: msg}
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	connectorID := r.PathValue("connector")
	actx := audit.Context{
		UserID:      "system",
		ConnectorID: connectorID,
		IPAddress:   middleware.ClientIP(r),
		UserAgent:   r.UserAgent(),
		RequestID:   middleware.RequestID(r.Context()),
	}

	res, err := g.process(r.Context(), w, r, connectorID, actx)
	if err != nil {
		var f *failure
		if !errors.As(err, &f) {
			g.logger.ErrorContext(r.Context(), "webhook processing failed",
				slog.String("connector", connectorID),
				slog.String("error", err.Error()),
			)
			f = fail(http.StatusInternalServerError, "INTERNAL", "webhook processing failed")
		}
		writeError(w, f)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (g *Gateway) process(ctx context.Context, w http.ResponseWriter, r *http.Request, connectorID string, actx audit.Context) (Result, error) {
	timer := g.deps.Audit.StartTimer()
	if !g.deps.Registry.Has(connectorID) {
		return Result{}, fail(http.StatusNotFound, string(domain.KindNotFound), "unknown connector")
	}

	body, err := readBody(w, r, g.opts.MaxBodyBytes)
	if err != nil {
		g.logger.WarnContext(ctx, "webhook body rejected",
			slog.String("connector", connectorID),
			slog.String("error", err.Error()),
		)
		return Result{}, fail(http.StatusBadRequest, string(domain.KindInvalidData), "request body too large or unreadable")
	}
	if !isJSONObject(body) {
		return Result{}, fail(http.StatusBadRequest, string(domain.KindInvalidData), "payload must be a JSON object")
	}

	if err := g.verify(ctx, connectorID, r.Header, body, actx); err != nil {
		return Result{}, err
	}

	handler, ok := g.handlers[connectorID]
	if !ok {
		return g.unhandled(ctx, connectorID, body, actx), nil
	}

	ev, err := handler.Parse(r.Header, body)
	if err != nil {
		g.logger.WarnContext(ctx, "webhook payload rejected",
			slog.String("connector", connectorID),
			slog.String("error", err.Error()),
		)
		return Result{}, fail(http.StatusBadRequest, string(domain.KindInvalidData), "payload is missing required fields")
	}
	if ev.ID == "" {
		ev.ID = bodyDigest(body)
	}

	conn, err := g.resolve(ctx, connectorID, ev.ExternalRef)
	if err != nil {
		g.logger.WarnContext(ctx, "webhook connection not resolved",
			slog.String("connector", connectorID),
			slog.String("event", ev.Type),
			slog.String("error", err.Error()),
		)
		return Result{}, fail(http.StatusBadRequest, string(domain.KindInvalidData), "connection could not be resolved")
	}
	actx = actx.WithConnection(conn)
	actx.UserID = conn.UserID

	if ev.ClaimedUserID != "" && ev.ClaimedUserID != conn.UserID {
		g.deps.Audit.SecurityAlert(ctx, actx, "webhook_user_mismatch", map[string]any{
			"event":         ev.Type,
			"claimedUserId": ev.ClaimedUserID,
		})
		return Result{}, fail(http.StatusForbidden, string(domain.KindSecurityViolation), "access denied")
	}

	txs, err := g.normalize(conn, ev.Transactions)
	if err != nil {
		g.logger.WarnContext(ctx, "webhook transactions rejected",
			slog.String("connector", connectorID),
			slog.String("connection_id", conn.ID),
			slog.String("error", err.Error()),
		)
		g.deps.Audit.Failure(ctx, domain.AuditWebhookReceive, actx, err, map[string]any{"event": ev.Type})
		return Result{}, fail(http.StatusBadRequest, string(domain.KindInvalidData), "payload contains invalid transactions")
	}
	for _, tx := range txs {
		if tx.UserID != conn.UserID {
			g.deps.Audit.SecurityAlert(ctx, actx, "transaction_user_mismatch", map[string]any{"transactionId": tx.TransactionID})
			return Result{}, fail(http.StatusForbidden, string(domain.KindSecurityViolation), "access denied")
		}
	}

	if g.deps.Enricher != nil && len(txs) > 0 {
		txs = g.deps.Enricher.Enrich(ctx, txs)
	}

	newEvent := domain.EventTransactionNew
	if ev.Updated {
		newEvent = domain.EventTransactionUpdated
	}
	res := g.deliver(ctx, conn, txs, newEvent)
	res.Accepted, res.Handled = true, true

	if ev.Status != "" && ev.Status != conn.Status {
		g.applyStatus(ctx, conn, ev)
	}
	if ev.TriggerSync && g.deps.Trigger != nil && ev.Status != domain.StatusDisconnected {
		if err := g.deps.Trigger.TriggerSync(conn.ID); err != nil {
			g.logger.WarnContext(ctx, "webhook sync trigger failed",
				slog.String("connection_id", conn.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	g.archive(ctx, connectorID, ev.ID, body)

	g.deps.Audit.Log(ctx, domain.AuditWebhookReceive, domain.AuditSuccess, actx, map[string]any{
		"event":     ev.Type,
		"eventId":   ev.ID,
		"delivered": res.Delivered,
		"deferred":  res.Deferred,
	}, timer.Elapsed())
	g.logger.InfoContext(ctx, "webhook processed",
		slog.String("connector", connectorID),
		slog.String("event", ev.Type),
		slog.String("connection_id", conn.ID),
		slog.Int("delivered", res.Delivered),
		slog.Int("deferred", res.Deferred),
	)
	return res, nil
}

// verify applies the connector's verifier. A connector without one, handled
// or not, only passes outside production.
func (g *Gateway) verify(ctx context.Context, connectorID string, header http.Header, body []byte, actx audit.Context) error {
	err := ErrNotConfigured
	if v, ok := g.verifiers[connectorID]; ok {
		err = v.Verify(ctx, header, body)
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotConfigured) && !g.opts.Production:
		g.logger.WarnContext(ctx, "webhook verification skipped, no secret configured",
			slog.String("connector", connectorID),
		)
		return nil
	case errors.Is(err, ErrNotConfigured):
		g.logger.ErrorContext(ctx, "webhook rejected, no secret configured in production",
			slog.String("connector", connectorID),
		)
		return fail(http.StatusUnauthorized, string(domain.KindUnauthorized), "signature verification failed")
	default:
		g.deps.Audit.SecurityAlert(ctx, actx, "invalid_webhook_signature", map[string]any{
			"reason": err.Error(),
		})
		return fail(http.StatusUnauthorized, string(domain.KindUnauthorized), "signature verification failed")
	}
}

// unhandled answers connectors without a handler. Nothing is processed, but
// operators are told the event was dropped.
func (g *Gateway) unhandled(ctx context.Context, connectorID string, body []byte, actx audit.Context) Result {
	g.logger.WarnContext(ctx, "webhook has no handler",
		slog.String("connector", connectorID),
		slog.Int("bytes", len(body)),
	)
	g.deps.Audit.Log(ctx, domain.AuditWebhookReceive, domain.AuditPending, actx, map[string]any{
		"handled": false,
	}, 0)
	if g.deps.Alerter != nil {
		if err := g.deps.Alerter.Alert(ctx, domain.AlertWebhookUnhandled, "Unhandled webhook", map[string]string{
			"connector": connectorID,
		}); err != nil {
			g.logger.WarnContext(ctx, "unhandled webhook alert failed", slog.String("error", err.Error()))
		}
	}
	g.archive(ctx, connectorID, bodyDigest(body), body)
	return Result{Accepted: true, Handled: false}
}

// resolve finds the connection owning externalRef. The cache is consulted
// first and filled on a store hit.
func (g *Gateway) resolve(ctx context.Context, connectorID, externalRef string) (domain.Connection, error) {
	if externalRef == "" {
		return domain.Connection{}, domain.ErrNotFound
	}
	if g.deps.Cache != nil {
		if conn, err := g.deps.Cache.GetByExternalRef(ctx, connectorID, externalRef); err == nil {
			return conn, nil
		}
	}
	conn, err := g.deps.Connections.GetByExternalRef(ctx, connectorID, externalRef)
	if err != nil {
		return domain.Connection{}, err
	}
	if conn.ConnectorID != connectorID {
		return domain.Connection{}, domain.ErrNotFound
	}
	if g.deps.Cache != nil {
		if err := g.deps.Cache.Set(ctx, conn); err != nil {
			g.logger.DebugContext(ctx, "connection cache fill failed", slog.String("error", err.Error()))
		}
	}
	return conn, nil
}

// normalize converts every raw record with the connection's owner. One bad
// record rejects the whole payload.
func (g *Gateway) normalize(conn domain.Connection, raws []normalize.Raw) ([]domain.Transaction, error) {
	if len(raws) == 0 {
		return nil, nil
	}
	c, err := g.deps.Registry.Get(conn.ConnectorID)
	if err != nil {
		return nil, err
	}
	meta := c.Metadata()

	out := make([]domain.Transaction, 0, len(raws))
	for _, raw := range raws {
		tx, err := normalize.Normalize(raw, normalize.Source{
			ConnectionID:    conn.ID,
			AccountID:       raw.AccountID,
			UserID:          conn.UserID,
			ConnectorID:     meta.ID,
			ConnectorType:   meta.Type,
			Source:          meta.Source,
			DefaultCurrency: accountCurrency(conn, raw.AccountID, meta.DefaultCurrency),
		})
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

func accountCurrency(conn domain.Connection, accountID, fallback string) string {
	for _, a := range conn.Accounts {
		if a.ID == accountID && a.Currency != "" {
			return a.Currency
		}
	}
	if conn.Settings.DefaultCurrency != "" {
		return conn.Settings.DefaultCurrency
	}
	return fallback
}

// deliver sends transactions in arrival order under the delivery deadline.
// Failures are parked by the dispatcher and reconciled later. Each delivered
// transaction is published to the owner as typ.
func (g *Gateway) deliver(ctx context.Context, conn domain.Connection, txs []domain.Transaction, typ domain.EventType) Result {
	var res Result
	if len(txs) == 0 || g.deps.Delivery == nil {
		return res
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.opts.DeliveryTimeout)
	defer cancel()

	for _, tx := range txs {
		outcome, err := g.deps.Delivery.Dispatch(dctx, tx)
		switch outcome {
		case ledger.Delivered:
			res.Delivered++
			g.publish(ctx, typ, conn.UserID, tx)
		case ledger.Deferred:
			res.Deferred++
		case ledger.Rejected:
			res.Rejected++
			g.logger.WarnContext(ctx, "ledger rejected webhook transaction",
				slog.String("connection_id", conn.ID),
				slog.String("transaction_id", tx.TransactionID),
				slog.String("error", errString(err)),
			)
		}
	}
	return res
}

func (g *Gateway) applyStatus(ctx context.Context, conn domain.Connection, ev Event) {
	if err := g.deps.Connections.UpdateStatus(ctx, conn.ID, ev.Status, ""); err != nil {
		g.logger.ErrorContext(ctx, "connection status update failed",
			slog.String("connection_id", conn.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if g.deps.Cache != nil {
		_ = g.deps.Cache.Invalidate(ctx, conn.ID)
	}
	g.publish(ctx, domain.EventConnectionStatus, conn.UserID, map[string]any{
		"connectionId": conn.ID,
		"status":       ev.Status,
		"reason":       ev.Type,
	})
}

func (g *Gateway) publish(ctx context.Context, typ domain.EventType, userID string, data any) {
	if g.deps.Publisher == nil {
		return
	}
	err := g.deps.Publisher.Publish(ctx, domain.RealtimeEvent{
		Type:      typ,
		UserID:    userID,
		Data:      data,
		Timestamp: g.now().UTC(),
	})
	if err != nil {
		g.logger.WarnContext(ctx, "realtime publish failed",
			slog.String("event", string(typ)),
			slog.String("error", err.Error()),
		)
	}
}

func (g *Gateway) archive(ctx context.Context, connectorID, eventID string, body []byte) {
	if g.deps.Payloads == nil {
		return
	}
	if err := g.deps.Payloads.Store(ctx, connectorID, eventID, body, g.now()); err != nil {
		g.logger.WarnContext(ctx, "webhook payload archive failed",
			slog.String("connector", connectorID),
			slog.String("error", err.Error()),
		)
	}
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	var buf bytes.Buffer
	_, err := buf.ReadFrom(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func isJSONObject(body []byte) bool {
	var m map[string]json.RawMessage
	return json.Unmarshal(body, &m) == nil && m != nil
}

func bodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:16])
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, f *failure) {
	writeJSON(w, f.status, map[string]any{
		"error": map[string]string{"code": f.code, "message": f.msg},
	})
}
