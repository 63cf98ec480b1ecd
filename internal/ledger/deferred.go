package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/txnbridge/internal/domain"
)

// DeferredStream is the Redis stream holding deliveries that failed
// transiently and wait for redelivery.
const DeferredStream = "ledger:deferred"

// Outcome reports what happened to one transaction handed to a Dispatcher.
type Outcome int

const (
	Delivered Outcome = iota
	Deferred
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Deferred:
		return "deferred"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

type deferredEntry struct {
	Transaction domain.Transaction `json:"transaction"`
	Reason      string             `json:"reason"`
	DeferredAt  time.Time          `json:"deferredAt"`
	Attempts    int                `json:"attempts"`
}

// Dispatcher delivers transactions and parks transient failures on the
// deferred stream so the caller never blocks on ledger availability.
// Without a bus, deferred transactions are only logged and the next sync
// reconciles them.
type Dispatcher struct {
	ledger  domain.Ledger
	bus     domain.SignalBus
	alerter domain.Alerter
	logger  *slog.Logger
	now     func() time.Time

	// MaxRedeliveries bounds how often one entry is replayed before it is
	// dropped with an alert.
	MaxRedeliveries int
}

// NewDispatcher creates a Dispatcher. bus and alerter may be nil.
func NewDispatcher(ledger domain.Ledger, bus domain.SignalBus, alerter domain.Alerter, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		ledger:          ledger,
		bus:             bus,
		alerter:         alerter,
		logger:          logger.With(slog.String("component", "ledger")),
		now:             time.Now,
		MaxRedeliveries: 20,
	}
}

// Dispatch delivers tx. Permanent rejections return Rejected with the
// error; every other failure is deferred and reported without an error.
func (d *Dispatcher) Dispatch(ctx context.Context, tx domain.Transaction) (Outcome, error) {
	err := d.ledger.Deliver(ctx, tx)
	if err == nil {
		return Delivered, nil
	}

	var perm *PermanentError
	if errors.As(err, &perm) {
		d.logger.WarnContext(ctx, "ledger rejected transaction",
			slog.String("connection_id", tx.ConnectionID),
			slog.String("transaction_id", tx.TransactionID),
			slog.Int("status", perm.StatusCode),
		)
		d.alert(ctx, tx, err)
		return Rejected, err
	}

	if perr := d.park(ctx, deferredEntry{Transaction: tx, Reason: domain.PublicMessage(err), DeferredAt: d.now()}); perr != nil {
		d.logger.ErrorContext(ctx, "could not park deferred delivery",
			slog.String("transaction_id", tx.TransactionID),
			slog.String("error", perr.Error()),
		)
	}
	d.logger.WarnContext(ctx, "ledger delivery deferred",
		slog.String("connection_id", tx.ConnectionID),
		slog.String("transaction_id", tx.TransactionID),
		slog.String("error", err.Error()),
	)
	return Deferred, nil
}

func (d *Dispatcher) park(ctx context.Context, e deferredEntry) error {
	if d.bus == nil {
		return nil
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("ledger: encode deferred entry: %w", err)
	}
	// Parking must survive a caller whose deadline just expired.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return d.bus.StreamAppend(ctx, DeferredStream, payload)
}

// Redeliver replays up to batch deferred entries in stream order. It stops
// at the first transient failure, since the ledger is most likely still
// down, and returns the number of entries delivered.
func (d *Dispatcher) Redeliver(ctx context.Context, batch int) (int, error) {
	if d.bus == nil {
		return 0, nil
	}
	msgs, err := d.bus.StreamRead(ctx, DeferredStream, "0", batch)
	if err != nil {
		return 0, fmt.Errorf("ledger: read deferred: %w", err)
	}

	delivered := 0
	for _, m := range msgs {
		var e deferredEntry
		if err := json.Unmarshal(m.Payload, &e); err != nil {
			d.logger.ErrorContext(ctx, "dropping undecodable deferred entry",
				slog.String("id", m.ID),
				slog.String("error", err.Error()),
			)
			d.ack(ctx, m.ID)
			continue
		}

		err := d.ledger.Deliver(ctx, e.Transaction)
		if err == nil {
			delivered++
			d.ack(ctx, m.ID)
			continue
		}

		var perm *PermanentError
		e.Attempts++
		if errors.As(err, &perm) || e.Attempts >= d.MaxRedeliveries {
			d.alert(ctx, e.Transaction, err)
			d.ack(ctx, m.ID)
			continue
		}

		// Move the entry to the tail with its attempt count bumped.
		e.Reason = domain.PublicMessage(err)
		if perr := d.park(ctx, e); perr == nil {
			d.ack(ctx, m.ID)
		}
		d.logger.InfoContext(ctx, "redelivery paused",
			slog.Int("delivered", delivered),
			slog.String("error", err.Error()),
		)
		return delivered, nil
	}

	if delivered > 0 {
		d.logger.InfoContext(ctx, "redelivered deferred transactions", slog.Int("count", delivered))
	}
	return delivered, nil
}

// Run calls Redeliver every interval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	if d.bus == nil {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := d.Redeliver(ctx, 100); err != nil {
				d.logger.WarnContext(ctx, "redelivery failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (d *Dispatcher) ack(ctx context.Context, id string) {
	if err := d.bus.StreamAck(ctx, DeferredStream, id); err != nil {
		d.logger.WarnContext(ctx, "deferred ack failed", slog.String("id", id), slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) alert(ctx context.Context, tx domain.Transaction, err error) {
	if d.alerter == nil {
		return
	}
	_ = d.alerter.Alert(ctx, domain.AlertDeliveryFailed, "Ledger delivery failed", map[string]string{
		"user":        tx.UserID,
		"connection":  tx.ConnectionID,
		"transaction": tx.TransactionID,
		"reason":      domain.PublicMessage(err),
	})
}
