package domain

import "context"

// Ledger is the downstream system of record. Deliver must be idempotent on
// Transaction.IdempotencyKey.
type Ledger interface {
	Deliver(ctx context.Context, tx Transaction) error
}
