package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PrimaryType is the closed classification every canonical transaction carries.
type PrimaryType string

const (
	PrimaryTypeExpense  PrimaryType = "expense"
	PrimaryTypeIncome   PrimaryType = "income"
	PrimaryTypeTransfer PrimaryType = "transfer"
)

// Valid reports whether p is one of the three known primary types.
func (p PrimaryType) Valid() bool {
	switch p {
	case PrimaryTypeExpense, PrimaryTypeIncome, PrimaryTypeTransfer:
		return true
	}
	return false
}

// TransactionSource identifies the kind of integration a record arrived from.
type TransactionSource string

const (
	SourceBankAPI    TransactionSource = "BANK_API"
	SourceBankFeed   TransactionSource = "BANK_FEED"
	SourceAccounting TransactionSource = "ACCOUNTING"
	SourceWebhook    TransactionSource = "WEBHOOK"
	SourcePaymentAPI TransactionSource = "PAYMENT_API"
	SourceCustom     TransactionSource = "CUSTOM"
)

// ConnectorType groups connectors by the family of source they talk to.
type ConnectorType string

const (
	ConnectorTypeBank       ConnectorType = "bank"
	ConnectorTypeAccounting ConnectorType = "accounting"
	ConnectorTypeAPI        ConnectorType = "api"
	ConnectorTypeWebhook    ConnectorType = "webhook"
	ConnectorTypeCustom     ConnectorType = "custom"
)

// Transaction is the canonical, normalized representation of one economic
// event. Values are produced by the normalizer and are never mutated after
// construction; copy Metadata before changing it.
type Transaction struct {
	TransactionID string          `json:"transactionId"`
	UserID        string          `json:"userId"`
	ConnectionID  string          `json:"connectionId"`
	AccountID     string          `json:"accountId"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Date          time.Time       `json:"date"`
	PrimaryType   PrimaryType     `json:"primaryType"`
	SourceType    string          `json:"sourceType,omitempty"`
	Description   string          `json:"description"`
	Merchant      string          `json:"merchant,omitempty"`
	Category      string          `json:"category,omitempty"`
	Reference     string          `json:"reference,omitempty"`
	Pending       bool            `json:"pending,omitempty"`

	Source        TransactionSource `json:"source"`
	ConnectorID   string            `json:"connectorId"`
	ConnectorType ConnectorType     `json:"connectorType"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// IdempotencyKey is the stable delivery key for the ledger. Redelivery of the
// same logical event always yields the same key.
func (t Transaction) IdempotencyKey() string {
	return t.ConnectorID + ":" + t.TransactionID
}
