package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConnectionStatus tracks a tenant's link to an external source.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusSyncing      ConnectionStatus = "syncing"
	StatusError        ConnectionStatus = "error"
	StatusExpired      ConnectionStatus = "expired"
)

// Credentials are the decrypted secrets of one connection. They only live in
// memory; the vault is the sole owner of their encrypted form.
type Credentials map[string]string

// Clone returns a copy that can be modified without touching c.
func (c Credentials) Clone() Credentials {
	out := make(Credentials, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Account is a snapshot of one account exposed by a connection.
type Account struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Type             string           `json:"type"`
	Currency         string           `json:"currency"`
	Balance          decimal.Decimal  `json:"balance"`
	AvailableBalance *decimal.Decimal `json:"availableBalance,omitempty"`
	AccountNumber    string           `json:"accountNumber,omitempty"`
	Institution      string           `json:"institution,omitempty"`
	Metadata         map[string]any   `json:"metadata,omitempty"`
}

// ConnectionSettings are user-tunable options stored with a connection.
type ConnectionSettings struct {
	AutoSync        bool          `json:"autoSync"`
	SyncFrequency   time.Duration `json:"syncFrequency,omitempty"`
	LookbackDays    int           `json:"lookbackDays,omitempty"`
	AccountIDs      []string      `json:"accountIds,omitempty"`
	DefaultCurrency string        `json:"defaultCurrency,omitempty"`
}

// Connection is a tenant's authorized link to one external source.
type Connection struct {
	ID            string             `json:"id"`
	UserID        string             `json:"userId"`
	ConnectorID   string             `json:"connectorId"`
	ConnectorType ConnectorType      `json:"connectorType"`
	ExternalRef   string             `json:"externalRef,omitempty"`
	Status        ConnectionStatus   `json:"status"`
	Accounts      []Account          `json:"accounts"`
	Settings      ConnectionSettings `json:"settings"`
	Metadata      map[string]any     `json:"metadata,omitempty"`
	LastSyncAt    *time.Time         `json:"lastSyncAt,omitempty"`
	LastError     string             `json:"lastError,omitempty"`
	CreatedAt     time.Time          `json:"createdAt"`
	UpdatedAt     time.Time          `json:"updatedAt"`
}

// Ref returns the trusted ownership pair for c.
func (c Connection) Ref() ConnectionRef {
	return ConnectionRef{ID: c.ID, UserID: c.UserID}
}

// ConnectionRef identifies a connection together with its owner. The UserID
// always comes from server-side state, never from a source payload.
type ConnectionRef struct {
	ID     string
	UserID string
}

// TransactionFilter narrows a transaction fetch. Filters are applied after
// normalization so the semantics are identical for every source.
type TransactionFilter struct {
	DateFrom   *time.Time       `json:"dateFrom,omitempty"`
	DateTo     *time.Time       `json:"dateTo,omitempty"`
	AmountMin  *decimal.Decimal `json:"amountMin,omitempty"`
	AmountMax  *decimal.Decimal `json:"amountMax,omitempty"`
	AccountIDs []string         `json:"accountIds,omitempty"`
	Limit      int              `json:"limit,omitempty"`
}

// SyncStats summarises one sync run.
type SyncStats struct {
	Total          int        `json:"totalTransactions"`
	New            int        `json:"newTransactions"`
	Skipped        int        `json:"skippedTransactions"`
	FailedAccounts []string   `json:"failedAccounts,omitempty"`
	Delivered      int        `json:"delivered"`
	Deferred       int        `json:"deferred"`
	StartDate      *time.Time `json:"startDate,omitempty"`
	EndDate        *time.Time `json:"endDate,omitempty"`
}

// SyncResult is returned by a connector sync.
type SyncResult struct {
	Success      bool          `json:"success"`
	ConnectionID string        `json:"connectionId"`
	Transactions []Transaction `json:"transactions,omitempty"`
	Accounts     []Account     `json:"accounts,omitempty"`
	Stats        SyncStats     `json:"stats"`
	Timestamp    time.Time     `json:"timestamp"`
}

// SyncRecord is one persisted sync outcome.
type SyncRecord struct {
	ID           int64     `json:"id"`
	ConnectionID string    `json:"connectionId"`
	UserID       string    `json:"userId"`
	Success      bool      `json:"success"`
	Stats        SyncStats `json:"stats"`
	Error        string    `json:"error,omitempty"`
	DurationMs   int64     `json:"durationMs"`
	CreatedAt    time.Time `json:"createdAt"`
}

// CredentialField describes one credential input a connector expects.
type CredentialField struct {
	Name     string `json:"name"`
	Label    string `json:"label"`
	Secret   bool   `json:"secret"`
	Required bool   `json:"required"`
	HelpText string `json:"helpText,omitempty"`
}

// ConnectorCapabilities advertises optional behaviour.
type ConnectorCapabilities struct {
	Webhooks        bool `json:"webhooks"`
	RealTime        bool `json:"realTime"`
	RefreshableAuth bool `json:"refreshableAuth"`
	Accounts        bool `json:"accounts"`
}

// ConnectorMetadata describes a registered connector for listProviders.
type ConnectorMetadata struct {
	ID               string                `json:"id"`
	Name             string                `json:"name"`
	Type             ConnectorType         `json:"type"`
	Source           TransactionSource     `json:"source"`
	Description      string                `json:"description"`
	DefaultCurrency  string                `json:"defaultCurrency"`
	CredentialFields []CredentialField     `json:"credentialFields"`
	Capabilities     ConnectorCapabilities `json:"capabilities"`
	DocumentationURL string                `json:"documentationUrl,omitempty"`
}
