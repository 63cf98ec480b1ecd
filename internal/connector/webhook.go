package connector

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alanyoungcy/txnbridge/internal/normalize"
)

// The functions below decode transaction objects as providers push them in
// webhook payloads. They reuse the mappers of the pull path so a webhook and
// a later sync normalize the same record identically.

// BasiqWebhookRaw decodes a Basiq transaction object.
func BasiqWebhookRaw(data json.RawMessage) (normalize.Raw, error) {
	var t basiqTransaction
	if err := decodeNumbers(data, &t); err != nil {
		return normalize.Raw{}, fmt.Errorf("connector: basiq webhook transaction: %w", err)
	}
	return basiqRaw(t), nil
}

// ApideckWebhookRaw decodes an Apideck transaction object. accountID is used
// when the object carries no account reference of its own.
func ApideckWebhookRaw(data json.RawMessage, accountID string) (normalize.Raw, error) {
	var t apideckTransaction
	if err := decodeNumbers(data, &t); err != nil {
		return normalize.Raw{}, fmt.Errorf("connector: apideck webhook transaction: %w", err)
	}
	// Webhook objects sometimes use "amount" and "type" instead of the
	// list endpoint's "total_amount" and "direction".
	var alt struct {
		Amount json.Number `json:"amount"`
		Type   string      `json:"type"`
	}
	_ = decodeNumbers(data, &alt)
	if t.TotalAmount == "" {
		t.TotalAmount = alt.Amount
	}
	if t.Direction == "" && (strings.EqualFold(alt.Type, "debit") || strings.EqualFold(alt.Type, "credit")) {
		t.Direction = alt.Type
	}
	return apideckRaw(accountID, t), nil
}

// WiseBalanceEvent is the data object of Wise balances#credit and
// balances#update events.
type WiseBalanceEvent struct {
	Resource struct {
		ID        json.Number `json:"id"`
		ProfileID json.Number `json:"profile_id"`
		Type      string      `json:"type"`
	} `json:"resource"`
	TransactionType   string      `json:"transaction_type"`
	Amount            json.Number `json:"amount"`
	Currency          string      `json:"currency"`
	OccurredAt        string      `json:"occurred_at"`
	TransferReference string      `json:"transfer_reference"`
	ChannelName       string      `json:"channel_name"`
}

// AccountID returns the account id the pull path uses for the balance.
func (e WiseBalanceEvent) AccountID() string {
	return e.Resource.ProfileID.String() + "-" + e.Resource.ID.String()
}

// WiseWebhookRaw maps a Wise balance event. Balance events carry no native
// transaction id unless a transfer reference is present, in which case the
// normalizer derives a stable one.
func WiseWebhookRaw(e WiseBalanceEvent) normalize.Raw {
	desc := "Wise balance " + strings.ToLower(e.TransactionType)
	if e.ChannelName != "" {
		desc += " via " + e.ChannelName
	}
	return normalize.Raw{
		ID:          e.TransferReference,
		AccountID:   e.AccountID(),
		Amount:      e.Amount,
		Direction:   strings.ToLower(e.TransactionType),
		Description: desc,
		Reference:   e.TransferReference,
		Currency:    e.Currency,
		Date:        e.OccurredAt,
		Metadata:    map[string]any{"channel": e.ChannelName},
	}
}

func decodeNumbers(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
