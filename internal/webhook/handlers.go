package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/alanyoungcy/txnbridge/internal/connector"
	"github.com/alanyoungcy/txnbridge/internal/domain"
	"github.com/alanyoungcy/txnbridge/internal/normalize"
)

// ErrMissingField is returned by a Handler when a required payload field is
// absent. The gateway answers 400.
var ErrMissingField = errors.New("webhook: missing required field")

// Event is what a Handler extracts from one verified payload.
type Event struct {
	// ID identifies the delivery; it keys the archived payload.
	ID   string
	Type string
	// ExternalRef locates the connection through the store. It is the
	// provider's own identifier, never a tenant user id.
	ExternalRef string
	// ClaimedUserID is a tenant user id embedded in the payload, if any. It
	// is only ever compared against the resolved connection.
	ClaimedUserID string
	Transactions  []normalize.Raw
	// Updated marks Transactions as revisions of records already sent.
	Updated bool
	// Status, when set, is applied to the connection.
	Status      domain.ConnectionStatus
	TriggerSync bool
}

// Handler turns one provider payload into an Event.
type Handler interface {
	Parse(header http.Header, body []byte) (Event, error)
}

func missing(field string) error {
	return fmt.Errorf("%w: %s", ErrMissingField, field)
}

// claimedUser reads the tenant user id a payload may carry.
func claimedUser(m map[string]json.RawMessage) string {
	for _, k := range []string{"userId", "user_id"} {
		if raw, ok := m[k]; ok {
			var s string
			if json.Unmarshal(raw, &s) == nil && s != "" {
				return s
			}
		}
	}
	return ""
}

// BasiqHandler understands Basiq event notifications.
type BasiqHandler struct{}

var basiqUserPath = regexp.MustCompile(`/users/([^/]+)`)

func (BasiqHandler) Parse(header http.Header, body []byte) (Event, error) {
	var p struct {
		EventTypeID string `json:"eventTypeId"`
		Event       string `json:"event"`
		BasiqUserID string `json:"basiqUserId"`
		Links       struct {
			EventEntity string `json:"eventEntity"`
		} `json:"links"`
		Data struct {
			Transaction json.RawMessage `json:"transaction"`
			Account     struct {
				ID       string `json:"id"`
				Currency string `json:"currency"`
			} `json:"account"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return Event{}, err
	}
	var top map[string]json.RawMessage
	_ = json.Unmarshal(body, &top)

	ev := Event{ID: header.Get("webhook-id"), Type: p.EventTypeID, ClaimedUserID: claimedUser(top)}
	if ev.Type == "" {
		ev.Type = p.Event
	}
	if ev.Type == "" {
		return Event{}, missing("eventTypeId")
	}

	ev.ExternalRef = p.BasiqUserID
	if ev.ExternalRef == "" {
		if m := basiqUserPath.FindStringSubmatch(p.Links.EventEntity); m != nil {
			ev.ExternalRef = m[1]
		}
	}
	if ev.ExternalRef == "" {
		return Event{}, missing("basiqUserId")
	}

	switch ev.Type {
	case "transaction.created", "transaction.updated":
		if len(p.Data.Transaction) == 0 {
			return Event{}, missing("data.transaction")
		}
		raw, err := connector.BasiqWebhookRaw(p.Data.Transaction)
		if err != nil {
			return Event{}, err
		}
		if raw.AccountID == "" {
			raw.AccountID = p.Data.Account.ID
		}
		if raw.Currency == "" {
			raw.Currency = p.Data.Account.Currency
		}
		ev.Transactions = append(ev.Transactions, raw)
		ev.Updated = ev.Type == "transaction.updated"
	case "transactions.updated":
		ev.TriggerSync = true
	case "connection.created", "connection.activated":
		ev.Status = domain.StatusConnected
		ev.TriggerSync = true
	case "connection.invalidated":
		ev.Status = domain.StatusExpired
	case "connection.deleted":
		ev.Status = domain.StatusDisconnected
	}
	return ev, nil
}

// PlaidHandler understands Plaid item and transaction webhooks. Plaid never
// pushes transaction bodies; a TRANSACTIONS update triggers a sync.
type PlaidHandler struct{}

func (PlaidHandler) Parse(_ http.Header, body []byte) (Event, error) {
	var p struct {
		WebhookType string          `json:"webhook_type"`
		WebhookCode string          `json:"webhook_code"`
		ItemID      string          `json:"item_id"`
		Error       json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return Event{}, err
	}
	if p.WebhookType == "" || p.WebhookCode == "" {
		return Event{}, missing("webhook_type")
	}
	if p.ItemID == "" {
		return Event{}, missing("item_id")
	}
	var top map[string]json.RawMessage
	_ = json.Unmarshal(body, &top)

	ev := Event{
		Type:          p.WebhookType + "." + p.WebhookCode,
		ExternalRef:   p.ItemID,
		ClaimedUserID: claimedUser(top),
	}
	switch p.WebhookType {
	case "TRANSACTIONS":
		switch p.WebhookCode {
		case "SYNC_UPDATES_AVAILABLE", "INITIAL_UPDATE", "HISTORICAL_UPDATE", "DEFAULT_UPDATE":
			ev.TriggerSync = true
		}
	case "ITEM":
		switch p.WebhookCode {
		case "ERROR", "PENDING_EXPIRATION", "PENDING_DISCONNECT":
			ev.Status = domain.StatusExpired
		case "USER_PERMISSION_REVOKED", "USER_ACCOUNT_REVOKED":
			ev.Status = domain.StatusDisconnected
		case "LOGIN_REPAIRED":
			ev.Status = domain.StatusConnected
			ev.TriggerSync = true
		}
	}
	return ev, nil
}

// WiseHandler understands Wise balance and transfer events.
type WiseHandler struct{}

func (WiseHandler) Parse(header http.Header, body []byte) (Event, error) {
	var p struct {
		EventType      string          `json:"event_type"`
		SubscriptionID string          `json:"subscription_id"`
		SentAt         string          `json:"sent_at"`
		Data           json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return Event{}, err
	}
	if p.EventType == "" {
		return Event{}, missing("event_type")
	}
	if len(p.Data) == 0 {
		return Event{}, missing("data")
	}
	var top map[string]json.RawMessage
	_ = json.Unmarshal(body, &top)

	ev := Event{
		ID:            header.Get("X-Delivery-Id"),
		Type:          p.EventType,
		ClaimedUserID: claimedUser(top),
	}

	switch p.EventType {
	case "balances#credit", "balances#update":
		var be connector.WiseBalanceEvent
		if err := decodeData(p.Data, &be); err != nil {
			return Event{}, err
		}
		if be.Resource.ProfileID == "" {
			return Event{}, missing("data.resource.profile_id")
		}
		if be.Resource.ID == "" {
			return Event{}, missing("data.resource.id")
		}
		if be.TransactionType == "" && p.EventType == "balances#credit" {
			be.TransactionType = "credit"
		}
		ev.ExternalRef = be.Resource.ProfileID.String()
		ev.Transactions = append(ev.Transactions, connector.WiseWebhookRaw(be))
	default:
		var d struct {
			Resource struct {
				ProfileID json.Number `json:"profile_id"`
			} `json:"resource"`
		}
		if err := decodeData(p.Data, &d); err != nil {
			return Event{}, err
		}
		if d.Resource.ProfileID == "" {
			return Event{}, missing("data.resource.profile_id")
		}
		ev.ExternalRef = d.Resource.ProfileID.String()
		ev.TriggerSync = strings.HasPrefix(p.EventType, "transfers#")
	}
	return ev, nil
}

// ApideckHandler understands Apideck unified webhooks. Accounting events
// may inline the transaction and its account.
type ApideckHandler struct{}

func (ApideckHandler) Parse(_ http.Header, body []byte) (Event, error) {
	var p struct {
		Payload struct {
			EventType  string `json:"event_type"`
			EventID    string `json:"event_id"`
			ConsumerID string `json:"consumer_id"`
			ServiceID  string `json:"service_id"`
			EntityType string `json:"entity_type"`
		} `json:"payload"`
		Data struct {
			Transaction json.RawMessage `json:"transaction"`
			Account     struct {
				ID        string `json:"id"`
				AccountID string `json:"account_id"`
			} `json:"account"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return Event{}, err
	}
	if p.Payload.EventType == "" {
		return Event{}, missing("payload.event_type")
	}
	if p.Payload.ConsumerID == "" || p.Payload.ServiceID == "" {
		return Event{}, missing("payload.consumer_id")
	}
	var top map[string]json.RawMessage
	_ = json.Unmarshal(body, &top)

	ev := Event{
		ID:            p.Payload.EventID,
		Type:          p.Payload.EventType,
		ExternalRef:   p.Payload.ConsumerID + ":" + p.Payload.ServiceID,
		ClaimedUserID: claimedUser(top),
	}

	switch {
	case strings.HasPrefix(ev.Type, "accounting.") && strings.Contains(ev.Type, "transaction"):
		if len(p.Data.Transaction) == 0 {
			ev.TriggerSync = true
			break
		}
		accountID := p.Data.Account.ID
		if accountID == "" {
			accountID = p.Data.Account.AccountID
		}
		raw, err := connector.ApideckWebhookRaw(p.Data.Transaction, accountID)
		if err != nil {
			return Event{}, err
		}
		ev.Transactions = append(ev.Transactions, raw)
	case ev.Type == "vault.connection.revoked" || ev.Type == "vault.connection.disabled":
		ev.Status = domain.StatusDisconnected
	case ev.Type == "vault.connection.token_refresh.failed":
		ev.Status = domain.StatusExpired
	case ev.Type == "vault.connection.callable":
		ev.Status = domain.StatusConnected
		ev.TriggerSync = true
	}
	return ev, nil
}

func decodeData(data json.RawMessage, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("webhook: decode data: %w", err)
	}
	return nil
}
