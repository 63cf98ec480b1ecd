package connector

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/txnbridge/internal/domain"
	"github.com/alanyoungcy/txnbridge/internal/normalize"
)

// ApideckID is the registry id of the Apideck accounting connector.
const ApideckID = "apideck"

const (
	apideckAPIKey     = "apiKey"
	apideckAppID      = "appId"
	apideckConsumerID = "consumerId"
	apideckServiceID  = "serviceId"

	apideckPageSize = 200
	apideckMaxPages = 100
)

// Apideck reads ledger accounts and journal transactions from accounting
// software (Xero, QuickBooks and others) through the Apideck unified API.
type Apideck struct {
	Base
	api *APIClient
}

// NewApideck creates an Apideck connector.
func NewApideck(api *APIClient, logger *slog.Logger) *Apideck {
	return &Apideck{
		Base: newBase(domain.ConnectorMetadata{
			ID:              ApideckID,
			Name:            "Apideck Accounting",
			Type:            domain.ConnectorTypeAccounting,
			Source:          domain.SourceAccounting,
			Description:     "Ledger accounts and transactions from accounting software via the Apideck unified API.",
			DefaultCurrency: "USD",
			CredentialFields: []domain.CredentialField{
				{Name: apideckAPIKey, Label: "API Key", Secret: true, Required: true},
				{Name: apideckAppID, Label: "Application ID", Required: true},
				{Name: apideckConsumerID, Label: "Consumer ID", Required: true},
				{Name: apideckServiceID, Label: "Service ID", Required: true, HelpText: "For example xero or quickbooks"},
			},
			Capabilities:     domain.ConnectorCapabilities{Webhooks: true, Accounts: true},
			DocumentationURL: "https://developers.apideck.com/apis/accounting/reference",
		}, logger),
		api: api,
	}
}

func (a *Apideck) headers(creds domain.Credentials) http.Header {
	return http.Header{
		"Authorization":         {"Bearer " + creds[apideckAPIKey]},
		"X-Apideck-App-Id":      {creds[apideckAppID]},
		"X-Apideck-Consumer-Id": {creds[apideckConsumerID]},
		"X-Apideck-Service-Id":  {creds[apideckServiceID]},
	}
}

// list walks a cursor-paginated collection, handing each page's data to fn.
func (a *Apideck) list(ctx context.Context, op, path string, q url.Values, creds domain.Credentials, limit int, fn func(json.RawMessage) (int, error)) error {
	if q == nil {
		q = url.Values{}
	}
	q.Set("limit", strconv.Itoa(apideckPageSize))

	seen := 0
	for page := 0; page < apideckMaxPages; page++ {
		var resp struct {
			Data json.RawMessage `json:"data"`
			Meta struct {
				Cursors struct {
					Next string `json:"next"`
				} `json:"cursors"`
			} `json:"meta"`
		}
		if err := a.api.Do(ctx, op, Request{Path: path, Query: q, Header: a.headers(creds)}, &resp); err != nil {
			return err
		}
		n, err := fn(resp.Data)
		if err != nil {
			return domain.WrapError(domain.KindInvalidData, op, "Apideck returned an unreadable page", err)
		}
		seen += n
		if resp.Meta.Cursors.Next == "" || (limit > 0 && seen >= limit) {
			return nil
		}
		q.Set("cursor", resp.Meta.Cursors.Next)
	}
	return nil
}

func (a *Apideck) ValidateCredentials(ctx context.Context, creds domain.Credentials) error {
	const op = "apideck.validate"
	if err := requireFields(op, creds, apideckAPIKey, apideckAppID, apideckConsumerID, apideckServiceID); err != nil {
		return err
	}
	q := url.Values{"limit": {"1"}}
	err := a.api.Do(ctx, op, Request{Path: "/accounting/company-info", Query: q, Header: a.headers(creds)}, nil)
	return asInvalidCredentials(op, err)
}

func (a *Apideck) Connect(ctx context.Context, userID string, creds domain.Credentials, settings domain.ConnectionSettings) (domain.Connection, error) {
	const op = "apideck.connect"
	if err := a.ValidateCredentials(ctx, creds); err != nil {
		return domain.Connection{}, err
	}
	accounts, err := a.GetAccounts(ctx, domain.ConnectionRef{UserID: userID}, creds)
	if err != nil {
		return domain.Connection{}, asConnectFailure(op, err)
	}
	ref := creds[apideckConsumerID] + ":" + creds[apideckServiceID]
	return a.newConnection(userID, ref, accounts, settings, map[string]any{
		"serviceId": creds[apideckServiceID],
	}), nil
}

// Disconnect is a no-op: the consumer's link to the accounting system is
// managed in the Apideck vault, not by this service.
func (a *Apideck) Disconnect(context.Context, domain.ConnectionRef, domain.Credentials) error {
	return nil
}

type apideckAccount struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Code           string      `json:"code"`
	Type           string      `json:"type"`
	Classification string      `json:"classification"`
	Currency       string      `json:"currency"`
	CurrentBalance json.Number `json:"current_balance"`
	Status         string      `json:"status"`
}

func (a *Apideck) GetAccounts(ctx context.Context, _ domain.ConnectionRef, creds domain.Credentials) ([]domain.Account, error) {
	var out []domain.Account
	err := a.list(ctx, "apideck.accounts", "/accounting/ledger-accounts", nil, creds, 0, func(data json.RawMessage) (int, error) {
		var page []apideckAccount
		if err := json.Unmarshal(data, &page); err != nil {
			return 0, err
		}
		for _, acct := range page {
			if acct.Status != "" && !strings.EqualFold(acct.Status, "active") {
				continue
			}
			cur := acct.Currency
			if cur == "" {
				cur = a.Meta.DefaultCurrency
			}
			out = append(out, domain.Account{
				ID:            acct.ID,
				Name:          acct.Name,
				Type:          strings.ToLower(acct.Type),
				Currency:      cur,
				Balance:       decimalOf(acct.CurrentBalance),
				AccountNumber: acct.Code,
				Metadata:      map[string]any{"classification": acct.Classification},
			})
		}
		return len(page), nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type apideckTransaction struct {
	ID            string      `json:"id"`
	Number        string      `json:"number"`
	Type          string      `json:"type"`
	Direction     string      `json:"direction"`
	TotalAmount   json.Number `json:"total_amount"`
	Currency      string      `json:"currency"`
	Memo          string      `json:"memo"`
	Reference     string      `json:"reference"`
	TransactionAt string      `json:"transaction_date"`
	Status        string      `json:"status"`
	Account       struct {
		ID string `json:"id"`
	} `json:"account"`
	Contact struct {
		Name string `json:"name"`
	} `json:"contact"`
	Category struct {
		Name string `json:"name"`
	} `json:"category"`
}

// apideckRaw maps one accounting transaction. Apideck reports unsigned totals
// with a debit/credit direction.
func apideckRaw(accountID string, t apideckTransaction) normalize.Raw {
	if t.Account.ID != "" {
		accountID = t.Account.ID
	}
	ref := t.Reference
	if ref == "" {
		ref = t.Number
	}
	return normalize.Raw{
		ID:          t.ID,
		AccountID:   accountID,
		Amount:      t.TotalAmount,
		Direction:   strings.ToLower(t.Direction),
		Type:        t.Type,
		Description: t.Memo,
		Merchant:    t.Contact.Name,
		Category:    t.Category.Name,
		Reference:   ref,
		Currency:    t.Currency,
		Date:        t.TransactionAt,
		Pending:     strings.EqualFold(t.Status, "draft"),
		Metadata:    map[string]any{"status": t.Status},
	}
}

func (a *Apideck) GetTransactions(ctx context.Context, conn domain.ConnectionRef, accountID string, creds domain.Credentials, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	txs, _, err := a.fetchTransactions(ctx, conn, domain.Account{ID: accountID}, creds, filter)
	return txs, err
}

func (a *Apideck) fetchTransactions(ctx context.Context, conn domain.ConnectionRef, acct domain.Account, creds domain.Credentials, filter domain.TransactionFilter) ([]domain.Transaction, int, error) {
	from, to := a.window(filter)
	q := url.Values{
		"filter[account_id]":    {acct.ID},
		"filter[updated_since]": {from.Format(time.RFC3339)},
	}

	var raws []normalize.Raw
	err := a.list(ctx, "apideck.transactions", "/accounting/bank-feed-statements", q, creds, filter.Limit, func(data json.RawMessage) (int, error) {
		var page []apideckTransaction
		if err := json.Unmarshal(data, &page); err != nil {
			return 0, err
		}
		for _, t := range page {
			raws = append(raws, apideckRaw(acct.ID, t))
		}
		return len(page), nil
	})
	if err != nil {
		return nil, 0, err
	}

	bounded := filter
	if bounded.DateTo == nil {
		bounded.DateTo = &to
	}
	txs, skipped := a.transactions(ctx, conn, acct.ID, acct.Currency, raws, bounded)
	return txs, skipped, nil
}

func (a *Apideck) Sync(ctx context.Context, conn domain.ConnectionRef, creds domain.Credentials, filter domain.TransactionFilter) (domain.SyncResult, error) {
	return a.sync(ctx, conn, filter,
		func(ctx context.Context) ([]domain.Account, error) {
			return a.GetAccounts(ctx, conn, creds)
		},
		func(ctx context.Context, acct domain.Account, f domain.TransactionFilter) ([]domain.Transaction, int, error) {
			return a.fetchTransactions(ctx, conn, acct, creds, f)
		},
	)
}

// RefreshAuth is a no-op: Apideck API keys do not expire and downstream
// OAuth tokens are refreshed inside Apideck.
func (a *Apideck) RefreshAuth(ctx context.Context, conn domain.ConnectionRef, creds domain.Credentials) (domain.Credentials, error) {
	return a.NoopRefresh(ctx, conn, creds)
}

var _ Connector = (*Apideck)(nil)
