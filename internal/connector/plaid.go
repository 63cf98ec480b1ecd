package connector

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/txnbridge/internal/domain"
	"github.com/alanyoungcy/txnbridge/internal/normalize"
)

// PlaidID is the registry id of the Plaid connector.
const PlaidID = "plaid"

const (
	plaidAccessToken = "accessToken"
	plaidItemID      = "itemId"

	plaidPageSize = 500
)

// Plaid reads bank data through Plaid. The client id and secret belong to
// the deployment; each connection only holds its item's access token.
type Plaid struct {
	Base
	api      *APIClient
	clientID string
	secret   string
}

// NewPlaid creates a Plaid connector.
func NewPlaid(api *APIClient, clientID, secret string, logger *slog.Logger) *Plaid {
	return &Plaid{
		Base: newBase(domain.ConnectorMetadata{
			ID:              PlaidID,
			Name:            "Plaid",
			Type:            domain.ConnectorTypeBank,
			Source:          domain.SourceBankAPI,
			Description:     "Bank accounts and transactions from US, Canadian and European institutions via Plaid.",
			DefaultCurrency: "USD",
			CredentialFields: []domain.CredentialField{
				{Name: plaidAccessToken, Label: "Access Token", Secret: true, Required: true, HelpText: "Returned by /item/public_token/exchange"},
				{Name: plaidItemID, Label: "Item ID", Required: true},
			},
			Capabilities:     domain.ConnectorCapabilities{Webhooks: true, RealTime: true, Accounts: true},
			DocumentationURL: "https://plaid.com/docs/api/",
		}, logger),
		api:      api,
		clientID: clientID,
		secret:   secret,
	}
}

// plaidErrorBody is the error object Plaid returns with every non-2xx.
type plaidErrorBody struct {
	ErrorType    string `json:"error_type"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// post calls a Plaid endpoint, authenticating with the deployment keys, and
// reclassifies item errors Plaid reports with a 400.
func (p *Plaid) post(ctx context.Context, op, path string, creds domain.Credentials, extra map[string]any, out any) error {
	body := map[string]any{
		"client_id":    p.clientID,
		"secret":       p.secret,
		"access_token": creds[plaidAccessToken],
	}
	for k, v := range extra {
		body[k] = v
	}
	err := p.api.Do(ctx, op, Request{Method: http.MethodPost, Path: path, JSON: body}, out)
	if err == nil {
		return nil
	}
	he, ok := httpErrorBody(err)
	if !ok {
		return err
	}
	var pe plaidErrorBody
	if json.Unmarshal(he.Body, &pe) != nil {
		return err
	}
	switch pe.ErrorCode {
	case "ITEM_LOGIN_REQUIRED", "PENDING_EXPIRATION", "ACCESS_NOT_GRANTED":
		return domain.WrapError(domain.KindTokenExpired, op, "Plaid item needs the user to log in again", err)
	case "INVALID_ACCESS_TOKEN", "INVALID_API_KEYS", "ITEM_NOT_FOUND":
		return domain.WrapError(domain.KindUnauthorized, op, "Plaid rejected the credentials", err)
	case "PRODUCT_NOT_READY":
		return domain.WrapError(domain.KindSyncFailed, op, "Plaid transactions are not ready yet", err)
	}
	return err
}

func (p *Plaid) ValidateCredentials(ctx context.Context, creds domain.Credentials) error {
	const op = "plaid.validate"
	if err := requireFields(op, creds, plaidAccessToken); err != nil {
		return err
	}
	err := p.post(ctx, op, "/accounts/get", creds, nil, nil)
	if errors.Is(err, domain.ErrTokenExpired) {
		return domain.WrapError(domain.KindInvalidCredentials, op, "Plaid item needs the user to log in again", err)
	}
	return asInvalidCredentials(op, err)
}

func (p *Plaid) Connect(ctx context.Context, userID string, creds domain.Credentials, settings domain.ConnectionSettings) (domain.Connection, error) {
	const op = "plaid.connect"
	if err := requireFields(op, creds, plaidAccessToken, plaidItemID); err != nil {
		return domain.Connection{}, err
	}

	var item struct {
		Item struct {
			ItemID        string `json:"item_id"`
			InstitutionID string `json:"institution_id"`
			Webhook       string `json:"webhook"`
		} `json:"item"`
	}
	if err := p.post(ctx, op, "/item/get", creds, nil, &item); err != nil {
		return domain.Connection{}, asConnectFailure(op, err)
	}
	if item.Item.ItemID != "" && item.Item.ItemID != creds[plaidItemID] {
		return domain.Connection{}, domain.NewError(domain.KindInvalidCredentials, op, "access token does not belong to the given item")
	}

	accounts, err := p.GetAccounts(ctx, domain.ConnectionRef{UserID: userID}, creds)
	if err != nil {
		return domain.Connection{}, asConnectFailure(op, err)
	}
	for i := range accounts {
		accounts[i].Institution = item.Item.InstitutionID
	}
	return p.newConnection(userID, creds[plaidItemID], accounts, settings, map[string]any{
		"institutionId": item.Item.InstitutionID,
	}), nil
}

// Disconnect removes the item at Plaid, which invalidates the access token.
func (p *Plaid) Disconnect(ctx context.Context, _ domain.ConnectionRef, creds domain.Credentials) error {
	return p.post(ctx, "plaid.disconnect", "/item/remove", creds, nil, nil)
}

type plaidAccount struct {
	AccountID    string `json:"account_id"`
	Name         string `json:"name"`
	OfficialName string `json:"official_name"`
	Type         string `json:"type"`
	Subtype      string `json:"subtype"`
	Mask         string `json:"mask"`
	Balances     struct {
		Current         json.Number `json:"current"`
		Available       json.Number `json:"available"`
		ISOCurrencyCode string      `json:"iso_currency_code"`
	} `json:"balances"`
}

func (p *Plaid) GetAccounts(ctx context.Context, _ domain.ConnectionRef, creds domain.Credentials) ([]domain.Account, error) {
	var resp struct {
		Accounts []plaidAccount `json:"accounts"`
	}
	if err := p.post(ctx, "plaid.accounts", "/accounts/get", creds, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.Account, 0, len(resp.Accounts))
	for _, a := range resp.Accounts {
		name := a.Name
		if name == "" {
			name = a.OfficialName
		}
		cur := a.Balances.ISOCurrencyCode
		if cur == "" {
			cur = p.Meta.DefaultCurrency
		}
		out = append(out, domain.Account{
			ID:               a.AccountID,
			Name:             name,
			Type:             a.Type,
			Currency:         cur,
			Balance:          decimalOf(a.Balances.Current),
			AvailableBalance: optionalDecimal(a.Balances.Available),
			AccountNumber:    a.Mask,
			Metadata:         map[string]any{"subtype": a.Subtype},
		})
	}
	return out, nil
}

type plaidTransaction struct {
	TransactionID   string      `json:"transaction_id"`
	AccountID       string      `json:"account_id"`
	Amount          json.Number `json:"amount"`
	ISOCurrencyCode string      `json:"iso_currency_code"`
	Date            string      `json:"date"`
	Name            string      `json:"name"`
	MerchantName    string      `json:"merchant_name"`
	Pending         bool        `json:"pending"`
	Category        []string    `json:"category"`
	PaymentChannel  string      `json:"payment_channel"`
}

// plaidRaw maps one Plaid transaction. Plaid reports outflows as positive
// amounts, so the sign becomes an explicit direction.
func plaidRaw(t plaidTransaction) normalize.Raw {
	direction := "debit"
	if strings.HasPrefix(string(t.Amount), "-") {
		direction = "credit"
	}
	return normalize.Raw{
		ID:          t.TransactionID,
		AccountID:   t.AccountID,
		Amount:      t.Amount,
		Direction:   direction,
		Description: t.Name,
		Merchant:    t.MerchantName,
		Category:    strings.Join(t.Category, " > "),
		Currency:    t.ISOCurrencyCode,
		Date:        t.Date,
		Pending:     t.Pending,
		Metadata:    map[string]any{"paymentChannel": t.PaymentChannel},
	}
}

func (p *Plaid) GetTransactions(ctx context.Context, conn domain.ConnectionRef, accountID string, creds domain.Credentials, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	txs, _, err := p.fetchTransactions(ctx, conn, domain.Account{ID: accountID}, creds, filter)
	return txs, err
}

func (p *Plaid) fetchTransactions(ctx context.Context, conn domain.ConnectionRef, acct domain.Account, creds domain.Credentials, filter domain.TransactionFilter) ([]domain.Transaction, int, error) {
	const op = "plaid.transactions"
	from, to := p.window(filter)

	var raws []normalize.Raw
	for offset := 0; ; {
		var resp struct {
			Transactions      []plaidTransaction `json:"transactions"`
			TotalTransactions int                `json:"total_transactions"`
		}
		err := p.post(ctx, op, "/transactions/get", creds, map[string]any{
			"start_date": from.Format(time.DateOnly),
			"end_date":   to.Format(time.DateOnly),
			"options": map[string]any{
				"account_ids": []string{acct.ID},
				"count":       plaidPageSize,
				"offset":      offset,
			},
		}, &resp)
		if err != nil {
			return nil, 0, err
		}
		for _, t := range resp.Transactions {
			raws = append(raws, plaidRaw(t))
		}
		offset += len(resp.Transactions)
		if len(resp.Transactions) == 0 || offset >= resp.TotalTransactions {
			break
		}
		if filter.Limit > 0 && len(raws) >= filter.Limit {
			break
		}
	}

	txs, skipped := p.transactions(ctx, conn, acct.ID, acct.Currency, raws, filter)
	return txs, skipped, nil
}

func (p *Plaid) Sync(ctx context.Context, conn domain.ConnectionRef, creds domain.Credentials, filter domain.TransactionFilter) (domain.SyncResult, error) {
	return p.sync(ctx, conn, filter,
		func(ctx context.Context) ([]domain.Account, error) {
			return p.GetAccounts(ctx, conn, creds)
		},
		func(ctx context.Context, acct domain.Account, f domain.TransactionFilter) ([]domain.Transaction, int, error) {
			return p.fetchTransactions(ctx, conn, acct, creds, f)
		},
	)
}

// RefreshAuth is a no-op: Plaid access tokens do not expire, and an item
// that needs re-authentication can only be fixed by the user in Link.
func (p *Plaid) RefreshAuth(ctx context.Context, conn domain.ConnectionRef, creds domain.Credentials) (domain.Credentials, error) {
	return p.NoopRefresh(ctx, conn, creds)
}

var _ Connector = (*Plaid)(nil)
