package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/alanyoungcy/txnbridge/internal/domain"
	"github.com/alanyoungcy/txnbridge/internal/normalize"
)

// BasiqID is the registry id of the Basiq connector.
const BasiqID = "basiq"

// Credential keys used by Basiq. The cached token lives next to the API key
// so a refreshed token survives in the vault until it expires.
const (
	basiqAPIKey         = "apiKey"
	basiqUserID         = "basiqUserId"
	basiqAccessToken    = "accessToken"
	basiqTokenExpiresAt = "accessTokenExpiresAt"
)

// Basiq reads Australian bank data through the Basiq aggregation API.
type Basiq struct {
	Base
	api *APIClient
}

// NewBasiq creates a Basiq connector on the shared API client.
func NewBasiq(api *APIClient, logger *slog.Logger) *Basiq {
	return &Basiq{
		Base: newBase(domain.ConnectorMetadata{
			ID:              BasiqID,
			Name:            "Basiq",
			Type:            domain.ConnectorTypeBank,
			Source:          domain.SourceBankAPI,
			Description:     "Bank accounts and transactions across Australian institutions via Basiq.",
			DefaultCurrency: "AUD",
			CredentialFields: []domain.CredentialField{
				{Name: basiqAPIKey, Label: "API Key", Secret: true, Required: true, HelpText: "Server API key from the Basiq dashboard"},
				{Name: basiqUserID, Label: "Basiq User ID", Required: true, HelpText: "The Basiq user whose bank connections are read"},
			},
			Capabilities:     domain.ConnectorCapabilities{Webhooks: true, RealTime: true, RefreshableAuth: true, Accounts: true},
			DocumentationURL: "https://api.basiq.io/docs",
		}, logger),
		api: api,
	}
}

func (b *Basiq) ValidateCredentials(ctx context.Context, creds domain.Credentials) error {
	const op = "basiq.validate"
	if err := requireFields(op, creds, basiqAPIKey); err != nil {
		return err
	}
	_, _, err := b.exchange(ctx, creds)
	return asInvalidCredentials(op, err)
}

func (b *Basiq) Connect(ctx context.Context, userID string, creds domain.Credentials, settings domain.ConnectionSettings) (domain.Connection, error) {
	const op = "basiq.connect"
	if err := requireFields(op, creds, basiqAPIKey, basiqUserID); err != nil {
		return domain.Connection{}, err
	}
	if err := b.ValidateCredentials(ctx, creds); err != nil {
		return domain.Connection{}, err
	}
	accounts, err := b.GetAccounts(ctx, domain.ConnectionRef{UserID: userID}, creds)
	if err != nil {
		return domain.Connection{}, asConnectFailure(op, err)
	}
	return b.newConnection(userID, creds[basiqUserID], accounts, settings, map[string]any{
		"basiqUserId": creds[basiqUserID],
	}), nil
}

// Disconnect only forgets the cached token. The Basiq user and its bank
// consents are owned by the customer's Basiq application.
func (b *Basiq) Disconnect(_ context.Context, _ domain.ConnectionRef, creds domain.Credentials) error {
	delete(creds, basiqAccessToken)
	delete(creds, basiqTokenExpiresAt)
	return nil
}

type basiqAccount struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	AccountNo      string      `json:"accountNo"`
	Currency       string      `json:"currency"`
	Balance        json.Number `json:"balance"`
	AvailableFunds json.Number `json:"availableFunds"`
	Institution    string      `json:"institution"`
	Status         string      `json:"status"`
	Class          struct {
		Type    string `json:"type"`
		Product string `json:"product"`
	} `json:"class"`
}

func (b *Basiq) GetAccounts(ctx context.Context, _ domain.ConnectionRef, creds domain.Credentials) ([]domain.Account, error) {
	token, err := b.token(ctx, creds)
	if err != nil {
		return nil, err
	}
	return b.accounts(ctx, token, creds[basiqUserID])
}

func (b *Basiq) accounts(ctx context.Context, token, userID string) ([]domain.Account, error) {
	const op = "basiq.accounts"
	if userID == "" {
		return nil, domain.NewError(domain.KindInvalidCredentials, op, basiqUserID+" is required")
	}
	var resp struct {
		Data []basiqAccount `json:"data"`
	}
	err := b.api.Do(ctx, op, Request{
		Path:   "/users/" + url.PathEscape(userID) + "/accounts",
		Header: b.headers(token),
	}, &resp)
	if err != nil {
		return nil, err
	}

	out := make([]domain.Account, 0, len(resp.Data))
	for _, a := range resp.Data {
		out = append(out, domain.Account{
			ID:               a.ID,
			Name:             a.Name,
			Type:             a.Class.Type,
			Currency:         a.Currency,
			Balance:          decimalOf(a.Balance),
			AvailableBalance: optionalDecimal(a.AvailableFunds),
			AccountNumber:    maskAccountNumber(a.AccountNo),
			Institution:      a.Institution,
			Metadata:         map[string]any{"product": a.Class.Product, "status": a.Status},
		})
	}
	return out, nil
}

type basiqTransaction struct {
	ID              string      `json:"id"`
	Account         string      `json:"account"`
	Amount          json.Number `json:"amount"`
	Direction       string      `json:"direction"`
	Description     string      `json:"description"`
	Class           string      `json:"class"`
	Status          string      `json:"status"`
	PostDate        string      `json:"postDate"`
	TransactionDate string      `json:"transactionDate"`
	SubClass        struct {
		Title string `json:"title"`
	} `json:"subClass"`
	Enrich struct {
		Merchant struct {
			BusinessName string `json:"businessName"`
		} `json:"merchant"`
	} `json:"enrich"`
}

// basiqRaw maps one Basiq transaction onto the normalizer's input. It is
// shared with the webhook handler so both paths agree.
func basiqRaw(t basiqTransaction) normalize.Raw {
	date := t.PostDate
	if date == "" {
		date = t.TransactionDate
	}
	return normalize.Raw{
		ID:          t.ID,
		AccountID:   t.Account,
		Amount:      t.Amount,
		Direction:   t.Direction,
		Type:        t.Class,
		Description: t.Description,
		Merchant:    t.Enrich.Merchant.BusinessName,
		Category:    t.SubClass.Title,
		Date:        date,
		Pending:     t.Status == "pending",
		Metadata:    map[string]any{"class": t.Class, "status": t.Status},
	}
}

func (b *Basiq) GetTransactions(ctx context.Context, conn domain.ConnectionRef, accountID string, creds domain.Credentials, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	token, err := b.token(ctx, creds)
	if err != nil {
		return nil, err
	}
	txs, _, err := b.fetchTransactions(ctx, token, creds[basiqUserID], conn, domain.Account{ID: accountID}, filter)
	return txs, err
}

func (b *Basiq) fetchTransactions(ctx context.Context, token, userID string, conn domain.ConnectionRef, acct domain.Account, filter domain.TransactionFilter) ([]domain.Transaction, int, error) {
	const op = "basiq.transactions"
	from, to := b.window(filter)

	q := url.Values{}
	q.Set("filter", fmt.Sprintf("account.id.eq('%s'),transaction.postDate.bt('%s','%s')",
		acct.ID, from.Format(time.DateOnly), to.Format(time.DateOnly)))
	q.Set("limit", "500")

	req := Request{
		Path:   "/users/" + url.PathEscape(userID) + "/transactions",
		Query:  q,
		Header: b.headers(token),
	}

	var raws []normalize.Raw
	for page := 0; page < 50; page++ {
		var resp struct {
			Data  []basiqTransaction `json:"data"`
			Links struct {
				Next string `json:"next"`
			} `json:"links"`
		}
		if err := b.api.Do(ctx, op, req, &resp); err != nil {
			return nil, 0, err
		}
		for _, t := range resp.Data {
			raws = append(raws, basiqRaw(t))
		}
		if resp.Links.Next == "" || (filter.Limit > 0 && len(raws) >= filter.Limit) {
			break
		}
		req = Request{Path: resp.Links.Next, Header: req.Header}
	}

	txs, skipped := b.transactions(ctx, conn, acct.ID, acct.Currency, raws, filter)
	return txs, skipped, nil
}

func (b *Basiq) Sync(ctx context.Context, conn domain.ConnectionRef, creds domain.Credentials, filter domain.TransactionFilter) (domain.SyncResult, error) {
	token, err := b.token(ctx, creds)
	if err != nil {
		return domain.SyncResult{}, err
	}
	userID := creds[basiqUserID]
	return b.sync(ctx, conn, filter,
		func(ctx context.Context) ([]domain.Account, error) {
			return b.accounts(ctx, token, userID)
		},
		func(ctx context.Context, acct domain.Account, f domain.TransactionFilter) ([]domain.Transaction, int, error) {
			return b.fetchTransactions(ctx, token, userID, conn, acct, f)
		},
	)
}

// RefreshAuth exchanges the API key for a new server token and returns the
// credentials with the token cached.
func (b *Basiq) RefreshAuth(ctx context.Context, _ domain.ConnectionRef, creds domain.Credentials) (domain.Credentials, error) {
	const op = "basiq.refresh"
	token, expiresAt, err := b.exchange(ctx, creds)
	if err != nil {
		if isAuthError(err) {
			return nil, domain.WrapError(domain.KindTokenExpired, op, "Basiq token refresh was rejected", err)
		}
		return nil, err
	}
	out := creds.Clone()
	out[basiqAccessToken] = token
	out[basiqTokenExpiresAt] = strconv.FormatInt(expiresAt.Unix(), 10)
	return out, nil
}

// token returns the cached server token when it is still valid, otherwise
// a freshly exchanged one.
func (b *Basiq) token(ctx context.Context, creds domain.Credentials) (string, error) {
	if tok := creds[basiqAccessToken]; tok != "" {
		if exp, err := strconv.ParseInt(creds[basiqTokenExpiresAt], 10, 64); err == nil && b.Now().Unix() < exp {
			return tok, nil
		}
	}
	tok, _, err := b.exchange(ctx, creds)
	return tok, err
}

// exchange trades the API key for a SERVER_ACCESS token. The token is
// treated as expiring 60 seconds before Basiq says it does.
func (b *Basiq) exchange(ctx context.Context, creds domain.Credentials) (string, time.Time, error) {
	const op = "basiq.token"
	if creds[basiqAPIKey] == "" {
		return "", time.Time{}, domain.NewError(domain.KindInvalidCredentials, op, basiqAPIKey+" is required")
	}
	var resp struct {
		AccessToken string      `json:"access_token"`
		ExpiresIn   json.Number `json:"expires_in"`
	}
	err := b.api.Do(ctx, op, Request{
		Method: http.MethodPost,
		Path:   "/token",
		Header: http.Header{
			"Authorization": {basicAuth(creds[basiqAPIKey], "")},
			"Basiq-Version": {"3.0"},
		},
		Form: url.Values{"scope": {"SERVER_ACCESS"}},
	}, &resp)
	if err != nil {
		return "", time.Time{}, err
	}
	if resp.AccessToken == "" {
		return "", time.Time{}, domain.NewError(domain.KindInvalidCredentials, op, "Basiq returned no access token")
	}
	ttl, err := resp.ExpiresIn.Int64()
	if err != nil || ttl <= 0 {
		ttl = 3600
	}
	if ttl > 60 {
		ttl -= 60
	}
	return resp.AccessToken, b.Now().Add(time.Duration(ttl) * time.Second), nil
}

func (b *Basiq) headers(token string) http.Header {
	return http.Header{
		"Authorization": {"Bearer " + token},
		"Basiq-Version": {"3.0"},
	}
}

var _ Connector = (*Basiq)(nil)
