package connector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/txnbridge/internal/domain"
	"github.com/alanyoungcy/txnbridge/internal/normalize"
)

// WiseID is the registry id of the Wise connector.
const WiseID = "wise"

const (
	wiseAccessToken  = "accessToken"
	wiseRefreshToken = "refreshToken"
	wiseExpiresAt    = "accessTokenExpiresAt"
	wiseProfileID    = "profileId"
)

// Wise reads multi-currency balances and their statements through the Wise
// platform API using OAuth tokens.
type Wise struct {
	Base
	api          *APIClient
	clientID     string
	clientSecret string
}

// NewWise creates a Wise connector.
func NewWise(api *APIClient, clientID, clientSecret string, logger *slog.Logger) *Wise {
	return &Wise{
		Base: newBase(domain.ConnectorMetadata{
			ID:              WiseID,
			Name:            "Wise",
			Type:            domain.ConnectorTypeBank,
			Source:          domain.SourcePaymentAPI,
			Description:     "Multi-currency balances and statements from Wise.",
			DefaultCurrency: "USD",
			CredentialFields: []domain.CredentialField{
				{Name: wiseAccessToken, Label: "Access Token", Secret: true, Required: true},
				{Name: wiseRefreshToken, Label: "Refresh Token", Secret: true},
				{Name: wiseProfileID, Label: "Profile ID", HelpText: "Defaults to the first profile on the account"},
			},
			Capabilities:     domain.ConnectorCapabilities{Webhooks: true, RealTime: true, RefreshableAuth: true, Accounts: true},
			DocumentationURL: "https://docs.wise.com/api-docs",
		}, logger),
		api:          api,
		clientID:     clientID,
		clientSecret: clientSecret,
	}
}

func (w *Wise) get(ctx context.Context, op, path string, q url.Values, creds domain.Credentials, out any) error {
	return w.api.Do(ctx, op, Request{
		Path:   path,
		Query:  q,
		Header: http.Header{"Authorization": {"Bearer " + creds[wiseAccessToken]}},
	}, out)
}

type wiseProfile struct {
	ID   json.Number `json:"id"`
	Type string      `json:"type"`
}

func (w *Wise) profiles(ctx context.Context, creds domain.Credentials) ([]string, error) {
	if id := creds[wiseProfileID]; id != "" {
		return []string{id}, nil
	}
	var resp []wiseProfile
	if err := w.get(ctx, "wise.profiles", "/v1/profiles", nil, creds, &resp); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(resp))
	for _, p := range resp {
		ids = append(ids, p.ID.String())
	}
	return ids, nil
}

func (w *Wise) ValidateCredentials(ctx context.Context, creds domain.Credentials) error {
	const op = "wise.validate"
	if err := requireFields(op, creds, wiseAccessToken); err != nil {
		return err
	}
	return asInvalidCredentials(op, w.get(ctx, op, "/v1/profiles", nil, creds, nil))
}

func (w *Wise) Connect(ctx context.Context, userID string, creds domain.Credentials, settings domain.ConnectionSettings) (domain.Connection, error) {
	const op = "wise.connect"
	if err := w.ValidateCredentials(ctx, creds); err != nil {
		return domain.Connection{}, err
	}
	profiles, err := w.profiles(ctx, creds)
	if err != nil {
		return domain.Connection{}, asConnectFailure(op, err)
	}
	if len(profiles) == 0 {
		return domain.Connection{}, domain.NewError(domain.KindInvalidCredentials, op, "Wise account has no profiles")
	}
	accounts, err := w.accounts(ctx, creds, profiles)
	if err != nil {
		return domain.Connection{}, asConnectFailure(op, err)
	}
	return w.newConnection(userID, profiles[0], accounts, settings, map[string]any{
		"profileIds": profiles,
	}), nil
}

// Disconnect is a no-op: Wise has no token revocation endpoint for
// partner OAuth tokens. Deleting the vault entry is what ends access.
func (w *Wise) Disconnect(context.Context, domain.ConnectionRef, domain.Credentials) error {
	return nil
}

type wiseBalance struct {
	ID       json.Number `json:"id"`
	Currency string      `json:"currency"`
	Name     string      `json:"name"`
	Type     string      `json:"type"`
	Amount   struct {
		Value    json.Number `json:"value"`
		Currency string      `json:"currency"`
	} `json:"amount"`
}

func (w *Wise) GetAccounts(ctx context.Context, _ domain.ConnectionRef, creds domain.Credentials) ([]domain.Account, error) {
	profiles, err := w.profiles(ctx, creds)
	if err != nil {
		return nil, err
	}
	return w.accounts(ctx, creds, profiles)
}

// accounts lists the STANDARD balances of every profile. A balance is
// addressed as "<profileId>-<balanceId>".
func (w *Wise) accounts(ctx context.Context, creds domain.Credentials, profiles []string) ([]domain.Account, error) {
	var out []domain.Account
	for _, pid := range profiles {
		var balances []wiseBalance
		err := w.get(ctx, "wise.balances", "/v4/profiles/"+url.PathEscape(pid)+"/balances",
			url.Values{"types": {"STANDARD"}}, creds, &balances)
		if err != nil {
			return nil, err
		}
		for _, b := range balances {
			name := b.Name
			if name == "" {
				name = b.Currency + " balance"
			}
			amount := decimalOf(b.Amount.Value)
			out = append(out, domain.Account{
				ID:               pid + "-" + b.ID.String(),
				Name:             name,
				Type:             strings.ToLower(b.Type),
				Currency:         b.Currency,
				Balance:          amount,
				AvailableBalance: &amount,
				Institution:      "Wise",
				Metadata:         map[string]any{"profileId": pid, "balanceId": b.ID.String()},
			})
		}
	}
	return out, nil
}

type wiseStatementTx struct {
	Type            string `json:"type"`
	Date            string `json:"date"`
	ReferenceNumber string `json:"referenceNumber"`
	Amount          struct {
		Value    json.Number `json:"value"`
		Currency string      `json:"currency"`
	} `json:"amount"`
	Details struct {
		Type        string `json:"type"`
		Description string `json:"description"`
		Merchant    struct {
			Name     string `json:"name"`
			Category string `json:"category"`
		} `json:"merchant"`
	} `json:"details"`
}

// wiseRaw maps one statement line. Wise marks each line DEBIT or CREDIT.
func wiseRaw(accountID string, t wiseStatementTx) normalize.Raw {
	return normalize.Raw{
		ID:          t.ReferenceNumber,
		AccountID:   accountID,
		Amount:      t.Amount.Value,
		Direction:   strings.ToLower(t.Type),
		Type:        t.Details.Type,
		Description: t.Details.Description,
		Merchant:    t.Details.Merchant.Name,
		Category:    t.Details.Merchant.Category,
		Reference:   t.ReferenceNumber,
		Currency:    t.Amount.Currency,
		Date:        t.Date,
		Metadata:    map[string]any{"detailsType": t.Details.Type},
	}
}

func splitWiseAccount(accountID string) (profileID, balanceID string, err error) {
	profileID, balanceID, ok := strings.Cut(accountID, "-")
	if !ok || profileID == "" || balanceID == "" {
		return "", "", domain.NewError(domain.KindInvalidData, "wise.transactions", fmt.Sprintf("malformed Wise account id %q", accountID))
	}
	return profileID, balanceID, nil
}

func (w *Wise) GetTransactions(ctx context.Context, conn domain.ConnectionRef, accountID string, creds domain.Credentials, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	pid, bid, err := splitWiseAccount(accountID)
	if err != nil {
		return nil, err
	}
	var bal wiseBalance
	if err := w.get(ctx, "wise.balance", "/v4/profiles/"+url.PathEscape(pid)+"/balances/"+url.PathEscape(bid), nil, creds, &bal); err != nil {
		return nil, err
	}
	txs, _, err := w.fetchTransactions(ctx, conn, domain.Account{ID: accountID, Currency: bal.Currency}, creds, filter)
	return txs, err
}

func (w *Wise) fetchTransactions(ctx context.Context, conn domain.ConnectionRef, acct domain.Account, creds domain.Credentials, filter domain.TransactionFilter) ([]domain.Transaction, int, error) {
	pid, bid, err := splitWiseAccount(acct.ID)
	if err != nil {
		return nil, 0, err
	}
	from, to := w.window(filter)
	q := url.Values{
		"currency":      {acct.Currency},
		"intervalStart": {from.Format(time.RFC3339)},
		"intervalEnd":   {to.Format(time.RFC3339)},
		"type":          {"COMPACT"},
	}
	var resp struct {
		Transactions []wiseStatementTx `json:"transactions"`
	}
	path := fmt.Sprintf("/v1/profiles/%s/balance-statements/%s/statement.json", url.PathEscape(pid), url.PathEscape(bid))
	if err := w.get(ctx, "wise.statement", path, q, creds, &resp); err != nil {
		return nil, 0, err
	}

	raws := make([]normalize.Raw, 0, len(resp.Transactions))
	for _, t := range resp.Transactions {
		raws = append(raws, wiseRaw(acct.ID, t))
	}
	txs, skipped := w.transactions(ctx, conn, acct.ID, acct.Currency, raws, filter)
	return txs, skipped, nil
}

func (w *Wise) Sync(ctx context.Context, conn domain.ConnectionRef, creds domain.Credentials, filter domain.TransactionFilter) (domain.SyncResult, error) {
	return w.sync(ctx, conn, filter,
		func(ctx context.Context) ([]domain.Account, error) {
			return w.GetAccounts(ctx, conn, creds)
		},
		func(ctx context.Context, acct domain.Account, f domain.TransactionFilter) ([]domain.Transaction, int, error) {
			return w.fetchTransactions(ctx, conn, acct, creds, f)
		},
	)
}

// RefreshAuth uses the refresh-token grant. Any rejection of the refresh
// token is TokenExpired: the user has to authorize again.
func (w *Wise) RefreshAuth(ctx context.Context, _ domain.ConnectionRef, creds domain.Credentials) (domain.Credentials, error) {
	const op = "wise.refresh"
	if creds[wiseRefreshToken] == "" {
		return nil, domain.NewError(domain.KindTokenExpired, op, "no refresh token stored for this connection")
	}

	var resp struct {
		AccessToken  string      `json:"access_token"`
		RefreshToken string      `json:"refresh_token"`
		ExpiresIn    json.Number `json:"expires_in"`
	}
	req := Request{
		Method: http.MethodPost,
		Path:   "/oauth/token",
		Header: http.Header{},
		Form: url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {creds[wiseRefreshToken]},
		},
	}
	req.Header.Set("Authorization", basicAuth(w.clientID, w.clientSecret))

	if err := w.api.Do(ctx, op, req, &resp); err != nil {
		var he *HTTPError
		if errors.As(err, &he) && he.StatusCode >= 400 && he.StatusCode < 500 && he.StatusCode != http.StatusTooManyRequests {
			return nil, domain.WrapError(domain.KindTokenExpired, op, "Wise refused to refresh the token", err)
		}
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, domain.NewError(domain.KindTokenExpired, op, "Wise returned no access token")
	}

	out := creds.Clone()
	out[wiseAccessToken] = resp.AccessToken
	if resp.RefreshToken != "" {
		out[wiseRefreshToken] = resp.RefreshToken
	}
	if ttl, err := resp.ExpiresIn.Int64(); err == nil && ttl > 0 {
		out[wiseExpiresAt] = strconv.FormatInt(w.Now().Add(time.Duration(ttl)*time.Second).Unix(), 10)
	}
	return out, nil
}

func basicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

var _ Connector = (*Wise)(nil)
