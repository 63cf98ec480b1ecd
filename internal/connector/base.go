package connector

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/txnbridge/internal/domain"
	"github.com/alanyoungcy/txnbridge/internal/normalize"
)

// defaultLookback is used when neither the filter nor the connection
// settings bound the start of a sync window.
const defaultLookback = 30 * 24 * time.Hour

// Base carries the behaviour shared by every variant. Variants embed it and
// supply only the provider calls.
type Base struct {
	Meta   domain.ConnectorMetadata
	Logger *slog.Logger
	Now    func() time.Time
}

func newBase(meta domain.ConnectorMetadata, logger *slog.Logger) Base {
	return Base{
		Meta:   meta,
		Logger: logger.With(slog.String("connector", meta.ID)),
		Now:    time.Now,
	}
}

// Metadata returns the static description of the variant.
func (b Base) Metadata() domain.ConnectorMetadata { return b.Meta }

// NoopRefresh is the default RefreshAuth for sources without expiring
// tokens: the credentials are returned unchanged.
func (b Base) NoopRefresh(_ context.Context, _ domain.ConnectionRef, creds domain.Credentials) (domain.Credentials, error) {
	return creds.Clone(), nil
}

// source builds the trusted provenance for one account of conn.
func (b Base) source(conn domain.ConnectionRef, accountID, currency string) normalize.Source {
	if currency == "" {
		currency = b.Meta.DefaultCurrency
	}
	return normalize.Source{
		ConnectionID:    conn.ID,
		AccountID:       accountID,
		UserID:          conn.UserID,
		ConnectorID:     b.Meta.ID,
		ConnectorType:   b.Meta.Type,
		Source:          b.Meta.Source,
		DefaultCurrency: currency,
	}
}

// transactions routes raw records through the normalizer and then applies
// filter. Records the normalizer rejects are logged and counted.
func (b Base) transactions(ctx context.Context, conn domain.ConnectionRef, accountID, currency string, raws []normalize.Raw, filter domain.TransactionFilter) ([]domain.Transaction, int) {
	txs, rejected := normalize.NormalizeAll(raws, b.source(conn, accountID, currency))
	for _, r := range rejected {
		b.Logger.WarnContext(ctx, "skipping invalid source record",
			slog.String("connection_id", conn.ID),
			slog.String("account_id", accountID),
			slog.Int("index", r.Index),
			slog.String("error", r.Err.Error()),
		)
	}
	return ApplyFilter(txs, filter), len(rejected)
}

// ApplyFilter narrows normalized transactions by date range, absolute
// amount bounds, account ids and finally limit.
func ApplyFilter(txs []domain.Transaction, f domain.TransactionFilter) []domain.Transaction {
	out := make([]domain.Transaction, 0, len(txs))
	for _, tx := range txs {
		if f.DateFrom != nil && tx.Date.Before(*f.DateFrom) {
			continue
		}
		if f.DateTo != nil && tx.Date.After(*f.DateTo) {
			continue
		}
		abs := tx.Amount.Abs()
		if f.AmountMin != nil && abs.LessThan(*f.AmountMin) {
			continue
		}
		if f.AmountMax != nil && abs.GreaterThan(*f.AmountMax) {
			continue
		}
		if len(f.AccountIDs) > 0 && !slices.Contains(f.AccountIDs, tx.AccountID) {
			continue
		}
		out = append(out, tx)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

// window resolves the date range a fetch should ask the provider for.
func (b Base) window(f domain.TransactionFilter) (from, to time.Time) {
	to = b.Now().UTC()
	if f.DateTo != nil {
		to = f.DateTo.UTC()
	}
	from = to.Add(-defaultLookback)
	if f.DateFrom != nil {
		from = f.DateFrom.UTC()
	}
	return from, to
}

type accountsFunc func(ctx context.Context) ([]domain.Account, error)

type accountTxFunc func(ctx context.Context, acct domain.Account, filter domain.TransactionFilter) ([]domain.Transaction, int, error)

// sync fetches every account and then each account's transactions. An
// account whose fetch fails is logged and listed in FailedAccounts; only a
// failure to list accounts aborts the sync. Authentication failures are
// returned as is so the caller can refresh and retry.
func (b Base) sync(ctx context.Context, conn domain.ConnectionRef, filter domain.TransactionFilter, accounts accountsFunc, fetch accountTxFunc) (domain.SyncResult, error) {
	accts, err := accounts(ctx)
	if err != nil {
		return domain.SyncResult{}, err
	}

	result := domain.SyncResult{
		ConnectionID: conn.ID,
		Accounts:     accts,
		Timestamp:    b.Now().UTC(),
	}
	from, to := b.window(filter)
	result.Stats.StartDate, result.Stats.EndDate = &from, &to

	// The limit applies to the whole sync, not to each account.
	perAccount := filter
	perAccount.Limit = 0
	for _, acct := range accts {
		if len(filter.AccountIDs) > 0 && !slices.Contains(filter.AccountIDs, acct.ID) {
			continue
		}
		txs, skipped, err := fetch(ctx, acct, perAccount)
		if err != nil {
			if isAuthError(err) {
				return domain.SyncResult{}, err
			}
			if ctx.Err() != nil {
				return domain.SyncResult{}, ErrorFromTransport("connector.sync", ctx.Err())
			}
			b.Logger.WarnContext(ctx, "account fetch failed, skipping",
				slog.String("connection_id", conn.ID),
				slog.String("account_id", acct.ID),
				slog.String("error", err.Error()),
			)
			result.Stats.FailedAccounts = append(result.Stats.FailedAccounts, acct.ID)
			continue
		}
		result.Stats.Skipped += skipped
		result.Transactions = append(result.Transactions, txs...)
	}

	if filter.Limit > 0 && len(result.Transactions) > filter.Limit {
		result.Transactions = result.Transactions[:filter.Limit]
	}
	result.Stats.Total = len(result.Transactions)
	result.Stats.New = len(result.Transactions)
	result.Success = len(result.Stats.FailedAccounts) == 0 || len(result.Transactions) > 0
	return result, nil
}

func isAuthError(err error) bool {
	return errors.Is(err, domain.ErrUnauthorized) || errors.Is(err, domain.ErrTokenExpired)
}

// requireFields reports the first missing credential as InvalidCredentials.
func requireFields(op string, creds domain.Credentials, names ...string) error {
	for _, n := range names {
		if creds[n] == "" {
			return domain.NewError(domain.KindInvalidCredentials, op, n+" is required")
		}
	}
	return nil
}

// asInvalidCredentials turns a source rejection during validation into
// InvalidCredentials and leaves other kinds alone.
func asInvalidCredentials(op string, err error) error {
	if errors.Is(err, domain.ErrUnauthorized) {
		return domain.WrapError(domain.KindInvalidCredentials, op, "credentials were rejected by the provider", err)
	}
	return err
}

// asConnectFailure reports authentication failures during the first
// handshake as ConnectionFailed.
func asConnectFailure(op string, err error) error {
	if errors.Is(err, domain.ErrUnauthorized) {
		return domain.WrapError(domain.KindConnectionFailed, op, "provider refused the connection", err)
	}
	return err
}

// newConnection fills the fields every variant sets the same way.
func (b Base) newConnection(userID, externalRef string, accounts []domain.Account, settings domain.ConnectionSettings, meta map[string]any) domain.Connection {
	now := b.Now().UTC()
	if settings.DefaultCurrency == "" {
		settings.DefaultCurrency = b.Meta.DefaultCurrency
	}
	return domain.Connection{
		UserID:        userID,
		ConnectorID:   b.Meta.ID,
		ConnectorType: b.Meta.Type,
		ExternalRef:   externalRef,
		Status:        domain.StatusConnected,
		Accounts:      accounts,
		Settings:      settings,
		Metadata:      meta,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// decimalOf parses a provider amount, treating anything unparseable as zero.
// Only account balances use it; transaction amounts go through the
// normalizer, which rejects bad input instead.
func decimalOf(n json.Number) decimal.Decimal {
	if n == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(string(n))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func optionalDecimal(n json.Number) *decimal.Decimal {
	if n == "" {
		return nil
	}
	d, err := decimal.NewFromString(string(n))
	if err != nil {
		return nil
	}
	return &d
}

// maskAccountNumber keeps the last four characters of an account number.
func maskAccountNumber(s string) string {
	if len(s) <= 4 {
		return s
	}
	return "****" + s[len(s)-4:]
}
