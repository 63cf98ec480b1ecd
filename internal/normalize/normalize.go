// Package normalize converts source-specific transaction records into the
// canonical domain.Transaction. Every function here is pure: the same input
// always yields the same output, so the webhook and sync paths agree.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/txnbridge/internal/domain"
	"github.com/shopspring/decimal"
)

const op = "normalize"

// Raw is one source record before normalization. Connectors and webhook
// handlers map their provider JSON onto this shape and nothing more.
type Raw struct {
	ID          string
	AccountID   string
	Amount      any
	Direction   string
	Type        string
	Description string
	Merchant    string
	Reference   string
	Category    string
	Currency    string
	Date        any
	Pending     bool
	Metadata    map[string]any
}

// Source carries the trusted provenance of a batch of raw records. UserID and
// ConnectionID come from the stored connection, never from the payload.
type Source struct {
	ConnectionID    string
	AccountID       string
	UserID          string
	ConnectorID     string
	ConnectorType   domain.ConnectorType
	Source          domain.TransactionSource
	DefaultCurrency string
}

// Rejected records why one input of a batch could not be normalized.
type Rejected struct {
	Index int
	Err   error
}

// Normalize converts raw into a canonical transaction.
func Normalize(raw Raw, src Source) (domain.Transaction, error) {
	amount, err := parseAmount(raw.Amount)
	if err != nil {
		return domain.Transaction{}, invalid(err.Error())
	}
	date, err := parseDate(raw.Date)
	if err != nil {
		return domain.Transaction{}, invalid(err.Error())
	}

	accountID := strings.TrimSpace(raw.AccountID)
	if accountID == "" {
		accountID = src.AccountID
	}

	amount = applySign(amount, raw.Direction, raw.Type)

	desc := firstNonEmpty(raw.Description, raw.Merchant, raw.Reference)
	desc = SanitizeDescription(desc)

	tx := domain.Transaction{
		TransactionID: strings.TrimSpace(raw.ID),
		UserID:        src.UserID,
		ConnectionID:  src.ConnectionID,
		AccountID:     accountID,
		Amount:        amount,
		Currency:      currency(raw.Currency, src.DefaultCurrency),
		Date:          date.UTC(),
		SourceType:    strings.ToLower(strings.TrimSpace(firstNonEmpty(raw.Direction, raw.Type))),
		Description:   desc,
		Merchant:      SanitizeDescription(raw.Merchant),
		Category:      strings.TrimSpace(raw.Category),
		Reference:     strings.TrimSpace(raw.Reference),
		Pending:       raw.Pending,
		Source:        src.Source,
		ConnectorID:   src.ConnectorID,
		ConnectorType: src.ConnectorType,
		Metadata:      domain.StripSensitive(raw.Metadata),
	}
	tx.PrimaryType = inferPrimaryType(amount, raw.Direction, raw.Metadata, desc)

	if tx.TransactionID == "" && accountID != "" {
		tx.TransactionID = DedupeKey(src.ConnectionID, accountID, tx.Date, amount)
	}

	if err := validate(tx); err != nil {
		return domain.Transaction{}, err
	}
	return tx, nil
}

// NormalizeAll normalizes every record, returning the accepted transactions in
// input order together with the indices that failed.
func NormalizeAll(raws []Raw, src Source) ([]domain.Transaction, []Rejected) {
	out := make([]domain.Transaction, 0, len(raws))
	var rejected []Rejected
	for i, r := range raws {
		tx, err := Normalize(r, src)
		if err != nil {
			rejected = append(rejected, Rejected{Index: i, Err: err})
			continue
		}
		out = append(out, tx)
	}
	return out, rejected
}

// DedupeKey derives a stable transaction id from the ownership and economic
// fields of a record that has no native id.
func DedupeKey(connectionID, accountID string, date time.Time, amount decimal.Decimal) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s", connectionID, accountID, date.UTC().Format(time.RFC3339Nano), amount.String())
	return "gen_" + hex.EncodeToString(h.Sum(nil))
}

func validate(tx domain.Transaction) error {
	switch {
	case tx.TransactionID == "":
		return invalid("transaction id is required")
	case tx.AccountID == "":
		return invalid("account id is required")
	case tx.UserID == "":
		return invalid("user id is required")
	case tx.ConnectionID == "":
		return invalid("connection id is required")
	case tx.ConnectorID == "":
		return invalid("connector id is required")
	case tx.Description == "":
		return invalid("description is required")
	case tx.Date.IsZero():
		return invalid("date is required")
	case !tx.PrimaryType.Valid():
		return invalid("unknown primary type " + string(tx.PrimaryType))
	}
	return nil
}

func invalid(msg string) error {
	return domain.NewError(domain.KindInvalidData, op, msg)
}

func parseAmount(v any) (decimal.Decimal, error) {
	switch a := v.(type) {
	case nil:
		return decimal.Zero, fmt.Errorf("amount is required")
	case decimal.Decimal:
		return a, nil
	case *decimal.Decimal:
		if a == nil {
			return decimal.Zero, fmt.Errorf("amount is required")
		}
		return *a, nil
	case float64:
		return fromFloat(a)
	case float32:
		return fromFloat(float64(a))
	case int:
		return decimal.NewFromInt(int64(a)), nil
	case int64:
		return decimal.NewFromInt(a), nil
	case int32:
		return decimal.NewFromInt(int64(a)), nil
	case json.Number:
		return parseAmountString(a.String())
	case string:
		return parseAmountString(a)
	default:
		return decimal.Zero, fmt.Errorf("amount has unsupported type %T", v)
	}
}

func fromFloat(f float64) (decimal.Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero, fmt.Errorf("amount is not a finite number")
	}
	return decimal.NewFromFloat(f), nil
}

func parseAmountString(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" {
		return decimal.Zero, fmt.Errorf("amount is required")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		// NaN and Inf are spelled out by some sources; reject them explicitly.
		if f, ferr := strconv.ParseFloat(s, 64); ferr == nil {
			return fromFloat(f)
		}
		return decimal.Zero, fmt.Errorf("amount %q is not a number", s)
	}
	return d, nil
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseDate(v any) (time.Time, error) {
	switch d := v.(type) {
	case time.Time:
		if d.IsZero() {
			return time.Time{}, fmt.Errorf("date is required")
		}
		return d, nil
	case *time.Time:
		if d == nil || d.IsZero() {
			return time.Time{}, fmt.Errorf("date is required")
		}
		return *d, nil
	case string:
		s := strings.TrimSpace(d)
		if s == "" {
			return time.Time{}, fmt.Errorf("date is required")
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("date %q is not in a recognised format", s)
	case nil:
		return time.Time{}, fmt.Errorf("date is required")
	default:
		return time.Time{}, fmt.Errorf("date has unsupported type %T", v)
	}
}

func currency(raw, fallback string) string {
	if c := strings.ToUpper(strings.TrimSpace(raw)); c != "" {
		return c
	}
	if c := strings.ToUpper(strings.TrimSpace(fallback)); c != "" {
		return c
	}
	return "USD"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
