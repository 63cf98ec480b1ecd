package normalize

import (
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/txnbridge/internal/domain"
	"github.com/shopspring/decimal"
)

func testSource() Source {
	return Source{
		ConnectionID:    "conn1",
		UserID:          "user1",
		ConnectorID:     "basiq",
		ConnectorType:   domain.ConnectorTypeBank,
		Source:          domain.SourceBankAPI,
		DefaultCurrency: "aud",
	}
}

func TestNormalizeCoffeeDebit(t *testing.T) {
	raw := Raw{
		ID:          "tx-1",
		AccountID:   "acc1",
		Amount:      45.50,
		Type:        "debit",
		Description: "Coffee Shop  Purchase  1234567890123456",
		Date:        "2024-03-01",
	}
	tx, err := Normalize(raw, testSource())
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if !tx.Amount.Equal(decimal.RequireFromString("-45.50")) {
		t.Errorf("amount = %s, want -45.50", tx.Amount)
	}
	if tx.PrimaryType != domain.PrimaryTypeExpense {
		t.Errorf("primary type = %s, want expense", tx.PrimaryType)
	}
	if tx.Description != "Coffee Shop Purchase ****3456" {
		t.Errorf("description = %q", tx.Description)
	}
	if tx.UserID != "user1" || tx.ConnectionID != "conn1" || tx.AccountID != "acc1" {
		t.Errorf("ownership = %s/%s/%s", tx.UserID, tx.ConnectionID, tx.AccountID)
	}
	if tx.Currency != "AUD" {
		t.Errorf("currency = %s, want AUD", tx.Currency)
	}
	if tx.IdempotencyKey() != "basiq:tx-1" {
		t.Errorf("idempotency key = %s", tx.IdempotencyKey())
	}
}

func TestNormalizeSignPrecedence(t *testing.T) {
	tests := []struct {
		name      string
		amount    any
		direction string
		typ       string
		want      string
	}{
		{"direction debit", 10, "debit", "", "-10"},
		{"direction credit on negative", "-10", "credit", "", "10"},
		{"direction beats type", 10, "credit", "payment", "10"},
		{"type withdrawal", 10, "", "ATM Withdrawal", "-10"},
		{"type deposit", "-25.10", "", "Deposit", "25.10"},
		{"passthrough", -3, "", "misc", "-3"},
		{"transfer keeps sign", 7, "transfer", "", "7"},
		{"zero stays zero", 0, "debit", "", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := Raw{ID: "x", AccountID: "a", Amount: tt.amount, Direction: tt.direction, Type: tt.typ,
				Description: "d", Date: "2024-01-01"}
			tx, err := Normalize(raw, testSource())
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if !tx.Amount.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("amount = %s, want %s", tx.Amount, tt.want)
			}
		})
	}
}

func TestSignConventionForDirection(t *testing.T) {
	for _, a := range []any{12.5, -12.5, "3", "-0.01", 0} {
		debit, err := Normalize(Raw{ID: "1", AccountID: "a", Amount: a, Direction: "debit", Description: "x", Date: "2024-01-01"}, testSource())
		if err != nil {
			t.Fatal(err)
		}
		if debit.Amount.IsPositive() {
			t.Errorf("debit %v normalized to %s", a, debit.Amount)
		}
		credit, err := Normalize(Raw{ID: "1", AccountID: "a", Amount: a, Direction: "credit", Description: "x", Date: "2024-01-01"}, testSource())
		if err != nil {
			t.Fatal(err)
		}
		if credit.Amount.IsNegative() {
			t.Errorf("credit %v normalized to %s", a, credit.Amount)
		}
	}
}

func TestPrimaryType(t *testing.T) {
	tests := []struct {
		name string
		raw  Raw
		want domain.PrimaryType
	}{
		{"metadata wins", Raw{Amount: -5, Metadata: map[string]any{"type": "transfer"}}, domain.PrimaryTypeTransfer},
		{"metadata credit", Raw{Amount: -5, Metadata: map[string]any{"type": "credit"}}, domain.PrimaryTypeIncome},
		{"positive", Raw{Amount: 5}, domain.PrimaryTypeIncome},
		{"negative with transfer words", Raw{Amount: -5, Description: "Transfer to savings"}, domain.PrimaryTypeExpense},
		{"zero with transfer words", Raw{Amount: 0, Description: "Move to savings"}, domain.PrimaryTypeTransfer},
		{"zero default", Raw{Amount: 0, Description: "fee reversal"}, domain.PrimaryTypeExpense},
		{"transfer direction", Raw{Amount: -5, Direction: "transfer"}, domain.PrimaryTypeTransfer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := tt.raw
			raw.ID, raw.AccountID, raw.Date = "1", "a", "2024-01-01"
			if raw.Description == "" {
				raw.Description = "desc"
			}
			tx, err := Normalize(raw, testSource())
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if tx.PrimaryType != tt.want {
				t.Errorf("primary type = %s, want %s", tx.PrimaryType, tt.want)
			}
		})
	}
}

func TestSanitizeDescription(t *testing.T) {
	tests := map[string]string{
		"  hello \t  world \n":             "hello world",
		"card 4111111111111111 used":       "card ****1111 used",
		"ssn 123-45-6789 on file":          "ssn ***-**-**** on file",
		"ref 123456789 end":                "ref ***-**-**** end",
		"short 12345 kept":                 "short 12345 kept",
		"":                                 "",
		"acct 1234567890123456789 closing": "acct ****6789 closing",
	}
	for in, want := range tests {
		if got := SanitizeDescription(in); got != want {
			t.Errorf("SanitizeDescription(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDedupeKeyStable(t *testing.T) {
	raw := Raw{AccountID: "acc1", Amount: "12.30", Description: "Lunch", Date: "2024-05-05T10:00:00+02:00"}
	a, err := Normalize(raw, testSource())
	if err != nil {
		t.Fatal(err)
	}
	// Same instant expressed differently and the same amount with another scale.
	raw2 := raw
	raw2.Date = time.Date(2024, 5, 5, 8, 0, 0, 0, time.UTC)
	raw2.Amount = decimal.RequireFromString("12.30")
	b, err := Normalize(raw2, testSource())
	if err != nil {
		t.Fatal(err)
	}
	if a.TransactionID != b.TransactionID {
		t.Errorf("ids differ: %s vs %s", a.TransactionID, b.TransactionID)
	}
	if !strings.HasPrefix(a.TransactionID, "gen_") {
		t.Errorf("id %s missing prefix", a.TransactionID)
	}

	other := raw
	other.AccountID = "acc2"
	c, err := Normalize(other, testSource())
	if err != nil {
		t.Fatal(err)
	}
	if c.TransactionID == a.TransactionID {
		t.Error("different account produced the same id")
	}
}

func TestNormalizeDeterministic(t *testing.T) {
	raw := Raw{AccountID: "a", Amount: 9.99, Type: "payment", Description: "Gym  4111111111111111",
		Date: "2024-02-02 08:00:00", Metadata: map[string]any{"mcc": "7997", "nested": map[string]any{"x": 1}}}
	first, err := Normalize(raw, testSource())
	if err != nil {
		t.Fatal(err)
	}
	second, err := Normalize(raw, testSource())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("normalize not deterministic:\n%+v\n%+v", first, second)
	}
}

func TestNormalizeStripsSecretMetadata(t *testing.T) {
	raw := Raw{ID: "1", AccountID: "a", Amount: 1, Description: "x", Date: "2024-01-01",
		Metadata: map[string]any{"access_token": "tok", "mcc": "1234", "inner": map[string]any{"apiKey": "k", "ok": true}}}
	tx, err := Normalize(raw, testSource())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := tx.Metadata["access_token"]; ok {
		t.Error("access_token survived")
	}
	inner := tx.Metadata["inner"].(map[string]any)
	if _, ok := inner["apiKey"]; ok {
		t.Error("nested apiKey survived")
	}
	if tx.Metadata["mcc"] != "1234" || inner["ok"] != true {
		t.Errorf("non-secret metadata lost: %+v", tx.Metadata)
	}
	raw.Metadata["mcc"] = "changed"
	if tx.Metadata["mcc"] != "1234" {
		t.Error("metadata aliased to raw input")
	}
}

func TestNormalizeValidation(t *testing.T) {
	base := Raw{ID: "1", AccountID: "a", Amount: 1, Description: "x", Date: "2024-01-01"}
	tests := []struct {
		name   string
		mutate func(*Raw, *Source)
	}{
		{"missing amount", func(r *Raw, _ *Source) { r.Amount = nil }},
		{"nan amount", func(r *Raw, _ *Source) { r.Amount = math.NaN() }},
		{"inf string", func(r *Raw, _ *Source) { r.Amount = "Inf" }},
		{"garbage amount", func(r *Raw, _ *Source) { r.Amount = "abc" }},
		{"missing date", func(r *Raw, _ *Source) { r.Date = "" }},
		{"bad date", func(r *Raw, _ *Source) { r.Date = "yesterday" }},
		{"missing description", func(r *Raw, _ *Source) { r.Description = "   " }},
		{"missing user", func(_ *Raw, s *Source) { s.UserID = "" }},
		{"missing account", func(r *Raw, _ *Source) { r.AccountID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, src := base, testSource()
			tt.mutate(&raw, &src)
			_, err := Normalize(raw, src)
			if !errors.Is(err, domain.ErrInvalidData) {
				t.Fatalf("err = %v, want invalid data", err)
			}
		})
	}
}

func TestDescriptionFallback(t *testing.T) {
	tx, err := Normalize(Raw{ID: "1", AccountID: "a", Amount: 1, Merchant: "  ACME  Corp ", Date: "2024-01-01"}, testSource())
	if err != nil {
		t.Fatal(err)
	}
	if tx.Description != "ACME Corp" {
		t.Errorf("description = %q", tx.Description)
	}
	tx, err = Normalize(Raw{ID: "1", AccountID: "a", Amount: 1, Reference: "INV-9", Date: "2024-01-01"}, testSource())
	if err != nil {
		t.Fatal(err)
	}
	if tx.Description != "INV-9" {
		t.Errorf("description = %q", tx.Description)
	}
}

func TestNormalizeAll(t *testing.T) {
	raws := []Raw{
		{ID: "1", AccountID: "a", Amount: 1, Description: "ok", Date: "2024-01-01"},
		{ID: "2", AccountID: "a", Amount: "nope", Description: "bad", Date: "2024-01-01"},
		{ID: "3", AccountID: "a", Amount: -2, Description: "ok", Date: "2024-01-02"},
	}
	txs, rejected := NormalizeAll(raws, testSource())
	if len(txs) != 2 || txs[0].TransactionID != "1" || txs[1].TransactionID != "3" {
		t.Fatalf("accepted = %+v", txs)
	}
	if len(rejected) != 1 || rejected[0].Index != 1 {
		t.Fatalf("rejected = %+v", rejected)
	}
}
