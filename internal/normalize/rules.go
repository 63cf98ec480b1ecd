package normalize

import (
	"regexp"
	"strings"

	"github.com/alanyoungcy/txnbridge/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	outflowWords = []string{"debit", "expense", "outgoing", "outbound", "withdrawal", "payment"}
	inflowWords  = []string{"credit", "income", "incoming", "inbound", "deposit"}

	transferWords = []string{"transfer", "payment to", "payment from", "send to", "receive from", "move"}
)

var (
	cardPattern      = regexp.MustCompile(`\b\d{13,19}\b`)
	ssnDashedPattern = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	ssnPlainPattern  = regexp.MustCompile(`\b\d{9}\b`)
	whitespace       = regexp.MustCompile(`\s+`)
)

// applySign coerces the sign of amount. An explicit direction wins over a
// keyword in the free-text type; with neither the amount passes through.
func applySign(amount decimal.Decimal, direction, typ string) decimal.Decimal {
	if amount.IsZero() {
		return amount
	}
	if dir := strings.ToLower(strings.TrimSpace(direction)); dir != "" {
		switch dir {
		case "debit", "expense", "outbound", "outgoing":
			return amount.Abs().Neg()
		case "credit", "income", "inbound", "incoming":
			return amount.Abs()
		case "transfer":
			return amount
		}
	}
	t := strings.ToLower(typ)
	if t == "" {
		return amount
	}
	if containsAny(t, outflowWords) {
		return amount.Abs().Neg()
	}
	if containsAny(t, inflowWords) {
		return amount.Abs()
	}
	return amount
}

// inferPrimaryType classifies a normalized amount. Explicit metadata wins,
// then the sign; transfer keywords only decide for zero amounts.
func inferPrimaryType(amount decimal.Decimal, direction string, meta map[string]any, desc string) domain.PrimaryType {
	if v, ok := meta["type"].(string); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "expense", "debit":
			return domain.PrimaryTypeExpense
		case "income", "credit":
			return domain.PrimaryTypeIncome
		case "transfer":
			return domain.PrimaryTypeTransfer
		}
	}
	if strings.EqualFold(strings.TrimSpace(direction), "transfer") {
		return domain.PrimaryTypeTransfer
	}
	switch amount.Sign() {
	case -1:
		return domain.PrimaryTypeExpense
	case 1:
		return domain.PrimaryTypeIncome
	}
	if containsAny(strings.ToLower(desc), transferWords) {
		return domain.PrimaryTypeTransfer
	}
	return domain.PrimaryTypeExpense
}

// SanitizeDescription trims and collapses whitespace and masks card-shaped
// and SSN-shaped digit runs.
func SanitizeDescription(s string) string {
	s = strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
	if s == "" {
		return s
	}
	s = cardPattern.ReplaceAllStringFunc(s, func(m string) string {
		return "****" + m[len(m)-4:]
	})
	s = ssnDashedPattern.ReplaceAllString(s, "***-**-****")
	s = ssnPlainPattern.ReplaceAllString(s, "***-**-****")
	return s
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
