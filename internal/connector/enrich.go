package connector

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"net/http"
	"strconv"
	"strings"

	"github.com/alanyoungcy/txnbridge/internal/domain"
)

// EnrichBatchSize is the most transactions one /transactions/enrich call takes.
const EnrichBatchSize = 100

// Enricher adds merchant, category and location data to normalized
// transactions through Plaid Enrich. It works for records of any source.
type Enricher struct {
	api      *APIClient
	clientID string
	secret   string
	logger   *slog.Logger
}

// NewEnricher creates an enricher that calls Plaid through api.
func NewEnricher(api *APIClient, clientID, secret string, logger *slog.Logger) *Enricher {
	return &Enricher{
		api:      api,
		clientID: clientID,
		secret:   secret,
		logger:   logger.With(slog.String("component", "enrich")),
	}
}

// NewPlaidEnricher builds an enricher from the Plaid provider settings.
func NewPlaidEnricher(s ProviderSettings, logger *slog.Logger) *Enricher {
	return NewEnricher(s.client("Plaid Enrich", DefaultPlaidURL), s.ClientID, s.ClientSecret, logger)
}

// Available reports whether deployment keys are configured.
func (e *Enricher) Available() bool {
	return e != nil && e.clientID != "" && e.secret != ""
}

type enrichInput struct {
	ID              string      `json:"id"`
	Description     string      `json:"description"`
	Amount          json.Number `json:"amount"`
	Direction       string      `json:"direction"`
	ISOCurrencyCode string      `json:"iso_currency_code"`
}

type enrichCounterparty struct {
	Name     string `json:"name"`
	LogoURL  string `json:"logo_url"`
	Website  string `json:"website"`
	EntityID string `json:"entity_id"`
}

type enrichLocation struct {
	Address     string       `json:"address"`
	City        string       `json:"city"`
	Region      string       `json:"region"`
	Country     string       `json:"country"`
	PostalCode  string       `json:"postal_code"`
	Lat         *json.Number `json:"lat"`
	Lon         *json.Number `json:"lon"`
	StoreNumber string       `json:"store_number"`
}

type enrichOutput struct {
	ID                      string               `json:"id"`
	MerchantName            string               `json:"merchant_name"`
	LogoURL                 string               `json:"logo_url"`
	Website                 string               `json:"website"`
	EntityID                string               `json:"entity_id"`
	Counterparties          []enrichCounterparty `json:"counterparties"`
	PersonalFinanceCategory *struct {
		Primary  string `json:"primary"`
		Detailed string `json:"detailed"`
	} `json:"personal_finance_category"`
	CategoryIconURL string          `json:"personal_finance_category_icon_url"`
	PaymentChannel  string          `json:"payment_channel"`
	Location        *enrichLocation `json:"location"`
}

// Enrich returns a copy of txs with enrichment merged in. Plaid records are
// passed through since Plaid enriches them at the source. A batch that
// fails is returned unchanged, so enrichment never blocks delivery.
func (e *Enricher) Enrich(ctx context.Context, txs []domain.Transaction) []domain.Transaction {
	if !e.Available() || len(txs) == 0 {
		return txs
	}
	out := make([]domain.Transaction, len(txs))
	copy(out, txs)

	var pending []int
	for i, tx := range out {
		if tx.ConnectorID != PlaidID {
			pending = append(pending, i)
		}
	}

	enriched := 0
	for start := 0; start < len(pending); start += EnrichBatchSize {
		end := min(start+EnrichBatchSize, len(pending))
		n, err := e.enrichBatch(ctx, out, pending[start:end])
		if err != nil {
			e.logger.WarnContext(ctx, "enrichment batch failed, delivering unenriched",
				slog.Int("batch", end-start),
				slog.String("error", err.Error()),
			)
			continue
		}
		enriched += n
	}
	if len(pending) > 0 {
		e.logger.DebugContext(ctx, "transactions enriched",
			slog.Int("enriched", enriched),
			slog.Int("candidates", len(pending)),
		)
	}
	return out
}

// enrichBatch enriches out[i] for every i in idx in place. Positions are
// sent as ids so provider transaction ids never leave the process.
func (e *Enricher) enrichBatch(ctx context.Context, out []domain.Transaction, idx []int) (int, error) {
	const op = "plaid.enrich"
	inputs := make([]enrichInput, 0, len(idx))
	for _, i := range idx {
		tx := out[i]
		dir := "INFLOW"
		if tx.Amount.IsNegative() {
			dir = "OUTFLOW"
		}
		cur := tx.Currency
		if cur == "" {
			cur = "USD"
		}
		inputs = append(inputs, enrichInput{
			ID:              strconv.Itoa(i),
			Description:     tx.Description,
			Amount:          json.Number(tx.Amount.Abs().String()),
			Direction:       dir,
			ISOCurrencyCode: cur,
		})
	}

	var resp struct {
		EnrichedTransactions []enrichOutput `json:"enriched_transactions"`
	}
	err := e.api.Do(ctx, op, Request{
		Method: http.MethodPost,
		Path:   "/transactions/enrich",
		JSON: map[string]any{
			"client_id":    e.clientID,
			"secret":       e.secret,
			"account_type": "depository",
			"transactions": inputs,
		},
	}, &resp)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, r := range resp.EnrichedTransactions {
		i, err := strconv.Atoi(r.ID)
		if err != nil || i < 0 || i >= len(out) {
			continue
		}
		out[i] = mergeEnrichment(out[i], r)
		n++
	}
	return n, nil
}

// mergeEnrichment fills blanks only; values the source supplied win.
func mergeEnrichment(tx domain.Transaction, r enrichOutput) domain.Transaction {
	var cp enrichCounterparty
	if len(r.Counterparties) > 0 {
		cp = r.Counterparties[0]
	}
	if tx.Merchant == "" {
		tx.Merchant = firstNonEmpty(r.MerchantName, cp.Name)
	}

	extra := map[string]any{}
	setIf := func(k, v string) {
		if v != "" {
			extra[k] = v
		}
	}
	if pfc := r.PersonalFinanceCategory; pfc != nil {
		if tx.Category == "" {
			tx.Category = formatCategory(pfc.Primary)
		}
		setIf("categoryDetailed", formatCategory(pfc.Detailed))
	}
	setIf("merchantLogo", firstNonEmpty(r.LogoURL, cp.LogoURL))
	setIf("merchantWebsite", firstNonEmpty(r.Website, cp.Website))
	setIf("merchantEntityId", firstNonEmpty(r.EntityID, cp.EntityID))
	setIf("categoryIcon", r.CategoryIconURL)
	setIf("paymentChannel", r.PaymentChannel)
	if loc := r.Location; loc != nil {
		m := map[string]any{}
		for k, v := range map[string]string{
			"address": loc.Address, "city": loc.City, "region": loc.Region,
			"country": loc.Country, "postalCode": loc.PostalCode, "storeNumber": loc.StoreNumber,
		} {
			if v != "" {
				m[k] = v
			}
		}
		if loc.Lat != nil && loc.Lon != nil {
			m["lat"], m["lon"] = loc.Lat.String(), loc.Lon.String()
		}
		if len(m) > 0 {
			extra["location"] = m
		}
	}

	meta := maps.Clone(tx.Metadata)
	if meta == nil {
		meta = map[string]any{}
	}
	meta["enriched"] = true
	if len(extra) > 0 {
		meta["enrichment"] = extra
	}
	tx.Metadata = meta
	return tx
}

// formatCategory turns FOOD_AND_DRINK into "Food And Drink".
func formatCategory(s string) string {
	words := strings.Split(strings.ToLower(s), "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
