package connector

import (
	"fmt"
	"log/slog"
	"time"
)

// ProviderSettings configures the shared client of one provider.
type ProviderSettings struct {
	Enabled bool
	BaseURL string
	// RPS and Burst pace outbound calls across every tenant of the provider.
	RPS     float64
	Burst   int
	Timeout time.Duration
	// ClientID and ClientSecret are deployment-level keys (Plaid, Wise).
	ClientID     string
	ClientSecret string
}

// Settings lists the providers the process registers.
type Settings struct {
	Basiq   ProviderSettings
	Plaid   ProviderSettings
	Wise    ProviderSettings
	Apideck ProviderSettings
}

// Default provider endpoints.
const (
	DefaultBasiqURL   = "https://au-api.basiq.io"
	DefaultPlaidURL   = "https://production.plaid.com"
	DefaultWiseURL    = "https://api.transferwise.com"
	DefaultApideckURL = "https://unify.apideck.com"
)

func (p ProviderSettings) client(name, fallbackURL string) *APIClient {
	base := p.BaseURL
	if base == "" {
		base = fallbackURL
	}
	return NewAPIClient(name, base, p.RPS, p.Burst, p.Timeout)
}

// RegisterDefaults registers every enabled provider on reg. Each provider
// gets one APIClient shared by all connectors its factory builds.
func RegisterDefaults(reg *Registry, s Settings, logger *slog.Logger) error {
	type entry struct {
		id      string
		enabled bool
		factory Factory
	}

	basiqAPI := s.Basiq.client("Basiq", DefaultBasiqURL)
	plaidAPI := s.Plaid.client("Plaid", DefaultPlaidURL)
	wiseAPI := s.Wise.client("Wise", DefaultWiseURL)
	apideckAPI := s.Apideck.client("Apideck", DefaultApideckURL)

	entries := []entry{
		{BasiqID, s.Basiq.Enabled, func() Connector { return NewBasiq(basiqAPI, logger) }},
		{PlaidID, s.Plaid.Enabled, func() Connector {
			return NewPlaid(plaidAPI, s.Plaid.ClientID, s.Plaid.ClientSecret, logger)
		}},
		{WiseID, s.Wise.Enabled, func() Connector {
			return NewWise(wiseAPI, s.Wise.ClientID, s.Wise.ClientSecret, logger)
		}},
		{ApideckID, s.Apideck.Enabled, func() Connector { return NewApideck(apideckAPI, logger) }},
	}

	for _, e := range entries {
		if !e.enabled {
			continue
		}
		if err := reg.Register(e.id, e.factory); err != nil {
			return fmt.Errorf("connector: register defaults: %w", err)
		}
		logger.Info("connector registered", slog.String("connector", e.id))
	}
	return nil
}
