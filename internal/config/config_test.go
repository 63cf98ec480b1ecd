package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "txnbridge.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate outside production: %v", err)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeFile(t, `
mode = "worker"

[server]
port = 9100

[ledger]
base_url = "https://ledger.internal"
timeout = "4s"

[connectors.wise]
enabled = false
rps = 2.5
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mode != "worker" || cfg.Server.Port != 9100 {
		t.Fatalf("file values not applied: mode=%q port=%d", cfg.Mode, cfg.Server.Port)
	}
	if cfg.Ledger.Timeout.Duration != 4*time.Second {
		t.Fatalf("timeout = %v", cfg.Ledger.Timeout.Duration)
	}
	if cfg.Connectors.Wise.Enabled || cfg.Connectors.Wise.RPS != 2.5 {
		t.Fatalf("wise = %+v", cfg.Connectors.Wise)
	}
	if cfg.Redis.Addr != "localhost:6379" || cfg.Ledger.MaxRetries != 3 {
		t.Fatal("defaults lost for keys the file does not set")
	}
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8000 {
		t.Fatalf("port = %d", cfg.Server.Port)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	if _, err := Load(writeFile(t, "mode = ")); err == nil {
		t.Fatal("expected a decode error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TXNBRIDGE_ENV", "staging")
	t.Setenv("TXNBRIDGE_LEDGER_SERVICE_SECRET", "s3cret")
	t.Setenv("TXNBRIDGE_WS_JWT_SECRET", "jwt")
	t.Setenv("TXNBRIDGE_CONNECTORS_BASIQ_WEBHOOK_SECRET", "whsec_abc")
	t.Setenv("TXNBRIDGE_CONNECTORS_APIDECK_ENABLED", "true")
	t.Setenv("TXNBRIDGE_SYNC_LOCK_TTL", "90s")
	t.Setenv("TXNBRIDGE_SERVER_CORS_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("TXNBRIDGE_SERVER_PORT", "not-a-number")

	cfg, err := Load(writeFile(t, `env = "development"`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Env != "staging" {
		t.Fatalf("env = %q", cfg.Env)
	}
	if cfg.Ledger.ServiceSecret != "s3cret" || cfg.WS.JWTSecret != "jwt" {
		t.Fatal("secret overrides not applied")
	}
	if cfg.Connectors.Basiq.WebhookSecret != "whsec_abc" || !cfg.Connectors.Apideck.Enabled {
		t.Fatalf("connector overrides not applied: %+v", cfg.Connectors)
	}
	if cfg.Sync.LockTTL.Duration != 90*time.Second {
		t.Fatalf("lock ttl = %v", cfg.Sync.LockTTL.Duration)
	}
	if got := strings.Join(cfg.Server.CORSOrigins, "|"); got != "https://a.example|https://b.example" {
		t.Fatalf("cors = %q", got)
	}
	if cfg.Server.Port != 8000 {
		t.Fatalf("unparsable override replaced the port: %d", cfg.Server.Port)
	}
}

func productionConfig() Config {
	cfg := Defaults()
	cfg.Env = "production"
	cfg.Vault.EncryptionKey = strings.Repeat("k", 32)
	cfg.Ledger.BaseURL = "https://ledger.internal"
	cfg.Ledger.ServiceSecret = "secret"
	cfg.WS.JWTSecret = "jwt-secret"
	cfg.Connectors.Basiq.WebhookSecret = "whsec_basiq"
	cfg.Connectors.Plaid.ClientID = "client"
	cfg.Connectors.Plaid.ClientSecret = "secret"
	cfg.Connectors.Wise.WebhookSecret = "wise"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"production complete", func(*Config) {}, ""},
		{"bad mode", func(c *Config) { c.Mode = "trade" }, `unknown mode "trade"`},
		{"bad env", func(c *Config) { c.Env = "prod" }, `unknown env "prod"`},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }, "unknown log_level"},
		{"short vault key", func(c *Config) { c.Vault.EncryptionKey = "short" }, "at least 32 characters"},
		{"missing vault key", func(c *Config) { c.Vault.EncryptionKey = "" }, "vault: encryption_key is required"},
		{"missing ledger url", func(c *Config) { c.Ledger.BaseURL = "" }, "ledger: base_url is required"},
		{"missing ledger secret", func(c *Config) { c.Ledger.ServiceSecret = "" }, "ledger: service_secret is required"},
		{"missing jwt secret", func(c *Config) { c.WS.JWTSecret = "" }, "ws: jwt_secret is required"},
		{"missing webhook secret", func(c *Config) { c.Connectors.Wise.WebhookSecret = "" }, "connectors.wise: webhook_secret"},
		{"disabled connector needs no secret", func(c *Config) {
			c.Connectors.Wise.Enabled = false
			c.Connectors.Wise.WebhookSecret = ""
		}, ""},
		{"half plaid credentials", func(c *Config) { c.Connectors.Plaid.ClientSecret = "" }, "client_id and client_secret must be set together"},
		{"pool bounds", func(c *Config) { c.Postgres.PoolMinConns = 20 }, "pool_min_conns must not exceed"},
		{"s3 bucket", func(c *Config) {
			c.S3.Enabled = true
			c.S3.Bucket = ""
		}, "s3: bucket"},
		{"port", func(c *Config) { c.Server.Port = 70000 }, "server: port"},
		{"enrich with plaid keys", func(c *Config) { c.Sync.Enrich = true }, ""},
		{"enrich without plaid keys", func(c *Config) {
			c.Sync.Enrich = true
			c.Connectors.Plaid.ClientID = ""
			c.Connectors.Plaid.ClientSecret = ""
		}, "sync: enrich requires"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := productionConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want substring %q", err, tt.want)
			}
		})
	}
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Env = "production"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected errors")
	}
	msg := err.Error()
	if !strings.HasPrefix(msg, "config validation failed:") {
		t.Fatalf("message = %q", msg)
	}
	for _, want := range []string{"vault:", "ledger: base_url", "ws:", "connectors.basiq", "connectors.plaid"} {
		if !strings.Contains(msg, want) {
			t.Errorf("missing %q in %q", want, msg)
		}
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := productionConfig()
	cfg.Postgres.Password = "pg"
	cfg.S3.SecretKey = "s3"
	out := RedactedConfig(&cfg)

	for name, v := range map[string]string{
		"vault":         out.Vault.EncryptionKey,
		"ledger":        out.Ledger.ServiceSecret,
		"jwt":           out.WS.JWTSecret,
		"postgres":      out.Postgres.Password,
		"s3":            out.S3.SecretKey,
		"basiq webhook": out.Connectors.Basiq.WebhookSecret,
		"plaid secret":  out.Connectors.Plaid.ClientSecret,
	} {
		if v != redacted {
			t.Errorf("%s = %q, want redacted", name, v)
		}
	}
	if out.Connectors.Plaid.ClientID != "client" || out.Ledger.BaseURL != cfg.Ledger.BaseURL {
		t.Fatal("non-secret fields were redacted")
	}
	if out.Redis.Password != "" {
		t.Fatal("empty secrets should stay empty")
	}
	if cfg.Vault.EncryptionKey == redacted || cfg.Connectors.Basiq.WebhookSecret == redacted {
		t.Fatal("original was modified")
	}

	out.Server.CORSOrigins[0] = "mutated"
	if cfg.Server.CORSOrigins[0] == "mutated" {
		t.Fatal("slices are shared with the original")
	}
}
