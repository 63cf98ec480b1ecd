// Package config defines the top-level configuration for txnbridge and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TXNBRIDGE_* environment variables.
type Config struct {
	Env        string           `toml:"env"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
	Server     ServerConfig     `toml:"server"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Notify     NotifyConfig     `toml:"notify"`
	Vault      VaultConfig      `toml:"vault"`
	Ledger     LedgerConfig     `toml:"ledger"`
	Connectors ConnectorsConfig `toml:"connectors"`
	Webhook    WebhookConfig    `toml:"webhook"`
	WS         WSConfig         `toml:"ws"`
	Sync       SyncConfig       `toml:"sync"`
	Scheduler  SchedulerConfig  `toml:"scheduler"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey guards the /api routes. Empty trusts the route layer alone.
	APIKey            string   `toml:"api_key"`
	WebhookRateLimit  int      `toml:"webhook_rate_limit"`
	WebhookRateWindow duration `toml:"webhook_rate_window"`
	ShutdownTimeout   duration `toml:"shutdown_timeout"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
	// StatementTimeout bounds every statement on the pool.
	StatementTimeout duration `toml:"statement_timeout"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters. Storage is used for
// raw webhook payloads and archived audit and sync history.
type S3Config struct {
	Enabled              bool   `toml:"enabled"`
	Endpoint             string `toml:"endpoint"`
	Region               string `toml:"region"`
	Bucket               string `toml:"bucket"`
	AccessKey            string `toml:"access_key"`
	SecretKey            string `toml:"secret_key"`
	UseSSL               bool   `toml:"use_ssl"`
	ForcePathStyle       bool   `toml:"force_path_style"`
	ServerSideEncryption string `toml:"server_side_encryption"`
	KMSKeyID             string `toml:"kms_key_id"`
	KeyPrefix            string `toml:"key_prefix"`
}

// NotifyConfig holds operator alert channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// VaultConfig holds the credential vault key and read limit.
type VaultConfig struct {
	EncryptionKey string   `toml:"encryption_key"`
	ReadLimit     int      `toml:"read_limit"`
	ReadWindow    duration `toml:"read_window"`
}

// LedgerConfig holds the downstream ledger endpoint and its resilience
// parameters.
type LedgerConfig struct {
	BaseURL          string   `toml:"base_url"`
	ServiceSecret    string   `toml:"service_secret"`
	Timeout          duration `toml:"timeout"`
	MaxRetries       int      `toml:"max_retries"`
	BaseDelay        duration `toml:"base_delay"`
	MaxDelay         duration `toml:"max_delay"`
	RateLimit        int      `toml:"rate_limit"`
	RateWindow       duration `toml:"rate_window"`
	FailureThreshold int      `toml:"failure_threshold"`
	Cooldown         duration `toml:"cooldown"`
	SuccessThreshold int      `toml:"success_threshold"`
}

// ProviderConfig configures one source connector.
type ProviderConfig struct {
	Enabled      bool     `toml:"enabled"`
	BaseURL      string   `toml:"base_url"`
	RPS          float64  `toml:"rps"`
	Burst        int      `toml:"burst"`
	Timeout      duration `toml:"timeout"`
	ClientID     string   `toml:"client_id"`
	ClientSecret string   `toml:"client_secret"`
	// WebhookSecret verifies inbound webhooks. Plaid signs with its own
	// keys and does not use it.
	WebhookSecret string `toml:"webhook_secret"`
}

// ConnectorsConfig lists the providers the process registers.
type ConnectorsConfig struct {
	Basiq   ProviderConfig `toml:"basiq"`
	Plaid   ProviderConfig `toml:"plaid"`
	Wise    ProviderConfig `toml:"wise"`
	Apideck ProviderConfig `toml:"apideck"`
}

// WebhookConfig tunes the webhook gateway.
type WebhookConfig struct {
	MaxBodyBytes       int64    `toml:"max_body_bytes"`
	DeliveryTimeout    duration `toml:"delivery_timeout"`
	SignatureTolerance duration `toml:"signature_tolerance"`
	KeyCacheTTL        duration `toml:"key_cache_ttl"`
	ArchivePayloads    bool     `toml:"archive_payloads"`
}

// WSConfig configures the realtime fan-out endpoint.
type WSConfig struct {
	JWTSecret      string   `toml:"jwt_secret"`
	MaxPerUser     int      `toml:"max_per_user"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// SyncConfig tunes connection syncs.
type SyncConfig struct {
	LockTTL             duration `toml:"lock_ttl"`
	DeliveryConcurrency int      `toml:"delivery_concurrency"`
	BackgroundSyncs     int64    `toml:"background_syncs"`
	IncrementalOverlap  duration `toml:"incremental_overlap"`
	DefaultFrequency    duration `toml:"default_frequency"`
	// Enrich runs Plaid Enrich over non-Plaid transactions before delivery.
	// It needs the Plaid client_id and client_secret.
	Enrich bool `toml:"enrich"`
}

// SchedulerConfig holds the cron schedules of the worker. An empty schedule
// disables its job.
type SchedulerConfig struct {
	SyncCron       string `toml:"sync_cron"`
	ArchiveCron    string `toml:"archive_cron"`
	RedeliverCron  string `toml:"redeliver_cron"`
	RetentionDays  int    `toml:"retention_days"`
	SyncBatch      int    `toml:"sync_batch"`
	RedeliverBatch int    `toml:"redeliver_batch"`
	// ErrorRetryAfter is how long a connection left in error waits before
	// the sync job tries it again.
	ErrorRetryAfter duration `toml:"error_retry_after"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Env:      "development",
		Mode:     "full",
		LogLevel: "info",
		Server: ServerConfig{
			Port:              8000,
			CORSOrigins:       []string{"http://localhost:3000", "http://localhost:5173"},
			WebhookRateLimit:  120,
			WebhookRateWindow: duration{time.Minute},
			ShutdownTimeout:   duration{15 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:             "localhost",
			Port:             5432,
			Database:         "txnbridge",
			User:             "postgres",
			SSLMode:          "disable",
			PoolMaxConns:     10,
			PoolMinConns:     2,
			RunMigrations:    true,
			StatementTimeout: duration{30 * time.Second},
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "txnbridge-archive",
			ForcePathStyle: true,
		},
		Notify: NotifyConfig{
			Events: []string{"security_alert", "circuit_open", "sync_failed", "delivery_failed", "webhook_unhandled"},
		},
		Vault: VaultConfig{
			ReadLimit:  30,
			ReadWindow: duration{time.Minute},
		},
		Ledger: LedgerConfig{
			Timeout:          duration{10 * time.Second},
			MaxRetries:       3,
			BaseDelay:        duration{time.Second},
			MaxDelay:         duration{10 * time.Second},
			RateLimit:        600,
			RateWindow:       duration{time.Minute},
			FailureThreshold: 5,
			Cooldown:         duration{time.Minute},
			SuccessThreshold: 2,
		},
		Connectors: ConnectorsConfig{
			Basiq:   ProviderConfig{Enabled: true, RPS: 10, Burst: 20, Timeout: duration{30 * time.Second}},
			Plaid:   ProviderConfig{Enabled: true, RPS: 10, Burst: 20, Timeout: duration{30 * time.Second}},
			Wise:    ProviderConfig{Enabled: true, RPS: 5, Burst: 10, Timeout: duration{30 * time.Second}},
			Apideck: ProviderConfig{Enabled: false, RPS: 5, Burst: 10, Timeout: duration{30 * time.Second}},
		},
		Webhook: WebhookConfig{
			MaxBodyBytes:       1 << 20,
			DeliveryTimeout:    duration{10 * time.Second},
			SignatureTolerance: duration{5 * time.Minute},
			KeyCacheTTL:        duration{24 * time.Hour},
			ArchivePayloads:    true,
		},
		WS: WSConfig{
			MaxPerUser: 10,
		},
		Sync: SyncConfig{
			LockTTL:             duration{5 * time.Minute},
			DeliveryConcurrency: 4,
			BackgroundSyncs:     4,
			IncrementalOverlap:  duration{24 * time.Hour},
			DefaultFrequency:    duration{time.Hour},
		},
		Scheduler: SchedulerConfig{
			SyncCron:        "*/5 * * * *",
			ArchiveCron:     "0 3 * * *",
			RedeliverCron:   "* * * * *",
			RetentionDays:   90,
			SyncBatch:       500,
			RedeliverBatch:  100,
			ErrorRetryAfter: duration{30 * time.Minute},
		},
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server": true,
	"worker": true,
	"full":   true,
}

// validEnvs enumerates the accepted values for Config.Env.
var validEnvs = map[string]bool{
	"production":  true,
	"staging":     true,
	"development": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// minVaultKeyLen is the shortest accepted vault encryption key.
const minVaultKeyLen = 32

// IsProduction reports whether secrets are mandatory.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, worker, full)", c.Mode))
	}
	if !validEnvs[strings.ToLower(c.Env)] {
		errs = append(errs, fmt.Sprintf("unknown env %q (valid: production, staging, development)", c.Env))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty when enabled")
	}

	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.WebhookRateLimit < 0 {
		errs = append(errs, "server: webhook_rate_limit must be >= 0")
	}

	// Vault
	if key := c.Vault.EncryptionKey; key != "" && len(key) < minVaultKeyLen {
		errs = append(errs, fmt.Sprintf("vault: encryption_key must be at least %d characters", minVaultKeyLen))
	}
	if c.Vault.ReadLimit < 1 {
		errs = append(errs, "vault: read_limit must be >= 1")
	}

	// Ledger
	if c.Ledger.MaxRetries < 1 {
		errs = append(errs, "ledger: max_retries must be >= 1")
	}
	if c.Ledger.FailureThreshold < 1 {
		errs = append(errs, "ledger: failure_threshold must be >= 1")
	}

	// Connectors
	for _, p := range c.Connectors.enabled() {
		if p.RPS < 0 || p.Burst < 0 {
			errs = append(errs, fmt.Sprintf("connectors.%s: rps and burst must be >= 0", p.name))
		}
	}
	if p := c.Connectors.Plaid; p.Enabled && (p.ClientID == "") != (p.ClientSecret == "") {
		errs = append(errs, "connectors.plaid: client_id and client_secret must be set together")
	}

	// Sync
	if p := c.Connectors.Plaid; c.Sync.Enrich && (p.ClientID == "" || p.ClientSecret == "") {
		errs = append(errs, "sync: enrich requires connectors.plaid client_id and client_secret")
	}

	// Scheduler
	if c.Scheduler.RetentionDays < 1 {
		errs = append(errs, "scheduler: retention_days must be >= 1")
	}

	if c.IsProduction() {
		errs = append(errs, c.productionErrors()...)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// productionErrors lists the secrets a production process refuses to start
// without.
func (c *Config) productionErrors() []string {
	var errs []string
	if c.Vault.EncryptionKey == "" {
		errs = append(errs, "vault: encryption_key is required in production")
	}
	if c.Ledger.BaseURL == "" {
		errs = append(errs, "ledger: base_url is required in production")
	}
	if c.Ledger.ServiceSecret == "" {
		errs = append(errs, "ledger: service_secret is required in production")
	}
	if c.WS.JWTSecret == "" {
		errs = append(errs, "ws: jwt_secret is required in production")
	}
	for _, p := range c.Connectors.enabled() {
		if p.name == "plaid" {
			if p.ClientID == "" {
				errs = append(errs, "connectors.plaid: client_id and client_secret are required in production")
			}
			continue
		}
		if p.WebhookSecret == "" {
			errs = append(errs, fmt.Sprintf("connectors.%s: webhook_secret is required in production", p.name))
		}
	}
	return errs
}

// namedProvider pairs a provider with its config section name.
type namedProvider struct {
	name string
	ProviderConfig
}

// enabled returns the enabled providers in a stable order.
func (c ConnectorsConfig) enabled() []namedProvider {
	all := []namedProvider{
		{"basiq", c.Basiq},
		{"plaid", c.Plaid},
		{"wise", c.Wise},
		{"apideck", c.Apideck},
	}
	out := all[:0]
	for _, p := range all {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}
