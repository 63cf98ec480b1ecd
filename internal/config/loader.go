package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TXNBRIDGE_"

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TXNBRIDGE_* environment variable overrides, and
// returns the final Config. A missing file leaves the defaults in place so a
// process can be configured from the environment alone. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known TXNBRIDGE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Top-level ──
	setStr(&cfg.Env, "TXNBRIDGE_ENV")
	setStr(&cfg.Mode, "TXNBRIDGE_MODE")
	setStr(&cfg.LogLevel, "TXNBRIDGE_LOG_LEVEL")

	// ── Server ──
	setInt(&cfg.Server.Port, "TXNBRIDGE_SERVER_PORT")
	setInt(&cfg.Server.Port, "PORT") // platform-assigned port
	setStringSlice(&cfg.Server.CORSOrigins, "TXNBRIDGE_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "TXNBRIDGE_SERVER_API_KEY")
	setInt(&cfg.Server.WebhookRateLimit, "TXNBRIDGE_SERVER_WEBHOOK_RATE_LIMIT")
	setDuration(&cfg.Server.WebhookRateWindow, "TXNBRIDGE_SERVER_WEBHOOK_RATE_WINDOW")
	setDuration(&cfg.Server.ShutdownTimeout, "TXNBRIDGE_SERVER_SHUTDOWN_TIMEOUT")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "TXNBRIDGE_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "TXNBRIDGE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "TXNBRIDGE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "TXNBRIDGE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "TXNBRIDGE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "TXNBRIDGE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "TXNBRIDGE_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "TXNBRIDGE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "TXNBRIDGE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "TXNBRIDGE_POSTGRES_RUN_MIGRATIONS")
	setDuration(&cfg.Postgres.StatementTimeout, "TXNBRIDGE_POSTGRES_STATEMENT_TIMEOUT")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "TXNBRIDGE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TXNBRIDGE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TXNBRIDGE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TXNBRIDGE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TXNBRIDGE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TXNBRIDGE_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "TXNBRIDGE_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "TXNBRIDGE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TXNBRIDGE_S3_REGION")
	setStr(&cfg.S3.Bucket, "TXNBRIDGE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TXNBRIDGE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TXNBRIDGE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "TXNBRIDGE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "TXNBRIDGE_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.ServerSideEncryption, "TXNBRIDGE_S3_SERVER_SIDE_ENCRYPTION")
	setStr(&cfg.S3.KMSKeyID, "TXNBRIDGE_S3_KMS_KEY_ID")
	setStr(&cfg.S3.KeyPrefix, "TXNBRIDGE_S3_KEY_PREFIX")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TXNBRIDGE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TXNBRIDGE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TXNBRIDGE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TXNBRIDGE_NOTIFY_EVENTS")

	// ── Vault ──
	setStr(&cfg.Vault.EncryptionKey, "TXNBRIDGE_VAULT_ENCRYPTION_KEY")
	setInt(&cfg.Vault.ReadLimit, "TXNBRIDGE_VAULT_READ_LIMIT")
	setDuration(&cfg.Vault.ReadWindow, "TXNBRIDGE_VAULT_READ_WINDOW")

	// ── Ledger ──
	setStr(&cfg.Ledger.BaseURL, "TXNBRIDGE_LEDGER_BASE_URL")
	setStr(&cfg.Ledger.ServiceSecret, "TXNBRIDGE_LEDGER_SERVICE_SECRET")
	setDuration(&cfg.Ledger.Timeout, "TXNBRIDGE_LEDGER_TIMEOUT")
	setInt(&cfg.Ledger.MaxRetries, "TXNBRIDGE_LEDGER_MAX_RETRIES")
	setDuration(&cfg.Ledger.BaseDelay, "TXNBRIDGE_LEDGER_BASE_DELAY")
	setDuration(&cfg.Ledger.MaxDelay, "TXNBRIDGE_LEDGER_MAX_DELAY")
	setInt(&cfg.Ledger.RateLimit, "TXNBRIDGE_LEDGER_RATE_LIMIT")
	setDuration(&cfg.Ledger.RateWindow, "TXNBRIDGE_LEDGER_RATE_WINDOW")
	setInt(&cfg.Ledger.FailureThreshold, "TXNBRIDGE_LEDGER_FAILURE_THRESHOLD")
	setDuration(&cfg.Ledger.Cooldown, "TXNBRIDGE_LEDGER_COOLDOWN")
	setInt(&cfg.Ledger.SuccessThreshold, "TXNBRIDGE_LEDGER_SUCCESS_THRESHOLD")

	// ── Connectors ──
	setProvider(&cfg.Connectors.Basiq, "BASIQ")
	setProvider(&cfg.Connectors.Plaid, "PLAID")
	setProvider(&cfg.Connectors.Wise, "WISE")
	setProvider(&cfg.Connectors.Apideck, "APIDECK")

	// ── Webhook ──
	setInt64(&cfg.Webhook.MaxBodyBytes, "TXNBRIDGE_WEBHOOK_MAX_BODY_BYTES")
	setDuration(&cfg.Webhook.DeliveryTimeout, "TXNBRIDGE_WEBHOOK_DELIVERY_TIMEOUT")
	setDuration(&cfg.Webhook.SignatureTolerance, "TXNBRIDGE_WEBHOOK_SIGNATURE_TOLERANCE")
	setDuration(&cfg.Webhook.KeyCacheTTL, "TXNBRIDGE_WEBHOOK_KEY_CACHE_TTL")
	setBool(&cfg.Webhook.ArchivePayloads, "TXNBRIDGE_WEBHOOK_ARCHIVE_PAYLOADS")

	// ── WS ──
	setStr(&cfg.WS.JWTSecret, "TXNBRIDGE_WS_JWT_SECRET")
	setInt(&cfg.WS.MaxPerUser, "TXNBRIDGE_WS_MAX_PER_USER")
	setStringSlice(&cfg.WS.AllowedOrigins, "TXNBRIDGE_WS_ALLOWED_ORIGINS")

	// ── Sync ──
	setDuration(&cfg.Sync.LockTTL, "TXNBRIDGE_SYNC_LOCK_TTL")
	setInt(&cfg.Sync.DeliveryConcurrency, "TXNBRIDGE_SYNC_DELIVERY_CONCURRENCY")
	setInt64(&cfg.Sync.BackgroundSyncs, "TXNBRIDGE_SYNC_BACKGROUND_SYNCS")
	setDuration(&cfg.Sync.IncrementalOverlap, "TXNBRIDGE_SYNC_INCREMENTAL_OVERLAP")
	setDuration(&cfg.Sync.DefaultFrequency, "TXNBRIDGE_SYNC_DEFAULT_FREQUENCY")
	setBool(&cfg.Sync.Enrich, "TXNBRIDGE_SYNC_ENRICH")

	// ── Scheduler ──
	setStr(&cfg.Scheduler.SyncCron, "TXNBRIDGE_SCHEDULER_SYNC_CRON")
	setStr(&cfg.Scheduler.ArchiveCron, "TXNBRIDGE_SCHEDULER_ARCHIVE_CRON")
	setStr(&cfg.Scheduler.RedeliverCron, "TXNBRIDGE_SCHEDULER_REDELIVER_CRON")
	setInt(&cfg.Scheduler.RetentionDays, "TXNBRIDGE_SCHEDULER_RETENTION_DAYS")
	setInt(&cfg.Scheduler.SyncBatch, "TXNBRIDGE_SCHEDULER_SYNC_BATCH")
	setInt(&cfg.Scheduler.RedeliverBatch, "TXNBRIDGE_SCHEDULER_REDELIVER_BATCH")
	setDuration(&cfg.Scheduler.ErrorRetryAfter, "TXNBRIDGE_SCHEDULER_ERROR_RETRY_AFTER")
}

// setProvider applies TXNBRIDGE_CONNECTORS_<NAME>_* overrides.
func setProvider(p *ProviderConfig, name string) {
	prefix := EnvPrefix + "CONNECTORS_" + name + "_"
	setBool(&p.Enabled, prefix+"ENABLED")
	setStr(&p.BaseURL, prefix+"BASE_URL")
	setFloat64(&p.RPS, prefix+"RPS")
	setInt(&p.Burst, prefix+"BURST")
	setDuration(&p.Timeout, prefix+"TIMEOUT")
	setStr(&p.ClientID, prefix+"CLIENT_ID")
	setStr(&p.ClientSecret, prefix+"CLIENT_SECRET")
	setStr(&p.WebhookSecret, prefix+"WEBHOOK_SECRET")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
