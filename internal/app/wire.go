package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/txnbridge/internal/audit"
	s3blob "github.com/alanyoungcy/txnbridge/internal/blob/s3"
	"github.com/alanyoungcy/txnbridge/internal/cache/redis"
	"github.com/alanyoungcy/txnbridge/internal/config"
	"github.com/alanyoungcy/txnbridge/internal/connector"
	"github.com/alanyoungcy/txnbridge/internal/crypto"
	"github.com/alanyoungcy/txnbridge/internal/domain"
	"github.com/alanyoungcy/txnbridge/internal/ledger"
	"github.com/alanyoungcy/txnbridge/internal/notify"
	"github.com/alanyoungcy/txnbridge/internal/server/ws"
	"github.com/alanyoungcy/txnbridge/internal/service"
	"github.com/alanyoungcy/txnbridge/internal/store/postgres"
	"github.com/alanyoungcy/txnbridge/internal/vault"
	"github.com/alanyoungcy/txnbridge/internal/webhook"
)

// Dependencies bundles every collaborator that the application modes need to
// operate. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	// Infrastructure clients
	Postgres *postgres.Client
	Redis    *redis.Client
	S3       *s3blob.Client // nil when object storage is disabled

	// Stores and caches
	Connections domain.ConnectionStore
	RateLimiter domain.RateLimiter
	SignalBus   domain.SignalBus

	// Core components
	Notifier   *notify.Notifier
	Audit      *audit.Logger
	Vault      *vault.Vault
	Registry   *connector.Registry
	Ledger     *ledger.Client
	Dispatcher *ledger.Dispatcher
	Archiver   domain.Archiver // nil when object storage is disabled

	// Surfaces
	Hub     *ws.Hub
	Service *service.ConnectionService
	Gateway *webhook.Gateway
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources. ctx bounds background syncs
// started by the connection service.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(stage string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", stage, err)
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:              cfg.Postgres.DSN,
		Host:             cfg.Postgres.Host,
		Port:             cfg.Postgres.Port,
		Database:         cfg.Postgres.Database,
		User:             cfg.Postgres.User,
		Password:         cfg.Postgres.Password,
		SSLMode:          cfg.Postgres.SSLMode,
		MaxConns:         cfg.Postgres.PoolMaxConns,
		MinConns:         cfg.Postgres.PoolMinConns,
		StatementTimeout: cfg.Postgres.StatementTimeout.Duration,
	})
	if err != nil {
		return fail("postgres", err)
	}
	closers = append(closers, pgClient.Close)
	deps.Postgres = pgClient

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			return fail("postgres migrations", err)
		}
	}

	pool := pgClient.Pool()
	deps.Connections = postgres.NewConnectionStore(pool)
	credentialStore := postgres.NewCredentialStore(pool)
	auditStore := postgres.NewAuditStore(pool)
	historyStore := postgres.NewSyncHistoryStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		return fail("redis", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })
	deps.Redis = redisClient
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)
	locks := redis.NewLockManager(redisClient)
	connCache := redis.NewConnectionCache(redisClient)

	// --- S3 blob storage ---
	var payloads webhook.PayloadStore
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:             cfg.S3.Endpoint,
			Region:               cfg.S3.Region,
			Bucket:               cfg.S3.Bucket,
			AccessKey:            cfg.S3.AccessKey,
			SecretKey:            cfg.S3.SecretKey,
			UseSSL:               cfg.S3.UseSSL,
			ForcePathStyle:       cfg.S3.ForcePathStyle,
			KeyPrefix:            cfg.S3.KeyPrefix,
			ServerSideEncryption: cfg.S3.ServerSideEncryption,
			KMSKeyID:             cfg.S3.KMSKeyID,
		})
		if err != nil {
			return fail("s3", err)
		}
		deps.S3 = s3Client

		writer := s3blob.NewWriter(s3Client)
		deps.Archiver = s3blob.NewArchiver(writer, auditStore, historyStore, logger)
		if cfg.Webhook.ArchivePayloads {
			payloads = s3blob.NewPayloadArchive(writer)
		}
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL, ""))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Vault, audit, registry, ledger ---
	sealer, err := newSealer(cfg, logger)
	if err != nil {
		return fail("vault", err)
	}
	deps.Audit = audit.New(auditStore, deps.Notifier, logger)
	deps.Vault = vault.New(sealer, credentialStore, deps.RateLimiter, deps.Audit, vault.Options{
		ReadLimit:  cfg.Vault.ReadLimit,
		ReadWindow: cfg.Vault.ReadWindow.Duration,
	}, logger)

	deps.Registry = connector.NewRegistry()
	if err := connector.RegisterDefaults(deps.Registry, connectorSettings(cfg.Connectors), logger); err != nil {
		return fail("connectors", err)
	}

	if cfg.Ledger.BaseURL == "" {
		logger.Warn("ledger base_url not set; every delivery will be deferred")
	}
	deps.Ledger = ledger.NewClient(ledgerOptions(cfg.Ledger), deps.Notifier, logger)
	closers = append(closers, deps.Ledger.Close)
	deps.Dispatcher = ledger.NewDispatcher(deps.Ledger, deps.SignalBus, deps.Notifier, logger)

	// --- Realtime, connections, webhooks ---
	deps.Hub = ws.NewHub(deps.SignalBus, ws.Config{
		Secret:         cfg.WS.JWTSecret,
		MaxPerUser:     cfg.WS.MaxPerUser,
		AllowedOrigins: cfg.WS.AllowedOrigins,
	}, logger)
	if cfg.WS.JWTSecret == "" {
		logger.Warn("ws jwt_secret not set; realtime connections will be refused")
	}

	var enricher *connector.Enricher
	if cfg.Sync.Enrich {
		enricher = connector.NewPlaidEnricher(connectorSettings(cfg.Connectors).Plaid, logger)
		logger.Info("transaction enrichment enabled")
	}

	svcDeps := service.ConnectionDeps{
		Registry:    deps.Registry,
		Connections: deps.Connections,
		Cache:       connCache,
		Vault:       deps.Vault,
		Locks:       locks,
		Delivery:    deps.Dispatcher,
		History:     historyStore,
		AuditStore:  auditStore,
		Publisher:   deps.Hub,
		Audit:       deps.Audit,
		Alerter:     deps.Notifier,
	}
	if enricher.Available() {
		svcDeps.Enricher = enricher
	}
	deps.Service = service.NewConnectionService(ctx, svcDeps, service.Options{
		SyncLockTTL:         cfg.Sync.LockTTL.Duration,
		DeliveryConcurrency: cfg.Sync.DeliveryConcurrency,
		BackgroundSyncs:     cfg.Sync.BackgroundSyncs,
		IncrementalOverlap:  cfg.Sync.IncrementalOverlap.Duration,
	}, logger)
	closers = append(closers, deps.Service.Wait)

	gwDeps := webhook.Deps{
		Registry:    deps.Registry,
		Connections: deps.Connections,
		Cache:       connCache,
		Delivery:    deps.Dispatcher,
		Publisher:   deps.Hub,
		Trigger:     deps.Service,
		Audit:       deps.Audit,
		Alerter:     deps.Notifier,
	}
	if payloads != nil {
		gwDeps.Payloads = payloads
	}
	if enricher.Available() {
		gwDeps.Enricher = enricher
	}
	deps.Gateway = webhook.New(gwDeps, webhook.Options{
		MaxBodyBytes:    cfg.Webhook.MaxBodyBytes,
		DeliveryTimeout: cfg.Webhook.DeliveryTimeout.Duration,
		Production:      cfg.IsProduction(),
	}, logger)
	registerWebhooks(deps.Gateway, cfg, logger)

	return deps, cleanup, nil
}

// newSealer derives the vault key. Outside production a missing key falls
// back to a random one that does not survive a restart.
func newSealer(cfg *config.Config, logger *slog.Logger) (*crypto.Sealer, error) {
	if cfg.Vault.EncryptionKey != "" {
		return crypto.NewSealer(cfg.Vault.EncryptionKey)
	}
	if cfg.IsProduction() {
		return nil, fmt.Errorf("encryption key is required in production")
	}
	logger.Warn("vault encryption_key not set; using an ephemeral key, stored credentials will be unreadable after restart")
	return crypto.NewEphemeralSealer()
}

// registerWebhooks attaches a verifier and parser for every enabled provider.
func registerWebhooks(gw *webhook.Gateway, cfg *config.Config, logger *slog.Logger) {
	c := cfg.Connectors
	tolerance := cfg.Webhook.SignatureTolerance.Duration

	if c.Basiq.Enabled {
		gw.Register(connector.BasiqID, webhook.SvixVerifier{
			Secret:    c.Basiq.WebhookSecret,
			Tolerance: tolerance,
		}, webhook.BasiqHandler{})
	}
	if c.Plaid.Enabled {
		var verifier webhook.Verifier
		if c.Plaid.ClientID != "" {
			base := c.Plaid.BaseURL
			if base == "" {
				base = connector.DefaultPlaidURL
			}
			keys := webhook.NewKeyCache(webhook.PlaidKeyFetcher{
				BaseURL:  base,
				ClientID: c.Plaid.ClientID,
				Secret:   c.Plaid.ClientSecret,
				Client:   &http.Client{Timeout: 10 * time.Second},
			}, cfg.Webhook.KeyCacheTTL.Duration)
			verifier = webhook.JWKVerifier{Header: "Plaid-Verification", Keys: keys, MaxAge: tolerance}
		}
		gw.Register(connector.PlaidID, verifier, webhook.PlaidHandler{})
	}
	if c.Wise.Enabled {
		gw.Register(connector.WiseID, webhook.HMACHexVerifier{
			Header: "X-Signature-SHA256",
			Secret: c.Wise.WebhookSecret,
		}, webhook.WiseHandler{})
	}
	if c.Apideck.Enabled {
		gw.Register(connector.ApideckID, webhook.HMACHexVerifier{
			Header: "X-Apideck-Signature",
			Secret: c.Apideck.WebhookSecret,
		}, webhook.ApideckHandler{})
	}
	logger.Debug("webhook providers registered")
}

func connectorSettings(c config.ConnectorsConfig) connector.Settings {
	conv := func(p config.ProviderConfig) connector.ProviderSettings {
		return connector.ProviderSettings{
			Enabled:      p.Enabled,
			BaseURL:      p.BaseURL,
			RPS:          p.RPS,
			Burst:        p.Burst,
			Timeout:      p.Timeout.Duration,
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
		}
	}
	return connector.Settings{
		Basiq:   conv(c.Basiq),
		Plaid:   conv(c.Plaid),
		Wise:    conv(c.Wise),
		Apideck: conv(c.Apideck),
	}
}

func ledgerOptions(l config.LedgerConfig) ledger.Options {
	return ledger.Options{
		BaseURL:          l.BaseURL,
		ServiceSecret:    l.ServiceSecret,
		Timeout:          l.Timeout.Duration,
		MaxRetries:       l.MaxRetries,
		BaseDelay:        l.BaseDelay.Duration,
		MaxDelay:         l.MaxDelay.Duration,
		RateLimit:        l.RateLimit,
		RateWindow:       l.RateWindow.Duration,
		FailureThreshold: l.FailureThreshold,
		Cooldown:         l.Cooldown.Duration,
		SuccessThreshold: l.SuccessThreshold,
	}
}
