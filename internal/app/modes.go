package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/txnbridge/internal/server"
	"github.com/alanyoungcy/txnbridge/internal/server/handler"
	"github.com/alanyoungcy/txnbridge/internal/service"
)

// ServerMode serves the tenant API, provider webhooks and the realtime
// endpoint. Background syncs triggered by webhooks run in this process.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "entering server mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// WorkerMode runs scheduled syncs, ledger redelivery and archival. Realtime
// events it produces reach server instances over the signal bus.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "entering worker mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startScheduler(ctx, g, deps)
	return g.Wait()
}

// FullMode runs the server and the worker in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "entering full mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startScheduler(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// startScheduler adds the cron scheduler to g.
func (a *App) startScheduler(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	sc := a.cfg.Scheduler
	var archiver service.Archiver
	if deps.Archiver != nil {
		archiver = deps.Archiver
	} else {
		a.logger.WarnContext(ctx, "object storage disabled; archival job will not move any rows")
	}
	sched := service.NewScheduler(deps.Service, deps.Connections, archiver, deps.Dispatcher, service.SchedulerConfig{
		SyncSchedule:      sc.SyncCron,
		ArchiveSchedule:   sc.ArchiveCron,
		RedeliverSchedule: sc.RedeliverCron,
		Retention:         time.Duration(sc.RetentionDays) * 24 * time.Hour,
		SyncBatch:         sc.SyncBatch,
		RedeliverBatch:    sc.RedeliverBatch,
		DefaultFrequency:  a.cfg.Sync.DefaultFrequency.Duration,
		ErrorRetryAfter:   sc.ErrorRetryAfter.Duration,
	}, a.logger)

	g.Go(func() error {
		return sched.Run(ctx)
	})
}

// startHTTPServer adds the realtime hub and the HTTP server to g. The server
// is shut down gracefully when the context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	checks := map[string]handler.Pinger{
		"postgres": deps.Postgres,
		"redis":    deps.Redis,
		"ledger": handler.PingFunc(func(ctx context.Context) error {
			if !deps.Ledger.Health(ctx).Reachable {
				return errors.New("ledger unreachable")
			}
			return nil
		}),
	}
	if deps.S3 != nil {
		checks["s3"] = deps.S3
	}
	extras := func() map[string]any {
		return map[string]any{
			"realtime": deps.Hub.Stats(),
			"breaker":  deps.Ledger.Breaker(),
		}
	}

	srv := server.New(server.Config{
		Port:              a.cfg.Server.Port,
		CORSOrigins:       a.cfg.Server.CORSOrigins,
		APIKey:            a.cfg.Server.APIKey,
		WebhookRateLimit:  a.cfg.Server.WebhookRateLimit,
		WebhookRateWindow: a.cfg.Server.WebhookRateWindow.Duration,
	}, server.Deps{
		Health:      handler.NewHealthHandler(checks, extras, a.logger),
		Connections: handler.NewConnectionHandler(deps.Service, a.logger),
		Webhooks:    deps.Gateway,
		Hub:         deps.Hub,
		Limiter:     deps.RateLimiter,
	}, a.logger)

	g.Go(func() error {
		return deps.Hub.Run(ctx)
	})

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		timeout := a.cfg.Server.ShutdownTimeout.Duration
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		shutCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			a.logger.Error("HTTP server shutdown failed", slog.String("error", err.Error()))
			return err
		}
		return nil
	})
}
