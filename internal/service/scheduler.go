package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/txnbridge/internal/domain"
)

// Archiver moves aged audit and sync-history rows to cold storage.
type Archiver interface {
	ArchiveAudit(ctx context.Context, before time.Time) (int64, error)
	ArchiveSyncHistory(ctx context.Context, before time.Time) (int64, error)
}

// Redeliverer replays parked ledger deliveries.
type Redeliverer interface {
	Redeliver(ctx context.Context, batch int) (int, error)
}

// Syncer starts a background sync. *ConnectionService implements it.
type Syncer interface {
	TriggerSync(connectionID string) error
}

// SchedulerConfig holds cron expressions and batch sizes. An empty
// expression disables its job.
type SchedulerConfig struct {
	SyncSchedule      string
	ArchiveSchedule   string
	RedeliverSchedule string
	Retention         time.Duration
	SyncBatch         int
	RedeliverBatch    int
	DefaultFrequency  time.Duration
	// ErrorRetryAfter is the wait before a connection in error is synced
	// again, counted from its last status change.
	ErrorRetryAfter time.Duration
}

// Scheduler runs periodic sync, archive and redelivery jobs.
type Scheduler struct {
	syncer      Syncer
	connections domain.ConnectionStore
	archiver    Archiver
	redeliverer Redeliverer
	cfg         SchedulerConfig
	logger      *slog.Logger
	now         func() time.Time
}

// NewScheduler creates a Scheduler. archiver and redeliverer may be nil.
func NewScheduler(syncer Syncer, connections domain.ConnectionStore, archiver Archiver, redeliverer Redeliverer, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if cfg.SyncBatch <= 0 {
		cfg.SyncBatch = 500
	}
	if cfg.RedeliverBatch <= 0 {
		cfg.RedeliverBatch = 100
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 90 * 24 * time.Hour
	}
	if cfg.DefaultFrequency <= 0 {
		cfg.DefaultFrequency = DefaultSyncFrequency
	}
	if cfg.ErrorRetryAfter <= 0 {
		cfg.ErrorRetryAfter = 30 * time.Minute
	}
	return &Scheduler{
		syncer:      syncer,
		connections: connections,
		archiver:    archiver,
		redeliverer: redeliverer,
		cfg:         cfg,
		logger:      logger.With(slog.String("component", "scheduler")),
		now:         time.Now,
	}
}

// Run registers the jobs and blocks until ctx is cancelled, then waits for
// running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cronLogger{s.logger}), cron.SkipIfStillRunning(cronLogger{s.logger})),
	)

	jobs := []struct {
		name     string
		schedule string
		run      func(context.Context) error
	}{
		{"sync", s.cfg.SyncSchedule, func(ctx context.Context) error { _, err := s.SyncDue(ctx); return err }},
		{"archive", s.cfg.ArchiveSchedule, s.Archive},
		{"redeliver", s.cfg.RedeliverSchedule, func(ctx context.Context) error { _, err := s.Redeliver(ctx); return err }},
	}
	for _, j := range jobs {
		if j.schedule == "" {
			continue
		}
		if _, err := c.AddFunc(j.schedule, func() {
			if err := j.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.ErrorContext(ctx, "scheduled job failed",
					slog.String("job", j.name),
					slog.String("error", err.Error()),
				)
			}
		}); err != nil {
			return fmt.Errorf("scheduler: %s schedule %q: %w", j.name, j.schedule, err)
		}
		s.logger.Info("job scheduled", slog.String("job", j.name), slog.String("schedule", j.schedule))
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}

// SyncDue starts a background sync for every connected connection whose
// last sync is older than its frequency, and retries connections left in
// error once ErrorRetryAfter has passed. Expired and disconnected
// connections need the user. It returns the number started.
func (s *Scheduler) SyncDue(ctx context.Context) (int, error) {
	conns, err := s.connections.ListByStatus(ctx, domain.StatusConnected, s.cfg.SyncBatch)
	if err != nil {
		return 0, fmt.Errorf("scheduler: list connections: %w", err)
	}
	failed, err := s.connections.ListByStatus(ctx, domain.StatusError, s.cfg.SyncBatch)
	if err != nil {
		return 0, fmt.Errorf("scheduler: list failed connections: %w", err)
	}
	conns = append(conns, failed...)
	now := s.now()
	started := 0
	for _, conn := range conns {
		if !s.due(conn, now) {
			continue
		}
		if err := s.syncer.TriggerSync(conn.ID); err != nil {
			if errors.Is(err, ErrTriggerBusy) {
				s.logger.InfoContext(ctx, "sync slots exhausted, remaining connections wait for the next run",
					slog.Int("started", started),
				)
				break
			}
			s.logger.WarnContext(ctx, "scheduled sync not started",
				slog.String("connection_id", conn.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		started++
	}
	if started > 0 {
		s.logger.InfoContext(ctx, "scheduled syncs started", slog.Int("count", started))
	}
	return started, nil
}

func (s *Scheduler) due(conn domain.Connection, now time.Time) bool {
	if !conn.Settings.AutoSync {
		return false
	}
	if conn.Status == domain.StatusError {
		return now.Sub(conn.UpdatedAt) >= s.cfg.ErrorRetryAfter
	}
	if conn.LastSyncAt == nil {
		return true
	}
	freq := conn.Settings.SyncFrequency
	if freq <= 0 {
		freq = s.cfg.DefaultFrequency
	}
	return now.Sub(*conn.LastSyncAt) >= freq
}

// Archive moves audit and sync-history rows older than the retention period.
func (s *Scheduler) Archive(ctx context.Context) error {
	if s.archiver == nil {
		return nil
	}
	before := s.now().UTC().Add(-s.cfg.Retention)
	audits, err := s.archiver.ArchiveAudit(ctx, before)
	if err != nil {
		return fmt.Errorf("scheduler: archive audit: %w", err)
	}
	syncs, err := s.archiver.ArchiveSyncHistory(ctx, before)
	if err != nil {
		return fmt.Errorf("scheduler: archive sync history: %w", err)
	}
	s.logger.InfoContext(ctx, "archive complete",
		slog.Time("before", before),
		slog.Int64("audit_rows", audits),
		slog.Int64("sync_rows", syncs),
	)
	return nil
}

// Redeliver replays one batch of parked ledger deliveries.
func (s *Scheduler) Redeliver(ctx context.Context) (int, error) {
	if s.redeliverer == nil {
		return 0, nil
	}
	return s.redeliverer.Redeliver(ctx, s.cfg.RedeliverBatch)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}
