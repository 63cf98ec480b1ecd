package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/txnbridge/internal/domain"
)

const (
	jsonlContentType = "application/x-ndjson"
	archiveBatchSize = 5000
)

// AuditSource is the slice of the audit store the archiver needs.
type AuditSource interface {
	ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.AuditEntry, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// SyncHistorySource is the slice of the sync history store the archiver needs.
type SyncHistorySource interface {
	ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.SyncRecord, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// ArchiveImpl implements domain.Archiver. Rows older than the cutoff are
// written as JSONL and pruned from the database batch by batch.
type ArchiveImpl struct {
	writer domain.BlobWriter
	audit  AuditSource
	syncs  SyncHistorySource
	logger *slog.Logger
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, audit AuditSource, syncs SyncHistorySource, logger *slog.Logger) *ArchiveImpl {
	return &ArchiveImpl{
		writer: writer,
		audit:  audit,
		syncs:  syncs,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveAudit moves audit rows created before the cutoff to
// archive/audit_log/YYYY-MM/<cutoff>-<n>.jsonl.
func (a *ArchiveImpl) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	return archive(ctx, a, "audit_log", before,
		func(cutoff time.Time) ([]domain.AuditEntry, error) {
			return a.audit.ListBefore(ctx, cutoff, archiveBatchSize)
		},
		func(e domain.AuditEntry) time.Time { return e.CreatedAt },
		a.audit.DeleteBefore,
	)
}

// ArchiveSyncHistory moves sync history created before the cutoff to
// archive/sync_history/YYYY-MM/<cutoff>-<n>.jsonl.
func (a *ArchiveImpl) ArchiveSyncHistory(ctx context.Context, before time.Time) (int64, error) {
	return archive(ctx, a, "sync_history", before,
		func(cutoff time.Time) ([]domain.SyncRecord, error) {
			return a.syncs.ListBefore(ctx, cutoff, archiveBatchSize)
		},
		func(r domain.SyncRecord) time.Time { return r.CreatedAt },
		a.syncs.DeleteBefore,
	)
}

// archive works through rows oldest first, one batch at a time. Each batch is
// uploaded before its rows are pruned, and a full batch is cut at its newest
// timestamp so rows sharing that instant stay together in the next batch.
func archive[T any](
	ctx context.Context,
	a *ArchiveImpl,
	kind string,
	before time.Time,
	list func(cutoff time.Time) ([]T, error),
	createdAt func(T) time.Time,
	prune func(ctx context.Context, before time.Time) (int64, error),
) (int64, error) {
	var total, pruned int64
	for part := 0; ; part++ {
		rows, err := list(before)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive %s query: %w", kind, err)
		}
		if len(rows) == 0 {
			break
		}

		cutoff := before
		full := len(rows) >= archiveBatchSize
		if full {
			cutoff = createdAt(rows[len(rows)-1])
			n := 0
			for n < len(rows) && createdAt(rows[n]).Before(cutoff) {
				n++
			}
			if n == 0 {
				return total, fmt.Errorf("s3blob: archive %s: batch of %d rows shares one timestamp", kind, len(rows))
			}
			rows = rows[:n]
		}

		buf, err := marshalJSONL(rows)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
		}
		path := archivePath(kind, before, part)
		if int64(len(buf)) > minPartSize {
			err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
		} else {
			err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
		}
		if err != nil {
			return total, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
		}
		total += int64(len(rows))

		n, err := prune(ctx, cutoff)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive %s prune: %w", kind, err)
		}
		pruned += n

		if !full {
			break
		}
	}

	if total > 0 {
		a.logger.InfoContext(ctx, "archived rows",
			slog.String("kind", kind),
			slog.Int64("uploaded", total),
			slog.Int64("pruned", pruned),
			slog.Time("before", before),
		)
	}
	return total, nil
}

// archivePath partitions archives by the year-month of the cutoff.
//
//	archive/audit_log/2025-01/1735689600-0.jsonl
func archivePath(kind string, before time.Time, part int) string {
	return fmt.Sprintf("archive/%s/%s/%d-%d.jsonl", kind, before.UTC().Format("2006-01"), before.Unix(), part)
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*ArchiveImpl)(nil)
