package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/eugener/warden/internal/blob"
)

const backupPrefix = "backups/"

// Snapshotter exposes the database file for backup. The sqlite store
// implements it; a checkpoint flushes the WAL before the file copy.
type Snapshotter interface {
	Checkpoint(ctx context.Context) error
	FilePath() string
}

// Backup periodically copies the database file into the blob sink and
// prunes old snapshots.
type Backup struct {
	db       Snapshotter
	sink     blob.Sink
	interval time.Duration
	keep     int
	now      func() time.Time
}

// NewBackup returns a backup worker. keep bounds retained snapshots; zero
// keeps everything.
func NewBackup(db Snapshotter, sink blob.Sink, interval time.Duration, keep int, now func() time.Time) *Backup {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &Backup{db: db, sink: sink, interval: interval, keep: keep, now: now}
}

// Name returns the worker identifier.
func (b *Backup) Name() string { return "db_backup" }

// Run takes a snapshot on the configured interval until ctx is cancelled.
func (b *Backup) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := b.Snapshot(ctx); err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "backup failed",
					slog.String("error", err.Error()),
				)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Snapshot checkpoints the database, copies its file into the sink, and
// prunes snapshots beyond the retention count.
func (b *Backup) Snapshot(ctx context.Context) error {
	path := b.db.FilePath()
	if path == "" {
		return nil // in-memory database, nothing durable to copy
	}
	if err := b.db.Checkpoint(ctx); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read database file: %w", err)
	}

	key := backupPrefix + b.now().UTC().Format("20060102T150405") + ".db"
	err = b.sink.Put(ctx, key, data, blob.PutOptions{
		ContentType: "application/octet-stream",
		Metadata:    map[string]string{"source": path},
	})
	if err != nil {
		return fmt.Errorf("store backup: %w", err)
	}
	slog.LogAttrs(ctx, slog.LevelInfo, "database backed up",
		slog.String("key", key),
		slog.Int("bytes", len(data)),
	)
	return b.prune(ctx)
}

// prune deletes the oldest snapshots beyond the retention count. Keys embed
// their timestamp, so lexicographic order is chronological.
func (b *Backup) prune(ctx context.Context) error {
	if b.keep <= 0 {
		return nil
	}
	objs, err := b.sink.List(ctx, backupPrefix)
	if err != nil {
		return fmt.Errorf("list backups: %w", err)
	}
	if len(objs) <= b.keep {
		return nil
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].Key < objs[j].Key })
	for _, obj := range objs[:len(objs)-b.keep] {
		if err := b.sink.Delete(ctx, obj.Key); err != nil {
			return fmt.Errorf("prune %s: %w", obj.Key, err)
		}
	}
	return nil
}
