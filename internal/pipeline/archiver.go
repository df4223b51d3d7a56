// Package pipeline runs the background export of the journal to cold
// storage.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// EventArchiver uploads journal segments and reports how far the archive
// reaches. *s3blob.Archiver implements it.
type EventArchiver interface {
	ArchiveEvents(ctx context.Context, afterSeq uint64) (string, uint64, error)
	ArchivedThrough(ctx context.Context) (uint64, error)
}

// Archiver exports newly journaled events on a fixed interval. Nothing is
// deleted from Postgres.
type Archiver struct {
	blob   EventArchiver
	logger *slog.Logger

	through uint64
	primed  bool
}

// NewArchiver creates a new Archiver.
func NewArchiver(blob EventArchiver, logger *slog.Logger) *Archiver {
	return &Archiver{
		blob:   blob,
		logger: logger.With(slog.String("component", "journal_archiver")),
	}
}

// Run executes a single archive pass. The first pass learns the watermark
// from the archive itself so restarts never upload a segment twice.
func (a *Archiver) Run(ctx context.Context) error {
	if !a.primed {
		through, err := a.blob.ArchivedThrough(ctx)
		if err != nil {
			return fmt.Errorf("pipeline: archive watermark: %w", err)
		}
		a.through, a.primed = through, true
	}

	path, last, err := a.blob.ArchiveEvents(ctx, a.through)
	if err != nil {
		return fmt.Errorf("pipeline: archive events after %d: %w", a.through, err)
	}
	if path == "" {
		a.logger.DebugContext(ctx, "nothing to archive", slog.Uint64("through", a.through))
		return nil
	}
	a.logger.InfoContext(ctx, "journal segment archived",
		slog.String("path", path),
		slog.Uint64("from", a.through+1),
		slog.Uint64("to", last),
	)
	a.through = last
	return nil
}

// Through returns the last archived sequence number known to a.
func (a *Archiver) Through() uint64 {
	return a.through
}

// RunLoop runs the archiver every interval until the context is cancelled.
// Failed passes are logged and retried on the next tick.
func (a *Archiver) RunLoop(ctx context.Context, interval time.Duration) error {
	a.logger.InfoContext(ctx, "journal archiver started", slog.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("journal archiver stopped")
			return nil
		case <-ticker.C:
			if err := a.Run(ctx); err != nil {
				a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}
