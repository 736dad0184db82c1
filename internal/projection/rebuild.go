package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/foldline-works/foldline/internal/core/event"
	"github.com/foldline-works/foldline/internal/core/storage"
)

// rebuildPageSize bounds how many events one rebuild transaction folds.
const rebuildPageSize = 500

// ErrUnknownProjection is returned for a replay request naming no known view.
var ErrUnknownProjection = errors.New("unknown projection")

// EventSource is the slice of the event store a rebuild needs.
type EventSource interface {
	ReadAll(ctx context.Context, afterSequence int64, limit int, types ...event.Type) ([]*event.Event, error)
}

// Applier is the slice of the read-model store a rebuild needs: fold a batch,
// clear a view, and report a view's watermark.
type Applier interface {
	ApplyEvents(ctx context.Context, db storage.DBTX, events []*event.Event, names ...string) error
	Reset(ctx context.Context, db storage.DBTX, name string) error
	Offset(ctx context.Context, db storage.DBTX, name string) (int64, error)
}

// Rebuilder re-derives views from the log. A rebuild clears the view and
// folds the whole log back in, page by page, each page in its own
// transaction; because the per-row sequence guard makes folding idempotent,
// an interrupted rebuild can be resumed from the view's watermark instead of
// starting over.
type Rebuilder struct {
	db       *sql.DB
	source   EventSource
	applier  Applier
	pageSize int
}

// NewRebuilder creates a Rebuilder.
func NewRebuilder(db *sql.DB, source EventSource, applier Applier) *Rebuilder {
	if db == nil {
		panic("projection: db must not be nil")
	}
	if source == nil {
		panic("projection: event source must not be nil")
	}
	if applier == nil {
		panic("projection: applier must not be nil")
	}
	return &Rebuilder{db: db, source: source, applier: applier, pageSize: rebuildPageSize}
}

// Rebuild clears one view and folds the log back into it from sequence zero.
func (r *Rebuilder) Rebuild(ctx context.Context, name string) error {
	if !Known(name) {
		return fmt.Errorf("%w: %q", ErrUnknownProjection, name)
	}
	slog.Info("[Rebuilder] Rebuilding projection", "projection", name)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("rebuild %s: begin reset: %w", name, err)
	}
	if err := r.applier.Reset(ctx, tx, name); err != nil {
		tx.Rollback()
		return fmt.Errorf("rebuild %s: reset: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("rebuild %s: commit reset: %w", name, err)
	}

	return r.fold(ctx, name, 0)
}

// Resume continues an interrupted rebuild from the view's current watermark.
func (r *Rebuilder) Resume(ctx context.Context, name string) error {
	if !Known(name) {
		return fmt.Errorf("%w: %q", ErrUnknownProjection, name)
	}
	watermark, err := r.applier.Offset(ctx, r.db, name)
	if err != nil {
		return fmt.Errorf("resume %s: read watermark: %w", name, err)
	}
	slog.Info("[Rebuilder] Resuming projection", "projection", name, "from_sequence", watermark)
	return r.fold(ctx, name, watermark)
}

// RebuildAll rebuilds every view concurrently. Views share no rows, so the
// rebuilds only contend on the log reads.
func (r *Rebuilder) RebuildAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range Names() {
		name := name
		g.Go(func() error {
			return r.Rebuild(ctx, name)
		})
	}
	return g.Wait()
}

func (r *Rebuilder) fold(ctx context.Context, name string, watermark int64) error {
	var applied int64
	for {
		events, err := r.source.ReadAll(ctx, watermark, r.pageSize)
		if err != nil {
			return fmt.Errorf("rebuild %s: read after %d: %w", name, watermark, err)
		}
		if len(events) == 0 {
			break
		}

		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("rebuild %s: begin batch: %w", name, err)
		}
		if err := r.applier.ApplyEvents(ctx, tx, events, name); err != nil {
			tx.Rollback()
			return fmt.Errorf("rebuild %s: apply batch after %d: %w", name, watermark, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("rebuild %s: commit batch: %w", name, err)
		}

		watermark = events[len(events)-1].Sequence
		applied += int64(len(events))
		if len(events) < r.pageSize {
			break
		}
	}
	slog.Info("[Rebuilder] Projection caught up", "projection", name, "events_applied", applied, "watermark", watermark)
	return nil
}
