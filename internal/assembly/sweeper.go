package assembly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/foldline-works/foldline/internal/core/domain"
	"github.com/foldline-works/foldline/internal/projection"
)

const (
	defaultSweepInterval  = time.Minute
	defaultSweepBatchSize = 100

	// maxConsecutiveBatches caps one drain so a huge backlog cannot pin the
	// loop; the remainder is picked up on the next tick.
	maxConsecutiveBatches = 100

	shutdownDrainTimeout = 30 * time.Second

	sweeperActor = "sweeper"
)

// OverdueSource lists in-progress assemblies whose first gather happened at
// or before the cutoff, oldest first. Backed by the assembly_progress view.
type OverdueSource interface {
	OverdueAssemblies(ctx context.Context, cutoff time.Time, limit int) ([]projection.AssemblyProgressRow, error)
}

// SubmitFunc pushes one command through the engine's unit of work. Keeping
// this a function keeps the watchdog decoupled from the engine package, which
// routes gather commands back here.
type SubmitFunc func(ctx context.Context, env domain.Envelope, cmd domain.Command) error

// Sweeper is the gather timeout watchdog: a periodic loop that finds
// assemblies stuck IN_PROGRESS past the gather window and submits
// assembly.timeout commands for them. The commands ride the normal append
// path, so the transition re-checks the window against the stream; a stale
// view only costs a rejected command.
type Sweeper struct {
	interval  time.Duration
	timeout   time.Duration
	batchSize int
	source    OverdueSource
	submit    SubmitFunc

	nowFn func() time.Time
}

// NewSweeper creates the watchdog. gatherTimeout must match the engine
// policy's window; non-positive interval and batch size fall back to their
// defaults.
func NewSweeper(source OverdueSource, submit SubmitFunc, gatherTimeout, interval time.Duration, batchSize int) *Sweeper {
	if source == nil {
		panic("assembly: source must not be nil")
	}
	if submit == nil {
		panic("assembly: submit must not be nil")
	}
	if gatherTimeout <= 0 {
		panic("assembly: gather timeout must be positive")
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if batchSize <= 0 {
		batchSize = defaultSweepBatchSize
	}
	return &Sweeper{
		interval:  interval,
		timeout:   gatherTimeout,
		batchSize: batchSize,
		source:    source,
		submit:    submit,
		nowFn:     time.Now,
	}
}

// Start runs the watchdog until the context is cancelled, then finishes one
// last drain under a grace deadline so overdue assemblies found right before
// shutdown still get closed.
func (s *Sweeper) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("[Sweeper] Starting gather timeout watchdog",
		"interval", s.interval,
		"gather_timeout", s.timeout,
		"batch_size", s.batchSize,
	)

	s.drainOverdue(ctx)

	for {
		select {
		case <-ticker.C:
			s.drainOverdue(ctx)
		case <-ctx.Done():
			slog.Info("[Sweeper] Stopping (context cancelled)")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDrainTimeout)
			defer cancel()

			s.drainOverdue(shutdownCtx)
			slog.Info("[Sweeper] Final drain complete")
			return nil
		}
	}
}

// drainOverdue sweeps page after page until a page comes back short, so a
// backlog built up while the loop was down clears in one tick instead of one
// page per tick.
func (s *Sweeper) drainOverdue(ctx context.Context) {
	batches := 0
	for batches < maxConsecutiveBatches {
		select {
		case <-ctx.Done():
			slog.Info("[Sweeper] Drain interrupted by context cancellation", "batches_processed", batches)
			return
		default:
		}

		swept, err := s.sweepOnce(ctx)
		if err != nil {
			slog.Error("[Sweeper] Sweep failed", "error", err, "batch_number", batches+1)
			return
		}
		batches++

		if swept < s.batchSize {
			if batches > 1 {
				slog.Info("[Sweeper] Overdue backlog drained", "total_batches", batches)
			}
			return
		}
		slog.Info("[Sweeper] Full page of overdue assemblies, continuing to drain", "batches_so_far", batches)
	}

	slog.Warn("[Sweeper] Max consecutive batches reached, pausing drain",
		"max_batches", maxConsecutiveBatches,
		"note", "Will resume on next tick",
	)
}

// sweepOnce reads one page of overdue assemblies and submits a timeout for
// each. Returns the page size, which is what the drain loop uses to decide
// whether more are pending. Per-assembly failures do not stop the page.
func (s *Sweeper) sweepOnce(ctx context.Context) (int, error) {
	now := s.nowFn().UTC()
	cutoff := now.Add(-s.timeout)

	rows, err := s.source.OverdueAssemblies(ctx, cutoff, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("sweep: list overdue assemblies: %w", err)
	}

	for _, row := range rows {
		env := domain.Envelope{OccurredAt: now, ActorID: sweeperActor}
		err := s.submit(ctx, env, domain.TimeoutAssembly{AssemblyID: row.AssemblyID})
		switch {
		case err == nil:
			slog.Info("[Sweeper] Assembly timed out",
				"assembly_id", row.AssemblyID,
				"first_gathered_at", row.FirstGatheredAt,
				"missing_positions", len(row.MissingPositions),
			)
		case isRejection(err):
			// The view lagged the log: the assembly completed, errored or
			// was flagged after the page was read.
			slog.Debug("[Sweeper] Timeout rejected, skipping",
				"assembly_id", row.AssemblyID, "reason", err)
		default:
			slog.Error("[Sweeper] Timeout submit failed",
				"assembly_id", row.AssemblyID, "error", err)
		}
	}
	return len(rows), nil
}

func isRejection(err error) bool {
	var rej *domain.Rejection
	return errors.As(err, &rej)
}
