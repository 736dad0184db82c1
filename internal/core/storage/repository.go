// Package storage defines the persistence ports the engine and projections
// are written against. Two adapters implement them, postgres for the floor
// and sqlite for single-site and test deployments; both enforce the same
// append contract.
package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/foldline-works/foldline/internal/core/event"
)

var (
	// ErrVersionConflict is returned when an append's guard does not match
	// the aggregate's current version. The command may be retried against
	// reloaded state.
	ErrVersionConflict = errors.New("aggregate version conflict")

	// ErrDuplicateEvent is returned when an append carries event ids the
	// log already holds, meaning the same command already committed. Not
	// retryable, but not a failure either.
	ErrDuplicateEvent = errors.New("event already recorded")
)

// AppendGuard names the aggregate whose version conditions an append. Only
// the triggering aggregate is guarded; other aggregates in the same batch
// take their next contiguous versions unconditionally.
type AppendGuard struct {
	AggregateType event.AggregateType
	AggregateID   string

	// ExpectedVersion is the version the caller decided against. Zero means
	// the stream must be empty.
	ExpectedVersion int64
}

// DBTX is the slice of database/sql shared by *sql.DB and *sql.Tx. Read
// model code takes it as a parameter so the same SQL runs inside the append
// transaction, inside rebuild batches, and standalone for queries.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Projector folds freshly appended events into the read models. Adapters
// call it inside the append transaction, so a projection failure rolls the
// append back and the log never runs ahead of the views.
type Projector interface {
	ApplyEvents(ctx context.Context, db DBTX, events []*event.Event, names ...string) error
}

// EventStore is the append-only log.
type EventStore interface {
	// Append atomically persists events under guard. On success every event
	// has its Sequence and Version filled in. Returns ErrVersionConflict on
	// a guard mismatch and ErrDuplicateEvent when the batch was already
	// committed by an earlier attempt of the same command.
	Append(ctx context.Context, guard AppendGuard, events []*event.Event) error

	// ReadAggregate returns one aggregate's events with Version greater
	// than fromVersion, in version order.
	ReadAggregate(ctx context.Context, aggregateType event.AggregateType, aggregateID string, fromVersion int64) ([]*event.Event, error)

	// ReadAll walks the global log in sequence order, at most limit events
	// per call, optionally narrowed to the given types.
	ReadAll(ctx context.Context, afterSequence int64, limit int, types ...event.Type) ([]*event.Event, error)

	// FindEvent returns the stored event with the given id, or nil when the
	// log has never seen it. Event ids are deterministic per command, so
	// this answers "did this command already commit".
	FindEvent(ctx context.Context, id uuid.UUID) (*event.Event, error)
}
