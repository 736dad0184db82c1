package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Register sqlite driver

	"github.com/foldline-works/foldline/internal/core/event"
	"github.com/foldline-works/foldline/internal/core/storage"
)

// Adapter implements storage.EventStore on a single SQLite file. It fills
// the same contract as the postgres adapter with one process and zero
// migration tooling, which is what a single-site floor deployment and the
// test suite want.
type Adapter struct {
	db        *sql.DB
	projector storage.Projector
}

// streamKey identifies one aggregate's event stream.
type streamKey struct {
	aggregateType event.AggregateType
	aggregateID   string
}

// NewAdapter opens (or creates) the database at path and ensures the schema.
// Pass ":memory:" for a throwaway in-memory database.
//
// The connection pool is capped at one connection: SQLite serializes writers
// anyway, and a single connection keeps in-memory databases coherent.
func NewAdapter(path string, projector storage.Projector) (*Adapter, error) {
	if projector == nil {
		panic("sqlite: projector must not be nil")
	}
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) +
		"?_txlock=immediate" +
		"&_time_format=sqlite" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(ON)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize sqlite schema: %w", err)
	}

	slog.Info("[SQLite] Store initialized", "path", path)

	return &Adapter{db: db, projector: projector}, nil
}

// Append persists a batch of events atomically under the guard's version
// check, then folds them into the read models inside the same transaction.
// Same contract as the postgres adapter; serialization comes from SQLite's
// single-writer lock instead of row locks.
func (a *Adapter) Append(ctx context.Context, guard storage.AppendGuard, events []*event.Event) error {
	if len(events) == 0 {
		return fmt.Errorf("append: empty batch")
	}

	payloads := make([]string, len(events))
	for i, evt := range events {
		if err := evt.Validate(); err != nil {
			return fmt.Errorf("append: event %d: %w", i, err)
		}
		data, err := event.MarshalPayload(evt.Payload)
		if err != nil {
			return fmt.Errorf("append: event %d: %w", i, err)
		}
		payloads[i] = string(data)
	}

	recordedAt := time.Now().UTC().Truncate(time.Millisecond)

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	streams := collectStreams(guard, events)
	heads := make(map[streamKey]int64, len(streams))
	for _, key := range streams {
		var current int64
		err := tx.QueryRowContext(ctx, querySelectHead, key.aggregateType, key.aggregateID).Scan(&current)
		if err == sql.ErrNoRows {
			if _, err = tx.ExecContext(ctx, queryInitHeadRow, key.aggregateType, key.aggregateID, recordedAt); err != nil {
				return fmt.Errorf("append: init head %s/%s: %w", key.aggregateType, key.aggregateID, err)
			}
			err = tx.QueryRowContext(ctx, querySelectHead, key.aggregateType, key.aggregateID).Scan(&current)
		}
		if err != nil {
			return fmt.Errorf("append: read head %s/%s: %w", key.aggregateType, key.aggregateID, err)
		}
		heads[key] = current
	}

	guardKey := streamKey{guard.AggregateType, guard.AggregateID}
	if heads[guardKey] != guard.ExpectedVersion {
		var exists bool
		if err := tx.QueryRowContext(ctx, queryEventIDExists, events[0].ID).Scan(&exists); err != nil {
			return fmt.Errorf("append: check duplicate: %w", err)
		}
		if exists {
			return fmt.Errorf("append %s/%s: %w", guard.AggregateType, guard.AggregateID, storage.ErrDuplicateEvent)
		}
		return fmt.Errorf("append %s/%s: expected version %d, head is %d: %w",
			guard.AggregateType, guard.AggregateID, guard.ExpectedVersion, heads[guardKey],
			storage.ErrVersionConflict)
	}

	next := make(map[streamKey]int64, len(heads))
	for key, version := range heads {
		next[key] = version
	}

	for i, evt := range events {
		key := streamKey{evt.AggregateType, evt.AggregateID}
		next[key]++
		evt.Version = next[key]
		evt.RecordedAt = recordedAt

		result, err := tx.ExecContext(ctx, queryInsertEvent,
			evt.ID,
			evt.AggregateType,
			evt.AggregateID,
			evt.Version,
			evt.Type,
			payloads[i],
			evt.OccurredAt,
			evt.RecordedAt,
			evt.ActorID,
			evt.StationID,
			evt.CorrelationID,
		)
		if err != nil {
			if mapped := mapUniqueViolation(err); mapped != nil {
				return fmt.Errorf("append: insert %s: %w", evt.Type, mapped)
			}
			return fmt.Errorf("append: insert %s: %w", evt.Type, err)
		}
		evt.Sequence, err = result.LastInsertId()
		if err != nil {
			return fmt.Errorf("append: read sequence: %w", err)
		}
	}

	for _, key := range streams {
		if next[key] == heads[key] {
			continue
		}
		result, err := tx.ExecContext(ctx, queryUpdateHead, next[key], recordedAt, key.aggregateType, key.aggregateID)
		if err != nil {
			return fmt.Errorf("append: update head %s/%s: %w", key.aggregateType, key.aggregateID, err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("append: check head update: %w", err)
		}
		if rowsAffected == 0 {
			return fmt.Errorf("append: head row missing for %s/%s", key.aggregateType, key.aggregateID)
		}
	}

	if err := a.projector.ApplyEvents(ctx, tx, events); err != nil {
		return fmt.Errorf("append: project: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append: commit: %w", err)
	}

	slog.Debug("[SQLite] Appended events",
		"aggregate_type", guard.AggregateType,
		"aggregate_id", guard.AggregateID,
		"count", len(events),
		"last_sequence", events[len(events)-1].Sequence)
	return nil
}

// collectStreams returns the distinct streams the batch touches plus the
// guard's stream, in first-appearance order.
func collectStreams(guard storage.AppendGuard, events []*event.Event) []streamKey {
	seen := map[streamKey]bool{{guard.AggregateType, guard.AggregateID}: true}
	keys := []streamKey{{guard.AggregateType, guard.AggregateID}}
	for _, evt := range events {
		key := streamKey{evt.AggregateType, evt.AggregateID}
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	return keys
}

// ReadAggregate fetches one aggregate's events with Version greater than
// fromVersion, in version order.
func (a *Adapter) ReadAggregate(ctx context.Context, aggregateType event.AggregateType, aggregateID string, fromVersion int64) ([]*event.Event, error) {
	rows, err := a.db.QueryContext(ctx, queryReadAggregate, aggregateType, aggregateID, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to query aggregate events: %w", err)
	}
	defer rows.Close()

	var events []*event.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating aggregate events: %w", err)
	}

	return events, nil
}

// FindEvent returns the stored event with the given id, or nil when the log
// has never seen it.
func (a *Adapter) FindEvent(ctx context.Context, id uuid.UUID) (*event.Event, error) {
	evt, err := scanEvent(a.db.QueryRowContext(ctx, queryEventByID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find event %s: %w", id, err)
	}
	return evt, nil
}

// ReadAll walks the global log after a sequence watermark in strict total
// order, at most limit events per call, optionally narrowed to types.
func (a *Adapter) ReadAll(ctx context.Context, afterSequence int64, limit int, types ...event.Type) ([]*event.Event, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("read all: limit must be positive")
	}

	query := queryReadAllPrefix
	args := []any{afterSequence}
	if len(types) > 0 {
		query += " AND type IN (?" + strings.Repeat(", ?", len(types)-1) + ")"
		for _, t := range types {
			args = append(args, string(t))
		}
	}
	query += " ORDER BY sequence ASC LIMIT ?"
	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*event.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanEvent scans a database row into an Event, decoding the payload column
// into its typed form. Compatible with both sql.Row and sql.Rows.
func scanEvent(row scanner) (*event.Event, error) {
	var evt event.Event
	var payloadJSON []byte

	err := row.Scan(
		&evt.Sequence,
		&evt.ID,
		&evt.AggregateType,
		&evt.AggregateID,
		&evt.Version,
		&evt.Type,
		&payloadJSON,
		&evt.OccurredAt,
		&evt.RecordedAt,
		&evt.ActorID,
		&evt.StationID,
		&evt.CorrelationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan event row: %w", err)
	}

	evt.Payload, err = event.UnmarshalPayload(evt.Type, payloadJSON)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", evt.ID, err)
	}

	evt.OccurredAt = evt.OccurredAt.UTC()
	evt.RecordedAt = evt.RecordedAt.UTC()

	return &evt, nil
}

// mapUniqueViolation translates SQLite unique constraint failures into the
// matching storage sentinel, or returns nil for everything else. The driver
// exposes no structured constraint name, so this matches on the column list
// in the message.
func mapUniqueViolation(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if !strings.Contains(msg, "UNIQUE constraint failed") {
		return nil
	}
	switch {
	case strings.Contains(msg, "events.id"):
		return storage.ErrDuplicateEvent
	case strings.Contains(msg, "events.aggregate_type"):
		return storage.ErrVersionConflict
	}
	return nil
}

// DB returns the underlying *sql.DB. Read model queries and the projection
// rebuilder share this connection rather than opening a second one.
func (a *Adapter) DB() *sql.DB {
	return a.db
}

// Close closes the database.
func (a *Adapter) Close() error {
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	slog.Info("[SQLite] Store closed gracefully")
	return nil
}
