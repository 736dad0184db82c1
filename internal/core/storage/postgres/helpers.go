package postgres

import (
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/foldline-works/foldline/internal/core/event"
	"github.com/foldline-works/foldline/internal/core/storage"
)

const (
	pqUniqueViolation = "23505"

	// Constraint names assigned by the migrations. Mapping by name is what
	// lets the adapter tell a replayed command from a concurrent writer when
	// an insert trips a unique index.
	constraintEventID       = "events_id_key"
	constraintStreamVersion = "events_stream_version_key"
)

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanEvent scans a database row into an Event, decoding the payload column
// into its typed form. Compatible with both sql.Row (single) and sql.Rows
// (multiple). Timestamps are normalized to UTC so callers never see the
// session time zone.
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

// mapUniqueViolation translates a unique constraint violation into the
// matching storage sentinel, or returns nil for everything else.
func mapUniqueViolation(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != pqUniqueViolation {
		return nil
	}
	switch pqErr.Constraint {
	case constraintEventID:
		return storage.ErrDuplicateEvent
	case constraintStreamVersion:
		return storage.ErrVersionConflict
	}
	return nil
}
