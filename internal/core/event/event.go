// Package event defines the closed vocabulary of facts recorded in the
// foldline event log: the envelope every record shares, the aggregate
// families, the event type tags and their typed payloads, and the codec
// between the two. Adding an event type means touching this package and
// nothing else decides what a type "means" on the wire.
package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AggregateType names one of the three aggregate families. Every event
// stream belongs to exactly one family.
type AggregateType string

const (
	AggregateSheet    AggregateType = "sheet"
	AggregateCard     AggregateType = "card"
	AggregateAssembly AggregateType = "assembly"
)

// Valid reports whether a is one of the known aggregate families.
func (a AggregateType) Valid() bool {
	switch a {
	case AggregateSheet, AggregateCard, AggregateAssembly:
		return true
	}
	return false
}

// Type tags one kind of domain fact. Tags are dot-separated, with the
// aggregate family as the first segment.
type Type string

const (
	TypeSheetRegistered Type = "sheet.registered"
	TypeSheetStarted    Type = "sheet.started"
	TypeSheetCut        Type = "sheet.cut"

	TypeCardCreated       Type = "card.created"
	TypeCardStarted       Type = "card.started"
	TypeCardQAPassed      Type = "card.qa_passed"
	TypeCardQAFailed      Type = "card.qa_failed"
	TypeCardReworkStarted Type = "card.rework_started"
	TypeCardVoided        Type = "card.voided"
	TypeCardAssembled     Type = "card.assembled"
	TypeCardPacked        Type = "card.packed"

	TypeAssemblyOpened        Type = "assembly.opened"
	TypeAssemblyChildGathered Type = "assembly.child_gathered"
	TypeAssemblyCompleted     Type = "assembly.completed"
	TypeAssemblyFlagged       Type = "assembly.flagged"
	TypeAssemblyTimedOut      Type = "assembly.timed_out"
)

// Family returns the aggregate family segment of the type tag, e.g.
// "card" for "card.qa_passed".
func (t Type) Family() string {
	s := string(t)
	if idx := strings.IndexByte(s, '.'); idx > 0 {
		return s[:idx]
	}
	return s
}

// Event is one record of the append-only log. Sequence and Version are
// assigned by the store on append; everything else is fixed by the command
// that produced the event.
type Event struct {
	// Sequence is the global position in the log, strictly increasing from 1.
	Sequence int64 `json:"sequence"`

	// ID is globally unique and deterministic per command: retrying a
	// command reproduces the same ids, which is how duplicates surface.
	ID uuid.UUID `json:"id"`

	AggregateType AggregateType `json:"aggregate_type"`
	AggregateID   string        `json:"aggregate_id"`

	// Version is the gap-free position within the aggregate's own stream,
	// starting at 1.
	Version int64 `json:"version"`

	Type    Type    `json:"type"`
	Payload Payload `json:"payload"`

	// OccurredAt is when the fact happened on the floor; RecordedAt is when
	// the log accepted it. Replays and projections order by Sequence and
	// read time only from these two fields, never from the wall clock.
	OccurredAt time.Time `json:"occurred_at"`
	RecordedAt time.Time `json:"recorded_at"`

	ActorID   string `json:"actor_id,omitempty"`
	StationID string `json:"station_id,omitempty"`

	// CorrelationID is the id of the command that produced this event.
	// All events of one command share it.
	CorrelationID uuid.UUID `json:"correlation_id"`
}

// Validate checks the envelope invariants that hold before the store assigns
// Sequence and Version.
func (e *Event) Validate() error {
	if e.ID == uuid.Nil {
		return fmt.Errorf("event id is required")
	}
	if !e.AggregateType.Valid() {
		return fmt.Errorf("unknown aggregate type %q", e.AggregateType)
	}
	if strings.TrimSpace(e.AggregateID) == "" {
		return fmt.Errorf("aggregate id is required")
	}
	if e.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if e.Type.Family() != string(e.AggregateType) {
		return fmt.Errorf("event type %q does not belong to aggregate family %q", e.Type, e.AggregateType)
	}
	if e.Payload == nil {
		return fmt.Errorf("event payload is required")
	}
	if e.Payload.EventType() != e.Type {
		return fmt.Errorf("payload is %q but event type is %q", e.Payload.EventType(), e.Type)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("occurred_at is required")
	}
	if e.CorrelationID == uuid.Nil {
		return fmt.Errorf("correlation id is required")
	}
	return nil
}
