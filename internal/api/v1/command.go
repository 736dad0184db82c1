package v1

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CommandRequest is the body of POST /v1/commands.
// It separates the envelope (context every command shares) from the typed
// command body, which is decoded according to Type.
type CommandRequest struct {
	// CommandID makes the submission idempotent: resubmitting with the same
	// id is acknowledged with already_applied=true instead of double-applying.
	// Optional; the server assigns one when absent.
	CommandID string `json:"command_id,omitempty"`

	// Type is the command tag, e.g. "sheet.cut" or "assembly.gather".
	Type string `json:"type"`

	// OccurredAt is when the fact happened on the floor (client-side clock,
	// which may lag submission on flaky shop networks). Optional; defaults
	// to the server clock.
	OccurredAt *time.Time `json:"occurred_at,omitempty"`

	// ActorID identifies the operator or process issuing the command.
	// This field is REQUIRED and has no default value.
	ActorID string `json:"actor_id"`

	// StationID names the workcenter the command was issued from. Required
	// for floor commands when station enforcement is on.
	StationID string `json:"station_id,omitempty"`

	// Command is the type-specific body.
	Command json.RawMessage `json:"command"`
}

// Validate ensures the request has all required envelope attributes.
func (r *CommandRequest) Validate() error {
	if r.Type == "" {
		return fmt.Errorf("type is required")
	}

	if r.ActorID == "" {
		return fmt.Errorf("actor_id is required")
	}

	if r.CommandID != "" {
		if _, err := uuid.Parse(r.CommandID); err != nil {
			return fmt.Errorf("command_id must be a UUID: %w", err)
		}
	}

	return nil
}

// CommandReceipt is the success body of POST /v1/commands. It describes the
// guarded stream after the command applied.
type CommandReceipt struct {
	CommandID     string `json:"command_id"`
	AggregateType string `json:"aggregate_type"`
	AggregateID   string `json:"aggregate_id"`
	Version       int64  `json:"version"`

	// AlreadyApplied is true when this command id had committed before; the
	// receipt then reports the stream's current position and Events is empty.
	AlreadyApplied bool `json:"already_applied"`

	// State is the post-transition snapshot of the guarded aggregate: one of
	// SheetState, CardState or AssemblyState.
	State interface{} `json:"state,omitempty"`

	Events []EventRecord `json:"events"`
}

// EventRecord describes one appended event in a receipt.
type EventRecord struct {
	ID            string `json:"id"`
	Sequence      int64  `json:"sequence"`
	AggregateType string `json:"aggregate_type"`
	AggregateID   string `json:"aggregate_id"`
	Version       int64  `json:"version"`
	Type          string `json:"type"`
}

// SheetState is the wire shape of a sheet snapshot.
type SheetState struct {
	SheetID    string `json:"sheet_id"`
	JobID      string `json:"job_id,omitempty"`
	Status     string `json:"status"`
	CardCount  int    `json:"card_count,omitempty"`
	AssemblyID string `json:"assembly_id,omitempty"`
}

// CardState is the wire shape of a card snapshot.
type CardState struct {
	CardID         string `json:"card_id"`
	SheetID        string `json:"sheet_id"`
	Position       int    `json:"position"`
	Generation     int    `json:"generation"`
	ReplacesCardID string `json:"replaces_card_id,omitempty"`
	Status         string `json:"status"`
	DefectCode     string `json:"defect_code,omitempty"`
	ReworkCount    int    `json:"rework_count,omitempty"`
}

// AssemblyState is the wire shape of an assembly snapshot.
type AssemblyState struct {
	AssemblyID       string     `json:"assembly_id"`
	SheetID          string     `json:"sheet_id"`
	Status           string     `json:"status"`
	ExpectedCount    int        `json:"expected_count"`
	GatheredCount    int        `json:"gathered_count"`
	MissingPositions []int      `json:"missing_positions,omitempty"`
	FirstGatheredAt  *time.Time `json:"first_gathered_at,omitempty"`
}
