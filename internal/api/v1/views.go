package v1

import (
	"time"

	"github.com/shopspring/decimal"
)

// CardView is the wire shape of one card_status row.
type CardView struct {
	CardID         string    `json:"card_id"`
	SheetID        string    `json:"sheet_id"`
	Position       int       `json:"position"`
	Generation     int       `json:"generation"`
	ReplacesCardID string    `json:"replaces_card_id,omitempty"`
	Status         string    `json:"status"`
	DefectCode     string    `json:"defect_code,omitempty"`
	VoidReason     string    `json:"void_reason,omitempty"`
	AssemblyID     string    `json:"assembly_id,omitempty"`
	ReworkCount    int       `json:"rework_count"`
	LastEventAt    time.Time `json:"last_event_at"`
	LastSeq        int64     `json:"last_seq"`
}

// SheetView is the wire shape of one sheet_summary row.
type SheetView struct {
	SheetID        string          `json:"sheet_id"`
	JobID          string          `json:"job_id,omitempty"`
	Status         string          `json:"status"`
	CardCount      int             `json:"card_count"`
	CardsCreated   int             `json:"cards_created"`
	CardsInProcess int             `json:"cards_in_process"`
	CardsQAPassed  int             `json:"cards_qa_passed"`
	CardsQAFailed  int             `json:"cards_qa_failed"`
	CardsVoided    int             `json:"cards_voided"`
	CardsAssembled int             `json:"cards_assembled"`
	CardsPacked    int             `json:"cards_packed"`
	YieldPercent   decimal.Decimal `json:"yield_percent"`
	LastEventAt    time.Time       `json:"last_event_at"`
	LastSeq        int64           `json:"last_seq"`
}

// AssemblyView is the wire shape of one assembly_progress row. Timestamps
// that have not happened yet are omitted.
type AssemblyView struct {
	AssemblyID        string          `json:"assembly_id"`
	SheetID           string          `json:"sheet_id"`
	Status            string          `json:"status"`
	ExpectedCount     int             `json:"expected_count"`
	GatheredCount     int             `json:"gathered_count"`
	GatheredPositions []int           `json:"gathered_positions,omitempty"`
	MissingPositions  []int           `json:"missing_positions,omitempty"`
	ProgressPercent   decimal.Decimal `json:"progress_percent"`
	FirstGatheredAt   *time.Time      `json:"first_gathered_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	ErroredAt         *time.Time      `json:"errored_at,omitempty"`
	ErrorReason       string          `json:"error_reason,omitempty"`
	LastEventAt       time.Time       `json:"last_event_at"`
	LastSeq           int64           `json:"last_seq"`
}

// StationView is the wire shape of one station_load row.
type StationView struct {
	StationID     string    `json:"station_id"`
	EventsTotal   int64     `json:"events_total"`
	SheetsCut     int64     `json:"sheets_cut"`
	QAPassed      int64     `json:"qa_passed"`
	QAFailed      int64     `json:"qa_failed"`
	CardsGathered int64     `json:"cards_gathered"`
	CardsPacked   int64     `json:"cards_packed"`
	LastSeenAt    time.Time `json:"last_seen_at"`
	LastSeq       int64     `json:"last_seq"`
}

// OffsetView is the wire shape of one projection_offsets row.
type OffsetView struct {
	Projection          string    `json:"projection"`
	LastAppliedSequence int64     `json:"last_applied_sequence"`
	UpdatedAt           time.Time `json:"updated_at"`
}
