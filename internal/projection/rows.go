// Package projection holds the read-model side of foldline: the row shapes
// of the four views, the pure reducers that fold events into them, the query
// service the HTTP facade reads from, and the rebuilder that re-derives any
// view from the log. Reducers are deterministic left-folds; rebuilding a view
// from sequence zero reproduces it byte for byte.
package projection

import (
	"time"

	"github.com/shopspring/decimal"
)

// Projection names as stored in projection_offsets and addressed by the
// replay endpoints.
const (
	NameCardStatus       = "card_status"
	NameSheetSummary     = "sheet_summary"
	NameAssemblyProgress = "assembly_progress"
	NameStationLoad      = "station_load"
)

// Names returns every projection, in a fixed order.
func Names() []string {
	return []string{NameCardStatus, NameSheetSummary, NameAssemblyProgress, NameStationLoad}
}

// Known reports whether name is one of the projections.
func Known(name string) bool {
	for _, n := range Names() {
		if n == name {
			return true
		}
	}
	return false
}

// CardStatusRow is one row of the card_status view: the current lifecycle
// position and lineage of a single card.
type CardStatusRow struct {
	CardID         string
	SheetID        string
	Position       int
	Generation     int
	ReplacesCardID string
	Status         string
	DefectCode     string
	VoidReason     string
	AssemblyID     string
	ReworkCount    int
	LastEventAt    time.Time
	LastSeq        int64
}

// SheetSummaryRow is one row of the sheet_summary view: the sheet's own
// status plus a tally of its cards by lifecycle bucket. Replacement cards
// count toward their original sheet, so the tallies can exceed the planned
// card count when cards were scrapped and reissued.
type SheetSummaryRow struct {
	SheetID        string
	JobID          string
	Status         string
	CardCount      int
	CardsCreated   int
	CardsInProcess int
	CardsQAPassed  int
	CardsQAFailed  int
	CardsVoided    int
	CardsAssembled int
	CardsPacked    int

	// YieldPercent is the share of this sheet's cards, replacements
	// included, that have not been voided. Two decimal places.
	YieldPercent decimal.Decimal

	LastEventAt time.Time
	LastSeq     int64
}

// AssemblyProgressRow is one row of the assembly_progress view. Zero time
// fields mean "not yet"; the store maps them to NULL columns.
type AssemblyProgressRow struct {
	AssemblyID        string
	SheetID           string
	Status            string
	ExpectedCount     int
	GatheredCount     int
	GatheredPositions []int
	MissingPositions  []int
	ProgressPercent   decimal.Decimal
	FirstGatheredAt   time.Time
	CompletedAt       time.Time
	ErroredAt         time.Time
	ErrorReason       string
	LastEventAt       time.Time
	LastSeq           int64
}

// StationLoadRow is one row of the station_load view: throughput counters
// for one station, fed by every event that names it.
type StationLoadRow struct {
	StationID     string
	EventsTotal   int64
	SheetsCut     int64
	QAPassed      int64
	QAFailed      int64
	CardsGathered int64
	CardsPacked   int64
	LastSeenAt    time.Time
	LastSeq       int64
}

// Offset is one row of projection_offsets: how far a view has folded the
// log. UpdatedAt is the recorded-at of the last applied event, not the wall
// clock, so rebuilt offsets match the originals exactly.
type Offset struct {
	Projection          string
	LastAppliedSequence int64
	UpdatedAt           time.Time
}
