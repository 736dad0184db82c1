package projection

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/foldline-works/foldline/internal/core/domain"
	"github.com/foldline-works/foldline/internal/core/event"
	"github.com/foldline-works/foldline/internal/core/identity"
)

var hundred = decimal.NewFromInt(100)

// CardStatusKey returns the card_status row an event lands in, or false when
// the event is not about a card.
func CardStatusKey(evt *event.Event) (string, bool) {
	if evt.AggregateType != event.AggregateCard {
		return "", false
	}
	return evt.AggregateID, true
}

// ApplyCardStatus folds one card event into its row.
func ApplyCardStatus(row CardStatusRow, evt *event.Event) CardStatusRow {
	switch p := evt.Payload.(type) {
	case event.CardCreated:
		row.CardID = evt.AggregateID
		row.SheetID = p.SheetID
		row.Position = p.Position
		row.Generation = p.Generation
		row.ReplacesCardID = p.ReplacesCardID
		row.Status = string(domain.CardCreated)
	case event.CardStarted:
		row.Status = string(domain.CardInProcess)
	case event.CardQAPassed:
		row.Status = string(domain.CardQAPassed)
		row.DefectCode = ""
	case event.CardQAFailed:
		row.Status = string(domain.CardQAFailed)
		row.DefectCode = p.DefectCode
	case event.CardReworkStarted:
		row.Status = string(domain.CardInProcess)
		row.ReworkCount++
	case event.CardVoided:
		row.Status = string(domain.CardVoided)
		row.VoidReason = p.Reason
	case event.CardAssembled:
		row.Status = string(domain.CardAssembled)
		row.AssemblyID = p.AssemblyID
	case event.CardPacked:
		row.Status = string(domain.CardPacked)
	}
	row.LastEventAt = evt.OccurredAt
	row.LastSeq = evt.Sequence
	return row
}

// SheetSummaryKey returns the sheet_summary row an event lands in. Card
// events roll up to their sheet: creation events carry it in the payload,
// later ones encode it in the card id.
func SheetSummaryKey(evt *event.Event) (string, bool) {
	switch evt.AggregateType {
	case event.AggregateSheet:
		return evt.AggregateID, true
	case event.AggregateCard:
		if p, ok := evt.Payload.(event.CardCreated); ok {
			return p.SheetID, true
		}
		sheetID, _, _, err := identity.SplitCard(evt.AggregateID)
		if err != nil {
			return "", false
		}
		return sheetID, true
	default:
		return "", false
	}
}

// ApplySheetSummary folds one event into the sheet's tally row. Each card
// event implies exactly one bucket transition, so the tallies need no per
// card lookup: card.started always moves CREATED to IN_PROCESS, rework
// always moves QA_FAILED back to IN_PROCESS, and so on.
func ApplySheetSummary(row SheetSummaryRow, evt *event.Event) SheetSummaryRow {
	switch p := evt.Payload.(type) {
	case event.SheetRegistered:
		row.SheetID = evt.AggregateID
		row.JobID = p.JobID
		row.Status = string(domain.SheetPending)
	case event.SheetStarted:
		row.Status = string(domain.SheetInProcess)
	case event.SheetCut:
		row.Status = string(domain.SheetCutDone)
		row.CardCount = p.CardCount
	case event.CardCreated:
		row.SheetID = p.SheetID
		row.CardsCreated++
	case event.CardStarted:
		row.CardsCreated--
		row.CardsInProcess++
	case event.CardQAPassed:
		row.CardsInProcess--
		row.CardsQAPassed++
	case event.CardQAFailed:
		row.CardsInProcess--
		row.CardsQAFailed++
	case event.CardReworkStarted:
		row.CardsQAFailed--
		row.CardsInProcess++
	case event.CardVoided:
		row.CardsQAFailed--
		row.CardsVoided++
	case event.CardAssembled:
		row.CardsQAPassed--
		row.CardsAssembled++
	case event.CardPacked:
		row.CardsAssembled--
		row.CardsPacked++
	}
	row.YieldPercent = yieldPercent(row)
	row.LastEventAt = evt.OccurredAt
	row.LastSeq = evt.Sequence
	return row
}

func yieldPercent(row SheetSummaryRow) decimal.Decimal {
	total := row.CardsCreated + row.CardsInProcess + row.CardsQAPassed + row.CardsQAFailed +
		row.CardsVoided + row.CardsAssembled + row.CardsPacked
	if total == 0 {
		return hundred
	}
	live := decimal.NewFromInt(int64(total - row.CardsVoided))
	return live.Mul(hundred).DivRound(decimal.NewFromInt(int64(total)), 2)
}

// AssemblyProgressKey returns the assembly_progress row an event lands in.
func AssemblyProgressKey(evt *event.Event) (string, bool) {
	if evt.AggregateType != event.AggregateAssembly {
		return "", false
	}
	return evt.AggregateID, true
}

// ApplyAssemblyProgress folds one assembly event into its row.
func ApplyAssemblyProgress(row AssemblyProgressRow, evt *event.Event) AssemblyProgressRow {
	switch p := evt.Payload.(type) {
	case event.AssemblyOpened:
		row.AssemblyID = evt.AggregateID
		row.SheetID = p.SheetID
		row.Status = string(domain.AssemblyPending)
		row.ExpectedCount = p.ExpectedCount
		row.GatheredPositions = nil
		row.MissingPositions = allPositions(p.ExpectedCount)
		row.ProgressPercent = decimal.Zero
	case event.AssemblyChildGathered:
		row.GatheredPositions = insertPosition(row.GatheredPositions, p.Position)
		row.GatheredCount = len(row.GatheredPositions)
		row.MissingPositions = missingPositions(row.ExpectedCount, row.GatheredPositions)
		row.ProgressPercent = progressPercent(row.GatheredCount, row.ExpectedCount)
		if row.Status == string(domain.AssemblyPending) {
			row.Status = string(domain.AssemblyInProgress)
			row.FirstGatheredAt = evt.OccurredAt
		}
	case event.AssemblyCompleted:
		row.Status = string(domain.AssemblyComplete)
		row.CompletedAt = evt.OccurredAt
	case event.AssemblyFlagged:
		row.Status = string(domain.AssemblyError)
		row.ErroredAt = evt.OccurredAt
		row.ErrorReason = p.Reason
	case event.AssemblyTimedOut:
		row.Status = string(domain.AssemblyError)
		row.ErroredAt = evt.OccurredAt
		row.ErrorReason = "gather_timeout"
	}
	row.LastEventAt = evt.OccurredAt
	row.LastSeq = evt.Sequence
	return row
}

func progressPercent(gathered, expected int) decimal.Decimal {
	if expected == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(gathered)).Mul(hundred).DivRound(decimal.NewFromInt(int64(expected)), 2)
}

func allPositions(count int) []int {
	positions := make([]int, 0, count)
	for pos := 1; pos <= count; pos++ {
		positions = append(positions, pos)
	}
	return positions
}

func insertPosition(positions []int, pos int) []int {
	for _, existing := range positions {
		if existing == pos {
			return positions
		}
	}
	next := make([]int, 0, len(positions)+1)
	next = append(next, positions...)
	next = append(next, pos)
	sort.Ints(next)
	return next
}

func missingPositions(expected int, gathered []int) []int {
	filled := make(map[int]bool, len(gathered))
	for _, pos := range gathered {
		filled[pos] = true
	}
	var missing []int
	for pos := 1; pos <= expected; pos++ {
		if !filled[pos] {
			missing = append(missing, pos)
		}
	}
	return missing
}

// StationLoadKey returns the station_load row an event lands in, or false
// for events that name no station.
func StationLoadKey(evt *event.Event) (string, bool) {
	if evt.StationID == "" {
		return "", false
	}
	return evt.StationID, true
}

// ApplyStationLoad folds one event into its station's counters.
func ApplyStationLoad(row StationLoadRow, evt *event.Event) StationLoadRow {
	row.StationID = evt.StationID
	row.EventsTotal++
	switch evt.Type {
	case event.TypeSheetCut:
		row.SheetsCut++
	case event.TypeCardQAPassed:
		row.QAPassed++
	case event.TypeCardQAFailed:
		row.QAFailed++
	case event.TypeAssemblyChildGathered:
		row.CardsGathered++
	case event.TypeCardPacked:
		row.CardsPacked++
	}
	row.LastSeenAt = evt.OccurredAt
	row.LastSeq = evt.Sequence
	return row
}
