package domain

import (
	"fmt"

	"github.com/foldline-works/foldline/internal/core/event"
	"github.com/foldline-works/foldline/internal/core/identity"
)

// Proposed is one event a transition wants appended. The store assigns
// Sequence and Version; the engine stamps the shared envelope fields.
type Proposed struct {
	AggregateType event.AggregateType
	AggregateID   string
	Type          event.Type
	Payload       event.Payload
}

// Decide runs the pure transition for a single-aggregate command: given the
// triggering aggregate's current state, it returns the events to append or a
// rejection. Identical inputs always yield identical proposals.
//
// assembly.gather is the one command Decide does not handle: the fan-in rule
// reads two aggregates and lives in the assembly package.
func Decide(st State, env Envelope, cmd Command, pol Policy) ([]Proposed, error) {
	switch c := cmd.(type) {
	case RegisterSheet:
		sheet, err := sheetState(st, cmd)
		if err != nil {
			return nil, err
		}
		return decideRegisterSheet(sheet, c)
	case StartSheet:
		sheet, err := sheetState(st, cmd)
		if err != nil {
			return nil, err
		}
		return decideStartSheet(sheet, c)
	case CutSheet:
		sheet, err := sheetState(st, cmd)
		if err != nil {
			return nil, err
		}
		return decideCutSheet(sheet, c, pol)
	case StartCard:
		card, err := cardState(st, cmd)
		if err != nil {
			return nil, err
		}
		return decideStartCard(card, c)
	case RecordQA:
		card, err := cardState(st, cmd)
		if err != nil {
			return nil, err
		}
		return decideRecordQA(card, c)
	case ReworkCard:
		card, err := cardState(st, cmd)
		if err != nil {
			return nil, err
		}
		return decideReworkCard(card, c, pol)
	case VoidCard:
		card, err := cardState(st, cmd)
		if err != nil {
			return nil, err
		}
		return decideVoidCard(card, c)
	case ReplaceCard:
		card, err := cardState(st, cmd)
		if err != nil {
			return nil, err
		}
		return decideReplaceCard(card, c)
	case PackCard:
		card, err := cardState(st, cmd)
		if err != nil {
			return nil, err
		}
		return decidePackCard(card, c)
	case FlagAssembly:
		asm, err := assemblyState(st, cmd)
		if err != nil {
			return nil, err
		}
		return decideFlagAssembly(asm, c)
	case TimeoutAssembly:
		asm, err := assemblyState(st, cmd)
		if err != nil {
			return nil, err
		}
		return decideTimeoutAssembly(asm, c, env, pol)
	default:
		return nil, fmt.Errorf("command %s is not a single-aggregate transition", cmd.CommandType())
	}
}

func decideRegisterSheet(sheet Sheet, c RegisterSheet) ([]Proposed, error) {
	if sheet.Exists() {
		return nil, fmt.Errorf("%w: sheet %s is already registered", ErrNotEligible, c.SheetID)
	}
	return []Proposed{{
		AggregateType: event.AggregateSheet,
		AggregateID:   c.SheetID,
		Type:          event.TypeSheetRegistered,
		Payload:       event.SheetRegistered{JobID: c.JobID},
	}}, nil
}

func decideStartSheet(sheet Sheet, c StartSheet) ([]Proposed, error) {
	if !sheet.Exists() {
		return nil, fmt.Errorf("%w: sheet %s is not registered", ErrNotEligible, c.SheetID)
	}
	if sheet.Status != SheetPending {
		return nil, fmt.Errorf("%w: sheet %s is %s, not %s", ErrNotEligible, c.SheetID, sheet.Status, SheetPending)
	}
	return []Proposed{{
		AggregateType: event.AggregateSheet,
		AggregateID:   c.SheetID,
		Type:          event.TypeSheetStarted,
		Payload:       event.SheetStarted{},
	}}, nil
}

// decideCutSheet is the fan-out: one sheet.cut, one card.created per
// position, and the assembly.opened that will gather them back, all in one
// proposal so the append is atomic.
func decideCutSheet(sheet Sheet, c CutSheet, pol Policy) ([]Proposed, error) {
	if !sheet.Exists() || sheet.Status != SheetInProcess {
		status := "unregistered"
		if sheet.Exists() {
			status = string(sheet.Status)
		}
		return nil, fmt.Errorf("%w: sheet %s is %s", ErrNotReadyForFanOut, c.SheetID, status)
	}
	if max := pol.EffectiveMaxFanOut(); c.CardCount < 1 || c.CardCount > max {
		return nil, fmt.Errorf("%w: card_count %d not in [1, %d]", identity.ErrInvalidPosition, c.CardCount, max)
	}

	assemblyID := identity.Assembly(c.SheetID)
	proposed := make([]Proposed, 0, c.CardCount+2)
	proposed = append(proposed, Proposed{
		AggregateType: event.AggregateSheet,
		AggregateID:   c.SheetID,
		Type:          event.TypeSheetCut,
		Payload:       event.SheetCut{CardCount: c.CardCount, AssemblyID: assemblyID},
	})
	for pos := 1; pos <= c.CardCount; pos++ {
		cardID, err := identity.Card(c.SheetID, pos, c.CardCount)
		if err != nil {
			return nil, err
		}
		proposed = append(proposed, Proposed{
			AggregateType: event.AggregateCard,
			AggregateID:   cardID,
			Type:          event.TypeCardCreated,
			Payload:       event.CardCreated{SheetID: c.SheetID, Position: pos},
		})
	}
	proposed = append(proposed, Proposed{
		AggregateType: event.AggregateAssembly,
		AggregateID:   assemblyID,
		Type:          event.TypeAssemblyOpened,
		Payload:       event.AssemblyOpened{SheetID: c.SheetID, ExpectedCount: c.CardCount},
	})
	return proposed, nil
}

func decideStartCard(card Card, c StartCard) ([]Proposed, error) {
	if !card.Exists() {
		return nil, fmt.Errorf("%w: card %s does not exist", ErrNotEligible, c.CardID)
	}
	if card.Status != CardCreated {
		return nil, fmt.Errorf("%w: card %s is %s, not %s", ErrNotEligible, c.CardID, card.Status, CardCreated)
	}
	return []Proposed{{
		AggregateType: event.AggregateCard,
		AggregateID:   c.CardID,
		Type:          event.TypeCardStarted,
		Payload:       event.CardStarted{},
	}}, nil
}

func decideRecordQA(card Card, c RecordQA) ([]Proposed, error) {
	if !card.Exists() {
		return nil, fmt.Errorf("%w: card %s does not exist", ErrNotEligible, c.CardID)
	}
	if card.Status != CardInProcess {
		return nil, fmt.Errorf("%w: card %s is %s, not %s", ErrNotEligible, c.CardID, card.Status, CardInProcess)
	}
	if c.Result == QAResultPass {
		return []Proposed{{
			AggregateType: event.AggregateCard,
			AggregateID:   c.CardID,
			Type:          event.TypeCardQAPassed,
			Payload:       event.CardQAPassed{},
		}}, nil
	}
	return []Proposed{{
		AggregateType: event.AggregateCard,
		AggregateID:   c.CardID,
		Type:          event.TypeCardQAFailed,
		Payload:       event.CardQAFailed{DefectCode: c.DefectCode},
	}}, nil
}

func decideReworkCard(card Card, c ReworkCard, pol Policy) ([]Proposed, error) {
	if !card.Exists() {
		return nil, fmt.Errorf("%w: card %s does not exist", ErrNotEligible, c.CardID)
	}
	if card.Status != CardQAFailed {
		return nil, fmt.Errorf("%w: card %s is %s, not %s", ErrNotEligible, c.CardID, card.Status, CardQAFailed)
	}
	if !pol.AllowRework && !c.Override {
		return nil, fmt.Errorf("%w: card %s", ErrRequiresManagerOverride, c.CardID)
	}
	return []Proposed{{
		AggregateType: event.AggregateCard,
		AggregateID:   c.CardID,
		Type:          event.TypeCardReworkStarted,
		Payload:       event.CardReworkStarted{Override: c.Override && !pol.AllowRework},
	}}, nil
}

func decideVoidCard(card Card, c VoidCard) ([]Proposed, error) {
	if !card.Exists() {
		return nil, fmt.Errorf("%w: card %s does not exist", ErrNotEligible, c.CardID)
	}
	if card.Status != CardQAFailed {
		return nil, fmt.Errorf("%w: only a %s card can be voided, card %s is %s", ErrNotEligible, CardQAFailed, c.CardID, card.Status)
	}
	return []Proposed{{
		AggregateType: event.AggregateCard,
		AggregateID:   c.CardID,
		Type:          event.TypeCardVoided,
		Payload:       event.CardVoided{Reason: c.Reason},
	}}, nil
}

// decideReplaceCard receives the state of the card being replaced and
// proposes the genesis event of its next generation. The identifier chain
// carries the lineage, so the new stream needs no back-reference beyond
// ReplacesCardID.
func decideReplaceCard(original Card, c ReplaceCard) ([]Proposed, error) {
	if !original.Exists() {
		return nil, fmt.Errorf("%w: card %s does not exist", ErrNotEligible, c.CardID)
	}
	if original.Status != CardVoided {
		return nil, fmt.Errorf("%w: only a %s card can be replaced, card %s is %s", ErrNotEligible, CardVoided, c.CardID, original.Status)
	}
	replacementID, err := identity.Replacement(c.CardID, original.Generation+1)
	if err != nil {
		return nil, err
	}
	return []Proposed{{
		AggregateType: event.AggregateCard,
		AggregateID:   replacementID,
		Type:          event.TypeCardCreated,
		Payload: event.CardCreated{
			SheetID:        original.SheetID,
			Position:       original.Position,
			Generation:     original.Generation + 1,
			ReplacesCardID: c.CardID,
		},
	}}, nil
}

func decidePackCard(card Card, c PackCard) ([]Proposed, error) {
	if !card.Exists() {
		return nil, fmt.Errorf("%w: card %s does not exist", ErrNotEligible, c.CardID)
	}
	if card.Status != CardAssembled {
		return nil, fmt.Errorf("%w: card %s is %s, not %s", ErrNotEligible, c.CardID, card.Status, CardAssembled)
	}
	return []Proposed{{
		AggregateType: event.AggregateCard,
		AggregateID:   c.CardID,
		Type:          event.TypeCardPacked,
		Payload:       event.CardPacked{},
	}}, nil
}

func decideFlagAssembly(asm Assembly, c FlagAssembly) ([]Proposed, error) {
	if !asm.Exists() {
		return nil, fmt.Errorf("%w: assembly %s does not exist", ErrNotEligible, c.AssemblyID)
	}
	if asm.Status != AssemblyPending && asm.Status != AssemblyInProgress {
		return nil, fmt.Errorf("%w: assembly %s is already %s", ErrNotEligible, c.AssemblyID, asm.Status)
	}
	return []Proposed{{
		AggregateType: event.AggregateAssembly,
		AggregateID:   c.AssemblyID,
		Type:          event.TypeAssemblyFlagged,
		Payload:       event.AssemblyFlagged{Reason: c.Reason, MissingPositions: asm.MissingPositions()},
	}}, nil
}

// decideTimeoutAssembly measures the gather window from the assembly's own
// timeline: first gather to the command's occurred-at. The watchdog's clock
// only chooses when to ask; the stream decides whether the window elapsed.
func decideTimeoutAssembly(asm Assembly, c TimeoutAssembly, env Envelope, pol Policy) ([]Proposed, error) {
	if !asm.Exists() {
		return nil, fmt.Errorf("%w: assembly %s does not exist", ErrNotEligible, c.AssemblyID)
	}
	if asm.Status != AssemblyInProgress {
		return nil, fmt.Errorf("%w: assembly %s is %s, not %s", ErrNotEligible, asm.ID, asm.Status, AssemblyInProgress)
	}
	if pol.GatherTimeout <= 0 {
		return nil, fmt.Errorf("%w: gather timeout is disabled", ErrNotEligible)
	}
	elapsed := env.OccurredAt.Sub(asm.FirstGatheredAt)
	if elapsed < pol.GatherTimeout {
		return nil, fmt.Errorf("%w: assembly %s gather window has not elapsed (%s of %s)", ErrNotEligible, asm.ID, elapsed, pol.GatherTimeout)
	}
	return []Proposed{{
		AggregateType: event.AggregateAssembly,
		AggregateID:   asm.ID,
		Type:          event.TypeAssemblyTimedOut,
		Payload:       event.AssemblyTimedOut{Elapsed: elapsed, MissingPositions: asm.MissingPositions()},
	}}, nil
}

func sheetState(st State, cmd Command) (Sheet, error) {
	sheet, ok := st.(Sheet)
	if !ok {
		return Sheet{}, fmt.Errorf("%s expects a sheet stream, got %s", cmd.CommandType(), st.Kind())
	}
	return sheet, nil
}

func cardState(st State, cmd Command) (Card, error) {
	card, ok := st.(Card)
	if !ok {
		return Card{}, fmt.Errorf("%s expects a card stream, got %s", cmd.CommandType(), st.Kind())
	}
	return card, nil
}

func assemblyState(st State, cmd Command) (Assembly, error) {
	asm, ok := st.(Assembly)
	if !ok {
		return Assembly{}, fmt.Errorf("%s expects an assembly stream, got %s", cmd.CommandType(), st.Kind())
	}
	return asm, nil
}
