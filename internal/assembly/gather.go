// Package assembly owns the fan-in side of the floor: the gather rule that
// joins cards back into their assembly, and the watchdog that closes
// assemblies whose gather window has elapsed.
package assembly

import (
	"fmt"

	"github.com/foldline-works/foldline/internal/core/domain"
	"github.com/foldline-works/foldline/internal/core/event"
)

// Gather is the fan-in transition. It reads two aggregates, the assembly and
// the candidate card, and proposes the events of one gather: the assembly
// records the arrival, the card records being consumed, and when the last
// position fills the assembly completes. Like every transition it is pure;
// the engine guards the append on the assembly's version.
//
// Checks run in a fixed order so a command failing several rules always
// reports the same rejection: assembly liveness, card existence, lineage,
// position, duplicate, card readiness.
func Gather(asm domain.Assembly, card domain.Card, cmd domain.GatherCard) ([]domain.Proposed, error) {
	if !asm.Exists() {
		return nil, fmt.Errorf("%w: assembly %s does not exist", domain.ErrNotEligible, cmd.AssemblyID)
	}
	if asm.Status != domain.AssemblyPending && asm.Status != domain.AssemblyInProgress {
		return nil, fmt.Errorf("%w: assembly %s is already %s", domain.ErrNotEligible, cmd.AssemblyID, asm.Status)
	}
	if !card.Exists() {
		return nil, fmt.Errorf("%w: card %s does not exist", domain.ErrNotEligible, cmd.CardID)
	}
	if card.SheetID != asm.SheetID {
		return nil, fmt.Errorf("%w: card %s was cut from sheet %s, assembly %s gathers sheet %s",
			domain.ErrWrongParent, card.ID, card.SheetID, asm.ID, asm.SheetID)
	}
	if card.Position < 1 || card.Position > asm.ExpectedCount {
		return nil, fmt.Errorf("%w: position %d is outside assembly %s's expected set of %d",
			domain.ErrWrongParent, card.Position, asm.ID, asm.ExpectedCount)
	}
	if gatheredID, filled := asm.Gathered[card.Position]; filled {
		return nil, fmt.Errorf("%w: position %d of assembly %s is already filled by card %s",
			domain.ErrDuplicateGather, card.Position, asm.ID, gatheredID)
	}
	if card.Status != domain.CardQAPassed {
		return nil, fmt.Errorf("%w: card %s is %s, only %s cards can be gathered",
			domain.ErrNotEligible, card.ID, card.Status, domain.CardQAPassed)
	}

	proposed := []domain.Proposed{
		{
			AggregateType: event.AggregateAssembly,
			AggregateID:   asm.ID,
			Type:          event.TypeAssemblyChildGathered,
			Payload:       event.AssemblyChildGathered{CardID: card.ID, Position: card.Position},
		},
		{
			AggregateType: event.AggregateCard,
			AggregateID:   card.ID,
			Type:          event.TypeCardAssembled,
			Payload:       event.CardAssembled{AssemblyID: asm.ID, Position: card.Position},
		},
	}
	if asm.GatheredCount()+1 == asm.ExpectedCount {
		proposed = append(proposed, domain.Proposed{
			AggregateType: event.AggregateAssembly,
			AggregateID:   asm.ID,
			Type:          event.TypeAssemblyCompleted,
			Payload:       event.AssemblyCompleted{GatheredCount: asm.ExpectedCount},
		})
	}
	return proposed, nil
}
