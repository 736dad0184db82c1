// Package domain holds the pure center of foldline: aggregate state folds,
// the command vocabulary, and the transitions that turn (state, command)
// into proposed events. Nothing here touches a clock, a database, or any
// other effect; the engine owns all of that.
package domain

import (
	"fmt"
	"time"

	"github.com/foldline-works/foldline/internal/core/event"
)

// State is the in-memory fold of one aggregate's event stream. Implementations
// use value receivers and return the advanced copy, so a caller's state is
// never mutated under it. The zero value of each implementation represents an
// aggregate that does not exist yet.
type State interface {
	Kind() event.AggregateType
	Exists() bool
	Apply(evt *event.Event) (State, error)
}

// NewState returns the empty state for an aggregate family.
func NewState(t event.AggregateType) (State, error) {
	switch t {
	case event.AggregateSheet:
		return Sheet{}, nil
	case event.AggregateCard:
		return Card{}, nil
	case event.AggregateAssembly:
		return Assembly{}, nil
	default:
		return nil, fmt.Errorf("unknown aggregate type %q", t)
	}
}

// Replay folds events onto st in order.
func Replay(st State, events []*event.Event) (State, error) {
	for _, evt := range events {
		next, err := st.Apply(evt)
		if err != nil {
			return nil, err
		}
		st = next
	}
	return st, nil
}

// SheetStatus is the lifecycle position of a sheet.
type SheetStatus string

const (
	SheetPending   SheetStatus = "PENDING"
	SheetInProcess SheetStatus = "IN_PROCESS"
	SheetCutDone   SheetStatus = "CUT"
)

// Sheet is the folded state of one raw sheet. Cutting is its terminal state:
// after that the sheet only exists as the lineage root of its cards.
type Sheet struct {
	ID         string
	JobID      string
	Status     SheetStatus
	CardCount  int
	AssemblyID string
}

func (s Sheet) Kind() event.AggregateType { return event.AggregateSheet }

func (s Sheet) Exists() bool { return s.Status != "" }

func (s Sheet) Apply(evt *event.Event) (State, error) {
	switch p := evt.Payload.(type) {
	case event.SheetRegistered:
		s.ID = evt.AggregateID
		s.JobID = p.JobID
		s.Status = SheetPending
	case event.SheetStarted:
		s.Status = SheetInProcess
	case event.SheetCut:
		s.Status = SheetCutDone
		s.CardCount = p.CardCount
		s.AssemblyID = p.AssemblyID
	default:
		return nil, fmt.Errorf("event %s does not apply to sheet %s", evt.Type, evt.AggregateID)
	}
	return s, nil
}

// CardStatus is the lifecycle position of a card.
type CardStatus string

const (
	CardCreated   CardStatus = "CREATED"
	CardInProcess CardStatus = "IN_PROCESS"
	CardQAPassed  CardStatus = "QA_PASSED"
	CardQAFailed  CardStatus = "QA_FAILED"
	CardVoided    CardStatus = "VOIDED"
	CardAssembled CardStatus = "ASSEMBLED"
	CardPacked    CardStatus = "PACKED"
)

// Card is the folded state of one card. Position and Generation come from
// its creation event and never change; everything else follows the QA and
// assembly lifecycle.
type Card struct {
	ID             string
	SheetID        string
	Position       int
	Generation     int
	ReplacesCardID string
	Status         CardStatus
	DefectCode     string
	ReworkCount    int
}

func (c Card) Kind() event.AggregateType { return event.AggregateCard }

func (c Card) Exists() bool { return c.Status != "" }

func (c Card) Apply(evt *event.Event) (State, error) {
	switch p := evt.Payload.(type) {
	case event.CardCreated:
		c.ID = evt.AggregateID
		c.SheetID = p.SheetID
		c.Position = p.Position
		c.Generation = p.Generation
		c.ReplacesCardID = p.ReplacesCardID
		c.Status = CardCreated
	case event.CardStarted:
		c.Status = CardInProcess
	case event.CardQAPassed:
		c.Status = CardQAPassed
		c.DefectCode = ""
	case event.CardQAFailed:
		c.Status = CardQAFailed
		c.DefectCode = p.DefectCode
	case event.CardReworkStarted:
		c.Status = CardInProcess
		c.ReworkCount++
	case event.CardVoided:
		c.Status = CardVoided
	case event.CardAssembled:
		c.Status = CardAssembled
	case event.CardPacked:
		c.Status = CardPacked
	default:
		return nil, fmt.Errorf("event %s does not apply to card %s", evt.Type, evt.AggregateID)
	}
	return c, nil
}

// AssemblyStatus is the lifecycle position of an assembly.
type AssemblyStatus string

const (
	AssemblyPending    AssemblyStatus = "PENDING"
	AssemblyInProgress AssemblyStatus = "IN_PROGRESS"
	AssemblyComplete   AssemblyStatus = "COMPLETE"
	AssemblyError      AssemblyStatus = "ERROR"
)

// Assembly is the folded state of one fan-in. Gathered maps each filled
// position to the card that filled it; FirstGatheredAt anchors the gather
// timeout window and comes from the first gather event, never from a clock.
type Assembly struct {
	ID              string
	SheetID         string
	ExpectedCount   int
	Gathered        map[int]string
	Status          AssemblyStatus
	FirstGatheredAt time.Time
}

func (a Assembly) Kind() event.AggregateType { return event.AggregateAssembly }

func (a Assembly) Exists() bool { return a.Status != "" }

func (a Assembly) Apply(evt *event.Event) (State, error) {
	switch p := evt.Payload.(type) {
	case event.AssemblyOpened:
		a.ID = evt.AggregateID
		a.SheetID = p.SheetID
		a.ExpectedCount = p.ExpectedCount
		a.Status = AssemblyPending
	case event.AssemblyChildGathered:
		gathered := make(map[int]string, len(a.Gathered)+1)
		for pos, cardID := range a.Gathered {
			gathered[pos] = cardID
		}
		gathered[p.Position] = p.CardID
		a.Gathered = gathered
		if a.Status == AssemblyPending {
			a.Status = AssemblyInProgress
			a.FirstGatheredAt = evt.OccurredAt
		}
	case event.AssemblyCompleted:
		a.Status = AssemblyComplete
	case event.AssemblyFlagged:
		a.Status = AssemblyError
	case event.AssemblyTimedOut:
		a.Status = AssemblyError
	default:
		return nil, fmt.Errorf("event %s does not apply to assembly %s", evt.Type, evt.AggregateID)
	}
	return a, nil
}

// GatheredCount returns how many positions are filled.
func (a Assembly) GatheredCount() int { return len(a.Gathered) }

// MissingPositions returns the expected positions not yet gathered, in
// ascending order.
func (a Assembly) MissingPositions() []int {
	var missing []int
	for pos := 1; pos <= a.ExpectedCount; pos++ {
		if _, ok := a.Gathered[pos]; !ok {
			missing = append(missing, pos)
		}
	}
	return missing
}
