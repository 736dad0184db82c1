package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foldline-works/foldline/internal/core/event"
)

func evt(at event.AggregateType, id string, p event.Payload, occurredAt time.Time) *event.Event {
	return &event.Event{
		ID:            uuid.New(),
		AggregateType: at,
		AggregateID:   id,
		Type:          p.EventType(),
		Payload:       p,
		OccurredAt:    occurredAt,
		RecordedAt:    occurredAt,
		CorrelationID: uuid.New(),
	}
}

func TestSheetApply_Lifecycle(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	st, err := Replay(Sheet{}, []*event.Event{
		evt(event.AggregateSheet, "J1044-S003", event.SheetRegistered{JobID: "J1044"}, now),
		evt(event.AggregateSheet, "J1044-S003", event.SheetStarted{}, now.Add(time.Minute)),
		evt(event.AggregateSheet, "J1044-S003", event.SheetCut{CardCount: 18, AssemblyID: "A-J1044-S003"}, now.Add(2*time.Minute)),
	})
	require.NoError(t, err)

	sheet, ok := st.(Sheet)
	require.True(t, ok)
	assert.Equal(t, "J1044-S003", sheet.ID)
	assert.Equal(t, "J1044", sheet.JobID)
	assert.Equal(t, SheetCutDone, sheet.Status)
	assert.Equal(t, 18, sheet.CardCount)
	assert.Equal(t, "A-J1044-S003", sheet.AssemblyID)
	assert.True(t, sheet.Exists())
}

func TestCardApply_ReworkLoop(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	st, err := Replay(Card{}, []*event.Event{
		evt(event.AggregateCard, "J1044-S003-07", event.CardCreated{SheetID: "J1044-S003", Position: 7}, now),
		evt(event.AggregateCard, "J1044-S003-07", event.CardStarted{}, now),
		evt(event.AggregateCard, "J1044-S003-07", event.CardQAFailed{DefectCode: "SCRATCH"}, now),
		evt(event.AggregateCard, "J1044-S003-07", event.CardReworkStarted{}, now),
		evt(event.AggregateCard, "J1044-S003-07", event.CardQAPassed{}, now),
	})
	require.NoError(t, err)

	card, ok := st.(Card)
	require.True(t, ok)
	assert.Equal(t, CardQAPassed, card.Status)
	assert.Equal(t, 1, card.ReworkCount)
	assert.Empty(t, card.DefectCode, "a passing inspection clears the defect")
	assert.Equal(t, 7, card.Position)
	assert.Equal(t, 0, card.Generation)
}

func TestCardApply_ReplacementGenesis(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	st, err := Replay(Card{}, []*event.Event{
		evt(event.AggregateCard, "J1044-S003-07R1", event.CardCreated{
			SheetID:        "J1044-S003",
			Position:       7,
			Generation:     1,
			ReplacesCardID: "J1044-S003-07",
		}, now),
	})
	require.NoError(t, err)

	card := st.(Card)
	assert.Equal(t, CardCreated, card.Status)
	assert.Equal(t, 1, card.Generation)
	assert.Equal(t, "J1044-S003-07", card.ReplacesCardID)
}

func TestAssemblyApply_GatherAccumulates(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	st, err := Replay(Assembly{}, []*event.Event{
		evt(event.AggregateAssembly, "A-J1044-S003", event.AssemblyOpened{SheetID: "J1044-S003", ExpectedCount: 3}, now),
		evt(event.AggregateAssembly, "A-J1044-S003", event.AssemblyChildGathered{CardID: "J1044-S003-02", Position: 2}, now.Add(time.Hour)),
		evt(event.AggregateAssembly, "A-J1044-S003", event.AssemblyChildGathered{CardID: "J1044-S003-03", Position: 3}, now.Add(2*time.Hour)),
	})
	require.NoError(t, err)

	asm := st.(Assembly)
	assert.Equal(t, AssemblyInProgress, asm.Status)
	assert.Equal(t, 2, asm.GatheredCount())
	assert.Equal(t, []int{1}, asm.MissingPositions())
	assert.Equal(t, now.Add(time.Hour), asm.FirstGatheredAt, "the window anchor is the first gather, not later ones")
}

func TestAssemblyApply_CopiesDoNotShareGathers(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	base := Assembly{ID: "A-X", SheetID: "X", ExpectedCount: 2, Status: AssemblyPending}

	st, err := base.Apply(evt(event.AggregateAssembly, "A-X", event.AssemblyChildGathered{CardID: "X-01", Position: 1}, now))
	require.NoError(t, err)
	advanced := st.(Assembly)

	assert.Equal(t, 1, advanced.GatheredCount())
	assert.Zero(t, base.GatheredCount(), "applying must not mutate the prior state")
}

func TestAssemblyApply_TerminalStates(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	opened := evt(event.AggregateAssembly, "A-X", event.AssemblyOpened{SheetID: "X", ExpectedCount: 1}, now)

	cases := []struct {
		name    string
		payload event.Payload
		want    AssemblyStatus
	}{
		{"completed", event.AssemblyCompleted{GatheredCount: 1}, AssemblyComplete},
		{"flagged", event.AssemblyFlagged{Reason: "bent frame"}, AssemblyError},
		{"timed out", event.AssemblyTimedOut{Elapsed: 5 * time.Hour}, AssemblyError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st, err := Replay(Assembly{}, []*event.Event{opened, evt(event.AggregateAssembly, "A-X", tc.payload, now)})
			require.NoError(t, err)
			assert.Equal(t, tc.want, st.(Assembly).Status)
		})
	}
}

func TestApply_RejectsForeignEvents(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	_, err := Sheet{}.Apply(evt(event.AggregateCard, "J1044-S003-07", event.CardStarted{}, now))
	require.Error(t, err)

	_, err = Card{}.Apply(evt(event.AggregateSheet, "J1044-S003", event.SheetStarted{}, now))
	require.Error(t, err)
}

func TestNewState(t *testing.T) {
	for _, at := range []event.AggregateType{event.AggregateSheet, event.AggregateCard, event.AggregateAssembly} {
		st, err := NewState(at)
		require.NoError(t, err)
		assert.Equal(t, at, st.Kind())
		assert.False(t, st.Exists())
	}
	_, err := NewState("pallet")
	require.Error(t, err)
}
