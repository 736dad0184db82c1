package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/foldline-works/foldline/internal/core/domain"
	"github.com/foldline-works/foldline/internal/core/event"
	"github.com/foldline-works/foldline/internal/core/storage"
	"github.com/foldline-works/foldline/internal/core/storage/sqlite"
)

var submitBase = time.Date(2026, 3, 12, 7, 0, 0, 0, time.UTC)

// noopProjector satisfies the store without materializing read models; the
// engine tests only care about the log.
type noopProjector struct{}

func (noopProjector) ApplyEvents(context.Context, storage.DBTX, []*event.Event, ...string) error {
	return nil
}

func newTestStore(t *testing.T) *sqlite.Adapter {
	t.Helper()

	store, err := sqlite.NewAdapter(filepath.Join(t.TempDir(), "engine.db"), noopProjector{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

func newTestEngine(t *testing.T) (*Engine, *sqlite.Adapter) {
	t.Helper()

	store := newTestStore(t)
	eng := New(store, nil, domain.Policy{AllowRework: true, GatherTimeout: 30 * time.Minute}, 3, 64)
	return eng, store
}

func submit(t *testing.T, eng *Engine, stationID string, cmd domain.Command) *Receipt {
	t.Helper()

	receipt, err := eng.Submit(context.Background(), domain.Envelope{ActorID: "op-7", StationID: stationID}, cmd)
	require.NoError(t, err)
	return receipt
}

// cutSheet drives a sheet through register, start and cut.
func cutSheet(t *testing.T, eng *Engine, sheetID string, cards int) *Receipt {
	t.Helper()

	submit(t, eng, "CUT-01", domain.RegisterSheet{SheetID: sheetID, JobID: "J1044"})
	submit(t, eng, "CUT-01", domain.StartSheet{SheetID: sheetID})
	return submit(t, eng, "CUT-01", domain.CutSheet{SheetID: sheetID, CardCount: cards})
}

// passCard drives a card through start and a passing inspection.
func passCard(t *testing.T, eng *Engine, cardID string) {
	t.Helper()

	submit(t, eng, "QA-02", domain.StartCard{CardID: cardID})
	submit(t, eng, "QA-02", domain.RecordQA{CardID: cardID, Result: domain.QAResultPass})
}

func readLog(t *testing.T, store *sqlite.Adapter) []*event.Event {
	t.Helper()

	events, err := store.ReadAll(context.Background(), 0, 1000)
	require.NoError(t, err)
	return events
}

func TestEngine_Submit_RegisterSheet(t *testing.T) {
	eng, store := newTestEngine(t)

	receipt := submit(t, eng, "CUT-01", domain.RegisterSheet{SheetID: "J1044-S003", JobID: "J1044"})

	require.NotEqual(t, uuid.Nil, receipt.CommandID)
	require.Equal(t, event.AggregateSheet, receipt.AggregateType)
	require.Equal(t, "J1044-S003", receipt.AggregateID)
	require.Equal(t, int64(1), receipt.Version)
	require.False(t, receipt.AlreadyApplied)

	sheet, ok := receipt.State.(domain.Sheet)
	require.True(t, ok)
	require.Equal(t, "PENDING", string(sheet.Status))
	require.Equal(t, "J1044", sheet.JobID)

	require.Len(t, receipt.Events, 1)
	require.Equal(t, event.TypeSheetRegistered, receipt.Events[0].Type)
	require.Equal(t, int64(1), receipt.Events[0].Sequence)
	require.Equal(t, int64(1), receipt.Events[0].Version)

	log := readLog(t, store)
	require.Len(t, log, 1)
	require.Equal(t, receipt.Events[0].ID, log[0].ID)
	require.Equal(t, receipt.CommandID, log[0].CorrelationID)
	require.Equal(t, "op-7", log[0].ActorID)
	require.Equal(t, "CUT-01", log[0].StationID)
}

func TestEngine_Submit_DefaultsOccurredAt(t *testing.T) {
	eng, store := newTestEngine(t)
	eng.nowFn = func() time.Time { return submitBase.Add(123456789 * time.Nanosecond) }

	submit(t, eng, "CUT-01", domain.RegisterSheet{SheetID: "J1044-S003"})

	log := readLog(t, store)
	require.Len(t, log, 1)
	require.True(t, log[0].OccurredAt.Equal(submitBase.Add(123*time.Millisecond)))
	require.Equal(t, time.UTC, log[0].OccurredAt.Location())
}

func TestEngine_Submit_InvalidCommand(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Submit(ctx, domain.Envelope{}, nil)
	require.ErrorIs(t, err, ErrInvalidCommand)

	_, err = eng.Submit(ctx, domain.Envelope{}, domain.CutSheet{SheetID: "J1044-S003", CardCount: 0})
	require.ErrorIs(t, err, ErrInvalidCommand)
	require.ErrorContains(t, err, "card_count")

	require.Empty(t, readLog(t, store))
}

func TestEngine_Submit_FanOut(t *testing.T) {
	eng, _ := newTestEngine(t)

	receipt := cutSheet(t, eng, "J1044-S003", 3)

	require.Equal(t, event.AggregateSheet, receipt.AggregateType)
	require.Equal(t, int64(3), receipt.Version)

	sheet := receipt.State.(domain.Sheet)
	require.Equal(t, "CUT", string(sheet.Status))
	require.Equal(t, 3, sheet.CardCount)
	require.Equal(t, "A-J1044-S003", sheet.AssemblyID)

	require.Len(t, receipt.Events, 5)
	require.Equal(t, event.TypeSheetCut, receipt.Events[0].Type)
	require.Equal(t, int64(3), receipt.Events[0].Version)
	for i, cardID := range []string{"J1044-S003-01", "J1044-S003-02", "J1044-S003-03"} {
		appended := receipt.Events[i+1]
		require.Equal(t, event.TypeCardCreated, appended.Type)
		require.Equal(t, cardID, appended.AggregateID)
		require.Equal(t, int64(1), appended.Version)
	}
	require.Equal(t, event.TypeAssemblyOpened, receipt.Events[4].Type)
	require.Equal(t, "A-J1044-S003", receipt.Events[4].AggregateID)
	require.Equal(t, int64(1), receipt.Events[4].Version)
}

func TestEngine_Submit_FullLifecycle(t *testing.T) {
	eng, store := newTestEngine(t)

	cutSheet(t, eng, "J1044-S003", 2)
	passCard(t, eng, "J1044-S003-01")
	passCard(t, eng, "J1044-S003-02")

	first := submit(t, eng, "ASM-03", domain.GatherCard{AssemblyID: "A-J1044-S003", CardID: "J1044-S003-01"})
	require.Equal(t, event.AggregateAssembly, first.AggregateType)
	require.Len(t, first.Events, 2)
	require.Equal(t, event.TypeAssemblyChildGathered, first.Events[0].Type)
	require.Equal(t, event.TypeCardAssembled, first.Events[1].Type)

	asm := first.State.(domain.Assembly)
	require.Equal(t, "IN_PROGRESS", string(asm.Status))
	require.Equal(t, 1, asm.GatheredCount())
	require.False(t, asm.FirstGatheredAt.IsZero())

	second := submit(t, eng, "ASM-03", domain.GatherCard{AssemblyID: "A-J1044-S003", CardID: "J1044-S003-02"})
	require.Len(t, second.Events, 3)
	require.Equal(t, event.TypeAssemblyCompleted, second.Events[2].Type)

	asm = second.State.(domain.Assembly)
	require.Equal(t, "COMPLETE", string(asm.Status))
	require.Equal(t, 2, asm.GatheredCount())
	require.Empty(t, asm.MissingPositions())

	packed := submit(t, eng, "PACK-01", domain.PackCard{CardID: "J1044-S003-01"})
	card := packed.State.(domain.Card)
	require.Equal(t, "PACKED", string(card.Status))

	// register, start, cut fan-out of 4, two cards started+passed, two
	// gathers, one pack.
	require.Len(t, readLog(t, store), 2+4+4+2+3+1)
}

func TestEngine_Submit_RejectionAppendsNothing(t *testing.T) {
	eng, store := newTestEngine(t)

	_, err := eng.Submit(context.Background(), domain.Envelope{}, domain.StartSheet{SheetID: "J1044-S003"})
	require.ErrorIs(t, err, domain.ErrNotEligible)
	require.Empty(t, readLog(t, store))
}

func TestEngine_Submit_ResubmitIsAlreadyApplied(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()

	commandID := uuid.New()
	env := domain.Envelope{CommandID: commandID, ActorID: "op-7", StationID: "CUT-01"}
	cmd := domain.RegisterSheet{SheetID: "J1044-S003", JobID: "J1044"}

	first, err := eng.Submit(ctx, env, cmd)
	require.NoError(t, err)
	require.False(t, first.AlreadyApplied)

	// The second submission finds the sheet its own first application
	// registered; the engine must recognize its command id instead of
	// surfacing the rejection.
	again, err := eng.Submit(ctx, env, cmd)
	require.NoError(t, err)
	require.True(t, again.AlreadyApplied)
	require.Equal(t, commandID, again.CommandID)
	require.Equal(t, "J1044-S003", again.AggregateID)
	require.Equal(t, int64(1), again.Version)
	require.Empty(t, again.Events)

	sheet := again.State.(domain.Sheet)
	require.Equal(t, "PENDING", string(sheet.Status))

	require.Len(t, readLog(t, store), 1)
}

func TestEngine_Submit_ResubmitAfterLaterCommands(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()

	cutID := uuid.New()
	submit(t, eng, "CUT-01", domain.RegisterSheet{SheetID: "J1044-S003"})
	submit(t, eng, "CUT-01", domain.StartSheet{SheetID: "J1044-S003"})

	env := domain.Envelope{CommandID: cutID, ActorID: "op-7", StationID: "CUT-01"}
	first, err := eng.Submit(ctx, env, domain.CutSheet{SheetID: "J1044-S003", CardCount: 2})
	require.NoError(t, err)
	require.Len(t, first.Events, 4)

	again, err := eng.Submit(ctx, env, domain.CutSheet{SheetID: "J1044-S003", CardCount: 2})
	require.NoError(t, err)
	require.True(t, again.AlreadyApplied)
	require.Equal(t, event.AggregateSheet, again.AggregateType)
	require.Equal(t, "J1044-S003", again.AggregateID)
	require.Equal(t, int64(3), again.Version)
	require.Len(t, readLog(t, store), 6)
}

func TestEngine_Submit_ResubmittedGather(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()

	cutSheet(t, eng, "J1044-S003", 2)
	passCard(t, eng, "J1044-S003-01")

	gatherID := uuid.New()
	env := domain.Envelope{CommandID: gatherID, ActorID: "op-7", StationID: "ASM-03"}
	cmd := domain.GatherCard{AssemblyID: "A-J1044-S003", CardID: "J1044-S003-01"}

	_, err := eng.Submit(ctx, env, cmd)
	require.NoError(t, err)
	logged := len(readLog(t, store))

	// Resubmitting trips the duplicate-gather rule, which must resolve to
	// the original application, not a rejection.
	again, err := eng.Submit(ctx, env, cmd)
	require.NoError(t, err)
	require.True(t, again.AlreadyApplied)
	require.Equal(t, event.AggregateAssembly, again.AggregateType)
	require.Equal(t, "A-J1044-S003", again.AggregateID)
	require.Len(t, readLog(t, store), logged)

	// A different command gathering the same card is a real duplicate.
	_, err = eng.Submit(ctx, domain.Envelope{StationID: "ASM-03"}, cmd)
	require.ErrorIs(t, err, domain.ErrDuplicateGather)
}

func TestEngine_Submit_GatherRejectsWrongParent(t *testing.T) {
	eng, _ := newTestEngine(t)

	cutSheet(t, eng, "J1044-S003", 2)
	cutSheet(t, eng, "J1044-S004", 1)
	passCard(t, eng, "J1044-S004-01")

	_, err := eng.Submit(context.Background(), domain.Envelope{StationID: "ASM-03"},
		domain.GatherCard{AssemblyID: "A-J1044-S003", CardID: "J1044-S004-01"})
	require.ErrorIs(t, err, domain.ErrWrongParent)

	_, err = eng.Submit(context.Background(), domain.Envelope{StationID: "ASM-03"},
		domain.GatherCard{AssemblyID: "A-J1044-S003", CardID: "J1044-S003-01"})
	require.ErrorIs(t, err, domain.ErrNotEligible)
}

func TestEngine_Submit_ReplaceCard(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	cutSheet(t, eng, "J1044-S003", 2)
	submit(t, eng, "QA-02", domain.StartCard{CardID: "J1044-S003-01"})
	submit(t, eng, "QA-02", domain.RecordQA{CardID: "J1044-S003-01", Result: domain.QAResultFail, DefectCode: "TEAR"})
	submit(t, eng, "QA-02", domain.VoidCard{CardID: "J1044-S003-01", Reason: "unrecoverable"})

	replaceID := uuid.New()
	env := domain.Envelope{CommandID: replaceID, ActorID: "op-7", StationID: "CUT-01"}
	receipt, err := eng.Submit(ctx, env, domain.ReplaceCard{CardID: "J1044-S003-01"})
	require.NoError(t, err)

	// The receipt describes the replacement's stream, not the voided
	// original's.
	require.Equal(t, event.AggregateCard, receipt.AggregateType)
	require.Equal(t, "J1044-S003-01R1", receipt.AggregateID)
	require.Equal(t, int64(1), receipt.Version)

	card := receipt.State.(domain.Card)
	require.Equal(t, "CREATED", string(card.Status))
	require.Equal(t, 1, card.Generation)
	require.Equal(t, 1, card.Position)
	require.Equal(t, "J1044-S003-01", card.ReplacesCardID)

	// Resubmitting the same command resolves against the replacement stream.
	again, err := eng.Submit(ctx, env, domain.ReplaceCard{CardID: "J1044-S003-01"})
	require.NoError(t, err)
	require.True(t, again.AlreadyApplied)
	require.Equal(t, "J1044-S003-01R1", again.AggregateID)
	require.Equal(t, int64(1), again.Version)

	// A second replacement attempt proposes the same deterministic stream,
	// whose guard no longer holds.
	_, err = eng.Submit(ctx, domain.Envelope{StationID: "CUT-01"}, domain.ReplaceCard{CardID: "J1044-S003-01"})
	require.ErrorIs(t, err, storage.ErrVersionConflict)
	require.ErrorContains(t, err, "exhausted")
}

func TestEngine_Submit_TimeoutAssembly(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	cutSheet(t, eng, "J1044-S003", 2)
	passCard(t, eng, "J1044-S003-01")

	gatherEnv := domain.Envelope{OccurredAt: submitBase, StationID: "ASM-03"}
	_, err := eng.Submit(ctx, gatherEnv, domain.GatherCard{AssemblyID: "A-J1044-S003", CardID: "J1044-S003-01"})
	require.NoError(t, err)

	// 29 minutes into a 30 minute window: the stream says not yet.
	early := domain.Envelope{OccurredAt: submitBase.Add(29 * time.Minute)}
	_, err = eng.Submit(ctx, early, domain.TimeoutAssembly{AssemblyID: "A-J1044-S003"})
	require.ErrorIs(t, err, domain.ErrNotEligible)
	require.ErrorContains(t, err, "has not elapsed")

	due := domain.Envelope{OccurredAt: submitBase.Add(30 * time.Minute)}
	receipt, err := eng.Submit(ctx, due, domain.TimeoutAssembly{AssemblyID: "A-J1044-S003"})
	require.NoError(t, err)
	require.Len(t, receipt.Events, 1)
	require.Equal(t, event.TypeAssemblyTimedOut, receipt.Events[0].Type)

	asm := receipt.State.(domain.Assembly)
	require.Equal(t, "ERROR", string(asm.Status))
	require.Equal(t, []int{2}, asm.MissingPositions())
}

// stubAuthorizer records what it was asked and answers with a fixed error.
type stubAuthorizer struct {
	stationID   string
	commandType string
	err         error
}

func (s *stubAuthorizer) Authorize(stationID, commandType string) error {
	s.stationID = stationID
	s.commandType = commandType
	return s.err
}

func TestEngine_Submit_StationAuthorizer(t *testing.T) {
	store := newTestStore(t)
	auth := &stubAuthorizer{err: fmt.Errorf("station QA-99: %w", domain.ErrUnknownStation)}
	eng := New(store, auth, domain.Policy{}, 3, 64)

	_, err := eng.Submit(context.Background(), domain.Envelope{StationID: "QA-99"},
		domain.RegisterSheet{SheetID: "J1044-S003"})
	require.ErrorIs(t, err, domain.ErrUnknownStation)
	require.Equal(t, "QA-99", auth.stationID)
	require.Equal(t, "sheet.register", auth.commandType)
	require.Empty(t, readLog(t, store))

	auth.err = nil
	_, err = eng.Submit(context.Background(), domain.Envelope{StationID: "CUT-01"},
		domain.RegisterSheet{SheetID: "J1044-S003"})
	require.NoError(t, err)
}

// flakyStore fails the first N appends with a version conflict, then
// delegates. Reads always delegate.
type flakyStore struct {
	storage.EventStore
	mu       sync.Mutex
	failures int
	appends  int
}

func (f *flakyStore) Append(ctx context.Context, guard storage.AppendGuard, events []*event.Event) error {
	f.mu.Lock()
	f.appends++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()

	if fail {
		return fmt.Errorf("append %s/%s: %w", guard.AggregateType, guard.AggregateID, storage.ErrVersionConflict)
	}
	return f.EventStore.Append(ctx, guard, events)
}

func TestEngine_Submit_RetriesVersionConflict(t *testing.T) {
	store := newTestStore(t)
	flaky := &flakyStore{EventStore: store, failures: 1}
	eng := New(flaky, nil, domain.Policy{}, 3, 64)

	receipt, err := eng.Submit(context.Background(), domain.Envelope{StationID: "CUT-01"},
		domain.RegisterSheet{SheetID: "J1044-S003"})
	require.NoError(t, err)
	require.Equal(t, int64(1), receipt.Version)
	require.Equal(t, 2, flaky.appends)
}

func TestEngine_Submit_ExhaustsRetryBudget(t *testing.T) {
	store := newTestStore(t)
	flaky := &flakyStore{EventStore: store, failures: 10}
	eng := New(flaky, nil, domain.Policy{}, 3, 64)

	_, err := eng.Submit(context.Background(), domain.Envelope{StationID: "CUT-01"},
		domain.RegisterSheet{SheetID: "J1044-S003"})
	require.ErrorIs(t, err, storage.ErrVersionConflict)
	require.ErrorContains(t, err, "exhausted 3 retries")
	require.Equal(t, 4, flaky.appends)
}

// countingStore records the fromVersion of every aggregate read, keyed by
// stream.
type countingStore struct {
	storage.EventStore
	mu    sync.Mutex
	reads map[string][]int64
}

func (c *countingStore) ReadAggregate(ctx context.Context, aggregateType event.AggregateType, aggregateID string, fromVersion int64) ([]*event.Event, error) {
	c.mu.Lock()
	if c.reads == nil {
		c.reads = make(map[string][]int64)
	}
	key := string(aggregateType) + "/" + aggregateID
	c.reads[key] = append(c.reads[key], fromVersion)
	c.mu.Unlock()

	return c.EventStore.ReadAggregate(ctx, aggregateType, aggregateID, fromVersion)
}

func TestEngine_SnapshotsReplayOnlyTheTail(t *testing.T) {
	store := newTestStore(t)
	counting := &countingStore{EventStore: store}
	eng := New(counting, nil, domain.Policy{}, 3, 64)

	submit(t, eng, "CUT-01", domain.RegisterSheet{SheetID: "J1044-S003"})
	submit(t, eng, "CUT-01", domain.StartSheet{SheetID: "J1044-S003"})
	submit(t, eng, "CUT-01", domain.CutSheet{SheetID: "J1044-S003", CardCount: 1})

	// First load replays from scratch; after that every load starts at the
	// snapshot the previous command refreshed.
	require.Equal(t, []int64{0, 1, 2}, counting.reads["sheet/J1044-S003"])
}

func TestEngine_Submit_ConcurrentStartSheet(t *testing.T) {
	store := newTestStore(t)
	one := New(store, nil, domain.Policy{}, 3, 64)
	two := New(store, nil, domain.Policy{}, 3, 64)

	submit(t, one, "CUT-01", domain.RegisterSheet{SheetID: "J1044-S003"})

	type outcome struct {
		receipt *Receipt
		err     error
	}
	results := make(chan outcome, 2)
	for _, eng := range []*Engine{one, two} {
		go func(eng *Engine) {
			receipt, err := eng.Submit(context.Background(), domain.Envelope{StationID: "CUT-01"},
				domain.StartSheet{SheetID: "J1044-S003"})
			results <- outcome{receipt, err}
		}(eng)
	}

	var wins, losses int
	for i := 0; i < 2; i++ {
		res := <-results
		if res.err == nil {
			wins++
			require.Equal(t, int64(2), res.receipt.Version)
			continue
		}
		losses++
		require.ErrorIs(t, res.err, domain.ErrNotEligible)
	}
	require.Equal(t, 1, wins)
	require.Equal(t, 1, losses)
	require.Len(t, readLog(t, store), 2)
}

func TestNew_RequiresStore(t *testing.T) {
	require.PanicsWithValue(t, "engine: store must not be nil", func() {
		New(nil, nil, domain.Policy{}, 3, 64)
	})
}
