package assembly

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/foldline-works/foldline/internal/core/domain"
	"github.com/foldline-works/foldline/internal/projection"
)

var sweepBase = time.Date(2026, 4, 9, 15, 0, 0, 0, time.UTC)

type stubSource struct {
	mu      sync.Mutex
	pages   [][]projection.AssemblyProgressRow
	calls   int
	cutoffs []time.Time
	limits  []int
	err     error
}

func (s *stubSource) OverdueAssemblies(_ context.Context, cutoff time.Time, limit int) ([]projection.AssemblyProgressRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	s.cutoffs = append(s.cutoffs, cutoff)
	s.limits = append(s.limits, limit)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.pages) == 0 {
		return nil, nil
	}
	page := s.pages[0]
	s.pages = s.pages[1:]
	return page, nil
}

type submitRecorder struct {
	mu   sync.Mutex
	envs []domain.Envelope
	cmds []domain.Command
	errs []error
}

func (r *submitRecorder) submit(_ context.Context, env domain.Envelope, cmd domain.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.envs = append(r.envs, env)
	r.cmds = append(r.cmds, cmd)
	if len(r.errs) == 0 {
		return nil
	}
	err := r.errs[0]
	r.errs = r.errs[1:]
	return err
}

func overdueRow(assemblyID string) projection.AssemblyProgressRow {
	return projection.AssemblyProgressRow{
		AssemblyID:      assemblyID,
		SheetID:         "J1044-S003",
		Status:          "IN_PROGRESS",
		ExpectedCount:   4,
		GatheredCount:   1,
		FirstGatheredAt: sweepBase.Add(-2 * time.Hour),
	}
}

func newTestSweeper(source OverdueSource, recorder *submitRecorder, batchSize int) *Sweeper {
	sweeper := NewSweeper(source, recorder.submit, 30*time.Minute, time.Hour, batchSize)
	sweeper.nowFn = func() time.Time { return sweepBase }
	return sweeper
}

func TestSweeper_SweepOnce_SubmitsTimeouts(t *testing.T) {
	source := &stubSource{pages: [][]projection.AssemblyProgressRow{
		{overdueRow("A-J1044-S003"), overdueRow("A-J1044-S004")},
	}}
	recorder := &submitRecorder{}
	sweeper := newTestSweeper(source, recorder, 50)

	swept, err := sweeper.sweepOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, swept)

	require.Equal(t, []time.Time{sweepBase.Add(-30 * time.Minute)}, source.cutoffs)
	require.Equal(t, []int{50}, source.limits)

	require.Len(t, recorder.cmds, 2)
	require.Equal(t, domain.TimeoutAssembly{AssemblyID: "A-J1044-S003"}, recorder.cmds[0])
	require.Equal(t, domain.TimeoutAssembly{AssemblyID: "A-J1044-S004"}, recorder.cmds[1])

	env := recorder.envs[0]
	require.Equal(t, uuid.Nil, env.CommandID)
	require.True(t, env.OccurredAt.Equal(sweepBase))
	require.Equal(t, "sweeper", env.ActorID)
	require.Empty(t, env.StationID)
}

func TestSweeper_SweepOnce_SkipsRejections(t *testing.T) {
	source := &stubSource{pages: [][]projection.AssemblyProgressRow{
		{overdueRow("A-J1044-S003"), overdueRow("A-J1044-S004")},
	}}
	recorder := &submitRecorder{errs: []error{
		fmt.Errorf("assembly A-J1044-S003 is already COMPLETE: %w", domain.ErrNotEligible),
		nil,
	}}
	sweeper := newTestSweeper(source, recorder, 50)

	// A racing completion surfaces as a rejection; the page keeps going.
	swept, err := sweeper.sweepOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, swept)
	require.Len(t, recorder.cmds, 2)
}

func TestSweeper_SweepOnce_SourceError(t *testing.T) {
	source := &stubSource{err: errors.New("view query failed")}
	recorder := &submitRecorder{}
	sweeper := newTestSweeper(source, recorder, 50)

	_, err := sweeper.sweepOnce(context.Background())
	require.Error(t, err)
	require.ErrorContains(t, err, "list overdue assemblies")
	require.Empty(t, recorder.cmds)
}

func TestSweeper_Drain_PagesUntilShort(t *testing.T) {
	source := &stubSource{pages: [][]projection.AssemblyProgressRow{
		{overdueRow("A-1"), overdueRow("A-2")},
		{overdueRow("A-3"), overdueRow("A-4")},
		{overdueRow("A-5")},
	}}
	recorder := &submitRecorder{}
	sweeper := newTestSweeper(source, recorder, 2)

	sweeper.drainOverdue(context.Background())

	require.Equal(t, 3, source.calls)
	require.Len(t, recorder.cmds, 5)
}

func TestSweeper_Drain_StopsOnSourceError(t *testing.T) {
	source := &stubSource{err: errors.New("view query failed")}
	recorder := &submitRecorder{}
	sweeper := newTestSweeper(source, recorder, 2)

	sweeper.drainOverdue(context.Background())

	require.Equal(t, 1, source.calls)
	require.Empty(t, recorder.cmds)
}

func TestSweeper_Start_FinalDrainOnCancel(t *testing.T) {
	source := &stubSource{pages: [][]projection.AssemblyProgressRow{
		{overdueRow("A-J1044-S003")},
	}}
	recorder := &submitRecorder{}
	sweeper := newTestSweeper(source, recorder, 50)

	// An already-cancelled context skips the initial drain and goes straight
	// to the shutdown drain, which runs under its own grace deadline.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, sweeper.Start(ctx))
	require.Equal(t, 1, source.calls)
	require.Len(t, recorder.cmds, 1)
	require.Equal(t, domain.TimeoutAssembly{AssemblyID: "A-J1044-S003"}, recorder.cmds[0])
}

func TestNewSweeper_Validates(t *testing.T) {
	source := &stubSource{}
	recorder := &submitRecorder{}

	require.PanicsWithValue(t, "assembly: source must not be nil", func() {
		NewSweeper(nil, recorder.submit, time.Hour, time.Minute, 10)
	})
	require.PanicsWithValue(t, "assembly: submit must not be nil", func() {
		NewSweeper(source, nil, time.Hour, time.Minute, 10)
	})
	require.PanicsWithValue(t, "assembly: gather timeout must be positive", func() {
		NewSweeper(source, recorder.submit, 0, time.Minute, 10)
	})

	sweeper := NewSweeper(source, recorder.submit, time.Hour, 0, 0)
	require.Equal(t, defaultSweepInterval, sweeper.interval)
	require.Equal(t, defaultSweepBatchSize, sweeper.batchSize)
}
