// Package engine is the orchestration boundary between callers and the pure
// domain: it validates command envelopes, loads aggregate state from the log,
// runs the transition, and appends the proposed events under an optimistic
// guard, retrying version conflicts against reloaded state. All effects live
// here; the transitions stay pure.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/foldline-works/foldline/internal/assembly"
	"github.com/foldline-works/foldline/internal/core/domain"
	"github.com/foldline-works/foldline/internal/core/event"
	"github.com/foldline-works/foldline/internal/core/partition"
	"github.com/foldline-works/foldline/internal/core/storage"
)

// ErrInvalidCommand marks a command that failed structural validation before
// any state was loaded. Not retryable.
var ErrInvalidCommand = errors.New("invalid command")

const (
	defaultMaxRetries        = 3
	defaultSnapshotCacheSize = 1024
)

// StationAuthorizer screens a command's station context before any state is
// loaded. A nil authorizer admits everything.
type StationAuthorizer interface {
	Authorize(stationID, commandType string) error
}

// AppendedEvent describes one event a receipt's command appended.
type AppendedEvent struct {
	ID            uuid.UUID
	Sequence      int64
	AggregateType event.AggregateType
	AggregateID   string
	Version       int64
	Type          event.Type
}

// Receipt reports the outcome of one accepted command. It describes the
// guarded stream: the aggregate whose version conditioned the append, which
// for a replacement is the new card's stream, not the voided original's.
type Receipt struct {
	CommandID     uuid.UUID
	AggregateType event.AggregateType
	AggregateID   string
	Version       int64
	State         domain.State
	Events        []AppendedEvent

	// AlreadyApplied is set when the duplicate guard recognized the command
	// id from an earlier committed attempt. Version and State then reflect
	// the stream's current position; Events is empty.
	AlreadyApplied bool
}

// Engine owns the command unit of work.
type Engine struct {
	store      storage.EventStore
	authorizer StationAuthorizer
	policy     domain.Policy
	maxRetries int

	snapshots *snapshotCache
	loadGroup singleflight.Group
	stripes   [partition.Count]sync.Mutex

	// nowFn stamps occurred-at when the caller leaves it zero; tests pin it.
	nowFn func() time.Time
}

// New creates an Engine. A nil authorizer disables station enforcement;
// non-positive knobs fall back to their defaults.
func New(store storage.EventStore, authorizer StationAuthorizer, pol domain.Policy, maxRetries, snapshotCacheSize int) *Engine {
	if store == nil {
		panic("engine: store must not be nil")
	}
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	if snapshotCacheSize <= 0 {
		snapshotCacheSize = defaultSnapshotCacheSize
	}
	return &Engine{
		store:      store,
		authorizer: authorizer,
		policy:     pol,
		maxRetries: maxRetries,
		snapshots:  newSnapshotCache(snapshotCacheSize),
		nowFn:      time.Now,
	}
}

// Submit runs one command end to end: validate, authorize the station, load,
// decide, append. Version conflicts reload and retry up to the configured
// budget; rejections and duplicates return immediately. The returned receipt
// carries the post-transition state of the guarded stream.
func (e *Engine) Submit(ctx context.Context, env domain.Envelope, cmd domain.Command) (*Receipt, error) {
	if cmd == nil {
		return nil, fmt.Errorf("%w: command is nil", ErrInvalidCommand)
	}
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	if e.authorizer != nil {
		if err := e.authorizer.Authorize(env.StationID, cmd.CommandType()); err != nil {
			return nil, err
		}
	}
	if env.CommandID == uuid.Nil {
		env.CommandID = uuid.New()
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = e.nowFn()
	}
	env.OccurredAt = env.OccurredAt.UTC().Truncate(time.Millisecond)

	// Serialize in-process submits per stripe so hot aggregates queue here
	// instead of burning append retries.
	stripe := &e.stripes[partition.For(streamKey(cmd.AggregateType(), cmd.AggregateID()))]
	stripe.Lock()
	defer stripe.Unlock()

	var lastConflict error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		receipt, err := e.attempt(ctx, env, cmd)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return nil, err
		}
		lastConflict = err
		slog.Debug("[Engine] Version conflict, retrying",
			"command_type", cmd.CommandType(), "command_id", env.CommandID, "attempt", attempt+1)
	}
	return nil, fmt.Errorf("command %s exhausted %d retries: %w", cmd.CommandType(), e.maxRetries, lastConflict)
}

// attempt is one pass of the unit of work against freshly loaded state.
func (e *Engine) attempt(ctx context.Context, env domain.Envelope, cmd domain.Command) (*Receipt, error) {
	triggerKey := streamKey(cmd.AggregateType(), cmd.AggregateID())
	trigger, err := e.loadState(ctx, cmd.AggregateType(), cmd.AggregateID())
	if err != nil {
		return nil, err
	}
	loaded := map[string]loadedState{triggerKey: trigger}

	var proposed []domain.Proposed
	var decideErr error
	switch c := cmd.(type) {
	case domain.GatherCard:
		// The fan-in reads two aggregates: the assembly guards the append,
		// the card is a second input to the rule.
		asm, ok := trigger.state.(domain.Assembly)
		if !ok {
			return nil, fmt.Errorf("engine: %s loaded %s state", cmd.CommandType(), trigger.state.Kind())
		}
		cardState, err := e.loadState(ctx, event.AggregateCard, c.CardID)
		if err != nil {
			return nil, err
		}
		card, ok := cardState.state.(domain.Card)
		if !ok {
			return nil, fmt.Errorf("engine: %s loaded %s state for card %s", cmd.CommandType(), cardState.state.Kind(), c.CardID)
		}
		loaded[streamKey(event.AggregateCard, c.CardID)] = cardState
		proposed, decideErr = assembly.Gather(asm, card, c)
	default:
		proposed, decideErr = domain.Decide(trigger.state, env, cmd, e.policy)
	}
	if decideErr != nil {
		return e.rejected(ctx, env, decideErr)
	}

	events := materialize(env, proposed)
	guard := guardFor(cmd, trigger.version, proposed)

	if err := e.store.Append(ctx, guard, events); err != nil {
		if errors.Is(err, storage.ErrDuplicateEvent) {
			return e.alreadyApplied(ctx, env, guard)
		}
		if errors.Is(err, storage.ErrVersionConflict) {
			for key := range loaded {
				e.snapshots.invalidate(key)
			}
		}
		return nil, err
	}

	receipt := &Receipt{
		CommandID:     env.CommandID,
		AggregateType: guard.AggregateType,
		AggregateID:   guard.AggregateID,
		Events:        describe(events),
	}
	e.refreshSnapshots(loaded, events, guard, receipt)
	slog.Debug("[Engine] Command applied",
		"command_type", cmd.CommandType(), "command_id", env.CommandID,
		"aggregate_id", guard.AggregateID, "events", len(events))
	return receipt, nil
}

// rejected resolves a failed transition. A resubmitted command can be turned
// away by the very state its first application produced, which would hide the
// duplicate behind a rejection, so before surfacing the error the engine asks
// the log for the command's deterministic first event id. Found means this
// exact command committed before; its stream identity names the guard.
func (e *Engine) rejected(ctx context.Context, env domain.Envelope, rejection error) (*Receipt, error) {
	first, err := e.store.FindEvent(ctx, uuid.NewSHA1(env.CommandID, []byte("0")))
	if err != nil {
		slog.Warn("[Engine] Resubmission check failed", "command_id", env.CommandID, "error", err)
		return nil, rejection
	}
	if first == nil {
		return nil, rejection
	}
	return e.alreadyApplied(ctx, env, storage.AppendGuard{
		AggregateType: first.AggregateType,
		AggregateID:   first.AggregateID,
	})
}

// alreadyApplied builds the receipt for a command the log has already seen:
// the stream's current position, no event descriptors.
func (e *Engine) alreadyApplied(ctx context.Context, env domain.Envelope, guard storage.AppendGuard) (*Receipt, error) {
	e.snapshots.invalidate(streamKey(guard.AggregateType, guard.AggregateID))
	current, err := e.loadState(ctx, guard.AggregateType, guard.AggregateID)
	if err != nil {
		return nil, err
	}
	slog.Debug("[Engine] Command already applied", "command_id", env.CommandID, "aggregate_id", guard.AggregateID)
	return &Receipt{
		CommandID:      env.CommandID,
		AggregateType:  guard.AggregateType,
		AggregateID:    guard.AggregateID,
		Version:        current.version,
		State:          current.state,
		AlreadyApplied: true,
	}, nil
}

type loadedState struct {
	state   domain.State
	version int64
}

// loadState returns the aggregate's current fold. Snapshot hits replay only
// the tail past the cached version; misses take the full replay through
// singleflight so concurrent loads of one aggregate hit storage once. A
// stale result is safe either way: the append guard catches it.
func (e *Engine) loadState(ctx context.Context, aggregateType event.AggregateType, aggregateID string) (loadedState, error) {
	key := streamKey(aggregateType, aggregateID)

	if state, version, ok := e.snapshots.get(key); ok {
		tail, err := e.store.ReadAggregate(ctx, aggregateType, aggregateID, version)
		if err != nil {
			return loadedState{}, fmt.Errorf("engine: load %s: %w", key, err)
		}
		if len(tail) == 0 {
			return loadedState{state: state, version: version}, nil
		}
		next, err := domain.Replay(state, tail)
		if err != nil {
			return loadedState{}, fmt.Errorf("engine: replay %s: %w", key, err)
		}
		current := loadedState{state: next, version: tail[len(tail)-1].Version}
		e.snapshots.put(key, current.state, current.version)
		return current, nil
	}

	result, err, _ := e.loadGroup.Do(key, func() (any, error) {
		// Another flight may have filled the cache while this one queued.
		if state, version, ok := e.snapshots.get(key); ok {
			return loadedState{state: state, version: version}, nil
		}
		zero, err := domain.NewState(aggregateType)
		if err != nil {
			return nil, err
		}
		events, err := e.store.ReadAggregate(ctx, aggregateType, aggregateID, 0)
		if err != nil {
			return nil, fmt.Errorf("engine: load %s: %w", key, err)
		}
		state, err := domain.Replay(zero, events)
		if err != nil {
			return nil, fmt.Errorf("engine: replay %s: %w", key, err)
		}
		current := loadedState{state: state}
		if len(events) > 0 {
			current.version = events[len(events)-1].Version
			e.snapshots.put(key, current.state, current.version)
		}
		return current, nil
	})
	if err != nil {
		return loadedState{}, err
	}
	return result.(loadedState), nil
}

// refreshSnapshots folds the freshly appended events onto the states this
// attempt loaded and caches the results, so the next command on these
// streams replays nothing. Streams the attempt never loaded are cached only
// when the batch carries their genesis; anything else is invalidated. Runs
// after commit, so failures here only cost a future replay.
func (e *Engine) refreshSnapshots(loaded map[string]loadedState, events []*event.Event, guard storage.AppendGuard, receipt *Receipt) {
	groups := make(map[string][]*event.Event)
	var keys []string
	for _, evt := range events {
		key := streamKey(evt.AggregateType, evt.AggregateID)
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], evt)
	}

	guardKey := streamKey(guard.AggregateType, guard.AggregateID)
	for _, key := range keys {
		group := groups[key]
		base, ok := loaded[key]
		if !ok {
			if group[0].Version != 1 {
				e.snapshots.invalidate(key)
				continue
			}
			zero, err := domain.NewState(group[0].AggregateType)
			if err != nil {
				e.snapshots.invalidate(key)
				continue
			}
			base = loadedState{state: zero}
		}
		state, err := domain.Replay(base.state, group)
		if err != nil {
			e.snapshots.invalidate(key)
			continue
		}
		version := group[len(group)-1].Version
		e.snapshots.put(key, state, version)
		if key == guardKey {
			receipt.State = state
			receipt.Version = version
		}
	}
}

// materialize stamps the shared envelope fields onto the proposed events.
// Event ids derive from the command id and the event's index in the batch,
// so a retried command reproduces the same ids and the log can recognize it.
func materialize(env domain.Envelope, proposed []domain.Proposed) []*event.Event {
	occurred := env.OccurredAt.UTC().Truncate(time.Millisecond)
	events := make([]*event.Event, len(proposed))
	for i, p := range proposed {
		events[i] = &event.Event{
			ID:            uuid.NewSHA1(env.CommandID, []byte(strconv.Itoa(i))),
			AggregateType: p.AggregateType,
			AggregateID:   p.AggregateID,
			Type:          p.Type,
			Payload:       p.Payload,
			OccurredAt:    occurred,
			ActorID:       env.ActorID,
			StationID:     env.StationID,
			CorrelationID: env.CommandID,
		}
	}
	return events
}

// guardFor names the stream whose version conditions the append. Replacement
// is the one command guarded on a stream other than its own aggregate id:
// the new card's stream must be empty, which makes a raced double replace
// lose cleanly.
func guardFor(cmd domain.Command, triggerVersion int64, proposed []domain.Proposed) storage.AppendGuard {
	if _, ok := cmd.(domain.ReplaceCard); ok {
		return storage.AppendGuard{
			AggregateType:   proposed[0].AggregateType,
			AggregateID:     proposed[0].AggregateID,
			ExpectedVersion: 0,
		}
	}
	return storage.AppendGuard{
		AggregateType:   cmd.AggregateType(),
		AggregateID:     cmd.AggregateID(),
		ExpectedVersion: triggerVersion,
	}
}

func describe(events []*event.Event) []AppendedEvent {
	out := make([]AppendedEvent, len(events))
	for i, evt := range events {
		out[i] = AppendedEvent{
			ID:            evt.ID,
			Sequence:      evt.Sequence,
			AggregateType: evt.AggregateType,
			AggregateID:   evt.AggregateID,
			Version:       evt.Version,
			Type:          evt.Type,
		}
	}
	return out
}

func streamKey(t event.AggregateType, id string) string {
	return string(t) + "/" + id
}
