// Package readmodel executes the read-model SQL shared by both database
// engines. The store is stateless: every method takes the DBTX it should
// run on, so the same code serves the eager apply inside an append
// transaction, the batched folds of a rebuild, and standalone queries.
package readmodel

import (
	"context"
	"fmt"

	"github.com/foldline-works/foldline/internal/core/event"
	"github.com/foldline-works/foldline/internal/core/storage"
	"github.com/foldline-works/foldline/internal/projection"
)

// Store reads and writes the four views and their watermarks. It implements
// storage.Projector for the adapters and the projection package's Reader and
// Applier ports.
type Store struct{}

// NewStore creates a Store.
func NewStore() *Store {
	return &Store{}
}

// ApplyEvents folds a batch of events into the views, then advances each
// touched view's watermark to the batch's last sequence. Passing names
// narrows the fold to those views; passing none folds all of them.
//
// The fold is idempotent per row: an event at or below a row's last_seq has
// already been folded and is skipped, so replaying a committed batch, as a
// resumed rebuild does, changes nothing.
func (s *Store) ApplyEvents(ctx context.Context, db storage.DBTX, events []*event.Event, names ...string) error {
	if len(events) == 0 {
		return nil
	}
	include, err := includeSet(names)
	if err != nil {
		return err
	}

	for _, evt := range events {
		if evt.Sequence <= 0 {
			return fmt.Errorf("readmodel: event %s has no sequence", evt.ID)
		}
		if include[projection.NameCardStatus] {
			if err := s.applyCardStatus(ctx, db, evt); err != nil {
				return err
			}
		}
		if include[projection.NameSheetSummary] {
			if err := s.applySheetSummary(ctx, db, evt); err != nil {
				return err
			}
		}
		if include[projection.NameAssemblyProgress] {
			if err := s.applyAssemblyProgress(ctx, db, evt); err != nil {
				return err
			}
		}
		if include[projection.NameStationLoad] {
			if err := s.applyStationLoad(ctx, db, evt); err != nil {
				return err
			}
		}
	}

	last := events[len(events)-1]
	for _, name := range projection.Names() {
		if !include[name] {
			continue
		}
		if _, err := db.ExecContext(ctx, queryAdvanceOffset, name, last.Sequence, last.RecordedAt.UTC()); err != nil {
			return fmt.Errorf("readmodel: advance %s offset: %w", name, err)
		}
	}
	return nil
}

func (s *Store) applyCardStatus(ctx context.Context, db storage.DBTX, evt *event.Event) error {
	key, ok := projection.CardStatusKey(evt)
	if !ok {
		return nil
	}
	row, err := s.currentCard(ctx, db, key)
	if err != nil {
		return err
	}
	if evt.Sequence <= row.LastSeq {
		return nil
	}
	next := projection.ApplyCardStatus(row, evt)
	_, err = db.ExecContext(ctx, queryUpsertCardStatus,
		next.CardID, next.SheetID, next.Position, next.Generation, next.ReplacesCardID,
		next.Status, next.DefectCode, next.VoidReason, next.AssemblyID, next.ReworkCount,
		next.LastEventAt.UTC(), next.LastSeq,
	)
	if err != nil {
		return fmt.Errorf("readmodel: upsert card_status %s: %w", next.CardID, err)
	}
	return nil
}

func (s *Store) applySheetSummary(ctx context.Context, db storage.DBTX, evt *event.Event) error {
	key, ok := projection.SheetSummaryKey(evt)
	if !ok {
		return nil
	}
	row, err := s.currentSheet(ctx, db, key)
	if err != nil {
		return err
	}
	if evt.Sequence <= row.LastSeq {
		return nil
	}
	row.SheetID = key
	next := projection.ApplySheetSummary(row, evt)
	_, err = db.ExecContext(ctx, queryUpsertSheetSummary,
		next.SheetID, next.JobID, next.Status, next.CardCount,
		next.CardsCreated, next.CardsInProcess, next.CardsQAPassed, next.CardsQAFailed,
		next.CardsVoided, next.CardsAssembled, next.CardsPacked, next.YieldPercent,
		next.LastEventAt.UTC(), next.LastSeq,
	)
	if err != nil {
		return fmt.Errorf("readmodel: upsert sheet_summary %s: %w", next.SheetID, err)
	}
	return nil
}

func (s *Store) applyAssemblyProgress(ctx context.Context, db storage.DBTX, evt *event.Event) error {
	key, ok := projection.AssemblyProgressKey(evt)
	if !ok {
		return nil
	}
	row, err := s.currentAssembly(ctx, db, key)
	if err != nil {
		return err
	}
	if evt.Sequence <= row.LastSeq {
		return nil
	}
	next := projection.ApplyAssemblyProgress(row, evt)
	gathered, err := marshalPositions(next.GatheredPositions)
	if err != nil {
		return fmt.Errorf("readmodel: encode gathered positions for %s: %w", next.AssemblyID, err)
	}
	missing, err := marshalPositions(next.MissingPositions)
	if err != nil {
		return fmt.Errorf("readmodel: encode missing positions for %s: %w", next.AssemblyID, err)
	}
	_, err = db.ExecContext(ctx, queryUpsertAssemblyProgress,
		next.AssemblyID, next.SheetID, next.Status, next.ExpectedCount, next.GatheredCount,
		gathered, missing, next.ProgressPercent,
		nullableTime(next.FirstGatheredAt), nullableTime(next.CompletedAt), nullableTime(next.ErroredAt), next.ErrorReason,
		next.LastEventAt.UTC(), next.LastSeq,
	)
	if err != nil {
		return fmt.Errorf("readmodel: upsert assembly_progress %s: %w", next.AssemblyID, err)
	}
	return nil
}

func (s *Store) applyStationLoad(ctx context.Context, db storage.DBTX, evt *event.Event) error {
	key, ok := projection.StationLoadKey(evt)
	if !ok {
		return nil
	}
	row, err := s.currentStation(ctx, db, key)
	if err != nil {
		return err
	}
	if evt.Sequence <= row.LastSeq {
		return nil
	}
	next := projection.ApplyStationLoad(row, evt)
	_, err = db.ExecContext(ctx, queryUpsertStationLoad,
		next.StationID, next.EventsTotal, next.SheetsCut, next.QAPassed, next.QAFailed,
		next.CardsGathered, next.CardsPacked, next.LastSeenAt.UTC(), next.LastSeq,
	)
	if err != nil {
		return fmt.Errorf("readmodel: upsert station_load %s: %w", next.StationID, err)
	}
	return nil
}

// Reset clears one view and its watermark. Runs inside the caller's
// transaction so a rebuild never exposes a half-cleared view.
func (s *Store) Reset(ctx context.Context, db storage.DBTX, name string) error {
	table, err := tableFor(name)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
		return fmt.Errorf("readmodel: clear %s: %w", table, err)
	}
	if _, err := db.ExecContext(ctx, queryDeleteOffset, name); err != nil {
		return fmt.Errorf("readmodel: clear %s offset: %w", name, err)
	}
	return nil
}

// Offset returns a view's watermark, zero when the view has never applied
// anything.
func (s *Store) Offset(ctx context.Context, db storage.DBTX, name string) (int64, error) {
	if !projection.Known(name) {
		return 0, fmt.Errorf("%w: %q", projection.ErrUnknownProjection, name)
	}
	var seq int64
	err := db.QueryRowContext(ctx, querySelectOffset, name).Scan(&seq)
	if isNoRows(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("readmodel: read %s offset: %w", name, err)
	}
	return seq, nil
}

func includeSet(names []string) (map[string]bool, error) {
	include := make(map[string]bool, len(projection.Names()))
	if len(names) == 0 {
		for _, name := range projection.Names() {
			include[name] = true
		}
		return include, nil
	}
	for _, name := range names {
		if !projection.Known(name) {
			return nil, fmt.Errorf("%w: %q", projection.ErrUnknownProjection, name)
		}
		include[name] = true
	}
	return include, nil
}

func tableFor(name string) (string, error) {
	switch name {
	case projection.NameCardStatus:
		return "card_status", nil
	case projection.NameSheetSummary:
		return "sheet_summary", nil
	case projection.NameAssemblyProgress:
		return "assembly_progress", nil
	case projection.NameStationLoad:
		return "station_load", nil
	default:
		return "", fmt.Errorf("%w: %q", projection.ErrUnknownProjection, name)
	}
}
