package readmodel

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/foldline-works/foldline/internal/core/storage"
	"github.com/foldline-works/foldline/internal/projection"
)

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// Card fetches one card_status row, projection.ErrNotFound when absent.
func (s *Store) Card(ctx context.Context, db storage.DBTX, cardID string) (projection.CardStatusRow, error) {
	row, err := scanCardStatus(db.QueryRowContext(ctx, querySelectCardStatus, cardID))
	if isNoRows(err) {
		return projection.CardStatusRow{}, fmt.Errorf("card %s: %w", cardID, projection.ErrNotFound)
	}
	if err != nil {
		return projection.CardStatusRow{}, fmt.Errorf("readmodel: read card_status %s: %w", cardID, err)
	}
	return row, nil
}

// CardsBySheet lists a sheet's cards in position then generation order.
func (s *Store) CardsBySheet(ctx context.Context, db storage.DBTX, sheetID string) ([]projection.CardStatusRow, error) {
	rows, err := db.QueryContext(ctx, querySelectCardsBySheet, sheetID)
	if err != nil {
		return nil, fmt.Errorf("readmodel: list cards of sheet %s: %w", sheetID, err)
	}
	defer rows.Close()

	var out []projection.CardStatusRow
	for rows.Next() {
		row, err := scanCardStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("readmodel: scan card of sheet %s: %w", sheetID, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("readmodel: list cards of sheet %s: %w", sheetID, err)
	}
	return out, nil
}

// Sheet fetches one sheet_summary row, projection.ErrNotFound when absent.
func (s *Store) Sheet(ctx context.Context, db storage.DBTX, sheetID string) (projection.SheetSummaryRow, error) {
	var (
		row         projection.SheetSummaryRow
		lastEventAt time.Time
	)
	err := db.QueryRowContext(ctx, querySelectSheetSummary, sheetID).Scan(
		&row.SheetID, &row.JobID, &row.Status, &row.CardCount,
		&row.CardsCreated, &row.CardsInProcess, &row.CardsQAPassed, &row.CardsQAFailed,
		&row.CardsVoided, &row.CardsAssembled, &row.CardsPacked, &row.YieldPercent,
		&lastEventAt, &row.LastSeq,
	)
	if isNoRows(err) {
		return projection.SheetSummaryRow{}, fmt.Errorf("sheet %s: %w", sheetID, projection.ErrNotFound)
	}
	if err != nil {
		return projection.SheetSummaryRow{}, fmt.Errorf("readmodel: read sheet_summary %s: %w", sheetID, err)
	}
	row.LastEventAt = lastEventAt.UTC()
	return row, nil
}

// Assembly fetches one assembly_progress row, projection.ErrNotFound when
// absent.
func (s *Store) Assembly(ctx context.Context, db storage.DBTX, assemblyID string) (projection.AssemblyProgressRow, error) {
	row, err := scanAssemblyProgress(db.QueryRowContext(ctx, querySelectAssemblyProgress, assemblyID))
	if isNoRows(err) {
		return projection.AssemblyProgressRow{}, fmt.Errorf("assembly %s: %w", assemblyID, projection.ErrNotFound)
	}
	if err != nil {
		return projection.AssemblyProgressRow{}, fmt.Errorf("readmodel: read assembly_progress %s: %w", assemblyID, err)
	}
	return row, nil
}

// Station fetches one station_load row, projection.ErrNotFound when absent.
func (s *Store) Station(ctx context.Context, db storage.DBTX, stationID string) (projection.StationLoadRow, error) {
	var (
		row        projection.StationLoadRow
		lastSeenAt time.Time
	)
	err := db.QueryRowContext(ctx, querySelectStationLoad, stationID).Scan(
		&row.StationID, &row.EventsTotal, &row.SheetsCut, &row.QAPassed, &row.QAFailed,
		&row.CardsGathered, &row.CardsPacked, &lastSeenAt, &row.LastSeq,
	)
	if isNoRows(err) {
		return projection.StationLoadRow{}, fmt.Errorf("station %s: %w", stationID, projection.ErrNotFound)
	}
	if err != nil {
		return projection.StationLoadRow{}, fmt.Errorf("readmodel: read station_load %s: %w", stationID, err)
	}
	row.LastSeenAt = lastSeenAt.UTC()
	return row, nil
}

// Offsets lists every projection watermark.
func (s *Store) Offsets(ctx context.Context, db storage.DBTX) ([]projection.Offset, error) {
	rows, err := db.QueryContext(ctx, querySelectOffsets)
	if err != nil {
		return nil, fmt.Errorf("readmodel: list offsets: %w", err)
	}
	defer rows.Close()

	var out []projection.Offset
	for rows.Next() {
		var (
			offset    projection.Offset
			updatedAt time.Time
		)
		if err := rows.Scan(&offset.Projection, &offset.LastAppliedSequence, &updatedAt); err != nil {
			return nil, fmt.Errorf("readmodel: scan offset: %w", err)
		}
		offset.UpdatedAt = updatedAt.UTC()
		out = append(out, offset)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("readmodel: list offsets: %w", err)
	}
	return out, nil
}

// InProgressAssemblies lists assemblies still gathering, least recently
// active first.
func (s *Store) InProgressAssemblies(ctx context.Context, db storage.DBTX, limit int) ([]projection.AssemblyProgressRow, error) {
	rows, err := db.QueryContext(ctx, querySelectInProgressAssemblies, limit)
	if err != nil {
		return nil, fmt.Errorf("readmodel: list in-progress assemblies: %w", err)
	}
	defer rows.Close()

	var out []projection.AssemblyProgressRow
	for rows.Next() {
		row, err := scanAssemblyProgress(rows)
		if err != nil {
			return nil, fmt.Errorf("readmodel: scan in-progress assembly: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("readmodel: list in-progress assemblies: %w", err)
	}
	return out, nil
}

// currentCard is the apply-path read: absent rows come back zero valued.
func (s *Store) currentCard(ctx context.Context, db storage.DBTX, cardID string) (projection.CardStatusRow, error) {
	row, err := s.Card(ctx, db, cardID)
	if errors.Is(err, projection.ErrNotFound) {
		return projection.CardStatusRow{}, nil
	}
	return row, err
}

func (s *Store) currentSheet(ctx context.Context, db storage.DBTX, sheetID string) (projection.SheetSummaryRow, error) {
	row, err := s.Sheet(ctx, db, sheetID)
	if errors.Is(err, projection.ErrNotFound) {
		return projection.SheetSummaryRow{}, nil
	}
	return row, err
}

func (s *Store) currentAssembly(ctx context.Context, db storage.DBTX, assemblyID string) (projection.AssemblyProgressRow, error) {
	row, err := s.Assembly(ctx, db, assemblyID)
	if errors.Is(err, projection.ErrNotFound) {
		return projection.AssemblyProgressRow{}, nil
	}
	return row, err
}

func (s *Store) currentStation(ctx context.Context, db storage.DBTX, stationID string) (projection.StationLoadRow, error) {
	row, err := s.Station(ctx, db, stationID)
	if errors.Is(err, projection.ErrNotFound) {
		return projection.StationLoadRow{}, nil
	}
	return row, err
}

func scanCardStatus(sc scanner) (projection.CardStatusRow, error) {
	var (
		row         projection.CardStatusRow
		lastEventAt time.Time
	)
	err := sc.Scan(
		&row.CardID, &row.SheetID, &row.Position, &row.Generation, &row.ReplacesCardID,
		&row.Status, &row.DefectCode, &row.VoidReason, &row.AssemblyID, &row.ReworkCount,
		&lastEventAt, &row.LastSeq,
	)
	if err != nil {
		return projection.CardStatusRow{}, err
	}
	row.LastEventAt = lastEventAt.UTC()
	return row, nil
}

func scanAssemblyProgress(sc scanner) (projection.AssemblyProgressRow, error) {
	var (
		row             projection.AssemblyProgressRow
		gathered        string
		missing         string
		firstGatheredAt sql.NullTime
		completedAt     sql.NullTime
		erroredAt       sql.NullTime
		lastEventAt     time.Time
	)
	err := sc.Scan(
		&row.AssemblyID, &row.SheetID, &row.Status, &row.ExpectedCount, &row.GatheredCount,
		&gathered, &missing, &row.ProgressPercent,
		&firstGatheredAt, &completedAt, &erroredAt, &row.ErrorReason,
		&lastEventAt, &row.LastSeq,
	)
	if err != nil {
		return projection.AssemblyProgressRow{}, err
	}
	if row.GatheredPositions, err = unmarshalPositions(gathered); err != nil {
		return projection.AssemblyProgressRow{}, fmt.Errorf("decode gathered positions of %s: %w", row.AssemblyID, err)
	}
	if row.MissingPositions, err = unmarshalPositions(missing); err != nil {
		return projection.AssemblyProgressRow{}, fmt.Errorf("decode missing positions of %s: %w", row.AssemblyID, err)
	}
	row.FirstGatheredAt = timeOrZero(firstGatheredAt)
	row.CompletedAt = timeOrZero(completedAt)
	row.ErroredAt = timeOrZero(erroredAt)
	row.LastEventAt = lastEventAt.UTC()
	return row, nil
}

func marshalPositions(positions []int) (string, error) {
	if len(positions) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(positions)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalPositions(data string) ([]int, error) {
	if data == "" || data == "[]" || data == "null" {
		return nil, nil
	}
	var positions []int
	if err := json.Unmarshal([]byte(data), &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func timeOrZero(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
