package projection

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/foldline-works/foldline/internal/core/storage"
)

// ErrNotFound is returned when a view has no row for the requested key.
var ErrNotFound = errors.New("no such row")

// Reader is the SQL behind the query service. Implementations are stateless;
// the DBTX parameter decides where a query runs.
type Reader interface {
	Card(ctx context.Context, db storage.DBTX, cardID string) (CardStatusRow, error)
	CardsBySheet(ctx context.Context, db storage.DBTX, sheetID string) ([]CardStatusRow, error)
	Sheet(ctx context.Context, db storage.DBTX, sheetID string) (SheetSummaryRow, error)
	Assembly(ctx context.Context, db storage.DBTX, assemblyID string) (AssemblyProgressRow, error)
	Station(ctx context.Context, db storage.DBTX, stationID string) (StationLoadRow, error)
	Offsets(ctx context.Context, db storage.DBTX) ([]Offset, error)
	InProgressAssemblies(ctx context.Context, db storage.DBTX, limit int) ([]AssemblyProgressRow, error)
}

// Service answers the read-side queries of the HTTP facade and the watchdog.
// It never touches the event log; everything comes from the views.
type Service struct {
	db     *sql.DB
	reader Reader
}

// NewService creates the query service.
func NewService(db *sql.DB, reader Reader) *Service {
	if db == nil {
		panic("projection: db must not be nil")
	}
	if reader == nil {
		panic("projection: reader must not be nil")
	}
	return &Service{db: db, reader: reader}
}

// Card returns the card_status row for one card.
func (s *Service) Card(ctx context.Context, cardID string) (CardStatusRow, error) {
	return s.reader.Card(ctx, s.db, cardID)
}

// CardsBySheet returns the card_status rows of every card cut from a sheet,
// replacements included, ordered by position then generation.
func (s *Service) CardsBySheet(ctx context.Context, sheetID string) ([]CardStatusRow, error) {
	return s.reader.CardsBySheet(ctx, s.db, sheetID)
}

// Sheet returns the sheet_summary row for one sheet.
func (s *Service) Sheet(ctx context.Context, sheetID string) (SheetSummaryRow, error) {
	return s.reader.Sheet(ctx, s.db, sheetID)
}

// Assembly returns the assembly_progress row for one assembly.
func (s *Service) Assembly(ctx context.Context, assemblyID string) (AssemblyProgressRow, error) {
	return s.reader.Assembly(ctx, s.db, assemblyID)
}

// Station returns the station_load row for one station.
func (s *Service) Station(ctx context.Context, stationID string) (StationLoadRow, error) {
	return s.reader.Station(ctx, s.db, stationID)
}

// Offsets returns the fold position of every projection.
func (s *Service) Offsets(ctx context.Context) ([]Offset, error) {
	return s.reader.Offsets(ctx, s.db)
}

// OverdueAssemblies returns up to limit in-progress assemblies whose first
// gather happened at or before cutoff, oldest first. The watchdog feeds
// these into timeout commands; the transition re-checks the window against
// the stream, so a stale view only costs a rejected command.
func (s *Service) OverdueAssemblies(ctx context.Context, cutoff time.Time, limit int) ([]AssemblyProgressRow, error) {
	rows, err := s.reader.InProgressAssemblies(ctx, s.db, limit)
	if err != nil {
		return nil, err
	}
	overdue := make([]AssemblyProgressRow, 0, len(rows))
	for _, row := range rows {
		if row.FirstGatheredAt.IsZero() || row.FirstGatheredAt.After(cutoff) {
			continue
		}
		overdue = append(overdue, row)
	}
	return overdue, nil
}
