package httpapi

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	v1 "github.com/foldline-works/foldline/internal/api/v1"
	httperr "github.com/foldline-works/foldline/internal/core/errors"
	"github.com/foldline-works/foldline/internal/projection"
)

// SheetHandler handles GET /v1/sheets/:id.
func (s *Service) SheetHandler(c *gin.Context) {
	id := c.Param("id")
	row, err := s.queries.Sheet(c.Request.Context(), id)
	if err != nil {
		writeQueryError(c, "sheet", id, err)
		return
	}
	c.JSON(http.StatusOK, sheetView(row))
}

// SheetCardsHandler handles GET /v1/sheets/:id/cards. A sheet with no cards
// yet, or one the log has never seen, answers with an empty list.
func (s *Service) SheetCardsHandler(c *gin.Context) {
	id := c.Param("id")
	rows, err := s.queries.CardsBySheet(c.Request.Context(), id)
	if err != nil {
		writeQueryError(c, "sheet", id, err)
		return
	}
	views := make([]v1.CardView, 0, len(rows))
	for _, row := range rows {
		views = append(views, cardView(row))
	}
	c.JSON(http.StatusOK, views)
}

// CardHandler handles GET /v1/cards/:id.
func (s *Service) CardHandler(c *gin.Context) {
	id := c.Param("id")
	row, err := s.queries.Card(c.Request.Context(), id)
	if err != nil {
		writeQueryError(c, "card", id, err)
		return
	}
	c.JSON(http.StatusOK, cardView(row))
}

// AssemblyHandler handles GET /v1/assemblies/:id.
func (s *Service) AssemblyHandler(c *gin.Context) {
	id := c.Param("id")
	row, err := s.queries.Assembly(c.Request.Context(), id)
	if err != nil {
		writeQueryError(c, "assembly", id, err)
		return
	}
	c.JSON(http.StatusOK, assemblyView(row))
}

// StationHandler handles GET /v1/stations/:id.
func (s *Service) StationHandler(c *gin.Context) {
	id := c.Param("id")
	row, err := s.queries.Station(c.Request.Context(), id)
	if err != nil {
		writeQueryError(c, "station", id, err)
		return
	}
	c.JSON(http.StatusOK, stationView(row))
}

// OffsetsHandler handles GET /v1/projections.
func (s *Service) OffsetsHandler(c *gin.Context) {
	offsets, err := s.queries.Offsets(c.Request.Context())
	if err != nil {
		slog.Error("[API] Offsets query failed", "error", err)
		writeError(c, &apiError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgQueryFailed,
		})
		return
	}
	views := make([]v1.OffsetView, 0, len(offsets))
	for _, off := range offsets {
		views = append(views, v1.OffsetView{
			Projection:          off.Projection,
			LastAppliedSequence: off.LastAppliedSequence,
			UpdatedAt:           off.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, views)
}

// ReplayHandler handles POST /v1/projections/:name/replay. The rebuild runs
// synchronously; at this system's scale that is seconds, not minutes.
func (s *Service) ReplayHandler(c *gin.Context) {
	name := c.Param("name")
	if err := s.replayer.Rebuild(c.Request.Context(), name); err != nil {
		if errors.Is(err, projection.ErrUnknownProjection) {
			writeError(c, &apiError{
				statusCode: http.StatusNotFound,
				errorType:  httperr.HttpNotFoundError,
				message:    err.Error(),
			})
			return
		}
		slog.Error("[API] Replay failed", "projection", name, "error", err)
		writeError(c, &apiError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    "Failed to rebuild projection",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rebuilt", "projection": name})
}

// ReplayAllHandler handles POST /v1/projections/replay.
func (s *Service) ReplayAllHandler(c *gin.Context) {
	if err := s.replayer.RebuildAll(c.Request.Context()); err != nil {
		slog.Error("[API] Replay of all projections failed", "error", err)
		writeError(c, &apiError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    "Failed to rebuild projections",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rebuilt", "projections": projection.Names()})
}

func writeQueryError(c *gin.Context, kind, id string, err error) {
	if errors.Is(err, projection.ErrNotFound) {
		writeError(c, &apiError{
			statusCode: http.StatusNotFound,
			errorType:  httperr.HttpNotFoundError,
			message:    fmt.Sprintf("%s %s not found", kind, id),
		})
		return
	}
	slog.Error("[API] Query failed", "kind", kind, "id", id, "error", err)
	writeError(c, &apiError{
		statusCode: http.StatusInternalServerError,
		errorType:  httperr.HttpInternalError,
		message:    msgQueryFailed,
	})
}

func cardView(row projection.CardStatusRow) v1.CardView {
	return v1.CardView{
		CardID:         row.CardID,
		SheetID:        row.SheetID,
		Position:       row.Position,
		Generation:     row.Generation,
		ReplacesCardID: row.ReplacesCardID,
		Status:         row.Status,
		DefectCode:     row.DefectCode,
		VoidReason:     row.VoidReason,
		AssemblyID:     row.AssemblyID,
		ReworkCount:    row.ReworkCount,
		LastEventAt:    row.LastEventAt,
		LastSeq:        row.LastSeq,
	}
}

func sheetView(row projection.SheetSummaryRow) v1.SheetView {
	return v1.SheetView{
		SheetID:        row.SheetID,
		JobID:          row.JobID,
		Status:         row.Status,
		CardCount:      row.CardCount,
		CardsCreated:   row.CardsCreated,
		CardsInProcess: row.CardsInProcess,
		CardsQAPassed:  row.CardsQAPassed,
		CardsQAFailed:  row.CardsQAFailed,
		CardsVoided:    row.CardsVoided,
		CardsAssembled: row.CardsAssembled,
		CardsPacked:    row.CardsPacked,
		YieldPercent:   row.YieldPercent,
		LastEventAt:    row.LastEventAt,
		LastSeq:        row.LastSeq,
	}
}

func assemblyView(row projection.AssemblyProgressRow) v1.AssemblyView {
	return v1.AssemblyView{
		AssemblyID:        row.AssemblyID,
		SheetID:           row.SheetID,
		Status:            row.Status,
		ExpectedCount:     row.ExpectedCount,
		GatheredCount:     row.GatheredCount,
		GatheredPositions: row.GatheredPositions,
		MissingPositions:  row.MissingPositions,
		ProgressPercent:   row.ProgressPercent,
		FirstGatheredAt:   optionalTime(row.FirstGatheredAt),
		CompletedAt:       optionalTime(row.CompletedAt),
		ErroredAt:         optionalTime(row.ErroredAt),
		ErrorReason:       row.ErrorReason,
		LastEventAt:       row.LastEventAt,
		LastSeq:           row.LastSeq,
	}
}

func stationView(row projection.StationLoadRow) v1.StationView {
	return v1.StationView{
		StationID:     row.StationID,
		EventsTotal:   row.EventsTotal,
		SheetsCut:     row.SheetsCut,
		QAPassed:      row.QAPassed,
		QAFailed:      row.QAFailed,
		CardsGathered: row.CardsGathered,
		CardsPacked:   row.CardsPacked,
		LastSeenAt:    row.LastSeenAt,
		LastSeq:       row.LastSeq,
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
