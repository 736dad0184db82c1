// Package httpapi is the gin facade over the engine and the read models. It
// owns wire-shape conversion and status mapping and nothing else; every
// decision that matters happens below it.
package httpapi

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/foldline-works/foldline/internal/core/domain"
	"github.com/foldline-works/foldline/internal/engine"
	"github.com/foldline-works/foldline/internal/projection"
)

// Submitter is the engine's command surface.
type Submitter interface {
	Submit(ctx context.Context, env domain.Envelope, cmd domain.Command) (*engine.Receipt, error)
}

// Queries is the read-model surface the facade serves.
type Queries interface {
	Card(ctx context.Context, cardID string) (projection.CardStatusRow, error)
	CardsBySheet(ctx context.Context, sheetID string) ([]projection.CardStatusRow, error)
	Sheet(ctx context.Context, sheetID string) (projection.SheetSummaryRow, error)
	Assembly(ctx context.Context, assemblyID string) (projection.AssemblyProgressRow, error)
	Station(ctx context.Context, stationID string) (projection.StationLoadRow, error)
	Offsets(ctx context.Context) ([]projection.Offset, error)
}

// Replayer rebuilds read models from the log.
type Replayer interface {
	Rebuild(ctx context.Context, name string) error
	RebuildAll(ctx context.Context) error
}

type Service struct {
	submitter        Submitter
	queries          Queries
	replayer         Replayer
	maxBodySizeBytes int
}

func NewService(submitter Submitter, queries Queries, replayer Replayer, maxBodySizeMB int) *Service {
	if submitter == nil {
		panic("httpapi: submitter must not be nil")
	}
	if queries == nil {
		panic("httpapi: queries must not be nil")
	}
	if replayer == nil {
		panic("httpapi: replayer must not be nil")
	}
	if maxBodySizeMB <= 0 {
		maxBodySizeMB = 1 // default to 1MB
	}
	return &Service{
		submitter:        submitter,
		queries:          queries,
		replayer:         replayer,
		maxBodySizeBytes: maxBodySizeMB * 1024 * 1024,
	}
}

// RegisterRoutes registers the command, query and replay routes.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.POST("/v1/commands", s.SubmitHandler)

	r.GET("/v1/sheets/:id", s.SheetHandler)
	r.GET("/v1/sheets/:id/cards", s.SheetCardsHandler)
	r.GET("/v1/cards/:id", s.CardHandler)
	r.GET("/v1/assemblies/:id", s.AssemblyHandler)
	r.GET("/v1/stations/:id", s.StationHandler)

	r.GET("/v1/projections", s.OffsetsHandler)
	r.POST("/v1/projections/replay", s.ReplayAllHandler)
	r.POST("/v1/projections/:name/replay", s.ReplayHandler)
}
