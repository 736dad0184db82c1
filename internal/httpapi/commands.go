package httpapi

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	v1 "github.com/foldline-works/foldline/internal/api/v1"
	"github.com/foldline-works/foldline/internal/core/domain"
	httperr "github.com/foldline-works/foldline/internal/core/errors"
	"github.com/foldline-works/foldline/internal/core/identity"
	"github.com/foldline-works/foldline/internal/core/storage"
	"github.com/foldline-works/foldline/internal/engine"
)

const (
	msgReadBodyFailed = "Failed to read request body"
	msgInvalidJSON    = "Invalid JSON body"
	msgSubmitFailed   = "Failed to apply command"
	msgQueryFailed    = "Failed to read view"
)

// apiError carries the structured HTTP error shape from a helper back to the
// handler. Helpers return this instead of writing to gin.Context directly,
// keeping them decoupled from HTTP.
type apiError struct {
	statusCode int
	errorType  string
	message    string
	details    interface{}
}

func (e *apiError) Error() string {
	return e.message
}

// SubmitHandler handles POST /v1/commands.
func (s *Service) SubmitHandler(c *gin.Context) {
	req, apiErr := s.parseCommand(c)
	if apiErr != nil {
		writeError(c, apiErr)
		return
	}

	cmd, err := domain.DecodeCommand(req.Type, req.Command)
	if err != nil {
		slog.Warn("[API] Command decode failed", "command_type", req.Type, "error", err)
		writeError(c, &apiError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpInvalidCommandError,
			message:    err.Error(),
		})
		return
	}

	env, apiErr := buildEnvelope(req)
	if apiErr != nil {
		writeError(c, apiErr)
		return
	}

	slog.Info("[API] Command received",
		"command_type", req.Type,
		"aggregate_id", cmd.AggregateID(),
		"actor_id", req.ActorID,
		"station_id", req.StationID)

	receipt, err := s.submitter.Submit(c.Request.Context(), env, cmd)
	if err != nil {
		writeError(c, submitError(req.Type, err))
		return
	}

	c.JSON(http.StatusOK, receiptBody(receipt))
}

// parseCommand reads the raw request body and binds it into a CommandRequest.
func (s *Service) parseCommand(c *gin.Context) (*v1.CommandRequest, *apiError) {
	// Enforce maximum body size to prevent OOM attacks
	maxBytes := int64(s.maxBodySizeBytes)
	limitedBody := io.LimitReader(c.Request.Body, maxBytes+1) // +1 to detect oversized requests

	bodyBytes, err := io.ReadAll(limitedBody)
	if err != nil {
		slog.Error("[API] Failed to read request body", "error", err)
		return nil, &apiError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgReadBodyFailed,
		}
	}

	if int64(len(bodyBytes)) > maxBytes {
		slog.Warn("[API] Request body exceeds maximum size", "size", len(bodyBytes), "max", maxBytes)
		return nil, &apiError{
			statusCode: http.StatusRequestEntityTooLarge,
			errorType:  httperr.HttpInvalidJsonError,
			message:    "Request body exceeds maximum allowed size",
			details: map[string]interface{}{
				"max_size_mb": maxBytes / (1024 * 1024),
			},
		}
	}

	c.Request.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	var req v1.CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.Warn("[API] Invalid JSON body received", "error", err, "payload_size", len(bodyBytes))
		return nil, &apiError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpInvalidJsonError,
			message:    msgInvalidJSON,
		}
	}

	if err := req.Validate(); err != nil {
		slog.Warn("[API] Envelope validation failed", "error", err, "command_type", req.Type)
		return nil, &apiError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpInvalidCommandError,
			message:    err.Error(),
		}
	}

	return &req, nil
}

// buildEnvelope converts the request's context fields. Zero CommandID and
// OccurredAt stay zero; the engine assigns them.
func buildEnvelope(req *v1.CommandRequest) (domain.Envelope, *apiError) {
	env := domain.Envelope{
		ActorID:   req.ActorID,
		StationID: req.StationID,
	}
	if req.CommandID != "" {
		id, err := uuid.Parse(req.CommandID)
		if err != nil {
			return env, &apiError{
				statusCode: http.StatusBadRequest,
				errorType:  httperr.HttpInvalidCommandError,
				message:    "command_id must be a UUID",
			}
		}
		env.CommandID = id
	}
	if req.OccurredAt != nil {
		env.OccurredAt = *req.OccurredAt
	}
	return env, nil
}

// submitError maps a Submit failure onto the wire taxonomy. Rejections keep
// their domain code as the error type; internal faults stay opaque.
func submitError(commandType string, err error) *apiError {
	var rej *domain.Rejection
	switch {
	case errors.As(err, &rej):
		slog.Info("[API] Command rejected", "command_type", commandType, "code", rej.Code, "error", err)
		return &apiError{
			statusCode: http.StatusUnprocessableEntity,
			errorType:  rej.Code,
			message:    err.Error(),
		}
	case errors.Is(err, engine.ErrInvalidCommand), errors.Is(err, identity.ErrInvalidPosition):
		slog.Warn("[API] Invalid command", "command_type", commandType, "error", err)
		return &apiError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpInvalidCommandError,
			message:    err.Error(),
		}
	case errors.Is(err, storage.ErrVersionConflict):
		slog.Warn("[API] Version conflict surfaced", "command_type", commandType, "error", err)
		return &apiError{
			statusCode: http.StatusConflict,
			errorType:  httperr.HttpVersionConflictError,
			message:    err.Error(),
		}
	default:
		slog.Error("[API] Command failed", "command_type", commandType, "error", err)
		return &apiError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgSubmitFailed,
		}
	}
}

func receiptBody(r *engine.Receipt) v1.CommandReceipt {
	events := make([]v1.EventRecord, 0, len(r.Events))
	for _, evt := range r.Events {
		events = append(events, v1.EventRecord{
			ID:            evt.ID.String(),
			Sequence:      evt.Sequence,
			AggregateType: string(evt.AggregateType),
			AggregateID:   evt.AggregateID,
			Version:       evt.Version,
			Type:          string(evt.Type),
		})
	}
	return v1.CommandReceipt{
		CommandID:      r.CommandID.String(),
		AggregateType:  string(r.AggregateType),
		AggregateID:    r.AggregateID,
		Version:        r.Version,
		AlreadyApplied: r.AlreadyApplied,
		State:          stateView(r.State),
		Events:         events,
	}
}

// stateView converts a folded aggregate into its wire shape.
func stateView(st domain.State) interface{} {
	switch s := st.(type) {
	case domain.Sheet:
		return v1.SheetState{
			SheetID:    s.ID,
			JobID:      s.JobID,
			Status:     string(s.Status),
			CardCount:  s.CardCount,
			AssemblyID: s.AssemblyID,
		}
	case domain.Card:
		return v1.CardState{
			CardID:         s.ID,
			SheetID:        s.SheetID,
			Position:       s.Position,
			Generation:     s.Generation,
			ReplacesCardID: s.ReplacesCardID,
			Status:         string(s.Status),
			DefectCode:     s.DefectCode,
			ReworkCount:    s.ReworkCount,
		}
	case domain.Assembly:
		view := v1.AssemblyState{
			AssemblyID:       s.ID,
			SheetID:          s.SheetID,
			Status:           string(s.Status),
			ExpectedCount:    s.ExpectedCount,
			GatheredCount:    s.GatheredCount(),
			MissingPositions: s.MissingPositions(),
		}
		if !s.FirstGatheredAt.IsZero() {
			first := s.FirstGatheredAt
			view.FirstGatheredAt = &first
		}
		return view
	default:
		return nil
	}
}

// writeError serializes an apiError as the JSON HTTP response.
func writeError(c *gin.Context, err *apiError) {
	c.JSON(err.statusCode, httperr.ErrorResponse{
		ErrorType: err.errorType,
		Message:   err.message,
		Details:   err.details,
	})
}
