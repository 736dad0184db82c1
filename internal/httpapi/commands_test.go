package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	v1 "github.com/foldline-works/foldline/internal/api/v1"
	"github.com/foldline-works/foldline/internal/core/domain"
	httperr "github.com/foldline-works/foldline/internal/core/errors"
	"github.com/foldline-works/foldline/internal/core/event"
	"github.com/foldline-works/foldline/internal/core/storage"
	"github.com/foldline-works/foldline/internal/engine"
	"github.com/foldline-works/foldline/internal/projection"
)

type fakeSubmitter struct {
	receipt *engine.Receipt
	err     error

	env domain.Envelope
	cmd domain.Command
}

func (f *fakeSubmitter) Submit(_ context.Context, env domain.Envelope, cmd domain.Command) (*engine.Receipt, error) {
	f.env = env
	f.cmd = cmd
	if f.err != nil {
		return nil, f.err
	}
	return f.receipt, nil
}

type fakeQueries struct {
	card     projection.CardStatusRow
	cards    []projection.CardStatusRow
	sheet    projection.SheetSummaryRow
	assembly projection.AssemblyProgressRow
	station  projection.StationLoadRow
	offsets  []projection.Offset
	err      error
}

func (f *fakeQueries) Card(context.Context, string) (projection.CardStatusRow, error) {
	return f.card, f.err
}

func (f *fakeQueries) CardsBySheet(context.Context, string) ([]projection.CardStatusRow, error) {
	return f.cards, f.err
}

func (f *fakeQueries) Sheet(context.Context, string) (projection.SheetSummaryRow, error) {
	return f.sheet, f.err
}

func (f *fakeQueries) Assembly(context.Context, string) (projection.AssemblyProgressRow, error) {
	return f.assembly, f.err
}

func (f *fakeQueries) Station(context.Context, string) (projection.StationLoadRow, error) {
	return f.station, f.err
}

func (f *fakeQueries) Offsets(context.Context) ([]projection.Offset, error) {
	return f.offsets, f.err
}

type fakeReplayer struct {
	rebuilt    []string
	rebuiltAll bool
	err        error
}

func (f *fakeReplayer) Rebuild(_ context.Context, name string) error {
	if f.err != nil {
		return f.err
	}
	f.rebuilt = append(f.rebuilt, name)
	return nil
}

func (f *fakeReplayer) RebuildAll(context.Context) error {
	if f.err != nil {
		return f.err
	}
	f.rebuiltAll = true
	return nil
}

func newTestRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	svc.RegisterRoutes(r)
	return r
}

func postCommand(t *testing.T, r *gin.Engine, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/commands", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func registerReceipt() *engine.Receipt {
	return &engine.Receipt{
		CommandID:     uuid.MustParse("5f4db1c2-7c2a-4a8e-9f7d-2f6a3b8c9d0e"),
		AggregateType: event.AggregateSheet,
		AggregateID:   "J1044-S003",
		Version:       1,
		State:         domain.Sheet{ID: "J1044-S003", JobID: "J1044", Status: domain.SheetPending},
		Events: []engine.AppendedEvent{{
			ID:            uuid.MustParse("aa04b1c2-7c2a-4a8e-9f7d-2f6a3b8c9d0e"),
			Sequence:      1,
			AggregateType: event.AggregateSheet,
			AggregateID:   "J1044-S003",
			Version:       1,
			Type:          event.TypeSheetRegistered,
		}},
	}
}

func TestSubmitHandler_Success(t *testing.T) {
	submitter := &fakeSubmitter{receipt: registerReceipt()}
	svc := NewService(submitter, &fakeQueries{}, &fakeReplayer{}, 1)
	r := newTestRouter(svc)

	resp := postCommand(t, r, `{
		"command_id": "5f4db1c2-7c2a-4a8e-9f7d-2f6a3b8c9d0e",
		"type": "sheet.register",
		"occurred_at": "2026-03-12T07:00:00Z",
		"actor_id": "op-7",
		"station_id": "CUT-01",
		"command": {"sheet_id": "J1044-S003", "job_id": "J1044"}
	}`)

	require.Equal(t, http.StatusOK, resp.Code)

	var receipt v1.CommandReceipt
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &receipt))
	require.Equal(t, "sheet", receipt.AggregateType)
	require.Equal(t, "J1044-S003", receipt.AggregateID)
	require.EqualValues(t, 1, receipt.Version)
	require.False(t, receipt.AlreadyApplied)
	require.Len(t, receipt.Events, 1)
	require.Equal(t, "sheet.registered", receipt.Events[0].Type)

	state, ok := receipt.State.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "PENDING", state["status"])
	require.Equal(t, "J1044", state["job_id"])

	// The envelope reached the engine with the caller's context intact.
	require.Equal(t, uuid.MustParse("5f4db1c2-7c2a-4a8e-9f7d-2f6a3b8c9d0e"), submitter.env.CommandID)
	require.Equal(t, time.Date(2026, 3, 12, 7, 0, 0, 0, time.UTC), submitter.env.OccurredAt.UTC())
	require.Equal(t, "op-7", submitter.env.ActorID)
	require.Equal(t, "CUT-01", submitter.env.StationID)
	require.Equal(t, domain.RegisterSheet{SheetID: "J1044-S003", JobID: "J1044"}, submitter.cmd)
}

func TestSubmitHandler_LeavesDefaultsToEngine(t *testing.T) {
	submitter := &fakeSubmitter{receipt: registerReceipt()}
	svc := NewService(submitter, &fakeQueries{}, &fakeReplayer{}, 1)
	r := newTestRouter(svc)

	resp := postCommand(t, r, `{
		"type": "sheet.register",
		"actor_id": "op-7",
		"command": {"sheet_id": "J1044-S003"}
	}`)

	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, uuid.Nil, submitter.env.CommandID)
	require.True(t, submitter.env.OccurredAt.IsZero())
}

func TestSubmitHandler_InvalidJSON(t *testing.T) {
	svc := NewService(&fakeSubmitter{}, &fakeQueries{}, &fakeReplayer{}, 1)
	r := newTestRouter(svc)

	resp := postCommand(t, r, "not json")

	require.Equal(t, http.StatusBadRequest, resp.Code)
	var errResp httperr.ErrorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &errResp))
	require.Equal(t, httperr.HttpInvalidJsonError, errResp.ErrorType)
}

func TestSubmitHandler_MissingActor(t *testing.T) {
	svc := NewService(&fakeSubmitter{}, &fakeQueries{}, &fakeReplayer{}, 1)
	r := newTestRouter(svc)

	resp := postCommand(t, r, `{"type": "sheet.register", "command": {"sheet_id": "J1044-S003"}}`)

	require.Equal(t, http.StatusBadRequest, resp.Code)
	var errResp httperr.ErrorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &errResp))
	require.Equal(t, httperr.HttpInvalidCommandError, errResp.ErrorType)
	require.Contains(t, errResp.Message, "actor_id")
}

func TestSubmitHandler_UnknownCommandType(t *testing.T) {
	svc := NewService(&fakeSubmitter{}, &fakeQueries{}, &fakeReplayer{}, 1)
	r := newTestRouter(svc)

	resp := postCommand(t, r, `{"type": "sheet.fold", "actor_id": "op-7", "command": {}}`)

	require.Equal(t, http.StatusBadRequest, resp.Code)
	var errResp httperr.ErrorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &errResp))
	require.Equal(t, httperr.HttpInvalidCommandError, errResp.ErrorType)
	require.Contains(t, errResp.Message, "unknown command type")
}

func TestSubmitHandler_InvalidCommandBody(t *testing.T) {
	svc := NewService(&fakeSubmitter{}, &fakeQueries{}, &fakeReplayer{}, 1)
	r := newTestRouter(svc)

	resp := postCommand(t, r, `{
		"type": "sheet.cut",
		"actor_id": "op-7",
		"command": {"sheet_id": "J1044-S003", "card_count": 0}
	}`)

	require.Equal(t, http.StatusBadRequest, resp.Code)
	var errResp httperr.ErrorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &errResp))
	require.Equal(t, httperr.HttpInvalidCommandError, errResp.ErrorType)
	require.Contains(t, errResp.Message, "card_count")
}

func TestSubmitHandler_RejectionMapsTo422(t *testing.T) {
	submitter := &fakeSubmitter{err: fmt.Errorf("sheet J1044-S003: %w", domain.ErrNotEligible)}
	svc := NewService(submitter, &fakeQueries{}, &fakeReplayer{}, 1)
	r := newTestRouter(svc)

	resp := postCommand(t, r, `{
		"type": "sheet.start",
		"actor_id": "op-7",
		"command": {"sheet_id": "J1044-S003"}
	}`)

	require.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	var errResp httperr.ErrorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &errResp))
	require.Equal(t, "not_eligible", errResp.ErrorType)
	require.Contains(t, errResp.Message, "J1044-S003")
}

func TestSubmitHandler_StationRejectionKeepsItsCode(t *testing.T) {
	submitter := &fakeSubmitter{err: fmt.Errorf("station QA-99: %w", domain.ErrUnknownStation)}
	svc := NewService(submitter, &fakeQueries{}, &fakeReplayer{}, 1)
	r := newTestRouter(svc)

	resp := postCommand(t, r, `{
		"type": "sheet.register",
		"actor_id": "op-7",
		"station_id": "QA-99",
		"command": {"sheet_id": "J1044-S003"}
	}`)

	require.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	var errResp httperr.ErrorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &errResp))
	require.Equal(t, "unknown_station", errResp.ErrorType)
}

func TestSubmitHandler_ConflictMapsTo409(t *testing.T) {
	submitter := &fakeSubmitter{err: fmt.Errorf("command sheet.start exhausted 3 retries: %w", storage.ErrVersionConflict)}
	svc := NewService(submitter, &fakeQueries{}, &fakeReplayer{}, 1)
	r := newTestRouter(svc)

	resp := postCommand(t, r, `{
		"type": "sheet.start",
		"actor_id": "op-7",
		"command": {"sheet_id": "J1044-S003"}
	}`)

	require.Equal(t, http.StatusConflict, resp.Code)
	var errResp httperr.ErrorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &errResp))
	require.Equal(t, httperr.HttpVersionConflictError, errResp.ErrorType)
}

func TestSubmitHandler_InternalFaultStaysOpaque(t *testing.T) {
	submitter := &fakeSubmitter{err: errors.New("append events: connection reset")}
	svc := NewService(submitter, &fakeQueries{}, &fakeReplayer{}, 1)
	r := newTestRouter(svc)

	resp := postCommand(t, r, `{
		"type": "sheet.register",
		"actor_id": "op-7",
		"command": {"sheet_id": "J1044-S003"}
	}`)

	require.Equal(t, http.StatusInternalServerError, resp.Code)
	var errResp httperr.ErrorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &errResp))
	require.Equal(t, httperr.HttpInternalError, errResp.ErrorType)
	require.Equal(t, msgSubmitFailed, errResp.Message)
	require.NotContains(t, errResp.Message, "connection reset")
}

func TestSubmitHandler_OversizedBody(t *testing.T) {
	svc := NewService(&fakeSubmitter{}, &fakeQueries{}, &fakeReplayer{}, 1)
	r := newTestRouter(svc)

	huge := make([]byte, 1024*1024+16)
	for i := range huge {
		huge[i] = 'x'
	}
	resp := postCommand(t, r, string(huge))

	require.Equal(t, http.StatusRequestEntityTooLarge, resp.Code)
}

func TestSubmitHandler_AlreadyApplied(t *testing.T) {
	receipt := registerReceipt()
	receipt.AlreadyApplied = true
	receipt.Events = nil
	svc := NewService(&fakeSubmitter{receipt: receipt}, &fakeQueries{}, &fakeReplayer{}, 1)
	r := newTestRouter(svc)

	resp := postCommand(t, r, `{
		"command_id": "5f4db1c2-7c2a-4a8e-9f7d-2f6a3b8c9d0e",
		"type": "sheet.register",
		"actor_id": "op-7",
		"command": {"sheet_id": "J1044-S003"}
	}`)

	require.Equal(t, http.StatusOK, resp.Code)
	var body v1.CommandReceipt
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.True(t, body.AlreadyApplied)
	require.Empty(t, body.Events)
}

func TestNewService_Validates(t *testing.T) {
	require.PanicsWithValue(t, "httpapi: submitter must not be nil", func() {
		NewService(nil, &fakeQueries{}, &fakeReplayer{}, 1)
	})
	require.PanicsWithValue(t, "httpapi: queries must not be nil", func() {
		NewService(&fakeSubmitter{}, nil, &fakeReplayer{}, 1)
	})
	require.PanicsWithValue(t, "httpapi: replayer must not be nil", func() {
		NewService(&fakeSubmitter{}, &fakeQueries{}, nil, 1)
	})
}
