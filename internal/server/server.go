// Package server exposes the pipeline over HTTP: stage listing and
// progress, manual inserts, populate triggers, cascade deletes, job and
// event inspection.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"scanline/internal/engine"
	"scanline/internal/events"
	"scanline/internal/jobs"
	"scanline/internal/key"
	"scanline/internal/stage"
	"scanline/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"stage reso.scan_info: no committed row"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope for every failure response.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the pipeline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Scanline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerStages(group, cfg.Engine)
	registerRows(group, cfg.Engine)
	registerPopulate(group, cfg.Engine)
	registerDelete(group, cfg.Engine)
	registerJobs(group, cfg.Engine)
	registerEvents(group, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, stage.ErrUnknownStage), errors.Is(err, store.ErrNotFound), errors.Is(err, jobs.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, jobs.ErrReserved):
		return newAPIError(http.StatusConflict, "reserved", err.Error(), nil)
	case errors.Is(err, engine.ErrSource), errors.Is(err, stage.ErrConfig):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// restrictionKey converts a JSON attribute map into a key.
func restrictionKey(m map[string]string) key.Key {
	attrs := make([]key.Attr, 0, len(m))
	for name, value := range m {
		attrs = append(attrs, key.Attr{Name: name, Value: value})
	}
	return key.New(attrs...)
}

func keyMap(k key.Key) map[string]string {
	out := make(map[string]string, k.Len())
	for _, a := range k.Attrs() {
		out[a.Name] = a.Value
	}
	return out
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type stageSummary struct {
	ID       string   `json:"id"`
	Schema   []string `json:"schema"`
	Upstream []string `json:"upstream,omitempty"`
	Manual   bool     `json:"manual"`
	Todo     int      `json:"todo"`
	Done     int      `json:"done"`
	Errors   int      `json:"errors"`
}

func stageStatus(ctx context.Context, e *engine.Engine, st *stage.Stage) (stageSummary, error) {
	todo, done, err := e.Progress(ctx, st)
	if err != nil {
		return stageSummary{}, err
	}
	errRecs, err := e.Errors(ctx, st.ID)
	if err != nil {
		return stageSummary{}, err
	}
	return stageSummary{
		ID:       st.ID,
		Schema:   st.Schema,
		Upstream: st.Upstream,
		Manual:   st.Manual(),
		Todo:     todo,
		Done:     done,
		Errors:   len(errRecs),
	}, nil
}

func registerStages(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-stages",
		Method:      http.MethodGet,
		Path:        "/stages",
		Summary:     "List stages with progress",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []stageSummary `json:"body"`
	}, error) {
		out := make([]stageSummary, 0)
		for _, st := range e.Registry.Stages() {
			s, err := stageStatus(ctx, e, st)
			if err != nil {
				return nil, handleError(err)
			}
			out = append(out, s)
		}
		return &struct {
			Body []stageSummary `json:"body"`
		}{Body: out}, nil
	})

	type stagePath struct {
		StageID string `path:"stage_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "stage-progress",
		Method:      http.MethodGet,
		Path:        "/stages/{stage_id}",
		Summary:     "Stage progress",
	}, func(ctx context.Context, input *stagePath) (*struct {
		Body stageSummary `json:"body"`
	}, error) {
		st, err := e.Registry.Get(input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		s, err := stageStatus(ctx, e, st)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body stageSummary `json:"body"`
		}{Body: s}, nil
	})
}

type rowDTO struct {
	Key    map[string]string `json:"key"`
	Values map[string]any    `json:"values,omitempty"`
}

func registerRows(api huma.API, e *engine.Engine) {
	type rowsInput struct {
		StageID string `path:"stage_id"`
		Body    struct {
			Restriction map[string]string `json:"restriction,omitempty"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "query-rows",
		Method:      http.MethodPost,
		Path:        "/stages/{stage_id}/query",
		Summary:     "List committed rows matching a restriction",
	}, func(ctx context.Context, input *rowsInput) (*struct {
		Body []rowDTO `json:"body"`
	}, error) {
		if _, err := e.Registry.Get(input.StageID); err != nil {
			return nil, handleError(err)
		}
		rows, err := e.Store.Rows(ctx, input.StageID, restrictionKey(input.Body.Restriction))
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]rowDTO, 0, len(rows))
		for _, r := range rows {
			out = append(out, rowDTO{Key: keyMap(r.Key), Values: r.Values})
		}
		return &struct {
			Body []rowDTO `json:"body"`
		}{Body: out}, nil
	})

	type insertInput struct {
		StageID string `path:"stage_id"`
		Body    struct {
			Key    map[string]string `json:"key"`
			Values map[string]any    `json:"values,omitempty"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID:   "insert-row",
		Method:        http.MethodPost,
		Path:          "/stages/{stage_id}/rows",
		Summary:       "Insert a row into a manual stage",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *insertInput) (*struct {
		Body rowDTO `json:"body"`
	}, error) {
		st, err := e.Registry.Get(input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		if !st.Manual() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "stage "+st.ID+" is computed; rows are inserted by populate", nil)
		}
		k := restrictionKey(input.Body.Key)
		if err := e.Store.InsertRow(ctx, st, k, input.Body.Values); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body rowDTO `json:"body"`
		}{Body: rowDTO{Key: keyMap(k), Values: input.Body.Values}}, nil
	})
}

func registerPopulate(api huma.API, e *engine.Engine) {
	type populateInput struct {
		StageID string `path:"stage_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "populate-stage",
		Method:      http.MethodPost,
		Path:        "/stages/{stage_id}/populate",
		Summary:     "Compute all pending keys of a stage",
	}, func(ctx context.Context, input *populateInput) (*struct {
		Body engine.Result `json:"body"`
	}, error) {
		st, err := e.Registry.Get(input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		if st.Manual() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "stage "+st.ID+" is manual and cannot be populated", nil)
		}
		res, err := e.Populate(ctx, st)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Result `json:"body"`
		}{Body: res}, nil
	})
}

func registerDelete(api huma.API, e *engine.Engine) {
	type deleteInput struct {
		StageID string `path:"stage_id"`
		Body    struct {
			Restriction map[string]string `json:"restriction"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "delete-rows",
		Method:      http.MethodPost,
		Path:        "/stages/{stage_id}/delete",
		Summary:     "Cascade-delete rows matching a restriction",
	}, func(ctx context.Context, input *deleteInput) (*struct {
		Body map[string]int64 `json:"body"`
	}, error) {
		st, err := e.Registry.Get(input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Delete(ctx, st, restrictionKey(input.Body.Restriction))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int64 `json:"body"`
		}{Body: counts}, nil
	})
}

func registerJobs(api huma.API, e *engine.Engine) {
	type jobsInput struct {
		StageID string `path:"stage_id"`
		Status  string `query:"status" enum:"reserved,error,done" default:"error"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/stages/{stage_id}/jobs",
		Summary:     "List job records of a stage by status",
	}, func(ctx context.Context, input *jobsInput) (*struct {
		Body []jobs.Record `json:"body"`
	}, error) {
		if _, err := e.Registry.Get(input.StageID); err != nil {
			return nil, handleError(err)
		}
		recs, err := e.Jobs.ListByStatus(ctx, input.StageID, jobs.Status(input.Status))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []jobs.Record `json:"body"`
		}{Body: recs}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	type eventsInput struct {
		Limit int `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Recent engine events, newest first",
	}, func(ctx context.Context, input *eventsInput) (*struct {
		Body []events.Event `json:"body"`
	}, error) {
		evts, err := e.Events.Recent(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []events.Event `json:"body"`
		}{Body: evts}, nil
	})
}
