package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/ekisa-team/deployrt/internal/store"
)

// RunStore is the read side of store.Store.
type RunStore interface {
	GetRun(ctx context.Context, id string) (*store.Run, error)
	ListRuns(ctx context.Context, limit int) ([]*store.Run, error)
}

type RunDTO struct {
	ID         string             `json:"id"`
	Codebase   string             `json:"codebase"`
	Task       string             `json:"task"`
	Backend    string             `json:"backend"`
	Device     string             `json:"device"`
	Split      string             `json:"split"`
	Artifacts  []string           `json:"artifacts"`
	Metrics    map[string]float64 `json:"metrics"`
	Samples    int                `json:"samples"`
	Results    any                `json:"results,omitempty"`
	DurationMS int64              `json:"duration_ms"`
	CreatedAt  time.Time          `json:"created_at"`
}

type (
	ListRunsInput struct {
		Limit int `query:"limit" minimum:"0" maximum:"1000" default:"50"`
	}

	ListRunsOutput struct {
		Body struct {
			Runs []RunDTO `json:"runs"`
		}
	}

	GetRunInput struct {
		ID string `path:"id" minLength:"1"`
	}

	GetRunOutput struct {
		Body RunDTO
	}
)

// RunsHandler serves recorded evaluation runs.
type RunsHandler struct {
	runs RunStore
}

// NewRunsHandler registers the run operations on api.
func NewRunsHandler(api huma.API, runs RunStore) *RunsHandler {
	h := &RunsHandler{runs: runs}

	huma.Register(api, huma.Operation{
		OperationID:   "list-runs",
		Method:        http.MethodGet,
		Path:          "/v1/runs",
		Summary:       "List evaluation runs, newest first",
		Tags:          []string{"runs"},
		DefaultStatus: http.StatusOK,
	}, h.handleList)

	huma.Register(api, huma.Operation{
		OperationID:   "get-run",
		Method:        http.MethodGet,
		Path:          "/v1/runs/{id}",
		Summary:       "Get one evaluation run with its per-sample results",
		Tags:          []string{"runs"},
		DefaultStatus: http.StatusOK,
	}, h.handleGet)

	return h
}

func (h *RunsHandler) handleList(ctx context.Context, input *ListRunsInput) (*ListRunsOutput, error) {
	runs, err := h.runs.ListRuns(ctx, input.Limit)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list runs", err)
	}

	out := &ListRunsOutput{}
	out.Body.Runs = make([]RunDTO, len(runs))
	for i, r := range runs {
		out.Body.Runs[i] = toRunDTO(r)
	}
	return out, nil
}

func (h *RunsHandler) handleGet(ctx context.Context, input *GetRunInput) (*GetRunOutput, error) {
	r, err := h.runs.GetRun(ctx, input.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, huma.Error404NotFound("run not found", err)
		}
		return nil, huma.Error500InternalServerError("failed to get run", err)
	}
	return &GetRunOutput{Body: toRunDTO(r)}, nil
}

func toRunDTO(r *store.Run) RunDTO {
	dto := RunDTO{
		ID:         r.ID,
		Codebase:   r.Codebase,
		Task:       r.Task,
		Backend:    r.Backend,
		Device:     r.Device,
		Split:      r.Split,
		Artifacts:  r.Artifacts,
		Metrics:    r.Metrics,
		Samples:    r.Samples,
		DurationMS: r.DurationMS,
		CreatedAt:  r.CreatedAt,
	}
	if len(r.Results) > 0 {
		dto.Results = r.Results
	}
	return dto
}
