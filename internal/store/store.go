// Package store persists evaluation runs.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ekisa-team/deployrt/internal/eval"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// Run is one recorded evaluation.
type Run struct {
	ID        string
	Codebase  string
	Task      string
	Backend   string
	Device    string
	Split     string
	Artifacts []string
	Metrics   map[string]float64
	Samples   int
	// Results holds the per-sample results as JSON.
	Results    json.RawMessage
	DurationMS int64
	CreatedAt  time.Time
}

// Store defines the persistence operations for runs.
type Store interface {
	SaveRun(ctx context.Context, r *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]*Run, error)
	Close() error
}

// NewID returns a new sortable run ID.
func NewID() string {
	return ulid.Make().String()
}

// FromBatch fills the metric and result fields of r from b.
func FromBatch(r *Run, b *eval.Batch) error {
	results, err := json.Marshal(b.Results)
	if err != nil {
		return err
	}
	r.Metrics = b.Metrics
	r.Samples = len(b.Results)
	r.Results = results
	return nil
}
