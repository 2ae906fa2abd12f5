// Package instance stores runs and their event logs.
//
// An Instance is shared between the execution manager and its worker
// processes. Only its Ref crosses the process boundary, workers reopen the
// same storage with FromRef.
package instance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pipekeeper/pipekeeper/internal/event"
	"github.com/pipekeeper/pipekeeper/internal/model"
)

var (
	ErrNotFound           = errors.New("run not found")
	ErrAlreadyExists      = errors.New("run already exists")
	ErrNotReconstructable = errors.New("instance can't be reconstructed from reference")
	// ErrRunFinished rejects a synthetic failure for a run which already
	// reached a terminal state.
	ErrRunFinished = errors.New("run already finished")
)

const (
	KindSQLite = "sqlite"
	KindMemory = "memory"
)

// Instance is what the execution manager and workers need.
type Instance interface {
	// HandleNewEvent appends the record to the run's event log and updates the
	// run status when the event implies one. A synthetic failure of a finished
	// run is not stored, ErrRunFinished is returned instead. The check and the
	// append are atomic, also across processes sharing the instance.
	HandleNewEvent(ctx context.Context, rec event.Record) error
	// GetRunByID returns ErrNotFound for unknown runs.
	GetRunByID(ctx context.Context, runID string) (model.Run, error)
	Ref() Ref
}

// Store is the full instance used by the command line.
type Store interface {
	Instance
	CreateRun(ctx context.Context, run model.Run) error
	Runs(ctx context.Context) ([]model.Run, error)
	EventsForRun(ctx context.Context, runID string) ([]event.Record, error)
	Close() error
}

// Ref is a serializable reference to an instance.
type Ref struct {
	Kind string `json:"kind"`
	Path string `json:"path,omitempty"`
}

// Reconstructable reports whether another process can open the instance.
func (r Ref) Reconstructable() bool {
	return r.Kind == KindSQLite && r.Path != ""
}

// FromRef opens the instance referenced by ref.
func FromRef(ctx context.Context, ref Ref) (Store, error) {
	switch ref.Kind {
	case KindSQLite:
		return OpenSQLite(ctx, ref.Path)
	case KindMemory:
		return nil, fmt.Errorf("%s instance: %w", ref.Kind, ErrNotReconstructable)
	default:
		return nil, fmt.Errorf("unknown instance kind %q: %w", ref.Kind, ErrNotReconstructable)
	}
}

// NewRun returns a run in NOT_STARTED state with a fresh identifier.
func NewRun(pipelineName string, steps []string) model.Run {
	now := time.Now().UTC()
	return model.Run{
		RunID:        uuid.NewString(),
		PipelineName: pipelineName,
		StepSubset:   steps,
		Status:       model.RunStatusNotStarted,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
