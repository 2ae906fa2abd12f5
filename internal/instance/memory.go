package instance

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/pipekeeper/pipekeeper/internal/event"
	"github.com/pipekeeper/pipekeeper/internal/model"
)

// Memory is an in-process instance. Its Ref can't be reopened by a worker,
// so it only serves the synchronous manager and tests.
type Memory struct {
	mx     sync.Mutex
	runs   map[string]model.Run
	order  []string
	events map[string][]event.Record
}

func NewMemory() *Memory {
	return &Memory{
		runs:   make(map[string]model.Run),
		events: make(map[string][]event.Record),
	}
}

func (m *Memory) Ref() Ref {
	return Ref{Kind: KindMemory}
}

func (m *Memory) Close() error {
	return nil
}

func (m *Memory) CreateRun(_ context.Context, run model.Run) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	if _, ok := m.runs[run.RunID]; ok {
		return fmt.Errorf("run %s: %w", run.RunID, ErrAlreadyExists)
	}
	if run.Status == "" {
		run.Status = model.RunStatusNotStarted
	}
	run.StepSubset = slices.Clone(run.StepSubset)
	m.runs[run.RunID] = run
	m.order = append(m.order, run.RunID)
	return nil
}

func (m *Memory) GetRunByID(_ context.Context, runID string) (model.Run, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return model.Run{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return run, nil
}

func (m *Memory) Runs(_ context.Context) ([]model.Run, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	runs := make([]model.Run, 0, len(m.order))
	for _, id := range m.order {
		runs = append(runs, m.runs[id])
	}
	return runs, nil
}

func (m *Memory) HandleNewEvent(_ context.Context, rec event.Record) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	if run, ok := m.runs[rec.RunID]; ok && rec.Synthetic() && run.IsFinished() {
		return fmt.Errorf("run %s is %s: %w", rec.RunID, run.Status, ErrRunFinished)
	}
	m.events[rec.RunID] = append(m.events[rec.RunID], rec)

	status, ok := rec.Type().RunStatus()
	if !ok {
		return nil
	}
	run, ok := m.runs[rec.RunID]
	if !ok || run.IsFinished() {
		return nil
	}
	run.Status = status
	run.UpdatedAt = rec.Timestamp
	m.runs[rec.RunID] = run
	return nil
}

func (m *Memory) EventsForRun(_ context.Context, runID string) ([]event.Record, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	return slices.Clone(m.events[runID]), nil
}
