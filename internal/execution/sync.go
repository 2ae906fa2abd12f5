package execution

import (
	"context"

	"github.com/pipekeeper/pipekeeper/internal/instance"
	"github.com/pipekeeper/pipekeeper/internal/model"
	"github.com/pipekeeper/pipekeeper/internal/pipeline"
)

// SyncManager runs pipelines in the calling goroutine.
type SyncManager struct {
	executor pipeline.Executor
}

func NewSyncManager(maxSteps int) *SyncManager {
	return &SyncManager{
		executor: pipeline.Executor{MaxConcurrentSteps: maxSteps},
	}
}

func (m *SyncManager) Execute(ctx context.Context, _ pipeline.Handle, p *pipeline.Pipeline, run model.Run, inst instance.Instance) (pipeline.Result, error) {
	sub, err := p.SubPipeline(run.StepSubset)
	if err != nil {
		return pipeline.Result{RunID: run.RunID}, err
	}
	return m.executor.Execute(ctx, sub, run, inst)
}

func (m *SyncManager) Terminate(context.Context, string) bool {
	return false
}

func (m *SyncManager) CanTerminate(string) bool {
	return false
}

func (m *SyncManager) Join(context.Context) {}

func (m *SyncManager) Close() error {
	return nil
}
