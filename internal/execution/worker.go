package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/pipekeeper/pipekeeper/internal/event"
	"github.com/pipekeeper/pipekeeper/internal/failure"
	"github.com/pipekeeper/pipekeeper/internal/instance"
	"github.com/pipekeeper/pipekeeper/internal/log"
	"github.com/pipekeeper/pipekeeper/internal/model"
	"github.com/pipekeeper/pipekeeper/internal/pipeline"
)

// WorkerRequest is everything a worker process needs to execute a run.
type WorkerRequest struct {
	Handle             pipeline.Handle `json:"handle"`
	RunID              string          `json:"run_id"`
	PipelineName       string          `json:"pipeline_name"`
	StepSubset         []string        `json:"step_subset,omitempty"`
	InstanceRef        instance.Ref    `json:"instance_ref"`
	MaxConcurrentSteps int             `json:"max_concurrent_steps,omitempty"`
}

// ServeWorker decodes a WorkerRequest from r and runs it. It first tells the
// launcher on ready that interrupts are handled, so the caller must have
// installed its signal handler already.
func ServeWorker(ctx context.Context, r io.Reader, ready io.Writer) error {
	if _, err := fmt.Fprintln(ready, workerReady); err != nil {
		slog.WarnContext(ctx, "announcing worker", "error", err)
	}
	var req WorkerRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return fmt.Errorf("decoding worker request: %w", err)
	}
	return RunWorker(ctx, req)
}

// RunWorker is the body of a worker process. Canceling ctx interrupts the
// running steps, the run then ends as canceled.
//
// The returned error means the instance could not be opened, so nothing could
// be reported. Every other failure ends up as an event.
func RunWorker(ctx context.Context, req WorkerRequest) error {
	ctx = log.ContextAttrs(ctx,
		slog.String("run_id", req.RunID),
		slog.String("pipeline", req.PipelineName),
	)
	// an early interrupt must still reach the event log
	inst, err := instance.FromRef(context.WithoutCancel(ctx), req.InstanceRef)
	if err != nil {
		return fmt.Errorf("reconstructing instance: %w", err)
	}
	defer func() {
		if err := inst.Close(); err != nil {
			slog.ErrorContext(ctx, "closing instance", "error", err)
		}
	}()

	runWorker(ctx, req, inst, os.Getpid())
	return nil
}

func runWorker(ctx context.Context, req WorkerRequest, inst instance.Instance, pid int) {
	deliver(ctx, inst, event.BuildProcessStartedEvent(req.RunID, req.PipelineName, pid))
	defer deliver(ctx, inst, event.BuildProcessExitedEvent(req.RunID, req.PipelineName, pid))

	synthesize := func(err error) {
		deliver(ctx, inst, event.BuildSyntheticFailure(req.RunID, req.PipelineName, failure.InfoFromError(err)))
	}
	defer func() {
		if r := recover(); r != nil {
			synthesize(failure.New(failure.KindCrashed, "panic: %v", r))
		}
	}()

	p, err := resolve(req)
	if err != nil {
		synthesize(err)
		return
	}

	run := model.Run{
		RunID:        req.RunID,
		PipelineName: req.PipelineName,
		StepSubset:   req.StepSubset,
	}
	executor := pipeline.Executor{MaxConcurrentSteps: req.MaxConcurrentSteps}
	_, err = executor.Execute(ctx, p, run, inst)
	if err == nil {
		return
	}

	switch kind := failure.KindOf(err); kind {
	case failure.KindCancelled:
		slog.InfoContext(ctx, "run interrupted", "error", err)
	case failure.KindUserFailure:
		slog.DebugContext(ctx, "run failed in a step", "error", err)
	case failure.KindResolutionFailure, failure.KindCrashed:
		synthesize(err)
	default:
		synthesize(fmt.Errorf("unexpected %s error: %w", kind, err))
	}
}

func resolve(req WorkerRequest) (*pipeline.Pipeline, error) {
	p, err := req.Handle.WithPipelineName(req.PipelineName).Build()
	if err != nil {
		return nil, err
	}
	sub, err := p.SubPipeline(req.StepSubset)
	if err != nil {
		return nil, failure.Wrap(failure.KindResolutionFailure, err, "selecting steps")
	}
	return sub, nil
}
