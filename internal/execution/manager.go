package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pipekeeper/pipekeeper/internal/event"
	"github.com/pipekeeper/pipekeeper/internal/instance"
	"github.com/pipekeeper/pipekeeper/internal/model"
	"github.com/pipekeeper/pipekeeper/internal/pipeline"
)

var ErrRunInProgress = errors.New("run already in progress")

// Manager executes runs of pipelines.
type Manager interface {
	// Execute starts run of p. SyncManager returns once the run is terminal,
	// SubprocessManager once the worker is launched; its Result holds the
	// run id only. Outcomes are reported to inst as events.
	Execute(ctx context.Context, h pipeline.Handle, p *pipeline.Pipeline, run model.Run, inst instance.Instance) (pipeline.Result, error)
	// Terminate interrupts the run and waits until it stops. It returns false
	// when nothing was interrupted.
	Terminate(ctx context.Context, runID string) bool
	// CanTerminate reports whether a live execution of runID is tracked.
	CanTerminate(runID string) bool
	// Join waits for every tracked execution to end.
	Join(ctx context.Context)
	Close() error
}

var (
	_ Manager = (*SyncManager)(nil)
	_ Manager = (*SubprocessManager)(nil)
)

// New returns the manager configured by cfg.Mode.
func New(ctx context.Context, cfg model.Execution, inst instance.Instance, opts ...Option) (Manager, error) {
	switch cfg.Mode {
	case model.ExecutionModeSync:
		return NewSyncManager(cfg.MaxSteps()), nil
	case model.ExecutionModeSubprocess, "":
		interval, err := cfg.ReaperIntervalDuration()
		if err != nil {
			return nil, err
		}
		timeout, err := cfg.TerminateTimeoutDuration()
		if err != nil {
			return nil, err
		}
		base := []Option{
			WithReaperInterval(interval),
			WithTerminateTimeout(timeout),
			WithMaxConcurrentSteps(cfg.MaxSteps()),
		}
		return NewSubprocessManager(ctx, inst, append(base, opts...)...)
	default:
		return nil, fmt.Errorf("%q: %w", cfg.Mode, model.ErrUnknownMode)
	}
}

// deliver hands rec to inst and reports whether it was stored. Delivery
// outlives ctx: terminal events of an interrupted run must still be stored.
func deliver(ctx context.Context, inst instance.Instance, rec event.Record) bool {
	err := inst.HandleNewEvent(context.WithoutCancel(ctx), rec)
	if errors.Is(err, instance.ErrRunFinished) {
		slog.DebugContext(ctx, "run finished meanwhile: failure not reported", "run_id", rec.RunID, "message", rec.Message)
		return false
	}
	slog.LogAttrs(ctx, rec.Level, rec.Message, rec.LogAttrs()...)
	if err != nil {
		slog.ErrorContext(ctx, "delivering event failed", "run_id", rec.RunID, "event_type", rec.Type(), "error", err)
		return false
	}
	return true
}
