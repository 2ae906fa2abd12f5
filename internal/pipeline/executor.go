package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"sync"
	"time"

	"github.com/pipekeeper/pipekeeper/internal/event"
	"github.com/pipekeeper/pipekeeper/internal/failure"
	"github.com/pipekeeper/pipekeeper/internal/model"
	"github.com/pipekeeper/pipekeeper/internal/parallel"
)

const (
	DefaultGracePeriod = 5 * time.Second
	maxStepOutput      = 64 << 10

	EnvRunID    = "PIPEKEEPER_RUN_ID"
	EnvPipeline = "PIPEKEEPER_PIPELINE"
	EnvStep     = "PIPEKEEPER_STEP"
)

// EventHandler receives every record emitted by a run as soon as it happens.
type EventHandler interface {
	HandleNewEvent(ctx context.Context, rec event.Record) error
}

// Executor runs pipelines in the calling process.
type Executor struct {
	// MaxConcurrentSteps bounds how many independent steps run at once.
	MaxConcurrentSteps int
	// GracePeriod is how long an interrupted step may take to exit before it
	// is killed.
	GracePeriod time.Duration
}

// Result of a finished run.
type Result struct {
	RunID  string
	Events []event.Record
}

// Success reports whether the run ended with PIPELINE_SUCCESS.
func (r Result) Success() bool {
	for _, rec := range slices.Backward(r.Events) {
		switch rec.Type() {
		case event.PipelineSuccess:
			return true
		case event.PipelineFailure, event.PipelineCanceled:
			return false
		}
	}
	return false
}

type stepResult struct {
	key     string
	records []event.Record
	failed  bool
	cause   *failure.Error
}

// ExecuteRunIterator runs the pipeline level by level and yields every record
// it emits. Records are handed to sink first, so they are durable by the time
// they are yielded.
//
// A step exiting with an error is a user failure: its dependents are skipped
// and the run ends with PIPELINE_FAILURE. Steps which were interrupted or
// crashed end the iteration with a *failure.SubprocessError. When every such
// step was interrupted, PIPELINE_CANCELED is emitted before the error.
func (e Executor) ExecuteRunIterator(ctx context.Context, p *Pipeline, run model.Run, sink EventHandler) iter.Seq2[event.Record, error] {
	return func(yield func(event.Record, error) bool) {
		emit := func(rec event.Record) bool {
			e.deliver(ctx, sink, rec)
			return yield(rec, nil)
		}

		if !emit(event.BuildPipelineStartEvent(run.RunID, p.Name)) {
			return
		}

		var (
			failed  []string
			causes  []*failure.Error
			blocked = make(map[string]struct{})
		)

	levels:
		for _, level := range p.Levels() {
			if err := ctx.Err(); err != nil {
				causes = append(causes, failure.Wrap(failure.KindCancelled, err, "run interrupted before next steps"))
				break
			}

			var runnable []Step
			for _, s := range level {
				i := slices.IndexFunc(s.DependsOn, func(dep string) bool {
					_, ok := blocked[dep]
					return ok
				})
				if i < 0 {
					runnable = append(runnable, s)
					continue
				}
				blocked[s.Key] = struct{}{}
				msg := fmt.Sprintf("Skipped step %q, upstream step %q did not succeed.", s.Key, s.DependsOn[i])
				if !emit(event.BuildStepEvent(run.RunID, p.Name, s.Key, event.StepSkipped, msg)) {
					return
				}
			}

			stepFunc := func(_ context.Context, s Step) (stepResult, error) {
				return e.runStep(ctx, p, run, s, sink), nil
			}
			// steps observe ctx themselves, the map must hand back every result
			results := parallel.NewMap(e.MaxConcurrentSteps, stepFunc).
				Iter(context.WithoutCancel(ctx), slices.Values(runnable))
			for res := range results {
				for _, rec := range res.records {
					if !yield(rec, nil) {
						return
					}
				}
				switch {
				case res.cause != nil:
					causes = append(causes, res.cause)
					blocked[res.key] = struct{}{}
				case res.failed:
					failed = append(failed, res.key)
					blocked[res.key] = struct{}{}
				}
			}
			if len(causes) > 0 {
				break levels
			}
		}

		if len(causes) > 0 {
			subErr := &failure.SubprocessError{Causes: causes}
			if subErr.AllCancelled() {
				if !emit(event.BuildPipelineCanceledEvent(run.RunID, p.Name)) {
					return
				}
			}
			yield(event.Record{}, subErr)
			return
		}
		if len(failed) > 0 {
			slices.Sort(failed)
			emit(event.BuildPipelineFailureEvent(run.RunID, p.Name, failed))
			return
		}
		emit(event.BuildPipelineSuccessEvent(run.RunID, p.Name))
	}
}

// Execute drains ExecuteRunIterator.
func (e Executor) Execute(ctx context.Context, p *Pipeline, run model.Run, sink EventHandler) (Result, error) {
	res := Result{RunID: run.RunID}
	for rec, err := range e.ExecuteRunIterator(ctx, p, run, sink) {
		if err != nil {
			return res, err
		}
		res.Events = append(res.Events, rec)
	}
	return res, nil
}

func (e Executor) deliver(ctx context.Context, sink EventHandler, rec event.Record) {
	slog.LogAttrs(ctx, rec.Level, rec.Message, rec.LogAttrs()...)
	if sink == nil {
		return
	}
	// records of an interrupted run must still land
	if err := sink.HandleNewEvent(context.WithoutCancel(ctx), rec); err != nil {
		slog.ErrorContext(ctx, "storing event", "run_id", rec.RunID, "event_type", rec.Type(), "error", err)
	}
}

func (e Executor) runStep(ctx context.Context, p *Pipeline, run model.Run, s Step, sink EventHandler) stepResult {
	res := stepResult{key: s.Key}
	emit := func(rec event.Record) {
		e.deliver(ctx, sink, rec)
		res.records = append(res.records, rec)
	}

	emit(event.BuildStepEvent(run.RunID, p.Name, s.Key, event.StepStart, fmt.Sprintf("Started execution of step %q.", s.Key)))

	stepCtx := ctx
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	grace := e.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	var out tailBuffer
	cmd := exec.CommandContext(stepCtx, s.Command[0], s.Command[1:]...)
	cmd.Env = stepEnv(p, run, s)
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = grace

	started := time.Now()
	err := cmd.Run()
	if out.Len() > 0 {
		emit(event.BuildStepEvent(run.RunID, p.Name, s.Key, event.StepOutput, out.String()))
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		msg := fmt.Sprintf("Finished execution of step %q in %s.", s.Key, time.Since(started).Round(time.Millisecond))
		emit(event.BuildStepEvent(run.RunID, p.Name, s.Key, event.StepSuccess, msg))
	case ctx.Err() != nil:
		res.cause = failure.Wrap(failure.KindCancelled, err, fmt.Sprintf("step %q interrupted", s.Key))
	case stepCtx.Err() != nil:
		res.failed = true
		emit(event.BuildStepFailureEvent(run.RunID, p.Name, s.Key, fmt.Errorf("timed out after %s: %w", s.Timeout, err)))
	case errors.As(err, &exitErr) && exitErr.Exited():
		res.failed = true
		emit(event.BuildStepFailureEvent(run.RunID, p.Name, s.Key, err))
	case errors.As(err, &exitErr):
		// terminated by a signal nobody here sent
		res.cause = failure.Wrap(failure.KindCrashed, err, fmt.Sprintf("step %q crashed", s.Key))
	default:
		// the command could not be started
		res.failed = true
		emit(event.BuildStepFailureEvent(run.RunID, p.Name, s.Key, err))
	}
	return res
}

func stepEnv(p *Pipeline, run model.Run, s Step) []string {
	env := append(os.Environ(),
		EnvRunID+"="+run.RunID,
		EnvPipeline+"="+p.Name,
		EnvStep+"="+s.Key,
	)
	for _, k := range slices.Sorted(maps.Keys(s.Env)) {
		env = append(env, k+"="+s.Env[k])
	}
	return env
}

// tailBuffer keeps the last maxStepOutput bytes written to it.
type tailBuffer struct {
	mx  sync.Mutex
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - maxStepOutput; over > 0 {
		b.buf = slices.Clone(b.buf[over:])
	}
	return len(p), nil
}

func (b *tailBuffer) Len() int {
	b.mx.Lock()
	defer b.mx.Unlock()
	return len(b.buf)
}

func (b *tailBuffer) String() string {
	b.mx.Lock()
	defer b.mx.Unlock()
	return string(b.buf)
}
