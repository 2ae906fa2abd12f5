package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/pipekeeper/pipekeeper/internal/event"
	"github.com/pipekeeper/pipekeeper/internal/execution"
	"github.com/pipekeeper/pipekeeper/internal/failure"
	"github.com/pipekeeper/pipekeeper/internal/instance"
	"github.com/pipekeeper/pipekeeper/internal/log"
	"github.com/pipekeeper/pipekeeper/internal/model"
	"github.com/pipekeeper/pipekeeper/internal/pipeline"
	"github.com/pipekeeper/pipekeeper/internal/schedule"
)

// Pipekeeper binds the configured instance and pipeline definitions to the
// commands.
type Pipekeeper struct {
	cfg    model.Config
	store  instance.Store
	handle pipeline.Handle
}

func NewPipekeeper(ctx context.Context, cfg model.Config) (*Pipekeeper, error) {
	if cfg.Version != 0 {
		return nil, fmt.Errorf("config version %d is not supported, expected 0", cfg.Version)
	}
	store, err := instance.OpenSQLite(ctx, cfg.Instance.Path)
	if err != nil {
		return nil, err
	}
	return &Pipekeeper{
		cfg:    cfg,
		store:  store,
		handle: pipeline.Handle{File: cfg.Pipelines.File},
	}, nil
}

func (k *Pipekeeper) Close() error {
	return k.store.Close()
}

// Run executes one run of the pipeline and waits for its end. Canceling ctx
// terminates the run. The returned run carries the final status.
func (k *Pipekeeper) Run(ctx context.Context, name string, steps []string) (model.Run, error) {
	mgr, err := execution.New(ctx, k.cfg.Execution, k.store)
	if err != nil {
		return model.Run{}, err
	}
	defer k.closeManager(ctx, mgr)

	run, err := k.start(ctx, mgr, name, steps)
	if err != nil {
		return run, err
	}
	await(ctx, mgr, run.RunID)
	return k.store.GetRunByID(context.WithoutCancel(ctx), run.RunID)
}

// start creates a run and hands it to mgr. Errors before the run exists are
// returned; the rest is in the run's event log.
func (k *Pipekeeper) start(ctx context.Context, mgr execution.Manager, name string, steps []string) (model.Run, error) {
	h := k.handle.WithPipelineName(name)
	p, err := h.Build()
	if err != nil {
		return model.Run{}, err
	}
	if _, err := p.SubPipeline(steps); err != nil {
		return model.Run{}, err
	}

	run := instance.NewRun(p.Name, steps)
	if err := k.store.CreateRun(ctx, run); err != nil {
		return model.Run{}, fmt.Errorf("creating run: %w", err)
	}
	ctx = withRun(ctx, run)
	slog.InfoContext(ctx, "run created", "steps", strings.Join(steps, ","))

	if _, err := mgr.Execute(ctx, h, p, run, k.store); err != nil {
		k.reportUnfinished(ctx, run, err)
	}
	return run, nil
}

// reportUnfinished closes a run whose execution returned an error without a
// terminal event. The managers report everything else themselves.
func (k *Pipekeeper) reportUnfinished(ctx context.Context, run model.Run, err error) {
	ctx = context.WithoutCancel(ctx)
	current, getErr := k.store.GetRunByID(ctx, run.RunID)
	if getErr != nil {
		slog.ErrorContext(ctx, "loading run", "error", getErr)
		return
	}
	if current.IsFinished() {
		slog.DebugContext(ctx, "run ended with error", "error", err)
		return
	}
	rec := event.BuildSyntheticFailure(run.RunID, run.PipelineName, failure.InfoFromError(err))
	err = k.store.HandleNewEvent(ctx, rec)
	switch {
	case errors.Is(err, instance.ErrRunFinished):
		slog.DebugContext(ctx, "run finished meanwhile", "error", err)
	case err != nil:
		slog.ErrorContext(ctx, "delivering event failed", "event_type", rec.Type(), "error", err)
	}
}

// await blocks until the run's execution is gone. When ctx ends first, the
// run is terminated.
func await(ctx context.Context, mgr execution.Manager, runID string) {
	if !mgr.CanTerminate(runID) {
		return
	}
	stopCtx := context.WithoutCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		mgr.Join(stopCtx)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		slog.InfoContext(ctx, "terminating run", "run_id", runID)
		mgr.Terminate(stopCtx, runID)
		<-done
	}
}

func (k *Pipekeeper) closeManager(ctx context.Context, mgr execution.Manager) {
	if err := mgr.Close(); err != nil {
		slog.WarnContext(ctx, "closing execution manager", "error", err)
	}
}

// Serve runs the configured schedules until ctx is canceled. Runs still in
// progress at that point are terminated.
func (k *Pipekeeper) Serve(ctx context.Context) error {
	repo, err := k.handle.BuildRepository()
	if err != nil {
		return err
	}
	for _, s := range k.cfg.Schedules {
		if _, err := repo.Pipeline(s.Pipeline); err != nil {
			return fmt.Errorf("schedule: %w", err)
		}
	}

	if _, err := k.Reconcile(ctx); err != nil {
		slog.WarnContext(ctx, "reconciling orphaned runs failed", "error", err)
	}

	mgr, err := execution.New(ctx, k.cfg.Execution, k.store)
	if err != nil {
		return err
	}
	defer k.closeManager(ctx, mgr)

	var mx sync.Mutex
	var started []string
	trigger := func(ctx context.Context, s model.Schedule) {
		run, err := k.start(ctx, mgr, s.Pipeline, s.Steps)
		if err != nil {
			slog.ErrorContext(ctx, "starting scheduled run failed", "pipeline", s.Pipeline, "error", err)
			return
		}
		mx.Lock()
		started = slices.DeleteFunc(started, func(id string) bool { return !mgr.CanTerminate(id) })
		started = append(started, run.RunID)
		mx.Unlock()
	}

	scheduler, err := schedule.New(ctx, k.cfg.Schedules, trigger)
	if err != nil {
		return err
	}
	scheduler.Start()
	slog.InfoContext(ctx, "serving", "jobs", scheduler.Jobs())
	<-ctx.Done()

	stopCtx := context.WithoutCancel(ctx)
	if err := scheduler.Shutdown(); err != nil {
		slog.WarnContext(stopCtx, "stopping scheduler", "error", err)
	}
	mx.Lock()
	running := slices.Clone(started)
	mx.Unlock()
	for _, id := range running {
		if mgr.CanTerminate(id) {
			mgr.Terminate(stopCtx, id)
		}
	}
	mgr.Join(stopCtx)
	slog.InfoContext(stopCtx, "stopped")
	return nil
}

// Reconcile reports the unfinished runs whose worker is gone.
func (k *Pipekeeper) Reconcile(ctx context.Context) ([]string, error) {
	reported, err := execution.ReconcileOrphans(ctx, k.store, nil)
	if err != nil {
		return nil, err
	}
	if len(reported) > 0 {
		slog.InfoContext(ctx, "reported orphaned runs", "runs", reported)
	}
	return reported, nil
}

func (k *Pipekeeper) WriteRuns(ctx context.Context, out io.Writer) error {
	runs, err := k.store.Runs(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tPIPELINE\tSTEPS\tSTATUS\tCREATED")
	for _, r := range runs {
		steps := strings.Join(r.StepSubset, ",")
		if steps == "" {
			steps = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.RunID, r.PipelineName, steps, r.Status, r.CreatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

// WriteEvents writes the run's event log as JSON lines.
func (k *Pipekeeper) WriteEvents(ctx context.Context, runID string, out io.Writer) error {
	if _, err := k.store.GetRunByID(ctx, runID); err != nil {
		return fmt.Errorf("%s: %w", runID, err)
	}
	records, err := k.store.EventsForRun(ctx, runID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

func (k *Pipekeeper) WritePipelines(out io.Writer) error {
	repo, err := k.handle.BuildRepository()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PIPELINE\tSTEPS\tDESCRIPTION")
	for _, name := range repo.Names() {
		p, err := repo.Pipeline(name)
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(p.Steps))
		for _, s := range p.Steps {
			keys = append(keys, s.Key)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", p.Name, strings.Join(keys, ","), p.Description)
	}
	return w.Flush()
}

func withRun(ctx context.Context, run model.Run) context.Context {
	return log.ContextAttrs(ctx, slog.String("run_id", run.RunID), slog.String("pipeline", run.PipelineName))
}
