package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"sync"
	"time"

	"github.com/pipekeeper/pipekeeper/internal/event"
	"github.com/pipekeeper/pipekeeper/internal/failure"
	"github.com/pipekeeper/pipekeeper/internal/instance"
	"github.com/pipekeeper/pipekeeper/internal/model"
	"github.com/pipekeeper/pipekeeper/internal/pipeline"
)

// SubprocessManager launches a worker process for every run. A reaper
// goroutine reconciles the process table with the runs stored in the
// instance: a worker which died before its run finished is reported with a
// synthetic failure event.
type SubprocessManager struct {
	inst             instance.Instance
	launcher         Launcher
	reaperInterval   time.Duration
	terminateTimeout time.Duration
	maxSteps         int

	mx        sync.Mutex
	processes map[string]Process
	starting  map[string]struct{}

	cancel     context.CancelFunc
	reaperDone chan struct{}
	closeOnce  sync.Once
}

type Option func(*SubprocessManager)

func WithLauncher(l Launcher) Option {
	return func(m *SubprocessManager) {
		m.launcher = l
	}
}

func WithReaperInterval(d time.Duration) Option {
	return func(m *SubprocessManager) {
		if d > 0 {
			m.reaperInterval = d
		}
	}
}

// WithTerminateTimeout bounds how long Terminate waits after the interrupt
// before it kills the worker. Zero waits forever.
func WithTerminateTimeout(d time.Duration) Option {
	return func(m *SubprocessManager) {
		m.terminateTimeout = d
	}
}

func WithMaxConcurrentSteps(n int) Option {
	return func(m *SubprocessManager) {
		m.maxSteps = n
	}
}

// NewSubprocessManager starts the reaper. It runs until ctx is canceled or
// Close is called.
func NewSubprocessManager(ctx context.Context, inst instance.Instance, opts ...Option) (*SubprocessManager, error) {
	m := &SubprocessManager{
		inst:             inst,
		reaperInterval:   model.DefaultReaperInterval,
		terminateTimeout: model.DefaultTerminateTimeout,
		maxSteps:         model.DefaultMaxSteps,
		processes:        make(map[string]Process),
		starting:         make(map[string]struct{}),
		reaperDone:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.launcher == nil {
		l, err := SelfLauncher()
		if err != nil {
			return nil, err
		}
		m.launcher = l
	}

	ctx, m.cancel = context.WithCancel(ctx)
	go m.reaper(ctx)
	return m, nil
}

// Execute emits PIPELINE_PROCESS_START, launches the worker and registers it.
// It does not wait for the run.
func (m *SubprocessManager) Execute(ctx context.Context, h pipeline.Handle, p *pipeline.Pipeline, run model.Run, inst instance.Instance) (pipeline.Result, error) {
	res := pipeline.Result{RunID: run.RunID}
	ref := inst.Ref()
	if !ref.Reconstructable() {
		return res, fmt.Errorf("run %s: %w", run.RunID, instance.ErrNotReconstructable)
	}

	m.mx.Lock()
	_, running := m.processes[run.RunID]
	_, starting := m.starting[run.RunID]
	if running || starting {
		m.mx.Unlock()
		return res, fmt.Errorf("run %s: %w", run.RunID, ErrRunInProgress)
	}
	m.starting[run.RunID] = struct{}{}
	m.mx.Unlock()

	req := WorkerRequest{
		Handle:             h,
		RunID:              run.RunID,
		PipelineName:       p.Name,
		StepSubset:         run.StepSubset,
		InstanceRef:        ref,
		MaxConcurrentSteps: m.maxSteps,
	}

	deliver(ctx, inst, event.BuildProcessStartEvent(run.RunID, p.Name))
	proc, err := m.launcher.Launch(ctx, req)

	m.mx.Lock()
	delete(m.starting, run.RunID)
	if err == nil {
		m.processes[run.RunID] = proc
	}
	m.mx.Unlock()

	if err != nil {
		// nobody else will ever report this run
		launchErr := failure.Wrap(failure.KindCrashed, err, "launching execution process")
		deliver(ctx, inst, event.BuildSyntheticFailure(run.RunID, p.Name, failure.InfoFromError(launchErr)))
		return res, launchErr
	}
	slog.DebugContext(ctx, "worker launched", "run_id", run.RunID, "pid", proc.Pid())
	return res, nil
}

func (m *SubprocessManager) process(runID string) Process {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.processes[runID]
}

func (m *SubprocessManager) snapshot() map[string]Process {
	m.mx.Lock()
	defer m.mx.Unlock()
	return maps.Clone(m.processes)
}

// release removes the entry if it still holds proc. Only the caller which
// got true may report the run.
func (m *SubprocessManager) release(runID string, proc Process) bool {
	m.mx.Lock()
	defer m.mx.Unlock()
	if cur, ok := m.processes[runID]; !ok || cur != proc {
		return false
	}
	delete(m.processes, runID)
	return true
}

// Tracked returns the ids of runs in the process table.
func (m *SubprocessManager) Tracked() []string {
	m.mx.Lock()
	defer m.mx.Unlock()
	ids := make([]string, 0, len(m.processes))
	for id := range m.processes {
		ids = append(ids, id)
	}
	return ids
}

func (m *SubprocessManager) CanTerminate(runID string) bool {
	proc := m.process(runID)
	return proc != nil && proc.IsAlive()
}

// Terminate interrupts the worker and waits for it. When the worker is still
// alive after the terminate timeout it is killed. The exited run is then
// reconciled like the reaper does.
func (m *SubprocessManager) Terminate(ctx context.Context, runID string) bool {
	proc := m.process(runID)
	if proc == nil || !proc.IsAlive() {
		return false
	}
	ctx = context.WithoutCancel(ctx)
	if err := proc.Interrupt(); err != nil {
		if !errors.Is(err, os.ErrProcessDone) {
			slog.ErrorContext(ctx, "interrupting worker failed", "run_id", runID, "pid", proc.Pid(), "error", err)
		}
		return false
	}
	slog.InfoContext(ctx, "worker interrupted", "run_id", runID, "pid", proc.Pid())

	if !m.await(proc) {
		slog.WarnContext(ctx, "worker ignored interrupt: killing", "run_id", runID, "pid", proc.Pid(), "timeout", m.terminateTimeout)
		if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			slog.ErrorContext(ctx, "killing worker failed", "run_id", runID, "pid", proc.Pid(), "error", err)
		}
		proc.Join()
	}
	m.settle(ctx, runID, proc, false)
	return true
}

func (m *SubprocessManager) await(proc Process) bool {
	if m.terminateTimeout <= 0 {
		proc.Join()
		return true
	}
	timer := time.NewTimer(m.terminateTimeout)
	defer timer.Stop()
	select {
	case <-proc.Done():
		return true
	case <-timer.C:
		return false
	}
}

// Join waits for every tracked worker and reports the runs which did not
// finish. The process table is empty afterwards.
func (m *SubprocessManager) Join(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for {
		snapshot := m.snapshot()
		if len(snapshot) == 0 {
			return
		}
		for runID, proc := range snapshot {
			proc.Join()
			m.settle(ctx, runID, proc, false)
		}
	}
}

// Close stops the reaper. Tracked workers keep running, use Join to wait
// for them.
func (m *SubprocessManager) Close() error {
	m.closeOnce.Do(func() {
		m.cancel()
		<-m.reaperDone
	})
	return nil
}

func (m *SubprocessManager) reaper(ctx context.Context) {
	defer close(m.reaperDone)
	ticker := time.NewTicker(m.reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reap(ctx)
		}
	}
}

func (m *SubprocessManager) reap(ctx context.Context) {
	for runID, proc := range m.snapshot() {
		if ctx.Err() != nil {
			return
		}
		if proc.IsAlive() {
			continue
		}
		m.settle(ctx, runID, proc, true)
	}
}

// settle reconciles the exited worker of runID with the stored run. With
// retry set a failed lookup keeps the entry for the next attempt.
func (m *SubprocessManager) settle(ctx context.Context, runID string, proc Process, retry bool) {
	run, err := m.inst.GetRunByID(ctx, runID)
	switch {
	case errors.Is(err, instance.ErrNotFound):
		if m.release(runID, proc) {
			slog.WarnContext(ctx, "worker exited for an unknown run", "run_id", runID, "pid", proc.Pid())
		}
		return
	case err != nil && retry:
		slog.ErrorContext(ctx, "looking up run failed", "run_id", runID, "error", err)
		return
	case err != nil:
		m.release(runID, proc)
		slog.ErrorContext(ctx, "looking up run failed: giving up", "run_id", runID, "error", err)
		return
	}

	if !m.release(runID, proc) {
		return
	}
	if run.IsFinished() {
		slog.DebugContext(ctx, "worker exited", "run_id", runID, "status", run.Status)
		return
	}
	m.reportCrash(ctx, run)
}

func (m *SubprocessManager) reportCrash(ctx context.Context, run model.Run) {
	err := failure.New(failure.KindCrashed, "execution process for run %s unexpectedly exited", run.RunID)
	deliver(ctx, m.inst, event.BuildSyntheticFailure(run.RunID, run.PipelineName, failure.InfoFromError(err)))
}
