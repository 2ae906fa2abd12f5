package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/pipekeeper/pipekeeper/internal/event"
	"github.com/pipekeeper/pipekeeper/internal/failure"
	"github.com/pipekeeper/pipekeeper/internal/instance"
)

// AliveFunc reports whether the worker with pid, which announced itself at
// startedAt, is still running.
type AliveFunc func(ctx context.Context, pid int32, startedAt time.Time) (bool, error)

// WorkerAlive checks pid in the process table of the host. A process created
// after startedAt reuses the pid of a dead worker.
func WorkerAlive(ctx context.Context, pid int32, startedAt time.Time) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	ok, err := process.PidExistsWithContext(ctx, pid)
	if err != nil || !ok {
		return false, err
	}
	proc, err := process.NewProcessWithContext(ctx, pid)
	if errors.Is(err, process.ErrorProcessNotRunning) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	created, err := proc.CreateTimeWithContext(ctx)
	if err != nil {
		return true, nil
	}
	return !time.UnixMilli(created).After(startedAt), nil
}

// ReconcileOrphans finds unfinished runs whose worker is gone while no
// manager tracks it anymore, e.g. after the manager itself crashed. Each
// such run gets one synthetic failure. Runs without a started worker are
// left alone. It returns the ids of the reported runs.
func ReconcileOrphans(ctx context.Context, store instance.Store, alive AliveFunc) ([]string, error) {
	if alive == nil {
		alive = WorkerAlive
	}
	runs, err := store.Runs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	var reported []string
	for _, run := range runs {
		if run.IsFinished() {
			continue
		}
		records, err := store.EventsForRun(ctx, run.RunID)
		if err != nil {
			return reported, fmt.Errorf("loading events of %s: %w", run.RunID, err)
		}
		started, exited := lastWorker(records)
		if started == nil {
			continue
		}
		pid := started.Event.Process.ProcessID
		if !exited {
			ok, err := alive(ctx, int32(pid), started.Timestamp)
			if err != nil {
				slog.WarnContext(ctx, "checking worker failed", "run_id", run.RunID, "pid", pid, "error", err)
				continue
			}
			if ok {
				continue
			}
		}

		err = failure.New(failure.KindCrashed, "execution process for run %s (pid: %d) is gone", run.RunID, pid)
		// a live manager may report the same run, the store keeps the first
		if deliver(ctx, store, event.BuildSyntheticFailure(run.RunID, run.PipelineName, failure.InfoFromError(err))) {
			reported = append(reported, run.RunID)
		}
	}
	return reported, nil
}

// lastWorker returns the last PIPELINE_PROCESS_STARTED record and whether the
// same worker reported its exit.
func lastWorker(records []event.Record) (*event.Record, bool) {
	var (
		started *event.Record
		exited  bool
	)
	for i := range records {
		rec := &records[i]
		if rec.Event == nil || rec.Event.Process == nil {
			continue
		}
		switch rec.Type() {
		case event.ProcessStarted:
			started, exited = rec, false
		case event.ProcessExited:
			if started != nil && rec.Event.Process.ProcessID == started.Event.Process.ProcessID {
				exited = true
			}
		}
	}
	return started, exited
}
