package execution_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/pipekeeper/pipekeeper/internal/event"
	"github.com/pipekeeper/pipekeeper/internal/execution"
	"github.com/pipekeeper/pipekeeper/internal/instance"
	"github.com/pipekeeper/pipekeeper/internal/model"
	"github.com/pipekeeper/pipekeeper/internal/pipeline"

	"github.com/stretchr/testify/require"
)

const tick = 500 * time.Millisecond

type fixture struct {
	inst     sharedMemory
	launcher *fakeLauncher
	manager  *execution.SubprocessManager
}

func newFixture(t *testing.T, opts ...execution.Option) fixture {
	t.Helper()
	f := fixture{
		inst:     sharedMemory{instance.NewMemory()},
		launcher: newFakeLauncher(),
	}
	opts = append([]execution.Option{
		execution.WithLauncher(f.launcher),
		execution.WithReaperInterval(tick),
	}, opts...)
	m, err := execution.NewSubprocessManager(t.Context(), f.inst, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	f.manager = m
	return f
}

func (f fixture) launch(t *testing.T) (model.Run, *fakeProcess) {
	t.Helper()
	run := createRun(t, f.inst)
	_, err := f.manager.Execute(t.Context(), pipeline.Handle{File: "pipelines.yaml"}, etl, run, f.inst)
	require.NoError(t, err)
	return run, f.launcher.proc(run.RunID)
}

func (f fixture) finish(t *testing.T, rec event.Record) {
	t.Helper()
	require.NoError(t, f.inst.HandleNewEvent(context.Background(), rec))
}

func TestExecute(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t, execution.WithMaxConcurrentSteps(7))
		run, proc := f.launch(t)

		require.Equal(t, []string{run.RunID}, f.manager.Tracked())
		require.True(t, f.manager.CanTerminate(run.RunID))

		req := f.launcher.requests[0]
		require.Equal(t, run.RunID, req.RunID)
		require.Equal(t, "etl", req.PipelineName)
		require.Equal(t, "pipelines.yaml", req.Handle.File)
		require.Equal(t, f.inst.Ref(), req.InstanceRef)
		require.Equal(t, 7, req.MaxConcurrentSteps)

		records := events(t, f.inst, run.RunID)
		require.Len(t, records, 1)
		require.Equal(t, event.ProcessStart, records[0].Type())

		_, err := f.manager.Execute(t.Context(), pipeline.Handle{}, etl, run, f.inst)
		require.ErrorIs(t, err, execution.ErrRunInProgress)

		f.finish(t, event.BuildPipelineSuccessEvent(run.RunID, "etl"))
		proc.exit()
		f.manager.Join(t.Context())
	})
}

func TestExecute_LaunchFailure(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t)
		f.launcher.err = errors.New("fork failed")
		run := createRun(t, f.inst)

		_, err := f.manager.Execute(t.Context(), pipeline.Handle{}, etl, run, f.inst)
		require.Error(t, err)
		require.Empty(t, f.manager.Tracked())
		require.Equal(t, 1, synthetic(events(t, f.inst, run.RunID)))
		require.Equal(t, model.RunStatusFailure, status(t, f.inst, run.RunID))

		// the run id is free again
		f.launcher.err = nil
		_, err = f.manager.Execute(t.Context(), pipeline.Handle{}, etl, run, f.inst)
		require.NoError(t, err)
		f.launcher.proc(run.RunID).exit()
		f.manager.Join(t.Context())
	})
}

func TestExecute_NotReconstructable(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	mem := instance.NewMemory()
	run := createRun(t, mem)
	_, err := f.manager.Execute(t.Context(), pipeline.Handle{}, etl, run, mem)
	require.ErrorIs(t, err, instance.ErrNotReconstructable)
	require.Empty(t, events(t, mem, run.RunID))
	require.Empty(t, f.manager.Tracked())
}

func TestReaper_FinishedRun(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t)
		run, proc := f.launch(t)

		f.finish(t, event.BuildPipelineSuccessEvent(run.RunID, "etl"))
		proc.exit()
		time.Sleep(tick + time.Millisecond)

		require.Empty(t, f.manager.Tracked())
		require.Zero(t, synthetic(events(t, f.inst, run.RunID)))
		require.Equal(t, model.RunStatusSuccess, status(t, f.inst, run.RunID))
	})
}

func TestReaper_Crash(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t)
		run, proc := f.launch(t)

		// a live worker is left alone
		time.Sleep(3 * tick)
		require.Equal(t, []string{run.RunID}, f.manager.Tracked())

		// killed from outside before it reported anything
		require.NoError(t, proc.Kill())
		require.False(t, f.manager.CanTerminate(run.RunID))
		time.Sleep(tick + time.Millisecond)

		require.Empty(t, f.manager.Tracked())
		records := events(t, f.inst, run.RunID)
		require.Equal(t, 1, synthetic(records))
		last := records[len(records)-1]
		require.Equal(t, event.PipelineFailure, last.Type())
		require.Contains(t, last.ErrorInfo.Message, "execution process for run "+run.RunID+" unexpectedly exited")
		require.Contains(t, last.UserMessage, "Original error message")
		require.NotEmpty(t, last.ErrorInfo.Stack)
		require.Equal(t, model.RunStatusFailure, status(t, f.inst, run.RunID))

		// later ticks don't report it again
		time.Sleep(3 * tick)
		require.Equal(t, 1, synthetic(events(t, f.inst, run.RunID)))
	})
}

func TestReaper_MissingRun(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t)
		run := instance.NewRun("etl", nil)
		// the run was never stored
		_, err := f.manager.Execute(t.Context(), pipeline.Handle{}, etl, run, f.inst)
		require.NoError(t, err)
		f.launcher.proc(run.RunID).exit()

		time.Sleep(tick + time.Millisecond)
		require.Empty(t, f.manager.Tracked())
		records := events(t, f.inst, run.RunID)
		require.Len(t, records, 1)
		require.Equal(t, event.ProcessStart, records[0].Type())
	})
}

func TestTerminate(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t)
		run, proc := f.launch(t)
		proc.onInterrupt = func() {
			time.Sleep(100 * time.Millisecond)
			f.finish(t, event.BuildPipelineCanceledEvent(run.RunID, "etl"))
			proc.exit()
		}

		require.True(t, f.manager.Terminate(t.Context(), run.RunID))
		require.False(t, proc.IsAlive())
		interrupts, kills := proc.counts()
		require.Equal(t, 1, interrupts)
		require.Zero(t, kills)

		require.False(t, f.manager.CanTerminate(run.RunID))
		require.False(t, f.manager.Terminate(t.Context(), run.RunID))
		require.Empty(t, f.manager.Tracked())

		time.Sleep(2 * tick)
		require.Zero(t, synthetic(events(t, f.inst, run.RunID)))
		require.Equal(t, model.RunStatusCanceled, status(t, f.inst, run.RunID))
	})
}

func TestTerminate_Unknown(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t)
		require.False(t, f.manager.CanTerminate("unknown-run"))
		require.False(t, f.manager.Terminate(t.Context(), "unknown-run"))
		require.Empty(t, f.manager.Tracked())
		require.Empty(t, events(t, f.inst, "unknown-run"))
	})
}

func TestTerminate_DeadWorker(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t, execution.WithReaperInterval(time.Hour))
		run, proc := f.launch(t)
		proc.exit()

		require.False(t, f.manager.Terminate(t.Context(), run.RunID))
		interrupts, _ := proc.counts()
		require.Zero(t, interrupts)
		// still waiting for the reaper
		require.Equal(t, []string{run.RunID}, f.manager.Tracked())
		require.Len(t, events(t, f.inst, run.RunID), 1)
		f.manager.Join(t.Context())
	})
}

func TestTerminate_Timeout(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    time.Duration
		then     time.Duration
	}{
		{"kill after timeout", 2 * time.Second, 2 * time.Second},
		{"no timeout waits for the worker", 0, time.Minute},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			synctest.Test(t, func(t *testing.T) {
				f := newFixture(t, execution.WithTerminateTimeout(tt.given))
				run, proc := f.launch(t)
				// ignores the interrupt for a minute
				proc.onInterrupt = func() {
					time.Sleep(time.Minute)
					proc.exit()
				}

				start := time.Now()
				require.True(t, f.manager.Terminate(t.Context(), run.RunID))
				require.Equal(t, tt.then, time.Since(start))
				require.Empty(t, f.manager.Tracked())
				// the run never finished on its own
				require.Equal(t, 1, synthetic(events(t, f.inst, run.RunID)))

				// let the interrupt handler return
				time.Sleep(time.Minute)
			})
		})
	}
}

func TestJoin(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t, execution.WithReaperInterval(time.Hour))
		finished, p1 := f.launch(t)
		crashed, p2 := f.launch(t)
		slow, p3 := f.launch(t)

		f.finish(t, event.BuildPipelineFailureEvent(finished.RunID, "etl", []string{"s"}))
		p1.exit()
		p2.exit()
		go func() {
			time.Sleep(time.Second)
			f.finish(t, event.BuildPipelineSuccessEvent(slow.RunID, "etl"))
			p3.exit()
		}()

		start := time.Now()
		f.manager.Join(t.Context())
		require.Equal(t, time.Second, time.Since(start))
		require.Empty(t, f.manager.Tracked())

		require.Zero(t, synthetic(events(t, f.inst, finished.RunID)))
		require.Equal(t, 1, synthetic(events(t, f.inst, crashed.RunID)))
		require.Zero(t, synthetic(events(t, f.inst, slow.RunID)))
		require.Equal(t, model.RunStatusFailure, status(t, f.inst, crashed.RunID))
		require.Equal(t, model.RunStatusSuccess, status(t, f.inst, slow.RunID))
	})
}

// Reaper, Join and Terminate race for the same dead workers; every run must
// be reported exactly once.
func TestSingleCrashReport(t *testing.T) {
	t.Parallel()
	f := newFixture(t, execution.WithReaperInterval(time.Millisecond))

	const n = 50
	runs := make([]model.Run, 0, n)
	for range n {
		run, _ := f.launch(t)
		runs = append(runs, run)
	}

	var wg sync.WaitGroup
	for i, run := range runs {
		proc := f.launcher.proc(run.RunID)
		wg.Go(func() {
			if i%2 == 0 {
				proc.exit()
				return
			}
			proc.onInterrupt = proc.exit
			f.manager.Terminate(context.Background(), run.RunID)
		})
	}
	wg.Go(func() { f.manager.Join(context.Background()) })
	wg.Wait()
	f.manager.Join(context.Background())

	require.Empty(t, f.manager.Tracked())
	for _, run := range runs {
		require.Equal(t, 1, synthetic(events(t, f.inst, run.RunID)), fmt.Sprintf("run %s", run.RunID))
	}
}

func TestClose(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.manager.Close())
	require.NoError(t, f.manager.Close())
}
