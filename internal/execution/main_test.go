package execution_test

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"testing"

	"go.uber.org/goleak"

	"github.com/pipekeeper/pipekeeper/internal/event"
	"github.com/pipekeeper/pipekeeper/internal/execution"
	"github.com/pipekeeper/pipekeeper/internal/instance"
	"github.com/pipekeeper/pipekeeper/internal/model"
	"github.com/pipekeeper/pipekeeper/internal/pipeline"

	"github.com/stretchr/testify/require"
)

// workerEnv turns the test binary into a worker process.
const workerEnv = "PIPEKEEPER_TEST_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(workerEnv) == "1" {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		err := execution.ServeWorker(ctx, os.Stdin, os.Stdout)
		stop()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	goleak.VerifyTestMain(m)
}

// sharedMemory pretends a memory instance can be reopened, fake launchers
// never leave the test process.
type sharedMemory struct {
	*instance.Memory
}

func (sharedMemory) Ref() instance.Ref {
	return instance.Ref{Kind: instance.KindSQLite, Path: "in-memory"}
}

type fakeProcess struct {
	pid  int
	done chan struct{}
	once sync.Once

	mx          sync.Mutex
	interrupts  int
	kills       int
	onInterrupt func()
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) exit() {
	p.once.Do(func() { close(p.done) })
}

func (p *fakeProcess) Pid() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Join()                 { <-p.done }

func (p *fakeProcess) IsAlive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *fakeProcess) Interrupt() error {
	if !p.IsAlive() {
		return os.ErrProcessDone
	}
	p.mx.Lock()
	p.interrupts++
	onInterrupt := p.onInterrupt
	p.mx.Unlock()
	if onInterrupt != nil {
		go onInterrupt()
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mx.Lock()
	p.kills++
	p.mx.Unlock()
	p.exit()
	return nil
}

func (p *fakeProcess) counts() (int, int) {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.interrupts, p.kills
}

// fakeLauncher hands out fake processes and remembers the requests.
type fakeLauncher struct {
	mx       sync.Mutex
	next     int
	requests []execution.WorkerRequest
	procs    map[string]*fakeProcess
	err      error
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{next: 1000, procs: make(map[string]*fakeProcess)}
}

func (l *fakeLauncher) Launch(_ context.Context, req execution.WorkerRequest) (execution.Process, error) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.next++
	p := newFakeProcess(l.next)
	l.requests = append(l.requests, req)
	l.procs[req.RunID] = p
	return p, nil
}

func (l *fakeLauncher) proc(runID string) *fakeProcess {
	l.mx.Lock()
	defer l.mx.Unlock()
	return l.procs[runID]
}

var etl = &pipeline.Pipeline{Name: "etl", Steps: []pipeline.Step{{Key: "s", Command: []string{"true"}}}}

func createRun(t *testing.T, store instance.Store) model.Run {
	t.Helper()
	run := instance.NewRun(etl.Name, nil)
	require.NoError(t, store.CreateRun(t.Context(), run))
	return run
}

func events(t *testing.T, store instance.Store, runID string) []event.Record {
	t.Helper()
	records, err := store.EventsForRun(context.Background(), runID)
	require.NoError(t, err)
	return records
}

// synthetic counts failures which were not reported by the run itself.
func synthetic(records []event.Record) int {
	var n int
	for _, r := range records {
		if r.Type() == event.PipelineFailure && r.ErrorInfo != nil {
			n++
		}
	}
	return n
}

func status(t *testing.T, store instance.Store, runID string) model.RunStatus {
	t.Helper()
	run, err := store.GetRunByID(context.Background(), runID)
	require.NoError(t, err)
	return run.Status
}
