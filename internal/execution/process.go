package execution

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// WorkerCommand is the hidden subcommand executing a WorkerRequest.
const WorkerCommand = "_worker"

// workerReady is the first stdout line of a worker, written once it handles
// interrupts.
const workerReady = "ready"

// Process is a handle of a launched worker. It is owned by the process table
// of a SubprocessManager.
type Process interface {
	Pid() int
	IsAlive() bool
	// Done is closed once the process exited.
	Done() <-chan struct{}
	// Join blocks until the process exits.
	Join()
	Interrupt() error
	Kill() error
}

// Launcher starts a worker process for the request. It must not wait for the
// worker to finish.
type Launcher interface {
	Launch(ctx context.Context, req WorkerRequest) (Process, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, req WorkerRequest) (Process, error)

func (f LauncherFunc) Launch(ctx context.Context, req WorkerRequest) (Process, error) {
	return f(ctx, req)
}

// ExecLauncher re-executes a binary as the worker. The request is written to
// the worker's stdin, the worker's stderr lines are logged. The worker leads
// its own process group, which Kill signals as a whole.
//
// Interrupts are held back until the worker announced on stdout that it
// handles them: the default action of SIGINT would kill it without a trace.
type ExecLauncher struct {
	Path string
	Args []string
	// Env is added to the environment of the manager.
	Env []string
}

// SelfLauncher re-executes the running binary with the worker command.
func SelfLauncher() (ExecLauncher, error) {
	exe, err := os.Executable()
	if err != nil {
		return ExecLauncher{}, fmt.Errorf("locating executable: %w", err)
	}
	return ExecLauncher{Path: exe, Args: []string{WorkerCommand}}, nil
}

func (l ExecLauncher) Launch(ctx context.Context, req WorkerRequest) (Process, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling worker request: %w", err)
	}

	// the worker outlives the request context, Terminate stops it
	cmd := exec.Command(l.Path, l.Args...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stdin = bytes.NewReader(body)
	setProcessGroup(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker: %w", err)
	}

	p := &execProcess{
		cmd:   cmd,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	go p.wait(context.WithoutCancel(ctx), stdout, stderr)
	return p, nil
}

type execProcess struct {
	cmd       *exec.Cmd
	ready     chan struct{}
	done      chan struct{}
	interrupt sync.Once
	err       error
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) IsAlive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *execProcess) Join() {
	<-p.done
}

// Interrupt signals the worker as soon as it is ready.
func (p *execProcess) Interrupt() error {
	if !p.IsAlive() {
		return os.ErrProcessDone
	}
	p.interrupt.Do(func() {
		go func() {
			select {
			case <-p.ready:
				if err := p.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
					slog.Error("interrupting worker", "pid", p.Pid(), "error", err)
				}
			case <-p.done:
			}
		}()
	})
	return nil
}

// Kill kills the worker together with the step commands it started.
func (p *execProcess) Kill() error {
	return killGroup(p.cmd.Process)
}

// wait reads both pipes to the end before calling Wait, which closes them.
func (p *execProcess) wait(ctx context.Context, stdout, stderr io.Reader) {
	defer close(p.done)
	started := time.Now()
	var wg sync.WaitGroup
	wg.Go(func() { p.awaitReady(stdout) })
	wg.Go(func() { p.forward(ctx, stderr) })
	wg.Wait()

	p.err = p.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(p.err, &exitErr) && !exitErr.Exited() {
		// step commands of a killed worker are still in its group
		if err := killGroup(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
			slog.WarnContext(ctx, "killing worker process group", "pid", p.Pid(), "error", err)
		}
	}
	slog.DebugContext(ctx, "worker exited", "pid", p.Pid(), "elapsed", time.Since(started), "error", p.err)
}

func (p *execProcess) awaitReady(stdout io.Reader) {
	r := bufio.NewReader(stdout)
	line, err := r.ReadString('\n')
	if err == nil && strings.TrimSpace(line) == workerReady {
		close(p.ready)
	}
	_, _ = io.Copy(io.Discard, r)
}

func (p *execProcess) forward(ctx context.Context, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		slog.DebugContext(ctx, "worker", "pid", p.Pid(), "line", scanner.Text())
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		slog.ErrorContext(ctx, "reading worker stderr", "pid", p.Pid(), "error", err)
		_, _ = io.Copy(io.Discard, stderr)
	}
}
