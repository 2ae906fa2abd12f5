package pipekeeper_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/pipekeeper/pipekeeper/internal/event"
	"github.com/pipekeeper/pipekeeper/internal/instance"

	"github.com/stretchr/testify/require"
)

var (
	pipekeeperPath string

	// tmpDir is a function used to create a tempdir
	// -test.keepdir flag says test to use os.MkdirTemp
	// default is t.TempDir, which will be cleaned up
	tmpDir func(t *testing.T) string
)

const definitions = `
pipelines:
  - name: etl
    steps:
      - key: extract
        command: ["sh", "-c", "echo extracted > extract.out"]
      - key: load
        command: ["sh", "-c", "cat extract.out"]
        depends_on: [extract]
  - name: broken
    steps:
      - key: fail
        command: ["sh", "-c", "echo nope >&2; exit 3"]
  - name: slow
    steps:
      - key: wait
        command: ["sleep", "30"]
`

func TestMain(m *testing.M) {
	var keepTestDir bool
	flag.BoolVar(&keepTestDir, "test.keepdir", false, "use os.TempDir instead of t.TempDir to keep test artifacts")

	flag.Parse()

	if testing.Short() {
		slog.Warn("integration tests with -short are ignored")
		os.Exit(0)
	}

	if !keepTestDir {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			return t.TempDir()
		}
	} else {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			dir, err := os.MkdirTemp("", t.Name()+"*")
			require.NoError(t, err)
			_, err = fmt.Fprintf(t.Output(), "TEMPDIR %s: -test.keepdir used, so it won't be automatically deleted", dir)
			require.NoError(t, err)
			return dir
		}
	}

	if !isExecutable("pipekeeper-ci") {
		slog.Error("cannot locate pipekeeper-ci binary: run go build -race -cover -covermode=atomic -o pipekeeper-ci ./cmd/pipekeeper/ first")
		os.Exit(1)
	}

	var err error
	pipekeeperPath, err = filepath.Abs("pipekeeper-ci")
	if err != nil {
		slog.Error("can't get abspath for pipekeeper-ci", "error", err)
		os.Exit(1)
	}
	coverDir, err := filepath.Abs("coverage")
	if err != nil {
		slog.Error("can't get value for GOCOVERDIR for pipekeeper-ci", "error", err)
		os.Exit(1)
	}
	if err := rmRfMkdirp(coverDir); err != nil {
		slog.Error("can't reset GOCOVERDIR for pipekeeper-ci", "error", err, "coverdir", coverDir)
		os.Exit(1)
	}
	if err := os.Setenv("GOCOVERDIR", coverDir); err != nil {
		slog.Error("can't set GOCOVERDIR env variable", "error", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

// workspace prepares a directory with a config and pipeline definitions.
func workspace(t *testing.T, mode string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := tmpDir(t)
	config := fmt.Sprintf(`
version: 0
execution:
    mode: %s
    reaper_interval: 100ms
    terminate_timeout: 5s
service:
    verbose: true
    log: %s
`, mode, filepath.Join(dir, "pipekeeper.log"))
	creat(t, filepath.Join(dir, "pipekeeper.yaml"), []byte(config))
	creat(t, filepath.Join(dir, "pipelines.yaml"), []byte(definitions))
	return dir
}

func pipekeeper(ctx context.Context, dir string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, pipekeeperPath, append(args, "--config", filepath.Join(dir, "pipekeeper.yaml"))...)
	cmd.Dir = dir
	return cmd
}

func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)
	var stdout, stderr bytes.Buffer
	cmd := pipekeeper(ctx, dir, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		t.Logf("%s", stderr.String())
	}
	return stdout.String(), err
}

func runID(t *testing.T, out string) (string, string) {
	t.Helper()
	fields := strings.Fields(out)
	require.Len(t, fields, 2, out)
	return fields[0], fields[1]
}

func eventTypes(t *testing.T, dir, id string) []event.Type {
	t.Helper()
	out, err := run(t, dir, "events", id)
	require.NoError(t, err)
	var types []event.Type
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		var rec event.Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		types = append(types, rec.Type())
	}
	return types
}

func TestPipekeeper(t *testing.T) {
	for _, mode := range []string{"subprocess", "sync"} {
		t.Run(mode, func(t *testing.T) {
			dir := workspace(t, mode)

			out, err := run(t, dir, "run", "etl")
			require.NoError(t, err)
			id, status := runID(t, out)
			require.Equal(t, "SUCCESS", status)

			types := eventTypes(t, dir, id)
			require.Contains(t, types, event.PipelineStart)
			require.Contains(t, types, event.PipelineSuccess)
			require.Equal(t, mode == "subprocess", slices.Contains(types, event.ProcessStarted))

			out, err = run(t, dir, "runs")
			require.NoError(t, err)
			require.Contains(t, out, id)

			out, err = run(t, dir, "pipelines")
			require.NoError(t, err)
			require.Contains(t, out, "extract,load")
		})
	}
}

func TestPipekeeper_Failure(t *testing.T) {
	dir := workspace(t, "subprocess")

	out, err := run(t, dir, "run", "broken")
	var exitErr *exec.ExitError
	require.True(t, errors.As(err, &exitErr))
	id, status := runID(t, out)
	require.Equal(t, "FAILURE", status)
	types := eventTypes(t, dir, id)
	require.Contains(t, types, event.StepFailure)
	require.Contains(t, types, event.PipelineFailure)

	_, err = run(t, dir, "run", "etl", "--steps", "transform")
	require.Error(t, err)
}

func TestPipekeeper_Interrupt(t *testing.T) {
	dir := workspace(t, "subprocess")

	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)
	var stdout bytes.Buffer
	cmd := pipekeeper(ctx, dir, "run", "slow")
	cmd.Stdout = &stdout
	require.NoError(t, cmd.Start())

	store, err := instance.OpenSQLite(t.Context(), filepath.Join(dir, "pipekeeper.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.Eventually(t, func() bool {
		runs, err := store.Runs(t.Context())
		if err != nil || len(runs) != 1 {
			return false
		}
		records, err := store.EventsForRun(t.Context(), runs[0].RunID)
		if err != nil {
			return false
		}
		return slices.ContainsFunc(records, func(r event.Record) bool { return r.Type() == event.StepStart })
	}, 30*time.Second, 50*time.Millisecond)

	require.NoError(t, cmd.Process.Signal(os.Interrupt))
	require.Error(t, cmd.Wait())

	_, status := runID(t, stdout.String())
	require.Equal(t, "CANCELED", status)
}

func TestPipekeeper_Version(t *testing.T) {
	dir := workspace(t, "sync")
	out, err := run(t, dir, "version")
	require.NoError(t, err)
	require.Contains(t, out, "pipekeeper:")
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}

func rmRfMkdirp(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

func creat(t *testing.T, path string, content []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()
	_, err = f.Write(content)
	require.NoError(t, err)
	err = f.Sync()
	require.NoError(t, err)
}
