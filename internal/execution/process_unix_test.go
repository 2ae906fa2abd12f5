//go:build !windows

package execution_test

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/pipekeeper/pipekeeper/internal/event"
	"github.com/pipekeeper/pipekeeper/internal/execution"
	"github.com/pipekeeper/pipekeeper/internal/model"

	"github.com/stretchr/testify/require"
)

// stubborn steps ignore interrupts and outlive a killed worker unless its
// whole process group goes down.
func stubbornDefinitions(dir string) string {
	return fmt.Sprintf(`
pipelines:
  - name: stubborn
    steps:
      - key: hold
        command: ["sh", "-c", "trap '' INT TERM; echo $$ > %s; exec sleep 30"]
`, filepath.Join(dir, "step.pid"))
}

func TestSubprocess_KillTakesSteps(t *testing.T) {
	e := newEnvWith(t, stubbornDefinitions)
	m := startSubprocessManager(t, e, execution.WithTerminateTimeout(200*time.Millisecond))

	run := e.execute(t, m, "stubborn")
	e.waitFor(t, run.RunID, event.StepStart)
	var pid int32
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(filepath.Join(e.dir, "step.pid"))
		if err != nil {
			return false
		}
		n, err := strconv.Atoi(strings.TrimSpace(string(b)))
		pid = int32(n)
		return err == nil && n > 0
	}, 20*time.Second, 20*time.Millisecond)
	require.True(t, running(t, pid))

	require.True(t, m.Terminate(t.Context(), run.RunID))
	// well before the executor's own grace period would end the step
	require.Eventually(t, func() bool { return !running(t, pid) }, 3*time.Second, 20*time.Millisecond)

	records := events(t, e.store, run.RunID)
	require.Equal(t, 1, synthetic(records))
	require.Equal(t, model.RunStatusFailure, status(t, e.store, run.RunID))
}

// running treats a zombie as gone: nobody may be left to reap it.
func running(t *testing.T, pid int32) bool {
	t.Helper()
	p, err := process.NewProcessWithContext(t.Context(), pid)
	if err != nil {
		return false
	}
	st, err := p.StatusWithContext(t.Context())
	return err == nil && !slices.Contains(st, process.Zombie)
}
