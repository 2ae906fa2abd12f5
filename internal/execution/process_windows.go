//go:build windows

package execution

import (
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

func killGroup(p *os.Process) error {
	return p.Kill()
}
