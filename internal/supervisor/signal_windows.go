//go:build windows

package supervisor

import (
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

// Windows 没有 SIGTERM，直接结束进程
func terminateGroup(p *os.Process) error {
	return p.Kill()
}

func killGroup(p *os.Process) error {
	return p.Kill()
}

func terminatedBySignal(exitErr *exec.ExitError) (string, bool) {
	return "", false
}
