//go:build !windows

package runner

import (
	"os/exec"
	"syscall"
	"time"
)

// configureProcAttr puts the child in its own process group so it can be
// signaled together with its descendants.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// gracefulKill sends SIGTERM to the process group and escalates to SIGKILL
// when done is not closed within gracePeriod.
func gracefulKill(cmd *exec.Cmd, gracePeriod time.Duration, done <-chan struct{}) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		// Already gone.
		return
	}
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		return
	}
	select {
	case <-done:
	case <-time.After(gracePeriod):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
}
