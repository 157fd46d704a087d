//go:build unix

package pipeline

import (
	"os/exec"
	"syscall"
)

// setProcessGroup starts the tool in its own process group and kills the
// whole group on cancellation, so helper processes forked by a converter die
// with it instead of outliving the job.
func setProcessGroup(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		if c.Process == nil {
			return nil
		}
		return syscall.Kill(-c.Process.Pid, syscall.SIGKILL)
	}
}
