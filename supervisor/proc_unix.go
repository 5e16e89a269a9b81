//go:build unix

package supervisor

import (
	"errors"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// setProcessGroup makes the child the leader of a new process group,
// so the prober and everything it forks can be signalled together.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// groupAlive reports if any process in the group still exists.
func groupAlive(pgid int) bool {
	if pgid <= 0 {
		return false
	}
	err := unix.Kill(-pgid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// terminateGroup sends SIGTERM to the process group, waits up to grace
// for it to go away and then sends SIGKILL.
func terminateGroup(pgid int, grace time.Duration) error {
	if pgid <= 0 {
		return nil
	}

	err := unix.Kill(-pgid, unix.SIGTERM)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !groupAlive(pgid) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	err = unix.Kill(-pgid, unix.SIGKILL)
	if err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

// KillProcess terminates a single process that is not tracked by
// group, such as an untracked child found during cleanup.
func KillProcess(pid int, grace time.Duration) error {
	if pid <= 0 {
		return nil
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return err
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if err := unix.Kill(pid, 0); errors.Is(err, unix.ESRCH) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	err := unix.Kill(pid, unix.SIGKILL)
	if err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}
