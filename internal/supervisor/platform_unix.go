//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// setupProcessGroup configures the command to run in its own process
// group so a single signal reaches every descendant.
func setupProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// signalGroup sends a signal to the whole process group of pid.
func signalGroup(pid int, sig syscall.Signal) error {
	pgid, err := syscall.Getpgid(pid)
	if err != nil || pgid <= 0 {
		// Group already gone; signal the process directly as fallback.
		return syscall.Kill(pid, sig)
	}
	return syscall.Kill(-pgid, sig)
}

// groupAlive probes whether any member of the process group still exists.
func groupAlive(pid int) bool {
	pgid, err := syscall.Getpgid(pid)
	if err != nil || pgid <= 0 {
		return syscall.Kill(pid, 0) == nil
	}
	return syscall.Kill(-pgid, 0) == nil
}

// processAliveByName reports whether any process command line still
// matches the launched command. Catches children that left the group.
func processAliveByName(command string) bool {
	if command == "" {
		return false
	}
	return exec.Command("pgrep", "-f", command).Run() == nil
}

// killByName is the last-resort kill keyed on the command line, for
// survivors the group signal cannot reach.
func killByName(command string) {
	if command == "" {
		return
	}
	_ = exec.Command("pkill", "-9", "-f", command).Run()
}
