//go:build windows

package supervisor

import (
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// setupProcessGroup is a no-op on Windows; the taskkill tree flag below
// covers descendants.
func setupProcessGroup(cmd *exec.Cmd) {}

// signalGroup approximates group signaling with a tree kill. The polite
// half of the unix stop path collapses into the hard kill here.
func signalGroup(pid int, sig syscall.Signal) error {
	return exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(pid)).Run()
}

// groupAlive probes the process via tasklist.
func groupAlive(pid int) bool {
	out, err := exec.Command("tasklist", "/FI", "PID eq "+strconv.Itoa(pid)).Output()
	if err != nil {
		return false
	}
	return strings.Contains(string(out), strconv.Itoa(pid))
}

// processAliveByName has no reliable command-line match here; the tree
// kill in signalGroup already covers descendants.
func processAliveByName(command string) bool { return false }

func killByName(command string) {}
