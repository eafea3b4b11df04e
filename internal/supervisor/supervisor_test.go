//go:build !windows

package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	return New(Config{
		LogDir:      t.TempDir(),
		StopTimeout: 2 * time.Second,
		KillTimeout: 2 * time.Second,
	})
}

func TestRunToCompletion(t *testing.T) {
	s := newTestSupervisor(t)
	h, err := s.Start("echo supervised output", t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	code, err := s.Wait(h, 5*time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code != 0 {
		t.Errorf("exit code: %d", code)
	}
	data, err := os.ReadFile(h.LogPath())
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if !strings.Contains(string(data), "supervised output") {
		t.Errorf("output not captured: %q", data)
	}
}

func TestExitCodePropagates(t *testing.T) {
	s := newTestSupervisor(t)
	h, err := s.Start("exit 3", t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	code, err := s.Wait(h, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if code != 3 {
		t.Errorf("exit code: %d", code)
	}
	if st := s.Status(h); st.State != StateExited || st.ExitCode != 3 {
		t.Errorf("status: %+v", st)
	}
}

func TestWaitTimeoutSentinel(t *testing.T) {
	s := newTestSupervisor(t)
	h, err := s.Start("sleep 30", t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Stop(h)

	_, err = s.Wait(h, 100*time.Millisecond)
	if !errors.Is(err, ErrWaitTimeout) {
		t.Errorf("expected ErrWaitTimeout, got %v", err)
	}
	if st := s.Status(h); st.State != StateRunning {
		t.Errorf("status: %+v", st)
	}
}

func TestStopKillsWholeGroup(t *testing.T) {
	s := newTestSupervisor(t)
	// The shell spawns a grandchild; the group kill must reach it.
	h, err := s.Start("sleep 30 & sleep 30", t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	pid := h.PID()

	if err := s.Stop(h); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if groupAlive(pid) {
		t.Error("group member survived Stop")
	}
	if st := s.Status(h); st.State != StateKilled {
		t.Errorf("status: %+v", st)
	}
}

func TestKillByNameReachesUngroupedProcess(t *testing.T) {
	// A child that re-homed its process group is invisible to the group
	// signal; the by-name path is the backstop.
	cmd := exec.Command("sleep", "31.4159")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	reaped := make(chan struct{})
	go func() {
		cmd.Wait()
		close(reaped)
	}()
	defer func() {
		cmd.Process.Kill()
		<-reaped
	}()

	if !processAliveByName("sleep 31.4159") {
		t.Fatal("running process not matched by command name")
	}
	killByName("sleep 31.4159")
	select {
	case <-reaped:
	case <-time.After(5 * time.Second):
		t.Fatal("process survived kill by name")
	}
	if processAliveByName("sleep 31.4159") {
		t.Error("matcher still reports the process alive")
	}
}

func TestStopIdempotentAfterExit(t *testing.T) {
	s := newTestSupervisor(t)
	h, err := s.Start("true", t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Wait(h, 5*time.Second); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(h); err != nil {
		t.Errorf("Stop after exit: %v", err)
	}
}

func TestRunFixedStopsLongRunner(t *testing.T) {
	s := newTestSupervisor(t)
	start := time.Now()
	st, logPath, err := s.RunFixed("sleep 30", t.TempDir(), nil, 300*time.Millisecond)
	if err != nil {
		t.Fatalf("RunFixed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("RunFixed took %v", elapsed)
	}
	if st.State != StateKilled {
		t.Errorf("status: %+v", st)
	}
	if logPath == "" {
		t.Error("no log path")
	}
}

func TestRunSuccessTimeoutEarlyCrash(t *testing.T) {
	s := newTestSupervisor(t)
	st, _, err := s.RunSuccessTimeout("exit 1", t.TempDir(), nil, 2*time.Second, 10*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != StateExited || st.ExitCode != 1 {
		t.Errorf("status: %+v", st)
	}
}

func TestStartDetachedPrintsStopCommand(t *testing.T) {
	s := newTestSupervisor(t)
	h, stopCmd, err := s.StartDetached("sleep 30", t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Stop(h)
	if !strings.Contains(stopCmd, "kill") {
		t.Errorf("stop command: %q", stopCmd)
	}
}

func TestEnvPassedToChild(t *testing.T) {
	s := newTestSupervisor(t)
	h, err := s.Start("echo $SUPERVISED_MARK", t.TempDir(), []string{"SUPERVISED_MARK=mark-42"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Wait(h, 5*time.Second); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(h.LogPath())
	if !strings.Contains(string(data), "mark-42") {
		t.Errorf("env not passed: %q", data)
	}
}
