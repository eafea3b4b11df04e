// Package supervisor launches the program under test in its own process
// group, captures its output to a rolling log, and provides deterministic
// stop semantics: after Stop returns, no descendant of the original
// process is alive.
package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"autonomy/internal/logging"
)

// ErrWaitTimeout is the sentinel Wait returns when the child outlives the
// timeout.
var ErrWaitTimeout = errors.New("wait timed out")

// State describes a handle's lifecycle position.
type State string

const (
	StateRunning State = "running"
	StateExited  State = "exited"
	StateKilled  State = "killed"
)

// Status is a point-in-time snapshot of a supervised process.
type Status struct {
	State    State
	ExitCode int
	PID      int
}

// Handle tracks one supervised child.
type Handle struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	command string
	logPath string
	done    chan struct{}
	waitErr error
	killed  bool
	capture *errgroup.Group
}

// Supervisor launches and stops supervised children.
type Supervisor struct {
	logDir      string
	stopTimeout time.Duration
	killTimeout time.Duration
	log         *logging.Logger
}

// Config carries supervisor timeouts.
type Config struct {
	LogDir      string
	StopTimeout time.Duration
	KillTimeout time.Duration
}

// New creates a supervisor writing capture logs under cfg.LogDir.
func New(cfg Config) *Supervisor {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = 5 * time.Second
	}
	return &Supervisor{
		logDir:      cfg.LogDir,
		stopTimeout: cfg.StopTimeout,
		killTimeout: cfg.KillTimeout,
		log:         logging.Get(logging.CategorySupervisor),
	}
}

// Start launches command (a shell line) in workingDir inside a fresh
// process group. stdout and stderr stream to a timestamped log file.
func (s *Supervisor) Start(command, workingDir string, env []string) (*Handle, error) {
	if command == "" {
		return nil, fmt.Errorf("empty command")
	}
	if err := os.MkdirAll(s.logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	logPath := filepath.Join(s.logDir, fmt.Sprintf("run-%d.log", time.Now().Unix()))
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create run log: %w", err)
	}

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = workingDir
	cmd.Env = append(os.Environ(), env...)
	setupProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("failed to pipe stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("failed to pipe stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("failed to start %q: %w", command, err)
	}
	s.log.Info("started %q pid=%d log=%s", command, cmd.Process.Pid, logPath)

	h := &Handle{
		cmd:     cmd,
		command: command,
		logPath: logPath,
		done:    make(chan struct{}),
	}

	// Capture workers drain both pipes into the shared log file; the
	// file handle closes only after both are done and the child reaped.
	var writeMu sync.Mutex
	capture := &errgroup.Group{}
	for _, pipe := range []io.Reader{stdout, stderr} {
		pipe := pipe
		capture.Go(func() error {
			buf := make([]byte, 32*1024)
			for {
				n, err := pipe.Read(buf)
				if n > 0 {
					writeMu.Lock()
					logFile.Write(buf[:n])
					writeMu.Unlock()
				}
				if err != nil {
					return nil
				}
			}
		})
	}
	h.capture = capture

	go func() {
		capture.Wait()
		err := cmd.Wait() // reaps the child
		logFile.Close()
		h.mu.Lock()
		h.waitErr = err
		h.mu.Unlock()
		close(h.done)
	}()

	return h, nil
}

// LogPath returns where the child's output is being captured.
func (h *Handle) LogPath() string { return h.logPath }

// PID returns the child's process id.
func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Wait blocks until the child exits or the timeout elapses, returning the
// exit code or ErrWaitTimeout.
func (s *Supervisor) Wait(h *Handle, timeout time.Duration) (int, error) {
	select {
	case <-h.done:
		return h.exitCode(), nil
	case <-time.After(timeout):
		return 0, ErrWaitTimeout
	}
}

// Status reports the child's current state.
func (s *Supervisor) Status(h *Handle) Status {
	st := Status{PID: h.PID()}
	select {
	case <-h.done:
		h.mu.Lock()
		killed := h.killed
		h.mu.Unlock()
		if killed {
			st.State = StateKilled
		} else {
			st.State = StateExited
		}
		st.ExitCode = h.exitCode()
	default:
		st.State = StateRunning
	}
	return st
}

// Stop terminates the whole process group: polite signal, bounded wait,
// hard kill, then a verification scan with retries. It returns only once
// no group member remains.
func (s *Supervisor) Stop(h *Handle) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	pid := h.PID()

	s.log.Info("stopping pid=%d (group)", pid)
	signalGroup(pid, syscall.SIGTERM)

	select {
	case <-h.done:
	case <-time.After(s.stopTimeout):
		s.log.Warn("pid=%d ignored SIGTERM, escalating", pid)
		signalGroup(pid, syscall.SIGKILL)
		select {
		case <-h.done:
		case <-time.After(s.killTimeout):
			s.log.Error("pid=%d still not reaped after SIGKILL", pid)
		}
	}

	// Verify no group member survives; retry the kill path rather than
	// returning optimistically.
	deadline := time.Now().Add(s.killTimeout)
	for groupAlive(pid) {
		if time.Now().After(deadline) {
			s.log.Error("pid=%d group survived SIGKILL retries, falling back to kill by name", pid)
			killByName(h.command)
			time.Sleep(100 * time.Millisecond)
			if groupAlive(pid) {
				return fmt.Errorf("process group of pid %d still alive after stop", pid)
			}
			break
		}
		signalGroup(pid, syscall.SIGKILL)
		time.Sleep(100 * time.Millisecond)
	}

	// A child that moved itself out of the group escapes the group scan;
	// catch it by command name.
	if processAliveByName(h.command) {
		s.log.Warn("pid=%d: command %q still running outside the group, killing by name", pid, h.command)
		killByName(h.command)
	}
	s.log.Info("pid=%d group stopped", pid)
	return nil
}

// exitCode extracts the child's exit code once done is closed.
func (h *Handle) exitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(h.waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// RunFixed starts the command, lets it run for duration, then stops it.
// Early exit is fine and reported through the returned status.
func (s *Supervisor) RunFixed(command, workingDir string, env []string, duration time.Duration) (Status, string, error) {
	h, err := s.Start(command, workingDir, env)
	if err != nil {
		return Status{}, "", err
	}
	if _, err := s.Wait(h, duration); errors.Is(err, ErrWaitTimeout) {
		if err := s.Stop(h); err != nil {
			return s.Status(h), h.LogPath(), err
		}
	}
	return s.Status(h), h.LogPath(), nil
}

// RunSuccessTimeout starts the command and watches an initial quiet
// period. If the child survives it (no crash), monitoring extends by the
// success timeout before the supervisor stops it.
func (s *Supervisor) RunSuccessTimeout(command, workingDir string, env []string, initial, extended time.Duration) (Status, string, error) {
	h, err := s.Start(command, workingDir, env)
	if err != nil {
		return Status{}, "", err
	}
	if _, err := s.Wait(h, initial); err == nil {
		// Exited within the quiet period; nothing left to monitor.
		return s.Status(h), h.LogPath(), nil
	}
	s.log.Info("pid=%d survived initial %v, extending monitoring by %v", h.PID(), initial, extended)
	if _, err := s.Wait(h, extended); errors.Is(err, ErrWaitTimeout) {
		if err := s.Stop(h); err != nil {
			return s.Status(h), h.LogPath(), err
		}
	}
	return s.Status(h), h.LogPath(), nil
}

// StartDetached launches the command and returns immediately, leaving the
// child running. The returned command line stops the whole group later.
func (s *Supervisor) StartDetached(command, workingDir string, env []string) (*Handle, string, error) {
	h, err := s.Start(command, workingDir, env)
	if err != nil {
		return nil, "", err
	}
	stopCmd := fmt.Sprintf("kill -- -%d", h.PID())
	return h, stopCmd, nil
}
