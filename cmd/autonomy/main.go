// Command autonomy drives an autonomous development pipeline against a
// target project directory: planning, coding, QA, debugging and the
// other phases run in a scheduled loop until the objective completes.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"autonomy/internal/audit"
	"autonomy/internal/bus"
	"autonomy/internal/config"
	"autonomy/internal/fsops"
	"autonomy/internal/ipcdoc"
	"autonomy/internal/llm"
	"autonomy/internal/logging"
	"autonomy/internal/loopdetect"
	"autonomy/internal/orchestrator"
	"autonomy/internal/phase"
	"autonomy/internal/state"
	"autonomy/internal/supervisor"
	"autonomy/internal/tools"
)

// Exit codes.
const (
	exitOK     = 0
	exitError  = 1
	exitConfig = 2
	exitAbort  = 3
	exitLoop   = 4
)

var (
	flagDebugQA        bool
	flagCommand        string
	flagTestDuration   int
	flagSuccessTimeout int
	flagDetach         bool
	flagFollow         string
	flagVerbose        bool
	flagMaxIterations  int
)

// errConfig marks configuration failures for exit-code mapping.
var errConfig = errors.New("configuration error")

var rootCmd = &cobra.Command{
	Use:   "autonomy <project-dir> [objective...]",
	Short: "Autonomous development pipeline",
	Long: `autonomy runs a phase-based development pipeline against a project
directory. State, logs, patches and message history live under
<project-dir>/.autonomy/. The positional objective (or the project's
MASTER_PLAN.md) seeds the default primary objective.`,
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().BoolVar(&flagDebugQA, "debug-qa", false, "run QA eagerly in every lifecycle band")
	rootCmd.Flags().StringVar(&flagCommand, "command", "", "command that launches the program under test")
	rootCmd.Flags().IntVar(&flagTestDuration, "test-duration", 30, "seconds to monitor the program under test")
	rootCmd.Flags().IntVar(&flagSuccessTimeout, "success-timeout", 0, "extended monitoring seconds after a clean initial window")
	rootCmd.Flags().BoolVar(&flagDetach, "detach", false, "leave the program under test running and print a stop command")
	rootCmd.Flags().StringVar(&flagFollow, "follow", "", "tail the given log file to stdout while running")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "verbose console logging")
	rootCmd.Flags().IntVar(&flagMaxIterations, "max-iterations", 0, "stop after this many iterations (0 = until complete)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "autonomy:", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, errConfig):
		return exitConfig
	case errors.Is(err, orchestrator.ErrLoopUnresolved):
		return exitLoop
	case errors.Is(err, context.Canceled):
		return exitAbort
	default:
		return exitError
	}
}

func run(cmd *cobra.Command, args []string) error {
	projectDir, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("%w: bad project directory: %v", errConfig, err)
	}
	if info, err := os.Stat(projectDir); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", errConfig, projectDir)
	}
	objective := strings.Join(args[1:], " ")
	stateDir := filepath.Join(projectDir, ".autonomy")

	if err := logging.Initialize(stateDir, flagVerbose); err != nil {
		return fmt.Errorf("%w: %v", errConfig, err)
	}
	defer logging.Sync()

	cfg, err := config.Load(stateDir)
	if err != nil {
		return fmt.Errorf("%w: %v", errConfig, err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if flagFollow != "" {
		go followFile(ctx, flagFollow, os.Stdout)
	}

	sup := supervisor.New(supervisor.Config{
		LogDir:      filepath.Join(stateDir, "logs"),
		StopTimeout: cfg.Supervisor.StopTimeout,
		KillTimeout: cfg.Supervisor.KillTimeout,
	})

	if err := runPipeline(ctx, cfg, projectDir, stateDir, objective); err != nil {
		return err
	}
	if flagCommand == "" {
		return nil
	}
	return runProgramUnderTest(ctx, sup, projectDir)
}

// runPipeline wires the full stack and drives the orchestrator loop.
func runPipeline(ctx context.Context, cfg *config.Config, projectDir, stateDir, objective string) error {
	store := state.NewStore(stateDir)
	s, err := store.Load()
	if err != nil {
		return err
	}

	msgBus := bus.New(cfg.Bus.HistoryCap, stateDir)
	if err := msgBus.LoadHistory(); err != nil {
		return fmt.Errorf("%w: %v", errConfig, err)
	}

	writer, err := fsops.NewWriter(projectDir, stateDir)
	if err != nil {
		return err
	}
	ipc, err := ipcdoc.New(stateDir)
	if err != nil {
		return err
	}
	auditStore, err := audit.Open(stateDir)
	if err != nil {
		return err
	}
	defer auditStore.Close()

	defs := phase.Definitions()
	if err := phase.ApplyProfileOverrides(defs, filepath.Join(stateDir, "phases.yaml")); err != nil {
		return fmt.Errorf("%w: %v", errConfig, err)
	}

	client := llm.New(cfg)
	registry := tools.NewDefaultRegistry(cfg.Scheduler.EnableMetaPhases)
	executor := tools.NewExecutor(registry, &tools.Env{
		Store:      store,
		State:      s,
		Writer:     writer,
		Bus:        msgBus,
		ProjectDir: projectDir,
		StateDir:   stateDir,
		Audit:      auditStore,
	})

	kernel := phase.NewKernel(phase.KernelConfig{
		Client:        client,
		Executor:      executor,
		Bus:           msgBus,
		Store:         store,
		IPC:           ipc,
		Summarizer:    &llm.Summarizer{Client: client},
		MaxMessages:   cfg.Conversation.MaxMessages,
		KeepExchanges: cfg.Conversation.KeepExchanges,
	})

	detector := loopdetect.New(loopdetect.Config{
		NoUpdateThreshold: cfg.Scheduler.NoUpdateThreshold,
		HistoryWindow:     cfg.Scheduler.HistoryScanWindow,
		Cooldown:          cfg.Scheduler.BlacklistCooldown,
	})

	orch := orchestrator.New(orchestrator.Config{
		Store:         store,
		Bus:           msgBus,
		Runner:        kernel,
		Detector:      detector,
		Defs:          defs,
		Scheduler:     cfg.Scheduler,
		ProjectDir:    projectDir,
		Objective:     objective,
		MaxIterations: flagMaxIterations,
		DebugQA:       flagDebugQA,
	})

	err = orch.Run(ctx, s)
	if errors.Is(err, orchestrator.ErrLoopUnresolved) {
		printRecentHistory(s, 10)
	}
	return err
}

// printRecentHistory shows the trailing phase dispatches on a
// loop-induced abort.
func printRecentHistory(s *state.PipelineState, n int) {
	history := s.PhaseHistory
	if len(history) > n {
		history = history[len(history)-n:]
	}
	fmt.Fprintln(os.Stderr, "last phase dispatches:", strings.Join(history, " -> "))
}

// runProgramUnderTest launches the configured command in the selected
// run mode and maps its outcome to the process exit status.
func runProgramUnderTest(ctx context.Context, sup *supervisor.Supervisor, projectDir string) error {
	duration := time.Duration(flagTestDuration) * time.Second

	if flagDetach {
		h, stopCmd, err := sup.StartDetached(flagCommand, projectDir, nil)
		if err != nil {
			return err
		}
		// Watch the initial window; a crash inside it is a failure, an
		// uneventful timeout means the program is healthy.
		if code, err := sup.Wait(h, duration); err == nil {
			if code != 0 {
				return fmt.Errorf("program under test exited with code %d", code)
			}
			fmt.Println("program under test exited cleanly")
			return nil
		}
		fmt.Println("program under test is running; stop it with:", stopCmd)
		return nil
	}

	var (
		st      supervisor.Status
		logPath string
		err     error
	)
	if flagSuccessTimeout > 0 {
		extended := time.Duration(flagSuccessTimeout) * time.Second
		st, logPath, err = sup.RunSuccessTimeout(flagCommand, projectDir, nil, duration, extended)
	} else {
		st, logPath, err = sup.RunFixed(flagCommand, projectDir, nil, duration)
	}
	if err != nil {
		return err
	}
	if st.State == supervisor.StateExited && st.ExitCode != 0 {
		return fmt.Errorf("program under test exited with code %d (log: %s)", st.ExitCode, logPath)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	fmt.Println("program under test finished; output captured at", logPath)
	return nil
}
