// Package orchestrator implements the main scheduling loop: objective
// bookkeeping, the tactical decision tree, polytopic fallback selection
// over the phase graph, loop-detection overrides, and dispatch. The
// orchestrator is the single writer of PipelineState.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"autonomy/internal/bus"
	"autonomy/internal/config"
	"autonomy/internal/logging"
	"autonomy/internal/loopdetect"
	"autonomy/internal/phase"
	"autonomy/internal/state"
)

// ErrLoopUnresolved signals a failure loop no automatic transition can
// break. The CLI maps it to its own exit code; user input is required.
var ErrLoopUnresolved = errors.New("unrecoverable loop, user input required")

const sender = "orchestrator"

// PhaseRunner executes one phase. Satisfied by *phase.Kernel.
type PhaseRunner interface {
	Execute(ctx context.Context, def *phase.Definition, s *state.PipelineState, task *state.Task) (*phase.Result, error)
}

// Orchestrator drives the pipeline until the objective completes, the
// context cancels, or loop detection gives up.
type Orchestrator struct {
	store    *state.Store
	bus      *bus.Bus
	runner   PhaseRunner
	detector *loopdetect.Detector
	defs     map[string]*phase.Definition
	sched    config.SchedulerConfig

	projectDir string
	objective  string
	maxIters   int
	debugQA    bool

	// hint is the soft next-phase suggestion from the last execution,
	// consumed when the tactical tree yields nothing.
	hint string

	log *logging.Logger
}

// Config wires an orchestrator's collaborators.
type Config struct {
	Store      *state.Store
	Bus        *bus.Bus
	Runner     PhaseRunner
	Detector   *loopdetect.Detector
	Defs       map[string]*phase.Definition
	Scheduler  config.SchedulerConfig
	ProjectDir string

	// Objective is the operator-supplied goal; used to synthesize the
	// default primary objective when state holds none.
	Objective string

	// MaxIterations bounds Run; zero means run until completion.
	MaxIterations int

	// DebugQA makes QA run eagerly in every lifecycle band.
	DebugQA bool
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	defs := cfg.Defs
	if defs == nil {
		defs = phase.Definitions()
	}
	return &Orchestrator{
		store:      cfg.Store,
		bus:        cfg.Bus,
		runner:     cfg.Runner,
		detector:   cfg.Detector,
		defs:       defs,
		sched:      cfg.Scheduler,
		projectDir: cfg.ProjectDir,
		objective:  cfg.Objective,
		maxIters:   cfg.MaxIterations,
		debugQA:    cfg.DebugQA,
		log:        logging.Get(logging.CategoryOrchestrator),
	}
}

// Decision is one scheduling outcome. An empty Phase with Reason
// "complete" ends the run; an empty Phase otherwise falls through to
// polytopic selection.
type Decision struct {
	Phase  string
	Task   *state.Task
	Reason string
	Forced bool
}

func (d Decision) complete() bool { return d.Phase == "" && d.Reason == "complete" }

// Run iterates until completion, cancellation, or an unresolved loop.
// The caller owns loading the state; Run saves it after every iteration
// and once more on the way out.
func (o *Orchestrator) Run(ctx context.Context, s *state.PipelineState) error {
	for i := 0; o.maxIters == 0 || i < o.maxIters; i++ {
		select {
		case <-ctx.Done():
			o.saveAll(s)
			return ctx.Err()
		default:
		}

		done, err := o.Step(ctx, s)
		if err != nil {
			o.saveAll(s)
			return err
		}
		if done {
			o.saveAll(s)
			return nil
		}
	}
	o.log.Info("iteration budget exhausted at %d", s.Iteration)
	o.saveAll(s)
	return nil
}

func (o *Orchestrator) saveAll(s *state.PipelineState) {
	if err := o.store.Save(s); err != nil {
		o.log.Error("state save failed: %v", err)
	}
	if err := o.bus.SaveHistory(); err != nil {
		o.log.Error("bus history save failed: %v", err)
	}
}

// Step performs one orchestration iteration. It returns true once the
// pipeline has nothing left to do.
func (o *Orchestrator) Step(ctx context.Context, s *state.PipelineState) (bool, error) {
	o.ensureObjective(s)
	o.advanceObjectives(s)

	dec := o.tacticalDecision(s)
	if dec.complete() {
		o.log.Info("pipeline complete after %d iterations", s.Iteration)
		return true, nil
	}
	if dec.Phase == "" {
		dec = o.fallbackDecision(s)
	}
	dec = o.applyOverrides(s, dec)

	diag := o.detector.ScanFailures(o.bus.History(), s.FixHistory)
	if diag != nil {
		if diag.NeedsUserHelp {
			o.bus.Publish(bus.Message{
				Type:      bus.TypeUserInputRequested,
				Sender:    sender,
				Recipient: bus.Broadcast,
				Priority:  bus.PriorityCritical,
				Payload: map[string]any{
					"reason":    "failure loop with no viable resolver",
					"signature": diag.Signature,
					"phase":     diag.StreakPhase,
				},
			})
			o.saveAll(s)
			return false, fmt.Errorf("%w: %s", ErrLoopUnresolved, diag)
		}
		if diag.Resolver != "" && diag.Resolver != dec.Phase {
			o.forceTransition(s, dec.Phase, diag.Resolver, "failure_streak")
			dec = Decision{Phase: diag.Resolver, Reason: "failure_streak", Forced: true}
		}
	}

	if err := o.dispatch(ctx, s, dec); err != nil {
		return false, err
	}

	s.Iteration++
	o.saveAll(s)
	return false, nil
}

// ensureObjective synthesizes the default primary objective when state
// holds none: titled from the operator goal or the master plan document,
// adopting any pre-existing unparented tasks.
func (o *Orchestrator) ensureObjective(s *state.PipelineState) {
	if len(s.Objectives) > 0 {
		return
	}

	title := strings.TrimSpace(o.objective)
	if title == "" {
		title = o.masterPlanTitle()
	}
	if title == "" {
		title = "Deliver the project"
	}

	id := state.TaskFingerprint(title, "", "objective")
	obj := o.store.CreateObjective(s, id, title, state.LevelPrimary)
	obj.Status = state.ObjectiveActive
	for _, t := range s.Tasks {
		if t.ObjectiveID == "" {
			t.ObjectiveID = id
			obj.TaskIDs = append(obj.TaskIDs, t.ID)
		}
	}
	o.log.Info("created default objective %s: %s", id, title)
}

// masterPlanTitle pulls the first heading out of the project's master
// plan document, if one exists.
func (o *Orchestrator) masterPlanTitle() string {
	for _, rel := range []string{"MASTER_PLAN.md", filepath.Join("docs", "MASTER_PLAN.md")} {
		data, err := os.ReadFile(filepath.Join(o.projectDir, rel))
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(line, "# ") {
				return strings.TrimSpace(strings.TrimPrefix(line, "# "))
			}
		}
	}
	return ""
}

// advanceObjectives closes out zero-task objectives whose completion has
// reached 80 percent and makes sure one objective is active. The 80
// threshold prevents an empty objective from holding the pipeline open.
func (o *Orchestrator) advanceObjectives(s *state.PipelineState) {
	for _, obj := range o.objectivesByAge(s) {
		if obj.Status == state.ObjectiveCompleted {
			continue
		}
		if len(obj.TaskIDs) == 0 && obj.Completion >= 80 {
			obj.Status = state.ObjectiveCompleted
			o.log.Info("objective %s has no tasks at %.0f%% completion, closing", obj.ID, obj.Completion)
		}
	}

	for _, obj := range o.objectivesByAge(s) {
		if obj.Status == state.ObjectiveActive {
			return
		}
	}
	for _, obj := range o.objectivesByAge(s) {
		if obj.Status != state.ObjectiveCompleted && obj.Status != state.ObjectiveBlocked {
			obj.Status = state.ObjectiveActive
			o.log.Info("objective %s is now active", obj.ID)
			return
		}
	}
}

func (o *Orchestrator) objectivesByAge(s *state.PipelineState) []*state.Objective {
	objs := make([]*state.Objective, 0, len(s.Objectives))
	for _, obj := range s.Objectives {
		objs = append(objs, obj)
	}
	sort.Slice(objs, func(i, j int) bool {
		if objs[i].CreatedAt.Equal(objs[j].CreatedAt) {
			return objs[i].ID < objs[j].ID
		}
		return objs[i].CreatedAt.Before(objs[j].CreatedAt)
	})
	return objs
}

// tacticalDecision walks the fixed decision tree. Order matters: fixes
// beat validation beats refactoring beats new work.
func (o *Orchestrator) tacticalDecision(s *state.PipelineState) Decision {
	lifecycle := phase.LifecycleFor(s.CompletionRatio())

	if broken := sortedByPriority(s.TasksWithStatus(state.TaskNeedsFixes)); len(broken) > 0 {
		return Decision{Phase: phase.Debugging, Task: broken[0], Reason: "needs_fixes"}
	}

	if pending := s.TasksWithStatus(state.TaskQAPending); len(pending) > 0 {
		if o.debugQA {
			return Decision{Phase: phase.QA, Reason: "qa_debug"}
		}
		switch lifecycle {
		case phase.LifecycleFoundation:
			// Early on validation is deferred entirely; pending work is
			// treated as implicitly approved to build momentum.
			o.approvePendingQA(s, pending)
		case phase.LifecycleIntegration, phase.LifecycleConsolidation:
			if len(pending) >= o.sched.QABatchSize {
				return Decision{Phase: phase.QA, Reason: "qa_batch"}
			}
		default:
			return Decision{Phase: phase.QA, Reason: "qa_eager"}
		}
	}

	if task, due := o.refactorDue(s, lifecycle); due {
		return Decision{Phase: phase.Refactoring, Task: task, Reason: "refactoring_due"}
	}

	if task := o.nextPendingTask(s, state.CategoryDocumentation); task != nil {
		return Decision{Phase: phase.Documentation, Task: task, Reason: "documentation_backlog"}
	}

	if task := o.nextWorkableTask(s); task != nil {
		return Decision{Phase: phase.Coding, Task: task, Reason: "pending_task"}
	}

	if len(s.Tasks) == 0 {
		return Decision{Phase: phase.Planning, Reason: "no_tasks"}
	}

	if o.allSettled(s) {
		// Wrap-up sequence: documentation, then project planning, then done.
		switch s.CurrentPhase {
		case phase.Documentation:
			return Decision{Phase: phase.ProjectPlanning, Reason: "wrapup"}
		case phase.ProjectPlanning:
			return Decision{Reason: "complete"}
		default:
			return Decision{Phase: phase.Documentation, Reason: "wrapup"}
		}
	}

	// Work is in flight but nothing is directly actionable.
	return Decision{}
}

// approvePendingQA completes qa_pending tasks without a QA run, used in
// the foundation lifecycle band.
func (o *Orchestrator) approvePendingQA(s *state.PipelineState, pending []*state.Task) {
	for _, t := range pending {
		if err := o.store.CompleteTask(s, t.ID); err != nil {
			o.log.Warn("deferred approval of %s failed: %v", t.ID, err)
			continue
		}
		if t.ObjectiveID != "" {
			o.store.RefreshObjectiveCompletion(s, t.ObjectiveID)
		}
		o.bus.Publish(bus.Message{
			Type:      bus.TypeQAApproved,
			Sender:    sender,
			Recipient: bus.Broadcast,
			TaskID:    t.ID,
			FilePath:  t.FilePath,
			Payload:   map[string]any{"reason": "qa_deferred_foundation"},
		})
	}
	o.log.Info("foundation lifecycle: approved %d tasks without QA", len(pending))
}

// refactorDue reports whether the refactoring phase should run: an open
// refactoring backlog always qualifies, and in consolidation the phase
// additionally runs on a fixed iteration period.
func (o *Orchestrator) refactorDue(s *state.PipelineState, lifecycle phase.Lifecycle) (*state.Task, bool) {
	var backlog, blocked []*state.Task
	for _, t := range s.Tasks {
		if t.Category != state.CategoryRefactoring {
			continue
		}
		switch {
		case t.Status == state.TaskBlocked:
			blocked = append(blocked, t)
		case !t.Status.Terminal():
			backlog = append(backlog, t)
		}
	}
	if len(backlog) == 0 && len(blocked) > 0 {
		// The backlog cannot progress; leave a report and hand off.
		o.writeRefactoringReport(blocked)
	}
	if len(backlog) > 0 {
		backlog = sortedByPriority(backlog)
		if lifecycle == phase.LifecycleCompletion && backlog[0].Priority != state.PriorityCritical {
			// Near the end only critical architectural work may interrupt.
			return nil, false
		}
		return backlog[0], true
	}
	if lifecycle == phase.LifecycleConsolidation && o.sched.RefactorInterval > 0 &&
		s.Iteration > 0 && s.Iteration%o.sched.RefactorInterval == 0 {
		return nil, true
	}
	return nil, false
}

// nextPendingTask returns the highest-priority NEW task of a category.
func (o *Orchestrator) nextPendingTask(s *state.PipelineState, category state.TaskCategory) *state.Task {
	for _, t := range o.store.PendingTasksByPriority(s) {
		if t.Category == category {
			return t
		}
	}
	return nil
}

// nextWorkableTask returns the highest-priority NEW task, blocking any
// candidate whose attempt count exceeds the configured limit. The
// documentation and refactoring backlogs belong to their own phases and
// are skipped here.
func (o *Orchestrator) nextWorkableTask(s *state.PipelineState) *state.Task {
	for _, t := range o.store.PendingTasksByPriority(s) {
		if t.Category == state.CategoryDocumentation || t.Category == state.CategoryRefactoring {
			continue
		}
		if o.sched.MaxTaskAttempts > 0 && t.Attempts >= o.sched.MaxTaskAttempts {
			o.blockTask(s, t, "attempt limit exceeded")
			continue
		}
		return t
	}
	return nil
}

// blockTask takes a task out of rotation, requests a developer review,
// and emits an issue report.
func (o *Orchestrator) blockTask(s *state.PipelineState, t *state.Task, reason string) {
	if err := o.store.UpdateTaskStatus(s, t.ID, state.TaskBlocked); err != nil {
		o.log.Warn("could not block task %s: %v", t.ID, err)
		return
	}
	o.bus.Publish(bus.Message{
		Type:      bus.TypeReviewRequested,
		Sender:    sender,
		Recipient: bus.Broadcast,
		Priority:  bus.PriorityHigh,
		TaskID:    t.ID,
		Payload: map[string]any{
			"reason":   reason,
			"attempts": t.Attempts,
		},
	})
	o.writeBlockedTaskReport(t, reason)
	o.log.Warn("task %s blocked after %d attempts: %s", t.ID, t.Attempts, reason)
}

// allSettled reports whether every task is completed, failed, or blocked.
func (o *Orchestrator) allSettled(s *state.PipelineState) bool {
	for _, t := range s.Tasks {
		if !t.Status.Terminal() && t.Status != state.TaskBlocked {
			return false
		}
	}
	return true
}

// fallbackDecision consumes the phase hint if one is viable, otherwise
// runs polytopic selection from the current phase.
func (o *Orchestrator) fallbackDecision(s *state.PipelineState) Decision {
	if o.hint != "" {
		hint := o.hint
		o.hint = ""
		if o.viable(hint) {
			return Decision{Phase: hint, Reason: "phase_hint"}
		}
	}
	return Decision{Phase: o.selectPolytopic(s, s.CurrentPhase, nil), Reason: "polytopic"}
}

// applyOverrides layers loop detection on top of the tree decision: the
// per-phase no-update threshold, the phase-history scan, and the
// blacklist / meta-phase gate.
func (o *Orchestrator) applyOverrides(s *state.PipelineState, dec Decision) Decision {
	if target, forced := o.detector.CheckNoUpdate(dec.Phase, s.Phase(dec.Phase).NoUpdateCount); forced {
		o.store.ResetNoUpdate(s, dec.Phase)
		o.forceTransition(s, dec.Phase, target, "no_updates_threshold")
		dec = Decision{Phase: target, Reason: "no_updates_threshold", Forced: true}
	}

	if repeated, looping := o.detector.CheckHistory(s.PhaseHistory); looping && repeated == dec.Phase {
		target := o.selectPolytopic(s, repeated, map[string]bool{repeated: true})
		o.store.ResetNoUpdate(s, repeated)
		o.forceTransition(s, repeated, target, "history_repeat")
		dec = Decision{Phase: target, Reason: "history_repeat", Forced: true}
	}

	if !o.viable(dec.Phase) {
		target := o.selectPolytopic(s, s.CurrentPhase, map[string]bool{dec.Phase: true})
		o.forceTransition(s, dec.Phase, target, "phase_unavailable")
		dec = Decision{Phase: target, Reason: "phase_unavailable", Forced: true}
	}
	return dec
}

// viable reports whether a phase may be dispatched at all.
func (o *Orchestrator) viable(name string) bool {
	if _, known := o.defs[name]; !known {
		return false
	}
	if phase.MetaPhases[name] && !o.sched.EnableMetaPhases {
		return false
	}
	return !o.detector.IsBlacklisted(name)
}

func (o *Orchestrator) forceTransition(s *state.PipelineState, from, to, reason string) {
	o.store.RecordForcedTransition(s, from, to, reason)
	o.bus.Publish(bus.Message{
		Type:      bus.TypeForcedTransition,
		Sender:    sender,
		Recipient: bus.Broadcast,
		Priority:  bus.PriorityHigh,
		Payload:   map[string]any{"from": from, "to": to, "reason": reason},
	})
}

// dispatch runs the selected phase and folds its result back into state.
func (o *Orchestrator) dispatch(ctx context.Context, s *state.PipelineState, dec Decision) error {
	def, known := o.defs[dec.Phase]
	if !known {
		return fmt.Errorf("selected unknown phase %q", dec.Phase)
	}
	o.log.Info("iteration %d: dispatching %s (%s)", s.Iteration, dec.Phase, dec.Reason)

	if dec.Task != nil && dec.Phase == phase.Coding && dec.Task.Status == state.TaskNew {
		if err := o.store.UpdateTaskStatus(s, dec.Task.ID, state.TaskInProgress); err != nil {
			o.log.Warn("could not claim task %s: %v", dec.Task.ID, err)
		}
	}

	res, err := o.runner.Execute(ctx, def, s, dec.Task)
	if err != nil {
		return fmt.Errorf("phase %s failed: %w", dec.Phase, err)
	}

	if dec.Task != nil && tooComplexSignal(res.Message) {
		o.blockTask(s, dec.Task, "task_too_complex")
	}

	o.store.RecordPhaseExecution(s, dec.Phase, res.Success, truncate(res.Message, 200))
	if res.Effects > 0 {
		o.store.ResetNoUpdate(s, dec.Phase)
	} else {
		count := o.store.IncrementNoUpdate(s, dec.Phase)
		o.log.Debug("phase %s produced no effects (count %d)", dec.Phase, count)
	}
	if res.NextPhase != "" {
		o.hint = res.NextPhase
	}
	return nil
}

// tooComplexKeywords are the model-output phrases that mark a task as
// beyond a single execution. A match blocks the task for review.
var tooComplexKeywords = []string{
	"too complex",
	"too complicated",
	"break this down",
	"break it down",
	"needs to be split",
	"split this task",
}

func tooComplexSignal(msg string) bool {
	lower := strings.ToLower(msg)
	for _, kw := range tooComplexKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func truncate(msg string, n int) string {
	if len(msg) <= n {
		return msg
	}
	return msg[:n] + "..."
}

func sortedByPriority(tasks []*state.Task) []*state.Task {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Priority.Rank() != tasks[j].Priority.Rank() {
			return tasks[i].Priority.Rank() < tasks[j].Priority.Rank()
		}
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks
}
