package phase

import (
	"context"
	"fmt"
	"strings"

	"autonomy/internal/bus"
	"autonomy/internal/conversation"
	"autonomy/internal/ipcdoc"
	"autonomy/internal/logging"
	"autonomy/internal/state"
	"autonomy/internal/tools"
	"autonomy/internal/types"
)

// Result is what one phase execution hands back to the orchestrator.
// NextPhase is a soft hint; the orchestrator may override it for loop
// breaking.
type Result struct {
	Success   bool
	Phase     string
	Message   string
	NextPhase string
	ToolCalls []types.ToolCall
	Results   []*tools.Result
	// Effects counts effect-carrying tool results; zero feeds the
	// phase's no-update counter.
	Effects int
}

// Kernel executes any phase through the same six steps: gather context,
// build the user message, select tools, call the model, route tool calls,
// publish events.
type Kernel struct {
	client   types.ModelClient
	executor *tools.Executor
	bus      *bus.Bus
	store    *state.Store
	ipc      *ipcdoc.Dir
	threads  map[string]*conversation.Thread
	newer    func(def *Definition) *conversation.Thread
	log      *logging.Logger
}

// KernelConfig wires a kernel's collaborators.
type KernelConfig struct {
	Client        types.ModelClient
	Executor      *tools.Executor
	Bus           *bus.Bus
	Store         *state.Store
	IPC           *ipcdoc.Dir
	Summarizer    conversation.Summarizer
	MaxMessages   int
	KeepExchanges int
}

// NewKernel creates a kernel. Each phase lazily gets its own conversation
// thread seeded with that phase's system prompt.
func NewKernel(cfg KernelConfig) *Kernel {
	return &Kernel{
		client:   cfg.Client,
		executor: cfg.Executor,
		bus:      cfg.Bus,
		store:    cfg.Store,
		ipc:      cfg.IPC,
		threads:  make(map[string]*conversation.Thread),
		newer: func(def *Definition) *conversation.Thread {
			return conversation.NewThread(def.Name, def.SystemPrompt,
				cfg.MaxMessages, cfg.KeepExchanges, cfg.Summarizer)
		},
		log: logging.Get(logging.CategoryPhase),
	}
}

func (k *Kernel) thread(def *Definition) *conversation.Thread {
	t, exists := k.threads[def.Name]
	if !exists {
		t = k.newer(def)
		k.threads[def.Name] = t
	}
	return t
}

// Execute runs one phase against the current state. task may be nil for
// phases that work from state slices rather than a single task.
func (k *Kernel) Execute(ctx context.Context, def *Definition, s *state.PipelineState, task *state.Task) (*Result, error) {
	res := &Result{Phase: def.Name}

	k.bus.Publish(bus.Message{
		Type:      bus.TypePhaseStarted,
		Sender:    def.Name,
		Recipient: bus.Broadcast,
		Payload:   map[string]any{"iteration": s.Iteration},
	})

	// 1. Gather context. 2. Build the user message from it.
	prompt := k.buildUserMessage(def, s, task)

	// 3. Select tools from the phase's categories.
	defs := k.executor.Definitions(def.ToolCategories...)

	// 4. Call the model through the phase's conversation thread.
	thread := k.thread(def)
	thread.AppendUser(prompt)
	resp, err := k.client.Chat(ctx, def.Role, thread.Messages(ctx), defs)
	if err != nil {
		res.Message = fmt.Sprintf("model call failed: %v", err)
		k.log.Error("phase %s: %s", def.Name, res.Message)
		k.publishCompleted(def, res, s)
		return res, nil
	}
	thread.AppendAssistant(resp.Content, resp.Model)
	res.Message = resp.Content
	res.ToolCalls = resp.ToolCalls

	// 5. Route tool calls in response order and aggregate.
	res.Results = k.executor.ExecuteAll(ctx, def.Name, resp.ToolCalls)
	needsDebugging := false
	for _, r := range res.Results {
		if r.Success || r.FileSaved {
			res.Effects++
		}
		if r.NeedsDebugging {
			needsDebugging = true
		}
	}
	res.Success = len(res.Results) == 0 || res.Effects > 0

	if needsDebugging && adjacentTo(def, Debugging) {
		res.NextPhase = Debugging
	}

	// 6. Publish completion, record status document.
	k.writeStatus(def, res, s)
	k.publishCompleted(def, res, s)
	return res, ctx.Err()
}

func adjacentTo(def *Definition, name string) bool {
	for _, n := range def.Adjacent {
		if n == name {
			return true
		}
	}
	return false
}

// buildUserMessage assembles the focused per-execution prompt: the task at
// hand, relevant state slices, inbound IPC hints, and unread bus messages.
// Broader context lives in the conversation history.
func (k *Kernel) buildUserMessage(def *Definition, s *state.PipelineState, task *state.Task) string {
	var b strings.Builder

	lifecycle := LifecycleFor(s.CompletionRatio())
	fmt.Fprintf(&b, "Iteration %d. Project lifecycle: %s (%.0f%% tasks completed).\n",
		s.Iteration, lifecycle, 100*s.CompletionRatio())

	if task != nil {
		fmt.Fprintf(&b, "\nYour task: %s [%s]\n", task.Description, task.ID)
		if task.FilePath != "" {
			fmt.Fprintf(&b, "Target file: %s\n", task.FilePath)
		}
		if task.LastError != "" {
			fmt.Fprintf(&b, "Last error: %s\n", task.LastError)
		}
		if task.Attempts > 0 {
			fmt.Fprintf(&b, "Previous attempts: %d\n", task.Attempts)
		}
	}

	if summary := stateSummary(def, s); summary != "" {
		b.WriteString("\n")
		b.WriteString(summary)
	}

	if k.ipc != nil {
		if doc, err := k.ipc.Read(def.Name, ipcdoc.KindRead); err == nil && doc != "" {
			b.WriteString("\nInbound notes from other phases:\n")
			b.WriteString(doc)
			b.WriteString("\n")
		}
	}

	msgs := k.bus.GetMessages(def.Name, bus.Filter{})
	if len(msgs) > 0 {
		b.WriteString("\nUnread messages:\n")
		var ids []string
		for _, m := range msgs {
			fmt.Fprintf(&b, "- [%s from %s] %v\n", m.Type, m.Sender, m.Payload)
			ids = append(ids, m.ID)
		}
		k.bus.Clear(def.Name, ids)
	}

	return b.String()
}

// stateSummary renders the state slice each phase cares about.
func stateSummary(def *Definition, s *state.PipelineState) string {
	var b strings.Builder
	switch def.Name {
	case Planning, ProjectPlanning:
		fmt.Fprintf(&b, "Objectives: %d, tasks: %d total.\n", len(s.Objectives), len(s.Tasks))
		for _, obj := range s.Objectives {
			fmt.Fprintf(&b, "- objective %s (%s): %.0f%% complete, %d tasks\n",
				obj.ID, obj.Status, obj.Completion, len(obj.TaskIDs))
		}
	case QA:
		pending := s.TasksWithStatus(state.TaskQAPending)
		fmt.Fprintf(&b, "Tasks awaiting validation: %d\n", len(pending))
		for _, t := range pending {
			fmt.Fprintf(&b, "- %s: %s (%s)\n", t.ID, t.Description, t.FilePath)
		}
	case Debugging:
		broken := s.TasksWithStatus(state.TaskNeedsFixes)
		fmt.Fprintf(&b, "Open fix tasks: %d\n", len(broken))
		for _, t := range broken {
			fmt.Fprintf(&b, "- %s: %s (%s)\n", t.ID, t.Description, t.FilePath)
		}
	case Refactoring:
		count := 0
		for _, t := range s.Tasks {
			if t.Category == state.CategoryRefactoring && !t.Status.Terminal() {
				count++
			}
		}
		fmt.Fprintf(&b, "Open refactoring tasks: %d\n", count)
	}
	return b.String()
}

// writeStatus replaces the phase's STATUS document with the outcome of
// this execution.
func (k *Kernel) writeStatus(def *Definition, res *Result, s *state.PipelineState) {
	if k.ipc == nil {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# %s status\n\n", def.Name)
	fmt.Fprintf(&b, "Iteration: %d\n\nSuccess: %v\n\nEffects: %d\n", s.Iteration, res.Success, res.Effects)
	if res.Message != "" {
		fmt.Fprintf(&b, "\n## Last message\n\n%s\n", res.Message)
	}
	if err := k.ipc.Write(def.Name, ipcdoc.KindStatus, b.String()); err != nil {
		k.log.Warn("phase %s: status write failed: %v", def.Name, err)
	}
}

func (k *Kernel) publishCompleted(def *Definition, res *Result, s *state.PipelineState) {
	k.bus.Publish(bus.Message{
		Type:      bus.TypePhaseCompleted,
		Sender:    def.Name,
		Recipient: bus.Broadcast,
		Payload: map[string]any{
			"success": res.Success,
			"effects": res.Effects,
		},
	})
}
