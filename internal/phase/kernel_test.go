package phase

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"autonomy/internal/bus"
	"autonomy/internal/fsops"
	"autonomy/internal/ipcdoc"
	"autonomy/internal/state"
	"autonomy/internal/tools"
	"autonomy/internal/types"
)

// fakeClient returns scripted responses and records what it was asked.
type fakeClient struct {
	responses []*types.ModelResponse
	calls     int
	lastRole  types.ModelRole
	lastTools []types.ToolDefinition
	lastMsgs  []types.ChatMessage
}

func (f *fakeClient) Chat(ctx context.Context, role types.ModelRole, messages []types.ChatMessage, defs []types.ToolDefinition) (*types.ModelResponse, error) {
	f.lastRole = role
	f.lastTools = defs
	f.lastMsgs = messages
	resp := f.responses[min(f.calls, len(f.responses)-1)]
	f.calls++
	return resp, nil
}

func newTestKernel(t *testing.T, client types.ModelClient) (*Kernel, *tools.Env, *bus.Bus) {
	t.Helper()
	projectDir := t.TempDir()
	stateDir := filepath.Join(projectDir, ".autonomy")

	writer, err := fsops.NewWriter(projectDir, stateDir)
	if err != nil {
		t.Fatal(err)
	}
	ipc, err := ipcdoc.New(stateDir)
	if err != nil {
		t.Fatal(err)
	}
	b := bus.New(100, "")
	env := &tools.Env{
		Store:      state.NewStore(stateDir),
		State:      state.NewPipelineState(),
		Writer:     writer,
		Bus:        b,
		ProjectDir: projectDir,
		StateDir:   stateDir,
	}
	k := NewKernel(KernelConfig{
		Client:        client,
		Executor:      tools.NewExecutor(tools.NewDefaultRegistry(false), env),
		Bus:           b,
		Store:         env.Store,
		IPC:           ipc,
		MaxMessages:   40,
		KeepExchanges: 6,
	})
	return k, env, b
}

func TestKernelExecutesToolCalls(t *testing.T) {
	client := &fakeClient{responses: []*types.ModelResponse{{
		Content: "writing the file",
		Model:   "coder-v1",
		ToolCalls: []types.ToolCall{{
			Name: "create_file",
			Args: map[string]any{"filepath": "x.py", "content": "x = 1\n"},
		}},
	}}}
	k, env, _ := newTestKernel(t, client)
	defs := Definitions()

	res, err := k.Execute(context.Background(), defs[Coding], env.State, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.Effects != 1 {
		t.Errorf("result: %+v", res)
	}
	if client.lastRole != types.RoleCoder {
		t.Errorf("role: %s", client.lastRole)
	}
}

func TestKernelSelectsToolsByCategory(t *testing.T) {
	client := &fakeClient{responses: []*types.ModelResponse{{Content: "ok"}}}
	k, env, _ := newTestKernel(t, client)
	defs := Definitions()

	if _, err := k.Execute(context.Background(), defs[Documentation], env.State, nil); err != nil {
		t.Fatal(err)
	}
	names := make(map[string]bool)
	for _, d := range client.lastTools {
		names[d.Name] = true
	}
	if !names["create_file"] || !names["create_task"] {
		t.Errorf("documentation tools missing: %v", names)
	}
	if names["approve_code"] {
		t.Error("reporting tool leaked into documentation phase")
	}
}

func TestKernelTaskInPrompt(t *testing.T) {
	client := &fakeClient{responses: []*types.ModelResponse{{Content: "ok"}}}
	k, env, _ := newTestKernel(t, client)
	defs := Definitions()

	task, _ := env.Store.ProposeTask(env.State, "implement parser", "parser.py", "", state.PriorityHigh, state.CategoryFeature)
	if _, err := k.Execute(context.Background(), defs[Coding], env.State, task); err != nil {
		t.Fatal(err)
	}

	last := client.lastMsgs[len(client.lastMsgs)-1]
	if !strings.Contains(last.Content, "implement parser") || !strings.Contains(last.Content, "parser.py") {
		t.Errorf("task not in prompt: %q", last.Content)
	}
}

func TestKernelSyntaxFailureHintsDebugging(t *testing.T) {
	client := &fakeClient{responses: []*types.ModelResponse{{
		ToolCalls: []types.ToolCall{{
			Name: "create_file",
			Args: map[string]any{"filepath": "app.py", "content": "def f( :\n    pass\n"},
		}},
	}}}
	k, env, _ := newTestKernel(t, client)
	defs := Definitions()

	res, err := k.Execute(context.Background(), defs[QA], env.State, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.NextPhase != Debugging {
		t.Errorf("next phase: %q, want debugging", res.NextPhase)
	}
	// The file landed, so the execution still counts as effectful.
	if res.Effects != 1 {
		t.Errorf("effects: %d", res.Effects)
	}
}

func TestKernelPublishesLifecycleEvents(t *testing.T) {
	client := &fakeClient{responses: []*types.ModelResponse{{Content: "ok"}}}
	k, env, b := newTestKernel(t, client)
	defs := Definitions()

	if _, err := k.Execute(context.Background(), defs[Planning], env.State, nil); err != nil {
		t.Fatal(err)
	}
	started := b.Search(bus.Filter{Types: []bus.MessageType{bus.TypePhaseStarted}})
	completed := b.Search(bus.Filter{Types: []bus.MessageType{bus.TypePhaseCompleted}})
	if len(started) != 1 || len(completed) != 1 {
		t.Errorf("events: started=%d completed=%d", len(started), len(completed))
	}
}

func TestKernelNoToolCallsIsZeroEffects(t *testing.T) {
	client := &fakeClient{responses: []*types.ModelResponse{{Content: "nothing to do"}}}
	k, env, _ := newTestKernel(t, client)
	defs := Definitions()

	res, err := k.Execute(context.Background(), defs[QA], env.State, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Effects != 0 {
		t.Errorf("effects: %d", res.Effects)
	}
}

func TestKernelWritesStatusDocument(t *testing.T) {
	client := &fakeClient{responses: []*types.ModelResponse{{Content: "done"}}}
	k, env, _ := newTestKernel(t, client)
	defs := Definitions()

	if _, err := k.Execute(context.Background(), defs[Coding], env.State, nil); err != nil {
		t.Fatal(err)
	}
	ipc, err := ipcdoc.New(env.StateDir)
	if err != nil {
		t.Fatal(err)
	}
	doc, err := ipc.Read(Coding, ipcdoc.KindStatus)
	if err != nil || doc == "" {
		t.Errorf("status document missing: %q err=%v", doc, err)
	}
}
