package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"autonomy/internal/bus"
	"autonomy/internal/fsops"
	"autonomy/internal/state"
	"autonomy/internal/types"
)

func newTestExecutor(t *testing.T) (*Executor, *Env) {
	t.Helper()
	projectDir := t.TempDir()
	stateDir := filepath.Join(projectDir, ".autonomy")

	writer, err := fsops.NewWriter(projectDir, stateDir)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	env := &Env{
		Store:      state.NewStore(stateDir),
		State:      state.NewPipelineState(),
		Writer:     writer,
		Bus:        bus.New(100, ""),
		ProjectDir: projectDir,
		StateDir:   stateDir,
	}
	return NewExecutor(NewDefaultRegistry(true), env), env
}

func TestExecuteCreateFile(t *testing.T) {
	exec, env := newTestExecutor(t)

	res := exec.Execute(context.Background(), "coding", types.ToolCall{
		Name: "create_file",
		Args: map[string]any{"filepath": "x.py", "content": "def f():\n    return 1\n"},
	})
	if !res.Success || !res.FileSaved {
		t.Fatalf("result: %+v", res)
	}
	if _, err := os.Stat(filepath.Join(env.ProjectDir, "x.py")); err != nil {
		t.Errorf("file not on disk: %v", err)
	}
}

func TestExecuteSyntaxRejectedStillSaves(t *testing.T) {
	exec, env := newTestExecutor(t)

	res := exec.Execute(context.Background(), "coding", types.ToolCall{
		Name: "create_file",
		Args: map[string]any{"filepath": "app.py", "content": "def f( :\n    pass\n"},
	})
	if res.Success {
		t.Error("syntax-rejected write must not report success")
	}
	if !res.FileSaved {
		t.Error("file must still be saved for the debugging phase")
	}
	if !res.NeedsDebugging {
		t.Error("needs_debugging not set")
	}
	if _, err := os.Stat(filepath.Join(env.ProjectDir, "app.py")); err != nil {
		t.Errorf("file missing: %v", err)
	}

	// A fix task for the broken file must exist in NEEDS_FIXES.
	found := false
	for _, task := range env.State.Tasks {
		if task.FilePath == "app.py" && task.Status == state.TaskNeedsFixes {
			found = true
		}
	}
	if !found {
		t.Error("no NEEDS_FIXES task created for the broken file")
	}
}

func TestExecuteEmptyNameInference(t *testing.T) {
	exec, env := newTestExecutor(t)

	// A file path with no issue fields infers approve_code.
	res := exec.Execute(context.Background(), "qa", types.ToolCall{
		Name: "",
		Args: map[string]any{"filepath": "src/ui.py"},
	})
	if res.Tool != "approve_code" {
		t.Fatalf("inferred %q, want approve_code", res.Tool)
	}
	if !res.Success {
		t.Errorf("inferred call failed: %+v", res)
	}
	_ = env
}

func TestExecuteEmptyNameInferenceVariants(t *testing.T) {
	cases := []struct {
		args map[string]any
		want string
	}{
		{map[string]any{"filepath": "a.py", "content": "x = 1\n"}, "create_file"},
		{map[string]any{"filepath": "a.py", "issue": "crashes on load"}, "report_qa_issue"},
		{map[string]any{"filepath": "a.py", "description": "add parser"}, "create_task"},
		{map[string]any{"description": "add parser"}, "create_task"},
		{map[string]any{"filepath": "a.py"}, "approve_code"},
		{map[string]any{"unrelated": true}, ""},
	}
	for _, tc := range cases {
		if got := InferName(tc.args); got != tc.want {
			t.Errorf("InferName(%v) = %q, want %q", tc.args, got, tc.want)
		}
	}
}

func TestExecuteEmptyNameInferenceFails(t *testing.T) {
	exec, _ := newTestExecutor(t)

	res := exec.Execute(context.Background(), "coding", types.ToolCall{
		Name: "",
		Args: map[string]any{"mystery": 42},
	})
	if res.Success {
		t.Error("uninferable call must fail")
	}
	if !strings.Contains(res.Error, "inference failed") {
		t.Errorf("error: %q", res.Error)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	exec, _ := newTestExecutor(t)

	res := exec.Execute(context.Background(), "coding", types.ToolCall{Name: "no_such_tool"})
	if res.Success {
		t.Error("unknown tool must fail")
	}
	if !strings.Contains(res.Error, "tool not found") {
		t.Errorf("error: %q", res.Error)
	}
}

func TestExecuteMissingRequiredArg(t *testing.T) {
	exec, _ := newTestExecutor(t)

	res := exec.Execute(context.Background(), "coding", types.ToolCall{
		Name: "create_file",
		Args: map[string]any{"filepath": "x.py"}, // content missing
	})
	if res.Success {
		t.Error("missing required arg must fail")
	}
	if !strings.Contains(res.Error, "missing required argument") {
		t.Errorf("error: %q", res.Error)
	}
}

func TestCreateTaskDeduplicates(t *testing.T) {
	exec, env := newTestExecutor(t)

	call := types.ToolCall{Name: "create_task", Args: map[string]any{
		"description": "implement parser", "filepath": "parser.py",
	}}
	first := exec.Execute(context.Background(), "planning", call)
	second := exec.Execute(context.Background(), "planning", call)
	if !first.Success || !second.Success {
		t.Fatalf("results: %+v %+v", first, second)
	}
	if first.Details["task_id"] != second.Details["task_id"] {
		t.Error("same proposal produced different task ids")
	}
	if second.Details["created"] != false {
		t.Error("duplicate proposal reported as created")
	}
	if len(env.State.Tasks) != 1 {
		t.Errorf("task count: %d", len(env.State.Tasks))
	}
}

func TestApproveCodeCompletesQATasks(t *testing.T) {
	exec, env := newTestExecutor(t)

	task, _ := env.Store.ProposeTask(env.State, "build ui", "src/ui.py", "", state.PriorityMedium, state.CategoryFeature)
	env.Store.UpdateTaskStatus(env.State, task.ID, state.TaskQAPending)

	res := exec.Execute(context.Background(), "qa", types.ToolCall{
		Name: "approve_code",
		Args: map[string]any{"filepath": "src/ui.py"},
	})
	if !res.Success {
		t.Fatalf("approve_code failed: %+v", res)
	}
	if env.State.Tasks[task.ID].Status != state.TaskCompleted {
		t.Errorf("task status: %s", env.State.Tasks[task.ID].Status)
	}
}

func TestReportQAIssueDemotesTask(t *testing.T) {
	exec, env := newTestExecutor(t)

	task, _ := env.Store.ProposeTask(env.State, "build ui", "src/ui.py", "", state.PriorityMedium, state.CategoryFeature)
	env.Store.UpdateTaskStatus(env.State, task.ID, state.TaskQAPending)

	res := exec.Execute(context.Background(), "qa", types.ToolCall{
		Name: "report_qa_issue",
		Args: map[string]any{"filepath": "src/ui.py", "issue": "no error handling", "task_id": task.ID},
	})
	if !res.Success {
		t.Fatalf("report_qa_issue failed: %+v", res)
	}
	if env.State.Tasks[task.ID].Status != state.TaskNeedsFixes {
		t.Errorf("original task not demoted: %s", env.State.Tasks[task.ID].Status)
	}
	// And a dedicated fix task exists.
	fixTasks := env.State.TasksWithStatus(state.TaskNeedsFixes)
	if len(fixTasks) != 2 {
		t.Errorf("fix task not created: %d needs_fixes tasks", len(fixTasks))
	}
}

func TestCompleteTaskRefreshesObjective(t *testing.T) {
	exec, env := newTestExecutor(t)

	env.Store.CreateObjective(env.State, "O1", "milestone", state.LevelPrimary)
	task, _ := env.Store.ProposeTask(env.State, "work", "w.py", "O1", state.PriorityMedium, state.CategoryFeature)

	res := exec.Execute(context.Background(), "coding", types.ToolCall{
		Name: "complete_task",
		Args: map[string]any{"task_id": task.ID},
	})
	if !res.Success {
		t.Fatalf("complete_task: %+v", res)
	}
	if env.State.Objectives["O1"].Completion != 100 {
		t.Errorf("objective completion: %v", env.State.Objectives["O1"].Completion)
	}
}

func TestDefinitionsPerCategory(t *testing.T) {
	exec, _ := newTestExecutor(t)

	defs := exec.Definitions(CategoryFile)
	names := make(map[string]bool)
	for _, d := range defs {
		names[d.Name] = true
	}
	for _, want := range []string{"create_file", "modify_file", "delete_file", "read_file", "list_files", "append_to_file"} {
		if !names[want] {
			t.Errorf("missing %s in file category", want)
		}
	}
	if names["create_task"] {
		t.Error("task tool leaked into file category")
	}
}

func TestMetaToolsGatedByFlag(t *testing.T) {
	if NewDefaultRegistry(false).Has("propose_tool") {
		t.Error("meta tool registered with meta disabled")
	}
	if !NewDefaultRegistry(true).Has("propose_tool") {
		t.Error("meta tool missing with meta enabled")
	}
}
