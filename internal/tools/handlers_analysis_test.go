package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"autonomy/internal/types"
)

func seedProject(t *testing.T, env *Env, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(env.ProjectDir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestDetectDuplicateFunctions(t *testing.T) {
	exec, env := newTestExecutor(t)
	seedProject(t, env, map[string]string{
		"a.py": "def load_config():\n    pass\n",
		"b.py": "def load_config():\n    pass\n\ndef unique_b():\n    pass\n",
	})

	res := exec.Execute(context.Background(), "refactoring", types.ToolCall{Name: "detect_duplicate_functions"})
	if !res.Success {
		t.Fatalf("failed: %+v", res)
	}
	dups := res.Details["duplicates"].(map[string]any)
	if _, found := dups["load_config"]; !found {
		t.Errorf("duplicate not detected: %v", dups)
	}
	if _, found := dups["unique_b"]; found {
		t.Error("unique function reported as duplicate")
	}
}

func TestFindDeadCode(t *testing.T) {
	exec, env := newTestExecutor(t)
	seedProject(t, env, map[string]string{
		"lib.py":  "def used():\n    pass\n\ndef orphan():\n    pass\n",
		"main.py": "from lib import used\n\nused()\n",
	})

	res := exec.Execute(context.Background(), "refactoring", types.ToolCall{Name: "find_dead_code"})
	if !res.Success {
		t.Fatalf("failed: %+v", res)
	}
	dead := res.Details["dead"].([]map[string]any)
	names := make(map[string]bool)
	for _, d := range dead {
		names[d["function"].(string)] = true
	}
	if !names["orphan"] {
		t.Errorf("orphan not flagged: %v", dead)
	}
	if names["used"] {
		t.Error("called function flagged as dead")
	}
}

func TestExtractCodeFeatures(t *testing.T) {
	exec, env := newTestExecutor(t)
	seedProject(t, env, map[string]string{
		"m.py": "import os\nfrom json import loads\n\nclass Widget:\n    def render(self):\n        pass\n",
	})

	res := exec.Execute(context.Background(), "investigation", types.ToolCall{
		Name: "extract_code_features",
		Args: map[string]any{"filepath": "m.py"},
	})
	if !res.Success {
		t.Fatalf("failed: %+v", res)
	}
	classes := res.Details["classes"].([]string)
	if len(classes) != 1 || classes[0] != "Widget" {
		t.Errorf("classes: %v", classes)
	}
	functions := res.Details["functions"].([]string)
	if len(functions) != 1 || functions[0] != "render" {
		t.Errorf("functions: %v", functions)
	}
}

func TestValidateSyntaxTool(t *testing.T) {
	exec, env := newTestExecutor(t)
	seedProject(t, env, map[string]string{
		"good.py": "x = 1\n",
		"bad.py":  "def f(\n",
	})

	res := exec.Execute(context.Background(), "qa", types.ToolCall{
		Name: "validate_syntax", Args: map[string]any{"filepath": "good.py"},
	})
	if !res.Success {
		t.Errorf("good file rejected: %+v", res)
	}
	res = exec.Execute(context.Background(), "qa", types.ToolCall{
		Name: "validate_syntax", Args: map[string]any{"filepath": "bad.py"},
	})
	if res.Success {
		t.Error("bad file accepted")
	}
}

func TestCheckMethodExists(t *testing.T) {
	exec, env := newTestExecutor(t)
	seedProject(t, env, map[string]string{
		"svc.py": "def handle_request():\n    pass\n",
	})

	res := exec.Execute(context.Background(), "debugging", types.ToolCall{
		Name: "check_method_exists", Args: map[string]any{"method": "handle_request"},
	})
	if !res.Success || res.Details["exists"] != true {
		t.Errorf("existing method not found: %+v", res)
	}
	res = exec.Execute(context.Background(), "debugging", types.ToolCall{
		Name: "check_method_exists", Args: map[string]any{"method": "missing_method"},
	})
	if res.Details["exists"] != false {
		t.Errorf("phantom method reported: %+v", res)
	}
}

func TestListFilesGlob(t *testing.T) {
	exec, env := newTestExecutor(t)
	seedProject(t, env, map[string]string{
		"src/a.py":   "x = 1\n",
		"src/b.txt":  "notes\n",
		"deep/c.py":  "y = 2\n",
		"top_d.json": "{}",
	})

	res := exec.Execute(context.Background(), "planning", types.ToolCall{
		Name: "list_files", Args: map[string]any{"pattern": "**/*.py"},
	})
	if !res.Success {
		t.Fatalf("failed: %+v", res)
	}
	files := res.Details["files"].([]string)
	if len(files) != 2 {
		t.Errorf("glob matched %v", files)
	}
}

func TestCheckDictAccess(t *testing.T) {
	exec, env := newTestExecutor(t)
	seedProject(t, env, map[string]string{
		"cfg.py": "v = data[\"key\"]\nif \"key\" in data:\n    w = data[\"key\"]\n",
	})

	res := exec.Execute(context.Background(), "qa", types.ToolCall{
		Name: "check_dict_access", Args: map[string]any{"filepath": "cfg.py", "key": "key"},
	})
	if !res.Success {
		t.Fatalf("failed: %+v", res)
	}
	unguarded := res.Details["unguarded"].([]int)
	if len(unguarded) != 1 || unguarded[0] != 1 {
		t.Errorf("unguarded lines: %v", unguarded)
	}
}
