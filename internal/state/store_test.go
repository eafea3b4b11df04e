package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	return NewStore(dir), dir
}

func TestLoadMissingFileReturnsFreshState(t *testing.T) {
	st, _ := newTestStore(t)
	s, err := st.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(s.Tasks) != 0 || len(s.Objectives) != 0 {
		t.Error("fresh state should have empty maps")
	}
	if s.PhaseHistory == nil {
		t.Error("phase history should be initialized")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	st, _ := newTestStore(t)
	s := NewPipelineState()

	obj := st.CreateObjective(s, "obj-1", "Build the thing", LevelPrimary)
	obj.Status = ObjectiveActive
	task, created := st.ProposeTask(s, "implement x", "x.py", "obj-1", PriorityHigh, CategoryFeature)
	if !created {
		t.Fatal("first proposal should create the task")
	}
	st.RecordPhaseExecution(s, "planning", true, "ok")
	st.IncrementNoUpdate(s, "documentation")
	st.RecordForcedTransition(s, "documentation", "project_planning", "no_updates_threshold")

	if err := st.Save(s); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := st.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	opts := []cmp.Option{
		cmpopts.IgnoreUnexported(Task{}, PipelineState{}),
		cmpopts.EquateApproxTime(time.Second),
	}
	if diff := cmp.Diff(s, loaded, opts...); diff != "" {
		t.Errorf("round-trip mismatch (-want +got):\n%s", diff)
	}
	if loaded.Tasks[task.ID].Description != "implement x" {
		t.Error("task content lost in round-trip")
	}
}

func TestUnknownFieldsSurviveRoundTrip(t *testing.T) {
	st, dir := newTestStore(t)

	raw := `{
		"tasks": {
			"task-abc": {
				"id": "task-abc",
				"description": "d",
				"status": "new",
				"priority": "high",
				"created_at": "2026-01-01T00:00:00Z",
				"future_field": {"nested": true}
			}
		},
		"objectives": {},
		"phase_states": {},
		"phase_history": [],
		"iteration": 0,
		"experimental_top_level": [1, 2, 3]
	}`
	if err := os.WriteFile(filepath.Join(dir, "state.json"), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := st.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := st.Save(s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if !strings.Contains(out, "future_field") {
		t.Error("unknown task field dropped on round-trip")
	}
	if !strings.Contains(out, "experimental_top_level") {
		t.Error("unknown top-level field dropped on round-trip")
	}
}

func TestCorruptFileFailsLoudly(t *testing.T) {
	st, dir := newTestStore(t)
	if err := os.WriteFile(filepath.Join(dir, "state.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := st.Load()
	if err == nil {
		t.Fatal("corrupt state must fail loudly")
	}
	if !strings.Contains(err.Error(), "corrupt") {
		t.Errorf("error should identify corruption, got: %v", err)
	}
}

func TestDanglingObjectiveReferenceIsCorrupt(t *testing.T) {
	st, dir := newTestStore(t)
	raw := `{
		"tasks": {},
		"objectives": {"o1": {"id": "o1", "level": "primary", "title": "t", "status": "active", "task_ids": ["task-missing"], "completion": 0, "created_at": "2026-01-01T00:00:00Z"}},
		"phase_states": {},
		"phase_history": []
	}`
	if err := os.WriteFile(filepath.Join(dir, "state.json"), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Load(); err == nil {
		t.Fatal("dangling task reference must be rejected")
	}
}

func TestTaskFingerprintIdempotent(t *testing.T) {
	a := TaskFingerprint("implement x", "x.py", "obj-1")
	b := TaskFingerprint("implement x", "x.py", "obj-1")
	if a != b {
		t.Errorf("fingerprint not deterministic: %s vs %s", a, b)
	}
	c := TaskFingerprint("implement y", "x.py", "obj-1")
	if a == c {
		t.Error("distinct descriptions must yield distinct ids")
	}

	st, _ := newTestStore(t)
	s := NewPipelineState()
	t1, created1 := st.ProposeTask(s, "implement x", "x.py", "", PriorityHigh, CategoryFeature)
	t2, created2 := st.ProposeTask(s, "implement x", "x.py", "", PriorityHigh, CategoryFeature)
	if !created1 || created2 {
		t.Error("second proposal must be a no-op")
	}
	if t1 != t2 {
		t.Error("second proposal must return the existing task")
	}
	if len(s.Tasks) != 1 {
		t.Errorf("expected 1 task, got %d", len(s.Tasks))
	}
}

func TestNoUpdateCounterRoundTrip(t *testing.T) {
	st, _ := newTestStore(t)
	s := NewPipelineState()

	before := s.Phase("qa").NoUpdateCount
	st.IncrementNoUpdate(s, "qa")
	st.ResetNoUpdate(s, "qa")
	if got := s.Phase("qa").NoUpdateCount; got != before {
		t.Errorf("increment+reset must be a no-op, got %d", got)
	}
}

func TestCompletedTasksAreImmutable(t *testing.T) {
	st, _ := newTestStore(t)
	s := NewPipelineState()
	task, _ := st.ProposeTask(s, "d", "f.go", "", PriorityMedium, CategoryFeature)
	if err := st.CompleteTask(s, task.ID); err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateTaskStatus(s, task.ID, TaskInProgress); err == nil {
		t.Error("completed task must reject status mutation")
	}
}

func TestPhaseHistoryAppendOnly(t *testing.T) {
	st, _ := newTestStore(t)
	s := NewPipelineState()
	st.RecordPhaseExecution(s, "planning", true, "ok")
	st.RecordPhaseExecution(s, "coding", true, "ok")
	st.RecordPhaseExecution(s, "qa", false, "no issues")

	want := []string{"planning", "coding", "qa"}
	if diff := cmp.Diff(want, s.PhaseHistory); diff != "" {
		t.Errorf("history mismatch:\n%s", diff)
	}
	if s.CurrentPhase != "qa" {
		t.Errorf("current phase should track last execution, got %s", s.CurrentPhase)
	}
}

func TestAtomicSaveLeavesNoTempFiles(t *testing.T) {
	st, dir := newTestStore(t)
	s := NewPipelineState()
	for i := 0; i < 5; i++ {
		if err := st.Save(s); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".state-") {
			t.Errorf("stray temp file left behind: %s", e.Name())
		}
	}
}

func TestPendingTasksByPriorityOrder(t *testing.T) {
	st, _ := newTestStore(t)
	s := NewPipelineState()
	st.ProposeTask(s, "low", "a.go", "", PriorityLow, CategoryFeature)
	st.ProposeTask(s, "critical", "b.go", "", PriorityCritical, CategoryFeature)
	st.ProposeTask(s, "medium", "c.go", "", PriorityMedium, CategoryFeature)

	tasks := st.PendingTasksByPriority(s)
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	if tasks[0].Description != "critical" || tasks[2].Description != "low" {
		t.Errorf("wrong order: %s, %s, %s", tasks[0].Description, tasks[1].Description, tasks[2].Description)
	}
}

func TestStateJSONShapeStable(t *testing.T) {
	s := NewPipelineState()
	s.Tasks["task-1"] = &Task{ID: "task-1", Description: "d", Status: TaskNew, Priority: PriorityHigh, CreatedAt: time.Now().UTC()}
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"tasks", "objectives", "phase_states", "phase_history"} {
		if _, ok := m[key]; !ok {
			t.Errorf("serialized state missing %q", key)
		}
	}
}
