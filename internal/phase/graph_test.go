package phase

import (
	"os"
	"testing"
)

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func TestAllPhasesReachableFromPlanning(t *testing.T) {
	defs := Definitions()

	// project_planning has no inbound adjacency edge; the wrap-up
	// hand-off from documentation is the edge that enters it.
	extra := map[string][]string{
		Documentation: {ProjectPlanning},
	}

	visited := map[string]bool{}
	queue := []string{Planning}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if visited[name] {
			continue
		}
		visited[name] = true
		def, known := defs[name]
		if !known {
			t.Fatalf("adjacency references unknown phase %q", name)
		}
		queue = append(queue, def.Adjacent...)
		queue = append(queue, extra[name]...)
	}

	for name := range defs {
		if !visited[name] {
			t.Errorf("phase %s not reachable from planning", name)
		}
	}
}

func TestGraphVertexCount(t *testing.T) {
	if got := len(Definitions()); got != 15 {
		t.Errorf("vertex count: %d", got)
	}
}

func TestAdjacencyListsAreCanonical(t *testing.T) {
	want := map[string][]string{
		Planning:          {Coding, Refactoring},
		Coding:            {QA, Documentation, Refactoring},
		QA:                {Debugging, Documentation, AppTroubleshoot, Refactoring},
		Debugging:         {Investigation, Coding, AppTroubleshoot},
		Investigation:     {Debugging, Coding, AppTroubleshoot, PromptDesign, RoleDesign, ToolDesign, Refactoring},
		AppTroubleshoot:   {Debugging, Investigation, Coding},
		Documentation:     {Planning, QA},
		ProjectPlanning:   {Planning, Refactoring},
		Refactoring:       {Coding, QA, Planning},
		PromptDesign:      {PromptImprovement},
		PromptImprovement: {PromptDesign, Planning},
		RoleDesign:        {RoleImprovement},
		RoleImprovement:   {RoleDesign, Planning},
		ToolDesign:        {ToolEvaluation},
		ToolEvaluation:    {ToolDesign, Coding},
	}
	defs := Definitions()
	for name, adj := range want {
		def, known := defs[name]
		if !known {
			t.Fatalf("missing phase %s", name)
		}
		if len(def.Adjacent) != len(adj) {
			t.Errorf("%s adjacency: %v, want %v", name, def.Adjacent, adj)
			continue
		}
		for i, n := range adj {
			if def.Adjacent[i] != n {
				t.Errorf("%s adjacency[%d]: %s, want %s", name, i, def.Adjacent[i], n)
			}
		}
	}
}

func TestEveryPhaseHasProfileAndPrompt(t *testing.T) {
	for name, def := range Definitions() {
		if def.SystemPrompt == "" {
			t.Errorf("%s: empty system prompt", name)
		}
		if len(def.ToolCategories) == 0 {
			t.Errorf("%s: no tool categories", name)
		}
		p := def.Profile
		sum := p.Temporal + p.Functional + p.Data + p.State + p.Error + p.Context + p.Integration
		if sum == 0 {
			t.Errorf("%s: zero profile vector", name)
		}
	}
}

func TestLifecycleBands(t *testing.T) {
	cases := []struct {
		ratio float64
		want  Lifecycle
	}{
		{0, LifecycleFoundation},
		{0.24, LifecycleFoundation},
		{0.25, LifecycleIntegration},
		{0.49, LifecycleIntegration},
		{0.50, LifecycleConsolidation},
		{0.74, LifecycleConsolidation},
		{0.75, LifecycleCompletion},
		{1.0, LifecycleCompletion},
	}
	for _, tc := range cases {
		if got := LifecycleFor(tc.ratio); got != tc.want {
			t.Errorf("LifecycleFor(%v) = %s, want %s", tc.ratio, got, tc.want)
		}
	}
}

func TestProfileOverridesFromFile(t *testing.T) {
	defs := Definitions()
	dir := t.TempDir()
	path := dir + "/phases.yaml"
	if err := writeFile(path, "profiles:\n  coding:\n    temporal: 0.9\n    functional: 0.9\n"); err != nil {
		t.Fatal(err)
	}
	if err := ApplyProfileOverrides(defs, path); err != nil {
		t.Fatalf("override: %v", err)
	}
	if defs[Coding].Profile.Temporal != 0.9 {
		t.Errorf("override not applied: %+v", defs[Coding].Profile)
	}
	// Unnamed phases keep their defaults.
	if defs[QA].Profile.Error != defaultProfiles[QA].Error {
		t.Error("unrelated phase profile changed")
	}
}

func TestProfileOverridesUnknownPhase(t *testing.T) {
	defs := Definitions()
	path := t.TempDir() + "/phases.yaml"
	if err := writeFile(path, "profiles:\n  shipping:\n    temporal: 1\n"); err != nil {
		t.Fatal(err)
	}
	if err := ApplyProfileOverrides(defs, path); err == nil {
		t.Error("unknown phase name must be rejected")
	}
}

func TestProfileOverridesMissingFileIsFine(t *testing.T) {
	if err := ApplyProfileOverrides(Definitions(), t.TempDir()+"/absent.yaml"); err != nil {
		t.Errorf("missing file must not error: %v", err)
	}
}
