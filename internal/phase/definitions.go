// Package phase defines the fifteen pipeline phases and the kernel that
// executes them. A phase is a vertex in a directed graph; its adjacency
// list is the set of permitted next phases, and its dimensional profile
// feeds polytopic selection when the tactical tree yields no decision.
package phase

import (
	"autonomy/internal/tools"
	"autonomy/internal/types"
)

// Phase names.
const (
	Planning          = "planning"
	Coding            = "coding"
	QA                = "qa"
	Debugging         = "debugging"
	Investigation     = "investigation"
	AppTroubleshoot   = "application_troubleshooting"
	Documentation     = "documentation"
	ProjectPlanning   = "project_planning"
	Refactoring       = "refactoring"
	PromptDesign      = "prompt_design"
	PromptImprovement = "prompt_improvement"
	RoleDesign        = "role_design"
	RoleImprovement   = "role_improvement"
	ToolDesign        = "tool_design"
	ToolEvaluation    = "tool_evaluation"
)

// MetaPhases are the self-improvement vertices, disabled unless
// configuration enables them.
var MetaPhases = map[string]bool{
	PromptDesign:      true,
	PromptImprovement: true,
	RoleDesign:        true,
	RoleImprovement:   true,
	ToolDesign:        true,
	ToolEvaluation:    true,
}

// Profile is the fixed dimensional vector over the seven selection axes.
// Values are configuration, not learned; defaults ship in phases.yaml.
type Profile struct {
	Temporal    float64 `yaml:"temporal"`
	Functional  float64 `yaml:"functional"`
	Data        float64 `yaml:"data"`
	State       float64 `yaml:"state"`
	Error       float64 `yaml:"error"`
	Context     float64 `yaml:"context"`
	Integration float64 `yaml:"integration"`
}

// Definition is one phase vertex.
type Definition struct {
	Name           string
	Role           types.ModelRole
	Adjacent       []string
	Profile        Profile
	ToolCategories []tools.Category
	SystemPrompt   string
}

// Definitions returns the canonical fifteen-vertex graph keyed by name.
// Adjacency edges are directed; every listed neighbor is a permitted next
// phase. Profiles come from the embedded defaults and may be overridden
// from a phases.yaml file before use.
func Definitions() map[string]*Definition {
	defs := map[string]*Definition{
		Planning: {
			Role:           types.RoleArbiter,
			Adjacent:       []string{Coding, Refactoring},
			ToolCategories: []tools.Category{tools.CategoryTask, tools.CategoryFile, tools.CategoryAnalysis},
			SystemPrompt: `You are the planning specialist of an autonomous development pipeline.
Read the master plan and the current objectives, then propose concrete tasks with create_task.
Enforce the naming convention: before proposing a new file, list existing files and refuse names
that collide with or shadow similar existing files.
Classify QA-surfaced issues: architectural problems become planning tasks, concrete bugs become
fix tasks for debugging. Keep tasks small and verifiable.`,
		},
		Coding: {
			Role:           types.RoleCoder,
			Adjacent:       []string{QA, Documentation, Refactoring},
			ToolCategories: []tools.Category{tools.CategoryFile, tools.CategoryTask, tools.CategoryValidation},
			SystemPrompt: `You are the coding specialist. You receive one task at a time.
Before creating a file, use list_files and read_file to discover similar existing files and
extend them instead of duplicating. Write complete files with create_file or modify_file.
Use standard JSON escaping for content; never HTML entities.
When the task is done, advance it with update_task_status.`,
		},
		QA: {
			Role:           types.RoleAnalyst,
			Adjacent:       []string{Debugging, Documentation, AppTroubleshoot, Refactoring},
			ToolCategories: []tools.Category{tools.CategoryValidation, tools.CategoryAnalysis, tools.CategoryReporting, tools.CategoryFile},
			SystemPrompt: `You are the QA specialist. Review the files behind tasks awaiting validation.
Run validate_syntax and the analysis tools, then either approve_code or report_qa_issue with a
concrete problem statement. Finding no issues is implicit approval. Never rewrite source yourself.`,
		},
		Debugging: {
			Role:           types.RoleCoder,
			Adjacent:       []string{Investigation, Coding, AppTroubleshoot},
			ToolCategories: []tools.Category{tools.CategoryFile, tools.CategoryValidation, tools.CategoryTask, tools.CategoryReporting},
			SystemPrompt: `You are the debugging specialist. You receive concrete bug reports with a file
and an error. Reproduce the problem mentally, fix the file with modify_file, verify with
validate_syntax, then report_bug_fixed. Architectural concerns are not yours; file them as tasks.`,
		},
		Investigation: {
			Role:           types.RoleReasoner,
			Adjacent:       []string{Debugging, Coding, AppTroubleshoot, PromptDesign, RoleDesign, ToolDesign, Refactoring},
			ToolCategories: []tools.Category{tools.CategoryAnalysis, tools.CategoryFile, tools.CategoryReporting},
			SystemPrompt: `You are the investigation specialist. A problem has resisted direct fixing.
Gather evidence with read_file and the analysis tools, form a hypothesis, and write your findings
with create_issue_report. Recommend which phase should act next and why.`,
		},
		AppTroubleshoot: {
			Role:           types.RoleReasoner,
			Adjacent:       []string{Debugging, Investigation, Coding},
			ToolCategories: []tools.Category{tools.CategoryAnalysis, tools.CategoryFile, tools.CategoryReporting},
			SystemPrompt: `You are the application troubleshooting specialist. The program under test
misbehaves at runtime. Correlate the captured output with the source, localize the fault to a file,
and produce a concrete bug report the debugging phase can act on.`,
		},
		Documentation: {
			Role:           types.RoleReasoner,
			Adjacent:       []string{Planning, QA},
			ToolCategories: []tools.Category{tools.CategoryFile, tools.CategoryTask},
			SystemPrompt: `You are the documentation specialist. Update the project documentation to match
the code as built. Document public behavior, not implementation trivia. Completed work with stale
docs is your backlog.`,
		},
		ProjectPlanning: {
			Role:           types.RoleArbiter,
			Adjacent:       []string{Planning, Refactoring},
			ToolCategories: []tools.Category{tools.CategoryTask, tools.CategoryAnalysis, tools.CategoryReporting},
			SystemPrompt: `You are the project planning specialist. Step back from individual tasks:
assess objective completion, create the next objective with create_objective, and decide whether
the project needs more features, consolidation, or is done.`,
		},
		Refactoring: {
			Role:           types.RoleCoder,
			Adjacent:       []string{Coding, QA, Planning},
			ToolCategories: []tools.Category{tools.CategoryAnalysis, tools.CategoryFile, tools.CategoryTask, tools.CategoryReporting},
			SystemPrompt: `You are the refactoring specialist. Work the refactoring backlog:
detect_duplicate_functions, find_dead_code, and analyze_integration_gaps feed it; create
refactoring tasks for findings and fix the highest-priority ones. Stop when a fresh analysis is
clean or only blocked tasks remain, then write a report.`,
		},
		PromptDesign: {
			Role:           types.RoleReasoner,
			Adjacent:       []string{PromptImprovement},
			ToolCategories: []tools.Category{tools.CategoryMeta, tools.CategoryReporting},
			SystemPrompt: `You design new phase prompts. Propose them as review documents with
propose_prompt; the pipeline never adopts a prompt without human review.`,
		},
		PromptImprovement: {
			Role:           types.RoleReasoner,
			Adjacent:       []string{PromptDesign, Planning},
			ToolCategories: []tools.Category{tools.CategoryMeta, tools.CategoryReporting},
			SystemPrompt: `You improve existing phase prompts based on observed failures. Propose
revisions with propose_prompt, citing the failure evidence.`,
		},
		RoleDesign: {
			Role:           types.RoleReasoner,
			Adjacent:       []string{RoleImprovement},
			ToolCategories: []tools.Category{tools.CategoryMeta, tools.CategoryReporting},
			SystemPrompt: `You design new specialist roles. Propose them with propose_role as review
documents.`,
		},
		RoleImprovement: {
			Role:           types.RoleReasoner,
			Adjacent:       []string{RoleDesign, Planning},
			ToolCategories: []tools.Category{tools.CategoryMeta, tools.CategoryReporting},
			SystemPrompt: `You refine existing specialist roles based on observed weaknesses. Propose
revisions with propose_role.`,
		},
		ToolDesign: {
			Role:           types.RoleReasoner,
			Adjacent:       []string{ToolEvaluation},
			ToolCategories: []tools.Category{tools.CategoryMeta, tools.CategoryReporting},
			SystemPrompt: `You design new pipeline tools. Propose a name, purpose, and argument schema
with propose_tool.`,
		},
		ToolEvaluation: {
			Role:           types.RoleAnalyst,
			Adjacent:       []string{ToolDesign, Coding},
			ToolCategories: []tools.Category{tools.CategoryMeta, tools.CategoryAnalysis, tools.CategoryReporting},
			SystemPrompt: `You evaluate the pipeline's tools: which are used, which fail, which are
missing. Record verdicts with evaluate_tool.`,
		},
	}
	for name, d := range defs {
		d.Name = name
		d.Profile = defaultProfiles[name]
	}
	return defs
}
