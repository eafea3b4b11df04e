// Package tools implements the registry and executor for the named,
// side-effecting operations phases invoke. Tools are the only way a phase
// produces effects; everything else a model emits is conversation.
package tools

import (
	"context"
	"errors"

	"autonomy/internal/bus"
	"autonomy/internal/fsops"
	"autonomy/internal/state"
	"autonomy/internal/types"
)

var (
	ErrToolNotFound          = errors.New("tool not found")
	ErrToolAlreadyRegistered = errors.New("tool already registered")
	ErrMissingRequiredArg    = errors.New("missing required argument")
)

// Category groups tools for per-phase permission sets.
type Category string

const (
	CategoryFile       Category = "file"
	CategoryTask       Category = "task"
	CategoryAnalysis   Category = "analysis"
	CategoryValidation Category = "validation"
	CategoryReporting  Category = "reporting"
	CategoryMeta       Category = "meta"
)

// Handler executes one tool call against the shared environment.
type Handler func(ctx context.Context, env *Env, args map[string]any) (*Result, error)

// Tool pairs a definition the model sees with the handler that runs it.
type Tool struct {
	Definition types.ToolDefinition
	Category   Category
	Handler    Handler
}

// Result is the structured outcome of one tool execution. Success and
// FileSaved are independent: a syntax-rejected source write reports
// success=false, file_saved=true so a debugging phase can pick it up.
type Result struct {
	Tool           string         `json:"tool"`
	Success        bool           `json:"success"`
	FileSaved      bool           `json:"file_saved,omitempty"`
	NeedsDebugging bool           `json:"needs_debugging,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	Error          string         `json:"error,omitempty"`
	DurationMs     int64          `json:"duration_ms"`
}

func ok(tool string, details map[string]any) *Result {
	return &Result{Tool: tool, Success: true, Details: details}
}

func failed(tool, msg string) *Result {
	return &Result{Tool: tool, Success: false, Error: msg}
}

// Recorder receives one record per tool execution. The audit store
// implements it; a nil Recorder disables the trail.
type Recorder interface {
	RecordExecution(ctx context.Context, phase, tool string, success bool, durationMs int64, summary string) error
}

// Env is the shared environment handlers borrow during execution. The
// state store owns all task and objective mutations; handlers never hold
// state across calls.
type Env struct {
	Store      *state.Store
	State      *state.PipelineState
	Writer     *fsops.Writer
	Bus        *bus.Bus
	ProjectDir string
	StateDir   string
	Audit      Recorder
	Registry   *Registry

	// Phase is the currently executing phase, set by the executor
	// before each call.
	Phase string
}
