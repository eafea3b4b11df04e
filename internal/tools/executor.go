package tools

import (
	"context"
	"fmt"
	"time"

	"autonomy/internal/logging"
	"autonomy/internal/types"
)

// Executor validates and runs tool calls against the registry. Every
// failure mode short of a programming error is converted into a failed
// Result so the calling phase keeps moving.
type Executor struct {
	registry *Registry
	env      *Env
	log      *logging.Logger
}

// NewExecutor wires a registry to its execution environment.
func NewExecutor(registry *Registry, env *Env) *Executor {
	env.Registry = registry
	return &Executor{
		registry: registry,
		env:      env,
		log:      logging.Get(logging.CategoryTools),
	}
}

// Execute runs one tool call on behalf of a phase. Unknown names, empty
// names that resist inference, and missing required arguments all return
// a failed Result with a nil error; the error return is reserved for
// context cancellation.
func (e *Executor) Execute(ctx context.Context, phase string, call types.ToolCall) *Result {
	start := time.Now()

	name := call.Name
	if name == "" {
		inferred := InferName(call.Args)
		if inferred == "" {
			e.log.Warn("phase %s: tool call with empty name and unrecognizable args %v", phase, argKeys(call.Args))
			return e.finish(ctx, phase, failed("", "empty tool name, inference failed"), start)
		}
		e.log.Warn("phase %s: empty tool name, inferred %q from argument shape", phase, inferred)
		name = inferred
	}

	tool := e.registry.Get(name)
	if tool == nil {
		return e.finish(ctx, phase, failed(name, fmt.Sprintf("%v: %s", ErrToolNotFound, name)), start)
	}

	for _, required := range tool.Definition.Schema.Required {
		if _, present := call.Args[required]; !present {
			return e.finish(ctx, phase, failed(name, fmt.Sprintf("%v: %s", ErrMissingRequiredArg, required)), start)
		}
	}

	e.env.Phase = phase
	res, err := tool.Handler(ctx, e.env, call.Args)
	if err != nil {
		if ctx.Err() != nil {
			res = failed(name, ctx.Err().Error())
		} else {
			res = failed(name, err.Error())
		}
	}
	if res.Tool == "" {
		res.Tool = name
	}
	return e.finish(ctx, phase, res, start)
}

// ExecuteAll runs a batch of calls in order, stopping early only on
// context cancellation.
func (e *Executor) ExecuteAll(ctx context.Context, phase string, calls []types.ToolCall) []*Result {
	results := make([]*Result, 0, len(calls))
	for _, call := range calls {
		if ctx.Err() != nil {
			break
		}
		results = append(results, e.Execute(ctx, phase, call))
	}
	return results
}

// Definitions exposes the registry's per-category definitions.
func (e *Executor) Definitions(categories ...Category) []types.ToolDefinition {
	return e.registry.Definitions(categories...)
}

func (e *Executor) finish(ctx context.Context, phase string, res *Result, start time.Time) *Result {
	res.DurationMs = time.Since(start).Milliseconds()
	e.log.Debug("phase %s: tool %s success=%v dur=%dms err=%q", phase, res.Tool, res.Success, res.DurationMs, res.Error)
	if e.env.Audit != nil {
		summary := res.Error
		if summary == "" {
			summary = summarizeDetails(res.Details)
		}
		if err := e.env.Audit.RecordExecution(ctx, phase, res.Tool, res.Success, res.DurationMs, summary); err != nil {
			e.log.Warn("audit record failed for %s: %v", res.Tool, err)
		}
	}
	return res
}

// InferName guesses a tool name from argument shape when the model emits
// an empty name. Content plus a path is a file write; issue fields are a
// QA report; a description is a task; a bare path is an approval.
func InferName(args map[string]any) string {
	_, hasContent := args["content"]
	hasPath := hasAny(args, "filepath", "file_path", "path", "file")
	hasIssue := hasAny(args, "issue", "issue_type", "severity", "problem")
	_, hasDescription := args["description"]

	switch {
	case hasIssue && hasPath:
		return "report_qa_issue"
	case hasContent && hasPath:
		return "create_file"
	case hasDescription && hasPath:
		return "create_task"
	case hasPath:
		return "approve_code"
	case hasDescription:
		return "create_task"
	default:
		return ""
	}
}

func hasAny(args map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := args[k]; ok {
			return true
		}
	}
	return false
}

func argKeys(args map[string]any) []string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	return keys
}

func summarizeDetails(details map[string]any) string {
	for _, key := range []string{"filepath", "task_id", "objective_id", "report"} {
		if v, ok := details[key]; ok {
			return fmt.Sprintf("%s=%v", key, v)
		}
	}
	return ""
}
