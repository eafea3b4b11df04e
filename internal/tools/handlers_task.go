package tools

import (
	"context"
	"fmt"

	"autonomy/internal/bus"
	"autonomy/internal/state"
)

func priorityArg(args map[string]any) state.TaskPriority {
	switch state.TaskPriority(stringArg(args, "priority")) {
	case state.PriorityCritical:
		return state.PriorityCritical
	case state.PriorityHigh:
		return state.PriorityHigh
	case state.PriorityLow:
		return state.PriorityLow
	case state.PriorityNewTask:
		return state.PriorityNewTask
	default:
		return state.PriorityMedium
	}
}

func handleCreateTask(ctx context.Context, env *Env, args map[string]any) (*Result, error) {
	description := stringArg(args, "description")
	if description == "" {
		return failed("create_task", "empty description"), nil
	}
	filePath := stringArg(args, "filepath", "file_path", "file")
	objectiveID := stringArg(args, "objective_id")

	task, created := env.Store.ProposeTask(env.State, description, filePath, objectiveID,
		priorityArg(args), state.CategoryFeature)
	if created {
		env.Bus.Publish(bus.Message{
			Type:      bus.TypeTaskCreated,
			Sender:    env.Phase,
			Recipient: bus.Broadcast,
			TaskID:    task.ID,
			FilePath:  filePath,
			Payload:   map[string]any{"description": description},
		})
	}
	return ok("create_task", map[string]any{
		"task_id": task.ID,
		"created": created,
	}), nil
}

func handleUpdateTaskStatus(ctx context.Context, env *Env, args map[string]any) (*Result, error) {
	id := stringArg(args, "task_id", "id")
	status := state.TaskStatus(stringArg(args, "status"))
	switch status {
	case state.TaskNew, state.TaskInProgress, state.TaskQAPending,
		state.TaskNeedsFixes, state.TaskFailed, state.TaskBlocked:
	case state.TaskCompleted:
		return handleCompleteTask(ctx, env, args)
	default:
		return failed("update_task_status", fmt.Sprintf("unknown status %q", status)), nil
	}
	if err := env.Store.UpdateTaskStatus(env.State, id, status); err != nil {
		return failed("update_task_status", err.Error()), nil
	}
	env.Bus.Publish(bus.Message{
		Type:      bus.TypeTaskUpdated,
		Sender:    env.Phase,
		Recipient: bus.Broadcast,
		TaskID:    id,
		Payload:   map[string]any{"status": string(status)},
	})
	return ok("update_task_status", map[string]any{"task_id": id, "status": string(status)}), nil
}

func handleCompleteTask(ctx context.Context, env *Env, args map[string]any) (*Result, error) {
	id := stringArg(args, "task_id", "id")
	if err := env.Store.CompleteTask(env.State, id); err != nil {
		return failed("complete_task", err.Error()), nil
	}
	if t, exists := env.State.Tasks[id]; exists && t.ObjectiveID != "" {
		env.Store.RefreshObjectiveCompletion(env.State, t.ObjectiveID)
	}
	env.Bus.Publish(bus.Message{
		Type:      bus.TypeTaskCompleted,
		Sender:    env.Phase,
		Recipient: bus.Broadcast,
		TaskID:    id,
	})
	return ok("complete_task", map[string]any{"task_id": id}), nil
}

func handleCreateObjective(ctx context.Context, env *Env, args map[string]any) (*Result, error) {
	title := stringArg(args, "title")
	if title == "" {
		return failed("create_objective", "empty title"), nil
	}
	id := stringArg(args, "objective_id", "id")
	if id == "" {
		id = state.TaskFingerprint(title, "", "objective")
	}
	if _, exists := env.State.Objectives[id]; exists {
		return ok("create_objective", map[string]any{"objective_id": id, "created": false}), nil
	}
	level := state.ObjectiveLevel(stringArg(args, "level"))
	if level == "" {
		level = state.LevelSecondary
	}
	env.Store.CreateObjective(env.State, id, title, level)
	return ok("create_objective", map[string]any{"objective_id": id, "created": true}), nil
}

// Refactoring tasks share the task map but live in their own category so
// the refactoring phase can keep its own backlog.

func handleCreateRefactoringTask(ctx context.Context, env *Env, args map[string]any) (*Result, error) {
	description := stringArg(args, "description")
	if description == "" {
		return failed("create_refactoring_task", "empty description"), nil
	}
	task, created := env.Store.ProposeTask(env.State, description,
		stringArg(args, "filepath", "file_path", "file"), stringArg(args, "objective_id"),
		priorityArg(args), state.CategoryRefactoring)
	return ok("create_refactoring_task", map[string]any{"task_id": task.ID, "created": created}), nil
}

func handleUpdateRefactoringTask(ctx context.Context, env *Env, args map[string]any) (*Result, error) {
	id := stringArg(args, "task_id", "id")
	t, exists := env.State.Tasks[id]
	if !exists || t.Category != state.CategoryRefactoring {
		return failed("update_refactoring_task", fmt.Sprintf("unknown refactoring task %s", id)), nil
	}
	return handleUpdateTaskStatus(ctx, env, args)
}

func handleListRefactoringTasks(ctx context.Context, env *Env, args map[string]any) (*Result, error) {
	var items []map[string]any
	for _, t := range env.State.Tasks {
		if t.Category != state.CategoryRefactoring {
			continue
		}
		items = append(items, map[string]any{
			"task_id":     t.ID,
			"description": t.Description,
			"status":      string(t.Status),
			"filepath":    t.FilePath,
		})
	}
	return ok("list_refactoring_tasks", map[string]any{"tasks": items, "count": len(items)}), nil
}

func handleGetRefactoringProgress(ctx context.Context, env *Env, args map[string]any) (*Result, error) {
	total, done := 0, 0
	for _, t := range env.State.Tasks {
		if t.Category != state.CategoryRefactoring {
			continue
		}
		total++
		if t.Status == state.TaskCompleted {
			done++
		}
	}
	pct := 0.0
	if total > 0 {
		pct = 100 * float64(done) / float64(total)
	}
	return ok("get_refactoring_progress", map[string]any{
		"total":     total,
		"completed": done,
		"percent":   pct,
	}), nil
}
