package tools

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"autonomy/internal/bus"
	"autonomy/internal/state"
)

// handleCreateIssueReport writes a markdown report under the state dir and
// announces it on the bus.
func handleCreateIssueReport(ctx context.Context, env *Env, args map[string]any) (*Result, error) {
	title := stringArg(args, "title")
	if title == "" {
		return failed("create_issue_report", "empty title"), nil
	}
	body := stringArg(args, "body", "description", "details")
	name := fmt.Sprintf("issue-%d.md", time.Now().Unix())
	rel := filepath.Join(".autonomy", "reports", name)

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "Phase: %s\n\nDate: %s\n\n", env.Phase, time.Now().UTC().Format(time.RFC3339))
	b.WriteString(body)
	b.WriteString("\n")

	if _, err := env.Writer.WriteSource(rel, b.String()); err != nil {
		return failed("create_issue_report", err.Error()), nil
	}
	env.Bus.Publish(bus.Message{
		Type:      bus.TypeIssueFound,
		Sender:    env.Phase,
		Recipient: bus.Broadcast,
		Payload:   map[string]any{"report": rel, "title": title},
	})
	return ok("create_issue_report", map[string]any{"report": rel}), nil
}

// handleRequestDeveloperReview raises a critical user-facing request. The
// pipeline keeps running; the message is surfaced on the console and held
// in history.
func handleRequestDeveloperReview(ctx context.Context, env *Env, args map[string]any) (*Result, error) {
	reason := stringArg(args, "reason", "description")
	env.Bus.Publish(bus.Message{
		Type:      bus.TypeUserInputRequested,
		Sender:    env.Phase,
		Recipient: bus.Broadcast,
		Priority:  bus.PriorityCritical,
		FilePath:  stringArg(args, "filepath", "file_path", "file"),
		Payload:   map[string]any{"reason": reason},
	})
	return ok("request_developer_review", map[string]any{"reason": reason}), nil
}

// handleApproveCode completes every QA_PENDING or NEEDS_FIXES task bound
// to the file and publishes the approval.
func handleApproveCode(ctx context.Context, env *Env, args map[string]any) (*Result, error) {
	rel := stringArg(args, "filepath", "file_path", "file")
	if rel == "" {
		return failed("approve_code", "empty filepath"), nil
	}

	var completed []string
	for _, t := range env.State.Tasks {
		if t.FilePath != rel {
			continue
		}
		if t.Status != state.TaskQAPending && t.Status != state.TaskNeedsFixes {
			continue
		}
		if err := env.Store.CompleteTask(env.State, t.ID); err == nil {
			completed = append(completed, t.ID)
			if t.ObjectiveID != "" {
				env.Store.RefreshObjectiveCompletion(env.State, t.ObjectiveID)
			}
		}
	}
	env.Bus.Publish(bus.Message{
		Type:      bus.TypeQAApproved,
		Sender:    env.Phase,
		Recipient: bus.Broadcast,
		FilePath:  rel,
		Payload:   map[string]any{"completed_tasks": completed},
	})
	return ok("approve_code", map[string]any{"filepath": rel, "completed_tasks": completed}), nil
}

// handleReportQAIssue files a NEEDS_FIXES task for the problem and
// broadcasts it.
func handleReportQAIssue(ctx context.Context, env *Env, args map[string]any) (*Result, error) {
	rel := stringArg(args, "filepath", "file_path", "file")
	issue := stringArg(args, "issue", "problem", "description")
	if issue == "" {
		return failed("report_qa_issue", "empty issue"), nil
	}

	task, created := env.Store.ProposeTask(env.State,
		fmt.Sprintf("Fix QA issue in %s: %s", rel, issue),
		rel, stringArg(args, "objective_id"), state.PriorityHigh, state.CategoryFeature)
	if created {
		env.Store.UpdateTaskStatus(env.State, task.ID, state.TaskNeedsFixes)
	}

	// Demote the original task so it re-enters the fix loop.
	if origID := stringArg(args, "task_id"); origID != "" {
		if t, exists := env.State.Tasks[origID]; exists && t.Status == state.TaskQAPending {
			env.Store.UpdateTaskStatus(env.State, origID, state.TaskNeedsFixes)
		}
	}

	env.Bus.Publish(bus.Message{
		Type:      bus.TypeIssueFound,
		Sender:    env.Phase,
		Recipient: bus.Broadcast,
		TaskID:    task.ID,
		FilePath:  rel,
		Payload:   map[string]any{"error": issue},
	})
	return ok("report_qa_issue", map[string]any{"task_id": task.ID, "filepath": rel}), nil
}

// handleReportBugFixed records the fix attempt and resolves the issue.
func handleReportBugFixed(ctx context.Context, env *Env, args map[string]any) (*Result, error) {
	taskID := stringArg(args, "task_id", "id")
	rel := stringArg(args, "filepath", "file_path", "file")
	desc := stringArg(args, "description", "fix")

	env.Store.RecordFix(env.State, state.FixRecord{
		TaskID:   taskID,
		FilePath: rel,
		Error:    stringArg(args, "error", "issue"),
		Phase:    env.Phase,
		Success:  true,
	})
	if taskID != "" {
		if t, exists := env.State.Tasks[taskID]; exists && t.Status == state.TaskNeedsFixes {
			env.Store.UpdateTaskStatus(env.State, taskID, state.TaskQAPending)
		}
	}
	env.Bus.Publish(bus.Message{
		Type:      bus.TypeIssueResolved,
		Sender:    env.Phase,
		Recipient: bus.Broadcast,
		TaskID:    taskID,
		FilePath:  rel,
		Payload:   map[string]any{"description": desc},
	})
	return ok("report_bug_fixed", map[string]any{"task_id": taskID, "filepath": rel}), nil
}
