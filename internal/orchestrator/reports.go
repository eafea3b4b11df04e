package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"autonomy/internal/state"
)

// Reports are human-readable artifacts under <project>/.autonomy/reports,
// written for the developer. They are advisory output, not pipeline state.

func (o *Orchestrator) writeReport(name, content string) {
	dir := filepath.Join(o.projectDir, ".autonomy", "reports")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		o.log.Warn("report dir: %v", err)
		return
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		o.log.Warn("report %s: %v", name, err)
	}
}

// writeBlockedTaskReport emits an ISSUE_* report for a task taken out of
// rotation so a developer can pick it up.
func (o *Orchestrator) writeBlockedTaskReport(t *state.Task, reason string) {
	var b strings.Builder
	fmt.Fprintf(&b, "# Blocked task %s\n\n", shortID(t.ID))
	fmt.Fprintf(&b, "Date: %s\n\nReason: %s\n\n", time.Now().UTC().Format(time.RFC3339), reason)
	fmt.Fprintf(&b, "Description: %s\n\n", t.Description)
	if t.FilePath != "" {
		fmt.Fprintf(&b, "File: %s\n\n", t.FilePath)
	}
	fmt.Fprintf(&b, "Attempts: %d\n", t.Attempts)
	if t.LastError != "" {
		fmt.Fprintf(&b, "\nLast error:\n\n%s\n", t.LastError)
	}
	o.writeReport(fmt.Sprintf("ISSUE_%s.md", shortID(t.ID)), b.String())
}

// writeRefactoringReport summarizes a refactoring backlog that can no
// longer progress because every remaining task is blocked.
func (o *Orchestrator) writeRefactoringReport(blocked []*state.Task) {
	var b strings.Builder
	b.WriteString("# Refactoring report\n\n")
	fmt.Fprintf(&b, "Date: %s\n\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "%d refactoring tasks remain blocked and need review:\n\n", len(blocked))
	for _, t := range sortedByPriority(blocked) {
		fmt.Fprintf(&b, "- %s [%s] %s", shortID(t.ID), t.Priority, t.Description)
		if t.FilePath != "" {
			fmt.Fprintf(&b, " (%s)", t.FilePath)
		}
		b.WriteString("\n")
	}
	o.writeReport("REFACTORING_REPORT.md", b.String())
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
