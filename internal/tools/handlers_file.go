package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"autonomy/internal/bus"
	"autonomy/internal/state"
)

// stringArg fetches an argument as a string, tolerating absent keys.
func stringArg(args map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := args[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			return fmt.Sprintf("%v", v)
		}
	}
	return ""
}

// cleanRel rejects paths that escape the project directory.
func cleanRel(path string) (string, error) {
	cleaned := filepath.Clean(strings.TrimPrefix(path, "/"))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes project: %s", path)
	}
	return cleaned, nil
}

// writeSourceResult converts a sanitized write into the tool contract: a
// syntax-rejected payload is still on disk and flagged for debugging, and
// a NEEDS_FIXES task is raised for it.
func writeSourceResult(env *Env, tool, relPath string, content string) (*Result, error) {
	wres, err := env.Writer.WriteSource(relPath, content)
	if err != nil {
		return failed(tool, err.Error()), nil
	}
	details := map[string]any{
		"filepath": relPath,
		"bytes":    len(content),
	}
	if wres.PatchPath != "" {
		details["patch"] = filepath.Base(wres.PatchPath)
	}
	if wres.SyntaxErr == nil {
		return &Result{Tool: tool, Success: true, FileSaved: true, Details: details}, nil
	}

	details["syntax_error"] = wres.SyntaxErr.Error()
	task, created := env.Store.ProposeTask(env.State,
		fmt.Sprintf("Fix syntax error in %s: %v", relPath, wres.SyntaxErr),
		relPath, "", state.PriorityCritical, state.CategoryFeature)
	if created {
		env.Store.UpdateTaskStatus(env.State, task.ID, state.TaskNeedsFixes)
		env.Bus.Publish(bus.Message{
			Type:      bus.TypeIssueFound,
			Sender:    env.Phase,
			Recipient: bus.Broadcast,
			Priority:  bus.PriorityHigh,
			FilePath:  relPath,
			Payload: map[string]any{
				"error":   wres.SyntaxErr.Error(),
				"task_id": task.ID,
			},
		})
	}
	details["task_id"] = task.ID
	return &Result{
		Tool:           tool,
		Success:        false,
		FileSaved:      true,
		NeedsDebugging: true,
		Details:        details,
		Error:          wres.SyntaxErr.Error(),
	}, nil
}

func handleCreateFile(ctx context.Context, env *Env, args map[string]any) (*Result, error) {
	rel, err := cleanRel(stringArg(args, "filepath", "file_path", "path"))
	if err != nil {
		return failed("create_file", err.Error()), nil
	}
	return writeSourceResult(env, "create_file", rel, stringArg(args, "content"))
}

func handleModifyFile(ctx context.Context, env *Env, args map[string]any) (*Result, error) {
	rel, err := cleanRel(stringArg(args, "filepath", "file_path", "path"))
	if err != nil {
		return failed("modify_file", err.Error()), nil
	}
	if _, err := os.Stat(filepath.Join(env.ProjectDir, rel)); err != nil {
		return failed("modify_file", fmt.Sprintf("file does not exist: %s", rel)), nil
	}
	return writeSourceResult(env, "modify_file", rel, stringArg(args, "content"))
}

func handleAppendToFile(ctx context.Context, env *Env, args map[string]any) (*Result, error) {
	rel, err := cleanRel(stringArg(args, "filepath", "file_path", "path"))
	if err != nil {
		return failed("append_to_file", err.Error()), nil
	}
	wres, err := env.Writer.Append(rel, stringArg(args, "content"))
	if err != nil {
		return failed("append_to_file", err.Error()), nil
	}
	res := &Result{Tool: "append_to_file", Success: wres.SyntaxErr == nil, FileSaved: true,
		Details: map[string]any{"filepath": rel}}
	if wres.SyntaxErr != nil {
		res.NeedsDebugging = true
		res.Error = wres.SyntaxErr.Error()
	}
	return res, nil
}

func handleDeleteFile(ctx context.Context, env *Env, args map[string]any) (*Result, error) {
	rel, err := cleanRel(stringArg(args, "filepath", "file_path", "path"))
	if err != nil {
		return failed("delete_file", err.Error()), nil
	}
	if err := env.Writer.Delete(rel); err != nil {
		return failed("delete_file", err.Error()), nil
	}
	return ok("delete_file", map[string]any{"filepath": rel}), nil
}

const maxReadBytes = 256 << 10

func handleReadFile(ctx context.Context, env *Env, args map[string]any) (*Result, error) {
	rel, err := cleanRel(stringArg(args, "filepath", "file_path", "path"))
	if err != nil {
		return failed("read_file", err.Error()), nil
	}
	data, err := os.ReadFile(filepath.Join(env.ProjectDir, rel))
	if err != nil {
		return failed("read_file", err.Error()), nil
	}
	truncated := false
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
		truncated = true
	}
	return ok("read_file", map[string]any{
		"filepath":  rel,
		"content":   string(data),
		"truncated": truncated,
	}), nil
}

func handleListFiles(ctx context.Context, env *Env, args map[string]any) (*Result, error) {
	pattern := stringArg(args, "pattern", "glob")
	if pattern == "" {
		pattern = "**/*"
	}
	fsys := os.DirFS(env.ProjectDir)
	matches, err := doublestar.Glob(fsys, pattern)
	if err != nil {
		return failed("list_files", fmt.Sprintf("bad glob %q: %v", pattern, err)), nil
	}
	var files []string
	for _, m := range matches {
		if strings.HasPrefix(m, ".autonomy") || strings.HasPrefix(m, ".git") {
			continue
		}
		info, err := os.Stat(filepath.Join(env.ProjectDir, m))
		if err != nil || info.IsDir() {
			continue
		}
		files = append(files, m)
	}
	return ok("list_files", map[string]any{"pattern": pattern, "files": files, "count": len(files)}), nil
}
