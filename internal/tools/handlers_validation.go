package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"autonomy/internal/fsops"
)

func handleValidateSyntax(ctx context.Context, env *Env, args map[string]any) (*Result, error) {
	rel := stringArg(args, "filepath", "file_path", "file")
	data, err := os.ReadFile(filepath.Join(env.ProjectDir, rel))
	if err != nil {
		return failed("validate_syntax", err.Error()), nil
	}
	if err := fsops.CheckSyntax(rel, string(data)); err != nil {
		return &Result{
			Tool:    "validate_syntax",
			Success: false,
			Details: map[string]any{"filepath": rel, "valid": false},
			Error:   err.Error(),
		}, nil
	}
	return ok("validate_syntax", map[string]any{"filepath": rel, "valid": true}), nil
}

// handleCheckAttributeAccess verifies that a "obj.attr" access has a
// matching definition: an assignment to self.attr, a def attr, or a class
// attribute. Text-level; absence of proof is reported, not certainty of a
// bug.
func handleCheckAttributeAccess(ctx context.Context, env *Env, args map[string]any) (*Result, error) {
	rel := stringArg(args, "filepath", "file_path", "file")
	attr := stringArg(args, "attribute", "attr")
	if attr == "" {
		return failed("check_attribute_access", "empty attribute"), nil
	}
	data, err := os.ReadFile(filepath.Join(env.ProjectDir, rel))
	if err != nil {
		return failed("check_attribute_access", err.Error()), nil
	}
	content := string(data)

	defined := strings.Contains(content, "self."+attr+" =") ||
		strings.Contains(content, "self."+attr+":") ||
		strings.Contains(content, "def "+attr+"(") ||
		regexp.MustCompile(`(?m)^\s*`+regexp.QuoteMeta(attr)+`\s*[:=]`).MatchString(content)
	return ok("check_attribute_access", map[string]any{
		"filepath":  rel,
		"attribute": attr,
		"defined":   defined,
	}), nil
}

// handleCheckDictAccess reports dict subscripts of a given key that are
// not guarded by .get, "in", or a try block on a nearby line.
func handleCheckDictAccess(ctx context.Context, env *Env, args map[string]any) (*Result, error) {
	rel := stringArg(args, "filepath", "file_path", "file")
	key := stringArg(args, "key")
	data, err := os.ReadFile(filepath.Join(env.ProjectDir, rel))
	if err != nil {
		return failed("check_dict_access", err.Error()), nil
	}

	subscript := fmt.Sprintf("[%q]", key)
	subscriptSingle := "['" + key + "']"
	var unguarded []int
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		if !strings.Contains(line, subscript) && !strings.Contains(line, subscriptSingle) {
			continue
		}
		guarded := strings.Contains(line, ".get(") || strings.Contains(line, " in ")
		for j := max(0, i-3); j < i && !guarded; j++ {
			t := strings.TrimSpace(lines[j])
			if strings.HasPrefix(t, "try") || strings.Contains(t, "'"+key+"' in") || strings.Contains(t, `"`+key+`" in`) {
				guarded = true
			}
		}
		if !guarded {
			unguarded = append(unguarded, i+1)
		}
	}
	return ok("check_dict_access", map[string]any{
		"filepath":  rel,
		"key":       key,
		"unguarded": unguarded,
		"safe":      len(unguarded) == 0,
	}), nil
}

// handleCheckMethodExists greps the project for a method definition.
func handleCheckMethodExists(ctx context.Context, env *Env, args map[string]any) (*Result, error) {
	method := stringArg(args, "method", "name")
	if method == "" {
		return failed("check_method_exists", "empty method name"), nil
	}
	files, err := sourceFiles(env.ProjectDir)
	if err != nil {
		return failed("check_method_exists", err.Error()), nil
	}
	var where []string
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(env.ProjectDir, f))
		if err != nil {
			continue
		}
		for _, n := range definedFunctions(string(data)) {
			if n == method {
				where = append(where, f)
				break
			}
		}
	}
	return ok("check_method_exists", map[string]any{
		"method":  method,
		"exists":  len(where) > 0,
		"defined": where,
	}), nil
}

// handleCheckToolHandlers verifies that every tool name mentioned in a
// dispatch table string has a registered handler here. Used by the project
// under construction when it itself dispatches tool-like commands.
func handleCheckToolHandlers(ctx context.Context, env *Env, args map[string]any) (*Result, error) {
	namesArg, _ := args["names"].([]any)
	var missing, present []string
	for _, n := range namesArg {
		name, _ := n.(string)
		if name == "" {
			continue
		}
		if env.Registry != nil && env.Registry.Has(name) {
			present = append(present, name)
		} else {
			missing = append(missing, name)
		}
	}
	return ok("check_tool_handlers", map[string]any{
		"present": present,
		"missing": missing,
		"valid":   len(missing) == 0,
	}), nil
}
