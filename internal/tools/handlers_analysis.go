package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

var (
	pyDefRe    = regexp.MustCompile(`^\s*def\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
	pyClassRe  = regexp.MustCompile(`^\s*class\s+([A-Za-z_][A-Za-z0-9_]*)`)
	goFuncRe   = regexp.MustCompile(`^func\s+(?:\([^)]+\)\s+)?([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
	importRe   = regexp.MustCompile(`^\s*(?:import\s+([A-Za-z_][A-Za-z0-9_.]*)|from\s+([A-Za-z_][A-Za-z0-9_.]*)\s+import)`)
	callSiteRe = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
)

// sourceFiles walks the project for analyzable sources, skipping the state
// dir and VCS metadata.
func sourceFiles(projectDir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(projectDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			name := d.Name()
			if name == ".autonomy" || name == ".git" || name == "node_modules" || name == "__pycache__" {
				return filepath.SkipDir
			}
			return nil
		}
		switch filepath.Ext(path) {
		case ".py", ".go":
			rel, rerr := filepath.Rel(projectDir, path)
			if rerr == nil {
				files = append(files, rel)
			}
		}
		return nil
	})
	return files, err
}

// definedFunctions extracts function and class names from one file.
func definedFunctions(content string) []string {
	var names []string
	for _, line := range strings.Split(content, "\n") {
		for _, re := range []*regexp.Regexp{pyDefRe, pyClassRe, goFuncRe} {
			if m := re.FindStringSubmatch(line); m != nil {
				names = append(names, m[1])
				break
			}
		}
	}
	return names
}

// handleDetectDuplicates scans every source file in parallel and reports
// function names defined in more than one file.
func handleDetectDuplicates(ctx context.Context, env *Env, args map[string]any) (*Result, error) {
	files, err := sourceFiles(env.ProjectDir)
	if err != nil {
		return failed("detect_duplicate_functions", err.Error()), nil
	}

	var mu sync.Mutex
	defs := make(map[string][]string) // function name -> files
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, f := range files {
		f := f
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			data, err := os.ReadFile(filepath.Join(env.ProjectDir, f))
			if err != nil {
				return nil
			}
			names := definedFunctions(string(data))
			mu.Lock()
			for _, n := range names {
				defs[n] = append(defs[n], f)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return failed("detect_duplicate_functions", err.Error()), nil
	}

	duplicates := make(map[string]any)
	for name, where := range defs {
		uniq := dedupe(where)
		if len(uniq) > 1 {
			sort.Strings(uniq)
			duplicates[name] = uniq
		}
	}
	return ok("detect_duplicate_functions", map[string]any{
		"duplicates":    duplicates,
		"count":         len(duplicates),
		"files_scanned": len(files),
	}), nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// handleCompareFiles reports line-set similarity between two files.
func handleCompareFiles(ctx context.Context, env *Env, args map[string]any) (*Result, error) {
	pathA := stringArg(args, "file_a", "filepath_a", "first")
	pathB := stringArg(args, "file_b", "filepath_b", "second")
	dataA, errA := os.ReadFile(filepath.Join(env.ProjectDir, pathA))
	dataB, errB := os.ReadFile(filepath.Join(env.ProjectDir, pathB))
	if errA != nil || errB != nil {
		return failed("compare_file_implementations", fmt.Sprintf("read: %v %v", errA, errB)), nil
	}

	setA := lineSet(string(dataA))
	setB := lineSet(string(dataB))
	inter := 0
	for line := range setA {
		if setB[line] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	similarity := 0.0
	if union > 0 {
		similarity = float64(inter) / float64(union)
	}
	return ok("compare_file_implementations", map[string]any{
		"file_a":     pathA,
		"file_b":     pathB,
		"similarity": similarity,
		"shared":     inter,
	}), nil
}

func lineSet(content string) map[string]bool {
	set := make(map[string]bool)
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" && !strings.HasPrefix(trimmed, "#") && !strings.HasPrefix(trimmed, "//") {
			set[trimmed] = true
		}
	}
	return set
}

// handleExtractFeatures summarizes one file: functions, classes, imports.
func handleExtractFeatures(ctx context.Context, env *Env, args map[string]any) (*Result, error) {
	rel := stringArg(args, "filepath", "file_path", "file")
	data, err := os.ReadFile(filepath.Join(env.ProjectDir, rel))
	if err != nil {
		return failed("extract_code_features", err.Error()), nil
	}
	content := string(data)

	var functions, classes, imports []string
	for _, line := range strings.Split(content, "\n") {
		if m := pyDefRe.FindStringSubmatch(line); m != nil {
			functions = append(functions, m[1])
		} else if m := goFuncRe.FindStringSubmatch(line); m != nil {
			functions = append(functions, m[1])
		} else if m := pyClassRe.FindStringSubmatch(line); m != nil {
			classes = append(classes, m[1])
		} else if m := importRe.FindStringSubmatch(line); m != nil {
			for _, g := range m[1:] {
				if g != "" {
					imports = append(imports, g)
				}
			}
		}
	}
	return ok("extract_code_features", map[string]any{
		"filepath":  rel,
		"functions": functions,
		"classes":   classes,
		"imports":   imports,
		"lines":     strings.Count(content, "\n") + 1,
	}), nil
}

// handleFindDeadCode reports functions defined somewhere but called
// nowhere else in the project. Name-level, so dynamic dispatch produces
// false positives; results are hints for the refactoring backlog, not
// verdicts.
func handleFindDeadCode(ctx context.Context, env *Env, args map[string]any) (*Result, error) {
	files, err := sourceFiles(env.ProjectDir)
	if err != nil {
		return failed("find_dead_code", err.Error()), nil
	}

	defs := make(map[string]string) // name -> defining file
	callCounts := make(map[string]int)
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(env.ProjectDir, f))
		if err != nil {
			continue
		}
		content := string(data)
		for _, n := range definedFunctions(content) {
			defs[n] = f
		}
		for _, m := range callSiteRe.FindAllStringSubmatch(content, -1) {
			callCounts[m[1]]++
		}
	}

	var dead []map[string]any
	for name, file := range defs {
		if strings.HasPrefix(name, "_") || name == "main" || name == "init" || strings.HasPrefix(name, "Test") {
			continue
		}
		// A definition line itself matches the call-site pattern, so a
		// count of one means no real caller.
		if callCounts[name] <= 1 {
			dead = append(dead, map[string]any{"function": name, "filepath": file})
		}
	}
	return ok("find_dead_code", map[string]any{"dead": dead, "count": len(dead)}), nil
}

// handleIntegrationGaps reports modules never imported by any other file.
func handleIntegrationGaps(ctx context.Context, env *Env, args map[string]any) (*Result, error) {
	files, err := sourceFiles(env.ProjectDir)
	if err != nil {
		return failed("analyze_integration_gaps", err.Error()), nil
	}

	imported := make(map[string]bool)
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(env.ProjectDir, f))
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(data), "\n") {
			if m := importRe.FindStringSubmatch(line); m != nil {
				for _, g := range m[1:] {
					if g != "" {
						imported[lastSegment(g)] = true
					}
				}
			}
		}
	}

	var gaps []string
	for _, f := range files {
		base := strings.TrimSuffix(filepath.Base(f), filepath.Ext(f))
		if base == "main" || base == "__init__" || strings.HasSuffix(base, "_test") {
			continue
		}
		if !imported[base] {
			gaps = append(gaps, f)
		}
	}
	sort.Strings(gaps)
	return ok("analyze_integration_gaps", map[string]any{"unintegrated": gaps, "count": len(gaps)}), nil
}

func lastSegment(module string) string {
	parts := strings.Split(module, ".")
	return parts[len(parts)-1]
}

// handleCallGraph lists callees per function for one file.
func handleCallGraph(ctx context.Context, env *Env, args map[string]any) (*Result, error) {
	rel := stringArg(args, "filepath", "file_path", "file")
	data, err := os.ReadFile(filepath.Join(env.ProjectDir, rel))
	if err != nil {
		return failed("generate_call_graph", err.Error()), nil
	}

	graph := make(map[string]any)
	current := ""
	var callees []string
	flush := func() {
		if current != "" && len(callees) > 0 {
			graph[current] = dedupe(callees)
		}
		callees = nil
	}
	for _, line := range strings.Split(string(data), "\n") {
		if m := pyDefRe.FindStringSubmatch(line); m != nil {
			flush()
			current = m[1]
			continue
		}
		if m := goFuncRe.FindStringSubmatch(line); m != nil {
			flush()
			current = m[1]
			continue
		}
		if current == "" {
			continue
		}
		for _, m := range callSiteRe.FindAllStringSubmatch(line, -1) {
			if m[1] != current {
				callees = append(callees, m[1])
			}
		}
	}
	flush()
	return ok("generate_call_graph", map[string]any{"filepath": rel, "graph": graph}), nil
}

var branchRe = regexp.MustCompile(`\b(if|elif|else|for|while|case|switch|except|catch|and|or|&&|\|\|)\b`)

// handleComplexity scores each function in a file by length and branch
// density.
func handleComplexity(ctx context.Context, env *Env, args map[string]any) (*Result, error) {
	rel := stringArg(args, "filepath", "file_path", "file")
	data, err := os.ReadFile(filepath.Join(env.ProjectDir, rel))
	if err != nil {
		return failed("analyze_complexity", err.Error()), nil
	}

	type fn struct {
		name     string
		lines    int
		branches int
	}
	var fns []fn
	for _, line := range strings.Split(string(data), "\n") {
		if m := pyDefRe.FindStringSubmatch(line); m != nil {
			fns = append(fns, fn{name: m[1]})
			continue
		}
		if m := goFuncRe.FindStringSubmatch(line); m != nil {
			fns = append(fns, fn{name: m[1]})
			continue
		}
		if len(fns) > 0 {
			fns[len(fns)-1].lines++
			fns[len(fns)-1].branches += len(branchRe.FindAllString(line, -1))
		}
	}

	var report []map[string]any
	for _, f := range fns {
		report = append(report, map[string]any{
			"function":   f.name,
			"lines":      f.lines,
			"complexity": 1 + f.branches,
		})
	}
	return ok("analyze_complexity", map[string]any{"filepath": rel, "functions": report}), nil
}

// handleArchitectureConsistency flags files that import far more modules
// than the project median and files importing from test modules.
func handleArchitectureConsistency(ctx context.Context, env *Env, args map[string]any) (*Result, error) {
	files, err := sourceFiles(env.ProjectDir)
	if err != nil {
		return failed("check_architecture_consistency", err.Error()), nil
	}

	importCounts := make(map[string]int)
	var testImporters []string
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(env.ProjectDir, f))
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(data), "\n") {
			m := importRe.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			importCounts[f]++
			for _, g := range m[1:] {
				if g != "" && strings.Contains(lastSegment(g), "test") && !strings.HasSuffix(f, "_test.go") {
					testImporters = append(testImporters, f)
				}
			}
		}
	}

	var counts []int
	for _, c := range importCounts {
		counts = append(counts, c)
	}
	sort.Ints(counts)
	median := 0
	if len(counts) > 0 {
		median = counts[len(counts)/2]
	}
	var heavy []string
	for f, c := range importCounts {
		if median > 0 && c > 3*median {
			heavy = append(heavy, f)
		}
	}
	sort.Strings(heavy)
	return ok("check_architecture_consistency", map[string]any{
		"median_imports":  median,
		"heavy_importers": heavy,
		"test_importers":  dedupe(testImporters),
		"violation_count": len(heavy) + len(dedupe(testImporters)),
	}), nil
}
