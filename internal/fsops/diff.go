package fsops

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// UnifiedDiff renders a line-level unified diff between two versions of a
// file. The diff is computed at line granularity with semantic cleanup,
// then emitted as a single hunk covering both files. Archived patches are
// a forensic record, not input to a patch tool, so the unminimized hunk
// is acceptable.
func UnifiedDiff(path, oldContent, newContent string) string {
	dmp := diffmatchpatch.New()
	chars1, chars2, lines := dmp.DiffLinesToChars(oldContent, newContent)
	diffs := dmp.DiffMain(chars1, chars2, false)
	dmp.DiffCleanupSemantic(diffs)
	diffs = dmp.DiffCharsToLines(diffs, lines)

	var b strings.Builder
	fmt.Fprintf(&b, "--- a/%s\n", path)
	fmt.Fprintf(&b, "+++ b/%s\n", path)

	oldLines := lineCount(oldContent)
	newLines := lineCount(newContent)
	fmt.Fprintf(&b, "@@ -1,%d +1,%d @@\n", oldLines, newLines)

	for _, d := range diffs {
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		}
		for _, line := range splitKeepNonEmpty(d.Text) {
			b.WriteString(prefix)
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func lineCount(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}

// splitKeepNonEmpty splits diff text into lines, dropping the trailing
// empty fragment a final newline produces.
func splitKeepNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
