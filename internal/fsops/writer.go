package fsops

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"autonomy/internal/logging"
)

// WriteResult reports what the layer did with one payload.
type WriteResult struct {
	Path      string
	Written   bool
	SyntaxErr error  // non-nil when the payload failed the language check
	PatchPath string // archived diff, empty when content was unchanged
	Sanitized bool   // entity decoding changed the payload
}

// Writer performs sanitized atomic writes rooted at a project directory
// and archives every accepted change as a numbered unified diff.
type Writer struct {
	mu         sync.Mutex
	projectDir string
	patchesDir string
	seq        int
	log        *logging.Logger
}

// NewWriter creates a writer for the project. Patches are archived under
// <state-dir>/patches.
func NewWriter(projectDir, stateDir string) (*Writer, error) {
	patchesDir := filepath.Join(stateDir, "patches")
	if err := os.MkdirAll(patchesDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create patches dir: %w", err)
	}
	w := &Writer{
		projectDir: projectDir,
		patchesDir: patchesDir,
		log:        logging.Get(logging.CategoryPatch),
	}
	w.seq = w.scanSeq()
	return w, nil
}

// scanSeq resumes patch numbering from the archive.
func (w *Writer) scanSeq() int {
	entries, err := os.ReadDir(w.patchesDir)
	if err != nil {
		return 0
	}
	max := 0
	for _, e := range entries {
		var n int
		var rest string
		if _, err := fmt.Sscanf(e.Name(), "%04d-%s", &n, &rest); err == nil && n > max {
			max = n
		}
	}
	return max
}

// WriteSource sanitizes, syntax-checks, atomically writes, and archives a
// source payload. The file is written even when the syntax check fails so
// a later debugging phase can see and fix it; the result carries the
// rejection.
func (w *Writer) WriteSource(relPath, content string) (WriteResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	res := WriteResult{Path: relPath}

	decoded := DecodeEntities(content)
	res.Sanitized = decoded != content
	if res.Sanitized {
		w.log.Warn("entity residue decoded in %s (upstream escaping bug)", relPath)
	}
	res.SyntaxErr = CheckSyntax(relPath, decoded)

	abs := filepath.Join(w.projectDir, relPath)
	old, err := os.ReadFile(abs)
	if err != nil && !os.IsNotExist(err) {
		return res, fmt.Errorf("failed to read existing %s: %w", relPath, err)
	}

	if err := atomicWrite(abs, []byte(decoded)); err != nil {
		return res, err
	}
	res.Written = true

	if string(old) != decoded {
		patchPath, err := w.archive(relPath, string(old), decoded)
		if err != nil {
			// The write already landed; a failed archive is logged,
			// not fatal.
			w.log.Error("patch archive failed for %s: %v", relPath, err)
		} else {
			res.PatchPath = patchPath
		}
	}
	return res, nil
}

// Append appends to a file through the same sanitation path.
func (w *Writer) Append(relPath, content string) (WriteResult, error) {
	abs := filepath.Join(w.projectDir, relPath)
	old, err := os.ReadFile(abs)
	if err != nil && !os.IsNotExist(err) {
		return WriteResult{Path: relPath}, fmt.Errorf("failed to read %s: %w", relPath, err)
	}
	return w.WriteSource(relPath, string(old)+content)
}

// Delete removes a file and archives the deletion.
func (w *Writer) Delete(relPath string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	abs := filepath.Join(w.projectDir, relPath)
	old, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", relPath, err)
	}
	if err := os.Remove(abs); err != nil {
		return fmt.Errorf("failed to delete %s: %w", relPath, err)
	}
	if _, err := w.archive(relPath, string(old), ""); err != nil {
		w.log.Error("patch archive failed for deleted %s: %v", relPath, err)
	}
	return nil
}

// archive stores a unified diff under patches/NNNN-<unix>.patch. Caller
// holds the lock.
func (w *Writer) archive(relPath, oldContent, newContent string) (string, error) {
	w.seq++
	name := fmt.Sprintf("%04d-%d.patch", w.seq, time.Now().Unix())
	path := filepath.Join(w.patchesDir, name)

	diff := UnifiedDiff(relPath, oldContent, newContent)
	if err := atomicWrite(path, []byte(diff)); err != nil {
		w.seq--
		return "", err
	}
	w.log.Debug("archived patch %s for %s", name, relPath)
	return path, nil
}

// Patches lists the archive in sequence order.
func (w *Writer) Patches() ([]string, error) {
	entries, err := os.ReadDir(w.patchesDir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".patch") {
			out = append(out, filepath.Join(w.patchesDir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// WriteFileAtomic replaces a file using the temp+fsync+rename pattern
// without sanitation or patch archiving. For internal documents that are
// not source payloads.
func WriteFileAtomic(path string, data []byte) error {
	return atomicWrite(path, data)
}

// atomicWrite writes via temp file, fsync, rename.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".write-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
