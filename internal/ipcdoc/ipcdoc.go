// Package ipcdoc implements the inter-phase document contract: plain
// markdown files under ipc/ named <phase>_<KIND>.md. Reads are
// best-effort; a missing document is empty content. Writes replace the
// whole file atomically.
package ipcdoc

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"autonomy/internal/fsops"
)

// Kind selects which of a phase's three documents to address.
type Kind string

const (
	KindRead   Kind = "READ"
	KindWrite  Kind = "WRITE"
	KindStatus Kind = "STATUS"
)

// Dir is the ipc/ directory of one state dir.
type Dir struct {
	root string
}

// New creates the document directory handle under <state-dir>/ipc.
func New(stateDir string) (*Dir, error) {
	root := filepath.Join(stateDir, "ipc")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ipc dir: %w", err)
	}
	return &Dir{root: root}, nil
}

func (d *Dir) path(phase string, kind Kind) string {
	return filepath.Join(d.root, fmt.Sprintf("%s_%s.md", phase, kind))
}

// Read returns a document's content. Missing files are empty content, not
// an error.
func (d *Dir) Read(phase string, kind Kind) (string, error) {
	data, err := os.ReadFile(d.path(phase, kind))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read ipc document: %w", err)
	}
	return string(data), nil
}

// Write replaces a document wholesale.
func (d *Dir) Write(phase string, kind Kind, content string) error {
	if err := fsops.WriteFileAtomic(d.path(phase, kind), []byte(content)); err != nil {
		return fmt.Errorf("failed to write ipc document: %w", err)
	}
	return nil
}

// Append adds a section to a phase's WRITE document, creating it if
// missing. Sections accumulate until the consuming phase clears them.
func (d *Dir) Append(phase string, kind Kind, section string) error {
	existing, err := d.Read(phase, kind)
	if err != nil {
		return err
	}
	content := existing
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += section
	return d.Write(phase, kind, content)
}

// Clear empties a document.
func (d *Dir) Clear(phase string, kind Kind) error {
	return d.Write(phase, kind, "")
}
