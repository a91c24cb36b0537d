package livefs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Workspace is the single temporary root directory for a run. Every mount
// point, overlay upper and scratch file lives under it, and it is removed
// recursively at teardown unless retention was requested for debugging.
type Workspace struct {
	root string
	keep bool
}

func NewWorkspace(keep bool) (*Workspace, error) {
	root, err := os.MkdirTemp("", "livefs-editor-")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	if err := os.Mkdir(filepath.Join(root, ".tmp"), 0o755); err != nil {
		os.RemoveAll(root)
		return nil, fmt.Errorf("create workspace scratch dir: %w", err)
	}
	return &Workspace{root: root, keep: keep}, nil
}

func (w *Workspace) Root() string { return w.root }

// Keep reports whether the workspace should survive teardown.
func (w *Workspace) Keep() bool { return w.keep }

// Join joins path elements onto the workspace root. Absolute elements are
// rejected: absolute paths name things outside the workspace and must not
// be smuggled under it.
func (w *Workspace) Join(parts ...string) (string, error) {
	for _, p := range parts {
		if strings.HasPrefix(p, "/") {
			return "", fmt.Errorf("workspace path element %q is absolute", p)
		}
	}
	return filepath.Join(append([]string{w.root}, parts...)...), nil
}

// Tmpdir creates a fresh uuid-named scratch directory. Mode 0755 so
// directories used as mount points are traversable inside chroots.
func (w *Workspace) Tmpdir() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("scratch dir name: %w", err)
	}
	dir := filepath.Join(w.root, ".tmp", id.String())
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	return dir, nil
}

// Tmpfile returns a fresh scratch file path without creating the file.
func (w *Workspace) Tmpfile() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("scratch file name: %w", err)
	}
	return filepath.Join(w.root, ".tmp", id.String()), nil
}

// Remove deletes the workspace tree, honoring the retention flag.
func (w *Workspace) Remove() error {
	if w.keep {
		return nil
	}
	if err := os.RemoveAll(w.root); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	return nil
}
