package livefs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// View is a composite filesystem view presented as a plain directory. A
// read-only view has no upper directory; a writable view collects every
// write in Upper while leaving its base untouched.
type View struct {
	// Path is the directory the view is visible at.
	Path string
	// Upper is the overlay upper directory, empty for read-only views.
	Upper string
}

// Join joins relative elements onto the view root, rejecting absolute
// elements the same way Workspace.Join does.
func (v *View) Join(parts ...string) (string, error) {
	for _, p := range parts {
		if strings.HasPrefix(p, "/") {
			return "", fmt.Errorf("view path element %q is absolute", p)
		}
	}
	return filepath.Join(append([]string{v.Path}, parts...)...), nil
}

// WriteFile writes content to a relative path inside the view.
func (v *View) WriteFile(rel string, content []byte, perm os.FileMode) error {
	p, err := v.Join(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, content, perm)
}

// Writable reports whether the view has an upper directory.
func (v *View) Writable() bool { return v.Upper != "" }

// Changed reports whether the upper directory has received any entry.
// Overlayfs records deletions as whiteout entries in the upper, so a write
// that was later reverted still counts as a change.
func (v *View) Changed() (bool, error) {
	if v.Upper == "" {
		return false, nil
	}
	entries, err := os.ReadDir(v.Upper)
	if err != nil {
		return false, fmt.Errorf("inspect upper dir %s: %w", v.Upper, err)
	}
	return len(entries) > 0, nil
}
