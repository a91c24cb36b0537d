package livefs

import (
	"os"
	"path/filepath"
)

// writeFileAtomic writes via a temp file and rename, so a crashed run never
// leaves a half-written config in the image tree. Atomicity only holds when
// the temp file lands on the same filesystem, which writing into the target
// directory guarantees.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	// The rename itself needs to reach disk too.
	dfd, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer dfd.Close()
	return dfd.Sync()
}
