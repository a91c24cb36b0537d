package actions

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mwhudson/livefs-editor/pkg/livefs"
)

func init() {
	register(Definition{
		Name: "cp",
		Params: []Param{
			{Name: "source", Kind: Path},
			{Name: "dest", Kind: Path},
		},
		build: func(args map[string]any) (Action, error) {
			return &Cp{Source: args["source"].(livefs.PathExpr), Dest: args["dest"].(livefs.PathExpr)}, nil
		},
	})
	register(Definition{
		Name:   "rm",
		Params: []Param{{Name: "path", Kind: Path}},
		build: func(args map[string]any) (Action, error) {
			return &Rm{Path: args["path"].(livefs.PathExpr)}, nil
		},
	})
	register(Definition{
		Name:   "mkdir",
		Params: []Param{{Name: "path", Kind: Path}},
		build: func(args map[string]any) (Action, error) {
			return &Mkdir{Path: args["path"].(livefs.PathExpr)}, nil
		},
	})
	register(Definition{
		Name: "write",
		Params: []Param{
			{Name: "path", Kind: Path},
			{Name: "content", Kind: String},
		},
		build: func(args map[string]any) (Action, error) {
			return &Write{Path: args["path"].(livefs.PathExpr), Content: args["content"].(string)}, nil
		},
	})
	register(Definition{
		Name:   "shell",
		Params: []Param{{Name: "command", Kind: String, HasDefault: true}},
		build: func(args map[string]any) (Action, error) {
			return &Shell{Command: args["command"].(string)}, nil
		},
	})
}

// writeTarget resolves a path expression that is about to be mutated,
// composing the writable overlay for the addressed layer first.
func writeTarget(ec *livefs.EditContext, expr livefs.PathExpr) (string, error) {
	if expr.Kind == livefs.LayerRelative {
		if _, err := ec.EditLayer(expr.Layer); err != nil {
			return "", err
		}
	}
	return ec.Resolve(expr)
}

// Cp copies a file into the image tree.
type Cp struct {
	Source livefs.PathExpr
	Dest   livefs.PathExpr
}

func (a *Cp) Name() string { return "cp" }

func (a *Cp) Run(ec *livefs.EditContext) error {
	src, err := ec.Resolve(a.Source)
	if err != nil {
		return err
	}
	dst, err := writeTarget(ec, a.Dest)
	if err != nil {
		return err
	}
	return ec.Runner().Run("cp", "-a", src, dst)
}

// Rm removes a file or directory tree from the image.
type Rm struct {
	Path livefs.PathExpr
}

func (a *Rm) Name() string { return "rm" }

func (a *Rm) Run(ec *livefs.EditContext) error {
	p, err := writeTarget(ec, a.Path)
	if err != nil {
		return err
	}
	return forceRemoveAll(p)
}

// forceRemoveAll removes a tree even when it contains read-only
// directories, which squashfs contents routinely do. On the first failure
// every directory under root is made writable and the removal retried.
func forceRemoveAll(root string) error {
	if err := os.RemoveAll(root); err == nil {
		return nil
	}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if cerr := os.Chmod(path, 0o755); cerr != nil {
				return cerr
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove %s: %w", root, err)
	}
	return os.RemoveAll(root)
}

// Mkdir creates a directory (and parents) in the image.
type Mkdir struct {
	Path livefs.PathExpr
}

func (a *Mkdir) Name() string { return "mkdir" }

func (a *Mkdir) Run(ec *livefs.EditContext) error {
	p, err := writeTarget(ec, a.Path)
	if err != nil {
		return err
	}
	return os.MkdirAll(p, 0o755)
}

// Write writes literal content to a path in the image.
type Write struct {
	Path    livefs.PathExpr
	Content string
}

func (a *Write) Name() string { return "write" }

func (a *Write) Run(ec *livefs.EditContext) error {
	p, err := writeTarget(ec, a.Path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, []byte(a.Content), 0o644)
}

// Shell runs a command (or an interactive bash when none is given) with the
// workspace as working directory, for inspection and ad hoc edits.
type Shell struct {
	Command string
}

func (a *Shell) Name() string { return "shell" }

func (a *Shell) Run(ec *livefs.EditContext) error {
	args := []string{}
	if a.Command != "" {
		args = []string{"-c", a.Command}
	}
	if err := ec.Runner().Interactive(ec.Workspace().Root(), "bash", args...); err != nil {
		return fmt.Errorf("shell: %w", err)
	}
	return nil
}
