package livefs

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/opencontainers/go-digest"
)

// Recipe repacks one container from its view into a destination artifact.
// Recipes run while the container's mounts are still live; they must fail
// loudly rather than leave a truncated artifact behind.
type Recipe interface {
	Repack(c *Container) error
	// Dest is the artifact path the recipe writes, used for digesting and
	// reporting.
	Dest() string
}

// SquashReplaceRecipe repacks a whole composite view into the squashfs it
// replaces on the new image tree.
type SquashReplaceRecipe struct {
	Run      *Runner
	DestPath string
}

func (r *SquashReplaceRecipe) Dest() string { return r.DestPath }

func (r *SquashReplaceRecipe) Repack(c *Container) error {
	if err := os.Remove(r.DestPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale squashfs: %w", err)
	}
	return r.Run.Run("mksquashfs", c.View.Path, r.DestPath)
}

// SquashLayerRecipe packs only the upper directory of a writable view as a
// brand new squashfs layer, the way a layered image grows a custom layer.
type SquashLayerRecipe struct {
	Run      *Runner
	DestPath string
}

func (r *SquashLayerRecipe) Dest() string { return r.DestPath }

func (r *SquashLayerRecipe) Repack(c *Container) error {
	if c.View.Upper == "" {
		return fmt.Errorf("container %s has no upper directory to pack", c.Name)
	}
	if err := os.Remove(r.DestPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale squashfs: %w", err)
	}
	return r.Run.Run("mksquashfs", c.View.Upper, r.DestPath)
}

// RebuildResult reports one repacked container.
type RebuildResult struct {
	Container string
	Dest      string
	Digest    digest.Digest
}

// scheduler runs every dirty container's recipe exactly once, after all
// actions are done and before any mount teardown. Containers are
// independent by construction, so registration order is fine.
type scheduler struct {
	logger *slog.Logger
}

func newScheduler(logger *slog.Logger) *scheduler {
	return &scheduler{logger: logger}
}

func (s *scheduler) rebuildDirty(t *tracker) ([]RebuildResult, error) {
	dirty, err := t.dirtyContainers()
	if err != nil {
		return nil, err
	}
	var results []RebuildResult
	for _, c := range dirty {
		if c.rebuilt {
			continue
		}
		s.logger.Info("repacking container", "container", c.Name)
		if err := c.Recipe.Repack(c); err != nil {
			return results, &RebuildError{Container: c.Name, Err: err}
		}
		c.rebuilt = true
		dgst, err := digestFile(c.Recipe.Dest())
		if err != nil {
			return results, &RebuildError{Container: c.Name, Err: err}
		}
		s.logger.Info("container repacked", "container", c.Name, "dest", c.Recipe.Dest(), "digest", dgst)
		results = append(results, RebuildResult{Container: c.Name, Dest: c.Recipe.Dest(), Digest: dgst})
	}
	return results, nil
}

func digestFile(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("digest %s: %w", path, err)
	}
	defer f.Close()
	dgst, err := digest.FromReader(f)
	if err != nil {
		return "", fmt.Errorf("digest %s: %w", path, err)
	}
	return dgst, nil
}
