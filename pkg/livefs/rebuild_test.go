package livefs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// fakeRecipe writes a fixed artifact and counts its invocations.
type fakeRecipe struct {
	dest    string
	content []byte
	err     error
	calls   int
}

func (r *fakeRecipe) Dest() string { return r.dest }

func (r *fakeRecipe) Repack(c *Container) error {
	r.calls++
	if r.err != nil {
		return r.err
	}
	return os.WriteFile(r.dest, r.content, 0o644)
}

func TestSchedulerSkipsCleanContainers(t *testing.T) {
	track := newTracker(testLogger())
	recipe := &fakeRecipe{dest: filepath.Join(t.TempDir(), "out.squashfs")}
	track.register(&Container{Name: "rootfs", View: &View{}, Recipe: recipe})

	results, err := newScheduler(testLogger()).rebuildDirty(track)
	if err != nil {
		t.Fatalf("rebuildDirty: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no rebuilds, got %d", len(results))
	}
	if recipe.calls != 0 {
		t.Errorf("recipe ran %d times for a clean container", recipe.calls)
	}
}

func TestSchedulerRebuildsDirtyOnce(t *testing.T) {
	track := newTracker(testLogger())
	recipe := &fakeRecipe{dest: filepath.Join(t.TempDir(), "out.squashfs"), content: []byte("squash")}
	track.register(&Container{Name: "rootfs", View: &View{}, Recipe: recipe})
	track.markDirty("rootfs")

	sched := newScheduler(testLogger())
	results, err := sched.rebuildDirty(track)
	if err != nil {
		t.Fatalf("rebuildDirty: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 rebuild, got %d", len(results))
	}
	res := results[0]
	if res.Container != "rootfs" || res.Dest != recipe.dest {
		t.Errorf("unexpected result: %+v", res)
	}
	if err := res.Digest.Validate(); err != nil {
		t.Errorf("invalid digest %q: %v", res.Digest, err)
	}

	// A second scheduler pass must not repack the same container again.
	results, err = sched.rebuildDirty(track)
	if err != nil {
		t.Fatalf("second rebuildDirty: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no rebuilds on second pass, got %d", len(results))
	}
	if recipe.calls != 1 {
		t.Errorf("recipe ran %d times, want 1", recipe.calls)
	}
}

func TestSchedulerWrapsRecipeFailure(t *testing.T) {
	track := newTracker(testLogger())
	boom := errors.New("mksquashfs exploded")
	recipe := &fakeRecipe{dest: filepath.Join(t.TempDir(), "out.squashfs"), err: boom}
	track.register(&Container{Name: "rootfs", View: &View{}, Recipe: recipe})
	track.markDirty("rootfs")

	_, err := newScheduler(testLogger()).rebuildDirty(track)
	var rerr *RebuildError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected RebuildError, got %v", err)
	}
	if rerr.Container != "rootfs" {
		t.Errorf("container = %q", rerr.Container)
	}
	if !errors.Is(err, boom) {
		t.Error("RebuildError must wrap the recipe failure")
	}
}
