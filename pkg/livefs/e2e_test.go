package livefs

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// requireRootAndTools skips unless the test can make real kernel mounts and
// call the squashfs tools.
func requireRootAndTools(t *testing.T, tools ...string) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("needs root for kernel mounts")
	}
	for _, tool := range tools {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not installed", tool)
		}
	}
}

func TestOverlayStackEndToEnd(t *testing.T) {
	requireRootAndTools(t, "mksquashfs", "unsquashfs")

	ws, err := NewWorkspace(false)
	if err != nil {
		t.Fatal(err)
	}
	logger := testLogger()
	run := NewRunner(logger, ws.Root())
	stack := newMountStack(NewExecMounter(run), logger)
	comp := newComposer(ws, stack, logger)
	defer func() {
		if err := stack.releaseAll(); err != nil {
			t.Errorf("releaseAll: %v", err)
		}
		ws.Remove()
	}()

	layer0 := t.TempDir()
	if err := os.WriteFile(filepath.Join(layer0, "a"), []byte("1"), 0o644); err != nil {
		t.Fatal(err)
	}
	layer1 := t.TempDir()
	if err := os.WriteFile(filepath.Join(layer1, "b"), []byte("2"), 0o644); err != nil {
		t.Fatal(err)
	}

	stackDir, err := ws.Tmpdir()
	if err != nil {
		t.Fatal(err)
	}
	ro, err := comp.readOnlyStack([]*View{{Path: layer0}, {Path: layer1}}, stackDir)
	if err != nil {
		t.Fatalf("readOnlyStack: %v", err)
	}

	target, err := ws.Join("new", "rootfs")
	if err != nil {
		t.Fatal(err)
	}
	view, err := comp.writableOverlay(ro, "rootfs", target)
	if err != nil {
		t.Fatalf("writableOverlay: %v", err)
	}
	if err := view.WriteFile("c", []byte("3"), 0o644); err != nil {
		t.Fatalf("write through overlay: %v", err)
	}

	for name, want := range map[string]string{"a": "1", "b": "2", "c": "3"} {
		p, err := view.Join(name)
		if err != nil {
			t.Fatal(err)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if string(data) != want {
			t.Errorf("%s = %q, want %q", name, data, want)
		}
	}

	track := newTracker(logger)
	dest := filepath.Join(t.TempDir(), "rootfs.squashfs")
	track.register(&Container{
		Name:   "rootfs",
		View:   view,
		Recipe: &SquashReplaceRecipe{Run: run, DestPath: dest},
	})

	// Nobody called markDirty; the write through the overlay alone must
	// trigger the rebuild.
	results, err := newScheduler(logger).rebuildDirty(track)
	if err != nil {
		t.Fatalf("rebuildDirty: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 rebuild, got %d", len(results))
	}
	if err := results[0].Digest.Validate(); err != nil {
		t.Errorf("bad digest: %v", err)
	}

	listing, err := run.RunCapture("unsquashfs", "-ls", dest)
	if err != nil {
		t.Fatalf("unsquashfs: %v", err)
	}
	for _, name := range []string{"a", "b", "c"} {
		if !strings.Contains(listing, "squashfs-root/"+name) {
			t.Errorf("repacked squashfs missing %s:\n%s", name, listing)
		}
	}
}
