package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mwhudson/livefs-editor/internal/actions"
)

func TestParseArgs(t *testing.T) {
	calls, err := ParseArgs([]string{
		"--setup-rootfs",
		"--add-cmdline-arg", "quiet", "no",
		"--cp", "/host/file", "$LAYERS[0]/etc/file",
	})
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
	want := []string{"setup-rootfs", "add-cmdline-arg", "cp"}
	if len(calls) != len(want) {
		t.Fatalf("got %d calls, want %d", len(calls), len(want))
	}
	for i, name := range want {
		if calls[i].Name != name {
			t.Errorf("call %d: %s, want %s", i, calls[i].Name, name)
		}
	}
	if aca := calls[1].Action.(*actions.AddCmdlineArg); aca.Arg != "quiet" || aca.Persist {
		t.Errorf("add-cmdline-arg bound as %+v", aca)
	}
}

func TestParseArgsRejectsStrayWords(t *testing.T) {
	_, err := ParseArgs([]string{"stray", "--setup-rootfs"})
	if err == nil || !strings.Contains(err.Error(), "before any action") {
		t.Errorf("err = %v", err)
	}
}

func TestParseArgsPropagatesBindErrors(t *testing.T) {
	_, err := ParseArgs([]string{"--frobnicate"})
	if err == nil || !strings.Contains(err.Error(), "unknown action") {
		t.Errorf("err = %v", err)
	}
	_, err = ParseArgs([]string{"--cp", "/only/one"})
	if err == nil || !strings.Contains(err.Error(), "missing argument") {
		t.Errorf("err = %v", err)
	}
}

func TestParseArgsEmpty(t *testing.T) {
	calls, err := ParseArgs(nil)
	if err != nil {
		t.Fatalf("ParseArgs(nil): %v", err)
	}
	if len(calls) != 0 {
		t.Errorf("got %d calls", len(calls))
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions.yaml")
	content := `
- name: setup-rootfs
- name: add-cmdline-arg
  arg: quiet
  persist: false
- name: edit-squashfs
  squash_name: minimal
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	calls, err := LoadYAML(path)
	if err != nil {
		t.Fatalf("LoadYAML: %v", err)
	}
	if len(calls) != 3 {
		t.Fatalf("got %d calls", len(calls))
	}
	if aca := calls[1].Action.(*actions.AddCmdlineArg); aca.Persist {
		t.Error("persist: false was not honored")
	}
	if es := calls[2].Action.(*actions.EditSquashfs); es.SquashName != "minimal" || !es.AddSysMounts {
		t.Errorf("edit-squashfs bound as %+v", es)
	}
}

func TestLoadYAMLRequiresName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions.yaml")
	if err := os.WriteFile(path, []byte("- arg: quiet\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := LoadYAML(path)
	if err == nil || !strings.Contains(err.Error(), "missing name") {
		t.Errorf("err = %v", err)
	}
}
