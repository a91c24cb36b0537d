package livefs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const grubCfg = `set timeout=30

menuentry "Try or Install Ubuntu Server" {
	set gfxpayload=keep
	linux	/casper/vmlinuz quiet ---
	initrd	/casper/initrd
}
`

func writeBootConfig(t *testing.T, ec *EditContext, rel, content string) string {
	t.Helper()
	p, err := ec.newISOPath(filepath.FromSlash(rel))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestCmdlineConfigPathsFindsPresentFiles(t *testing.T) {
	ec := newTestContext(t, &fakeMounter{})
	grub := writeBootConfig(t, ec, "boot/grub/grub.cfg", grubCfg)

	paths, err := ec.CmdlineConfigPaths()
	if err != nil {
		t.Fatalf("CmdlineConfigPaths: %v", err)
	}
	if len(paths) != 1 || paths[0] != grub {
		t.Errorf("paths = %v", paths)
	}
}

func TestAddCmdlineArgNonPersistent(t *testing.T) {
	ec := newTestContext(t, &fakeMounter{})
	grub := writeBootConfig(t, ec, "boot/grub/grub.cfg", grubCfg)

	if err := ec.AddCmdlineArg("autoinstall", false); err != nil {
		t.Fatalf("AddCmdlineArg: %v", err)
	}
	data, err := os.ReadFile(grub)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "quiet autoinstall ---") {
		t.Errorf("arg not inserted before separator:\n%s", data)
	}
}

func TestAddCmdlineArgPersistent(t *testing.T) {
	ec := newTestContext(t, &fakeMounter{})
	grub := writeBootConfig(t, ec, "boot/grub/grub.cfg", grubCfg)

	if err := ec.AddCmdlineArg("console=ttyS0", true); err != nil {
		t.Fatalf("AddCmdlineArg: %v", err)
	}
	data, err := os.ReadFile(grub)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "--- console=ttyS0") {
		t.Errorf("arg not appended after separator:\n%s", data)
	}
}

func TestCmdlineArgLookup(t *testing.T) {
	ec := newTestContext(t, &fakeMounter{})
	writeBootConfig(t, ec, "boot/grub/grub.cfg", strings.Replace(grubCfg,
		"quiet ---", "quiet layerfs-path=minimal.standard.squashfs ---", 1))

	val, ok, err := ec.CmdlineArg("layerfs-path")
	if err != nil {
		t.Fatalf("CmdlineArg: %v", err)
	}
	if !ok || val != "minimal.standard.squashfs" {
		t.Errorf("got %q, %v", val, ok)
	}

	_, ok, err = ec.CmdlineArg("missing")
	if err != nil || ok {
		t.Errorf("missing key: ok=%v err=%v", ok, err)
	}
}

func TestAddCmdlineArgTouchesEveryConfig(t *testing.T) {
	ec := newTestContext(t, &fakeMounter{})
	grub := writeBootConfig(t, ec, "boot/grub/grub.cfg", grubCfg)
	txt := writeBootConfig(t, ec, "isolinux/txt.cfg", "append initrd=/casper/initrd quiet ---\n")

	if err := ec.AddCmdlineArg("fsck.mode=skip", false); err != nil {
		t.Fatalf("AddCmdlineArg: %v", err)
	}
	for _, p := range []string{grub, txt} {
		data, err := os.ReadFile(p)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(data), "fsck.mode=skip ---") {
			t.Errorf("%s not rewritten:\n%s", p, data)
		}
	}
}
