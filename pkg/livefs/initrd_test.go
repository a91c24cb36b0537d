package livefs

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/klauspost/compress/gzip"
)

type cpioEntry struct {
	name string
	mode uint32
	data []byte
}

// parseNewc reads a newc archive back, enough to check what writeCpio
// produced.
func parseNewc(t *testing.T, r io.Reader) []cpioEntry {
	t.Helper()
	raw, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	var entries []cpioEntry
	off := 0
	field := func(i int) uint64 {
		start := off + 6 + i*8
		v, err := strconv.ParseUint(string(raw[start:start+8]), 16, 64)
		if err != nil {
			t.Fatalf("bad header field %d at offset %d: %v", i, off, err)
		}
		return v
	}
	for {
		if string(raw[off:off+6]) != "070701" {
			t.Fatalf("bad magic at offset %d", off)
		}
		mode := uint32(field(1))
		filesize := int(field(6))
		namesize := int(field(11))
		name := string(raw[off+110 : off+110+namesize-1])
		off += 110 + namesize
		off += (4 - off%4) % 4
		if name == "TRAILER!!!" {
			return entries
		}
		data := raw[off : off+filesize]
		off += filesize
		off += (4 - off%4) % 4
		entries = append(entries, cpioEntry{name: name, mode: mode, data: data})
	}
}

func TestWriteCpioArchivesTreeSorted(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "conf"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "conf", "modules"), []byte("overlay\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "init"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("init", filepath.Join(dir, "linuxrc")); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := writeCpio(dir, &buf); err != nil {
		t.Fatalf("writeCpio: %v", err)
	}

	entries := parseNewc(t, &buf)
	wantNames := []string{".", "./conf", "./conf/modules", "./init", "./linuxrc"}
	if len(entries) != len(wantNames) {
		t.Fatalf("got %d entries, want %d", len(entries), len(wantNames))
	}
	for i, want := range wantNames {
		if entries[i].name != want {
			t.Errorf("entry %d: name = %q, want %q", i, entries[i].name, want)
		}
	}
	if got := string(entries[2].data); got != "overlay\n" {
		t.Errorf("conf/modules content = %q", got)
	}
	if got := string(entries[4].data); got != "init" {
		t.Errorf("symlink target = %q", got)
	}
	if entries[1].mode&0o170000 != 0o040000 {
		t.Errorf("conf is not a directory: mode %o", entries[1].mode)
	}
}

func TestInitrdRecipeSingleSegment(t *testing.T) {
	tree := t.TempDir()
	if err := os.WriteFile(filepath.Join(tree, "init"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	dest := filepath.Join(t.TempDir(), "initrd")

	recipe := &InitrdRecipe{TreeDir: tree, DestPath: dest}
	if err := recipe.Repack(&Container{Name: "initrd"}); err != nil {
		t.Fatalf("repack: %v", err)
	}

	f, err := os.Open(dest)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("single-segment initrd must be gzip all the way: %v", err)
	}
	entries := parseNewc(t, gz)
	if len(entries) != 2 || entries[1].name != "./init" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestInitrdRecipeMultiSegment(t *testing.T) {
	tree := t.TempDir()
	if err := os.MkdirAll(filepath.Join(tree, "early"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tree, "early", "ucode.bin"), []byte{1, 2, 3}, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(tree, "main"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tree, "main", "init"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	dest := filepath.Join(t.TempDir(), "initrd")

	recipe := &InitrdRecipe{TreeDir: tree, DestPath: dest}
	if err := recipe.Repack(&Container{Name: "initrd"}); err != nil {
		t.Fatalf("repack: %v", err)
	}

	raw, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	// The early segment leads, uncompressed newc.
	if string(raw[:6]) != "070701" {
		t.Fatalf("early segment is not plain cpio: %q", raw[:6])
	}
	// The main segment follows as a gzip member; find its magic.
	idx := bytes.Index(raw, []byte{0x1f, 0x8b})
	if idx < 0 {
		t.Fatal("no gzip member found for the main segment")
	}
	gz, err := gzip.NewReader(bytes.NewReader(raw[idx:]))
	if err != nil {
		t.Fatalf("main segment gzip: %v", err)
	}
	entries := parseNewc(t, gz)
	if len(entries) != 2 || entries[1].name != "./init" {
		t.Fatalf("unexpected main entries: %+v", entries)
	}
}
