package livefs

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/cavaliergopher/cpio"
	"github.com/klauspost/compress/gzip"
)

// InitrdRecipe repacks an unpacked initrd tree back into the boot archive.
// Modern initrds are a concatenation of cpio segments (uncompressed early
// microcode segments plus a compressed main segment); older ones are a
// single compressed archive. The segment layout of the unpacked tree tells
// us which shape to produce.
type InitrdRecipe struct {
	TreeDir  string
	DestPath string
}

func (r *InitrdRecipe) Dest() string { return r.DestPath }

func (r *InitrdRecipe) Repack(c *Container) error {
	entries, err := os.ReadDir(r.TreeDir)
	if err != nil {
		return fmt.Errorf("read initrd tree: %w", err)
	}
	multi := false
	var segments []string
	for _, e := range entries {
		segments = append(segments, e.Name())
		if e.Name() == "early" {
			multi = true
		}
	}
	sort.Strings(segments)

	out, err := os.Create(r.DestPath)
	if err != nil {
		return fmt.Errorf("create initrd: %w", err)
	}
	defer out.Close()

	if multi {
		for _, seg := range segments {
			if err := packInitrd(filepath.Join(r.TreeDir, seg), seg == "main", out); err != nil {
				return fmt.Errorf("pack initrd segment %s: %w", seg, err)
			}
		}
	} else {
		if err := packInitrd(r.TreeDir, true, out); err != nil {
			return fmt.Errorf("pack initrd: %w", err)
		}
	}
	return out.Close()
}

// packInitrd writes dir as a newc cpio archive, gzip-compressed when
// compress is set.
func packInitrd(dir string, compress bool, w io.Writer) error {
	if compress {
		gz := gzip.NewWriter(w)
		if err := writeCpio(dir, gz); err != nil {
			return err
		}
		return gz.Close()
	}
	return writeCpio(dir, w)
}

// writeCpio archives dir in SVR4 "newc" format with all entries owned by
// root, matching what `find . | sort | cpio -R 0:0 -o -H newc` produces.
func writeCpio(dir string, w io.Writer) error {
	var names []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			names = append(names, ".")
		} else {
			names = append(names, "./"+filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk %s: %w", dir, err)
	}
	sort.Strings(names)

	cw := cpio.NewWriter(w)
	for _, name := range names {
		full := dir
		if name != "." {
			full = filepath.Join(dir, name[2:])
		}
		if err := writeCpioEntry(cw, name, full); err != nil {
			return err
		}
	}
	return cw.Close()
}

// writeCpioEntry emits one archive entry. All entries are owned by root:
// initrd contents must not carry the build host's uids.
func writeCpioEntry(cw *cpio.Writer, name, path string) error {
	fi, err := os.Lstat(path)
	if err != nil {
		return err
	}
	link := ""
	if fi.Mode()&os.ModeSymlink != 0 {
		link, err = os.Readlink(path)
		if err != nil {
			return err
		}
	}
	hdr, err := cpio.FileInfoHeader(fi, link)
	if err != nil {
		return fmt.Errorf("cpio header for %s: %w", name, err)
	}
	hdr.Name = name
	hdr.Uid = 0
	hdr.Guid = 0
	if link != "" {
		hdr.Size = int64(len(link))
	}
	if err := cw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("cpio header for %s: %w", name, err)
	}
	switch {
	case fi.Mode().IsRegular():
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(cw, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("cpio data for %s: %w", name, err)
		}
	case link != "":
		if _, err := io.WriteString(cw, link); err != nil {
			return fmt.Errorf("cpio data for %s: %w", name, err)
		}
	}
	return nil
}
