package livefs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"mvdan.cc/sh/v3/shell"
)

// bootConfigFiles are the files that can carry the kernel command line,
// relative to the image root. Which ones exist depends on arch and release.
var bootConfigFiles = []string{
	"boot/grub/grub.cfg",   // grub, most arches
	"isolinux/txt.cfg",     // isolinux, BIOS amd64/i386 <= focal
	"boot/parmfile.ubuntu", // s390x
}

// CmdlineConfigPaths returns the boot config files present in the writable
// image tree.
func (c *EditContext) CmdlineConfigPaths() ([]string, error) {
	var paths []string
	for _, rel := range bootConfigFiles {
		p, err := c.newISOPath(filepath.FromSlash(rel))
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(p); err == nil {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// CmdlineArg looks up key=value on the kernel command line (the part of
// each boot entry after the --- separator) and returns the value.
func (c *EditContext) CmdlineArg(key string) (string, bool, error) {
	paths, err := c.CmdlineConfigPaths()
	if err != nil {
		return "", false, err
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", false, fmt.Errorf("read %s: %w", path, err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			if !strings.Contains(line, "---") {
				continue
			}
			words, err := shell.Fields(line, nil)
			if err != nil {
				// Boot configs contain grub syntax that is not always
				// shell-splittable; skip such lines.
				continue
			}
			for _, word := range words {
				if strings.HasPrefix(word, key+"=") {
					return word[len(key)+1:], true, nil
				}
			}
		}
	}
	return "", false, nil
}

// AddCmdlineArg appends arg to the kernel command line in every boot config
// of the image. Persistent args go after the --- separator and survive into
// the installed system; non-persistent ones go before it and apply only to
// the live boot.
func (c *EditContext) AddCmdlineArg(arg string, persist bool) error {
	paths, err := c.CmdlineConfigPaths()
	if err != nil {
		return err
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		lines := strings.SplitAfter(string(data), "\n")
		var out strings.Builder
		for _, line := range lines {
			if strings.Contains(line, "---") {
				nl := ""
				if strings.HasSuffix(line, "\n") {
					nl = "\n"
				}
				body := strings.TrimRight(line, "\n")
				if persist {
					body = strings.TrimRight(body, " ") + " " + arg
				} else {
					before, after, _ := strings.Cut(body, "---")
					body = strings.TrimRight(before, " ") + " " + arg + " ---" + after
				}
				line = body + nl
			}
			out.WriteString(line)
		}
		c.logger.Info("rewrote boot config", "path", path, "arg", arg, "persist", persist)
		if err := writeFileAtomic(path, []byte(out.String()), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	return nil
}
