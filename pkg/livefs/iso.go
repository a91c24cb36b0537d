package livefs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"mvdan.cc/sh/v3/shell"
)

// MountSource loop-attaches the source image, probes its partitions for the
// live filesystem, mounts it read-only at old/iso and overlays it writable
// at new/iso. After this the run is in the running state and actions may
// execute.
func (c *EditContext) MountSource() error {
	if c.state != StateInitializing {
		return fmt.Errorf("mount source from state %s", c.state)
	}
	loop, err := attachLoop(c.run, c.sourcePath)
	if err != nil {
		return err
	}
	c.loops = append(c.loops, loop)
	c.logger.Info("attached source image", "device", loop.dev)

	liveDev, err := c.findLivefs(loop.dev)
	if err != nil {
		return err
	}

	oldISO, err := c.oldISOPath()
	if err != nil {
		return err
	}
	if _, err := c.mounts.mount("image", MountSpec{Source: liveDev, Target: oldISO, Options: "ro"}); err != nil {
		return err
	}
	fstype, err := c.run.RunCapture("findmnt", "-no", "fstype", oldISO)
	if err != nil {
		return fmt.Errorf("detect source filesystem type: %w", err)
	}
	c.sourceFstype = strings.TrimSpace(fstype)
	c.logger.Info("found live filesystem", "device", liveDev, "fstype", c.sourceFstype)

	newISO, err := c.newISOPath()
	if err != nil {
		return err
	}
	c.sourceOverlay, err = c.comp.writableOverlay(&View{Path: oldISO}, "iso", newISO)
	if err != nil {
		return err
	}
	c.state = StateRunning
	return nil
}

// findLivefs probes the device and its partitions for the one carrying the
// live filesystem, recognized by a .disk/info file.
func (c *EditContext) findLivefs(device string) (string, error) {
	candidates, err := filepath.Glob(device + "*")
	if err != nil {
		return "", err
	}
	for _, dev := range candidates {
		probe, err := c.ws.Tmpdir()
		if err != nil {
			return "", err
		}
		h, err := c.mounts.mount("image", MountSpec{Source: dev, Target: probe, Options: "ro"})
		if err != nil {
			// Not every partition is mountable; keep probing.
			continue
		}
		_, statErr := os.Stat(filepath.Join(probe, ".disk", "info"))
		if err := c.mounts.release(h); err != nil {
			return "", err
		}
		if statErr == nil {
			return dev, nil
		}
	}
	return "", errors.New("could not find live filesystem on " + device)
}

// Arch reads the image architecture out of .disk/info.
func (c *EditContext) Arch() (string, error) {
	info, err := c.newISOPath(".disk", "info")
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(info)
	if err != nil {
		return "", fmt.Errorf("read .disk/info: %w", err)
	}
	words := strings.Fields(strings.TrimSpace(string(data)))
	if len(words) < 2 {
		return "", fmt.Errorf("unexpected .disk/info contents %q", strings.TrimSpace(string(data)))
	}
	return words[len(words)-2], nil
}

// repackISO rebuilds a bootable ISO at destPath from the new/iso tree. The
// El Torito boot options of the source ISO are recovered with xorriso and
// replayed; extraArgs go after the engine's own arguments so callers can
// override but not corrupt the required structure.
func (c *EditContext) repackISO(destPath string, extraArgs []string) error {
	out, err := c.run.RunCapture("xorriso", "-indev", c.sourcePath, "-report_el_torito", "as_mkisofs")
	if err != nil {
		return fmt.Errorf("recover ISO boot options: %w", err)
	}
	opts, err := shell.Fields(out, nil)
	if err != nil {
		return fmt.Errorf("parse ISO boot options: %w", err)
	}
	tree, err := c.newISOPath()
	if err != nil {
		return err
	}
	args := append([]string{"-as", "mkisofs"}, opts...)
	args = append(args, "-o", destPath, "-V", "Ubuntu custom")
	args = append(args, extraArgs...)
	args = append(args, tree)
	c.logger.Info("recreating ISO", "dest", destPath)
	return c.run.Run("xorriso", args...)
}

// repackGeneric handles non-ISO sources: copy the whole source image, mount
// the copy's live partition writable and rsync the edited tree over it.
func (c *EditContext) repackGeneric(destPath string) error {
	c.logger.Info("copying source image", "dest", destPath)
	if err := c.run.Run("cp", c.sourcePath, destPath); err != nil {
		return err
	}
	loop, err := attachLoop(c.run, destPath)
	if err != nil {
		return err
	}
	c.loops = append(c.loops, loop)
	destDev, err := c.findLivefs(loop.dev)
	if err != nil {
		return err
	}
	target, err := c.ws.Tmpdir()
	if err != nil {
		return err
	}
	if _, err := c.mounts.mount("image", MountSpec{Source: destDev, Target: target}); err != nil {
		return err
	}
	tree, err := c.newISOPath()
	if err != nil {
		return err
	}
	c.logger.Info("copying live filesystem", "dest", destDev)
	return c.run.RunIn(target, "rsync", "-axXHAS", tree+"/", ".")
}
