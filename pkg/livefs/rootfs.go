package livefs

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// mountSquash mounts a named squashfs container of the source image
// read-only at old/<name>, caching the view so each container is mounted
// at most once per run.
func (c *EditContext) mountSquash(name string) (*View, error) {
	if v, ok := c.squashViews[name]; ok {
		return v, nil
	}
	squash, err := c.oldISOPath("casper", name+".squashfs")
	if err != nil {
		return nil, err
	}
	target, err := c.ws.Join("old", name)
	if err != nil {
		return nil, err
	}
	if _, err := c.mounts.mount("image", MountSpec{
		Fstype:  "squashfs",
		Source:  squash,
		Target:  target,
		Options: "ro",
	}); err != nil {
		return nil, err
	}
	c.logger.Info("mounted squashfs", "name", name)
	v := &View{Path: target}
	c.squashViews[name] = v
	return v, nil
}

// MountImage mounts a standalone filesystem image (a snap, an extra
// squashfs) read-only at a scratch directory. Actions never mount things
// themselves; this keeps the handle on the run's cleanup stack.
func (c *EditContext) MountImage(src string) (*View, error) {
	target, err := c.ws.Tmpdir()
	if err != nil {
		return nil, err
	}
	if _, err := c.mounts.mount("image", MountSpec{
		Fstype:  "squashfs",
		Source:  src,
		Target:  target,
		Options: "ro",
	}); err != nil {
		return nil, err
	}
	return &View{Path: target}, nil
}

type layerfsLoc int

const (
	layerfsNone layerfsLoc = iota
	layerfsCmdline
	layerfsInitrd
)

type layerfsInfo struct {
	path string
	loc  layerfsLoc
}

// detectLayerfs works out whether the image is a layered one and where it
// declares its layer stack: the kernel command line, or the initrd's
// default-layer.conf.
func (c *EditContext) detectLayerfs() (*layerfsInfo, error) {
	if c.layerfs != nil {
		return c.layerfs, nil
	}
	val, ok, err := c.CmdlineArg("layerfs-path")
	if err != nil {
		return nil, err
	}
	if ok {
		c.layerfs = &layerfsInfo{path: val, loc: layerfsCmdline}
		return c.layerfs, nil
	}

	initrdFile, _, err := c.casperInitrdPath()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(initrdFile); err == nil {
		view, err := c.UnpackInitrd()
		if err != nil {
			return nil, err
		}
		conf, err := c.initrdConfPath(view, "conf/conf.d/default-layer.conf")
		if err != nil {
			return nil, err
		}
		if data, err := os.ReadFile(conf); err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				line = strings.TrimSpace(line)
				if rest, ok := strings.CutPrefix(line, "LAYERFS_PATH="); ok {
					c.layerfs = &layerfsInfo{path: rest, loc: layerfsInitrd}
					return c.layerfs, nil
				}
			}
		}
	}
	c.layerfs = &layerfsInfo{loc: layerfsNone}
	return c.layerfs, nil
}

// initrdConfPath resolves a path inside the unpacked initrd, accounting for
// multi-segment initrds that keep the real tree under main/.
func (c *EditContext) initrdConfPath(view *View, rel string) (string, error) {
	mainDir, err := view.Join("main")
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(mainDir); err == nil {
		return view.Join("main", filepath.FromSlash(rel))
	}
	return view.Join(filepath.FromSlash(rel))
}

// squashNames derives the ordered layer names of the image.
func (c *EditContext) squashNames() ([]string, error) {
	info, err := c.detectLayerfs()
	if err != nil {
		return nil, err
	}
	if info.path != "" {
		return squashLayerNames(info.path, nil), nil
	}
	casper, err := c.oldISOPath("casper")
	if err != nil {
		return nil, err
	}
	squashes, err := filepath.Glob(filepath.Join(casper, "*.squashfs"))
	if err != nil {
		return nil, err
	}
	if len(squashes) == 0 {
		return nil, fmt.Errorf("no squashfs containers found under %s", casper)
	}
	return squashLayerNames("", squashes), nil
}

// EditSquash composes the writable overlay for a named squashfs container
// at new/<name>, registering the container for repack tracking. Repeat
// calls return the cached view.
func (c *EditContext) EditSquash(name string, addSysMounts bool) (*View, error) {
	name = strings.TrimSuffix(name, ".squashfs")
	lower, err := c.mountSquash(name)
	if err != nil {
		return nil, err
	}
	target, err := c.ws.Join("new", name)
	if err != nil {
		return nil, err
	}
	if v, ok := c.comp.writable[name]; ok {
		return v, nil
	}
	view, err := c.comp.writableOverlay(lower, name, target)
	if err != nil {
		return nil, err
	}
	dest, err := c.newISOPath("casper", name+".squashfs")
	if err != nil {
		return nil, err
	}
	c.track.register(&Container{
		Name:   name,
		View:   view,
		Recipe: &SquashReplaceRecipe{Run: c.run, DestPath: dest},
	})
	c.logger.Info("squashfs mounted writable", "name", name, "target", target)
	if addSysMounts {
		if err := c.AddSysMounts(view); err != nil {
			return nil, err
		}
	}
	return view, nil
}

// UnpackInitrd unpacks the boot initrd into old/initrd and overlays it
// writable at new/initrd, registering the initrd as a regenerable
// container. Cached across calls.
func (c *EditContext) UnpackInitrd() (*View, error) {
	if c.initrdView != nil {
		return c.initrdView, nil
	}
	initrdFile, _, err := c.casperInitrdPath()
	if err != nil {
		return nil, err
	}
	lower, err := c.ws.Join("old", "initrd")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(lower, 0o755); err != nil {
		return nil, err
	}
	if err := c.run.Run("unmkinitramfs", initrdFile, lower); err != nil {
		return nil, fmt.Errorf("unpack initrd: %w", err)
	}
	target, err := c.ws.Join("new", "initrd")
	if err != nil {
		return nil, err
	}
	view, err := c.comp.writableOverlay(&View{Path: lower}, "initrd", target)
	if err != nil {
		return nil, err
	}
	c.track.register(&Container{
		Name:   "initrd",
		View:   view,
		Recipe: &InitrdRecipe{TreeDir: view.Path, DestPath: initrdFile},
	})
	c.initrdView = view
	return view, nil
}

// SetupRootfs composes the full root filesystem: every source layer
// stacked read-only with a writable overlay on top, sys mounts bound so
// chroot-shaped actions work. Changes end up packed as a brand new squashfs
// layer. Cached across calls.
func (c *EditContext) SetupRootfs(target string) (*View, error) {
	if c.rootfsView != nil {
		return c.rootfsView, nil
	}
	if target == "" {
		target = "rootfs"
	}
	ls, err := c.layerSet()
	if err != nil {
		return nil, err
	}
	lowers := make([]*View, 0, ls.count())
	for i := 0; i < ls.count(); i++ {
		v, err := ls.layer(i)
		if err != nil {
			return nil, err
		}
		lowers = append(lowers, v)
	}
	base := lowers[0]
	if len(lowers) > 1 {
		stackDir, err := c.ws.Tmpdir()
		if err != nil {
			return nil, err
		}
		base, err = c.comp.readOnlyStack(lowers, stackDir)
		if err != nil {
			return nil, err
		}
	}
	targetPath, err := c.ws.Join(target)
	if err != nil {
		return nil, err
	}
	view, err := c.comp.writableOverlay(base, "rootfs", targetPath)
	if err != nil {
		return nil, err
	}

	info, err := c.detectLayerfs()
	if err != nil {
		return nil, err
	}
	last, err := ls.name(ls.count() - 1)
	if err != nil {
		return nil, err
	}
	var newName string
	if info.loc != layerfsNone {
		newName = last + ".custom"
	} else {
		// Unlayered images just need a name that sorts after the last
		// existing squashfs so casper picks it up on top.
		newName = string(last[0]+1) + last[1:]
	}
	dest, err := c.newISOPath("casper", newName+".squashfs")
	if err != nil {
		return nil, err
	}
	c.track.register(&Container{
		Name:   "rootfs",
		View:   view,
		Recipe: &SquashLayerRecipe{Run: c.run, DestPath: dest},
	})

	// Once the new layer is actually going to exist, the boot config has
	// to reference it.
	c.AddPreRepackHook(func() error {
		changed, err := view.Changed()
		if err != nil || !changed {
			return err
		}
		switch info.loc {
		case layerfsCmdline:
			return c.AddCmdlineArg("layerfs-path="+newName+".squashfs", false)
		case layerfsInitrd:
			initrd, err := c.UnpackInitrd()
			if err != nil {
				return err
			}
			conf, err := c.initrdConfPath(initrd, "conf/conf.d/default-layer.conf")
			if err != nil {
				return err
			}
			return os.WriteFile(conf, []byte("LAYERFS_PATH="+newName+".squashfs\n"), 0o644)
		}
		return nil
	})

	if err := c.AddSysMounts(view); err != nil {
		return nil, err
	}
	c.rootfsView = view
	c.logger.Info("rootfs staged", "target", targetPath, "layers", len(lowers), "new_layer", newName)
	return view, nil
}

// AddSysMounts binds the pseudo-filesystems a chroot needs (dev, dev/pts,
// proc and the host's sysfs tree) under the view and swaps the host
// resolv.conf in so processes inside can resolve names. Everything is
// reversed by a pre-repack hook before the view is packed.
func (c *EditContext) AddSysMounts(v *View) error {
	specs := []sysMountSpec{
		{"devtmpfs", "dev", ""},
		{"devpts", "dev/pts", ""},
		{"proc", "proc", ""},
	}
	sysfs, err := c.sysfsMounts()
	if err != nil {
		return err
	}
	specs = append(specs, sysfs...)

	var handles []*Handle
	for _, m := range specs {
		target, err := v.Join(filepath.FromSlash(m.relpath))
		if err != nil {
			return err
		}
		h, err := c.mounts.mount("bind", MountSpec{
			Fstype:  m.fstype,
			Source:  m.fstype,
			Target:  target,
			Options: m.options,
		})
		if err != nil {
			return err
		}
		handles = append(handles, h)
	}

	resolv, err := v.Join("etc", "resolv.conf")
	if err != nil {
		return err
	}
	if err := os.Rename(resolv, resolv+".tmp"); err != nil {
		return err
	}
	if err := copyFile("/etc/resolv.conf", resolv); err != nil {
		return err
	}

	c.AddPreRepackHook(func() error {
		for i := len(handles) - 1; i >= 0; i-- {
			if err := c.mounts.release(handles[i]); err != nil {
				return err
			}
		}
		if err := os.Rename(resolv+".tmp", resolv); err != nil {
			return err
		}
		// The swap left copies in the upper directory; drop them so an
		// otherwise untouched view still counts as unchanged.
		if v.Upper != "" {
			os.Remove(filepath.Join(v.Upper, "etc", "resolv.conf"))
			os.Remove(filepath.Join(v.Upper, "etc"))
		}
		return nil
	})
	return nil
}

type sysMountSpec struct {
	fstype  string
	relpath string
	options string
}

// sysfsMounts reads the host's /sys mount table so the chroot sees the
// same security/cgroup filesystems the host does.
func (c *EditContext) sysfsMounts() ([]sysMountSpec, error) {
	out, err := c.run.RunCapture("findmnt", "--submounts", "/sys", "--json", "--list")
	if err != nil {
		return nil, fmt.Errorf("read sysfs mount table: %w", err)
	}
	var table struct {
		Filesystems []struct {
			Target  string `json:"target"`
			Fstype  string `json:"fstype"`
			Options string `json:"options"`
		} `json:"filesystems"`
	}
	if err := json.Unmarshal([]byte(out), &table); err != nil {
		return nil, fmt.Errorf("parse findmnt output: %w", err)
	}
	var specs []sysMountSpec
	for _, fs := range table.Filesystems {
		specs = append(specs, sysMountSpec{fs.Fstype, strings.TrimPrefix(fs.Target, "/"), fs.Options})
	}
	return specs, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
