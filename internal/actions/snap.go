package actions

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mwhudson/livefs-editor/pkg/livefs"
)

func init() {
	register(Definition{
		Name: "inject-snap",
		Params: []Param{
			{Name: "snap", Kind: Path},
			{Name: "channel", Kind: String, Default: "stable", HasDefault: true},
		},
		build: func(args map[string]any) (Action, error) {
			return &InjectSnap{Snap: args["snap"].(livefs.PathExpr), Channel: args["channel"].(string)}, nil
		},
	})
}

type snapMeta struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Base        string `yaml:"base"`
	Confinement string `yaml:"confinement"`
}

type seedSnap struct {
	Name       string `yaml:"name"`
	File       string `yaml:"file"`
	Channel    string `yaml:"channel,omitempty"`
	Classic    bool   `yaml:"classic,omitempty"`
	Unasserted bool   `yaml:"unasserted,omitempty"`
}

type seedFile struct {
	Snaps []seedSnap `yaml:"snaps"`
}

// InjectSnap replaces (or adds) a snap in the image's seed, so the
// installed system ships the local snap file instead of the distributed
// one. The snap's assertion file is seeded alongside when present;
// otherwise the snap is marked unasserted.
type InjectSnap struct {
	Snap    livefs.PathExpr
	Channel string
}

func (a *InjectSnap) Name() string { return "inject-snap" }

func (a *InjectSnap) Run(ec *livefs.EditContext) error {
	rootfs, err := ec.SetupRootfs("")
	if err != nil {
		return err
	}
	snapFile, err := ec.Resolve(a.Snap)
	if err != nil {
		return err
	}
	snapMount, err := ec.MountImage(snapFile)
	if err != nil {
		return err
	}
	metaPath, err := snapMount.Join("meta", "snap.yaml")
	if err != nil {
		return err
	}
	metaData, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("read snap metadata: %w", err)
	}
	var meta snapMeta
	if err := yaml.Unmarshal(metaData, &meta); err != nil {
		return fmt.Errorf("parse snap metadata: %w", err)
	}

	seedDir, err := rootfs.Join("var", "lib", "snapd", "seed")
	if err != nil {
		return err
	}
	seedPath := seedDir + "/seed.yaml"
	seedData, err := os.ReadFile(seedPath)
	if err != nil {
		return fmt.Errorf("read seed: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(seedData, &seed); err != nil {
		return fmt.Errorf("parse seed: %w", err)
	}

	var newSnaps []seedSnap
	for _, old := range seed.Snaps {
		if old.Name == meta.Name {
			base := strings.TrimSuffix(old.File, ".snap")
			os.Remove(seedDir + "/snaps/" + base + ".snap")
			os.Remove(seedDir + "/assertions/" + base + ".assert")
			continue
		}
		newSnaps = append(newSnaps, old)
	}

	entry, err := seedSnapFiles(meta.Name, snapFile, seedDir, a.Channel, meta.Confinement == "classic")
	if err != nil {
		return err
	}
	newSnaps = append(newSnaps, entry)

	// A snap that declares a base needs that base in the seed too. The
	// store download client is outside this tool; the base has to be
	// there already.
	if meta.Type != "base" && meta.Type != "os" && meta.Type != "snapd" {
		base := meta.Base
		if base == "" {
			base = "core"
		}
		found := false
		for _, s := range newSnaps {
			if s.Name == base {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("snap %s needs base %q which is not in the seed", meta.Name, base)
		}
	}

	out, err := yaml.Marshal(seedFile{Snaps: newSnaps})
	if err != nil {
		return err
	}
	if err := os.WriteFile(seedPath, out, 0o644); err != nil {
		return fmt.Errorf("write seed: %w", err)
	}

	return a.addPreseedHook(ec, rootfs)
}

// seedSnapFiles copies the snap (and its assertion when present) into the
// seed under an _injected name so repeat runs do not collide with the
// distributed files.
func seedSnapFiles(name, snapFile, seedDir, channel string, classic bool) (seedSnap, error) {
	basename := name + "_injected"
	entry := seedSnap{Name: name, File: basename + ".snap", Channel: channel, Classic: classic}
	if err := copyFileTo(snapFile, seedDir+"/snaps/"+basename+".snap"); err != nil {
		return entry, fmt.Errorf("seed snap file: %w", err)
	}
	assertFile := strings.TrimSuffix(snapFile, ".snap") + ".assert"
	if _, err := os.Stat(assertFile); err == nil {
		if err := copyFileTo(assertFile, seedDir+"/assertions/"+basename+".assert"); err != nil {
			return entry, fmt.Errorf("seed assertion file: %w", err)
		}
	} else {
		entry.Unasserted = true
	}
	return entry, nil
}

func copyFileTo(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// addPreseedHook reruns snap preseeding over the modified seed before the
// rootfs is repacked. Preseeding executes binaries from the image, so a
// foreign-arch image only gets its old preseed data reset.
func (a *InjectSnap) addPreseedHook(ec *livefs.EditContext, rootfs *livefs.View) error {
	imageArch, err := ec.Arch()
	if err != nil {
		return err
	}
	hostArch, err := ec.Runner().RunCapture("dpkg", "--print-architecture")
	if err != nil {
		return err
	}
	native := imageArch == strings.TrimSpace(hostArch)
	ec.AddPreRepackHook(func() error {
		if err := ec.Runner().Run("/usr/lib/snapd/snap-preseed", "--reset", rootfs.Path); err != nil {
			return err
		}
		if !native {
			return nil
		}
		return ec.Runner().Run("/usr/lib/snapd/snap-preseed", rootfs.Path)
	})
	return nil
}
