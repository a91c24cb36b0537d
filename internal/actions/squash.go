package actions

import (
	"github.com/mwhudson/livefs-editor/pkg/livefs"
)

func init() {
	register(Definition{
		Name:   "setup-rootfs",
		Params: []Param{{Name: "target", Kind: String, Default: "rootfs", HasDefault: true}},
		build: func(args map[string]any) (Action, error) {
			return &SetupRootfs{Target: args["target"].(string)}, nil
		},
	})
	register(Definition{
		Name: "edit-squashfs",
		Params: []Param{
			{Name: "squash_name", Kind: String},
			{Name: "add_sys_mounts", Kind: Bool, Default: "true", HasDefault: true},
		},
		build: func(args map[string]any) (Action, error) {
			return &EditSquashfs{SquashName: args["squash_name"].(string), AddSysMounts: args["add_sys_mounts"].(bool)}, nil
		},
	})
	register(Definition{
		Name: "unpack-initrd",
		build: func(args map[string]any) (Action, error) {
			return &UnpackInitrd{}, nil
		},
	})
}

// SetupRootfs stages the full root filesystem with a writable top layer.
type SetupRootfs struct {
	Target string
}

func (a *SetupRootfs) Name() string { return "setup-rootfs" }

func (a *SetupRootfs) Run(ec *livefs.EditContext) error {
	_, err := ec.SetupRootfs(a.Target)
	return err
}

// EditSquashfs mounts one squashfs container writable.
type EditSquashfs struct {
	SquashName   string
	AddSysMounts bool
}

func (a *EditSquashfs) Name() string { return "edit-squashfs" }

func (a *EditSquashfs) Run(ec *livefs.EditContext) error {
	_, err := ec.EditSquash(a.SquashName, a.AddSysMounts)
	return err
}

// UnpackInitrd unpacks the boot initrd for editing at new/initrd.
type UnpackInitrd struct{}

func (a *UnpackInitrd) Name() string { return "unpack-initrd" }

func (a *UnpackInitrd) Run(ec *livefs.EditContext) error {
	_, err := ec.UnpackInitrd()
	return err
}
