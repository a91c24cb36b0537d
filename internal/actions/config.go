package actions

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/mwhudson/livefs-editor/pkg/livefs"
)

func init() {
	register(Definition{
		Name: "add-cmdline-arg",
		Params: []Param{
			{Name: "arg", Kind: String},
			{Name: "persist", Kind: Bool, Default: "true", HasDefault: true},
		},
		build: func(args map[string]any) (Action, error) {
			return &AddCmdlineArg{Arg: args["arg"].(string), Persist: args["persist"].(bool)}, nil
		},
	})
	register(Definition{
		Name:   "add-autoinstall-config",
		Params: []Param{{Name: "autoinstall_config", Kind: Path}},
		build: func(args map[string]any) (Action, error) {
			return &AddAutoinstallConfig{Config: args["autoinstall_config"].(livefs.PathExpr)}, nil
		},
	})
}

// AddCmdlineArg appends an argument to the kernel command line in every
// boot config the image carries.
type AddCmdlineArg struct {
	Arg     string
	Persist bool
}

func (a *AddCmdlineArg) Name() string { return "add-cmdline-arg" }

func (a *AddCmdlineArg) Run(ec *livefs.EditContext) error {
	return ec.AddCmdlineArg(a.Arg, a.Persist)
}

const cloudConfigPrefix = "#cloud-config\n"

// AddAutoinstallConfig seeds an autoinstall answer file into the root
// filesystem and arms the live boot with the autoinstall cmdline flag. The
// input may be a bare autoinstall mapping or a full cloud-config document.
type AddAutoinstallConfig struct {
	Config livefs.PathExpr
}

func (a *AddAutoinstallConfig) Name() string { return "add-autoinstall-config" }

func (a *AddAutoinstallConfig) Run(ec *livefs.EditContext) error {
	rootfs, err := ec.SetupRootfs("")
	if err != nil {
		return err
	}
	src, err := ec.Resolve(a.Config)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read autoinstall config: %w", err)
	}

	isCloudConfig := bytes.HasPrefix(data, []byte(cloudConfigPrefix))
	if isCloudConfig {
		data = data[len(cloudConfigPrefix):]
	}
	var config map[string]any
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("parse autoinstall config: %w", err)
	}
	if !isCloudConfig {
		config = map[string]any{"autoinstall": config}
	}
	out, err := yaml.Marshal(config)
	if err != nil {
		return err
	}

	userData, err := rootfs.Join("var", "lib", "cloud", "seed", "nocloud", "user-data")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(userData), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(userData, append([]byte(cloudConfigPrefix), out...), 0o644); err != nil {
		return fmt.Errorf("write user-data: %w", err)
	}
	return ec.AddCmdlineArg("autoinstall", false)
}
