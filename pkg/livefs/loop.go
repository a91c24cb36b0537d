package livefs

import (
	"fmt"
	"strings"
)

// loopDevice is a loop device attached to an image file. Loop devices sit
// below the mount stack, so they detach only after every mount is gone.
type loopDevice struct {
	dev     string
	backing string
}

func attachLoop(run *Runner, file string) (*loopDevice, error) {
	out, err := run.RunCapture("losetup", "--show", "--find", "--partscan", file)
	if err != nil {
		return nil, fmt.Errorf("attach loop device for %s: %w", file, err)
	}
	dev := strings.TrimSpace(out)
	// Give udev a chance to create the partition nodes before we probe them.
	if err := run.Run("udevadm", "settle"); err != nil {
		return nil, fmt.Errorf("waiting for loop partitions of %s: %w", dev, err)
	}
	return &loopDevice{dev: dev, backing: file}, nil
}

func (l *loopDevice) detach(run *Runner) error {
	if err := run.Run("losetup", "--detach", l.dev); err != nil {
		return fmt.Errorf("detach %s: %w", l.dev, err)
	}
	return nil
}
