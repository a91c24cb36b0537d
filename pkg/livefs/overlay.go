package livefs

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// composer builds composite views out of already-mounted pieces. Read-only
// stacks combine layer views; writable overlays put a fresh upper directory
// over a read-only base.
type composer struct {
	ws     *Workspace
	stack  *mountStack
	logger *slog.Logger

	// writable overlays are idempotent per upper name, so repeat requests
	// for the same logical target reuse the same upper and mountpoint.
	writable map[string]*View
}

func newComposer(ws *Workspace, stack *mountStack, logger *slog.Logger) *composer {
	return &composer{ws: ws, stack: stack, logger: logger, writable: map[string]*View{}}
}

// lowerdir wants the highest-priority directory first, which is the reverse
// of the image's own layer order.
func lowerOption(lowers []*View) string {
	dirs := make([]string, 0, len(lowers))
	for i := len(lowers) - 1; i >= 0; i-- {
		dirs = append(dirs, lowers[i].Path)
	}
	return strings.Join(dirs, ":")
}

// readOnlyStack mounts an overlay presenting the given views as one, later
// views shadowing earlier ones.
func (c *composer) readOnlyStack(lowers []*View, target string) (*View, error) {
	if len(lowers) == 0 {
		return nil, &ComposeError{Target: target, Err: fmt.Errorf("empty layer stack")}
	}
	if len(lowers) == 1 {
		// A single lower needs no overlay at all.
		return lowers[0], nil
	}
	opts := fmt.Sprintf("lowerdir=%s", lowerOption(lowers))
	if _, err := c.stack.mount("overlay", MountSpec{
		Fstype:  "overlay",
		Source:  "overlay",
		Target:  target,
		Options: opts,
	}); err != nil {
		return nil, &ComposeError{Target: target, Err: err}
	}
	return &View{Path: target}, nil
}

// writableOverlay mounts a read-write overlay with base as the sole lower
// and a fresh upper directory named by upperName. Writes land only in the
// upper; the base is never mutated.
func (c *composer) writableOverlay(base *View, upperName, target string) (*View, error) {
	if v, ok := c.writable[upperName]; ok {
		return v, nil
	}
	upper, err := c.ws.Join("upper", upperName)
	if err != nil {
		return nil, &ComposeError{Target: target, Err: err}
	}
	work, err := c.ws.Join("work", upperName)
	if err != nil {
		return nil, &ComposeError{Target: target, Err: err}
	}
	for _, dir := range []string{upper, work} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &ComposeError{Target: target, Err: err}
		}
	}
	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", base.Path, upper, work)
	if _, err := c.stack.mount("overlay", MountSpec{
		Fstype:  "overlay",
		Source:  "overlay",
		Target:  target,
		Options: opts,
	}); err != nil {
		return nil, &ComposeError{Target: target, Err: err}
	}
	c.logger.Info("writable overlay mounted", "target", target, "upper", upperName)
	v := &View{Path: target, Upper: upper}
	c.writable[upperName] = v
	return v, nil
}
