package livefs

import "log/slog"

// Container is a regenerable binary artifact: a compressed filesystem image
// or a boot archive that must be rebuilt from its view before the output
// image is assembled, if and only if that view was mutated.
type Container struct {
	Name    string
	View    *View
	Recipe  Recipe
	dirty   bool
	rebuilt bool
}

// tracker records which containers need repacking. Dirty is sticky: once a
// container is marked it stays marked for the rest of the run, even if the
// mutation is later reverted. Repacking a never-touched container wastes
// minutes; repacking a touched-then-reverted one only wastes them once.
type tracker struct {
	logger     *slog.Logger
	containers map[string]*Container
	order      []string
}

func newTracker(logger *slog.Logger) *tracker {
	return &tracker{logger: logger, containers: map[string]*Container{}}
}

// register adds a container, keeping registration order for rebuilds.
// Registering the same name again returns the existing record.
func (t *tracker) register(c *Container) *Container {
	if existing, ok := t.containers[c.Name]; ok {
		return existing
	}
	t.containers[c.Name] = c
	t.order = append(t.order, c.Name)
	return c
}

func (t *tracker) markDirty(name string) {
	if c, ok := t.containers[name]; ok && !c.dirty {
		c.dirty = true
		t.logger.Debug("container marked dirty", "container", name)
	}
}

func (t *tracker) isDirty(name string) bool {
	c, ok := t.containers[name]
	return ok && c.dirty
}

// dirtyContainers returns the containers needing a rebuild, in registration
// order. Containers nobody marked are still inferred dirty when their upper
// directory is non-empty.
func (t *tracker) dirtyContainers() ([]*Container, error) {
	var out []*Container
	for _, name := range t.order {
		c := t.containers[name]
		if !c.dirty {
			changed, err := c.View.Changed()
			if err != nil {
				return nil, err
			}
			if changed {
				t.logger.Debug("container inferred dirty from upper dir", "container", name)
				c.dirty = true
			}
		}
		if c.dirty {
			out = append(out, c)
		}
	}
	return out, nil
}
