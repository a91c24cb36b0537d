package livefs

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
)

// State of a run.
//
//	initializing → running → finalizing → completed
//	                  \________________→ aborted
//
// Both terminal states run the same full teardown, so mounts never leak
// regardless of where the run stopped.
type State string

const (
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateFinalizing   State = "finalizing"
	StateCompleted    State = "completed"
	StateAborted      State = "aborted"
)

// Options configures an EditContext.
type Options struct {
	SourcePath string
	// KeepWorkspace retains the temporary tree for debugging.
	KeepWorkspace bool
	Logger        *slog.Logger
	// Mounter overrides the kernel mounter, for tests. Nil means mount(8).
	Mounter Mounter
}

// EditContext owns everything a run creates: the workspace, the mount
// stack, loop devices, the layer registry, composite views and the dirty
// container set. It is the only component allowed to create or tear down
// mounts; actions reach the filesystem exclusively through its views.
type EditContext struct {
	logger *slog.Logger
	ws     *Workspace
	run    *Runner
	mounts *mountStack
	comp   *composer
	track  *tracker
	sched  *scheduler

	sourcePath    string
	sourceFstype  string
	sourceOverlay *View
	loops         []*loopDevice

	layers      *layerSet
	squashViews map[string]*View // read-only squash mounts by name
	layerViews  map[int]*View    // writable views per layer index

	layerfs       *layerfsInfo
	initrdView    *View
	rootfsView    *View
	preRepack     []func() error
	rebuildReport []RebuildResult

	state    State
	abortErr error
	tornDown bool
}

func New(opts Options) (*EditContext, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ws, err := NewWorkspace(opts.KeepWorkspace)
	if err != nil {
		return nil, err
	}
	run := NewRunner(logger, ws.Root())
	mounter := opts.Mounter
	if mounter == nil {
		mounter = NewExecMounter(run)
	}
	stack := newMountStack(mounter, logger)
	return &EditContext{
		logger:      logger,
		ws:          ws,
		run:         run,
		mounts:      stack,
		comp:        newComposer(ws, stack, logger),
		track:       newTracker(logger),
		sched:       newScheduler(logger),
		sourcePath:  opts.SourcePath,
		squashViews: map[string]*View{},
		layerViews:  map[int]*View{},
		state:       StateInitializing,
	}, nil
}

func (c *EditContext) State() State { return c.state }

func (c *EditContext) Workspace() *Workspace { return c.ws }

func (c *EditContext) Runner() *Runner { return c.run }

func (c *EditContext) Logger() *slog.Logger { return c.logger }

// Layer returns the read-only view of source layer index, mounting it on
// first reference.
func (c *EditContext) Layer(index int) (*View, error) {
	ls, err := c.layerSet()
	if err != nil {
		return nil, err
	}
	return ls.layer(index)
}

// LayerCount returns how many immutable source layers the image has.
func (c *EditContext) LayerCount() (int, error) {
	ls, err := c.layerSet()
	if err != nil {
		return 0, err
	}
	return ls.count(), nil
}

// ReadOnlyStack composes the given layer indices into one read-only view,
// later indices shadowing earlier ones.
func (c *EditContext) ReadOnlyStack(indices []int) (*View, error) {
	ls, err := c.layerSet()
	if err != nil {
		return nil, err
	}
	lowers := make([]*View, 0, len(indices))
	for _, i := range indices {
		v, err := ls.layer(i)
		if err != nil {
			return nil, err
		}
		lowers = append(lowers, v)
	}
	target, err := c.ws.Tmpdir()
	if err != nil {
		return nil, &ComposeError{Target: "stack", Err: err}
	}
	return c.comp.readOnlyStack(lowers, target)
}

// WritableOverlay puts a named writable overlay over base at new/<name>.
// Repeat calls with the same name return the same view.
func (c *EditContext) WritableOverlay(base *View, name string) (*View, error) {
	target, err := c.ws.Join("new", name)
	if err != nil {
		return nil, &ComposeError{Target: name, Err: err}
	}
	return c.comp.writableOverlay(base, name, target)
}

// Resolve turns a parsed path expression into a concrete filesystem path.
// Layer-relative expressions resolve into the writable view of that layer
// when one has been composed, otherwise into the read-only layer mount.
// No existence check happens here; missing paths surface from whatever
// consumes the result.
func (c *EditContext) Resolve(expr PathExpr) (string, error) {
	switch expr.Kind {
	case Absolute:
		return expr.Path, nil
	case LayerRelative:
		if v, ok := c.layerViews[expr.Layer]; ok {
			return v.Join(expr.Path)
		}
		v, err := c.Layer(expr.Layer)
		if err != nil {
			return "", err
		}
		return v.Join(expr.Path)
	default:
		return c.ws.Join(expr.Path)
	}
}

// EditLayer composes (idempotently) the writable overlay for a source
// layer, so subsequent layer-relative resolutions address it. Mutation
// actions must call this before writing through a $LAYERS[n] path.
func (c *EditContext) EditLayer(index int) (*View, error) {
	if v, ok := c.layerViews[index]; ok {
		return v, nil
	}
	ls, err := c.layerSet()
	if err != nil {
		return nil, err
	}
	name, err := ls.name(index)
	if err != nil {
		return nil, err
	}
	v, err := c.EditSquash(name, index == 0)
	if err != nil {
		return nil, err
	}
	c.layerViews[index] = v
	return v, nil
}

// MarkDirty records that a container must be rebuilt before assembly.
// Dirty is sticky for the rest of the run.
func (c *EditContext) MarkDirty(name string) { c.track.markDirty(name) }

// IsDirty reports whether a container is already marked.
func (c *EditContext) IsDirty(name string) bool { return c.track.isDirty(name) }

// AddPreRepackHook registers a hook to run at finalization, before any
// container is repacked. Hooks run in reverse registration order.
func (c *EditContext) AddPreRepackHook(hook func() error) {
	c.preRepack = append(c.preRepack, hook)
}

// Abort marks the run as aborted. Remaining actions are skipped; teardown
// still runs in full.
func (c *EditContext) Abort(err error) {
	if c.state == StateAborted {
		return
	}
	c.state = StateAborted
	c.abortErr = err
	c.logger.Error("run aborted", "error", err)
}

// Err returns the abort cause, if any.
func (c *EditContext) Err() error { return c.abortErr }

// RebuildReport lists the containers repacked during finalization.
func (c *EditContext) RebuildReport() []RebuildResult { return c.rebuildReport }

// Finalize runs the pre-repack hooks and the rebuild scheduler, then
// assembles the output image at destPath if anything changed. extraArgs are
// appended to the assembly tool invocation after the engine's own
// arguments. Returns whether an output image was written.
func (c *EditContext) Finalize(destPath string, extraArgs []string) (bool, error) {
	if c.state != StateRunning {
		return false, fmt.Errorf("finalize from state %s", c.state)
	}
	c.state = StateFinalizing

	for i := len(c.preRepack) - 1; i >= 0; i-- {
		if err := c.preRepack[i](); err != nil {
			c.Abort(err)
			return false, err
		}
	}
	c.preRepack = nil

	report, err := c.sched.rebuildDirty(c.track)
	c.rebuildReport = report
	if err != nil {
		c.Abort(err)
		return false, err
	}

	changed, err := c.sourceOverlay.Changed()
	if err != nil {
		c.Abort(err)
		return false, err
	}
	if !changed && len(report) == 0 {
		c.logger.Info("no changes, not writing output image")
		c.state = StateCompleted
		return false, nil
	}
	if destPath == "" {
		c.logger.Info("no destination given, discarding changes")
		c.state = StateCompleted
		return false, nil
	}

	if c.sourceFstype == "iso9660" {
		err = c.repackISO(destPath, extraArgs)
	} else {
		err = c.repackGeneric(destPath)
	}
	if err != nil {
		c.Abort(err)
		return false, err
	}
	c.state = StateCompleted
	return true, nil
}

// Teardown releases every mount in reverse acquisition order, detaches
// loop devices and removes the workspace. Safe to call more than once; the
// second call is a no-op. A failed teardown step is recorded, the rest of
// the stack is still unwound, and the first failure is returned.
func (c *EditContext) Teardown() error {
	if c.tornDown {
		return nil
	}
	c.tornDown = true

	var firstErr error
	if err := c.mounts.releaseAll(); err != nil {
		firstErr = err
	}
	if err := c.ws.Remove(); err != nil {
		c.logger.Error("workspace removal failed", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	if c.ws.Keep() {
		c.logger.Info("workspace retained", "path", c.ws.Root())
	}
	for i := len(c.loops) - 1; i >= 0; i-- {
		if err := c.loops[i].detach(c.run); err != nil {
			c.logger.Error("loop detach failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if c.state != StateCompleted && c.state != StateAborted {
		c.state = StateAborted
	}
	return firstErr
}

// layerSet builds the layer registry on first use; it needs the source
// mounted and the layer names detected.
func (c *EditContext) layerSet() (*layerSet, error) {
	if c.layers != nil {
		return c.layers, nil
	}
	if c.sourceOverlay == nil {
		return nil, errors.New("source image not mounted")
	}
	names, err := c.squashNames()
	if err != nil {
		return nil, err
	}
	c.layers = newLayerSet(names, c.mountSquash)
	return c.layers, nil
}

// newISOPath joins onto the writable image tree at new/iso.
func (c *EditContext) newISOPath(parts ...string) (string, error) {
	return c.ws.Join(append([]string{"new", "iso"}, parts...)...)
}

// oldISOPath joins onto the read-only source mount at old/iso.
func (c *EditContext) oldISOPath(parts ...string) (string, error) {
	return c.ws.Join(append([]string{"old", "iso"}, parts...)...)
}

func (c *EditContext) casperInitrdPath() (string, string, error) {
	// s390x keeps the initrd outside casper.
	arch, err := c.Arch()
	if err != nil {
		return "", "", err
	}
	rel := "casper/initrd"
	if arch == "s390x" {
		rel = "boot/initrd.ubuntu"
	}
	p, err := c.newISOPath(filepath.FromSlash(rel))
	return p, rel, err
}
