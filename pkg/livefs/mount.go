package livefs

import (
	"log/slog"
	"os"
)

// MountSpec describes one kernel mount.
type MountSpec struct {
	Fstype  string // empty lets mount(8) probe
	Source  string
	Target  string
	Options string // comma-separated -o string, empty for none
}

// Mounter performs the actual mount syscalls. The engine talks to the
// kernel only through this interface so tests can count and fail mounts
// without privileges.
type Mounter interface {
	Mount(spec MountSpec) error
	// Unmount reverses a mount. Implementations may fall back to a lazy
	// detach; a returned error means the mount is still live.
	Unmount(target string) error
}

// ExecMounter shells out to mount(8) and umount(8), which is what running
// as root on a normal distro gives us. Recursive unmount with a lazy
// fallback keeps teardown working when an action left sub-mounts behind.
type ExecMounter struct {
	run *Runner
}

func NewExecMounter(run *Runner) *ExecMounter {
	return &ExecMounter{run: run}
}

func (m *ExecMounter) Mount(spec MountSpec) error {
	args := []string{}
	if spec.Fstype != "" {
		args = append(args, "-t", spec.Fstype)
	}
	args = append(args, spec.Source)
	if spec.Options != "" {
		args = append(args, "-o", spec.Options)
	}
	args = append(args, spec.Target)
	if _, err := m.run.RunCapture("mount", args...); err != nil {
		return err
	}
	return nil
}

func (m *ExecMounter) Unmount(target string) error {
	// Stop mount events propagating while we take the tree down.
	if err := m.run.Run("mount", "--make-rprivate", target); err != nil {
		return err
	}
	if err := m.run.Run("umount", "-R", target); err == nil {
		return nil
	}
	return m.run.Run("umount", "-l", target)
}

// Handle represents one active mount. Handles release in strictly
// descending sequence order, so an overlay always unmounts before the
// layers beneath it.
type Handle struct {
	seq      int
	kind     string // "bind", "overlay", "image"
	target   string
	released bool
}

func (h *Handle) Target() string { return h.target }

// mountStack owns every Handle of a run in acquisition order.
type mountStack struct {
	mounter Mounter
	logger  *slog.Logger
	handles []*Handle
	nextSeq int
}

func newMountStack(mounter Mounter, logger *slog.Logger) *mountStack {
	return &mountStack{mounter: mounter, logger: logger}
}

// mount creates the target directory if needed, performs the mount and
// records a Handle for teardown.
func (s *mountStack) mount(kind string, spec MountSpec) (*Handle, error) {
	if err := os.MkdirAll(spec.Target, 0o755); err != nil {
		return nil, &MountError{Op: "mount", Target: spec.Target, Err: err}
	}
	if err := s.mounter.Mount(spec); err != nil {
		return nil, &MountError{Op: "mount", Target: spec.Target, Err: err}
	}
	h := &Handle{seq: s.nextSeq, kind: kind, target: spec.Target}
	s.nextSeq++
	s.handles = append(s.handles, h)
	s.logger.Debug("mounted", "kind", kind, "target", spec.Target, "seq", h.seq)
	return h, nil
}

// release unmounts a single handle. Releasing an already-released handle is
// a no-op so cleanup code can stay simple.
func (s *mountStack) release(h *Handle) error {
	if h.released {
		return nil
	}
	if err := s.mounter.Unmount(h.target); err != nil {
		return &MountError{Op: "umount", Target: h.target, Err: err}
	}
	h.released = true
	for i, other := range s.handles {
		if other == h {
			s.handles = append(s.handles[:i], s.handles[i+1:]...)
			break
		}
	}
	s.logger.Debug("unmounted", "target", h.target, "seq", h.seq)
	return nil
}

// releaseAll unwinds the whole stack in reverse acquisition order. A failed
// unmount is recorded and the remaining stack is still attempted; the first
// failure is returned so the run can report it.
func (s *mountStack) releaseAll() error {
	var firstErr error
	for i := len(s.handles) - 1; i >= 0; i-- {
		h := s.handles[i]
		if h.released {
			continue
		}
		if err := s.mounter.Unmount(h.target); err != nil {
			s.logger.Error("unmount failed during teardown", "target", h.target, "error", err)
			if firstErr == nil {
				firstErr = &MountError{Op: "umount", Target: h.target, Err: err}
			}
			continue
		}
		h.released = true
	}
	s.handles = nil
	return firstErr
}
