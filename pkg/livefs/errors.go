package livefs

import "fmt"

// MountError reports a failed kernel mount or unmount. A stuck mount can
// corrupt the next run, so these are always fatal.
type MountError struct {
	Op     string // "mount" or "umount"
	Target string
	Err    error
}

func (e *MountError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

func (e *MountError) Unwrap() error { return e.Err }

// UnknownLayerError reports a layer index outside the source stack. This is
// a caller bug, not an environment problem.
type UnknownLayerError struct {
	Index int
	Count int
}

func (e *UnknownLayerError) Error() string {
	return fmt.Sprintf("unknown layer %d (image has %d layers)", e.Index, e.Count)
}

// ComposeError reports a failed overlay construction, wrapping the
// underlying mount or layer error.
type ComposeError struct {
	Target string
	Err    error
}

func (e *ComposeError) Error() string {
	return fmt.Sprintf("compose overlay at %s: %v", e.Target, e.Err)
}

func (e *ComposeError) Unwrap() error { return e.Err }

// RebuildError reports a failed repack of a regenerable container. A
// half-rebuilt container must never reach the output image.
type RebuildError struct {
	Container string
	Err       error
}

func (e *RebuildError) Error() string {
	return fmt.Sprintf("rebuild container %q: %v", e.Container, e.Err)
}

func (e *RebuildError) Unwrap() error { return e.Err }

// ActionError reports a failure from an action. It aborts the remaining
// actions but is a normal, reportable outcome rather than an engine defect.
type ActionError struct {
	Action string
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %s: %v", e.Action, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }
