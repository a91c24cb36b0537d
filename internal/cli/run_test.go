package cli

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/mwhudson/livefs-editor/pkg/livefs"
)

type nullMounter struct{}

func (nullMounter) Mount(livefs.MountSpec) error { return nil }

func (nullMounter) Unmount(string) error { return nil }

func newRunContext(t *testing.T) *livefs.EditContext {
	t.Helper()
	ec, err := livefs.New(livefs.Options{
		SourcePath: "/nonexistent/source.iso",
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Mounter:    nullMounter{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { ec.Teardown() })
	return ec
}

type scriptedAction struct {
	name string
	run  func(ec *livefs.EditContext) error
}

func (a *scriptedAction) Name() string { return a.name }

func (a *scriptedAction) Run(ec *livefs.EditContext) error { return a.run(ec) }

func TestRunActionsRunsAll(t *testing.T) {
	ec := newRunContext(t)
	var ran []string
	record := func(name string) Call {
		return Call{Name: name, Action: &scriptedAction{name: name, run: func(*livefs.EditContext) error {
			ran = append(ran, name)
			return nil
		}}}
	}
	if err := RunActions(ec, []Call{record("a"), record("b")}); err != nil {
		t.Fatalf("RunActions: %v", err)
	}
	if len(ran) != 2 {
		t.Errorf("ran %v", ran)
	}
}

func TestRunActionsStopsOnFailure(t *testing.T) {
	ec := newRunContext(t)
	boom := errors.New("squashfs broke")
	later := 0
	calls := []Call{
		{Name: "bad", Action: &scriptedAction{name: "bad", run: func(*livefs.EditContext) error { return boom }}},
		{Name: "after", Action: &scriptedAction{name: "after", run: func(*livefs.EditContext) error {
			later++
			return nil
		}}},
	}
	err := RunActions(ec, calls)
	var aerr *livefs.ActionError
	if !errors.As(err, &aerr) {
		t.Fatalf("expected ActionError, got %v", err)
	}
	if aerr.Action != "bad" || !errors.Is(err, boom) {
		t.Errorf("error detail: %v", err)
	}
	if later != 0 {
		t.Error("action after the failure still ran")
	}
	if ec.State() != livefs.StateAborted {
		t.Errorf("state = %s", ec.State())
	}
}

func TestRunActionsStopsOnDirectAbort(t *testing.T) {
	ec := newRunContext(t)
	cause := errors.New("cannot continue")
	later := 0
	calls := []Call{
		{Name: "aborter", Action: &scriptedAction{name: "aborter", run: func(ec *livefs.EditContext) error {
			ec.Abort(cause)
			return nil
		}}},
		{Name: "after", Action: &scriptedAction{name: "after", run: func(*livefs.EditContext) error {
			later++
			return nil
		}}},
	}
	err := RunActions(ec, calls)
	if !errors.Is(err, cause) {
		t.Fatalf("expected the abort cause, got %v", err)
	}
	if later != 0 {
		t.Error("action after the abort still ran")
	}
	if ec.State() != livefs.StateAborted {
		t.Errorf("state = %s", ec.State())
	}
}
