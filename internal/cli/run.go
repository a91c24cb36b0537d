package cli

import (
	"github.com/mwhudson/livefs-editor/pkg/livefs"
)

// RunActions executes the bound actions in order. A failed action aborts
// the run and stops the sequence; so does an action that aborts the context
// directly and returns nil.
func RunActions(ec *livefs.EditContext, calls []Call) error {
	for _, call := range calls {
		ec.Logger().Info("running action", "action", call.Name)
		if err := call.Action.Run(ec); err != nil {
			aerr := &livefs.ActionError{Action: call.Name, Err: err}
			ec.Abort(aerr)
			return aerr
		}
		if ec.State() == livefs.StateAborted {
			return ec.Err()
		}
	}
	return nil
}
