package schemas

import "errors"

var (
	// ErrActionTimeout is wrapped by adapters when an action does not complete
	// within the per-action budget.
	ErrActionTimeout = errors.New("action timed out")
	// ErrTargetUnreachable is wrapped by adapters when the surface cannot be
	// launched, attached or contacted. The controller treats it as fatal.
	ErrTargetUnreachable = errors.New("target unreachable")
)
