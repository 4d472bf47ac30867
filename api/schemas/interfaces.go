package schemas

import (
	"context"
)

// -- Target Adapter Interface --

// TargetAdapter is the uniform contract over a controllable surface (browser page,
// native window, mobile device). One adapter instance is driven by exactly one Run,
// sequentially; implementations do not need to be safe for concurrent use.
//
// Enumerate and Snapshot must not mutate the surface. All mutation goes through Act.
type TargetAdapter interface {
	// Kind reports which surface family the adapter drives.
	Kind() TargetKind
	// Describe returns the descriptor recorded in the run summary.
	Describe() TargetDescriptor
	// Enumerate lists the actionable elements currently on the surface, in a stable order.
	Enumerate(ctx context.Context) ([]ElementDescriptor, error)
	// Act performs one action against the referenced element. Errors wrapping
	// ErrActionTimeout indicate the per-action budget was exceeded.
	Act(ctx context.Context, element ElementDescriptor, kind ActionKind, payload string) error
	// Snapshot captures best-effort state. It only fails when the surface cannot be
	// reached at all (ErrTargetUnreachable).
	Snapshot(ctx context.Context) (*Snapshot, error)
	// Dispose releases the underlying resources. Calling it more than once is a no-op.
	Dispose(ctx context.Context) error
}
