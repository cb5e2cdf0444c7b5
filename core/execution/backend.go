package execution

import "context"

// ExecutionBackend is implemented by all execution adapters. It is intentionally
// minimal so the relay and outcome logic never depend on how stages are spawned.
//
// Start must either return a handle whose three streams are open and whose
// stages are all spawned (or marked as spawn failures), or release everything
// it created and return an error.
type ExecutionBackend interface {
	Name() string
	Prepare(ctx context.Context) error
	Start(spec ExecutionSpec) (*ExecutionHandle, error)
	// Wait reaps every stage of the handle.
	Wait(h *ExecutionHandle) error
	// Kill forcibly stops every stage not yet reaped. It is safe to call
	// concurrently with Wait.
	Kill(h *ExecutionHandle) error
	// Cleanup releases whatever the handle still owns.
	Cleanup(h *ExecutionHandle) error
}
