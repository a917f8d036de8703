package reconciler

import "fmt"

// FatalError wraps a condition that violates an agent invariant (I3's
// write-ahead persistence, or a registry/executions-map mismatch the
// algorithm itself should never produce). Per spec §7 items 3-4, these
// must terminate the agent rather than be retried — the process
// supervisor is expected to restart the agent, which recovers from the
// last durable map.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal reconciler error: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}
