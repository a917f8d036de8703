package store

import "github.com/cuemby/nodeagent/pkg/types"

// ExecutionsStore holds one value of type types.ExecutionsMap. Set must
// be atomic and durable: on return, a crash leaves either the old map or
// the new one, never a torn state.
type ExecutionsStore interface {
	// Get returns the current map. On first startup (nothing ever
	// persisted) it returns an empty, non-nil map.
	Get() (types.ExecutionsMap, error)

	// Set durably replaces the whole map. Callers (the Reconciler) must
	// call this before mutating the SupervisorRegistry (write-ahead, I3).
	Set(types.ExecutionsMap) error

	// Close releases any resources held by the store.
	Close() error
}
