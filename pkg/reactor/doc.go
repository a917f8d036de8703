// Package reactor implements the agent's edge-triggered, coalescing
// work driver (spec §4.5): update() pokes schedule at most one pending
// callback execution, multiple pokes collapse into one, and a periodic
// timeout drives the callback even with no pokes at all.
//
// Grounded on the teacher's pkg/reconciler.Reconciler ticker-loop shape
// (goroutine, stopCh, select over ticker/stop), generalized from a fixed
// ticker into a wake-channel-plus-pending-flag so Update() can trigger a
// tick immediately rather than waiting for the next tick boundary.
package reactor
