// Package reconciler implements the Reactor callback that is the
// algorithmic heart of the agent (spec §4.6): it snapshots desired
// tasks, persisted executions, and supervisor statuses; computes a new
// committed executions map (add/goal-update/reap, the latter folding in
// an immediate close-and-recreate when a re-add arrives before an
// UNDEPLOYed row is actually reaped); persists it
// write-ahead of any supervisor mutation; reconciles the supervisor
// registry; and drives each supervisor's start/stop per the goal ×
// observed-status table.
//
// Grounded on the teacher's pkg/reconciler.Reconciler for the overall
// shape (metrics.Timer-wrapped tick, structured logging per step,
// per-entity error isolation so one bad row doesn't block the rest) —
// generalized from cluster-wide node/container bookkeeping to the
// single-node job/execution model this core owns.
package reconciler
