// Package events is a small in-memory pub/sub broker used purely for
// observability: pkg/reconciler publishes job-lifecycle notifications
// (commit, goal change, reap), pkg/supervisor publishes supervisor
// create/close, and pkg/agent subscribes to log them. No component reads events to decide anything
// — the Reconciler's behavior never depends on what events has
// delivered or dropped.
//
// Grounded on the teacher's pkg/events: same buffered-channel broadcast
// loop and subscriber-map-under-mutex shape, retyped for job lifecycle
// instead of cluster-wide service/node/secret events.
package events
