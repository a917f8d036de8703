// Package desiredstate defines the inbound DesiredStateSource interface
// (spec §6) the Reconciler reads each tick, plus StaticSource, an
// in-memory implementation used by the core's own tests and by any
// caller that pushes desired state directly rather than subscribing to
// a master. Grounded on the teacher's pkg/events.Broker subscriber-list
// shape for listener fan-out.
package desiredstate
