// Package agent is the lifecycle façade described in spec §4.7: on
// Start it loads the persisted executions map, recreates a Supervisor
// per persisted row using its frozen ports (no re-allocation, I2),
// subscribes to the DesiredStateSource, and starts the Reactor with the
// Reconciler as its callback. On Stop it halts the Reactor and closes
// every supervisor — it never stops a container on shutdown.
//
// Grounded on the teacher's pkg/worker.Worker for the overall
// construct/Start/Stop shape (a Config struct, a constructor, a Start
// that wires dependent components and kicks an initial sync, a Stop
// that tears down in the opposite order) — generalized from a
// multi-goroutine container executor to this core's single
// Reactor-driven loop. Start also wires an events.Broker into the
// registry and reconciler for structured logging of lifecycle
// transitions; it is not on any control path.
package agent
