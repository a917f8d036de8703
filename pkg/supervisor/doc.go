// Package supervisor defines the Supervisor capability set the core
// consumes (start, stop, close, status) and a process-local Registry
// mapping JobId to Supervisor.
//
// Concrete Supervisor implementations (a real container runtime) live
// outside this package — see pkg/runtime for the containerd-backed one.
// Only the Reconciler reads or writes a Registry while the Reactor runs
// (the Agent touches it only before the Reactor starts and after it
// stops); that exclusivity is what lets the reconciliation tick run
// lock-free (spec §5).
package supervisor
