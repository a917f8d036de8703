// Package runtime supplies the core's one concrete, real
// supervisor.Supervisor implementation: ContainerdSupervisor, backed by
// a containerd client.
//
// The core (pkg/supervisor, pkg/reconciler, pkg/agent) only depends on
// the supervisor.Supervisor interface; nothing here is imported by the
// core packages. It exists so cmd/agent has something real to wire up,
// the way the teacher's pkg/runtime gives pkg/worker a real container
// runtime instead of leaving it abstract.
package runtime
