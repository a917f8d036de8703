// Package types defines the core data model shared by every package in
// the reconciliation engine: jobs, goals, tasks, executions and
// supervisor status.
//
// Nothing in this package talks to disk, the network, or a container
// runtime. It exists so that pkg/store, pkg/reconciler, pkg/supervisor
// and pkg/agent can agree on shapes without importing each other.
package types
