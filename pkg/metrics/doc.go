// Package metrics exposes Prometheus collectors for the reconciliation
// loop, the reactor, port allocation, and the container supervisor —
// the agent's equivalent of the teacher's pkg/metrics, trimmed to the
// concerns a single agent core has (no cluster/raft/ingress metrics).
package metrics
