package supervisor

import "github.com/cuemby/nodeagent/pkg/types"

// Supervisor owns one container instance. start/stop are idempotent
// requests for a goal; close is terminal and releases resources without
// stopping the container (spec §4.3).
type Supervisor interface {
	Start() error
	Stop() error
	Close() error
	Status() types.SupervisorStatus
}

// Factory creates a Supervisor for a committed Execution. Called exactly
// once per Execution lifetime.
type Factory interface {
	Create(id types.JobId, job types.Job, ports map[string]int) (Supervisor, error)
}

// FactoryFunc adapts a plain function to Factory.
type FactoryFunc func(id types.JobId, job types.Job, ports map[string]int) (Supervisor, error)

// Create calls f.
func (f FactoryFunc) Create(id types.JobId, job types.Job, ports map[string]int) (Supervisor, error) {
	return f(id, job, ports)
}
