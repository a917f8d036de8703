package supervisor

import (
	"github.com/cuemby/nodeagent/pkg/events"
	"github.com/cuemby/nodeagent/pkg/types"
)

// Registry is the process-local JobId -> Supervisor table. Per spec §5,
// the Registry is mutated only from inside a single reconciliation tick
// (the Reactor's serialized callback), or by the Agent before the
// Reactor starts and after it stops, so it carries no internal lock —
// adding one would hide, not prevent, a caller that broke that
// assumption.
type Registry struct {
	factory     Factory
	supervisors map[types.JobId]Supervisor
	broker      *events.Broker
}

// NewRegistry returns an empty Registry that creates Supervisors via
// factory.
func NewRegistry(factory Factory) *Registry {
	return &Registry{
		factory:     factory,
		supervisors: make(map[types.JobId]Supervisor),
	}
}

// SetEventBroker attaches b so Create/CloseAndRemove publish
// supervisor.created/supervisor.closed notifications. Optional — a
// Registry with no broker behaves exactly as before.
func (r *Registry) SetEventBroker(b *events.Broker) {
	r.broker = b
}

func (r *Registry) publish(evtType events.EventType, id types.JobId, msg string) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&events.Event{Type: evtType, JobID: id.String(), Message: msg})
}

// Get returns the Supervisor for id, if any.
func (r *Registry) Get(id types.JobId) (Supervisor, bool) {
	s, ok := r.supervisors[id]
	return s, ok
}

// Keys returns the current set of registered JobIds.
func (r *Registry) Keys() []types.JobId {
	keys := make([]types.JobId, 0, len(r.supervisors))
	for k := range r.supervisors {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of registered supervisors.
func (r *Registry) Len() int {
	return len(r.supervisors)
}

// Create builds a Supervisor for id via the factory, registers it, and
// returns it. Callers must not call Create twice for the same id without
// an intervening Remove.
func (r *Registry) Create(id types.JobId, job types.Job, ports map[string]int) (Supervisor, error) {
	s, err := r.factory.Create(id, job, ports)
	if err != nil {
		return nil, err
	}
	r.supervisors[id] = s
	r.publish(events.SupervisorCreated, id, "supervisor created")
	return s, nil
}

// Remove deletes id from the registry without closing its Supervisor —
// callers are expected to Close() before calling Remove, or to use
// CloseAndRemove instead.
func (r *Registry) Remove(id types.JobId) {
	delete(r.supervisors, id)
}

// CloseAndRemove closes the Supervisor registered for id (if any) and
// removes it from the registry regardless of the close error, so a
// misbehaving Supervisor can never wedge the registry out of sync with
// the executions map (invariant I1).
func (r *Registry) CloseAndRemove(id types.JobId) error {
	s, ok := r.supervisors[id]
	if !ok {
		return nil
	}
	delete(r.supervisors, id)
	err := s.Close()
	r.publish(events.SupervisorClosed, id, "supervisor closed")
	return err
}
