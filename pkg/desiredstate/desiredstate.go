package desiredstate

import "github.com/cuemby/nodeagent/pkg/types"

// Listener is notified when the desired-task set may have changed. It is
// invoked on an arbitrary goroutine; implementations must not block and
// must forward to something like reactor.Reactor.Update rather than
// doing reconciliation work themselves (spec §6, §9).
type Listener interface {
	OnChange()
}

// ListenerFunc adapts a plain function to Listener.
type ListenerFunc func()

// OnChange calls f.
func (f ListenerFunc) OnChange() { f() }

// Source is the inbound desired-state contract the Reconciler consumes.
// GetTasks must return a stable, cheap snapshot; AddListener registers
// for change notifications.
type Source interface {
	GetTasks() map[types.JobId]types.Task
	AddListener(l Listener)
}
