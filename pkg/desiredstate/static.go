package desiredstate

import (
	"sync"

	"github.com/cuemby/nodeagent/pkg/types"
)

// StaticSource is an in-memory Source whose task map is set directly by
// the embedding process (e.g. a poller that fetched a deployment table
// from the master and calls Set) rather than computed on the fly.
type StaticSource struct {
	mu        sync.Mutex
	tasks     map[types.JobId]types.Task
	listeners []Listener
}

// NewStaticSource returns a StaticSource with an empty initial task set.
func NewStaticSource() *StaticSource {
	return &StaticSource{tasks: make(map[types.JobId]types.Task)}
}

// GetTasks returns a snapshot copy of the current task set.
func (s *StaticSource) GetTasks() map[types.JobId]types.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[types.JobId]types.Task, len(s.tasks))
	for k, v := range s.tasks {
		out[k] = v
	}
	return out
}

// AddListener registers l to be notified on every subsequent Set call.
func (s *StaticSource) AddListener(l Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// Set replaces the task set and notifies every registered listener.
// Notification happens synchronously on the caller's goroutine, after
// the lock is released, so a Listener.OnChange that calls back into
// GetTasks does not deadlock.
func (s *StaticSource) Set(tasks map[types.JobId]types.Task) {
	s.mu.Lock()
	next := make(map[types.JobId]types.Task, len(tasks))
	for k, v := range tasks {
		next[k] = v
	}
	s.tasks = next
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		l.OnChange()
	}
}
