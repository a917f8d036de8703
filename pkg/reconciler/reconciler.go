package reconciler

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cuemby/nodeagent/pkg/desiredstate"
	"github.com/cuemby/nodeagent/pkg/events"
	"github.com/cuemby/nodeagent/pkg/log"
	"github.com/cuemby/nodeagent/pkg/metrics"
	"github.com/cuemby/nodeagent/pkg/portalloc"
	"github.com/cuemby/nodeagent/pkg/store"
	"github.com/cuemby/nodeagent/pkg/supervisor"
	"github.com/cuemby/nodeagent/pkg/types"
)

// OnFatal is invoked when Tick hits a condition spec §7 classifies as
// fatal (persistence failure, invariant violation). The agent is
// expected to stop accepting new work and exit; Tick itself always
// returns (it never panics or blocks), so the Reactor's loop is not
// wedged by a fatal condition — it is the caller's job to act on it.
type OnFatal func(*FatalError)

// Reconciler is the Reactor callback described in spec §4.6. It is not
// safe for concurrent Tick calls; the Reactor's single-threaded
// guarantee is what makes the registry and in-memory committed map
// lock-free.
type Reconciler struct {
	desired   desiredstate.Source
	store     store.ExecutionsStore
	registry  *supervisor.Registry
	allocator *portalloc.Allocator
	onFatal   OnFatal
	logger    zerolog.Logger
	broker    *events.Broker

	committed types.ExecutionsMap
}

// SetEventBroker attaches b so Tick publishes job.committed,
// job.goal_changed and job.reaped notifications. Optional — the
// Reconciler behaves identically without one.
func (r *Reconciler) SetEventBroker(b *events.Broker) {
	r.broker = b
}

func (r *Reconciler) publish(evtType events.EventType, id types.JobId, msg string) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&events.Event{Type: evtType, JobID: id.String(), Message: msg})
}

// New returns a Reconciler whose in-memory committed map starts from
// initial — callers (the Agent) load this from the store exactly once
// at startup and pre-populate registry with a Supervisor per row before
// the first Tick runs, so recovery never re-runs port allocation (I2).
func New(desired desiredstate.Source, st store.ExecutionsStore, registry *supervisor.Registry, allocator *portalloc.Allocator, initial types.ExecutionsMap, onFatal OnFatal) *Reconciler {
	return &Reconciler{
		desired:   desired,
		store:     st,
		registry:  registry,
		allocator: allocator,
		onFatal:   onFatal,
		logger:    log.WithComponent("reconciler"),
		committed: initial.Clone(),
	}
}

// Tick runs exactly one reconciliation pass. It is suitable as a
// reactor.Callback.
func (r *Reconciler) Tick() error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	desired := r.desired.GetTasks()
	statuses := r.snapshotStatuses()

	prev := r.committed
	next, changed := r.computeNext(desired, statuses)

	if changed {
		if err := r.store.Set(next); err != nil {
			fatal := &FatalError{Err: fmt.Errorf("persist executions map: %w", err)}
			r.logger.Error().Err(err).Msg("failed to persist executions map, this is fatal")
			if r.onFatal != nil {
				r.onFatal(fatal)
			}
			return fatal
		}
		r.committed = next
	}

	// A re-added job's fresh execution replaced its UNDEPLOY row under the
	// same JobId; now that the new row is durable, close the stale
	// supervisor so reconcileRegistry creates a fresh one.
	for jobId, exec := range next {
		if old, ok := prev[jobId]; ok && old.Goal == types.GoalUndeploy && exec.Goal != types.GoalUndeploy {
			if err := r.registry.CloseAndRemove(jobId); err != nil {
				r.logger.Warn().Str("job_id", jobId.String()).Err(err).Msg("supervisor close returned an error on re-add")
			}
		}
	}

	r.reconcileRegistry(next)
	r.driveGoals(next)
	r.recordGauges(next)

	return nil
}

func (r *Reconciler) snapshotStatuses() map[types.JobId]types.SupervisorStatus {
	keys := r.registry.Keys()
	out := make(map[types.JobId]types.SupervisorStatus, len(keys))
	for _, id := range keys {
		sup, ok := r.registry.Get(id)
		if !ok {
			continue
		}
		out[id] = sup.Status()
	}
	return out
}

// computeNext applies Add, Goal-update, and Reap to a copy of the
// current committed map and returns it along with whether it differs
// from the input. UNDEPLOY is only ever driven by an explicit desired
// row asking for it (via Goal-update) — a job's mere absence from
// desired never forces UNDEPLOY on its own (B1/S3; spec §9 preserves
// this as the observed behavior rather than the step-2 description of a
// separate Retire pass).
func (r *Reconciler) computeNext(desired map[types.JobId]types.Task, statuses map[types.JobId]types.SupervisorStatus) (types.ExecutionsMap, bool) {
	next := r.committed.Clone()
	changed := false

	// Add: jobId in desired but not yet committed.
	for jobId, task := range desired {
		if _, exists := next[jobId]; exists {
			continue
		}
		inUse := portsInUse(next)
		ports, err := r.allocator.Allocate(task.Job.Ports, inUse)
		if err != nil {
			r.logger.Warn().Str("job_id", jobId.String()).Err(err).Msg("port allocation failed, will retry next tick")
			metrics.PortAllocationFailuresTotal.Inc()
			continue
		}
		next[jobId] = types.Execution{Job: task.Job, Goal: task.Goal, Ports: ports}
		changed = true
		r.publish(events.JobCommitted, jobId, "job committed")
	}

	// Goal update: desired goal differs from committed goal. Covers
	// freshly-added rows too (a no-op there, since Goal already matches).
	// A committed UNDEPLOY row is never goal-updated back toward
	// START/STOP in place: between UNDEPLOY and reap, a re-add is
	// deferred (spec §4.6) — the old supervisor must close and a fresh
	// one take over with newly-allocated ports, which Reap below handles
	// once the row actually quiesces.
	for jobId, task := range desired {
		exec, exists := next[jobId]
		if !exists || exec.Goal == task.Goal {
			continue
		}
		if exec.Goal == types.GoalUndeploy {
			continue
		}
		next[jobId] = exec.WithGoal(task.Goal)
		changed = true
		r.publish(events.JobGoalChanged, jobId, fmt.Sprintf("goal changed to %s", task.Goal))
	}

	// Reap: a committed UNDEPLOY row whose supervisor has quiesced (or
	// never existed) is removed. If the desired row (if any) now wants
	// START or STOP, that is a re-add that arrived before the reap: the
	// stale execution is removed and a fresh execution with
	// newly-allocated ports takes its place in the same tick (Tick closes
	// the stale supervisor after persisting), rather than being
	// resurrected in place (spec
	// §4.6: "between UNDEPLOY and reap, a re-add is deferred").
	var reapCandidates []types.JobId
	for jobId, exec := range next {
		if exec.Goal != types.GoalUndeploy {
			continue
		}
		status, hasSupervisor := statuses[jobId]
		if hasSupervisor && !status.IsDone {
			continue
		}
		reapCandidates = append(reapCandidates, jobId)
	}

	for _, jobId := range reapCandidates {
		delete(next, jobId)
		changed = true
		r.publish(events.JobReaped, jobId, "job reaped")

		task, desiredOk := desired[jobId]
		if !desiredOk || task.Goal == types.GoalUndeploy {
			continue
		}

		inUse := portsInUse(next)
		ports, err := r.allocator.Allocate(task.Job.Ports, inUse)
		if err != nil {
			r.logger.Warn().Str("job_id", jobId.String()).Err(err).Msg("port allocation failed on re-add, will retry next tick")
			metrics.PortAllocationFailuresTotal.Inc()
			continue
		}
		next[jobId] = types.Execution{Job: task.Job, Goal: task.Goal, Ports: ports}
		r.publish(events.JobCommitted, jobId, "job re-committed after undeploy")
	}

	return next, changed
}

func portsInUse(m types.ExecutionsMap) map[int]struct{} {
	out := make(map[int]struct{})
	for _, exec := range m {
		for _, port := range exec.Ports {
			out[port] = struct{}{}
		}
	}
	return out
}

func (r *Reconciler) reconcileRegistry(next types.ExecutionsMap) {
	for jobId, exec := range next {
		if _, ok := r.registry.Get(jobId); ok {
			continue
		}
		if _, err := r.registry.Create(jobId, exec.Job, exec.Ports); err != nil {
			r.logger.Error().Str("job_id", jobId.String()).Err(err).Msg("supervisor creation failed, will retry next tick")
		}
	}

	for _, jobId := range r.registry.Keys() {
		if _, ok := next[jobId]; ok {
			continue
		}
		if err := r.registry.CloseAndRemove(jobId); err != nil {
			r.logger.Warn().Str("job_id", jobId.String()).Err(err).Msg("supervisor close returned an error")
		}
	}
}

func (r *Reconciler) driveGoals(next types.ExecutionsMap) {
	for jobId, exec := range next {
		sup, ok := r.registry.Get(jobId)
		if !ok {
			// creation failed this tick; retried next tick
			continue
		}
		status := sup.Status()

		switch exec.Goal {
		case types.GoalStart:
			if !status.IsStarting {
				if err := sup.Start(); err != nil {
					r.logger.Error().Str("job_id", jobId.String()).Err(err).Msg("start failed")
				}
			}
		case types.GoalStop, types.GoalUndeploy:
			if exec.Goal == types.GoalUndeploy && status.IsDone {
				continue
			}
			if !status.IsStopping {
				if err := sup.Stop(); err != nil {
					r.logger.Error().Str("job_id", jobId.String()).Err(err).Msg("stop failed")
				}
			}
		}
	}
}

func (r *Reconciler) recordGauges(next types.ExecutionsMap) {
	counts := map[types.Goal]int{}
	for _, exec := range next {
		counts[exec.Goal]++
	}
	metrics.ExecutionsTotal.WithLabelValues(string(types.GoalStart)).Set(float64(counts[types.GoalStart]))
	metrics.ExecutionsTotal.WithLabelValues(string(types.GoalStop)).Set(float64(counts[types.GoalStop]))
	metrics.ExecutionsTotal.WithLabelValues(string(types.GoalUndeploy)).Set(float64(counts[types.GoalUndeploy]))
}
