package reconciler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/nodeagent/pkg/desiredstate"
	"github.com/cuemby/nodeagent/pkg/portalloc"
	"github.com/cuemby/nodeagent/pkg/store"
	"github.com/cuemby/nodeagent/pkg/supervisor"
	"github.com/cuemby/nodeagent/pkg/types"
)

// fakeSupervisor is a controllable in-memory Supervisor double. Tests
// mutate status directly between ticks to simulate runtime progress.
type fakeSupervisor struct {
	id         types.JobId
	job        types.Job
	ports      map[string]int
	startCalls int
	stopCalls  int
	closeCalls int
	status     types.SupervisorStatus
}

func (f *fakeSupervisor) Start() error {
	f.startCalls++
	f.status.IsStarting = true
	f.status.IsStopping = false
	return nil
}

func (f *fakeSupervisor) Stop() error {
	f.stopCalls++
	f.status.IsStopping = true
	f.status.IsStarting = false
	return nil
}

func (f *fakeSupervisor) Close() error {
	f.closeCalls++
	return nil
}

func (f *fakeSupervisor) Status() types.SupervisorStatus {
	return f.status
}

// fakeFactory records every Supervisor it creates, keyed by JobId, so
// tests can reach in and flip status flags between ticks.
type fakeFactory struct {
	created      map[types.JobId]*fakeSupervisor
	allocCallsOf map[string]int // job name -> number of Create calls, to assert fresh allocation in B2
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{created: make(map[types.JobId]*fakeSupervisor), allocCallsOf: make(map[string]int)}
}

func (f *fakeFactory) Create(id types.JobId, job types.Job, ports map[string]int) (supervisor.Supervisor, error) {
	s := &fakeSupervisor{id: id, job: job, ports: ports, status: types.SupervisorStatus{ObservedState: types.StateCreating}}
	f.created[id] = s
	f.allocCallsOf[id.Name]++
	return s, nil
}

func fooJob() types.Job {
	id := types.NewJobID("FOO", "v1", "foo-content")
	return types.Job{
		ID: id,
		Ports: map[string]types.PortSpec{
			"p1": {ContainerPort: 8080},
			"p2": {ContainerPort: 9090, ExternalPort: 12345},
		},
	}
}

func barJob() types.Job {
	id := types.NewJobID("BAR", "v1", "bar-content")
	return types.Job{ID: id}
}

type harness struct {
	src       *desiredstate.StaticSource
	st        store.ExecutionsStore
	registry  *supervisor.Registry
	factory   *fakeFactory
	allocator *portalloc.Allocator
	rec       *Reconciler
	fatals    []*FatalError
}

func newHarness(t *testing.T, initial types.ExecutionsMap) *harness {
	t.Helper()
	h := &harness{
		src:       desiredstate.NewStaticSource(),
		st:        store.NewMemoryStore(),
		factory:   newFakeFactory(),
		allocator: portalloc.New(portalloc.DefaultRange),
	}
	h.registry = supervisor.NewRegistry(h.factory)
	require.NoError(t, h.st.Set(initial))
	h.rec = New(h.src, h.st, h.registry, h.allocator, initial, func(fe *FatalError) {
		h.fatals = append(h.fatals, fe)
	})
	return h
}

func (h *harness) tick(t *testing.T) {
	t.Helper()
	require.NoError(t, h.rec.Tick())
}

func (h *harness) sup(id types.JobId) *fakeSupervisor {
	return h.factory.created[id]
}

// S1 — cold start of two jobs.
func TestReconciler_S1_ColdStartTwoJobs(t *testing.T) {
	h := newHarness(t, types.ExecutionsMap{})
	foo, bar := fooJob(), barJob()
	h.src.Set(map[types.JobId]types.Task{
		foo.ID: {Job: foo, Goal: types.GoalStart},
		bar.ID: {Job: bar, Goal: types.GoalStart},
	})

	h.tick(t)

	got, err := h.st.Get()
	require.NoError(t, err)
	require.Contains(t, got, foo.ID)
	require.Contains(t, got, bar.ID)
}

// S1 continued, focused on call counts and port disjointness (dynamic
// port values aren't asserted literally; what matters is structure).
func TestReconciler_S1_CallCountsAndIdempotentSecondTick(t *testing.T) {
	h := newHarness(t, types.ExecutionsMap{})
	foo, bar := fooJob(), barJob()
	h.src.Set(map[types.JobId]types.Task{
		foo.ID: {Job: foo, Goal: types.GoalStart},
		bar.ID: {Job: bar, Goal: types.GoalStart},
	})

	h.tick(t)

	fooSup := h.sup(foo.ID)
	barSup := h.sup(bar.ID)
	require.NotNil(t, fooSup)
	require.NotNil(t, barSup)
	assert.Equal(t, 1, fooSup.startCalls)
	assert.Equal(t, 1, barSup.startCalls)

	got, err := h.st.Get()
	require.NoError(t, err)
	assert.Equal(t, 12345, got[foo.ID].Ports["p2"]) // static port honored exactly
	assert.NotEqual(t, got[foo.ID].Ports["p1"], got[foo.ID].Ports["p2"])

	// R1: second tick with isStarting=true now, no further calls.
	fooSup.status.IsStarting = true
	barSup.status.IsStarting = true
	h.tick(t)
	assert.Equal(t, 1, fooSup.startCalls)
	assert.Equal(t, 1, barSup.startCalls)
}

// S2 — recovery with divergent goals; persisted ports must not be
// re-allocated.
func TestReconciler_S2_RecoveryDivergentGoals(t *testing.T) {
	foo, bar := fooJob(), barJob()
	persisted := types.ExecutionsMap{
		foo.ID: {Job: foo, Goal: types.GoalStart, Ports: map[string]int{}},
		bar.ID: {Job: bar, Goal: types.GoalStart, Ports: map[string]int{}},
	}
	h := newHarness(t, persisted)

	// Agent pre-creates supervisors with persisted ports before any Tick.
	fooSup, err := h.registry.Create(foo.ID, foo, map[string]int{})
	require.NoError(t, err)
	barSup, err := h.registry.Create(bar.ID, bar, map[string]int{})
	require.NoError(t, err)

	h.src.Set(map[types.JobId]types.Task{
		foo.ID: {Job: foo, Goal: types.GoalStart},
		bar.ID: {Job: bar, Goal: types.GoalStop},
	})

	h.tick(t)

	assert.Equal(t, 1, fooSup.(*fakeSupervisor).startCalls)
	assert.Equal(t, 1, barSup.(*fakeSupervisor).stopCalls)
	assert.Len(t, h.factory.allocCallsOf, 2, "no new supervisors beyond the two pre-created ones")

	fooSup.(*fakeSupervisor).status.IsStarting = true
	barSup.(*fakeSupervisor).status.IsStopping = true
	barSup.(*fakeSupervisor).status.IsDone = true
	h.tick(t)
	assert.Equal(t, 1, fooSup.(*fakeSupervisor).startCalls)
	assert.Equal(t, 1, barSup.(*fakeSupervisor).stopCalls)
}

// S3 — recovery with no desired instructions: FOO keeps running, it is
// not stopped by the mere absence of a desired row.
func TestReconciler_S3_RecoveryWithNoDesiredInstructions(t *testing.T) {
	foo := fooJob()
	persisted := types.ExecutionsMap{foo.ID: {Job: foo, Goal: types.GoalStart, Ports: map[string]int{"p1": 30000, "p2": 12345}}}
	h := newHarness(t, persisted)
	_, err := h.registry.Create(foo.ID, foo, persisted[foo.ID].Ports)
	require.NoError(t, err)

	// desired is empty
	h.tick(t)

	fooSup := h.sup(foo.ID)
	assert.Equal(t, 1, fooSup.startCalls)
	assert.Equal(t, 0, fooSup.stopCalls)

	got, err := h.st.Get()
	require.NoError(t, err)
	assert.Equal(t, types.GoalStart, got[foo.ID].Goal, "goal is not forced to UNDEPLOY by absence alone")
}

// S4 — undeploy honored on recovery.
func TestReconciler_S4_UndeployHonoredOnRecovery(t *testing.T) {
	foo := fooJob()
	persisted := types.ExecutionsMap{foo.ID: {Job: foo, Goal: types.GoalStart, Ports: map[string]int{"p1": 30000, "p2": 12345}}}
	h := newHarness(t, persisted)
	_, err := h.registry.Create(foo.ID, foo, persisted[foo.ID].Ports)
	require.NoError(t, err)

	h.src.Set(map[types.JobId]types.Task{foo.ID: {Job: foo, Goal: types.GoalUndeploy}})

	h.tick(t)
	fooSup := h.sup(foo.ID)
	assert.Equal(t, 1, fooSup.stopCalls)
	assert.Equal(t, 0, fooSup.startCalls)

	fooSup.status.IsStopping = true
	fooSup.status.IsDone = true
	fooSup.status.ObservedState = types.StateStopped
	h.tick(t) // reaped here: removed from map, supervisor closed

	assert.Equal(t, 1, fooSup.closeCalls)
	got, err := h.st.Get()
	require.NoError(t, err)
	assert.NotContains(t, got, foo.ID)
}

// S5 / B1 — removing a desired row without UNDEPLOY does not stop the
// supervisor; an explicit UNDEPLOY does; re-adding START after reap
// allocates fresh ports and a fresh supervisor (B2).
func TestReconciler_S5_BadStopVsGoodStop(t *testing.T) {
	foo := fooJob()
	h := newHarness(t, types.ExecutionsMap{})
	h.src.Set(map[types.JobId]types.Task{foo.ID: {Job: foo, Goal: types.GoalStart}})
	h.tick(t)

	firstSup := h.sup(foo.ID)
	require.Equal(t, 1, firstSup.startCalls)

	// B1: remove FOO from desired without UNDEPLOY.
	h.src.Set(map[types.JobId]types.Task{})
	h.tick(t)
	assert.Equal(t, 0, firstSup.stopCalls, "B1: deletion alone must not stop")

	// now UNDEPLOY explicitly.
	h.src.Set(map[types.JobId]types.Task{foo.ID: {Job: foo, Goal: types.GoalUndeploy}})
	h.tick(t)
	assert.Equal(t, 1, firstSup.stopCalls)

	firstSup.status.IsStopping = true
	firstSup.status.IsDone = true
	firstSup.status.ObservedState = types.StateStopped

	// re-add START: old supervisor is closed, reaped, fresh one created.
	h.src.Set(map[types.JobId]types.Task{foo.ID: {Job: foo, Goal: types.GoalStart}})
	h.tick(t)

	assert.Equal(t, 1, firstSup.closeCalls)
	secondSup := h.sup(foo.ID)
	assert.NotSame(t, firstSup, secondSup)
	assert.Equal(t, 1, secondSup.startCalls)
	// B2 only requires that re-allocation actually ran, not that it land on a
	// different port: the allocator is a deterministic lowest-free scan, so
	// freeing the old port makes it the new lowest-free port again.
	assert.Equal(t, 2, h.factory.allocCallsOf["FOO"], "PortAllocator/factory invoked a second time")
}

// B3 — a PortAllocator failure for one job does not block others.
func TestReconciler_B3_PortConflictDoesNotBlockOtherJobs(t *testing.T) {
	foo, bar := fooJob(), barJob()
	// Pre-seed the static port FOO wants so its own allocation fails.
	seeded := types.ExecutionsMap{
		types.NewJobID("taken", "v1", "x"): {
			Job:   types.Job{ID: types.NewJobID("taken", "v1", "x")},
			Goal:  types.GoalStart,
			Ports: map[string]int{"x": 12345},
		},
	}
	h := newHarness(t, seeded)
	_, err := h.registry.Create(types.NewJobID("taken", "v1", "x"), types.Job{}, map[string]int{"x": 12345})
	require.NoError(t, err)

	h.src.Set(map[types.JobId]types.Task{
		foo.ID: {Job: foo, Goal: types.GoalStart}, // wants static 12345, will conflict
		bar.ID: {Job: bar, Goal: types.GoalStart},
	})

	h.tick(t)

	assert.Nil(t, h.sup(foo.ID), "FOO's supervisor was never created, allocation failed")
	require.NotNil(t, h.sup(bar.ID))
	assert.Equal(t, 1, h.sup(bar.ID).startCalls)
}

// P1 — between ticks, keys(registry) == keys(ExecutionsMap).
func TestReconciler_P1_RegistryKeysMatchExecutionsMapAfterTick(t *testing.T) {
	foo, bar := fooJob(), barJob()
	h := newHarness(t, types.ExecutionsMap{})
	h.src.Set(map[types.JobId]types.Task{
		foo.ID: {Job: foo, Goal: types.GoalStart},
		bar.ID: {Job: bar, Goal: types.GoalStart},
	})
	h.tick(t)

	got, err := h.st.Get()
	require.NoError(t, err)
	assert.ElementsMatch(t, h.registry.Keys(), keysOf(got))
}

func keysOf(m types.ExecutionsMap) []types.JobId {
	out := make([]types.JobId, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
