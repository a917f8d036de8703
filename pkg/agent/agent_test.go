package agent

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/nodeagent/pkg/desiredstate"
	"github.com/cuemby/nodeagent/pkg/portalloc"
	"github.com/cuemby/nodeagent/pkg/reconciler"
	"github.com/cuemby/nodeagent/pkg/store"
	"github.com/cuemby/nodeagent/pkg/supervisor"
	"github.com/cuemby/nodeagent/pkg/types"
)

type fakeSupervisor struct {
	mu         sync.Mutex
	startCalls int
	stopCalls  int
	closeCalls int
	status     types.SupervisorStatus
}

func (f *fakeSupervisor) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	f.status.IsStarting = true
	return nil
}

func (f *fakeSupervisor) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	f.status.IsStopping = true
	return nil
}

func (f *fakeSupervisor) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return nil
}

func (f *fakeSupervisor) Status() types.SupervisorStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeSupervisor
}

func (f *fakeFactory) Create(id types.JobId, job types.Job, ports map[string]int) (supervisor.Supervisor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSupervisor{status: types.SupervisorStatus{ObservedState: types.StateCreating}}
	f.created = append(f.created, s)
	return s, nil
}

func (f *fakeFactory) all() []*fakeSupervisor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeSupervisor(nil), f.created...)
}

// S6 / P5 — Agent.Stop closes every supervisor exactly once and never
// calls stop() as a consequence of shutdown.
func TestAgent_S6_StopClosesWithoutStopping(t *testing.T) {
	src := desiredstate.NewStaticSource()
	factory := &fakeFactory{}
	a := New(Config{
		Store:          store.NewMemoryStore(),
		Factory:        factory,
		Desired:        src,
		Allocator:      portalloc.New(portalloc.DefaultRange),
		ReactorTimeout: time.Hour,
	})

	id := types.NewJobID("FOO", "v1", "x")
	job := types.Job{ID: id}
	require.NoError(t, a.Start())
	src.Set(map[types.JobId]types.Task{id: {Job: job, Goal: types.GoalStart}})

	require.Eventually(t, func() bool {
		return len(factory.all()) == 1 && factory.all()[0].startCalls == 1
	}, time.Second, 5*time.Millisecond)

	a.Stop()

	sups := factory.all()
	require.Len(t, sups, 1)
	assert.Equal(t, 1, sups[0].closeCalls)
	assert.Equal(t, 0, sups[0].stopCalls)
}

func TestAgent_StartRecoversPersistedExecutionsWithoutReallocatingPorts(t *testing.T) {
	st := store.NewMemoryStore()
	id := types.NewJobID("FOO", "v1", "x")
	job := types.Job{ID: id, Ports: map[string]types.PortSpec{"p1": {ContainerPort: 80}}}
	persistedPorts := map[string]int{"p1": 30555}
	require.NoError(t, st.Set(types.ExecutionsMap{id: {Job: job, Goal: types.GoalStart, Ports: persistedPorts}}))

	src := desiredstate.NewStaticSource()
	src.Set(map[types.JobId]types.Task{id: {Job: job, Goal: types.GoalStart}})

	factory := &fakeFactory{}
	a := New(Config{
		Store:          st,
		Factory:        factory,
		Desired:        src,
		Allocator:      portalloc.New(portalloc.DefaultRange),
		ReactorTimeout: time.Hour,
	})
	require.NoError(t, a.Start())
	defer a.Stop()

	require.Eventually(t, func() bool { return len(factory.all()) == 1 }, time.Second, 5*time.Millisecond)

	got, err := st.Get()
	require.NoError(t, err)
	assert.Equal(t, persistedPorts, got[id].Ports, "recovery must not re-run port allocation")
}

func TestAgent_OnFatalInvokedOnPersistFailure(t *testing.T) {
	src := desiredstate.NewStaticSource()
	factory := &fakeFactory{}

	var fatalMu sync.Mutex
	var fatalCount int

	a := New(Config{
		Store:          &failingStore{},
		Factory:        factory,
		Desired:        src,
		Allocator:      portalloc.New(portalloc.DefaultRange),
		ReactorTimeout: time.Hour,
		OnFatal: func(fe *reconciler.FatalError) {
			fatalMu.Lock()
			fatalCount++
			fatalMu.Unlock()
		},
	})
	require.NoError(t, a.Start())
	defer a.Stop()

	id := types.NewJobID("FOO", "v1", "x")
	src.Set(map[types.JobId]types.Task{id: {Job: types.Job{ID: id}, Goal: types.GoalStart}})

	require.Eventually(t, func() bool {
		fatalMu.Lock()
		defer fatalMu.Unlock()
		return fatalCount == 1
	}, time.Second, 5*time.Millisecond)
}

type failingStore struct{}

func (f *failingStore) Get() (types.ExecutionsMap, error) { return types.ExecutionsMap{}, nil }
func (f *failingStore) Set(types.ExecutionsMap) error     { return assertError }
func (f *failingStore) Close() error                      { return nil }

type errTest struct{}

func (errTest) Error() string { return "disk full" }

var assertError = errTest{}
