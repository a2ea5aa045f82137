package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srivishnuk/pt-instances-management/pkg/admission"
	"github.com/srivishnuk/pt-instances-management/pkg/events"
	"github.com/srivishnuk/pt-instances-management/pkg/log"
	"github.com/srivishnuk/pt-instances-management/pkg/portregistry"
	"github.com/srivishnuk/pt-instances-management/pkg/runtime"
	"github.com/srivishnuk/pt-instances-management/pkg/storage"
	"github.com/srivishnuk/pt-instances-management/pkg/tasks"
	"github.com/srivishnuk/pt-instances-management/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

// fakeRuntime is an in-memory Adapter double; no containerd daemon needed.
type fakeRuntime struct {
	mu      sync.Mutex
	state   map[string]runtime.ContainerState
	nextID  int
	failCreate bool
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{state: map[string]runtime.ContainerState{}}
}

func (f *fakeRuntime) CreateContainer(ctx context.Context, spec runtime.CreateSpec) (string, []string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate {
		return "", nil, assertError("create failed")
	}
	f.nextID++
	id := "container-fake"
	id = id + "-" + time.Now().String()
	f.state[id] = runtime.StateUnknown
	return id, nil, nil
}

func (f *fakeRuntime) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state[id] = runtime.StateRunning
	return nil
}

func (f *fakeRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error { return nil }

func (f *fakeRuntime) Pause(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state[id] = runtime.StatePaused
	return nil
}

func (f *fakeRuntime) Unpause(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state[id] = runtime.StateRunning
	return nil
}

func (f *fakeRuntime) Remove(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.state, id)
	return nil
}

func (f *fakeRuntime) Inspect(ctx context.Context, id string) (runtime.ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.state[id]
	if !ok {
		return runtime.StateUnknown, assertError("not found")
	}
	return st, nil
}

func (f *fakeRuntime) List(ctx context.Context, filter runtime.ListFilter) ([]runtime.ContainerSummary, error) {
	return nil, nil
}

type assertError string

func (e assertError) Error() string { return string(e) }

// fakeProber immediately returns its fixed answers value.
type fakeProber struct{ answers bool }

func (f *fakeProber) IsRunning(ctx context.Context, host string, port int) (bool, error) {
	return f.answers, nil
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestCoordinator(t *testing.T, rt runtime.Adapter, prober *fakeProber) (*Coordinator, storage.Store) {
	t.Helper()
	store := newTestStore(t)
	ports := portregistry.New(store)
	require.NoError(t, ports.Init(30000, 30010))

	adm := admission.New(admission.Thresholds{CPUPercent: 100, MemoryPercent: 100})
	engine := tasks.New(2)
	t.Cleanup(engine.Stop)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	cfg := ContainerConfig{Image: "ptpool/instance:latest", PTContainerPort: 80, VNCContainerPort: 10080, ProbeHost: "127.0.0.1"}
	co := New(store, ports, rt, prober, adm, engine, broker, cfg, ReadyPolicy{MaxRetries: 1, Delay: 10 * time.Millisecond, ProbeTimeout: time.Second})
	return co, store
}

func TestCreateInstanceReservesPortAndStarts(t *testing.T) {
	rt := newFakeRuntime()
	co, store := newTestCoordinator(t, rt, &fakeProber{answers: true})

	id, err := co.CreateInstance(context.Background())
	require.NoError(t, err)

	inst, err := store.GetInstance(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusStarting, inst.Status)
	assert.Equal(t, inst.PTPort+10000, inst.VNCPort)

	port, err := store.GetPort(inst.PTPort)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, port.InstanceID)
}

func TestCreateInstanceReleasesPortOnCreateFailure(t *testing.T) {
	rt := newFakeRuntime()
	rt.failCreate = true
	co, store := newTestCoordinator(t, rt, &fakeProber{answers: true})

	_, err := co.CreateInstance(context.Background())
	require.Error(t, err)

	available, err := store.AvailablePorts()
	require.NoError(t, err)
	assert.Len(t, available, 11) // full range [30000,30010] back to UNASSIGNED
}

func TestAllocateInstanceCreatesWhenNoneWarm(t *testing.T) {
	rt := newFakeRuntime()
	co, store := newTestCoordinator(t, rt, &fakeProber{answers: true})

	allocID, err := co.AllocateInstance(context.Background())
	require.NoError(t, err)
	assert.NotZero(t, allocID)

	instances, err := store.ListInstances()
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, allocID, instances[0].AllocatedBy)
}

func TestAllocateInstancePrefersReadyCandidate(t *testing.T) {
	rt := newFakeRuntime()
	co, store := newTestCoordinator(t, rt, &fakeProber{answers: true})

	port, err := store.ReservePort()
	require.NoError(t, err)
	inst := &types.Instance{DockerID: "warm-1", PTPort: port.Number, VNCPort: port.Number + 10000, CreatedAt: time.Now(), Status: types.StatusReady}
	require.NoError(t, store.CreateInstance(inst))
	require.NoError(t, store.AssignPort(port.Number, inst.ID))
	rt.state[inst.DockerID] = runtime.StatePaused

	allocID, err := co.AllocateInstance(context.Background())
	require.NoError(t, err)

	instances, err := store.ListInstances()
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, allocID, instances[0].AllocatedBy)
	assert.Equal(t, runtime.StateRunning, rt.state["warm-1"])
}

func TestDeallocateInstanceIsNoOpWhenNotAllocated(t *testing.T) {
	rt := newFakeRuntime()
	co, store := newTestCoordinator(t, rt, &fakeProber{answers: true})

	port, err := store.ReservePort()
	require.NoError(t, err)
	inst := &types.Instance{DockerID: "idle-1", PTPort: port.Number, VNCPort: port.Number + 10000, CreatedAt: time.Now(), Status: types.StatusReady}
	require.NoError(t, store.CreateInstance(inst))

	require.NoError(t, co.DeallocateInstance(context.Background(), inst.ID))
}

func TestDeleteInstanceReleasesPortAndClosesAllocation(t *testing.T) {
	rt := newFakeRuntime()
	co, store := newTestCoordinator(t, rt, &fakeProber{answers: true})

	allocID, err := co.AllocateInstance(context.Background())
	require.NoError(t, err)

	instances, err := store.ListInstances()
	require.NoError(t, err)
	require.Len(t, instances, 1)
	instanceID := instances[0].ID
	port := instances[0].PTPort

	require.NoError(t, co.DeleteInstance(context.Background(), instanceID))

	inst, err := store.GetInstance(instanceID)
	require.NoError(t, err)
	assert.False(t, inst.Active())

	alloc, err := store.GetAllocation(allocID)
	require.NoError(t, err)
	assert.False(t, alloc.Current())

	p, err := store.GetPort(port)
	require.NoError(t, err)
	assert.True(t, p.Available())
}
