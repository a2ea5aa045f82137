package storage

import (
	"testing"

	"github.com/srivishnuk/pt-instances-management/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestReservePortPicksLowestAvailable(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.InitPorts(50000, 50002))

	p, err := store.ReservePort()
	require.NoError(t, err)
	assert.Equal(t, 50000, p.Number)
	assert.Equal(t, types.InstanceIDReserved, p.InstanceID)

	p2, err := store.ReservePort()
	require.NoError(t, err)
	assert.Equal(t, 50001, p2.Number)
}

func TestReservePortExhaustion(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.InitPorts(50000, 50000))

	_, err := store.ReservePort()
	require.NoError(t, err)

	none, err := store.ReservePort()
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestAssignRequiresReserved(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.InitPorts(50000, 50000))

	err := store.AssignPort(50000, 1)
	assert.Error(t, err)

	_, err = store.ReservePort()
	require.NoError(t, err)
	require.NoError(t, store.AssignPort(50000, 1))

	p, err := store.GetPort(50000)
	require.NoError(t, err)
	assert.EqualValues(t, 1, p.InstanceID)
}

func TestReleasePortIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.InitPorts(50000, 50000))

	require.NoError(t, store.ReleasePort(50000))
	require.NoError(t, store.ReleasePort(50000))

	p, err := store.GetPort(50000)
	require.NoError(t, err)
	assert.True(t, p.Available())
}

func TestInstanceCreateAssignsMonotonicID(t *testing.T) {
	store := newTestStore(t)

	i1 := &types.Instance{DockerID: "d1", PTPort: 50000, VNCPort: 60000, Status: types.StatusStarting}
	i2 := &types.Instance{DockerID: "d2", PTPort: 50001, VNCPort: 60001, Status: types.StatusStarting}

	require.NoError(t, store.CreateInstance(i1))
	require.NoError(t, store.CreateInstance(i2))

	assert.EqualValues(t, 1, i1.ID)
	assert.EqualValues(t, 2, i2.ID)

	got, err := store.GetInstanceByDockerID("d2")
	require.NoError(t, err)
	assert.Equal(t, i2.ID, got.ID)
}

func TestUpdateInstanceRequiresExisting(t *testing.T) {
	store := newTestStore(t)
	err := store.UpdateInstance(&types.Instance{ID: 999})
	assert.Error(t, err)
}

func TestCachedFileCRUD(t *testing.T) {
	store := newTestStore(t)
	cf := &types.CachedFile{URL: "http://example.com/a.pka", Filename: "abc123"}
	require.NoError(t, store.CreateCachedFile(cf))

	got, err := store.GetCachedFile(cf.URL)
	require.NoError(t, err)
	assert.Equal(t, cf.Filename, got.Filename)

	list, err := store.ListCachedFiles()
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, store.DeleteCachedFile(cf.URL))
	_, err = store.GetCachedFile(cf.URL)
	assert.Error(t, err)
}
