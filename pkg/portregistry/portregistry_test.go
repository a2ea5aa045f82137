package portregistry

import (
	"testing"

	"github.com/srivishnuk/pt-instances-management/pkg/apperr"
	"github.com/srivishnuk/pt-instances-management/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store)
}

func TestZeroSizeRangeAlwaysInsufficient(t *testing.T) {
	r := newRegistry(t)
	require.NoError(t, r.Init(50000, 49999)) // empty range

	_, err := r.Allocate()
	require.Error(t, err)
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.InsufficientResources, appErr.Kind)
}

func TestAllocateAssignRelease(t *testing.T) {
	r := newRegistry(t)
	require.NoError(t, r.Init(50000, 50001))

	p, err := r.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 50000, p.Number)

	require.NoError(t, r.Assign(p.Number, 7))

	got, err := r.Get(p.Number)
	require.NoError(t, err)
	assert.EqualValues(t, 7, got.InstanceID)

	require.NoError(t, r.Release(p.Number))
	got, err = r.Get(p.Number)
	require.NoError(t, err)
	assert.True(t, got.Available())
}
