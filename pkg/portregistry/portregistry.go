// Package portregistry exposes the bounded IPC port range as atomic
// reserve/assign/release operations. It is a thin façade over
// storage.Store's port methods: the linearizability guarantee comes from
// BoltDB's single-writer transaction, not from any lock held here.
package portregistry

import (
	"github.com/srivishnuk/pt-instances-management/pkg/apperr"
	"github.com/srivishnuk/pt-instances-management/pkg/storage"
	"github.com/srivishnuk/pt-instances-management/pkg/types"
)

// Registry is the Port Registry component.
type Registry struct {
	store storage.Store
}

// New wraps a Store as a Registry. Init must be called once before use.
func New(store storage.Store) *Registry {
	return &Registry{store: store}
}

// Init populates the registry with the configured port range. Safe to
// call on an existing database; it does not disturb already-assigned
// ports.
func (r *Registry) Init(lowest, highest int) error {
	return r.store.InitPorts(lowest, highest)
}

// Allocate reserves and returns the lowest-numbered available port, or
// an INSUFFICIENT_RESOURCES error if the range is exhausted.
func (r *Registry) Allocate() (*types.Port, error) {
	p, err := r.store.ReservePort()
	if err != nil {
		return nil, apperr.Runtime(err, "reserving port")
	}
	if p == nil {
		return nil, apperr.Insufficient("no free port available")
	}
	return p, nil
}

// Assign binds a previously reserved port to an instance id.
func (r *Registry) Assign(number int, instanceID int64) error {
	if err := r.store.AssignPort(number, instanceID); err != nil {
		return apperr.Runtime(err, "assigning port %d", number)
	}
	return nil
}

// Release returns a port to UNASSIGNED regardless of its prior state.
func (r *Registry) Release(number int) error {
	if err := r.store.ReleasePort(number); err != nil {
		return apperr.Runtime(err, "releasing port %d", number)
	}
	return nil
}

func (r *Registry) Get(number int) (*types.Port, error) {
	p, err := r.store.GetPort(number)
	if err != nil {
		return nil, apperr.NotFoundf("port %d", number)
	}
	return p, nil
}

func (r *Registry) All() ([]*types.Port, error) {
	return r.store.AllPorts()
}

func (r *Registry) Available() ([]*types.Port, error) {
	return r.store.AvailablePorts()
}

func (r *Registry) Unavailable() ([]*types.Port, error) {
	return r.store.UnavailablePorts()
}
