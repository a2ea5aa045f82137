// Package storage persists Ports, Instances, Allocations and CachedFiles.
package storage

import "github.com/srivishnuk/pt-instances-management/pkg/types"

// Store is the persistence contract used by the coordinator, reconciler
// and façade. Every mutator is an atomic read-modify-write against its
// underlying transaction; callers never need an external lock around a
// single Store call. Stores are explicit collaborators passed into
// handlers and jobs, never ambient singletons.
type Store interface {
	// Ports
	InitPorts(lowest, highest int) error
	GetPort(number int) (*types.Port, error)
	AllPorts() ([]*types.Port, error)
	AvailablePorts() ([]*types.Port, error)
	UnavailablePorts() ([]*types.Port, error)
	ReservePort() (*types.Port, error)
	AssignPort(number int, instanceID int64) error
	ReleasePort(number int) error

	// Instances
	CreateInstance(inst *types.Instance) error
	GetInstance(id int64) (*types.Instance, error)
	GetInstanceByDockerID(dockerID string) (*types.Instance, error)
	ListInstances() ([]*types.Instance, error)
	UpdateInstance(inst *types.Instance) error

	// Allocations
	CreateAllocation(alloc *types.Allocation) error
	GetAllocation(id int64) (*types.Allocation, error)
	ListAllocations() ([]*types.Allocation, error)
	UpdateAllocation(alloc *types.Allocation) error

	// CachedFiles
	CreateCachedFile(cf *types.CachedFile) error
	GetCachedFile(url string) (*types.CachedFile, error)
	ListCachedFiles() ([]*types.CachedFile, error)
	DeleteCachedFile(url string) error

	Close() error
}
