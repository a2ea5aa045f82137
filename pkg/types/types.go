// Package types defines the persisted data model shared by every package in
// this module: ports, instances, allocations and cached files.
package types

import "time"

// Port sentinel values for Port.InstanceID. Any non-negative value is a
// real Instance.ID.
const (
	InstanceIDUnassigned int64 = -2
	InstanceIDReserved   int64 = -1
)

// AllocationNone is the sentinel for Instance.AllocatedBy meaning "not
// currently leased". Allocation ids are monotonic starting at 1, so the
// zero value doubles as NONE.
const AllocationNone int64 = 0

// Port is one entry in the bounded [Lowest, Highest] IPC port range.
type Port struct {
	Number     int   `json:"number"`
	InstanceID int64 `json:"instanceId"`
}

// Available reports whether the port is free to reserve.
func (p Port) Available() bool {
	return p.InstanceID == InstanceIDUnassigned
}

// Status is the persisted lifecycle status of an Instance. Combined with
// AllocatedBy and DeletedAt it yields the observable state machine below.
type Status string

const (
	StatusStarting Status = "STARTING"
	StatusReady    Status = "READY"
	StatusError    Status = "ERROR"
)

// ObservedState is the derived, user-facing state name.
type ObservedState string

const (
	StateStarting  ObservedState = "STARTING"
	StateReady     ObservedState = "READY"
	StateAllocated ObservedState = "ALLOCATED"
	StateError     ObservedState = "ERROR"
	StateFinished  ObservedState = "FINISHED"
)

// Instance is one container plus the system's bookkeeping row describing
// it.
type Instance struct {
	ID          int64      `json:"id"`
	DockerID    string     `json:"dockerId"`
	PTPort      int        `json:"ptPort"`
	VNCPort     int        `json:"vncPort"`
	CreatedAt   time.Time  `json:"createdAt"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
	AllocatedBy int64      `json:"allocatedBy"`
	Status      Status     `json:"status"`
}

// Active reports whether the instance has not been deleted.
func (i *Instance) Active() bool {
	return i.DeletedAt == nil
}

// Allocated reports whether the instance currently has a live lease.
func (i *Instance) Allocated() bool {
	return i.AllocatedBy != AllocationNone
}

// ObservedState derives the user-facing state name from the three
// persisted fields.
func (i *Instance) ObservedState() ObservedState {
	if !i.Active() {
		return StateFinished
	}
	switch i.Status {
	case StatusError:
		return StateError
	case StatusStarting:
		if i.Allocated() {
			return StateAllocated
		}
		return StateStarting
	case StatusReady:
		if i.Allocated() {
			return StateAllocated
		}
		return StateReady
	default:
		return StateError
	}
}

// Allocation is a client lease granting exclusive use of one Instance.
type Allocation struct {
	ID        int64      `json:"id"`
	CreatedAt time.Time  `json:"createdAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

// Current reports whether the allocation has not been returned.
func (a *Allocation) Current() bool {
	return a.DeletedAt == nil
}

// CachedFile maps a source URL to a filename stored on the shared cache
// volume.
type CachedFile struct {
	URL       string    `json:"url"`
	Filename  string    `json:"filename"`
	CreatedAt time.Time `json:"createdAt"`
}
