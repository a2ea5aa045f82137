// Package runtime implements the Runtime Adapter capability contract
// against containerd.
package runtime

import (
	"context"
	"time"
)

// ContainerState is the adapter's view of a container's run state.
type ContainerState string

const (
	StateRunning    ContainerState = "running"
	StatePaused     ContainerState = "paused"
	StateExitedZero ContainerState = "exited-0"
	StateExitedNonZero ContainerState = "exited-nonzero"
	StateUnknown    ContainerState = "unknown"
)

// CreateSpec describes a sandbox container to create: the Packet Tracer
// image, its IPC and VNC ports, and the cache/data volume mounts it needs
// at creation time.
type CreateSpec struct {
	Image             string
	Env               []string
	PTHostPort        int // host-side port reserved by the Port Registry
	PTContainerPort   int
	VNCHostPort       int // always PTHostPort + 10000, per the hard invariant
	VNCContainerPort  int
	CacheHostDir      string // mounted read-only
	CacheContainerDir string
	DataHostDir       string // shared data-only volume, mounted read-write
	DataContainerDir  string
}

// ContainerSummary is one row of a List result. Status is the adapter's
// typed state rather than a free-text string like "Exited (0)" — this
// edition has no Docker-style text status to parse, so the reconciler
// switches on Status directly instead of regexing an exit code out of a
// string, per the original's try_restart_on_exited_containers.
type ContainerSummary struct {
	ID     string
	Image  string
	Status ContainerState
}

// ListFilter narrows List results to a coarse status, e.g.
// {Status: ListStatusExited}. An empty Status matches everything; Exited
// matches both StateExitedZero and StateExitedNonZero.
type ListFilter struct {
	Status ListStatus
}

// ListStatus is a coarse filter value independent of exit code.
type ListStatus string

const (
	ListStatusAny     ListStatus = ""
	ListStatusExited  ListStatus = "exited"
	ListStatusRunning ListStatus = "running"
)

// Adapter is the capability contract the coordinator and reconciler
// consume. It is a plain interface, not a class hierarchy, so tests can
// swap in a fake without a real containerd daemon.
type Adapter interface {
	CreateContainer(ctx context.Context, spec CreateSpec) (id string, warnings []string, err error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Pause(ctx context.Context, id string) error
	Unpause(ctx context.Context, id string) error
	Remove(ctx context.Context, id string, force bool) error
	Inspect(ctx context.Context, id string) (ContainerState, error)
	List(ctx context.Context, filter ListFilter) ([]ContainerSummary, error)
}
