package runtime

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// DefaultNamespace is the containerd namespace used when
	// NewContainerdRuntime is given an empty namespace.
	DefaultNamespace = "ptpool"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerdRuntime implements Adapter using containerd.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
}

// NewContainerdRuntime connects to a containerd daemon over socketPath,
// scoping every call to namespace. An empty namespace falls back to
// DefaultNamespace.
func NewContainerdRuntime(socketPath, namespace string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: namespace,
	}, nil
}

// Close closes the containerd client connection.
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// PullImage pulls the sandbox image ahead of container creation.
func (r *ContainerdRuntime) PullImage(ctx context.Context, imageRef string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	if _, err := r.client.Pull(ctx, imageRef, containerd.WithPullUnpack); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageRef, err)
	}
	return nil
}

// CreateContainer creates (but does not start) a sandbox container bound
// to spec's ports and volumes. The returned id is the containerd
// container id; callers pass it to Start.
func (r *ContainerdRuntime) CreateContainer(ctx context.Context, spec CreateSpec) (string, []string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		return "", nil, fmt.Errorf("failed to get image %s: %w", spec.Image, err)
	}

	id := fmt.Sprintf("pt-%d-%d", spec.PTHostPort, time.Now().UnixNano())

	// containerd has no Docker-style port-publishing API; sandbox
	// containers run in the host network namespace and bind their
	// listeners directly to the reserved host ports, which the container
	// entrypoint reads back out of these two variables.
	env := append([]string{}, spec.Env...)
	env = append(env,
		fmt.Sprintf("PT_HOST_PORT=%d", spec.PTHostPort),
		fmt.Sprintf("VNC_HOST_PORT=%d", spec.VNCHostPort),
	)

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(env),
		oci.WithHostNamespace(specs.NetworkNamespace),
	}

	var mounts []specs.Mount
	if spec.CacheHostDir != "" {
		mounts = append(mounts, specs.Mount{
			Source:      spec.CacheHostDir,
			Destination: spec.CacheContainerDir,
			Type:        "bind",
			Options:     []string{"ro", "bind"},
		})
	}
	if spec.DataHostDir != "" {
		mounts = append(mounts, specs.Mount{
			Source:      spec.DataHostDir,
			Destination: spec.DataContainerDir,
			Type:        "bind",
			Options:     []string{"rw", "bind"},
		})
	}
	if len(mounts) > 0 {
		opts = append(opts, oci.WithMounts(mounts))
	}

	ctrdContainer, err := r.client.NewContainer(
		ctx,
		id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create container: %w", err)
	}

	// containerd has no notion of a create-time warning the way the
	// Docker daemon does; an empty warnings slice keeps the adapter
	// contract identical across backends.
	return ctrdContainer.ID(), nil, nil
}

// Start creates and starts the container's task.
func (r *ContainerdRuntime) Start(ctx context.Context, id string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", id, err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}

	return nil
}

// Stop sends SIGTERM, waits up to timeout, then SIGKILLs and deletes the
// task.
func (r *ContainerdRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", id, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task means it's already stopped.
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to kill task: %w", err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	return nil
}

// Pause freezes the container's task, implementing the "lease returned to
// the pool" half of the allocate/deallocate cycle.
func (r *ContainerdRuntime) Pause(ctx context.Context, id string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", id, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to get task for %s: %w", id, err)
	}

	if err := task.Pause(ctx); err != nil {
		return fmt.Errorf("failed to pause task: %w", err)
	}
	return nil
}

// Unpause thaws a paused container's task, implementing the "lease
// granted" half of the allocate/deallocate cycle.
func (r *ContainerdRuntime) Unpause(ctx context.Context, id string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", id, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to get task for %s: %w", id, err)
	}

	if err := task.Resume(ctx); err != nil {
		return fmt.Errorf("failed to resume task: %w", err)
	}
	return nil
}

// Remove stops (if force) and deletes a container and its snapshot.
func (r *ContainerdRuntime) Remove(ctx context.Context, id string, force bool) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		// Already gone; Remove is idempotent.
		return nil
	}

	if force {
		if err := r.Stop(ctx, id, 10*time.Second); err != nil {
			// Best effort: still attempt deletion below.
			_ = err
		}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}
	return nil
}

// Inspect reports the container's current run state.
func (r *ContainerdRuntime) Inspect(ctx context.Context, id string) (ContainerState, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return StateUnknown, fmt.Errorf("failed to load container %s: %w", id, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return StateUnknown, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return StateUnknown, fmt.Errorf("failed to get task status: %w", err)
	}

	switch status.Status {
	case containerd.Running:
		return StateRunning, nil
	case containerd.Paused:
		return StatePaused, nil
	case containerd.Stopped:
		if status.ExitStatus == 0 {
			return StateExitedZero, nil
		}
		return StateExitedNonZero, nil
	default:
		return StateUnknown, nil
	}
}

// List enumerates containers in the runtime's namespace, optionally filtered
// by observed status via filter.Status.
func (r *ContainerdRuntime) List(ctx context.Context, filter ListFilter) ([]ContainerSummary, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var summaries []ContainerSummary
	for _, c := range containers {
		info, err := c.Info(ctx)
		if err != nil {
			continue
		}

		state, err := r.Inspect(ctx, c.ID())
		if err != nil {
			continue
		}

		if !matchesFilter(state, filter.Status) {
			continue
		}

		summaries = append(summaries, ContainerSummary{
			ID:     c.ID(),
			Image:  info.Image,
			Status: state,
		})
	}

	return summaries, nil
}

func matchesFilter(state ContainerState, want ListStatus) bool {
	switch want {
	case ListStatusAny:
		return true
	case ListStatusExited:
		return state == StateExitedZero || state == StateExitedNonZero
	case ListStatusRunning:
		return state == StateRunning
	default:
		return false
	}
}
