// Package coordinator implements the Lifecycle Coordinator: the public
// operations that create, ready-wait, allocate, deallocate and delete
// Instances. Every mutation is dispatched through Coordinator.apply, a
// single mutex-guarded command switch — the same dispatch idiom as an
// FSM.Apply, without a consensus log underneath it, since this module
// targets a single process rather than a cluster.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/srivishnuk/pt-instances-management/pkg/admission"
	"github.com/srivishnuk/pt-instances-management/pkg/apperr"
	"github.com/srivishnuk/pt-instances-management/pkg/events"
	"github.com/srivishnuk/pt-instances-management/pkg/log"
	"github.com/srivishnuk/pt-instances-management/pkg/metrics"
	"github.com/srivishnuk/pt-instances-management/pkg/portregistry"
	"github.com/srivishnuk/pt-instances-management/pkg/probe"
	"github.com/srivishnuk/pt-instances-management/pkg/runtime"
	"github.com/srivishnuk/pt-instances-management/pkg/storage"
	"github.com/srivishnuk/pt-instances-management/pkg/tasks"
	"github.com/srivishnuk/pt-instances-management/pkg/types"
)

// ContainerConfig describes the sandbox image and its volume layout,
// shared by every created Instance.
type ContainerConfig struct {
	Image             string
	Env               []string
	PTContainerPort   int
	VNCContainerPort  int
	CacheHostDir      string
	CacheContainerDir string
	DataHostDir       string
	DataContainerDir  string
	ProbeHost         string
}

// ReadyPolicy bounds wait_for_ready's retry budget.
type ReadyPolicy struct {
	MaxRetries   int
	Delay        time.Duration
	ProbeTimeout time.Duration
}

// DefaultReadyPolicy: max_retries=3, delay=10s, probe timeout=2s (total
// wall time <= ~38s before ERROR).
var DefaultReadyPolicy = ReadyPolicy{MaxRetries: 3, Delay: 10 * time.Second, ProbeTimeout: 2 * time.Second}

// Coordinator is the Lifecycle Coordinator component.
type Coordinator struct {
	mu sync.Mutex

	store     storage.Store
	ports     *portregistry.Registry
	runtime   runtime.Adapter
	prober    probe.Prober
	admission *admission.Controller
	engine    *tasks.Engine
	broker    *events.Broker

	container ContainerConfig
	ready     ReadyPolicy
}

// New wires a Coordinator from its collaborators.
func New(store storage.Store, ports *portregistry.Registry, rt runtime.Adapter, prober probe.Prober, adm *admission.Controller, engine *tasks.Engine, broker *events.Broker, container ContainerConfig, ready ReadyPolicy) *Coordinator {
	return &Coordinator{
		store:     store,
		ports:     ports,
		runtime:   rt,
		prober:    prober,
		admission: adm,
		engine:    engine,
		broker:    broker,
		container: container,
		ready:     ready,
	}
}

// command is the apply() dispatch envelope, logged at debug level before
// execution for operational traceability — the one piece of a raft-style
// command pattern worth keeping without the consensus machinery.
type command struct {
	Op   string
	Data any
}

// apply serializes every coordinator mutation behind a single mutex, the
// in-process analogue of WarrenFSM.mu guarding WarrenFSM.Apply.
func (c *Coordinator) apply(cmd command, fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if data, err := json.Marshal(cmd.Data); err == nil {
		log.Logger.Debug().Str("op", cmd.Op).RawJSON("data", data).Msg("coordinator apply")
	}
	return fn()
}

// CreateInstance reserves a port, creates and starts a container, persists
// the Instance in STARTING, and enqueues wait_for_ready on the Task Engine
// so the readiness probe runs in the background. Returns the new Instance
// id as soon as the container has started, without waiting for it to
// become ready.
func (c *Coordinator) CreateInstance(ctx context.Context) (int64, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.InstanceCreateDuration)

	if err := c.admission.Check(ctx, admission.Both); err != nil {
		metrics.AdmissionRejectionsTotal.WithLabelValues("create_instance").Inc()
		c.broker.Publish(events.Event{Type: events.EventAdmissionRejected, Detail: "create_instance: " + err.Error()})
		return 0, err
	}

	var instanceID int64
	err := c.apply(command{Op: "create_instance"}, func() error {
		id, innerErr := c.createInstanceLocked(ctx)
		instanceID = id
		return innerErr
	})
	if err != nil {
		return 0, err
	}

	c.enqueueWaitForReady(instanceID)

	return instanceID, nil
}

// enqueueWaitForReady schedules the wait_for_ready job for instanceID,
// marking the instance ERROR if its retry budget is exhausted without it
// ever answering the readiness probe, rather than leaving it stuck in
// STARTING.
func (c *Coordinator) enqueueWaitForReady(instanceID int64) {
	c.engine.Enqueue(tasks.Job{
		Name:   "wait_for_ready",
		Policy: tasks.RetryPolicy{MaxRetries: c.ready.MaxRetries, Delay: c.ready.Delay},
		Fn: func(jobCtx context.Context) error {
			return c.waitForReadyAttempt(jobCtx, instanceID)
		},
		OnExhausted: func(lastErr error) {
			if err := c.markError(instanceID, fmt.Sprintf("readiness probe exhausted retries: %v", lastErr)); err != nil {
				log.Logger.Warn().Err(err).Int64("instance_id", instanceID).Msg("marking error after readiness exhaustion")
			}
		},
	})
}

func (c *Coordinator) createInstanceLocked(ctx context.Context) (int64, error) {
	port, err := c.ports.Allocate()
	if err != nil {
		return 0, err
	}

	vncPort := port.Number + 10000 // hard invariant: vnc_port = pt_port + 10000

	dockerID, warnings, err := c.runtime.CreateContainer(ctx, runtime.CreateSpec{
		Image:             c.container.Image,
		Env:               c.container.Env,
		PTHostPort:        port.Number,
		PTContainerPort:   c.container.PTContainerPort,
		VNCHostPort:       vncPort,
		VNCContainerPort:  c.container.VNCContainerPort,
		CacheHostDir:      c.container.CacheHostDir,
		CacheContainerDir: c.container.CacheContainerDir,
		DataHostDir:       c.container.DataHostDir,
		DataContainerDir:  c.container.DataContainerDir,
	})
	if err != nil || len(warnings) > 0 {
		_ = c.ports.Release(port.Number)
		if err != nil {
			return 0, apperr.Runtime(err, "creating container for port %d", port.Number)
		}
		return 0, apperr.New(apperr.RuntimeError, fmt.Sprintf("container created with warnings: %v", warnings))
	}

	if err := c.runtime.Start(ctx, dockerID); err != nil {
		_ = c.runtime.Remove(ctx, dockerID, true)
		_ = c.ports.Release(port.Number)
		return 0, apperr.Runtime(err, "starting container %s", dockerID)
	}

	inst := &types.Instance{
		DockerID:  dockerID,
		PTPort:    port.Number,
		VNCPort:   vncPort,
		CreatedAt: time.Now(),
		Status:    types.StatusStarting,
	}
	if err := c.store.CreateInstance(inst); err != nil {
		_ = c.runtime.Remove(ctx, dockerID, true)
		_ = c.ports.Release(port.Number)
		return 0, apperr.Runtime(err, "persisting instance")
	}

	if err := c.ports.Assign(port.Number, inst.ID); err != nil {
		return 0, apperr.Runtime(err, "assigning port %d to instance %d", port.Number, inst.ID)
	}

	c.broker.Publish(events.Event{Type: events.EventInstanceCreated, InstanceID: inst.ID, Detail: fmt.Sprintf("created on port %d", port.Number)})
	return inst.ID, nil
}

// waitForReadyAttempt runs one attempt of wait_for_ready. Returning an
// error signals the Task Engine to retry per the job's RetryPolicy; a nil
// error means the instance is no longer STARTING one way or another (it
// reached READY or was marked ERROR), so no further retries should run.
func (c *Coordinator) waitForReadyAttempt(ctx context.Context, instanceID int64) error {
	inst, err := c.store.GetInstance(instanceID)
	if err != nil {
		return apperr.NotFoundf("instance %d", instanceID)
	}

	state, err := c.runtime.Inspect(ctx, inst.DockerID)
	if err != nil || (state != runtime.StateRunning && state != runtime.StatePaused) {
		return c.markError(instanceID, "container not running during readiness check")
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.ready.ProbeTimeout)
	answered, err := c.prober.IsRunning(probeCtx, c.container.ProbeHost, inst.PTPort)
	cancel()
	if err != nil {
		return apperr.Runtime(err, "probing instance %d", instanceID)
	}
	if !answered {
		// Signal the Task Engine to retry; exhaustion is handled by the
		// OnExhausted callback set in enqueueWaitForReady.
		return fmt.Errorf("instance %d not yet answering readiness probe", instanceID)
	}

	return c.apply(command{Op: "mark_ready", Data: instanceID}, func() error {
		return c.markReadyLocked(ctx, instanceID)
	})
}

func (c *Coordinator) markReadyLocked(ctx context.Context, instanceID int64) error {
	inst, err := c.store.GetInstance(instanceID)
	if err != nil {
		return apperr.NotFoundf("instance %d", instanceID)
	}
	inst.Status = types.StatusReady
	if err := c.store.UpdateInstance(inst); err != nil {
		return apperr.Runtime(err, "marking instance %d ready", instanceID)
	}
	c.broker.Publish(events.Event{Type: events.EventInstanceReady, InstanceID: instanceID})

	if !inst.Allocated() {
		// Warm the container: pause it so it waits idle until allocated.
		if err := c.runtime.Pause(ctx, inst.DockerID); err != nil {
			return c.markErrorLockedErr(inst, apperr.Runtime(err, "pausing newly-ready instance %d", instanceID))
		}
	}
	return nil
}

func (c *Coordinator) markError(instanceID int64, reason string) error {
	return c.apply(command{Op: "mark_error", Data: instanceID}, func() error {
		inst, err := c.store.GetInstance(instanceID)
		if err != nil {
			return apperr.NotFoundf("instance %d", instanceID)
		}
		return c.markErrorLockedErr(inst, apperr.New(apperr.RuntimeError, reason))
	})
}

// markErrorLockedErr persists inst as ERROR and publishes cause on an
// EventInstanceError, expecting apply's caller already holds the mutex. It
// returns nil once the ERROR status is stored (cause is not returned), or
// a RUNTIME_ERROR if the store update fails.
func (c *Coordinator) markErrorLockedErr(inst *types.Instance, cause *apperr.Error) error {
	inst.Status = types.StatusError
	if err := c.store.UpdateInstance(inst); err != nil {
		return apperr.Runtime(err, "marking instance %d error", inst.ID)
	}
	c.broker.Publish(events.Event{Type: events.EventInstanceError, InstanceID: inst.ID, Detail: cause.Error()})
	return nil
}

// AllocateInstance admits the request, tries unpausing a deallocated
// candidate (READY first, then STARTING), and falls back to creating a
// brand new instance if none succeed.
func (c *Coordinator) AllocateInstance(ctx context.Context) (int64, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.AllocationDuration)

	if err := c.admission.Check(ctx, admission.Both); err != nil {
		metrics.AdmissionRejectionsTotal.WithLabelValues("allocate_instance").Inc()
		c.broker.Publish(events.Event{Type: events.EventAdmissionRejected, Detail: "allocate_instance: " + err.Error()})
		return 0, err
	}

	var allocationID int64
	err := c.apply(command{Op: "allocate_instance"}, func() error {
		id, innerErr := c.allocateInstanceLocked(ctx)
		allocationID = id
		return innerErr
	})
	if err != nil {
		return 0, err
	}
	return allocationID, nil
}

func (c *Coordinator) allocateInstanceLocked(ctx context.Context) (int64, error) {
	instances, err := c.store.ListInstances()
	if err != nil {
		return 0, apperr.Runtime(err, "listing instances")
	}

	candidates := candidateOrder(instances)
	for _, inst := range candidates {
		if err := c.runtime.Unpause(ctx, inst.DockerID); err != nil {
			_ = c.markErrorLockedErr(inst, apperr.Runtime(err, "unpausing instance %d", inst.ID))
			continue
		}
		return c.openAllocationLocked(inst)
	}

	// No warm candidate: create one inline and allocate it immediately,
	// bypassing the ready-wait since a later wait_for_ready success will
	// pause it right back if it is still unallocated then.
	newID, err := c.createInstanceLocked(ctx)
	if err != nil {
		return 0, err
	}
	inst, err := c.store.GetInstance(newID)
	if err != nil {
		return 0, apperr.Runtime(err, "reloading freshly created instance %d", newID)
	}

	c.enqueueWaitForReady(newID)

	return c.openAllocationLocked(inst)
}

// candidateOrder returns deallocated, active, non-ERROR instances ordered
// READY first then STARTING.
func candidateOrder(instances []*types.Instance) []*types.Instance {
	var ready, starting []*types.Instance
	for _, inst := range instances {
		if !inst.Active() || inst.Allocated() {
			continue
		}
		switch inst.Status {
		case types.StatusReady:
			ready = append(ready, inst)
		case types.StatusStarting:
			starting = append(starting, inst)
		}
	}
	return append(ready, starting...)
}

func (c *Coordinator) openAllocationLocked(inst *types.Instance) (int64, error) {
	alloc := &types.Allocation{CreatedAt: time.Now()}
	if err := c.store.CreateAllocation(alloc); err != nil {
		return 0, apperr.Runtime(err, "creating allocation")
	}
	inst.AllocatedBy = alloc.ID
	if err := c.store.UpdateInstance(inst); err != nil {
		return 0, apperr.Runtime(err, "assigning allocation %d to instance %d", alloc.ID, inst.ID)
	}
	c.broker.Publish(events.Event{Type: events.EventAllocationCreated, InstanceID: inst.ID, AllocationID: alloc.ID})
	return alloc.ID, nil
}

// DeallocateInstance pauses the container and closes the active
// allocation. Deallocating an already-deallocated instance is a no-op
// success.
func (c *Coordinator) DeallocateInstance(ctx context.Context, instanceID int64) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DeallocationDuration)

	return c.apply(command{Op: "deallocate_instance", Data: instanceID}, func() error {
		inst, err := c.store.GetInstance(instanceID)
		if err != nil {
			return apperr.NotFoundf("instance %d", instanceID)
		}
		if !inst.Allocated() {
			return nil
		}

		if err := c.runtime.Pause(ctx, inst.DockerID); err != nil {
			return c.markErrorLockedErr(inst, apperr.Runtime(err, "pausing instance %d", instanceID))
		}

		alloc, err := c.store.GetAllocation(inst.AllocatedBy)
		if err == nil && alloc.Current() {
			now := time.Now()
			alloc.DeletedAt = &now
			_ = c.store.UpdateAllocation(alloc)
			c.broker.Publish(events.Event{Type: events.EventAllocationDeleted, InstanceID: inst.ID, AllocationID: alloc.ID})
		}

		inst.AllocatedBy = types.AllocationNone
		if err := c.store.UpdateInstance(inst); err != nil {
			return apperr.Runtime(err, "clearing allocation on instance %d", instanceID)
		}
		return nil
	})
}

// DeleteInstance closes any active allocation, marks the instance deleted,
// releases its port, and requests container removal.
func (c *Coordinator) DeleteInstance(ctx context.Context, instanceID int64) error {
	return c.apply(command{Op: "delete_instance", Data: instanceID}, func() error {
		inst, err := c.store.GetInstance(instanceID)
		if err != nil {
			return apperr.NotFoundf("instance %d", instanceID)
		}
		if !inst.Active() {
			return nil
		}

		if inst.Allocated() {
			if alloc, err := c.store.GetAllocation(inst.AllocatedBy); err == nil && alloc.Current() {
				now := time.Now()
				alloc.DeletedAt = &now
				_ = c.store.UpdateAllocation(alloc)
			}
		}

		now := time.Now()
		inst.DeletedAt = &now
		inst.AllocatedBy = types.AllocationNone
		if err := c.store.UpdateInstance(inst); err != nil {
			return apperr.Runtime(err, "marking instance %d deleted", instanceID)
		}

		if err := c.ports.Release(inst.PTPort); err != nil {
			log.Logger.Warn().Err(err).Int64("instance_id", instanceID).Msg("releasing port during delete")
		}

		c.engine.Enqueue(tasks.Job{
			Name: "remove_container",
			Fn: func(jobCtx context.Context) error {
				return c.runtime.Remove(jobCtx, inst.DockerID, true)
			},
		})

		c.broker.Publish(events.Event{Type: events.EventInstanceFinished, InstanceID: instanceID})
		return nil
	})
}
