// Package reconciler implements the two-pass convergence loop: restart
// exited-0 containers, then reap ERROR instances not restarted this
// cycle. Built on the same periodic ticker-loop shape as a Raft-backed
// manager's reconcile loop, but driven by the storage/runtime/tasks
// collaborators this module actually has, with no consensus layer
// underneath.
package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/srivishnuk/pt-instances-management/pkg/events"
	"github.com/srivishnuk/pt-instances-management/pkg/log"
	"github.com/srivishnuk/pt-instances-management/pkg/metrics"
	"github.com/srivishnuk/pt-instances-management/pkg/portregistry"
	"github.com/srivishnuk/pt-instances-management/pkg/runtime"
	"github.com/srivishnuk/pt-instances-management/pkg/storage"
	"github.com/srivishnuk/pt-instances-management/pkg/tasks"
	"github.com/srivishnuk/pt-instances-management/pkg/types"
)

// ReadyEnqueuer lets the reconciler hand a restarted instance back to the
// coordinator's wait_for_ready job without importing pkg/coordinator and
// creating an import cycle.
type ReadyEnqueuer func(instanceID int64)

// Reconciler drives the restart/reap passes.
type Reconciler struct {
	store     storage.Store
	ports     *portregistry.Registry
	runtime   runtime.Adapter
	engine    *tasks.Engine
	broker    *events.Broker
	onRestart ReadyEnqueuer

	image    string
	interval time.Duration

	logger zerolog.Logger
	mu     sync.Mutex
	stopCh chan struct{}
}

// New wires a Reconciler. image filters the restart pass to containers
// running this module's configured sandbox image tag.
func New(store storage.Store, ports *portregistry.Registry, rt runtime.Adapter, engine *tasks.Engine, broker *events.Broker, image string, interval time.Duration, onRestart ReadyEnqueuer) *Reconciler {
	return &Reconciler{
		store:     store,
		ports:     ports,
		runtime:   rt,
		engine:    engine,
		broker:    broker,
		onRestart: onRestart,
		image:     image,
		interval:  interval,
		logger:    log.WithComponent("reconciler"),
		stopCh:    make(chan struct{}),
	}
}

// Start runs one unconditional pass immediately (startup reconciliation)
// and then begins the periodic ticker loop.
func (r *Reconciler) Start(ctx context.Context) {
	r.RunOnce(ctx)
	go r.run(ctx)
}

// Stop ends the ticker loop.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Msg("reconciler started")
	for {
		select {
		case <-ticker.C:
			r.RunOnce(ctx)
		case <-r.stopCh:
			r.logger.Info().Msg("reconciler stopped")
			return
		}
	}
}

// RunOnce performs one restart pass followed by one reap pass, swallowing
// per-instance errors so one bad row never aborts the cycle.
func (r *Reconciler) RunOnce(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	restarted := r.restartPass(ctx)
	r.reapPass(ctx, restarted)
}

func (r *Reconciler) restartPass(ctx context.Context) map[int64]bool {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.ReconciliationDuration, "restart")
		metrics.ReconciliationCyclesTotal.WithLabelValues("restart", "ok").Inc()
	}()

	restarted := map[int64]bool{}

	exited, err := r.runtime.List(ctx, runtime.ListFilter{Status: runtime.ListStatusExited})
	if err != nil {
		r.logger.Error().Err(err).Msg("listing exited containers")
		return restarted
	}

	for _, summary := range exited {
		if r.image != "" && summary.Image != r.image {
			continue
		}

		inst, err := r.store.GetInstanceByDockerID(summary.ID)
		if err != nil {
			continue // not one of ours
		}
		if !inst.Active() {
			continue
		}

		if summary.Status == runtime.StateExitedZero {
			if err := r.runtime.Start(ctx, inst.DockerID); err != nil {
				r.logger.Warn().Err(err).Int64("instance_id", inst.ID).Msg("restart start failed, marking error")
				inst.Status = types.StatusError
				_ = r.store.UpdateInstance(inst)
				r.broker.Publish(events.Event{Type: events.EventInstanceError, InstanceID: inst.ID, Detail: "restart failed"})
				continue
			}
			inst.Status = types.StatusStarting
			if err := r.store.UpdateInstance(inst); err != nil {
				r.logger.Warn().Err(err).Int64("instance_id", inst.ID).Msg("persisting restarted instance")
				continue
			}
			restarted[inst.ID] = true
			r.broker.Publish(events.Event{Type: events.EventReconcileRestarted, InstanceID: inst.ID})
			if r.onRestart != nil {
				r.onRestart(inst.ID)
			}
		} else {
			inst.Status = types.StatusError
			if err := r.store.UpdateInstance(inst); err != nil {
				r.logger.Warn().Err(err).Int64("instance_id", inst.ID).Msg("marking non-zero exit error")
			}
		}
	}

	return restarted
}

func (r *Reconciler) reapPass(ctx context.Context, restarted map[int64]bool) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.ReconciliationDuration, "reap")
		metrics.ReconciliationCyclesTotal.WithLabelValues("reap", "ok").Inc()
	}()

	instances, err := r.store.ListInstances()
	if err != nil {
		r.logger.Error().Err(err).Msg("listing instances for reap pass")
		return
	}

	for _, inst := range instances {
		if !inst.Active() || inst.Status != types.StatusError || restarted[inst.ID] {
			continue
		}

		now := time.Now()
		inst.DeletedAt = &now
		inst.AllocatedBy = types.AllocationNone
		if err := r.store.UpdateInstance(inst); err != nil {
			r.logger.Warn().Err(err).Int64("instance_id", inst.ID).Msg("marking instance deleted during reap")
			continue
		}

		if err := r.ports.Release(inst.PTPort); err != nil {
			r.logger.Warn().Err(err).Int64("instance_id", inst.ID).Msg("releasing port during reap")
		}

		dockerID := inst.DockerID
		r.engine.Enqueue(tasks.Job{
			Name: "remove_container",
			Fn: func(jobCtx context.Context) error {
				return r.runtime.Remove(jobCtx, dockerID, true)
			},
		})

		r.broker.Publish(events.Event{Type: events.EventReconcileReaped, InstanceID: inst.ID})
	}
}
