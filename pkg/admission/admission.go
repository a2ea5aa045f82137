// Package admission implements the Admission Controller: a pure,
// side-effect-free check of host CPU and memory utilization against
// configured thresholds.
package admission

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/srivishnuk/pt-instances-management/pkg/apperr"
)

// Check is a bitmask selecting which thresholds to evaluate, following
// the original cancellable decorator's check=('cpu', 'memory') parameter.
type Check uint8

const (
	CPU Check = 1 << iota
	Memory
)

const Both = CPU | Memory

// Thresholds are the configured percentages at or above which admission
// is denied.
type Thresholds struct {
	CPUPercent    float64
	MemoryPercent float64
}

// Controller evaluates Thresholds against live host samples.
type Controller struct {
	thresholds Thresholds
	// sampleInterval is the blocking window used for the CPU sample; a
	// short non-zero interval is required for an accurate reading, per
	// gopsutil's own cpu.Percent documentation and the original's
	// psutil.cpu_percent(interval=0.1) usage.
	sampleInterval time.Duration
}

func New(thresholds Thresholds) *Controller {
	return &Controller{thresholds: thresholds, sampleInterval: 100 * time.Millisecond}
}

// Check blocks for up to c.sampleInterval (when CPU is part of which) to
// take an accurate CPU sample, then returns an INSUFFICIENT_RESOURCES
// error naming the offending percentage if any requested threshold is met
// or exceeded.
func (c *Controller) Check(ctx context.Context, which Check) error {
	if which&Memory != 0 {
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return apperr.Runtime(err, "sampling memory utilization")
		}
		if vm.UsedPercent >= c.thresholds.MemoryPercent {
			return apperr.Insufficient("not enough memory: currently using %.2f%%", vm.UsedPercent)
		}
	}

	if which&CPU != 0 {
		percents, err := cpu.PercentWithContext(ctx, c.sampleInterval, false)
		if err != nil {
			return apperr.Runtime(err, "sampling CPU utilization")
		}
		if len(percents) > 0 && percents[0] >= c.thresholds.CPUPercent {
			return apperr.Insufficient("not enough CPU: currently using %.2f%%", percents[0])
		}
	}

	return nil
}
