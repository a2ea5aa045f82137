// Package probe implements the Readiness Prober capability: given a
// host:port and timeout, report whether a Packet Tracer IPC endpoint
// answers.
package probe

import "context"

// Prober is the capability contract the coordinator consumes. Like the
// Runtime Adapter, it is a plain interface so tests can swap in a fake
// without an external checker executable.
type Prober interface {
	IsRunning(ctx context.Context, host string, port int) (bool, error)
}
