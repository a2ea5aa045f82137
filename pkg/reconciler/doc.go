// Package reconciler converges persisted Instance state with the runtime's
// observed container state: restarting exited-0 containers and reaping
// ERROR instances the restart pass did not touch this cycle.
package reconciler
