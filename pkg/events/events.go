// Package events provides an in-memory, non-blocking pub/sub broker used
// to notify observers of instance and allocation lifecycle transitions without coupling the
// coordinator and reconciler to any particular subscriber.
package events

import (
	"sync"
	"time"
)

// EventType identifies what kind of lifecycle transition an Event reports.
type EventType string

const (
	EventInstanceCreated    EventType = "instance.created"
	EventInstanceReady      EventType = "instance.ready"
	EventInstanceError      EventType = "instance.error"
	EventInstanceFinished   EventType = "instance.finished"
	EventAllocationCreated  EventType = "allocation.created"
	EventAllocationDeleted  EventType = "allocation.deleted"
	EventReconcileRestarted EventType = "reconcile.restarted"
	EventReconcileReaped    EventType = "reconcile.reaped"
	EventAdmissionRejected  EventType = "admission.rejected"
)

// Event reports one instance/allocation lifecycle transition. InstanceID
// and AllocationID are left zero when Type doesn't carry one (e.g. a
// bare EventAdmissionRejected has neither).
type Event struct {
	Type         EventType
	Timestamp    time.Time
	InstanceID   int64
	AllocationID int64
	Detail       string
}

// Subscriber receives events published after it subscribed.
type Subscriber chan Event

// subscriberBuffer bounds how far a slow subscriber can fall behind before Publish starts dropping
// events to it instead of blocking the coordinator/reconciler goroutine
// that published them. The pool this module manages is small enough that
// a burst larger than this would itself indicate a stuck subscriber, not
// legitimate load.
const subscriberBuffer = 32

// Broker fans Events out to subscribers. Publish dispatches inline under
// the same lock Subscribe/Unsubscribe use rather than handing events to a
// background goroutine over an intermediate channel: this module's event
// volume tracks the size of the instance pool it manages, not a
// cluster-wide stream, so there is no slow consumer to decouple the
// publisher from beyond the per-subscriber buffer itself.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]struct{}
	closed      bool
}

// NewBroker constructs an unstarted Broker.
func NewBroker() *Broker {
	return &Broker{subscribers: make(map[Subscriber]struct{})}
}

// Start is a no-op kept for symmetry with this module's other components
// (Reconciler, Engine) that do own a background loop; Broker has none,
// since Publish runs synchronously on the caller's goroutine.
func (b *Broker) Start() {}

// Stop closes every current subscriber channel and makes further
// Publish/Subscribe calls no-ops.
func (b *Broker) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subscribers {
		close(sub)
	}
	b.subscribers = nil
}

// Subscribe registers a new Subscriber. Callers must Unsubscribe when
// done to release its buffer. Subscribing after Stop returns a channel
// that will never receive anything.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, subscriberBuffer)
	if !b.closed {
		b.subscribers[sub] = struct{}{}
	}
	return sub
}

// Unsubscribe removes and closes sub. Safe to call after Stop.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish stamps ev.Timestamp if unset and delivers it to every current
// subscriber, dropping it for any subscriber whose buffer is full rather
// than blocking the publisher.
func (b *Broker) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subscribers {
		select {
		case sub <- ev:
		default:
		}
	}
}

// SubscriberCount reports the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
