package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := NewBroker()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(Event{Type: EventInstanceReady, InstanceID: 1})

	select {
	case evt := <-sub:
		assert.Equal(t, EventInstanceReady, evt.Type)
		assert.Equal(t, int64(1), evt.InstanceID)
		assert.False(t, evt.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	require.Equal(t, 0, b.SubscriberCount())
}

func TestPublishDropsWhenSubscriberBufferFull(t *testing.T) {
	b := NewBroker()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish(Event{Type: EventInstanceCreated, InstanceID: int64(i)})
	}

	assert.Len(t, sub, subscriberBuffer)
}

func TestStopClosesSubscriberChannels(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()

	b.Stop()

	_, ok := <-sub
	assert.False(t, ok, "subscriber channel should be closed after Stop")

	require.Equal(t, 0, b.SubscriberCount())
}
