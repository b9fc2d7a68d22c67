package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	b.Publish(&Event{Type: EventSegmentSealed, Message: "sealed"})

	select {
	case e := <-sub:
		require.Equal(t, EventSegmentSealed, e.Type)
		require.NotEmpty(t, e.ID)
		require.False(t, e.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	b.Unsubscribe(sub)
	require.Equal(t, 0, b.SubscriberCount())
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	// overflow the per-subscriber buffer; publishes must not block
	for i := 0; i < 200; i++ {
		b.Publish(&Event{Type: EventNodeJoined})
	}

	// the subscriber still drains up to its buffer
	select {
	case <-sub:
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestStopIdempotent(t *testing.T) {
	b := NewBroker()
	b.Start()
	b.Stop()
	b.Stop()
}
