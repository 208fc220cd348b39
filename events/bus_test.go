package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversOnlyMatchingKind(t *testing.T) {
	bus := NewBus()

	var progress []int
	var completes int
	bus.Subscribe(KindTransferProgress, func(e Event) {
		progress = append(progress, e.Data.(Progress).Percent)
	})
	bus.Subscribe(KindTransferComplete, func(Event) { completes++ })

	for _, pct := range []int{10, 40, 90} {
		bus.Publish(KindTransferProgress, Progress{Percent: pct})
	}

	assert.Equal(t, []int{10, 40, 90}, progress, "one producer's stream arrives in order")
	assert.Zero(t, completes)
	assert.Zero(t, bus.Publish(KindFileReceived, Received{Name: "a.txt"}))
}

func TestSubscriptionCloseIsIdempotentAndStopsDelivery(t *testing.T) {
	bus := NewBus()

	calls := 0
	sub := bus.Subscribe(KindFileReceived, func(Event) { calls++ })
	require.True(t, sub.Active())
	require.Equal(t, 1, bus.Publish(KindFileReceived, Received{}))

	sub.Close()
	sub.Close()

	assert.False(t, sub.Active())
	assert.Zero(t, bus.Publish(KindFileReceived, Received{}))
	assert.Equal(t, 1, calls)
	assert.Zero(t, bus.subscriberCount(KindFileReceived))
}

func TestBusCloseDetachesEverything(t *testing.T) {
	bus := NewBus()
	calls := 0
	first := bus.Subscribe(KindTransferProgress, func(Event) { calls++ })

	bus.Close()
	late := bus.Subscribe(KindTransferProgress, func(Event) { calls++ })

	bus.Publish(KindTransferProgress, Progress{Percent: 1})
	assert.False(t, first.Active())
	assert.False(t, late.Active())
	assert.Zero(t, calls)

	// Closing a subscription after the bus is gone must not panic.
	first.Close()
	late.Close()
}

func TestNilHandlerYieldsInactiveSubscription(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(KindTransferComplete, nil)
	assert.False(t, sub.Active())
	assert.Zero(t, bus.subscriberCount(KindTransferComplete))
	sub.Close()
}

func (b *Bus) subscriberCount(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}
