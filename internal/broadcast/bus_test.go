package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/pixelcanvas/internal/domain"
)

var (
	testMetricsOnce sync.Once
	testMetrics     *Metrics
)

// sharedTestMetrics returns one Metrics instance for the whole test binary.
// promauto registers against the default registry, and NewBus builds a
// fresh Metrics whenever it is passed nil; constructing it once here avoids
// a duplicate-collector panic across this file's test functions.
func sharedTestMetrics() *Metrics {
	testMetricsOnce.Do(func() {
		testMetrics = NewMetrics()
	})
	return testMetrics
}

func TestBus_SubscribeAndPublish(t *testing.T) {
	bus := NewBus(sharedTestMetrics())
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	assert.Equal(t, 1, bus.SubscriberCount())

	event := domain.DrawEvent{X: 1, Y: 2, RGB: domain.RGB{3, 4, 5}}
	bus.Publish(event)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, lag, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Zero(t, lag)
	assert.Equal(t, event, got)
}

func TestBus_Unsubscribe_StopsDelivery(t *testing.T) {
	bus := NewBus(sharedTestMetrics())
	sub := bus.Subscribe()
	bus.Unsubscribe(sub)

	assert.Equal(t, 0, bus.SubscriberCount())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err := sub.Next(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBus_MultipleSubscribersAllReceive(t *testing.T) {
	bus := NewBus(sharedTestMetrics())
	subA := bus.Subscribe()
	subB := bus.Subscribe()
	defer bus.Unsubscribe(subA)
	defer bus.Unsubscribe(subB)

	event := domain.DrawEvent{X: 9, Y: 9, RGB: domain.RGB{1, 1, 1}}
	bus.Publish(event)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	gotA, _, err := subA.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, event, gotA)

	gotB, _, err := subB.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, event, gotB)
}

func TestSubscriber_DeliverDropsOldestWhenFull(t *testing.T) {
	sub := newSubscriber()

	for i := 0; i < domain.BroadcastRingCapacity; i++ {
		sub.deliver(domain.DrawEvent{X: int32(i)})
	}
	// Ring is now full; one more delivery must drop the oldest and record a lag.
	sub.deliver(domain.DrawEvent{X: 999})

	assert.Equal(t, 1, sub.TakeLag())
	assert.Equal(t, 0, sub.TakeLag(), "TakeLag must reset after reading")
}

func TestSubscriber_Next_SurfacesLagBeforeNextEvent(t *testing.T) {
	sub := newSubscriber()
	for i := 0; i < domain.BroadcastRingCapacity+1; i++ {
		sub.deliver(domain.DrawEvent{X: int32(i)})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, lag, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, lag)

	event, lag, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Zero(t, lag)
	assert.NotZero(t, event)
}

func TestSubscriber_ID_IsUnique(t *testing.T) {
	a := newSubscriber()
	b := newSubscriber()
	assert.NotEqual(t, a.ID(), b.ID())
}
