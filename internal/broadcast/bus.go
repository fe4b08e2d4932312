// Package broadcast implements the broadcast bus (BB): a two-hop fan-out
// from a single cross-process Redis pub/sub channel to many in-process SSE
// subscribers, with lossy "lagged by N" backpressure: a subscriber whose
// ring fills has its oldest buffered event dropped in favor of the new
// one, and is told how many events it missed on its next receive rather
// than silently losing them.
package broadcast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/vitaliisemenov/pixelcanvas/internal/domain"
)

// ErrClosed is returned by Subscriber.Next once the subscriber has been
// unsubscribed and its channel drained.
var ErrClosed = errors.New("broadcast: subscriber closed")

// Subscriber is one consumer's handle onto the bus. It is safe for exactly
// one goroutine to call Next; Unsubscribe may be called from any goroutine.
type Subscriber struct {
	id     string
	ch     chan domain.DrawEvent
	lagged int64
	closed int32
}

func newSubscriber() *Subscriber {
	return &Subscriber{
		id: uuid.New().String(),
		ch: make(chan domain.DrawEvent, domain.BroadcastRingCapacity),
	}
}

// ID identifies the subscriber for logging.
func (s *Subscriber) ID() string { return s.id }

// Next blocks until an event, a lag notification, or ctx cancellation. When
// lagCount > 0, the returned event is the zero value and lagCount events
// were dropped before this call; the caller should log and continue, then
// call Next again to receive the next real event.
func (s *Subscriber) Next(ctx context.Context) (event domain.DrawEvent, lagCount int, err error) {
	if n := atomic.SwapInt64(&s.lagged, 0); n > 0 {
		return domain.DrawEvent{}, int(n), nil
	}
	select {
	case e, ok := <-s.ch:
		if !ok {
			return domain.DrawEvent{}, 0, ErrClosed
		}
		return e, 0, nil
	case <-ctx.Done():
		return domain.DrawEvent{}, 0, ctx.Err()
	}
}

// Channel exposes the raw event channel so a caller can multiplex it in its
// own select alongside other wakeups (e.g. a keep-alive ticker). TakeLag
// must be consulted after each receive to surface any drop that preceded
// it, since deliver() may drop-and-count without the receiver observing it
// directly.
func (s *Subscriber) Channel() <-chan domain.DrawEvent {
	return s.ch
}

// TakeLag atomically reads and resets the number of events dropped for this
// subscriber since the last call.
func (s *Subscriber) TakeLag() int {
	return int(atomic.SwapInt64(&s.lagged, 0))
}

// deliver is producer-side; it never blocks. When the subscriber's ring is
// full, the oldest buffered event is dropped and the lag counter grows by
// one, then the new event is enqueued. It returns the number of events
// dropped by this call.
func (s *Subscriber) deliver(e domain.DrawEvent) int {
	select {
	case s.ch <- e:
		return 0
	default:
	}
	dropped := 0
	select {
	case <-s.ch:
		atomic.AddInt64(&s.lagged, 1)
		dropped++
	default:
	}
	select {
	case s.ch <- e:
	default:
		atomic.AddInt64(&s.lagged, 1)
		dropped++
	}
	return dropped
}

func (s *Subscriber) close() {
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		close(s.ch)
	}
}

// Bus is the in-process half of the broadcast bus: one producer (the
// external-channel bridge, or a draw pipeline under test), many consumers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	metrics     *Metrics
}

// NewBus constructs an empty bus.
func NewBus(metrics *Metrics) *Bus {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Bus{
		subscribers: make(map[string]*Subscriber),
		metrics:     metrics,
	}
}

// Subscribe registers a new consumer. The subscriber observes only events
// published after this call returns; there is no replay.
func (b *Bus) Subscribe() *Subscriber {
	sub := newSubscriber()
	b.mu.Lock()
	b.subscribers[sub.id] = sub
	b.mu.Unlock()
	b.metrics.ConnectionsActive.Inc()
	return sub
}

// Unsubscribe removes and closes sub. Safe to call more than once.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	_, existed := b.subscribers[sub.id]
	delete(b.subscribers, sub.id)
	b.mu.Unlock()
	if existed {
		b.metrics.ConnectionsActive.Dec()
	}
	sub.close()
}

// Publish fans e out to every current subscriber. Never blocks.
func (b *Bus) Publish(e domain.DrawEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		if n := sub.deliver(e); n > 0 {
			b.metrics.LaggedTotal.Add(float64(n))
		}
	}
	b.metrics.EventsPublished.Inc()
}

// SubscriberCount reports the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
