// Package events implements the federation's in-process event stream: a
// small fan-out bus that lets the registry, router, and health monitor
// publish lifecycle notifications without taking a dependency on whoever is
// listening.
package events

import (
	"log/slog"
	"sync"

	"github.com/haasonsaas/federation/internal/fedtypes"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind starts losing events rather than stalling Publish.
const subscriberBuffer = 256

// Bus fans published events out to any number of subscribers. Publish never
// blocks: a subscriber whose channel is full has the event dropped and
// logged rather than backing up the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan fedtypes.Event
	nextID      int
	logger      *slog.Logger
}

// NewBus constructs an empty Bus. A nil logger falls back to slog.Default().
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[int]chan fedtypes.Event),
		logger:      logger,
	}
}

// Subscription is a handle returned by Subscribe. Events arrive on C until
// Unsubscribe is called.
type Subscription struct {
	C chan fedtypes.Event

	id  int
	bus *Bus
}

// Unsubscribe closes the subscription's channel and stops delivery to it.
// Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s.id)
}

// Subscribe registers a new listener and returns a Subscription carrying a
// buffered channel of all future events. Subscribe does not replay history.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan fedtypes.Event, subscriberBuffer)
	b.subscribers[id] = ch

	return &Subscription{C: ch, id: id, bus: b}
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subscribers[id]
	if !ok {
		return
	}
	delete(b.subscribers, id)
	close(ch)
}

// Publish delivers event to every current subscriber. Delivery is
// non-blocking per subscriber: a full channel drops the event for that
// subscriber and logs a warning, it never slows or blocks other
// subscribers or the caller.
func (b *Bus) Publish(event fedtypes.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.logger.Warn("event channel full, dropping event",
				"subscriber_id", id,
				"topic", event.Topic,
				"event_id", event.ID,
			)
		}
	}
}

// SubscriberCount reports the number of active subscriptions, mainly for
// tests and diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
