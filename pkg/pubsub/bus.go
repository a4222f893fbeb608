package pubsub

import (
	"context"
	"sync"
)

// Publisher publishes a raw event payload to a named topic. It is
// satisfied by Bus, and is the seam a caller would replace with an
// Encore pubsub.Topic[T] (or any other broker client) in a deployment
// that runs this module inside that runtime instead of standalone.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Bus is a minimal in-process publish/subscribe fan-out: every Subscribe
// channel for a topic receives every payload Published to it afterward.
// It has none of a real broker's durability or cross-process delivery —
// it exists so this module's packages (invalidation, warming) have
// something to publish InvalidationEvent/WarmCompletedEvent to without
// requiring a broker dependency just to run standalone or under test.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]chan []byte
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]chan []byte)}
}

// Publish fans payload out to every current subscriber of topic. A slow
// or full subscriber channel is skipped rather than blocking the
// publisher — subscribers needing every event should use a
// sufficiently buffered channel.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[topic] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel receiving every payload subsequently
// Published to topic, buffered to capacity.
func (b *Bus) Subscribe(topic string, capacity int) <-chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if capacity <= 0 {
		capacity = 1
	}
	ch := make(chan []byte, capacity)
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// SubscriberCount returns the number of live subscribers on topic, for
// tests and diagnostics.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
