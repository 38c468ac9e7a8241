// Package events provides an in-process pub/sub bus for cross-component
// signals: connectivity transitions, sync lifecycle and session invalidation.
//
// The bus is injected into components that need to observe events; every
// Subscribe returns an unsubscribe func so a component can tie its
// subscription to its own shutdown.
package events

import "sync"

// Topic identifies an event stream on the bus.
type Topic string

const (
	TopicConnectivity Topic = "connectivity.changed"
	TopicSyncStarted  Topic = "sync.started"
	TopicSyncProgress Topic = "sync.progress"
	TopicSyncDone     Topic = "sync.completed"
	TopicSyncFailed   Topic = "sync.failed"
	TopicSession      Topic = "session.invalidated"
)

// Event is one published message.
type Event struct {
	Topic Topic
	Data  map[string]interface{}
}

// Handler receives published events. Handlers must not block; long work
// belongs in the handler's own goroutine.
type Handler func(Event)

type subscription struct {
	id      int
	handler Handler
}

// Bus dispatches events to topic subscribers.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Topic][]subscription
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[Topic][]subscription),
	}
}

// Subscribe registers a handler for a topic and returns an unsubscribe func.
// Unsubscribing twice is a no-op.
func (b *Bus) Subscribe(topic Topic, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subs[topic]
		for i, s := range subs {
			if s.id == id {
				b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers an event to all current subscribers of its topic.
// Delivery is synchronous and in subscription order.
func (b *Bus) Publish(topic Topic, data map[string]interface{}) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs[topic]))
	copy(subs, b.subs[topic])
	b.mu.RUnlock()

	evt := Event{Topic: topic, Data: data}
	for _, s := range subs {
		s.handler(evt)
	}
}

// SubscriberCount returns the number of handlers on a topic.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
