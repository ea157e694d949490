package events

import (
	"sync"
	"sync/atomic"
)

// subscription is one subscriber channel and the topics it listens to.
type subscription struct {
	ch     chan Event
	topics map[string]bool
}

// EventBus is a channel-based pub-sub event bus. Publishing never blocks a
// worker: a subscriber that falls behind loses events, and the loss is counted.
type EventBus struct {
	mu      sync.RWMutex
	subs    []*subscription
	closed  bool
	dropped atomic.Int64
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe creates a subscription to a single topic.
// bufSize determines the channel buffer size (defaults to 256 if <= 0).
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	return b.SubscribeTopics(bufSize, topic)
}

// SubscribeTopics returns one channel receiving the events of every listed
// topic, in publish order.
func (b *EventBus) SubscribeTopics(bufSize int, topics ...string) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}
	sub := &subscription{
		ch:     make(chan Event, bufSize),
		topics: make(map[string]bool, len(topics)),
	}
	for _, t := range topics {
		sub.topics[t] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(sub.ch)
		return sub.ch
	}
	b.subs = append(b.subs, sub)
	return sub.ch
}

// Publish sends an event to every subscriber of topic without blocking.
func (b *EventBus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.topics[topic] {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were discarded because a subscriber's buffer was full.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes the event bus and all subscriber channels.
// Safe to call multiple times (idempotent).
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
}
