// Package events fans committed audit events out to in-process subscribers.
// The store holds the durable event log; this bus only notifies listeners
// (metrics, log sinks, test hooks) after a transaction commits. Delivery is
// synchronous and best-effort: a slow channel subscriber drops rather than
// blocking the coordinator.
package events

import (
	"log"
	"sync"

	"github.com/gregpriday/go-work-manager/pkg/models"
)

// Listener receives each published event
type Listener func(models.Event)

// Bus is a synchronous publish/subscribe hub for audit events
type Bus struct {
	mu        sync.RWMutex
	listeners []Listener
	channels  []chan models.Event
	closed    bool
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a listener called inline on every publish. Listeners
// must be fast; anything slow should use SubscribeChan.
func (b *Bus) Subscribe(fn Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// SubscribeChan returns a buffered channel of events. Events are dropped for
// a subscriber whose buffer is full.
func (b *Bus) SubscribeChan(buffer int) <-chan models.Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan models.Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels = append(b.channels, ch)
	return ch
}

// Publish delivers one event to every subscriber. Safe for concurrent use.
func (b *Bus) Publish(event models.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, fn := range b.listeners {
		fn(event)
	}
	for _, ch := range b.channels {
		select {
		case ch <- event:
		default:
			log.Printf("[Events] Dropped %s event for order %s: subscriber buffer full", event.Type, event.OrderID)
		}
	}
}

// Close stops delivery and closes subscriber channels
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.channels {
		close(ch)
	}
	b.channels = nil
	b.listeners = nil
}
