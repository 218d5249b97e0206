package app

import (
	"sync"

	syncpkg "github.com/kimhsiao/schoolsync/internal/sync"
)

// EventBus fans sync events out to any number of subscribers.
type EventBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]syncpkg.SyncEventHandler
}

// NewEventBus creates an EventBus with no subscribers.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]syncpkg.SyncEventHandler)}
}

// Subscribe registers h and returns a function that removes it.
func (b *EventBus) Subscribe(h syncpkg.SyncEventHandler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// OnSyncEvent delivers event to every subscriber.
func (b *EventBus) OnSyncEvent(event syncpkg.SyncEvent) {
	b.mu.RLock()
	handlers := make([]syncpkg.SyncEventHandler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h.OnSyncEvent(event)
	}
}
