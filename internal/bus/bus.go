package bus

import "sync"

// Bus is an in-process fan-out of gateway events. Subscribers are keyed by
// id so a reconnecting client replaces its old handler instead of leaking
// one.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{handlers: make(map[string]EventHandler)}
}

// Subscribe registers a handler under id, replacing any previous handler
// with the same id.
func (b *Bus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

// Unsubscribe removes the handler registered under id.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Broadcast delivers event to every subscriber. Handlers run synchronously
// on the caller's goroutine; slow consumers must hand off internally.
func (b *Bus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// SubscriberCount reports how many handlers are registered.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}
