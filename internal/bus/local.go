package bus

import (
	"context"
	"sync"
)

// LocalBus is an in-process Bus for single-instance deployments and
// tests. Handlers run synchronously on the publisher's goroutine.
type LocalBus struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewLocal creates an in-process bus.
func NewLocal() *LocalBus {
	return &LocalBus{handlers: make(map[string]Handler)}
}

// Publish delivers the event to the channel's handler, if any.
func (b *LocalBus) Publish(_ context.Context, channel string, event Event) error {
	b.mu.RLock()
	handler := b.handlers[channel]
	b.mu.RUnlock()

	if handler != nil {
		handler(event)
	}
	return nil
}

// Subscribe registers the channel's handler, replacing any previous one.
func (b *LocalBus) Subscribe(channel string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[channel] = handler
	return nil
}

// Unsubscribe removes the channel's handler.
func (b *LocalBus) Unsubscribe(channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, channel)
	return nil
}

// Close drops all handlers.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[string]Handler)
	return nil
}
