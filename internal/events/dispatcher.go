package events

import (
	"context"
	"sync"
)

// Notifier nudges dispatcher workers after an outbox commit so they do not
// wait for the next poll. Notifications are hints; losing one only delays
// dispatch until the next poll.
type Notifier interface {
	Notify(ctx context.Context) error
	Subscribe(ctx context.Context) (<-chan struct{}, func())
}

// inMemoryNotifier fans notifications out to in-process subscribers.
type inMemoryNotifier struct {
	mu        sync.RWMutex
	listeners map[int]chan struct{}
	next      int
}

// NewInMemoryNotifier creates a notifier for single-process deployments and tests.
func NewInMemoryNotifier() Notifier {
	return &inMemoryNotifier{listeners: make(map[int]chan struct{})}
}

// Notify signals every subscriber without blocking.
func (n *inMemoryNotifier) Notify(context.Context) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, ch := range n.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

// Subscribe registers a listener; the returned func unregisters it.
func (n *inMemoryNotifier) Subscribe(context.Context) (<-chan struct{}, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.next
	n.next++
	ch := make(chan struct{}, 1)
	n.listeners[id] = ch
	return ch, func() {
		n.mu.Lock()
		delete(n.listeners, id)
		n.mu.Unlock()
	}
}

type noopNotifier struct{}

// NoopNotifier discards notifications; workers rely on polling alone.
func NoopNotifier() Notifier { return noopNotifier{} }

func (noopNotifier) Notify(context.Context) error { return nil }

func (noopNotifier) Subscribe(context.Context) (<-chan struct{}, func()) {
	return nil, func() {}
}
