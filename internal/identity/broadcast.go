package identity

import (
	"context"
	"sync"
)

// Broadcaster fans a payload-free "impersonation changed" signal out to every current subscriber.
// Signals are not replayed: a subscriber only hears about changes made after it subscribed.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[int64]*broadcastSubscriber
	nextID      int64
}

type broadcastSubscriber struct {
	id      int64
	handler func()
	stream  chan struct{}
}

// NewBroadcaster constructs a broadcaster without subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[int64]*broadcastSubscriber),
	}
}

// Subscribe registers a handler invoked synchronously on every Notify.
// Handlers must re-read state from the impersonation context; the signal carries nothing.
func (b *Broadcaster) Subscribe(handler func()) func() {
	if handler == nil {
		return func() {}
	}
	subscriber := &broadcastSubscriber{handler: handler}
	b.register(subscriber)
	return b.unsubscribeOnce(subscriber.id)
}

// SubscribeStream registers a channel subscriber released when ctx ends or cleanup runs.
// The channel holds at most one pending signal, so bursts collapse into one wake-up.
func (b *Broadcaster) SubscribeStream(ctx context.Context) (<-chan struct{}, func()) {
	subscriber := &broadcastSubscriber{stream: make(chan struct{}, 1)}
	b.register(subscriber)
	unsubscribe := b.unsubscribeOnce(subscriber.id)
	stop := context.AfterFunc(ctx, unsubscribe)
	return subscriber.stream, func() {
		stop()
		unsubscribe()
	}
}

// Notify signals every subscriber registered at the time of the call.
func (b *Broadcaster) Notify() {
	b.mu.RLock()
	if len(b.subscribers) == 0 {
		b.mu.RUnlock()
		return
	}
	copies := make([]*broadcastSubscriber, 0, len(b.subscribers))
	for _, subscriber := range b.subscribers {
		copies = append(copies, subscriber)
	}
	b.mu.RUnlock()

	for _, subscriber := range copies {
		if subscriber.handler != nil {
			subscriber.handler()
			continue
		}
		select {
		case subscriber.stream <- struct{}{}:
		default:
		}
	}
}

// SubscriberCount reports how many subscribers are registered.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close drops every subscriber.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.subscribers = make(map[int64]*broadcastSubscriber)
	b.mu.Unlock()
}

func (b *Broadcaster) register(subscriber *broadcastSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	subscriber.id = b.nextID
	b.subscribers[subscriber.id] = subscriber
}

func (b *Broadcaster) unsubscribeOnce(subscriberID int64) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, subscriberID)
			b.mu.Unlock()
		})
	}
}
