package bus

import (
	"context"
	"sync"
	"sync/atomic"
)

type subscriber[T any] struct {
	id    string
	stats SubscriberStats

	// channel subscriber
	ch chan<- T

	// one-shot subscriber
	once *OnceReceiver[T]
}

// Bus distributes values of type T to subscribers without blocking
type Bus[T any] struct {
	mu             sync.RWMutex
	subscribers    map[string]*subscriber[T]
	totalPublished uint64
	closed         bool
}

// New creates an empty bus
func New[T any]() *Bus[T] {
	return &Bus[T]{
		subscribers: make(map[string]*subscriber[T]),
	}
}

// Subscribe registers a channel; values are dropped when it is full
func (b *Bus[T]) Subscribe(id string, ch chan<- T) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}
	if ch == nil {
		return ErrNilChannel
	}

	b.subscribers[id] = &subscriber[T]{id: id, ch: ch}
	return nil
}

// SubscribeOnce registers a one-shot receiver that takes exactly the next
// published value. The subscription is removed on delivery or Close.
func (b *Bus[T]) SubscribeOnce(id string) (*OnceReceiver[T], error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return nil, ErrSubscriberExists
	}

	r := &OnceReceiver[T]{
		id:   id,
		bus:  b,
		done: make(chan struct{}),
	}
	b.subscribers[id] = &subscriber[T]{id: id, once: r}
	return r, nil
}

// Publish distributes v to all subscribers (never blocks)
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()

	if b.closed {
		b.mu.RUnlock()
		return
	}

	atomic.AddUint64(&b.totalPublished, 1)

	var delivered []*subscriber[T]
	for _, sub := range b.subscribers {
		if sub.once != nil {
			if sub.once.deliver(v) {
				atomic.AddUint64(&sub.stats.Sent, 1)
				delivered = append(delivered, sub)
			}
			continue
		}

		select {
		case sub.ch <- v:
			atomic.AddUint64(&sub.stats.Sent, 1)
		default:
			atomic.AddUint64(&sub.stats.Dropped, 1)
		}
	}
	b.mu.RUnlock()

	for _, sub := range delivered {
		b.remove(sub)
	}
}

// remove deletes sub only if it is still the registered subscriber for its id
func (b *Bus[T]) remove(sub *subscriber[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if current, ok := b.subscribers[sub.id]; ok && current == sub {
		delete(b.subscribers, sub.id)
	}
}

// Unsubscribe removes a subscriber
func (b *Bus[T]) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, exists := b.subscribers[id]
	if !exists {
		return ErrSubscriberNotFound
	}
	if sub.once != nil {
		sub.once.close()
	}

	delete(b.subscribers, id)
	return nil
}

// Stats returns a snapshot of the bus counters
func (b *Bus[T]) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := Stats{
		TotalPublished: atomic.LoadUint64(&b.totalPublished),
		Subscribers:    make(map[string]SubscriberStats, len(b.subscribers)),
	}
	for id, sub := range b.subscribers {
		s := SubscriberStats{
			Sent:    atomic.LoadUint64(&sub.stats.Sent),
			Dropped: atomic.LoadUint64(&sub.stats.Dropped),
		}
		stats.TotalSent += s.Sent
		stats.TotalDropped += s.Dropped
		stats.Subscribers[id] = s
	}
	return stats
}

// Close shuts down the bus; one-shot receivers are released empty-handed
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, sub := range b.subscribers {
		if sub.once != nil {
			sub.once.close()
		}
	}
	b.subscribers = nil
}

// OnceReceiver holds at most one value delivered by the bus
type OnceReceiver[T any] struct {
	id  string
	bus *Bus[T]

	mu     sync.Mutex
	value  T
	filled bool
	closed bool
	done   chan struct{}
}

func (r *OnceReceiver[T]) deliver(v T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.filled || r.closed {
		return false
	}
	r.value = v
	r.filled = true
	close(r.done)
	return true
}

func (r *OnceReceiver[T]) close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	if !r.filled {
		close(r.done)
	}
}

// Receive blocks until the value arrives, the receiver is cancelled or ctx ends.
// ok is false when no value was delivered.
func (r *OnceReceiver[T]) Receive(ctx context.Context) (v T, ok bool) {
	select {
	case <-r.done:
	case <-ctx.Done():
		r.Cancel()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.filled {
		return r.value, true
	}
	return v, false
}

// Cancel removes the subscription without waiting for a value
func (r *OnceReceiver[T]) Cancel() {
	r.bus.mu.Lock()
	if sub, ok := r.bus.subscribers[r.id]; ok && sub.once == r {
		delete(r.bus.subscribers, r.id)
	}
	r.bus.mu.Unlock()

	r.close()
}
