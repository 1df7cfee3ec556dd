// Package syncbus propagates lock release notifications between processes.
// Notifications are hints: a waiter that misses one still observes the
// release on its next polling attempt.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

// Bus is a minimal topic based pub/sub used to wake lock waiters early.
type Bus interface {
	// Publish notifies every subscriber of topic.
	Publish(ctx context.Context, topic string) error
	// Subscribe returns a channel receiving one value per notification.
	// The channel is closed once ctx is done or the bus is closed.
	Subscribe(ctx context.Context, topic string) (<-chan struct{}, error)
	// Close drops every subscription. Later calls on an in-memory bus fail
	// with ErrConnectionClosed.
	Close() error
}

// UnlockTopic returns the topic used to announce the release of key.
func UnlockTopic(key string) string {
	return "unlock:" + key
}

// Metrics reports bus activity counters.
type Metrics struct {
	Published uint64
	Delivered uint64
}

type counters struct {
	published atomic.Uint64
	delivered atomic.Uint64
}

func (c *counters) Metrics() Metrics {
	return Metrics{Published: c.published.Load(), Delivered: c.delivered.Load()}
}

// fanout tracks the local subscriber channels of one topic.
type fanout map[chan struct{}]struct{}

// notify delivers without blocking; a full buffer already holds a pending wake-up.
func (f fanout) notify(c *counters) {
	for ch := range f {
		select {
		case ch <- struct{}{}:
			c.delivered.Add(1)
		default:
		}
	}
}

// InMemoryBus is a process local Bus, useful for tests and for factories
// sharing one store inside a single process.
type InMemoryBus struct {
	counters

	mu     sync.Mutex
	topics map[string]fanout
	closed bool
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{topics: make(map[string]fanout)}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return latcherrors.ErrConnectionClosed
	}
	b.published.Add(1)
	if subs, ok := b.topics[topic]; ok {
		subs.notify(&b.counters)
	}
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, latcherrors.ErrConnectionClosed
	}
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(fanout)
		b.topics[topic] = subs
	}
	subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(topic, ch)
	}()
	return ch, nil
}

func (b *InMemoryBus) remove(topic string, ch chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[topic]
	if !ok {
		return
	}
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	close(ch)
	if len(subs) == 0 {
		delete(b.topics, topic)
	}
}

// Close implements Bus.Close.
func (b *InMemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, subs := range b.topics {
		for ch := range subs {
			close(ch)
		}
		delete(b.topics, topic)
	}
	b.closed = true
	return nil
}
