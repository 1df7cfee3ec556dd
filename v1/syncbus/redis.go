package syncbus

import (
	"context"
	"sync"

	redis "github.com/redis/go-redis/v9"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

const defaultRedisChannelPrefix = "latch:"

type redisTopic struct {
	pubsub *redis.PubSub
	subs   fanout
	// ready is closed once the subscription was confirmed or failed with err.
	ready chan struct{}
	err   error
}

// RedisBus implements Bus over Redis pub/sub.
type RedisBus struct {
	counters

	client redis.UniversalClient
	prefix string

	mu     sync.Mutex
	topics map[string]*redisTopic
}

// NewRedisBus returns a RedisBus publishing on channels named prefix+topic.
// An empty prefix selects "latch:".
func NewRedisBus(client redis.UniversalClient, prefix string) *RedisBus {
	if prefix == "" {
		prefix = defaultRedisChannelPrefix
	}
	return &RedisBus{client: client, prefix: prefix, topics: make(map[string]*redisTopic)}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, topic string) error {
	if err := b.client.Publish(ctx, b.prefix+topic, "1").Err(); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. It returns once Redis confirmed the
// subscription so no later Publish is missed. The confirmation round trip
// runs without holding the bus lock; concurrent subscribers of the topic wait
// for it instead.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan struct{}, error) {
	for {
		b.mu.Lock()
		t, ok := b.topics[topic]
		if !ok {
			t = &redisTopic{subs: make(fanout), ready: make(chan struct{})}
			b.topics[topic] = t
			b.mu.Unlock()
			if err := b.open(ctx, topic, t); err != nil {
				return nil, err
			}
			b.mu.Lock()
		} else {
			b.mu.Unlock()
			select {
			case <-t.ready:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if t.err != nil {
				return nil, t.err
			}
			b.mu.Lock()
		}
		if b.topics[topic] != t {
			// Closed or emptied meanwhile.
			b.mu.Unlock()
			continue
		}
		ch := make(chan struct{}, 1)
		t.subs[ch] = struct{}{}
		b.mu.Unlock()

		go func() {
			<-ctx.Done()
			b.remove(topic, ch)
		}()
		return ch, nil
	}
}

// open subscribes t on Redis and starts its pump. Failures are recorded on t
// for the subscribers waiting on it.
func (b *RedisBus) open(ctx context.Context, topic string, t *redisTopic) error {
	ps := b.client.Subscribe(context.Background(), b.prefix+topic)
	_, err := ps.Receive(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	defer close(t.ready)
	if err == nil && b.topics[topic] != t {
		err = latcherrors.ErrConnectionClosed
	}
	if err != nil {
		t.err = err
		if b.topics[topic] == t {
			delete(b.topics, topic)
		}
		_ = ps.Close()
		return err
	}
	t.pubsub = ps
	go b.pump(t)
	return nil
}

func (b *RedisBus) pump(t *redisTopic) {
	for range t.pubsub.Channel() {
		b.mu.Lock()
		t.subs.notify(&b.counters)
		b.mu.Unlock()
	}
}

func (b *RedisBus) remove(topic string, ch chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topic]
	if !ok {
		return
	}
	if _, ok := t.subs[ch]; !ok {
		return
	}
	delete(t.subs, ch)
	close(ch)
	if len(t.subs) == 0 && t.pubsub != nil {
		delete(b.topics, topic)
		_ = t.pubsub.Close()
	}
}

// Close implements Bus.Close. The Redis client itself stays open.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for topic, t := range b.topics {
		for ch := range t.subs {
			close(ch)
		}
		delete(b.topics, topic)
		if t.pubsub == nil {
			continue
		}
		if err := t.pubsub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
