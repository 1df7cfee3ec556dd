package syncbus

import (
	"context"
	"encoding/base64"
	"sync"

	nats "github.com/nats-io/nats.go"
)

const natsSubjectPrefix = "latch.notify."

type natsTopic struct {
	sub  *nats.Subscription
	subs fanout
}

// NATSBus implements Bus over core NATS subjects.
type NATSBus struct {
	counters

	conn *nats.Conn

	mu     sync.Mutex
	topics map[string]*natsTopic
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{conn: conn, topics: make(map[string]*natsTopic)}
}

// subject maps an arbitrary topic onto a single valid subject token.
func subject(topic string) string {
	return natsSubjectPrefix + base64.RawURLEncoding.EncodeToString([]byte(topic))
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, topic string) error {
	if err := b.conn.Publish(subject(topic), nil); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, topic string) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)

	b.mu.Lock()
	t, ok := b.topics[topic]
	if !ok {
		t = &natsTopic{subs: make(fanout)}
		sub, err := b.conn.Subscribe(subject(topic), func(_ *nats.Msg) {
			b.mu.Lock()
			t.subs.notify(&b.counters)
			b.mu.Unlock()
		})
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		if err := b.conn.Flush(); err != nil {
			b.mu.Unlock()
			_ = sub.Unsubscribe()
			return nil, err
		}
		t.sub = sub
		b.topics[topic] = t
	}
	t.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(topic, ch)
	}()
	return ch, nil
}

func (b *NATSBus) remove(topic string, ch chan struct{}) {
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
	if len(t.subs) == 0 {
		delete(b.topics, topic)
		_ = t.sub.Unsubscribe()
	}
}

// Close implements Bus.Close. The NATS connection itself stays open.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for topic, t := range b.topics {
		for ch := range t.subs {
			close(ch)
		}
		if err := t.sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.topics, topic)
	}
	return firstErr
}
