package syncbus

import (
	"context"
	"errors"
	"sync"

	sarama "github.com/IBM/sarama"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

// DefaultKafkaTopic carries every unlock notification of a KafkaBus.
const DefaultKafkaTopic = "latch-unlock"

// KafkaBus implements Bus on a single Kafka topic. Bus topics travel as the
// message key so lock keys never turn into Kafka topics. Consumption starts
// at the newest offset with the first subscription.
type KafkaBus struct {
	counters

	producer sarama.SyncProducer
	consumer sarama.Consumer
	topic    string
	closers  []func() error

	wg sync.WaitGroup

	mu        sync.Mutex
	consuming []sarama.PartitionConsumer
	topics    map[string]fanout
	closed    bool
}

// NewKafkaBus connects to brokers. An empty topic selects DefaultKafkaTopic.
func NewKafkaBus(brokers []string, cfg *sarama.Config, topic string) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	b := NewKafkaBusFrom(producer, consumer, topic)
	b.closers = append(b.closers, client.Close)
	return b, nil
}

// NewKafkaBusFrom builds a KafkaBus on an existing producer and consumer,
// which the bus closes on Close.
func NewKafkaBusFrom(producer sarama.SyncProducer, consumer sarama.Consumer, topic string) *KafkaBus {
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	return &KafkaBus{
		producer: producer,
		consumer: consumer,
		topic:    topic,
		closers:  []func() error{producer.Close, consumer.Close},
		topics:   make(map[string]fanout),
	}
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, topic string) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return latcherrors.ErrConnectionClosed
	}
	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(topic),
		Value: sarama.StringEncoder("1"),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, latcherrors.ErrConnectionClosed
	}
	if b.consuming == nil {
		if err := b.consume(); err != nil {
			b.mu.Unlock()
			return nil, err
		}
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

// consume starts one reader per partition. Called with b.mu held.
func (b *KafkaBus) consume() error {
	partitions, err := b.consumer.Partitions(b.topic)
	if err != nil {
		return err
	}
	pcs := make([]sarama.PartitionConsumer, 0, len(partitions))
	for _, p := range partitions {
		pc, err := b.consumer.ConsumePartition(b.topic, p, sarama.OffsetNewest)
		if err != nil {
			for _, started := range pcs {
				_ = started.Close()
			}
			return err
		}
		pcs = append(pcs, pc)
	}
	for _, pc := range pcs {
		b.wg.Add(1)
		go b.dispatch(pc)
	}
	b.consuming = pcs
	return nil
}

func (b *KafkaBus) dispatch(pc sarama.PartitionConsumer) {
	defer b.wg.Done()
	for msg := range pc.Messages() {
		b.mu.Lock()
		if subs, ok := b.topics[string(msg.Key)]; ok {
			subs.notify(&b.counters)
		}
		b.mu.Unlock()
	}
}

func (b *KafkaBus) remove(topic string, ch chan struct{}) {
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

// Close implements Bus.Close and closes the Kafka clients.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for topic, subs := range b.topics {
		for ch := range subs {
			close(ch)
		}
		delete(b.topics, topic)
	}
	pcs := b.consuming
	b.consuming = nil
	b.mu.Unlock()

	var errs []error
	for _, pc := range pcs {
		errs = append(errs, pc.Close())
	}
	b.wg.Wait()
	for _, c := range b.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}
