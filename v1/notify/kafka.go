package notify

import (
	"context"
	"strings"
	"sync"

	sarama "github.com/IBM/sarama"
)

// KafkaBus implements Bus using Kafka. Kafka topic names cannot contain ':',
// so topics are mapped by replacing it with '.'.
type KafkaBus struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	subs     *fanout

	mu  sync.Mutex
	pcs map[string]sarama.PartitionConsumer
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers.
func NewKafkaBus(brokers []string, cfg *sarama.Config) (*KafkaBus, error) {
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
	return newKafkaBus(producer, consumer), nil
}

func newKafkaBus(producer sarama.SyncProducer, consumer sarama.Consumer) *KafkaBus {
	return &KafkaBus{
		producer: producer,
		consumer: consumer,
		subs:     newFanout(),
		pcs:      make(map[string]sarama.PartitionConsumer),
	}
}

// KafkaTopic returns the Kafka topic name used for topic.
func KafkaTopic(topic string) string {
	return strings.ReplaceAll(topic, ":", ".")
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, topic string) error {
	msg := &sarama.ProducerMessage{Topic: KafkaTopic(topic), Value: sarama.StringEncoder("1")}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.subs.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pcs[topic]; !ok {
		pc, err := b.consumer.ConsumePartition(KafkaTopic(topic), 0, sarama.OffsetNewest)
		if err != nil {
			return nil, err
		}
		b.pcs[topic] = pc
		go b.dispatch(topic, pc)
	}
	ch, _ := b.subs.add(topic)
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

func (b *KafkaBus) dispatch(topic string, pc sarama.PartitionConsumer) {
	for range pc.Messages() {
		b.subs.deliver(topic)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	found, last := b.subs.remove(topic, ch)
	if !found || !last {
		return nil
	}
	pc, ok := b.pcs[topic]
	if !ok {
		return nil
	}
	delete(b.pcs, topic)
	return pc.Close()
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return b.subs.metrics()
}

// Close releases resources used by the KafkaBus.
func (b *KafkaBus) Close() {
	b.mu.Lock()
	for topic, pc := range b.pcs {
		_ = pc.Close()
		delete(b.pcs, topic)
	}
	b.mu.Unlock()
	b.subs.closeAll()
	_ = b.producer.Close()
	_ = b.consumer.Close()
}
