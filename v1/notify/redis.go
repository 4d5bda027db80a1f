package notify

import (
	"context"
	stdErrors "errors"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	mutexerrors "github.com/mirkobrombin/go-mutex/v1/errors"
)

const defaultRedisBusTimeout = 5 * time.Second

// RedisBus implements Bus on top of Redis pub/sub.
type RedisBus struct {
	client  *redis.Client
	timeout time.Duration
	subs    *fanout

	mu      sync.Mutex
	pubsubs map[string]*redis.PubSub
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{
		client:  client,
		timeout: defaultRedisBusTimeout,
		subs:    newFanout(),
		pubsubs: make(map[string]*redis.PubSub),
	}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, topic string) error {
	cctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := b.client.Publish(cctx, topic, "1").Err(); err != nil {
		return mapRedisErr(err)
	}
	b.subs.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pubsubs[topic]; !ok {
		ps := b.client.Subscribe(context.Background(), topic)
		cctx, cancel := context.WithTimeout(ctx, b.timeout)
		_, err := ps.Receive(cctx)
		cancel()
		if err != nil {
			_ = ps.Close()
			return nil, mapRedisErr(err)
		}
		b.pubsubs[topic] = ps
		go b.dispatch(topic, ps)
	}
	ch, _ := b.subs.add(topic)
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

func (b *RedisBus) dispatch(topic string, ps *redis.PubSub) {
	for range ps.Channel() {
		b.subs.deliver(topic)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	found, last := b.subs.remove(topic, ch)
	if !found || !last {
		return nil
	}
	ps, ok := b.pubsubs[topic]
	if !ok {
		return nil
	}
	delete(b.pubsubs, topic)
	return ps.Close()
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return b.subs.metrics()
}

// Close drops every subscription. The client is left open.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for topic, ps := range b.pubsubs {
		errs = append(errs, ps.Close())
		delete(b.pubsubs, topic)
	}
	b.subs.closeAll()
	return stdErrors.Join(errs...)
}

func mapRedisErr(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return mutexerrors.ErrTimeout
	}
	if stdErrors.Is(err, redis.ErrClosed) {
		return mutexerrors.ErrConnectionClosed
	}
	return err
}
