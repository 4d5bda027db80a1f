package notify

import (
	"context"
	"sync"

	nats "github.com/nats-io/nats.go"
)

// NATSBus implements Bus using a NATS connection. Topics are used as subjects.
type NATSBus struct {
	conn *nats.Conn
	subs *fanout

	mu   sync.Mutex
	nsub map[string]*nats.Subscription
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		conn: conn,
		subs: newFanout(),
		nsub: make(map[string]*nats.Subscription),
	}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, topic string) error {
	if err := b.conn.Publish(topic, []byte("1")); err != nil {
		return err
	}
	b.subs.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.nsub[topic]; !ok {
		ns, err := b.conn.Subscribe(topic, func(_ *nats.Msg) {
			b.subs.deliver(topic)
		})
		if err != nil {
			return nil, err
		}
		// make sure the server knows about the interest before returning,
		// otherwise an immediate publish may be missed
		if err := b.conn.Flush(); err != nil {
			_ = ns.Unsubscribe()
			return nil, err
		}
		b.nsub[topic] = ns
	}
	ch, _ := b.subs.add(topic)
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	found, last := b.subs.remove(topic, ch)
	if !found || !last {
		return nil
	}
	ns, ok := b.nsub[topic]
	if !ok {
		return nil
	}
	delete(b.nsub, topic)
	return ns.Unsubscribe()
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return b.subs.metrics()
}
