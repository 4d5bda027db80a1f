// Package notify propagates lease transitions between processes sharing a
// lock table. A Coordinator configured with a Bus publishes a signal on
// AcquiredTopic(key) after every successful acquisition and on
// ReleasedTopic(key) after every successful release.
//
// Signals carry no payload and grant nothing: a process woken by a release
// signal still has to win Acquire like everyone else. Delivery is best effort
// and subscriber channels are buffered with a single slot, so bursts collapse
// into one wake up.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
)

const topicPrefix = "mutex:"

// AcquiredTopic is the topic signalled when key is acquired.
func AcquiredTopic(key string) string {
	return topicPrefix + "acquired:" + key
}

// ReleasedTopic is the topic signalled when key is released.
func ReleasedTopic(key string) string {
	return topicPrefix + "released:" + key
}

// Bus is a minimal pub/sub transport for transition signals.
type Bus interface {
	Publish(ctx context.Context, topic string) error
	Subscribe(ctx context.Context, topic string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error
}

// Metrics reports signal counters of a bus.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// fanout keeps the local subscriber channels of every topic and delivers
// signals to them without blocking.
type fanout struct {
	mu        sync.Mutex
	chans     map[string][]chan struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

func newFanout() *fanout {
	return &fanout{chans: make(map[string][]chan struct{})}
}

// add registers a new channel and reports whether it is the first one of
// topic.
func (f *fanout) add(topic string) (chan struct{}, bool) {
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	first := len(f.chans[topic]) == 0
	f.chans[topic] = append(f.chans[topic], ch)
	f.mu.Unlock()
	return ch, first
}

// remove closes ch and reports whether topic has no subscribers left. The
// boolean is false when ch was not registered.
func (f *fanout) remove(topic string, ch chan struct{}) (found, last bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.chans[topic]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			found = true
			break
		}
	}
	if !found {
		return false, false
	}
	if len(subs) == 0 {
		delete(f.chans, topic)
		return true, true
	}
	f.chans[topic] = subs
	return true, false
}

// deliver sends under f.mu so remove cannot close a channel mid send. The
// sends never block.
func (f *fanout) deliver(topic string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.chans[topic] {
		select {
		case ch <- struct{}{}:
			f.delivered.Add(1)
		default:
		}
	}
}

func (f *fanout) closeAll() {
	f.mu.Lock()
	for topic, subs := range f.chans {
		for _, ch := range subs {
			close(ch)
		}
		delete(f.chans, topic)
	}
	f.mu.Unlock()
}

func (f *fanout) metrics() Metrics {
	return Metrics{
		Published: f.published.Load(),
		Delivered: f.delivered.Load(),
	}
}

// unsubscribeOnDone removes ch once ctx is cancelled.
func unsubscribeOnDone(ctx context.Context, b Bus, topic string, ch chan struct{}) {
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
}

// InMemoryBus is a process local Bus, mainly for tests and single process
// deployments.
type InMemoryBus struct {
	subs *fanout
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: newFanout()}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, topic string) error {
	b.subs.published.Add(1)
	b.subs.deliver(topic)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	ch, _ := b.subs.add(topic)
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.subs.remove(topic, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return b.subs.metrics()
}
