package notify

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	mutexerrors "github.com/mirkobrombin/go-mutex/v1/errors"
)

func newRedisBus(t *testing.T) (*RedisBus, *redis.Client) {
	t.Helper()
	addr := os.Getenv("MUTEX_TEST_REDIS_ADDR")
	if addr != "" {
		t.Logf("TestRedisBus: using real Redis at %s", addr)
	} else {
		addr = miniredis.RunT(t).Addr()
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	bus := NewRedisBus(client)
	t.Cleanup(func() {
		_ = bus.Close()
		_ = client.Close()
	})
	return bus, client
}

func TestRedisBusPublishSubscribe(t *testing.T) {
	bus, _ := newRedisBus(t)
	ctx := context.Background()
	topic := AcquiredTopic(uuid.NewString())

	ch, err := bus.Subscribe(ctx, topic)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	second, err := bus.Subscribe(ctx, topic)
	if err != nil {
		t.Fatalf("second subscribe: %v", err)
	}
	if err := bus.Publish(ctx, topic); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitSignal(t, ch, time.Second)
	waitSignal(t, second, time.Second)

	m := bus.Metrics()
	if m.Published != 1 || m.Delivered != 2 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestRedisBusContextUnsubscribe(t *testing.T) {
	bus, _ := newRedisBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	topic := ReleasedTopic(uuid.NewString())
	ch, err := bus.Subscribe(ctx, topic)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	waitClosed(t, ch)

	deadline := time.Now().Add(time.Second)
	for {
		bus.mu.Lock()
		_, ok := bus.pubsubs[topic]
		bus.mu.Unlock()
		if !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("redis subscription not dropped after the last unsubscribe")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRedisBusClosedClient(t *testing.T) {
	bus, client := newRedisBus(t)
	_ = client.Close()
	err := bus.Publish(context.Background(), "t")
	if !errors.Is(err, mutexerrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
	if m := bus.Metrics(); m.Published != 0 {
		t.Fatalf("failed publish must not be counted: %+v", m)
	}
}
