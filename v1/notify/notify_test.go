package notify

import (
	"context"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func waitSignal(t *testing.T, ch chan struct{}, timeout time.Duration) {
	t.Helper()
	select {
	case _, ok := <-ch:
		if !ok {
			t.Fatal("channel closed while waiting for a signal")
		}
	case <-time.After(timeout):
		t.Fatal("timeout waiting for signal")
	}
}

func waitClosed(t *testing.T, ch chan struct{}) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after cancellation")
		}
	}
}

func TestTopics(t *testing.T) {
	if got := AcquiredTopic("job"); got != "mutex:acquired:job" {
		t.Fatalf("unexpected acquired topic %q", got)
	}
	if got := ReleasedTopic("job"); got != "mutex:released:job" {
		t.Fatalf("unexpected released topic %q", got)
	}
}

func TestInMemoryBusPublishSubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()
	ch, err := bus.Subscribe(ctx, ReleasedTopic("job"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	other, _ := bus.Subscribe(ctx, ReleasedTopic("other"))

	if err := bus.Publish(ctx, ReleasedTopic("job")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitSignal(t, ch, time.Second)
	select {
	case <-other:
		t.Fatal("signal leaked to another topic")
	default:
	}
	m := bus.Metrics()
	if m.Published != 1 || m.Delivered != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestInMemoryBusBurstCollapses(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()
	ch, _ := bus.Subscribe(ctx, "t")
	for i := 0; i < 3; i++ {
		_ = bus.Publish(ctx, "t")
	}
	waitSignal(t, ch, time.Second)
	select {
	case <-ch:
		t.Fatal("expected a single pending signal")
	default:
	}
	if m := bus.Metrics(); m.Published != 3 || m.Delivered != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestInMemoryBusContextUnsubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := bus.Subscribe(ctx, "t")
	cancel()
	waitClosed(t, ch)
	if err := bus.Unsubscribe(context.Background(), "t", ch); err != nil {
		t.Fatalf("second unsubscribe: %v", err)
	}
	if err := bus.Publish(context.Background(), "t"); err != nil {
		t.Fatalf("publish without subscribers: %v", err)
	}
}

func TestInMemoryBusPublishDuringUnsubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()
	stop := make(chan struct{})
	var g errgroup.Group
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			for {
				select {
				case <-stop:
					return nil
				default:
				}
				if err := bus.Publish(ctx, "t"); err != nil {
					return err
				}
			}
		})
	}
	for i := 0; i < 2000; i++ {
		ch, err := bus.Subscribe(ctx, "t")
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		if err := bus.Unsubscribe(ctx, "t", ch); err != nil {
			t.Fatalf("unsubscribe: %v", err)
		}
	}
	close(stop)
	if err := g.Wait(); err != nil {
		t.Fatalf("publish: %v", err)
	}
}
