// Package storetest is a behavioural suite shared by every mutex.Store
// implementation. Store packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock/testclock"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-mutex/v1/mutex"
)

// Factory returns a provisioned store. Stores may be shared between subtests:
// every subtest works on its own keys.
type Factory func(t *testing.T) mutex.Store

// epoch is the start time of every test clock.
var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Run runs the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, store mutex.Store)
	}{
		{"FreshKeyAcquires", testFreshKeyAcquires},
		{"RunningLeaseIsContended", testRunningLeaseIsContended},
		{"RunningWindowReclaim", testRunningWindowReclaim},
		{"StaleBoundaries", testStaleBoundaries},
		{"ZeroDoneWindow", testZeroDoneWindow},
		{"ReleaseRunning", testReleaseRunning},
		{"ReleaseNotRunning", testReleaseNotRunning},
		{"ConcurrentAcquire", testConcurrentAcquire},
		{"ProvisionIdempotent", testProvisionIdempotent},
		{"WithLock", testWithLock},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func newKey() string {
	return "storetest-" + uuid.NewString()
}

func newCoordinator(t *testing.T, store mutex.Store, w mutex.Windows) (*mutex.Coordinator, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(epoch)
	c, err := mutex.New(store, w, mutex.WithClock(clk))
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return c, clk
}

func mustAcquire(t *testing.T, c *mutex.Coordinator, key string) mutex.Outcome {
	t.Helper()
	out, err := c.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("acquire %s: %v", key, err)
	}
	if !out.Acquired() {
		t.Fatalf("acquire %s: expected acquired, got %v", key, out)
	}
	return out
}

func mustContend(t *testing.T, c *mutex.Coordinator, key string) {
	t.Helper()
	out, err := c.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("acquire %s: %v", key, err)
	}
	if !out.Contended() {
		t.Fatalf("acquire %s: expected contended, got %v", key, out)
	}
}

func mustRelease(t *testing.T, c *mutex.Coordinator, key string, status mutex.Status) {
	t.Helper()
	if err := c.Release(context.Background(), key, status); err != nil {
		t.Fatalf("release %s %s: %v", key, status, err)
	}
}

func expectPrevious(t *testing.T, out mutex.Outcome, status mutex.Status, updatedAt time.Time) {
	t.Helper()
	if out.Previous() != status {
		t.Fatalf("expected previous status %s, got %s", status, out.Previous())
	}
	if want := updatedAt.UnixMilli(); out.PreviousUpdatedAt() != want {
		t.Fatalf("expected previous updatedAt %d, got %d", want, out.PreviousUpdatedAt())
	}
}

func testFreshKeyAcquires(t *testing.T, store mutex.Store) {
	c, _ := newCoordinator(t, store, mutex.UniformWindows(time.Minute))
	out := mustAcquire(t, c, newKey())
	if out.Previous() != mutex.StatusNone {
		t.Fatalf("expected no previous status, got %s", out.Previous())
	}
	if out.PreviousUpdatedAt() != 0 {
		t.Fatalf("expected zero previous updatedAt, got %d", out.PreviousUpdatedAt())
	}
}

func testRunningLeaseIsContended(t *testing.T, store mutex.Store) {
	c, clk := newCoordinator(t, store, mutex.UniformWindows(time.Minute))
	other, _ := newCoordinator(t, store, mutex.UniformWindows(time.Minute))
	key := newKey()
	mustAcquire(t, c, key)
	mustContend(t, c, key)
	clk.Advance(30 * time.Second)
	mustContend(t, c, key)
	mustContend(t, other, key)
}

func testRunningWindowReclaim(t *testing.T, store mutex.Store) {
	c, clk := newCoordinator(t, store, mutex.UniformWindows(10*time.Second))
	key := newKey()
	start := clk.Now()
	mustAcquire(t, c, key)
	clk.Advance(5 * time.Second)
	mustContend(t, c, key)
	clk.Advance(5*time.Second + time.Millisecond)
	out := mustAcquire(t, c, key)
	expectPrevious(t, out, mutex.StatusRunning, start)
}

func testStaleBoundaries(t *testing.T, store mutex.Store) {
	const window = 10 * time.Second
	for _, status := range []mutex.Status{mutex.StatusDone, mutex.StatusFailed, mutex.StatusRunning} {
		t.Run(status.String(), func(t *testing.T) {
			// only the window of the status under test is finite
			w := mutex.UniformWindows(time.Hour)
			switch status {
			case mutex.StatusDone:
				w.DoneAfter = window
			case mutex.StatusFailed:
				w.FailedAfter = window
			case mutex.StatusRunning:
				w.RunningAfter = window
			}
			c, clk := newCoordinator(t, store, w)
			key := newKey()
			mustAcquire(t, c, key)
			if status != mutex.StatusRunning {
				mustRelease(t, c, key, status)
			}
			stamped := clk.Now()
			clk.Advance(window - time.Millisecond)
			mustContend(t, c, key)
			clk.Advance(time.Millisecond)
			out := mustAcquire(t, c, key)
			expectPrevious(t, out, status, stamped)
		})
	}
}

func testZeroDoneWindow(t *testing.T, store mutex.Store) {
	c, clk := newCoordinator(t, store, mutex.Windows{DoneAfter: 0, FailedAfter: time.Hour, RunningAfter: time.Hour})
	key := newKey()
	out := mustAcquire(t, c, key)
	expectPrevious(t, out, mutex.StatusNone, time.UnixMilli(0))
	mustRelease(t, c, key, mutex.StatusDone)
	out = mustAcquire(t, c, key)
	expectPrevious(t, out, mutex.StatusDone, clk.Now())
}

func testReleaseRunning(t *testing.T, store mutex.Store) {
	for _, status := range []mutex.Status{mutex.StatusDone, mutex.StatusFailed} {
		t.Run(status.String(), func(t *testing.T) {
			c, clk := newCoordinator(t, store, mutex.Windows{RunningAfter: time.Hour})
			key := newKey()
			mustAcquire(t, c, key)
			clk.Advance(3 * time.Second)
			released := clk.Now()
			mustRelease(t, c, key, status)
			clk.Advance(time.Second)
			out := mustAcquire(t, c, key)
			expectPrevious(t, out, status, released)
		})
	}
}

func testReleaseNotRunning(t *testing.T, store mutex.Store) {
	c, clk := newCoordinator(t, store, mutex.Windows{RunningAfter: time.Hour})
	ctx := context.Background()

	if err := c.Release(ctx, newKey(), mutex.StatusDone); !errors.Is(err, mutex.ErrConditionFailed) {
		t.Fatalf("release of absent key: expected ErrConditionFailed, got %v", err)
	}

	for _, status := range []mutex.Status{mutex.StatusDone, mutex.StatusFailed} {
		key := newKey()
		mustAcquire(t, c, key)
		stamped := clk.Now()
		mustRelease(t, c, key, status)
		clk.Advance(time.Second)
		for _, again := range []mutex.Status{mutex.StatusDone, mutex.StatusFailed} {
			if err := c.Release(ctx, key, again); !errors.Is(err, mutex.ErrConditionFailed) {
				t.Fatalf("release %s over %s: expected ErrConditionFailed, got %v", again, status, err)
			}
		}
		// the record is untouched: still the first release and its timestamp
		out := mustAcquire(t, c, key)
		expectPrevious(t, out, status, stamped)
	}
}

func testConcurrentAcquire(t *testing.T, store mutex.Store) {
	const contenders = 16
	key := newKey()
	var won, lost atomic.Int32
	var g errgroup.Group
	for i := 0; i < contenders; i++ {
		c, _ := newCoordinator(t, store, mutex.UniformWindows(time.Minute))
		g.Go(func() error {
			out, err := c.Acquire(context.Background(), key)
			if err != nil {
				return err
			}
			if out.Acquired() {
				won.Add(1)
			} else {
				lost.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent acquire: %v", err)
	}
	if won.Load() != 1 || lost.Load() != contenders-1 {
		t.Fatalf("expected 1 winner and %d contended, got %d and %d", contenders-1, won.Load(), lost.Load())
	}
}

func testProvisionIdempotent(t *testing.T, store mutex.Store) {
	c, _ := newCoordinator(t, store, mutex.UniformWindows(time.Minute))
	ctx := context.Background()
	if err := c.Provision(ctx); err != nil {
		t.Fatalf("provision: %v", err)
	}
	key := newKey()
	mustAcquire(t, c, key)
	if err := c.Provision(ctx); err != nil {
		t.Fatalf("second provision: %v", err)
	}
	mustContend(t, c, key)
}

func testWithLock(t *testing.T, store mutex.Store) {
	c, clk := newCoordinator(t, store, mutex.Windows{RunningAfter: time.Hour})
	ctx := context.Background()

	key := newKey()
	ran := false
	if err := c.WithLock(ctx, key, func(ctx context.Context) error {
		ran = true
		mustContend(t, c, key)
		return nil
	}); err != nil {
		t.Fatalf("with lock: %v", err)
	}
	if !ran {
		t.Fatal("function was not called")
	}
	out := mustAcquire(t, c, key)
	expectPrevious(t, out, mutex.StatusDone, clk.Now())

	boom := errors.New("boom")
	key = newKey()
	if err := c.WithLock(ctx, key, func(ctx context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected function error, got %v", err)
	}
	out = mustAcquire(t, c, key)
	expectPrevious(t, out, mutex.StatusFailed, clk.Now())

	err := c.WithLock(ctx, key, func(ctx context.Context) error {
		t.Fatal("function called while lock is held")
		return nil
	})
	if !errors.Is(err, mutex.ErrContended) {
		t.Fatalf("expected ErrContended, got %v", err)
	}
}
