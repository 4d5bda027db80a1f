package mutex_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mirkobrombin/go-mutex/v1/metrics"
	"github.com/mirkobrombin/go-mutex/v1/mutex"
	"github.com/mirkobrombin/go-mutex/v1/notify"
	"github.com/mirkobrombin/go-mutex/v1/store/memory"
)

// stubStore returns canned results and records the last request.
type stubStore struct {
	prior     mutex.Record
	err       error
	provision error

	key  string
	cond mutex.Condition
	next mutex.Record
}

func (s *stubStore) Update(ctx context.Context, key string, cond mutex.Condition, next mutex.Record) (mutex.Record, error) {
	s.key, s.cond, s.next = key, cond, next
	return s.prior, s.err
}

func (s *stubStore) Provision(ctx context.Context) error {
	return s.provision
}

type failingBus struct{ notify.Bus }

func (failingBus) Publish(ctx context.Context, topic string) error {
	return errors.New("bus down")
}

func newCoordinator(t *testing.T, store mutex.Store, opts ...mutex.Option) *mutex.Coordinator {
	t.Helper()
	c, err := mutex.New(store, mutex.UniformWindows(10*time.Second), opts...)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return c
}

func TestNewRejectsNegativeWindow(t *testing.T) {
	_, err := mutex.New(memory.New(), mutex.Windows{DoneAfter: -time.Millisecond})
	if !errors.Is(err, mutex.ErrInvalidWindow) {
		t.Fatalf("expected ErrInvalidWindow, got %v", err)
	}
}

func TestArgumentValidation(t *testing.T) {
	c := newCoordinator(t, memory.New())
	ctx := context.Background()
	if _, err := c.Acquire(ctx, ""); !errors.Is(err, mutex.ErrEmptyKey) {
		t.Fatalf("acquire empty key: %v", err)
	}
	if err := c.Release(ctx, "", mutex.StatusDone); !errors.Is(err, mutex.ErrEmptyKey) {
		t.Fatalf("release empty key: %v", err)
	}
	for _, s := range []mutex.Status{mutex.StatusRunning, mutex.StatusNone, "BOGUS"} {
		if err := c.Release(ctx, "k", s); !errors.Is(err, mutex.ErrInvalidStatus) {
			t.Fatalf("release with %s: expected ErrInvalidStatus, got %v", s, err)
		}
	}
}

func TestAcquireRequestShape(t *testing.T) {
	store := &stubStore{}
	clk := testclock.NewClock(time.UnixMilli(50_000))
	c, err := mutex.New(store, mutex.Windows{DoneAfter: time.Second, FailedAfter: 2 * time.Second, RunningAfter: 3 * time.Second}, mutex.WithClock(clk))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := c.Acquire(context.Background(), "job"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if store.key != "job" {
		t.Fatalf("unexpected key %q", store.key)
	}
	if store.next != (mutex.Record{Status: mutex.StatusRunning, UpdatedAt: 50_000}) {
		t.Fatalf("unexpected next record %+v", store.next)
	}
	want := mutex.Any{
		mutex.Absent{},
		mutex.All{mutex.StatusIs{Status: mutex.StatusDone}, mutex.UpdatedAtMost{Millis: 49_000}},
		mutex.All{mutex.StatusIs{Status: mutex.StatusFailed}, mutex.UpdatedAtMost{Millis: 48_000}},
		mutex.All{mutex.StatusIs{Status: mutex.StatusRunning}, mutex.UpdatedAtMost{Millis: 47_000}},
	}
	if fmt.Sprint(store.cond) != fmt.Sprint(want) {
		t.Fatalf("unexpected condition\n got %v\nwant %v", store.cond, want)
	}
}

func TestReleaseRequestShape(t *testing.T) {
	store := &stubStore{}
	clk := testclock.NewClock(time.UnixMilli(7_000))
	c, _ := mutex.New(store, mutex.UniformWindows(time.Second), mutex.WithClock(clk))
	if err := c.Release(context.Background(), "job", mutex.StatusFailed); err != nil {
		t.Fatalf("release: %v", err)
	}
	if store.cond != (mutex.StatusIs{Status: mutex.StatusRunning}) {
		t.Fatalf("unexpected condition %v", store.cond)
	}
	if store.next != (mutex.Record{Status: mutex.StatusFailed, UpdatedAt: 7_000}) {
		t.Fatalf("unexpected next record %+v", store.next)
	}
}

func TestStorageErrorsAreWrapped(t *testing.T) {
	boom := errors.New("boom")
	c := newCoordinator(t, &stubStore{err: boom, provision: boom})
	ctx := context.Background()

	_, err := c.Acquire(ctx, "k")
	if !errors.Is(err, mutex.ErrStorage) || !errors.Is(err, boom) {
		t.Fatalf("acquire: expected wrapped storage error, got %v", err)
	}
	err = c.Release(ctx, "k", mutex.StatusDone)
	if !errors.Is(err, mutex.ErrStorage) || !errors.Is(err, boom) {
		t.Fatalf("release: expected wrapped storage error, got %v", err)
	}
	err = c.Provision(ctx)
	if !errors.Is(err, mutex.ErrProvisioning) || !errors.Is(err, boom) {
		t.Fatalf("provision: expected wrapped provisioning error, got %v", err)
	}
}

func TestMalformedRecordIsNotAStorageError(t *testing.T) {
	_, perr := mutex.ParseStatus("PAUSED")
	c := newCoordinator(t, &stubStore{err: perr})
	_, err := c.Acquire(context.Background(), "k")
	if !errors.Is(err, mutex.ErrMalformedRecord) {
		t.Fatalf("expected ErrMalformedRecord, got %v", err)
	}
	if errors.Is(err, mutex.ErrStorage) {
		t.Fatalf("malformed record reported as storage failure: %v", err)
	}
}

func TestContentionIsNotAnError(t *testing.T) {
	c := newCoordinator(t, &stubStore{err: mutex.ErrConditionFailed})
	before := testutil.ToFloat64(metrics.AcquireCounter.WithLabelValues(metrics.ResultContended))
	out, err := c.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !out.Contended() || out.Acquired() {
		t.Fatalf("expected contended, got %v", out)
	}
	if out.String() != "contended" {
		t.Fatalf("unexpected string %q", out.String())
	}
	after := testutil.ToFloat64(metrics.AcquireCounter.WithLabelValues(metrics.ResultContended))
	if after-before != 1 {
		t.Fatalf("expected contended counter to grow by 1, got %v", after-before)
	}
}

func TestReleaseConditionFailureIsReturned(t *testing.T) {
	c := newCoordinator(t, &stubStore{err: mutex.ErrConditionFailed})
	before := testutil.ToFloat64(metrics.ReleaseCounter.WithLabelValues(metrics.ResultLost))
	err := c.Release(context.Background(), "k", mutex.StatusDone)
	if !errors.Is(err, mutex.ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}
	if errors.Is(err, mutex.ErrStorage) {
		t.Fatalf("lost lock reported as storage failure: %v", err)
	}
	if got := testutil.ToFloat64(metrics.ReleaseCounter.WithLabelValues(metrics.ResultLost)) - before; got != 1 {
		t.Fatalf("expected lost counter to grow by 1, got %v", got)
	}
}

func TestOutcomeCarriesPrior(t *testing.T) {
	c := newCoordinator(t, &stubStore{prior: mutex.Record{Status: mutex.StatusDone, UpdatedAt: 42}})
	out, err := c.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !out.Acquired() || out.Previous() != mutex.StatusDone || out.PreviousUpdatedAt() != 42 {
		t.Fatalf("unexpected outcome %v", out)
	}
	if out.String() != "acquired(previous=DONE, updatedAt=42)" {
		t.Fatalf("unexpected string %q", out.String())
	}
}

func TestTransitionsArePublished(t *testing.T) {
	bus := notify.NewInMemoryBus()
	c := newCoordinator(t, memory.New(), mutex.WithBus(bus))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	acquiredCh, err := bus.Subscribe(ctx, notify.AcquiredTopic("k"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	releasedCh, err := bus.Subscribe(ctx, notify.ReleasedTopic("k"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := c.Acquire(ctx, "k"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	select {
	case <-acquiredCh:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for acquired signal")
	}

	// contention commits nothing and signals nothing
	if _, err := c.Acquire(ctx, "k"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	select {
	case <-acquiredCh:
		t.Fatal("unexpected acquired signal on contention")
	default:
	}

	if err := c.Release(ctx, "k", mutex.StatusDone); err != nil {
		t.Fatalf("release: %v", err)
	}
	select {
	case <-releasedCh:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for released signal")
	}
}

func TestPublishFailureDoesNotFailTransition(t *testing.T) {
	c := newCoordinator(t, memory.New(), mutex.WithBus(failingBus{}))
	before := testutil.ToFloat64(metrics.NotifyCounter.WithLabelValues("error"))
	out, err := c.Acquire(context.Background(), "k")
	if err != nil || !out.Acquired() {
		t.Fatalf("acquire: %v %v", out, err)
	}
	if got := testutil.ToFloat64(metrics.NotifyCounter.WithLabelValues("error")) - before; got != 1 {
		t.Fatalf("expected notify error counter to grow by 1, got %v", got)
	}
}

func TestWithLockReleasesAfterCancellation(t *testing.T) {
	store := memory.New()
	c := newCoordinator(t, store)
	ctx, cancel := context.WithCancel(context.Background())
	err := c.WithLock(ctx, "k", func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	r, ok := store.Get("k")
	if !ok || r.Status != mutex.StatusFailed {
		t.Fatalf("expected FAILED record, got %+v ok %v", r, ok)
	}
}

func TestMetricsRegister(t *testing.T) {
	reg := metrics.NewRegistry()
	metrics.RegisterMetrics(reg)
	c := newCoordinator(t, memory.New())
	if _, err := c.Acquire(context.Background(), "k"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if n, err := testutil.GatherAndCount(reg, "mutex_acquire_total"); err != nil || n == 0 {
		t.Fatalf("mutex_acquire_total not collected: %d %v", n, err)
	}
}
