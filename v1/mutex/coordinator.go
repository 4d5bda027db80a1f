package mutex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-mutex/v1/metrics"
	"github.com/mirkobrombin/go-mutex/v1/notify"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-mutex/v1/mutex")

// Windows are the staleness windows of each status. A lease with status S
// updated at t becomes reclaimable once now >= t + window(S).
type Windows struct {
	DoneAfter    time.Duration
	FailedAfter  time.Duration
	RunningAfter time.Duration
}

// UniformWindows returns Windows using d for every status.
func UniformWindows(d time.Duration) Windows {
	return Windows{DoneAfter: d, FailedAfter: d, RunningAfter: d}
}

func (w Windows) validate() error {
	if w.DoneAfter < 0 || w.FailedAfter < 0 || w.RunningAfter < 0 {
		return ErrInvalidWindow
	}
	return nil
}

// Coordinator implements the lease protocol on top of a Store. It holds no
// mutable state and is safe for concurrent use; any number of coordinators,
// in any number of processes, may share the same table.
type Coordinator struct {
	store   Store
	windows Windows
	clock   clock.Clock
	logger  *slog.Logger
	bus     notify.Bus
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the time source used to stamp and age leases.
func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) {
		co.clock = c
	}
}

// WithLogger sets the logger. It defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(co *Coordinator) {
		co.logger = l
	}
}

// WithBus publishes a signal on bus after every committed transition.
func WithBus(bus notify.Bus) Option {
	return func(co *Coordinator) {
		co.bus = bus
	}
}

// New returns a Coordinator storing leases in store.
func New(store Store, windows Windows, opts ...Option) (*Coordinator, error) {
	if err := windows.validate(); err != nil {
		return nil, err
	}
	c := &Coordinator{
		store:   store,
		windows: windows,
		clock:   clock.WallClock,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Windows returns the configured staleness windows.
func (c *Coordinator) Windows() Windows {
	return c.windows
}

// Acquire tries to take the lock on key. It succeeds when the key was never
// locked or when its lease is older than the window of its status; otherwise
// the returned Outcome is contended. Contention is not an error.
func (c *Coordinator) Acquire(ctx context.Context, key string) (Outcome, error) {
	if key == "" {
		return Outcome{}, ErrEmptyKey
	}
	ctx, span := tracer.Start(ctx, "Coordinator.Acquire", trace.WithAttributes(attribute.String("mutex.key", key)))
	defer span.End()

	start := time.Now()
	now := c.clock.Now().UnixMilli()
	prior, err := c.store.Update(ctx, key, acquireCondition(now, c.windows), Record{Status: StatusRunning, UpdatedAt: now})
	metrics.OperationLatency.WithLabelValues("acquire").Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
	case errors.Is(err, ErrConditionFailed):
		metrics.AcquireCounter.WithLabelValues(metrics.ResultContended).Inc()
		span.SetAttributes(attribute.String("mutex.result", metrics.ResultContended))
		c.logger.Debug("mutex: lock contended", "key", key)
		return Outcome{}, nil
	case errors.Is(err, ErrMalformedRecord):
		c.fail(span, metrics.AcquireCounter, err)
		c.logger.Error("mutex: stored lease is malformed", "key", key, "error", err)
		return Outcome{}, err
	default:
		err = fmt.Errorf("%w: %w", ErrStorage, err)
		c.fail(span, metrics.AcquireCounter, err)
		c.logger.Warn("mutex: acquire failed", "key", key, "error", err)
		return Outcome{}, err
	}

	metrics.AcquireCounter.WithLabelValues(metrics.ResultAcquired).Inc()
	span.SetAttributes(
		attribute.String("mutex.result", metrics.ResultAcquired),
		attribute.String("mutex.previous_status", prior.Status.String()),
	)
	c.logger.Debug("mutex: lock acquired", "key", key, "previous", prior.Status.String(), "previous_updated_at", prior.UpdatedAt)
	c.publish(ctx, notify.AcquiredTopic(key))
	return acquired(prior), nil
}

// Release hands the lock on key back, recording status (DONE or FAILED).
// It only succeeds while the lease is RUNNING: ErrConditionFailed means the
// lease was never taken or has been reclaimed by someone else, and the caller
// must consider the lock lost rather than retry.
func (c *Coordinator) Release(ctx context.Context, key string, status Status) error {
	if key == "" {
		return ErrEmptyKey
	}
	if !status.Terminal() {
		return fmt.Errorf("%w: got %s", ErrInvalidStatus, status)
	}
	ctx, span := tracer.Start(ctx, "Coordinator.Release", trace.WithAttributes(
		attribute.String("mutex.key", key),
		attribute.String("mutex.status", status.String()),
	))
	defer span.End()

	start := time.Now()
	now := c.clock.Now().UnixMilli()
	_, err := c.store.Update(ctx, key, releaseCondition(), Record{Status: status, UpdatedAt: now})
	metrics.OperationLatency.WithLabelValues("release").Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
	case errors.Is(err, ErrConditionFailed):
		metrics.ReleaseCounter.WithLabelValues(metrics.ResultLost).Inc()
		span.SetAttributes(attribute.String("mutex.result", metrics.ResultLost))
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("mutex: release on a lease that is not running", "key", key, "status", status.String())
		return err
	case errors.Is(err, ErrMalformedRecord):
		c.fail(span, metrics.ReleaseCounter, err)
		return err
	default:
		err = fmt.Errorf("%w: %w", ErrStorage, err)
		c.fail(span, metrics.ReleaseCounter, err)
		c.logger.Warn("mutex: release failed", "key", key, "error", err)
		return err
	}

	metrics.ReleaseCounter.WithLabelValues(metrics.ResultReleased).Inc()
	span.SetAttributes(attribute.String("mutex.result", metrics.ResultReleased))
	c.logger.Debug("mutex: lock released", "key", key, "status", status.String())
	c.publish(ctx, notify.ReleasedTopic(key))
	return nil
}

// Provision creates the backing table if it does not exist yet.
func (c *Coordinator) Provision(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Coordinator.Provision")
	defer span.End()

	start := time.Now()
	err := c.store.Provision(ctx)
	metrics.OperationLatency.WithLabelValues("provision").Observe(time.Since(start).Seconds())
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrProvisioning, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("mutex: provisioning failed", "error", err)
		return err
	}
	c.logger.Info("mutex: table provisioned")
	return nil
}

// WithLock acquires key, runs fn and releases key as DONE when fn returns nil
// or FAILED otherwise. It returns ErrContended without calling fn when the
// lock is held. The release runs even if ctx was cancelled while fn ran.
func (c *Coordinator) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	out, err := c.Acquire(ctx, key)
	if err != nil {
		return err
	}
	if out.Contended() {
		return ErrContended
	}

	runErr := fn(ctx)
	status := StatusDone
	if runErr != nil {
		status = StatusFailed
	}
	relErr := c.Release(context.WithoutCancel(ctx), key, status)
	return errors.Join(runErr, relErr)
}

func (c *Coordinator) fail(span trace.Span, counter *prometheus.CounterVec, err error) {
	counter.WithLabelValues(metrics.ResultError).Inc()
	span.SetAttributes(attribute.String("mutex.result", metrics.ResultError))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func (c *Coordinator) publish(ctx context.Context, topic string) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(ctx, topic); err != nil {
		metrics.NotifyCounter.WithLabelValues("error").Inc()
		c.logger.Warn("mutex: transition notification failed", "topic", topic, "error", err)
		return
	}
	metrics.NotifyCounter.WithLabelValues("published").Inc()
}
