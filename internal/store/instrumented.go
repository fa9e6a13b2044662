package store

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce     sync.Once
	storeOperations metric.Int64Counter
	storeDuration   metric.Float64Histogram
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("github.com/chinmina/regtoken/internal/store")

		var err error
		storeOperations, err = meter.Int64Counter(
			"token_store.operations",
			metric.WithDescription("Total token store operations"),
		)
		if err != nil {
			otel.Handle(err)
		}

		storeDuration, err = meter.Float64Histogram(
			"token_store.operation.duration",
			metric.WithDescription("Token store operation duration"),
			metric.WithUnit("s"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

// Instrumented wraps a Backend with metrics instrumentation.
type Instrumented[T any] struct {
	wrapped     Backend[T]
	backendType string
}

// Compile-time check to ensure Instrumented implements Backend
var _ Backend[struct{}] = (*Instrumented[struct{}])(nil)

// NewInstrumented creates an instrumented backend wrapper.
func NewInstrumented[T any](backend Backend[T], backendType string) *Instrumented[T] {
	initMetrics()
	return &Instrumented[T]{
		wrapped:     backend,
		backendType: backendType,
	}
}

func (i *Instrumented[T]) Get(ctx context.Context, key string) (T, bool, error) {
	start := time.Now()

	value, found, err := i.wrapped.Get(ctx, key)

	status := "miss"
	if err != nil {
		status = "error"
	} else if found {
		status = "hit"
	}
	i.record(ctx, "get", status, time.Since(start))

	return value, found, err
}

func (i *Instrumented[T]) Set(ctx context.Context, key string, value T) error {
	start := time.Now()
	err := i.wrapped.Set(ctx, key, value)
	i.record(ctx, "set", errorStatus(err), time.Since(start))
	return err
}

func (i *Instrumented[T]) Invalidate(ctx context.Context, key string) error {
	start := time.Now()
	err := i.wrapped.Invalidate(ctx, key)
	i.record(ctx, "invalidate", errorStatus(err), time.Since(start))
	return err
}

func (i *Instrumented[T]) List(ctx context.Context) ([]T, error) {
	start := time.Now()
	records, err := i.wrapped.List(ctx)
	i.record(ctx, "list", errorStatus(err), time.Since(start))
	return records, err
}

func (i *Instrumented[T]) Clear(ctx context.Context) error {
	start := time.Now()
	err := i.wrapped.Clear(ctx)
	i.record(ctx, "clear", errorStatus(err), time.Since(start))
	return err
}

func (i *Instrumented[T]) Close() error {
	return i.wrapped.Close()
}

func errorStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (i *Instrumented[T]) record(ctx context.Context, operation, status string, duration time.Duration) {
	if storeOperations != nil {
		storeOperations.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("store.type", i.backendType),
				attribute.String("store.operation", operation),
				attribute.String("store.status", status),
			),
		)
	}

	if storeDuration != nil {
		storeDuration.Record(ctx, duration.Seconds(),
			metric.WithAttributes(
				attribute.String("store.type", i.backendType),
				attribute.String("store.operation", operation),
			),
		)
	}

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("store.type", i.backendType),
		attribute.String("store."+operation+".status", status),
		attribute.Float64("store."+operation+".duration", duration.Seconds()),
	)
}
