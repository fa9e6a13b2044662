package queue

import (
	"context"
	"sync"
	"time"

	"github.com/chinmina/regtoken/internal/remote"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce sync.Once
	meter       metric.Meter
	operations  metric.Int64Counter
	duration    metric.Float64Histogram
	depth       metric.Int64ObservableGauge
)

func initMetrics() {
	metricsOnce.Do(func() {
		createInstruments(otel.Meter("github.com/chinmina/regtoken/internal/queue"))
	})
}

func createInstruments(m metric.Meter) {
	meter = m

	var err error
	operations, err = meter.Int64Counter(
		"registration_queue.operations",
		metric.WithDescription("Registration operations completed by the queue"),
	)
	if err != nil {
		otel.Handle(err)
	}

	duration, err = meter.Float64Histogram(
		"registration_queue.operation.duration",
		metric.WithDescription("Time spent performing a registration operation"),
		metric.WithUnit("s"),
	)
	if err != nil {
		otel.Handle(err)
	}

	depth, err = meter.Int64ObservableGauge(
		"registration_queue.depth",
		metric.WithDescription("Operations waiting for the queue worker"),
	)
	if err != nil {
		otel.Handle(err)
	}
}

// observeDepth reports the pending length of q until the returned
// registration is unregistered.
func observeDepth(q *Queue) metric.Registration {
	if meter == nil || depth == nil {
		return nil
	}

	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(depth, int64(q.Len()))
		return nil
	}, depth)
	if err != nil {
		otel.Handle(err)
		return nil
	}

	return reg
}

func attributes(action remote.Action, status string) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("registration.action", action.String()),
		attribute.String("registration.status", status),
	)
}

func recordOperation(ctx context.Context, action remote.Action, status string) {
	if operations == nil {
		return
	}

	operations.Add(ctx, 1, attributes(action, status))
}

func recordDuration(ctx context.Context, action remote.Action, status string, elapsed time.Duration) {
	if duration == nil {
		return
	}

	duration.Record(ctx, elapsed.Seconds(), attributes(action, status))
}
