package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/taskloom/taskloom/daemon"
)

// meterName is the instrumentation scope name for taskloom metrics.
const meterName = "github.com/taskloom/taskloom"

// Metrics returns middleware that records per-rule execution metrics
// using the global OTel MeterProvider. If no MeterProvider is
// configured, noop instruments are used and this middleware becomes a
// pass-through.
//
// Instruments:
//   - taskloom.execution.duration (Float64Histogram): execution time in
//     seconds, with attributes: rule, status ("ok" or "error")
//   - taskloom.execution.count (Int64Counter): total executions,
//     with attributes: rule, status ("ok" or "error")
func Metrics() daemon.Middleware {
	meter := otel.Meter(meterName)
	return MetricsWithMeter(meter)
}

// MetricsWithMeter returns metrics middleware using the provided meter.
// This variant allows injecting a specific MeterProvider for testing.
func MetricsWithMeter(meter metric.Meter) daemon.Middleware {
	// Instruments are created once here; on error the OTel API returns
	// noop instruments so the middleware degrades gracefully.
	duration, _ := meter.Float64Histogram(
		"taskloom.execution.duration",
		metric.WithDescription("Duration of rule command execution in seconds"),
		metric.WithUnit("s"),
	)
	count, _ := meter.Int64Counter(
		"taskloom.execution.count",
		metric.WithDescription("Total number of rule executions"),
		metric.WithUnit("{execution}"),
	)

	return func(ctx context.Context, ex *daemon.Execution, next daemon.Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = "error"
		}

		attrs := metric.WithAttributes(
			attribute.String("rule", ex.RuleName),
			attribute.String("status", status),
		)

		duration.Record(ctx, elapsed, attrs)
		count.Add(ctx, 1, attrs)

		return err
	}
}
