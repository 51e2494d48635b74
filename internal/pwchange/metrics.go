package pwchange

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type metrics struct {
	submitCount  metric.Int64Counter
	tickCount    metric.Int64Counter
	tickDuration metric.Float64Histogram
	queueWait    metric.Float64Histogram
}

func newMetrics(logger pslog.Logger) *metrics {
	meter := otel.Meter("pkt.systems/pwchanged/pwchange")
	m := &metrics{}
	var err error

	m.submitCount, err = meter.Int64Counter(
		"pwchange.submit.total",
		metric.WithDescription("Password change submissions by outcome"),
	)
	logMetricInitError(logger, "pwchange.submit.total", err)

	m.tickCount, err = meter.Int64Counter(
		"pwchange.tick.total",
		metric.WithDescription("Worker ticks by outcome"),
	)
	logMetricInitError(logger, "pwchange.tick.total", err)

	m.tickDuration, err = meter.Float64Histogram(
		"pwchange.tick.duration",
		metric.WithDescription("Worker tick duration"),
		metric.WithUnit("s"),
	)
	logMetricInitError(logger, "pwchange.tick.duration", err)

	m.queueWait, err = meter.Float64Histogram(
		"pwchange.queue.wait",
		metric.WithDescription("Time between enqueue and processing"),
		metric.WithUnit("s"),
	)
	logMetricInitError(logger, "pwchange.queue.wait", err)

	return m
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err != nil && logger != nil {
		logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
	}
}

func (m *metrics) recordSubmit(ctx context.Context, err error) {
	if m == nil || m.submitCount == nil {
		return
	}
	outcome := "accepted"
	if err != nil {
		outcome = CodeOf(err)
		if outcome == "" {
			outcome = "error"
		}
	}
	m.submitCount.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *metrics) recordTick(ctx context.Context, result TickResult, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", result.String()))
	if m.tickCount != nil {
		m.tickCount.Add(ctx, 1, attrs)
	}
	if m.tickDuration != nil && result != TickEmpty {
		m.tickDuration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

func (m *metrics) recordQueueWait(ctx context.Context, wait time.Duration) {
	if m == nil || m.queueWait == nil || wait < 0 {
		return
	}
	m.queueWait.Record(ctx, wait.Seconds())
}
