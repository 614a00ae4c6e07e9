package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/iamasit07/souqchat"

// Metrics groups the service instruments. A nil *Metrics records nothing.
type Metrics struct {
	probeLatency  metric.Float64Histogram
	connections   metric.Int64UpDownCounter
	messages      metric.Int64Counter
	liveDelivery  metric.Int64Counter
	rateLimited   metric.Int64Counter
	notifications metric.Int64Counter
	tokensPruned  metric.Int64Counter
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.probeLatency, err = meter.Float64Histogram("chat.connection.probe_latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Round trip time of connection liveness probes"),
		metric.WithExplicitBucketBoundaries(25, 50, 100, 200, 400, 800, 1600, 3200, 6400)); err != nil {
		return nil, err
	}
	if m.connections, err = meter.Int64UpDownCounter("chat.connections.active",
		metric.WithDescription("Live connections")); err != nil {
		return nil, err
	}
	if m.messages, err = meter.Int64Counter("chat.messages.accepted",
		metric.WithDescription("Messages persisted, by type")); err != nil {
		return nil, err
	}
	if m.liveDelivery, err = meter.Int64Counter("chat.delivery.pushes",
		metric.WithDescription("Frame pushes to live connections, by outcome")); err != nil {
		return nil, err
	}
	if m.rateLimited, err = meter.Int64Counter("chat.ratelimit.rejections",
		metric.WithDescription("Rejected actions, by class")); err != nil {
		return nil, err
	}
	if m.notifications, err = meter.Int64Counter("chat.notifications.tokens",
		metric.WithDescription("Push gateway results per token, by outcome")); err != nil {
		return nil, err
	}
	if m.tokensPruned, err = meter.Int64Counter("chat.notifications.tokens_pruned",
		metric.WithDescription("Device registrations removed, by reason")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) RecordProbe(ctx context.Context, rtt time.Duration, degraded bool) {
	if m == nil {
		return
	}
	m.probeLatency.Record(ctx, float64(rtt)/float64(time.Millisecond),
		metric.WithAttributes(attribute.Bool("degraded", degraded)))
}

func (m *Metrics) ConnectionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, 1)
}

func (m *Metrics) ConnectionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, -1)
}

func (m *Metrics) MessageAccepted(ctx context.Context, messageType string) {
	if m == nil {
		return
	}
	m.messages.Add(ctx, 1, metric.WithAttributes(attribute.String("type", messageType)))
}

func (m *Metrics) LivePush(ctx context.Context, ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "degraded"
	}
	m.liveDelivery.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RateLimited(ctx context.Context, action string) {
	if m == nil {
		return
	}
	m.rateLimited.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

func (m *Metrics) NotificationResults(ctx context.Context, class string, ok, invalid, failed int) {
	if m == nil {
		return
	}
	for outcome, n := range map[string]int{"ok": ok, "invalid": invalid, "failed": failed} {
		if n == 0 {
			continue
		}
		m.notifications.Add(ctx, int64(n), metric.WithAttributes(
			attribute.String("class", class),
			attribute.String("outcome", outcome)))
	}
}

func (m *Metrics) TokensPruned(ctx context.Context, reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.tokensPruned.Add(ctx, int64(n), metric.WithAttributes(attribute.String("reason", reason)))
}
