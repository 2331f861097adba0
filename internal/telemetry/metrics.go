// Package telemetry provides OpenTelemetry instruments for the sync engine.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// ConnectionMeterName is the meter name for transport metrics
	ConnectionMeterName = "github.com/marcus/aula/conn"
	// SyncMeterName is the meter name for drain metrics
	SyncMeterName = "github.com/marcus/aula/sync"
	// AuthMeterName is the meter name for credential metrics
	AuthMeterName = "github.com/marcus/aula/auth"
)

// ConnectionMetrics holds the instruments for the connection manager.
type ConnectionMetrics struct {
	transitions metric.Int64Counter
	reconnects  metric.Int64Counter
	buffered    metric.Int64Counter
}

// NewConnectionMetrics returns nil (no-op metrics) when provider is nil.
func NewConnectionMetrics(provider metric.MeterProvider) (*ConnectionMetrics, error) {
	if provider == nil {
		return nil, nil
	}
	meter := provider.Meter(ConnectionMeterName)

	transitions, err := meter.Int64Counter(
		"aula_conn_state_transitions_total",
		metric.WithDescription("Connection state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}
	reconnects, err := meter.Int64Counter(
		"aula_conn_reconnect_attempts_total",
		metric.WithDescription("Scheduled automatic reconnect attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}
	buffered, err := meter.Int64Counter(
		"aula_conn_buffered_messages_total",
		metric.WithDescription("Messages routed to the pending store instead of the socket"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	return &ConnectionMetrics{transitions: transitions, reconnects: reconnects, buffered: buffered}, nil
}

// RecordTransition counts a move into state.
func (m *ConnectionMetrics) RecordTransition(ctx context.Context, state string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordReconnect counts a scheduled reconnect.
func (m *ConnectionMetrics) RecordReconnect(ctx context.Context, attempt int) {
	if m == nil || m.reconnects == nil {
		return
	}
	m.reconnects.Add(ctx, 1, metric.WithAttributes(attribute.Int("attempt", attempt)))
}

// RecordBuffered counts a message stored for later draining.
func (m *ConnectionMetrics) RecordBuffered(ctx context.Context, kind string) {
	if m == nil || m.buffered == nil {
		return
	}
	m.buffered.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// SyncMetrics holds the instruments for drains.
type SyncMetrics struct {
	drainDuration metric.Float64Histogram
	items         metric.Int64Counter
}

// NewSyncMetrics returns nil (no-op metrics) when provider is nil.
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}
	meter := provider.Meter(SyncMeterName)

	drainDuration, err := meter.Float64Histogram(
		"aula_sync_drain_duration_seconds",
		metric.WithDescription("Duration of drains in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, err
	}
	items, err := meter.Int64Counter(
		"aula_sync_items_total",
		metric.WithDescription("Pending items transmitted or failed during drains"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{drainDuration: drainDuration, items: items}, nil
}

// RecordDrain records a finished drain.
func (m *SyncMetrics) RecordDrain(ctx context.Context, outcome string, duration time.Duration) {
	if m == nil || m.drainDuration == nil {
		return
	}
	m.drainDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordItem counts one item send.
func (m *SyncMetrics) RecordItem(ctx context.Context, kind string, success bool) {
	if m == nil || m.items == nil {
		return
	}
	m.items.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("success", success),
	))
}

// AuthMetrics holds the instruments for credential renewal.
type AuthMetrics struct {
	renewals metric.Int64Counter
}

// NewAuthMetrics returns nil (no-op metrics) when provider is nil.
func NewAuthMetrics(provider metric.MeterProvider) (*AuthMetrics, error) {
	if provider == nil {
		return nil, nil
	}
	renewals, err := provider.Meter(AuthMeterName).Int64Counter(
		"aula_auth_renewals_total",
		metric.WithDescription("Credential renewal attempts by outcome"),
		metric.WithUnit("{renewal}"),
	)
	if err != nil {
		return nil, err
	}
	return &AuthMetrics{renewals: renewals}, nil
}

// RecordRenewal counts one renewal by outcome.
func (m *AuthMetrics) RecordRenewal(ctx context.Context, outcome string) {
	if m == nil || m.renewals == nil {
		return
	}
	m.renewals.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
