// Package metrics holds the gateway's OpenTelemetry instruments. They record
// into the global MeterProvider, a no-op unless an exporter is installed.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "PPChat/gateway"

var (
	connsOpened        metric.Int64Counter
	connsClosed        metric.Int64Counter
	presenceFlips      metric.Int64Counter
	eventsPublished    metric.Int64Counter
	eventsDropped      metric.Int64Counter
	messagesPersisted  metric.Int64Counter
	registryViolations metric.Int64Counter
)

func init() {
	meter := otel.Meter(meterName)
	connsOpened, _ = meter.Int64Counter("ppchat_connections_opened_total",
		metric.WithDescription("Connections that completed authentication"))
	connsClosed, _ = meter.Int64Counter("ppchat_connections_closed_total",
		metric.WithDescription("Connections finalized, by close reason"))
	presenceFlips, _ = meter.Int64Counter("ppchat_presence_transitions_total",
		metric.WithDescription("Online/offline flips"))
	eventsPublished, _ = meter.Int64Counter("ppchat_events_published_total",
		metric.WithDescription("Events published to a group"))
	eventsDropped, _ = meter.Int64Counter("ppchat_events_dropped_total",
		metric.WithDescription("Events dropped because a mailbox was full"))
	messagesPersisted, _ = meter.Int64Counter("ppchat_messages_persisted_total",
		metric.WithDescription("Chat messages appended to the store"))
	registryViolations, _ = meter.Int64Counter("ppchat_registry_violations_total",
		metric.WithDescription("Closes observed at a zero connection count"))
}

func ConnOpened(ctx context.Context, kind string) {
	connsOpened.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func ConnClosed(ctx context.Context, kind, reason string) {
	connsClosed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind), attribute.String("reason", reason)))
}

func PresenceFlip(ctx context.Context, status string) {
	presenceFlips.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func Published(ctx context.Context, eventType string) {
	eventsPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

func Dropped(ctx context.Context, eventType string) {
	eventsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

func MessagePersisted(ctx context.Context) {
	messagesPersisted.Add(ctx, 1)
}

func RegistryViolation(ctx context.Context) {
	registryViolations.Add(ctx, 1)
}
