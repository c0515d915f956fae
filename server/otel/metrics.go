// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope used for distribution metrics.
const MeterName = "synopticon-distribution"

// Metrics holds OpenTelemetry metric instruments for event distribution.
// All Record methods are no-ops on a nil receiver.
type Metrics struct {
	meter metric.Meter

	// Counters
	messagesTotal metric.Int64Counter
	errorsTotal   metric.Int64Counter
	attemptsTotal metric.Int64Counter
	rateLimited   metric.Int64Counter

	// UpDownCounters (Gauges)
	sessionsActive     metric.Int64UpDownCounter
	distributorsActive metric.Int64UpDownCounter
	unhealthy          metric.Int64Gauge

	// Histograms
	sendDuration metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter(MeterName))
}

// NewMetricsWithMeter creates a new Metrics instance on the given meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}

	var err error

	m.messagesTotal, err = m.meter.Int64Counter(
		"distribution.messages.total",
		metric.WithDescription("Total events handed to distributors, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesTotal counter: %w", err)
	}

	m.errorsTotal, err = m.meter.Int64Counter(
		"distribution.errors.total",
		metric.WithDescription("Total failed distributions after retries"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create errorsTotal counter: %w", err)
	}

	m.attemptsTotal, err = m.meter.Int64Counter(
		"distribution.attempts.total",
		metric.WithDescription("Total send attempts including retries"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create attemptsTotal counter: %w", err)
	}

	m.rateLimited, err = m.meter.Int64Counter(
		"distribution.rate_limited.total",
		metric.WithDescription("Total sends rejected by the rate limiter"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rateLimited counter: %w", err)
	}

	m.sessionsActive, err = m.meter.Int64UpDownCounter(
		"distribution.sessions.active",
		metric.WithDescription("Number of open distribution sessions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessionsActive gauge: %w", err)
	}

	m.distributorsActive, err = m.meter.Int64UpDownCounter(
		"distribution.distributors.registered",
		metric.WithDescription("Number of registered distributors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create distributorsActive gauge: %w", err)
	}

	m.unhealthy, err = m.meter.Int64Gauge(
		"distribution.distributors.unhealthy",
		metric.WithDescription("Distributors reported unhealthy by the last health check"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create unhealthy gauge: %w", err)
	}

	m.sendDuration, err = m.meter.Float64Histogram(
		"distribution.send.duration.ms",
		metric.WithDescription("Per-distributor send duration in milliseconds, retries included"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sendDuration histogram: %w", err)
	}

	return m, nil
}

// RecordDistribution records the outcome of delivering one event to one
// distributor.
func (m *Metrics) RecordDistribution(distributor, event string, success bool, attempts int, durationMs float64) {
	if m == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("distributor", distributor),
		attribute.String("event", event),
	)
	m.messagesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("distributor", distributor),
		attribute.String("event", event),
		attribute.Bool("success", success),
	))
	m.attemptsTotal.Add(ctx, int64(attempts), attrs)
	m.sendDuration.Record(ctx, durationMs, attrs)
	if !success {
		m.errorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordRateLimited records a send rejected by the rate limiter.
func (m *Metrics) RecordRateLimited(distributor string) {
	if m == nil {
		return
	}
	m.rateLimited.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("distributor", distributor),
	))
}

// RecordSessionOpened records a new session.
func (m *Metrics) RecordSessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Add(context.Background(), 1)
}

// RecordSessionClosed records a session being closed.
func (m *Metrics) RecordSessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Add(context.Background(), -1)
}

// RecordDistributorRegistered records a distributor registration.
func (m *Metrics) RecordDistributorRegistered(name string) {
	if m == nil {
		return
	}
	m.distributorsActive.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("distributor", name),
	))
}

// RecordDistributorUnregistered records a distributor removal.
func (m *Metrics) RecordDistributorUnregistered(name string) {
	if m == nil {
		return
	}
	m.distributorsActive.Add(context.Background(), -1, metric.WithAttributes(
		attribute.String("distributor", name),
	))
}

// RecordUnhealthy records the unhealthy distributor count of a health check.
func (m *Metrics) RecordUnhealthy(n int) {
	if m == nil {
		return
	}
	m.unhealthy.Record(context.Background(), int64(n))
}
