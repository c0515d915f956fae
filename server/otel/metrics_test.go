// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synopticon/distribution/config"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetricsWithMeter(mp.Meter(MeterName))
	require.NoError(t, err)
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, data metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", data)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestRecordDistribution(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.RecordDistribution("http_s1", "face_detected", true, 1, 3.5)
	m.RecordDistribution("udp_s1", "face_detected", false, 2, 12)

	data := collect(t, reader)
	assert.Equal(t, int64(2), sumOf(t, data["distribution.messages.total"]))
	assert.Equal(t, int64(3), sumOf(t, data["distribution.attempts.total"]))
	assert.Equal(t, int64(1), sumOf(t, data["distribution.errors.total"]))

	hist, ok := data["distribution.send.duration.ms"].(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(2), count)
}

func TestRecordGauges(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.RecordSessionOpened()
	m.RecordSessionOpened()
	m.RecordSessionClosed()
	m.RecordDistributorRegistered("mqtt")
	m.RecordRateLimited("mqtt_s1")
	m.RecordUnhealthy(2)

	data := collect(t, reader)
	assert.Equal(t, int64(1), sumOf(t, data["distribution.sessions.active"]))
	assert.Equal(t, int64(1), sumOf(t, data["distribution.distributors.registered"]))
	assert.Equal(t, int64(1), sumOf(t, data["distribution.rate_limited.total"]))

	gauge, ok := data["distribution.distributors.unhealthy"].(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(2), gauge.DataPoints[0].Value)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordDistribution("d", "e", true, 1, 1)
		m.RecordRateLimited("d")
		m.RecordSessionOpened()
		m.RecordSessionClosed()
		m.RecordDistributorRegistered("http")
		m.RecordDistributorUnregistered("http")
		m.RecordUnhealthy(0)
	})
}

func TestTracer(t *testing.T) {
	cfg := config.Default().Telemetry
	assert.Nil(t, Tracer(cfg, "distribution"))

	cfg.Enabled = true
	assert.Nil(t, Tracer(cfg, "distribution"))

	cfg.TracesEnabled = true
	assert.NotNil(t, Tracer(cfg, "distribution"))
}
