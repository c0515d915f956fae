// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"log/slog"
	"time"

	"github.com/synopticon/distribution/distributor"
)

// HealthReport aggregates distributor health.
type HealthReport struct {
	Timestamp    time.Time                     `json:"timestamp"`
	Healthy      int                           `json:"healthy"`
	Unhealthy    int                           `json:"unhealthy"`
	Distributors map[string]distributor.Health `json:"distributors"`
}

// StartHealthCheck starts periodic health checks. Calling it while
// running is a no-op.
func (m *Manager) StartHealthCheck() {
	m.healthMu.Lock()
	defer m.healthMu.Unlock()
	if m.healthStop != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	m.healthStop = stop
	m.healthDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.opts.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.CheckHealth()
			}
		}
	}()
}

// StopHealthCheck stops periodic health checks and waits for the loop to
// exit. Calling it while stopped is a no-op.
func (m *Manager) StopHealthCheck() {
	m.healthMu.Lock()
	stop, done := m.healthStop, m.healthDone
	m.healthStop, m.healthDone = nil, nil
	m.healthMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// CheckHealth collects the health of every registered distributor.
func (m *Manager) CheckHealth() HealthReport {
	m.mu.RLock()
	entries := make(map[string]distributor.Distributor, len(m.entries))
	for name, e := range m.entries {
		entries[name] = e.d
	}
	m.mu.RUnlock()

	report := HealthReport{
		Timestamp:    time.Now(),
		Distributors: make(map[string]distributor.Health, len(entries)),
	}
	for name, d := range entries {
		h := d.Health()
		if h.Status == "" {
			h.Status = distributor.StatusUnknown
			h.LastCheck = report.Timestamp
		}
		report.Distributors[name] = h
		if h.Status.Healthy() {
			report.Healthy++
		} else {
			report.Unhealthy++
		}
	}

	if report.Unhealthy > 0 {
		m.logger.Warn("unhealthy distributors detected",
			slog.Int("healthy", report.Healthy),
			slog.Int("unhealthy", report.Unhealthy))
	}
	if m.metrics != nil {
		m.metrics.RecordUnhealthy(report.Unhealthy)
	}
	return report
}
