// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/synopticon/distribution/distributor"
	"github.com/synopticon/distribution/pkg/retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ResultStatus is the outcome of one target in a distribution.
type ResultStatus string

// Result statuses.
const (
	StatusSuccess ResultStatus = "success"
	StatusError   ResultStatus = "error"
)

// Result is the outcome of delivering one event to one distributor.
type Result struct {
	Distributor string        `json:"distributor"`
	Status      ResultStatus  `json:"status"`
	Duration    time.Duration `json:"duration"`
	Attempts    int           `json:"attempts"`
	Error       string        `json:"error,omitempty"`
	Err         error         `json:"-"`
}

// Summary counts the results of a distribution.
type Summary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// Report is returned by every distribution call.
type Report struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Results   []Result  `json:"results"`
	Summary   Summary   `json:"summary"`
}

// Result returns the result for the named distributor.
func (r *Report) Result(name string) (Result, bool) {
	for _, res := range r.Results {
		if res.Distributor == name {
			return res, true
		}
	}
	return Result{}, false
}

type target struct {
	name string
	d    distributor.Distributor
}

type sendFunc func(ctx context.Context, d distributor.Distributor) error

// Distribute sends the event to targets concurrently and waits for every
// target to settle. The token "all", or no targets, selects every enabled
// distributor. Unknown and disabled targets are logged and skipped.
func (m *Manager) Distribute(ctx context.Context, event string, data any, targets []string, opts distributor.SendOptions) *Report {
	resolved := m.resolve(event, targets)
	return m.fanout(ctx, "manager.distribute", event, resolved, func(ctx context.Context, d distributor.Distributor) error {
		_, err := d.Send(ctx, event, data, opts)
		return err
	})
}

// Broadcast sends the event to every enabled distributor with the
// broadcast capability. Without any, it falls back to Distribute to all.
func (m *Manager) Broadcast(ctx context.Context, event string, data any, opts distributor.SendOptions) *Report {
	var targets []target
	for _, t := range m.resolve(event, []string{AllTargets}) {
		if t.d.Capabilities().Has(distributor.CapBroadcast) {
			targets = append(targets, t)
		}
	}
	if len(targets) == 0 {
		m.logger.Debug("no broadcast-capable distributors, distributing to all",
			slog.String("event", event))
		return m.Distribute(ctx, event, data, []string{AllTargets}, opts)
	}

	return m.fanout(ctx, "manager.broadcast", event, targets, func(ctx context.Context, d distributor.Distributor) error {
		_, err := distributor.Broadcast(ctx, d, event, data, opts)
		return err
	})
}

func (m *Manager) resolve(event string, names []string) []target {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := len(names) == 0
	for _, n := range names {
		if n == AllTargets {
			all = true
			break
		}
	}

	var out []target
	if all {
		for _, name := range m.order {
			e := m.entries[name]
			if e.d.Enabled() {
				out = append(out, target{name: name, d: e.d})
			}
		}
		return out
	}

	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true

		e, ok := m.entries[name]
		if !ok {
			m.logger.Warn("unknown distribution target skipped",
				slog.String("distributor", name),
				slog.String("event", event))
			continue
		}
		if !e.d.Enabled() {
			m.logger.Warn("disabled distribution target skipped",
				slog.String("distributor", name),
				slog.String("event", event))
			continue
		}
		out = append(out, target{name: name, d: e.d})
	}
	return out
}

func (m *Manager) fanout(ctx context.Context, op, event string, targets []target, send sendFunc) *Report {
	report := &Report{
		Event:     event,
		Timestamp: time.Now(),
		Results:   make([]Result, len(targets)),
	}

	var span trace.Span
	if m.tracer != nil {
		ctx, span = m.tracer.Start(ctx, op, trace.WithAttributes(
			attribute.String("event", event),
			attribute.Int("targets", len(targets)),
		))
		defer span.End()
	}

	if len(targets) == 0 {
		m.logger.Warn("no distributors available for event", slog.String("event", event))
	}

	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t target) {
			defer wg.Done()
			report.Results[i] = m.deliver(ctx, event, t, send)
		}(i, t)
	}
	wg.Wait()

	report.Summary.Total = len(report.Results)
	for _, r := range report.Results {
		if r.Status == StatusSuccess {
			report.Summary.Successful++
		} else {
			report.Summary.Failed++
		}
	}

	if span != nil {
		span.SetAttributes(
			attribute.Int("successful", report.Summary.Successful),
			attribute.Int("failed", report.Summary.Failed),
		)
		if report.Summary.Failed > 0 {
			span.SetStatus(codes.Error, "partial distribution failure")
		}
	}

	return report
}

func (m *Manager) deliver(ctx context.Context, event string, t target, send sendFunc) Result {
	start := time.Now()
	res := Result{Distributor: t.name}

	var err error
	if !m.limiter.Allow(t.name) {
		err = ErrRateLimited
		if m.metrics != nil {
			m.metrics.RecordRateLimited(t.name)
		}
	} else {
		policy := retry.Policy{
			MaxAttempts: m.opts.RetryAttempts,
			Backoff:     retry.Linear(m.opts.RetryDelay),
			Sleeper:     m.opts.Sleeper,
		}
		res.Attempts, err = policy.Do(ctx, func(attempt int) error {
			err := send(ctx, t.d)
			if err != nil && attempt < policy.MaxAttempts && !retry.IsNonRetryable(err) {
				m.logger.Debug("distribution failed, retrying",
					slog.String("distributor", t.name),
					slog.String("event", event),
					slog.Int("attempt", attempt),
					slog.Duration("retry_after", policy.Backoff(attempt)),
					slog.String("error", err.Error()))
			}
			return err
		})
	}
	res.Duration = time.Since(start)

	if err != nil {
		res.Status = StatusError
		res.Err = err
		res.Error = err.Error()
		m.totalErrors.Add(1)
		m.logger.Error("distribution failed",
			slog.String("distributor", t.name),
			slog.String("event", event),
			slog.Int("attempts", res.Attempts),
			slog.String("error", err.Error()))
	} else {
		res.Status = StatusSuccess
		m.totalMessages.Add(1)
	}

	if m.metrics != nil {
		m.metrics.RecordDistribution(t.name, event, err == nil, res.Attempts, float64(res.Duration.Microseconds())/1000)
	}
	return res
}
