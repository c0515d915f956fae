// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package manager owns a registry of named distributors and fans events
// out to them with bounded retry, event routing and periodic health checks.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/synopticon/distribution/distributor"
	"github.com/synopticon/distribution/pkg/retry"
	"github.com/synopticon/distribution/ratelimit"
	"github.com/synopticon/distribution/server/otel"
	"go.opentelemetry.io/otel/trace"
)

// AllTargets expands to every enabled distributor.
const AllTargets = "all"

// Defaults.
const (
	DefaultRetryAttempts       = 3
	DefaultRetryDelay          = time.Second
	DefaultHealthCheckInterval = 30 * time.Second
)

// Options configures a Manager.
type Options struct {
	RetryAttempts       int
	RetryDelay          time.Duration // attempt n waits RetryDelay × n
	HealthCheckInterval time.Duration
	Sleeper             retry.Sleeper      // nil uses real timers
	Limiter             *ratelimit.Limiter // nil if rate limiting disabled
	Metrics             *otel.Metrics      // nil if metrics disabled
	Tracer              trace.Tracer       // nil if tracing disabled
	Logger              *slog.Logger
}

// DefaultOptions returns the default manager options.
func DefaultOptions() Options {
	return Options{
		RetryAttempts:       DefaultRetryAttempts,
		RetryDelay:          DefaultRetryDelay,
		HealthCheckInterval: DefaultHealthCheckInterval,
	}
}

// Manager is a registry of named distributors.
type Manager struct {
	opts    Options
	logger  *slog.Logger
	metrics *otel.Metrics
	tracer  trace.Tracer
	limiter *ratelimit.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
	routes  map[string]Route
	closed  bool

	totalMessages atomic.Uint64
	totalErrors   atomic.Uint64

	healthMu   sync.Mutex
	healthStop chan struct{}
	healthDone chan struct{}
}

type entry struct {
	d         distributor.Distributor
	connected chan struct{} // closed once the registration connect finished
}

// Stats is a snapshot of manager counters.
type Stats struct {
	TotalMessages      uint64                       `json:"total_messages"`
	TotalErrors        uint64                       `json:"total_errors"`
	Distributors       int                          `json:"distributors"`
	Enabled            int                          `json:"enabled"`
	Routes             int                          `json:"routes"`
	HealthCheckRunning bool                         `json:"health_check_running"`
	PerDistributor     map[string]distributor.Stats `json:"per_distributor"`
}

// New creates a manager. Zero option values take the defaults.
func New(opts Options) *Manager {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = DefaultRetryAttempts
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = DefaultHealthCheckInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:    opts,
		logger:  logger,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		limiter: opts.Limiter,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*entry),
		routes:  make(map[string]Route),
	}
}

// Register adds d under name and starts a best-effort asynchronous
// connect. A distributor already connected, or one whose last connect
// failed, is not connected again. A connect failure is logged and leaves
// the distributor registered and enabled.
func (m *Manager) Register(name string, d distributor.Distributor) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidDistributor)
	}
	if err := distributor.Validate(d); err != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalidDistributor, name, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, ok := m.entries[name]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDistributorExists, name)
	}
	e := &entry{d: d, connected: make(chan struct{})}
	m.entries[name] = e
	m.order = append(m.order, name)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordDistributorRegistered(d.Name())
	}

	go m.connect(name, e)

	m.logger.Info("distributor registered",
		slog.String("distributor", name),
		slog.String("capabilities", d.Capabilities().String()))
	return nil
}

func (m *Manager) connect(name string, e *entry) {
	defer close(e.connected)
	switch e.d.Health().Status {
	case distributor.StatusConnected, distributor.StatusError:
		return
	}
	if err := e.d.Connect(m.ctx); err != nil {
		m.logger.Warn("distributor connect failed",
			slog.String("distributor", name),
			slog.String("error", err.Error()))
	}
}

// Unregister removes the distributor, cleans it up and drops it from
// every route. Routes left without distributors are removed.
func (m *Manager) Unregister(ctx context.Context, name string) error {
	m.mu.Lock()
	e, ok := m.entries[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDistributorNotFound, name)
	}
	delete(m.entries, name)
	m.order = removeName(m.order, name)
	for event, r := range m.routes {
		r.Distributors = removeName(r.Distributors, name)
		if len(r.Distributors) == 0 {
			delete(m.routes, event)
			continue
		}
		m.routes[event] = r
	}
	m.mu.Unlock()

	m.limiter.Remove(name)
	if m.metrics != nil {
		m.metrics.RecordDistributorUnregistered(e.d.Name())
	}

	err := m.cleanupEntry(ctx, name, e)
	m.logger.Info("distributor unregistered", slog.String("distributor", name))
	return err
}

func (m *Manager) cleanupEntry(ctx context.Context, name string, e *entry) error {
	select {
	case <-e.connected:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := e.d.Cleanup(ctx); err != nil {
		m.logger.Warn("distributor cleanup failed",
			slog.String("distributor", name),
			slog.String("error", err.Error()))
		return err
	}
	return nil
}

// Get returns the distributor registered under name.
func (m *Manager) Get(name string) (distributor.Distributor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	if !ok {
		return nil, false
	}
	return e.d, true
}

// Names returns registered names in registration order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// Stats returns a snapshot of the manager counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	s := Stats{
		TotalMessages:  m.totalMessages.Load(),
		TotalErrors:    m.totalErrors.Load(),
		Distributors:   len(m.entries),
		Routes:         len(m.routes),
		PerDistributor: make(map[string]distributor.Stats, len(m.entries)),
	}
	for name, e := range m.entries {
		if e.d.Enabled() {
			s.Enabled++
		}
		s.PerDistributor[name] = e.d.Stats()
	}
	m.mu.RUnlock()

	m.healthMu.Lock()
	s.HealthCheckRunning = m.healthStop != nil
	m.healthMu.Unlock()
	return s
}

// Cleanup stops health checks, cleans up every distributor concurrently
// and clears the registry and routing table. Distributor failures are
// logged; Cleanup itself never fails.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.StopHealthCheck()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	entries := make(map[string]*entry, len(m.entries))
	for name, e := range m.entries {
		entries[name] = e
	}
	m.entries = make(map[string]*entry)
	m.order = nil
	m.routes = make(map[string]Route)
	m.mu.Unlock()

	// Abort registration connects still in flight.
	m.cancel()

	var wg sync.WaitGroup
	for name, e := range entries {
		wg.Add(1)
		go func(name string, e *entry) {
			defer wg.Done()
			_ = m.cleanupEntry(ctx, name, e)
			m.limiter.Remove(name)
			if m.metrics != nil {
				m.metrics.RecordDistributorUnregistered(e.d.Name())
			}
		}(name, e)
	}
	wg.Wait()

	m.logger.Info("distribution manager cleaned up", slog.Int("distributors", len(entries)))
	return nil
}

func removeName(names []string, name string) []string {
	out := names[:0]
	for _, n := range names {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}
