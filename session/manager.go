// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/synopticon/distribution/distributor"
	"github.com/synopticon/distribution/manager"
	"github.com/synopticon/distribution/server/otel"
)

// Options configures a session Manager.
type Options struct {
	// Manager is the template for every session's distribution manager.
	Manager manager.Options
	// Factories are added to, or replace, the built-in factories.
	Factories map[string]Factory
	// Defaults holds per-type configuration merged under call-site config.
	Defaults map[string]map[string]any
	// HealthChecks starts periodic health checks on every session's manager.
	HealthChecks bool
	Metrics      *otel.Metrics // nil if metrics disabled
	Logger       *slog.Logger
}

// Manager creates and destroys distribution sessions.
type Manager struct {
	logger       *slog.Logger
	metrics      *otel.Metrics
	mgrOpts      manager.Options
	healthChecks bool

	mu        sync.RWMutex
	sessions  map[string]*Session
	factories map[string]Factory
	defaults  map[string]map[string]any
}

// NewManager creates a session manager.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = opts.Manager.Metrics
	}

	factories := BuiltinFactories()
	maps.Copy(factories, opts.Factories)

	defaults := make(map[string]map[string]any, len(opts.Defaults))
	for t, cfg := range opts.Defaults {
		defaults[t] = maps.Clone(cfg)
	}

	mgrOpts := opts.Manager
	if mgrOpts.Metrics == nil {
		mgrOpts.Metrics = opts.Metrics
	}

	return &Manager{
		logger:       logger,
		metrics:      opts.Metrics,
		mgrOpts:      mgrOpts,
		healthChecks: opts.HealthChecks,
		sessions:     make(map[string]*Session),
		factories:    factories,
		defaults:     defaults,
	}
}

// RegisterFactory adds or replaces the factory for a distributor type.
func (m *Manager) RegisterFactory(distributorType string, f Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[distributorType] = f
}

// RegisterDistributorConfig sets the default configuration for a
// distributor type. Call-site configuration is merged over it.
func (m *Manager) RegisterDistributorConfig(distributorType string, cfg map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults[distributorType] = maps.Clone(cfg)
}

// CreateSession creates a session and its distributors. An empty id is
// replaced by a generated one. Unknown distributor types are rejected
// before any distributor is created. A distributor that fails to connect
// stays registered and is reported in Status.InitErrors. One whose
// factory fails is skipped and reported there too. Only an invalid
// distributor, such as one without a send function, aborts the session.
func (m *Manager) CreateSession(ctx context.Context, id string, cfg Config) (Status, error) {
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	if _, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return Status{}, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	for t := range cfg.Distributors {
		if _, ok := m.factories[t]; !ok {
			m.mu.Unlock()
			return Status{}, fmt.Errorf("%w: %s", ErrUnknownDistributorType, t)
		}
	}

	mgrOpts := m.mgrOpts
	mgrOpts.Logger = m.logger.With(slog.String("session_id", id))
	s := newSession(id, cfg, manager.New(mgrOpts))
	m.sessions[id] = s
	m.mu.Unlock()

	s.ops.Lock()
	defer s.ops.Unlock()

	for _, t := range sortedTypes(cfg.Distributors) {
		_, err := m.enable(ctx, s, t, cfg.Distributors[t])
		switch {
		case err == nil:
		case errors.Is(err, manager.ErrInvalidDistributor):
			m.abort(ctx, s)
			return Status{}, err
		default:
			m.logger.Warn("distributor not created",
				slog.String("session_id", id),
				slog.String("type", t),
				slog.String("error", err.Error()))
			s.mu.Lock()
			s.initErrors[t] = err.Error()
			s.mu.Unlock()
		}
	}
	if len(cfg.EventRouting) > 0 {
		m.installRouting(s, cfg.EventRouting)
	}

	if m.healthChecks {
		s.manager.StartHealthCheck()
	}
	s.setState(StateActive)
	if m.metrics != nil {
		m.metrics.RecordSessionOpened()
	}

	st := s.Status()
	m.logger.Info("distribution session created",
		slog.String("session_id", id),
		slog.Any("distributors", st.EnabledTypes()),
		slog.Int("init_errors", len(st.InitErrors)))
	return st, nil
}

// abort tears down a session whose creation failed.
func (m *Manager) abort(ctx context.Context, s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()

	_ = s.manager.Cleanup(ctx)
	s.setState(StateEnded)
}

// CloseSession cleans up every distributor of the session and removes it.
func (m *Manager) CloseSession(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	m.close(ctx, s)
	return nil
}

func (m *Manager) close(ctx context.Context, s *Session) {
	s.ops.Lock()
	defer s.ops.Unlock()

	// Manager cleanup runs every distributor's cleanup concurrently and
	// logs failures.
	_ = s.manager.Cleanup(ctx)

	s.mu.Lock()
	s.active = make(map[string]*active)
	s.routing = make(map[string][]string)
	s.state = StateEnded
	s.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordSessionClosed()
	}
	m.logger.Info("distribution session closed", slog.String("session_id", s.ID))
}

// ListSessions returns the ids of open sessions, sorted.
func (m *Manager) ListSessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetSessionStatus returns a snapshot of the session.
func (m *Manager) GetSessionStatus(id string) (Status, error) {
	s, err := m.get(id)
	if err != nil {
		return Status{}, err
	}
	return s.Status(), nil
}

// EnableDistributor creates, connects and registers a distributor of the
// given type. Enabling an active type returns the existing instance.
func (m *Manager) EnableDistributor(ctx context.Context, id, distributorType string, cfg map[string]any) (distributor.Distributor, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}

	s.ops.Lock()
	defer s.ops.Unlock()
	if s.State() == StateEnded {
		return nil, fmt.Errorf("%w: %s", ErrSessionEnded, id)
	}
	return m.enable(ctx, s, distributorType, cfg)
}

// DisableDistributor cleans up and unregisters the distributor of the
// given type. It returns false when the type is not active.
func (m *Manager) DisableDistributor(ctx context.Context, id, distributorType string) (bool, error) {
	s, err := m.get(id)
	if err != nil {
		return false, err
	}

	s.ops.Lock()
	defer s.ops.Unlock()
	return m.disable(ctx, s, distributorType), nil
}

// ReconfigureDistributor replaces the distributor of the given type with
// one built from cfg. The old distributor is fully torn down before the
// new one connects. Routes naming the type are kept.
func (m *Manager) ReconfigureDistributor(ctx context.Context, id, distributorType string, cfg map[string]any) (distributor.Distributor, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if !m.hasFactory(distributorType) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDistributorType, distributorType)
	}

	s.ops.Lock()
	defer s.ops.Unlock()
	if s.State() == StateEnded {
		return nil, fmt.Errorf("%w: %s", ErrSessionEnded, id)
	}

	routes := s.Status().EventRouting
	m.disable(ctx, s, distributorType)
	d, err := m.enable(ctx, s, distributorType, cfg)
	if err != nil {
		return nil, err
	}
	m.installRouting(s, routes)

	m.logger.Info("distributor reconfigured",
		slog.String("session_id", id),
		slog.String("type", distributorType))
	return d, nil
}

// UpdateEventRouting replaces the session's routing table. Targets that
// are not active are dropped with a warning.
func (m *Manager) UpdateEventRouting(id string, routes map[string][]string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}

	s.ops.Lock()
	defer s.ops.Unlock()
	m.installRouting(s, routes)
	return nil
}

// Distribute sends the event through the session's manager. Targets may
// be distributor types, registered names or "all".
func (m *Manager) Distribute(ctx context.Context, id, event string, data any, targets []string, opts distributor.SendOptions) (*manager.Report, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(targets))
	for _, t := range targets {
		if t == manager.AllTargets {
			names = append(names, t)
			continue
		}
		if name, ok := s.resolve(t); ok {
			names = append(names, name)
			continue
		}
		// Unknown targets reach the manager, which logs and skips them.
		names = append(names, t)
	}
	return s.manager.Distribute(ctx, event, data, names, opts), nil
}

// RouteEvent sends the event along the session's routing table.
func (m *Manager) RouteEvent(ctx context.Context, id, event string, data any, opts distributor.SendOptions) (*manager.Report, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return s.manager.RouteEvent(ctx, event, data, opts), nil
}

// Cleanup closes every session.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			m.close(ctx, s)
		}(s)
	}
	wg.Wait()
	return nil
}

func (m *Manager) get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

func (m *Manager) hasFactory(distributorType string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.factories[distributorType]
	return ok
}

// enable builds, connects and registers one distributor. The caller holds
// s.ops.
func (m *Manager) enable(ctx context.Context, s *Session, distributorType string, cfg map[string]any) (distributor.Distributor, error) {
	logger := m.logger.With(
		slog.String("session_id", s.ID),
		slog.String("type", distributorType))

	if a, ok := s.lookup(distributorType); ok {
		logger.Warn("distributor already enabled", slog.String("distributor", a.name))
		return a.instance, nil
	}

	m.mu.RLock()
	factory, ok := m.factories[distributorType]
	merged := distributor.MergeConfig(m.defaults[distributorType], cfg)
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDistributorType, distributorType)
	}

	name := distributorType + "_" + s.ID
	d, err := factory(name, merged, logger)
	if err != nil {
		return nil, fmt.Errorf("session %s: create %s distributor: %w", s.ID, distributorType, err)
	}

	if err := d.Connect(ctx); err != nil {
		logger.Warn("distributor failed to initialize",
			slog.String("distributor", name),
			slog.String("error", err.Error()))
		s.mu.Lock()
		s.initErrors[distributorType] = err.Error()
		s.mu.Unlock()
	} else {
		s.mu.Lock()
		delete(s.initErrors, distributorType)
		s.mu.Unlock()
	}

	if err := s.manager.Register(name, d); err != nil {
		_ = d.Cleanup(ctx)
		return nil, fmt.Errorf("session %s: register %s: %w", s.ID, name, err)
	}

	s.mu.Lock()
	s.active[distributorType] = &active{name: name, instance: d, config: merged}
	s.mu.Unlock()

	logger.Info("distributor enabled", slog.String("distributor", name))
	return d, nil
}

// disable tears down one distributor. The caller holds s.ops.
func (m *Manager) disable(ctx context.Context, s *Session, distributorType string) bool {
	a, ok := s.lookup(distributorType)
	if !ok {
		return false
	}

	// Unregister cleans the distributor up and drops it from the
	// manager's routes.
	if err := s.manager.Unregister(ctx, a.name); err != nil {
		m.logger.Warn("distributor cleanup failed",
			slog.String("session_id", s.ID),
			slog.String("distributor", a.name),
			slog.String("error", err.Error()))
	}

	s.mu.Lock()
	delete(s.active, distributorType)
	delete(s.initErrors, distributorType)
	for event, types := range s.routing {
		kept := types[:0]
		for _, t := range types {
			if t != distributorType && t != a.name {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(s.routing, event)
			continue
		}
		s.routing[event] = kept
	}
	s.mu.Unlock()

	m.logger.Info("distributor disabled",
		slog.String("session_id", s.ID),
		slog.String("distributor", a.name))
	return true
}

// installRouting rebuilds the session and manager routing tables from
// routes, keeping only active targets. The caller holds s.ops.
func (m *Manager) installRouting(s *Session, routes map[string][]string) {
	table := make(map[string][]string, len(routes))
	s.manager.ClearEventRouting()

	for event, targets := range routes {
		var kept, names []string
		for _, t := range targets {
			name, ok := s.resolve(t)
			if !ok {
				m.logger.Warn("route target not active, dropped",
					slog.String("session_id", s.ID),
					slog.String("event", event),
					slog.String("distributor", t))
				continue
			}
			kept = append(kept, t)
			names = append(names, name)
		}
		if len(kept) == 0 {
			m.logger.Warn("route has no active distributors, dropped",
				slog.String("session_id", s.ID),
				slog.String("event", event))
			continue
		}
		table[event] = kept
		s.manager.SetEventRouting(event, names, distributor.SendOptions{})
	}

	s.mu.Lock()
	s.routing = table
	s.mu.Unlock()
}

func sortedTypes(m map[string]map[string]any) []string {
	types := make([]string, 0, len(m))
	for t := range m {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
