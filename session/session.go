// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session manages isolated distribution sessions. Each session
// owns a distribution manager and a set of distributors that can be
// enabled, disabled and reconfigured while it runs.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/synopticon/distribution/distributor"
	"github.com/synopticon/distribution/manager"
)

// State represents the session state.
type State int

const (
	StateInitializing State = iota
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config describes the distributors and routes of a session.
type Config struct {
	// Distributors maps a distributor type to its configuration.
	Distributors map[string]map[string]any `yaml:"distributors" json:"distributors"`
	// EventRouting maps an event to distributor types or names.
	EventRouting map[string][]string `yaml:"event_routing" json:"event_routing"`
}

// Session is an isolated group of distributors sharing a manager.
type Session struct {
	ID        string
	CreatedAt time.Time

	// ops serializes enable, disable, reconfigure, routing updates and
	// close so teardown always completes before re-initialization.
	ops sync.Mutex

	mu         sync.RWMutex
	config     Config
	manager    *manager.Manager
	active     map[string]*active // type -> distributor
	routing    map[string][]string
	state      State
	initErrors map[string]string
}

type active struct {
	name     string
	instance distributor.Distributor
	config   map[string]any
}

// DistributorStatus describes one active distributor.
type DistributorStatus struct {
	Type         string             `json:"type"`
	Name         string             `json:"name"`
	Enabled      bool               `json:"enabled"`
	Capabilities []string           `json:"capabilities"`
	Health       distributor.Health `json:"health"`
	Stats        distributor.Stats  `json:"stats"`
}

// Status is a snapshot of a session.
type Status struct {
	ID           string                       `json:"id"`
	State        State                        `json:"state"`
	CreatedAt    time.Time                    `json:"created_at"`
	Distributors map[string]DistributorStatus `json:"distributors"`
	EventRouting map[string][]string          `json:"event_routing"`
	InitErrors   map[string]string            `json:"init_errors,omitempty"`
	Manager      manager.Stats                `json:"manager"`
}

// EnabledTypes returns the active distributor types, sorted.
func (st Status) EnabledTypes() []string {
	types := make([]string, 0, len(st.Distributors))
	for t := range st.Distributors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func newSession(id string, cfg Config, m *manager.Manager) *Session {
	return &Session{
		ID:         id,
		CreatedAt:  time.Now(),
		config:     cfg,
		manager:    m,
		active:     make(map[string]*active),
		routing:    make(map[string][]string),
		state:      StateInitializing,
		initErrors: make(map[string]string),
	}
}

// State returns the session state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) lookup(distributorType string) (*active, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.active[distributorType]
	return a, ok
}

// resolve maps a distributor type or registered name to the registered
// name of an active distributor.
func (s *Session) resolve(target string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.active[target]; ok {
		return a.name, true
	}
	for _, a := range s.active {
		if a.name == target {
			return a.name, true
		}
	}
	return "", false
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		ID:           s.ID,
		State:        s.state,
		CreatedAt:    s.CreatedAt,
		Distributors: make(map[string]DistributorStatus, len(s.active)),
		EventRouting: make(map[string][]string, len(s.routing)),
		Manager:      s.manager.Stats(),
	}
	for t, a := range s.active {
		st.Distributors[t] = DistributorStatus{
			Type:         t,
			Name:         a.name,
			Enabled:      a.instance.Enabled(),
			Capabilities: a.instance.Capabilities().Names(),
			Health:       a.instance.Health(),
			Stats:        a.instance.Stats(),
		}
	}
	for event, types := range s.routing {
		st.EventRouting[event] = append([]string(nil), types...)
	}
	if len(s.initErrors) > 0 {
		st.InitErrors = make(map[string]string, len(s.initErrors))
		for t, e := range s.initErrors {
			st.InitErrors[t] = e
		}
	}
	return st
}
