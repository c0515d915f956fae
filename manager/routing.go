// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"
	"log/slog"
	"maps"

	"github.com/synopticon/distribution/distributor"
)

// Route maps an event to the distributors that receive it.
type Route struct {
	Event        string                  `json:"event"`
	Distributors []string                `json:"distributors"`
	Options      distributor.SendOptions `json:"-"`
}

// SetEventRouting installs or replaces the route for event.
func (m *Manager) SetEventRouting(event string, names []string, opts distributor.SendOptions) {
	m.mu.Lock()
	m.routes[event] = Route{
		Event:        event,
		Distributors: append([]string(nil), names...),
		Options:      opts,
	}
	m.mu.Unlock()

	m.logger.Debug("event route set",
		slog.String("event", event),
		slog.Any("distributors", names))
}

// RemoveEventRouting deletes the route for event.
func (m *Manager) RemoveEventRouting(event string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.routes[event]; !ok {
		return false
	}
	delete(m.routes, event)
	return true
}

// ClearEventRouting deletes every route.
func (m *Manager) ClearEventRouting() {
	m.mu.Lock()
	m.routes = make(map[string]Route)
	m.mu.Unlock()
}

// Routes returns a copy of the routing table.
func (m *Manager) Routes() map[string]Route {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Route, len(m.routes))
	for event, r := range m.routes {
		r.Distributors = append([]string(nil), r.Distributors...)
		out[event] = r
	}
	return out
}

// RouteEvent distributes the event to its routed distributors. Non-zero
// fields of override replace the route's options. An event without a
// route goes to every enabled distributor.
func (m *Manager) RouteEvent(ctx context.Context, event string, data any, override distributor.SendOptions) *Report {
	m.mu.RLock()
	r, ok := m.routes[event]
	var targets []string
	if ok {
		targets = append(targets, r.Distributors...)
	}
	m.mu.RUnlock()

	if !ok {
		m.logger.Warn("no route for event, distributing to all",
			slog.String("event", event))
		return m.Distribute(ctx, event, data, []string{AllTargets}, override)
	}
	return m.Distribute(ctx, event, data, targets, MergeOptions(r.Options, override))
}

// MergeOptions overlays the non-zero fields of override on base.
func MergeOptions(base, override distributor.SendOptions) distributor.SendOptions {
	out := base
	if override.Broadcast {
		out.Broadcast = true
	}
	if override.Topic != "" {
		out.Topic = override.Topic
	}
	if override.QoS > out.QoS {
		out.QoS = override.QoS
	}
	if override.Retain {
		out.Retain = true
	}
	if override.Target != "" {
		out.Target = override.Target
	}
	if len(override.Headers) > 0 {
		headers := make(map[string]string, len(base.Headers)+len(override.Headers))
		maps.Copy(headers, base.Headers)
		maps.Copy(headers, override.Headers)
		out.Headers = headers
	}
	return out
}
