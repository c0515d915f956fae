// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/synopticon/distribution/topics"
)

// Subscription is a handler registered for a set of topic filters.
type Subscription struct {
	ID     string
	Topics []string
	QoS    byte

	handler MessageHandler
	seq     uint64
}

// subscriptionRegistry indexes subscriptions by topic filter. Filters
// without wildcards are looked up directly; wildcard filters are matched
// against each delivered topic.
type subscriptionRegistry struct {
	mu       sync.RWMutex
	seq      uint64
	byID     map[string]*Subscription
	exact    map[string]map[string]*Subscription
	wildcard map[string]map[string]*Subscription
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{
		byID:     make(map[string]*Subscription),
		exact:    make(map[string]map[string]*Subscription),
		wildcard: make(map[string]map[string]*Subscription),
	}
}

func (r *subscriptionRegistry) add(topics []string, qos byte, h MessageHandler) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	sub := &Subscription{
		ID:      uuid.NewString(),
		Topics:  slices.Clone(topics),
		QoS:     qos,
		handler: h,
		seq:     r.seq,
	}
	r.byID[sub.ID] = sub
	for _, t := range sub.Topics {
		idx := r.index(t)
		set, ok := idx[t]
		if !ok {
			set = make(map[string]*Subscription)
			idx[t] = set
		}
		set[sub.ID] = sub
	}
	return sub
}

func (r *subscriptionRegistry) index(filter string) map[string]map[string]*Subscription {
	if strings.ContainsAny(filter, "+#") {
		return r.wildcard
	}
	return r.exact
}

// removeID drops a subscription entirely.
func (r *subscriptionRegistry) removeID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	for _, t := range sub.Topics {
		idx := r.index(t)
		delete(idx[t], id)
		if len(idx[t]) == 0 {
			delete(idx, t)
		}
	}
}

// removeTopics drops the filters from every subscription holding them.
// Subscriptions left without filters are removed.
func (r *subscriptionRegistry) removeTopics(topics ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range topics {
		idx := r.index(t)
		for id, sub := range idx[t] {
			sub.Topics = slices.DeleteFunc(slices.Clone(sub.Topics), func(s string) bool { return s == t })
			if len(sub.Topics) == 0 {
				delete(r.byID, id)
			}
		}
		delete(idx, t)
	}
}

// match returns the subscriptions whose filters match topic, in
// registration order. A subscription is returned once even when several of
// its filters match.
func (r *subscriptionRegistry) match(topic string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]*Subscription)
	for id, sub := range r.exact[topic] {
		seen[id] = sub
	}
	for filter, set := range r.wildcard {
		if !topics.Match(filter, topic) {
			continue
		}
		for id, sub := range set {
			seen[id] = sub
		}
	}

	subs := make([]*Subscription, 0, len(seen))
	for _, sub := range seen {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].seq < subs[j].seq })
	return subs
}

// snapshot returns copies of every subscription in registration order.
func (r *subscriptionRegistry) snapshot() []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := make([]Subscription, 0, len(r.byID))
	for _, sub := range r.byID {
		cp := *sub
		cp.Topics = slices.Clone(sub.Topics)
		subs = append(subs, cp)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].seq < subs[j].seq })
	return subs
}

func (r *subscriptionRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *subscriptionRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = make(map[string]*Subscription)
	r.exact = make(map[string]map[string]*Subscription)
	r.wildcard = make(map[string]map[string]*Subscription)
}
