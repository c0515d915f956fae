// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package topics implements MQTT 3.1.1 topic name and filter rules.
package topics

import "strings"

const (
	// Separator divides topic levels.
	Separator = "/"
	// SingleLevel matches exactly one topic level.
	SingleLevel = "+"
	// MultiLevel matches the parent level and any number of child levels.
	MultiLevel = "#"
)

// Match reports whether topic matches filter. A filter starting with a
// wildcard never matches a topic starting with '$'.
func Match(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	if filter == topic {
		return true
	}

	fl := strings.Split(filter, Separator)
	tl := strings.Split(topic, Separator)

	if strings.HasPrefix(topic, "$") && (fl[0] == SingleLevel || fl[0] == MultiLevel) {
		return false
	}

	for i, f := range fl {
		if f == MultiLevel {
			return true
		}
		if i >= len(tl) {
			return false
		}
		if f != SingleLevel && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}
