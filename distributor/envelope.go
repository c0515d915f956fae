// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package distributor

import (
	"time"

	"github.com/google/uuid"
)

// DefaultSource is the Envelope source when none is configured.
const DefaultSource = "synopticon"

// Envelope is the wire form of an event.
type Envelope struct {
	ID        string `json:"id"`
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
	Source    string `json:"source,omitempty"`
	Data      any    `json:"data"`
}

// NewEnvelope wraps data with a fresh ID and the current time.
func NewEnvelope(event string, data any, source string) Envelope {
	if source == "" {
		source = DefaultSource
	}
	return Envelope{
		ID:        uuid.NewString(),
		Event:     event,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Source:    source,
		Data:      data,
	}
}
