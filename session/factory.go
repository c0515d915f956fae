// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"log/slog"

	"github.com/synopticon/distribution/distributor"
	"github.com/synopticon/distribution/distributor/coap"
	"github.com/synopticon/distribution/distributor/http"
	"github.com/synopticon/distribution/distributor/mqtt"
	"github.com/synopticon/distribution/distributor/sse"
	"github.com/synopticon/distribution/distributor/udp"
	"github.com/synopticon/distribution/distributor/websocket"
)

// Factory builds a distributor of one type from a configuration map.
type Factory func(name string, cfg map[string]any, logger *slog.Logger) (distributor.Distributor, error)

// BuiltinFactories returns the factories for the bundled distributor types.
func BuiltinFactories() map[string]Factory {
	return map[string]Factory{
		http.Type:      http.FromMap,
		websocket.Type: websocket.FromMap,
		mqtt.Type:      mqtt.FromMap,
		udp.Type:       udp.FromMap,
		sse.Type:       sse.FromMap,
		coap.Type:      coap.FromMap,
	}
}
