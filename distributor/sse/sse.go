// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sse streams events to HTTP clients as Server-Sent Events.
package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/synopticon/distribution/distributor"
	"github.com/synopticon/distribution/internal/bufpool"
)

// Type is the distributor type name used in session configuration.
const Type = "sse"

// Capabilities advertised by the SSE distributor.
const Capabilities = distributor.CapSend | distributor.CapBroadcast |
	distributor.CapPersistent | distributor.CapRealTime

// EventConnected is the first event written to every stream. Its data
// carries the client ID usable as SendOptions.Target.
const EventConnected = "connected"

const shutdownTimeout = 5 * time.Second

// Config configures the SSE distributor.
type Config struct {
	// Addr is the listen address. When empty no server is started and the
	// distributor is served through its Handler.
	Addr              string        `yaml:"addr"`
	Path              string        `yaml:"path"`
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`
	ClientBuffer      int           `yaml:"client_buffer"`
	Retry             time.Duration `yaml:"retry"`
	Source            string        `yaml:"source"`
}

// DefaultConfig returns the default SSE distributor configuration.
func DefaultConfig() Config {
	return Config{
		Addr:              ":8082",
		Path:              "/events",
		KeepAliveInterval: 15 * time.Second,
		ClientBuffer:      64,
		Retry:             5 * time.Second,
	}
}

type sseClient struct {
	id     string
	events map[string]bool
	frames chan []byte
}

func (c *sseClient) wants(event string) bool {
	return len(c.events) == 0 || c.events[event]
}

// Distributor writes event envelopes to every open event stream.
type Distributor struct {
	*distributor.Base

	cfg     Config
	logger  *slog.Logger
	dropped atomic.Uint64

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener

	// stateMu guards the stream state apart from mu so handlers never wait
	// on a server shutdown.
	stateMu  sync.Mutex
	running  bool
	shutdown chan struct{}

	clientsMu sync.RWMutex
	clients   map[string]*sseClient
}

var (
	_ distributor.Distributor = (*Distributor)(nil)
	_ http.Handler            = (*Distributor)(nil)
)

// New creates an SSE distributor.
func New(name string, cfg Config, logger *slog.Logger) (*Distributor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = def.ClientBuffer
	}
	if cfg.KeepAliveInterval < 0 {
		return nil, fmt.Errorf("%w: negative keep_alive_interval", distributor.ErrInvalidConfig)
	}

	return &Distributor{
		Base:    distributor.NewBase(name, Capabilities),
		cfg:     cfg,
		logger:  logger.With(slog.String("distributor", name)),
		clients: make(map[string]*sseClient),
	}, nil
}

// FromMap creates an SSE distributor from a loosely typed configuration.
func FromMap(name string, m map[string]any, logger *slog.Logger) (distributor.Distributor, error) {
	cfg := DefaultConfig()
	if err := distributor.DecodeConfig(m, &cfg); err != nil {
		return nil, err
	}
	return New(name, cfg, logger)
}

// Connect starts accepting streams, listening on Addr when it is set.
func (d *Distributor) Connect(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.streamDone() != nil {
		return nil
	}

	if d.cfg.Addr != "" {
		ln, err := net.Listen("tcp", d.cfg.Addr)
		if err != nil {
			d.SetError(err)
			return fmt.Errorf("sse distributor %s: %w", d.Name(), err)
		}
		mux := http.NewServeMux()
		mux.Handle(d.cfg.Path, d)
		d.server = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		d.listener = ln

		srv := d.server
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.Error("sse server failed", slog.String("error", err.Error()))
				d.SetError(err)
			}
		}()
		d.logger.Info("sse distributor listening",
			slog.String("addr", ln.Addr().String()),
			slog.String("path", d.cfg.Path))
	}

	d.stateMu.Lock()
	d.running = true
	d.shutdown = make(chan struct{})
	d.stateMu.Unlock()

	d.SetStatus(distributor.StatusConnected)
	return nil
}

// Disconnect ends every stream and stops the server.
func (d *Distributor) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stateMu.Lock()
	if d.running {
		close(d.shutdown)
		d.running = false
	}
	d.stateMu.Unlock()

	var err error
	if d.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		err = d.server.Shutdown(shutdownCtx)
		cancel()
		d.server = nil
		d.listener = nil
	}
	d.SetStatus(distributor.StatusDisconnected)
	return err
}

// Addr returns the listening address, or "" when no server runs.
func (d *Distributor) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Clients returns the number of open streams.
func (d *Distributor) Clients() int {
	d.clientsMu.RLock()
	defer d.clientsMu.RUnlock()
	return len(d.clients)
}

// Dropped returns the number of frames dropped for slow clients.
func (d *Distributor) Dropped() uint64 {
	return d.dropped.Load()
}

// streamDone returns the channel closed on Disconnect, or nil when not
// accepting streams.
func (d *Distributor) streamDone() <-chan struct{} {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if !d.running {
		return nil
	}
	return d.shutdown
}

// ServeHTTP streams events to one client. The optional "events" query
// parameter is a comma-separated list of event names to receive.
func (d *Distributor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	shutdown := d.streamDone()
	if shutdown == nil {
		http.Error(w, "event stream not available", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	c := &sseClient{
		id:     uuid.NewString(),
		events: make(map[string]bool),
		frames: make(chan []byte, d.cfg.ClientBuffer),
	}
	for _, e := range strings.Split(r.URL.Query().Get("events"), ",") {
		if e = strings.TrimSpace(e); e != "" {
			c.events[e] = true
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	d.clientsMu.Lock()
	d.clients[c.id] = c
	d.clientsMu.Unlock()
	defer func() {
		d.clientsMu.Lock()
		delete(d.clients, c.id)
		d.clientsMu.Unlock()
	}()

	if d.cfg.Retry > 0 {
		fmt.Fprintf(w, "retry: %d\n\n", d.cfg.Retry.Milliseconds())
	}
	hello, _ := json.Marshal(map[string]string{"client_id": c.id})
	w.Write(frame(c.id, EventConnected, hello))
	flusher.Flush()

	d.logger.Debug("sse client connected",
		slog.String("client_id", c.id),
		slog.String("remote_addr", r.RemoteAddr))

	var keepAlive <-chan time.Time
	if d.cfg.KeepAliveInterval > 0 {
		ticker := time.NewTicker(d.cfg.KeepAliveInterval)
		defer ticker.Stop()
		keepAlive = ticker.C
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-shutdown:
			return
		case f := <-c.frames:
			if _, err := w.Write(f); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func frame(id, event string, data []byte) []byte {
	b := bufpool.Get()
	defer bufpool.Put(b)

	fmt.Fprintf(b, "id: %s\nevent: %s\n", id, event)
	for _, line := range bytes.Split(data, []byte("\n")) {
		b.WriteString("data: ")
		b.Write(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return bufpool.Detach(b)
}

// Send queues the event on every matching stream. A stream whose buffer
// is full misses the event.
func (d *Distributor) Send(_ context.Context, event string, data any, opts distributor.SendOptions) (distributor.SendResult, error) {
	if d.Status() != distributor.StatusConnected {
		d.RecordError(distributor.ErrNotConnected)
		return distributor.SendResult{}, distributor.ErrNotConnected
	}

	env := distributor.NewEnvelope(event, data, d.cfg.Source)
	body, err := json.Marshal(env)
	if err != nil {
		d.RecordError(err)
		return distributor.SendResult{}, fmt.Errorf("encode %s event: %w", event, err)
	}
	f := frame(env.ID, event, body)

	d.clientsMu.RLock()
	defer d.clientsMu.RUnlock()

	delivered := 0
	for _, c := range d.clients {
		if opts.Target != "" && c.id != opts.Target {
			continue
		}
		if !opts.Broadcast && !c.wants(event) {
			continue
		}
		select {
		case c.frames <- f:
			delivered++
		default:
			d.dropped.Add(1)
			d.logger.Warn("sse client buffer full, dropping event",
				slog.String("client_id", c.id),
				slog.String("event", event))
		}
	}

	d.RecordSent(len(body))
	return distributor.SendResult{Delivered: delivered, Bytes: len(body)}, nil
}

func (d *Distributor) Cleanup(ctx context.Context) error {
	return d.Stop(ctx, d.Disconnect)
}
