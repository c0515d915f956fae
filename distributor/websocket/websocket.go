// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket pushes events to WebSocket clients. Clients may narrow
// the events they receive with subscribe and unsubscribe control messages.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/synopticon/distribution/distributor"
	"github.com/synopticon/distribution/payload"
)

// Type is the distributor type name used in session configuration.
const Type = "websocket"

// Capabilities advertised by the WebSocket distributor.
const Capabilities = distributor.CapSend | distributor.CapReceive | distributor.CapBroadcast |
	distributor.CapPersistent | distributor.CapRealTime

// Control message actions and replies.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"

	ReplyWelcome      = "welcome"
	ReplySubscribed   = "subscribed"
	ReplyUnsubscribed = "unsubscribed"
)

const shutdownTimeout = 5 * time.Second

// Config configures the WebSocket distributor.
type Config struct {
	Addr         string        `yaml:"addr"`
	Path         string        `yaml:"path"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
	MaxClients   int           `yaml:"max_clients"`
	Encoding     string        `yaml:"encoding"`
	Source       string        `yaml:"source"`
}

// DefaultConfig returns the default WebSocket distributor configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         ":8081",
		Path:         "/events",
		WriteTimeout: 5 * time.Second,
		PingInterval: 30 * time.Second,
		Encoding:     payload.EncodingJSON,
	}
}

// Control is a message exchanged with clients outside the event stream.
type Control struct {
	Action   string   `json:"action,omitempty"`
	Type     string   `json:"type,omitempty"`
	ClientID string   `json:"client_id,omitempty"`
	Events   []string `json:"events,omitempty"`
}

type wsClient struct {
	id     string
	conn   *websocket.Conn
	closed atomic.Bool

	writeMu sync.Mutex

	mu     sync.RWMutex
	events map[string]bool
}

func (c *wsClient) wants(event string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.events) == 0 || c.events[event]
}

func (c *wsClient) update(action string, events []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range events {
		if action == ActionSubscribe {
			c.events[e] = true
			continue
		}
		delete(c.events, e)
	}
	out := make([]string, 0, len(c.events))
	for e := range c.events {
		out = append(out, e)
	}
	return out
}

// Distributor serves a WebSocket endpoint and pushes event envelopes to
// connected clients.
type Distributor struct {
	*distributor.Base

	cfg      Config
	encoder  payload.Encoder
	msgType  int
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	shutdown chan struct{}
	wg       sync.WaitGroup

	clientsMu sync.RWMutex
	clients   map[string]*wsClient
	accepting bool
}

var (
	_ distributor.Distributor = (*Distributor)(nil)
	_ distributor.Broadcaster = (*Distributor)(nil)
)

// New creates a WebSocket distributor. The server starts on Connect.
func New(name string, cfg Config, logger *slog.Logger) (*Distributor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	enc, err := payload.Lookup(cfg.Encoding)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", distributor.ErrInvalidConfig, err)
	}
	msgType := websocket.BinaryMessage
	if enc.Name() == payload.EncodingJSON {
		msgType = websocket.TextMessage
	}

	return &Distributor{
		Base:    distributor.NewBase(name, Capabilities),
		cfg:     cfg,
		encoder: enc,
		msgType: msgType,
		logger:  logger.With(slog.String("distributor", name)),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[string]*wsClient),
	}, nil
}

// FromMap creates a WebSocket distributor from a loosely typed configuration.
func FromMap(name string, m map[string]any, logger *slog.Logger) (distributor.Distributor, error) {
	cfg := DefaultConfig()
	if err := distributor.DecodeConfig(m, &cfg); err != nil {
		return nil, err
	}
	return New(name, cfg, logger)
}

// Connect starts the WebSocket server. It is a no-op while the server runs.
func (d *Distributor) Connect(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.server != nil {
		return nil
	}

	ln, err := net.Listen("tcp", d.cfg.Addr)
	if err != nil {
		d.SetError(err)
		return fmt.Errorf("websocket distributor %s: %w", d.Name(), err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(d.cfg.Path, d.handleWebSocket)
	d.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	d.listener = ln
	d.shutdown = make(chan struct{})
	d.clientsMu.Lock()
	d.accepting = true
	d.clientsMu.Unlock()

	srv := d.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("websocket server failed", slog.String("error", err.Error()))
			d.SetError(err)
		}
	}()
	if d.cfg.PingInterval > 0 {
		d.wg.Add(1)
		go d.pingClients(d.shutdown)
	}

	d.logger.Info("websocket distributor listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("path", d.cfg.Path))
	d.SetStatus(distributor.StatusConnected)
	return nil
}

// Disconnect closes every client and stops the server.
func (d *Distributor) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var err error
	if d.server != nil {
		d.clientsMu.Lock()
		d.accepting = false
		d.clientsMu.Unlock()
		close(d.shutdown)

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		err = d.server.Shutdown(shutdownCtx)
		cancel()
		d.closeAllClients()
		d.wg.Wait()

		d.server = nil
		d.listener = nil
	}
	d.SetStatus(distributor.StatusDisconnected)
	return err
}

// Addr returns the listening address, or "" when not started.
func (d *Distributor) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Clients returns the number of connected clients.
func (d *Distributor) Clients() int {
	d.clientsMu.RLock()
	defer d.clientsMu.RUnlock()
	return len(d.clients)
}

func (d *Distributor) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if d.cfg.MaxClients > 0 && d.Clients() >= d.cfg.MaxClients {
		http.Error(w, "too many clients", http.StatusServiceUnavailable)
		return
	}

	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		d.RecordError(err)
		return
	}

	c := &wsClient{
		id:     uuid.NewString(),
		conn:   conn,
		events: make(map[string]bool),
	}
	d.clientsMu.Lock()
	if !d.accepting {
		d.clientsMu.Unlock()
		conn.Close()
		return
	}
	d.clients[c.id] = c
	count := len(d.clients)
	d.wg.Add(1)
	d.clientsMu.Unlock()

	d.logger.Debug("websocket client connected",
		slog.String("client_id", c.id),
		slog.String("remote_addr", r.RemoteAddr),
		slog.Int("clients", count))

	go d.handleClient(c)
}

func (d *Distributor) handleClient(c *wsClient) {
	defer d.wg.Done()
	defer d.removeClient(c)

	if err := d.writeJSON(c, Control{Type: ReplyWelcome, ClientID: c.id}); err != nil {
		return
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		d.RecordReceived(len(data))

		var ctrl Control
		if err := json.Unmarshal(data, &ctrl); err != nil {
			continue
		}
		switch ctrl.Action {
		case ActionSubscribe, ActionUnsubscribe:
			events := c.update(ctrl.Action, ctrl.Events)
			reply := ReplySubscribed
			if ctrl.Action == ActionUnsubscribe {
				reply = ReplyUnsubscribed
			}
			if err := d.writeJSON(c, Control{Type: reply, ClientID: c.id, Events: events}); err != nil {
				return
			}
		}
	}
}

func (d *Distributor) removeClient(c *wsClient) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.conn.Close()

	d.clientsMu.Lock()
	delete(d.clients, c.id)
	d.clientsMu.Unlock()
}

func (d *Distributor) closeAllClients() {
	d.clientsMu.RLock()
	clients := make([]*wsClient, 0, len(d.clients))
	for _, c := range d.clients {
		clients = append(clients, c)
	}
	d.clientsMu.RUnlock()

	for _, c := range clients {
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		d.removeClient(c)
	}
}

func (d *Distributor) pingClients(shutdown <-chan struct{}) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-shutdown:
			return
		case <-ticker.C:
			for _, c := range d.snapshot() {
				c.writeMu.Lock()
				err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(d.cfg.WriteTimeout))
				c.writeMu.Unlock()
				if err != nil {
					d.removeClient(c)
				}
			}
		}
	}
}

func (d *Distributor) snapshot() []*wsClient {
	d.clientsMu.RLock()
	defer d.clientsMu.RUnlock()

	out := make([]*wsClient, 0, len(d.clients))
	for _, c := range d.clients {
		if !c.closed.Load() {
			out = append(out, c)
		}
	}
	return out
}

func (d *Distributor) writeJSON(c *wsClient, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return d.write(c, websocket.TextMessage, data)
}

func (d *Distributor) write(c *wsClient, msgType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(d.cfg.WriteTimeout))
	return c.conn.WriteMessage(msgType, data)
}

// Send delivers the event to every client subscribed to it. Clients without
// a subscription receive every event. With opts.Target only that client is
// considered; with opts.Broadcast subscriptions are ignored.
func (d *Distributor) Send(_ context.Context, event string, data any, opts distributor.SendOptions) (distributor.SendResult, error) {
	if d.Status() != distributor.StatusConnected {
		d.RecordError(distributor.ErrNotConnected)
		return distributor.SendResult{}, distributor.ErrNotConnected
	}

	body, err := d.encoder.Encode(distributor.NewEnvelope(event, data, d.cfg.Source))
	if err != nil {
		d.RecordError(err)
		return distributor.SendResult{}, fmt.Errorf("encode %s event: %w", event, err)
	}

	delivered := 0
	for _, c := range d.snapshot() {
		if opts.Target != "" && c.id != opts.Target {
			continue
		}
		if !opts.Broadcast && !c.wants(event) {
			continue
		}
		if err := d.write(c, d.msgType, body); err != nil {
			d.logger.Debug("websocket write failed",
				slog.String("client_id", c.id),
				slog.String("error", err.Error()))
			d.removeClient(c)
			continue
		}
		delivered++
	}

	d.RecordSent(len(body))
	return distributor.SendResult{Delivered: delivered, Bytes: len(body)}, nil
}

// Broadcast delivers the event to every client regardless of subscriptions.
func (d *Distributor) Broadcast(ctx context.Context, event string, data any, opts distributor.SendOptions) (distributor.SendResult, error) {
	opts.Broadcast = true
	return d.Send(ctx, event, data, opts)
}

func (d *Distributor) Cleanup(ctx context.Context) error {
	return d.Stop(ctx, d.Disconnect)
}
