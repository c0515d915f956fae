// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package udp sends events as single UDP datagrams.
package udp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/synopticon/distribution/distributor"
	"github.com/synopticon/distribution/payload"
)

// Type is the distributor type name used in session configuration.
const Type = "udp"

// Capabilities advertised by the UDP distributor.
const Capabilities = distributor.CapSend | distributor.CapHighFrequency | distributor.CapRealTime

// MaxPacketSize is the largest UDP payload over IPv4.
const MaxPacketSize = 65507

// Config configures the UDP distributor.
type Config struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	MaxPacketSize int           `yaml:"max_packet_size"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	Encoding      string        `yaml:"encoding"`
	Source        string        `yaml:"source"`
}

// DefaultConfig returns the default UDP distributor configuration.
func DefaultConfig() Config {
	return Config{
		Host:          "127.0.0.1",
		Port:          9999,
		MaxPacketSize: MaxPacketSize,
		WriteTimeout:  time.Second,
		Encoding:      payload.EncodingJSON,
	}
}

// Distributor writes one datagram per event.
type Distributor struct {
	*distributor.Base

	cfg     Config
	encoder payload.Encoder
	logger  *slog.Logger

	mu   sync.Mutex
	conn net.Conn
}

var _ distributor.Distributor = (*Distributor)(nil)

// New creates a UDP distributor.
func New(name string, cfg Config, logger *slog.Logger) (*Distributor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: udp host is required", distributor.ErrInvalidConfig)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: invalid udp port %d", distributor.ErrInvalidConfig, cfg.Port)
	}
	if cfg.MaxPacketSize <= 0 || cfg.MaxPacketSize > MaxPacketSize {
		cfg.MaxPacketSize = MaxPacketSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	enc, err := payload.Lookup(cfg.Encoding)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", distributor.ErrInvalidConfig, err)
	}

	return &Distributor{
		Base:    distributor.NewBase(name, Capabilities),
		cfg:     cfg,
		encoder: enc,
		logger:  logger.With(slog.String("distributor", name)),
	}, nil
}

// FromMap creates a UDP distributor from a loosely typed configuration.
func FromMap(name string, m map[string]any, logger *slog.Logger) (distributor.Distributor, error) {
	cfg := DefaultConfig()
	if err := distributor.DecodeConfig(m, &cfg); err != nil {
		return nil, err
	}
	return New(name, cfg, logger)
}

// Address returns the destination address.
func (d *Distributor) Address() string {
	return net.JoinHostPort(d.cfg.Host, strconv.Itoa(d.cfg.Port))
}

// Connect opens the UDP socket. A connected socket is reused.
func (d *Distributor) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn != nil {
		return nil
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp", d.Address())
	if err != nil {
		d.SetError(err)
		return fmt.Errorf("udp distributor %s: %w", d.Name(), err)
	}
	d.conn = conn
	d.SetStatus(distributor.StatusConnected)
	d.logger.Info("udp distributor connected", slog.String("address", d.Address()))
	return nil
}

func (d *Distributor) Disconnect(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var err error
	if d.conn != nil {
		err = d.conn.Close()
		d.conn = nil
	}
	d.SetStatus(distributor.StatusDisconnected)
	return err
}

// Send encodes the envelope and writes it as one datagram. Payloads over
// MaxPacketSize are rejected with ErrPayloadTooLarge.
func (d *Distributor) Send(_ context.Context, event string, data any, _ distributor.SendOptions) (distributor.SendResult, error) {
	body, err := d.encoder.Encode(distributor.NewEnvelope(event, data, d.cfg.Source))
	if err != nil {
		d.RecordError(err)
		return distributor.SendResult{}, fmt.Errorf("encode %s event: %w", event, err)
	}
	if len(body) > d.cfg.MaxPacketSize {
		err := fmt.Errorf("%w: %d bytes exceeds %d", distributor.ErrPayloadTooLarge, len(body), d.cfg.MaxPacketSize)
		d.RecordError(err)
		return distributor.SendResult{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		d.RecordError(distributor.ErrNotConnected)
		return distributor.SendResult{}, distributor.ErrNotConnected
	}
	d.conn.SetWriteDeadline(time.Now().Add(d.cfg.WriteTimeout))
	if _, err := d.conn.Write(body); err != nil {
		d.RecordError(err)
		return distributor.SendResult{}, fmt.Errorf("udp write: %w", err)
	}

	d.RecordSent(len(body))
	return distributor.SendResult{Delivered: 1, Bytes: len(body)}, nil
}

func (d *Distributor) Cleanup(ctx context.Context) error {
	return d.Stop(ctx, d.Disconnect)
}
