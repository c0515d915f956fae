// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package coap posts events to a CoAP resource over UDP or DTLS.
package coap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	piondtls "github.com/pion/dtls/v3"
	"github.com/plgd-dev/go-coap/v3/dtls"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/udp"
	"github.com/plgd-dev/go-coap/v3/udp/client"
	"github.com/synopticon/distribution/distributor"
	"github.com/synopticon/distribution/payload"
	tlsconfig "github.com/synopticon/distribution/pkg/tls"
)

// Type is the distributor type name used in session configuration.
const Type = "coap"

// Capabilities advertised by the CoAP distributor.
const Capabilities = distributor.CapSend | distributor.CapReliable

// CodeError is returned when the server answers with a non-2.xx code.
type CodeError struct {
	Code codes.Code
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("coap server returned %s", e.Code)
}

// DTLSConfig enables DTLS with either a pre-shared key or certificates.
// The PSK takes precedence when both are set.
type DTLSConfig struct {
	Identity string `yaml:"identity"`
	PSK      string `yaml:"psk"`

	tlsconfig.Config `yaml:",inline"`
}

// Config configures the CoAP distributor.
type Config struct {
	Addr     string        `yaml:"addr"`
	Path     string        `yaml:"path"`
	Timeout  time.Duration `yaml:"timeout"`
	Encoding string        `yaml:"encoding"`
	Source   string        `yaml:"source"`
	DTLS     *DTLSConfig   `yaml:"dtls"`
}

// DefaultConfig returns the default CoAP distributor configuration.
func DefaultConfig() Config {
	return Config{
		Addr:     "localhost:5683",
		Path:     "/events",
		Timeout:  5 * time.Second,
		Encoding: payload.EncodingJSON,
	}
}

// Distributor posts event envelopes to one CoAP resource.
type Distributor struct {
	*distributor.Base

	cfg     Config
	encoder payload.Encoder
	format  message.MediaType
	logger  *slog.Logger

	dtls *piondtls.Config

	mu   sync.Mutex
	conn *client.Conn
}

var _ distributor.Distributor = (*Distributor)(nil)

// New creates a CoAP distributor.
func New(name string, cfg Config, logger *slog.Logger) (*Distributor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("%w: coap addr is required", distributor.ErrInvalidConfig)
	}
	if cfg.Path == "" {
		cfg.Path = DefaultConfig().Path
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	dc, err := cfg.dtlsConfig()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", distributor.ErrInvalidConfig, err)
	}
	enc, err := payload.Lookup(cfg.Encoding)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", distributor.ErrInvalidConfig, err)
	}
	format := message.AppOctets
	if enc.Name() == payload.EncodingJSON {
		format = message.AppJSON
	}

	return &Distributor{
		Base:    distributor.NewBase(name, Capabilities),
		cfg:     cfg,
		encoder: enc,
		format:  format,
		dtls:    dc,
		logger:  logger.With(slog.String("distributor", name)),
	}, nil
}

// FromMap creates a CoAP distributor from a loosely typed configuration.
func FromMap(name string, m map[string]any, logger *slog.Logger) (distributor.Distributor, error) {
	cfg := DefaultConfig()
	if err := distributor.DecodeConfig(m, &cfg); err != nil {
		return nil, err
	}
	return New(name, cfg, logger)
}

var errDTLSCredentials = errors.New("dtls requires a psk or a certificate")

func (c Config) dtlsConfig() (*piondtls.Config, error) {
	switch {
	case c.DTLS == nil:
		return nil, nil
	case c.DTLS.PSK != "":
		psk := []byte(c.DTLS.PSK)
		return &piondtls.Config{
			PSK: func([]byte) ([]byte, error) {
				return psk, nil
			},
			PSKIdentityHint: []byte(c.DTLS.Identity),
			CipherSuites:    []piondtls.CipherSuiteID{piondtls.TLS_PSK_WITH_AES_128_CCM_8},
		}, nil
	case c.DTLS.CertFile != "":
		return tlsconfig.Load[*piondtls.Config](&c.DTLS.Config)
	default:
		return nil, errDTLSCredentials
	}
}

// Connect dials the CoAP server. An open connection is reused.
func (d *Distributor) Connect(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn != nil {
		return nil
	}

	var (
		conn *client.Conn
		err  error
	)
	if d.dtls != nil {
		conn, err = dtls.Dial(d.cfg.Addr, d.dtls)
	} else {
		conn, err = udp.Dial(d.cfg.Addr)
	}
	if err != nil {
		d.SetError(err)
		return fmt.Errorf("coap distributor %s: %w", d.Name(), err)
	}

	d.conn = conn
	d.SetStatus(distributor.StatusConnected)
	d.logger.Info("coap distributor connected",
		slog.String("addr", d.cfg.Addr),
		slog.String("security", tlsconfig.SecurityStatus(d.dtls)))
	return nil
}

func (d *Distributor) Disconnect(context.Context) error {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	d.SetStatus(distributor.StatusDisconnected)
	return err
}

func (d *Distributor) current() *client.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn
}

// Send posts the envelope to the configured path, or to opts.Topic when set.
func (d *Distributor) Send(ctx context.Context, event string, data any, opts distributor.SendOptions) (distributor.SendResult, error) {
	conn := d.current()
	if conn == nil {
		d.RecordError(distributor.ErrNotConnected)
		return distributor.SendResult{}, distributor.ErrNotConnected
	}

	body, err := d.encoder.Encode(distributor.NewEnvelope(event, data, d.cfg.Source))
	if err != nil {
		d.RecordError(err)
		return distributor.SendResult{}, fmt.Errorf("encode %s event: %w", event, err)
	}

	path := d.cfg.Path
	if opts.Topic != "" {
		path = "/" + strings.TrimLeft(opts.Topic, "/")
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	resp, err := conn.Post(ctx, path, d.format, bytes.NewReader(body))
	if err != nil {
		d.RecordError(err)
		return distributor.SendResult{}, fmt.Errorf("coap post %s: %w", path, err)
	}
	if code := resp.Code(); code>>5 != 2 {
		err := &CodeError{Code: code}
		d.RecordError(err)
		return distributor.SendResult{}, err
	}

	d.RecordSent(len(body))
	return distributor.SendResult{Delivered: 1, Bytes: len(body)}, nil
}

func (d *Distributor) Cleanup(ctx context.Context) error {
	return d.Stop(ctx, d.Disconnect)
}
