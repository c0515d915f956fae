// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package http delivers events as HTTP callbacks.
package http

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/sony/gobreaker"
	"github.com/synopticon/distribution/distributor"
	"github.com/synopticon/distribution/payload"
	"github.com/synopticon/distribution/pkg/retry"
	tlsconfig "github.com/synopticon/distribution/pkg/tls"
)

// Type is the distributor type name used in session configuration.
const Type = "http"

// Capabilities advertised by the HTTP distributor.
const Capabilities = distributor.CapSend | distributor.CapReliable

// Compression algorithms for request bodies.
const (
	CompressionNone = ""
	CompressionZstd = "zstd"
	CompressionS2   = "s2"
)

const userAgent = "Synopticon-Distribution/1.0"

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("callback returned non-2xx status: %d", e.Code)
}

// CircuitBreakerConfig configures the per-endpoint circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// Config configures the HTTP distributor.
type Config struct {
	URL            string               `yaml:"url"`
	Method         string               `yaml:"method"`
	Headers        map[string]string    `yaml:"headers"`
	Timeout        time.Duration        `yaml:"timeout"`
	Encoding       string               `yaml:"encoding"`
	Compression    string               `yaml:"compression"`
	Source         string               `yaml:"source"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	TLS            *tlsconfig.Config    `yaml:"tls"`
}

// DefaultConfig returns the default HTTP distributor configuration.
func DefaultConfig() Config {
	return Config{
		Method:   http.MethodPost,
		Timeout:  5 * time.Second,
		Encoding: payload.EncodingJSON,
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
		},
	}
}

// Distributor posts event envelopes to a callback URL.
type Distributor struct {
	*distributor.Base

	cfg     Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	encoder payload.Encoder
	zstd    *zstd.Encoder
	logger  *slog.Logger
}

var _ distributor.Distributor = (*Distributor)(nil)

// New creates an HTTP distributor.
func New(name string, cfg Config, logger *slog.Logger) (*Distributor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	cfg.Method = strings.ToUpper(cfg.Method)
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.CircuitBreaker.FailureThreshold <= 0 {
		cfg.CircuitBreaker.FailureThreshold = DefaultConfig().CircuitBreaker.FailureThreshold
	}

	enc, err := payload.Lookup(cfg.Encoding)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", distributor.ErrInvalidConfig, err)
	}

	hc := &http.Client{Timeout: cfg.Timeout}
	if cfg.TLS != nil {
		conf, err := tlsconfig.Load[*tls.Config](cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", distributor.ErrInvalidConfig, err)
		}
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = conf
		hc.Transport = tr
	}

	d := &Distributor{
		Base:    distributor.NewBase(name, Capabilities),
		cfg:     cfg,
		client:  hc,
		encoder: enc,
		logger:  logger.With(slog.String("distributor", name)),
	}

	switch cfg.Compression {
	case CompressionNone, CompressionS2:
	case CompressionZstd:
		d.zstd, err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderConcurrency(1),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown compression %q", distributor.ErrInvalidConfig, cfg.Compression)
	}

	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.CircuitBreaker.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.CircuitBreaker.FailureThreshold)
		},
		IsSuccessful: func(err error) bool {
			// Rejected requests say nothing about endpoint availability.
			return err == nil || retry.IsNonRetryable(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			d.logger.Warn("callback circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return d, nil
}

// FromMap creates an HTTP distributor from a loosely typed configuration.
func FromMap(name string, m map[string]any, logger *slog.Logger) (distributor.Distributor, error) {
	cfg := DefaultConfig()
	if err := distributor.DecodeConfig(m, &cfg); err != nil {
		return nil, err
	}
	return New(name, cfg, logger)
}

// Connect validates the callback URL. HTTP is connectionless so there is
// nothing to open.
func (d *Distributor) Connect(context.Context) error {
	u, err := url.Parse(d.cfg.URL)
	if err == nil && ((u.Scheme != "http" && u.Scheme != "https") || u.Host == "") {
		err = errors.New("scheme must be http or https and host is required")
	}
	if err != nil {
		err = fmt.Errorf("%w: url %q: %v", distributor.ErrInvalidConfig, d.cfg.URL, err)
		d.SetError(err)
		return err
	}
	d.SetStatus(distributor.StatusConnected)
	return nil
}

func (d *Distributor) Disconnect(context.Context) error {
	d.client.CloseIdleConnections()
	d.SetStatus(distributor.StatusDisconnected)
	return nil
}

func (d *Distributor) Send(ctx context.Context, event string, data any, opts distributor.SendOptions) (distributor.SendResult, error) {
	if d.Status() != distributor.StatusConnected {
		d.RecordError(distributor.ErrNotConnected)
		return distributor.SendResult{}, distributor.ErrNotConnected
	}

	body, err := d.encoder.Encode(distributor.NewEnvelope(event, data, d.cfg.Source))
	if err != nil {
		d.RecordError(err)
		return distributor.SendResult{}, fmt.Errorf("encode %s event: %w", event, err)
	}
	size := len(body)
	body = d.compress(body)

	target := d.cfg.URL
	if opts.Topic != "" {
		target = strings.TrimRight(target, "/") + "/" + strings.TrimLeft(opts.Topic, "/")
	}

	_, err = d.breaker.Execute(func() (any, error) {
		return nil, d.post(ctx, target, event, body, opts.Headers)
	})
	if err != nil {
		d.RecordError(err)
		return distributor.SendResult{}, err
	}

	d.RecordSent(size)
	return distributor.SendResult{Delivered: 1, Bytes: size}, nil
}

func (d *Distributor) post(ctx context.Context, target, event string, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, d.cfg.Method, target, bytes.NewReader(body))
	if err != nil {
		return retry.NonRetryable(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", d.encoder.ContentType())
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Event-Type", event)
	if d.cfg.Compression != CompressionNone {
		req.Header.Set("Content-Encoding", d.cfg.Compression)
	}
	for key, value := range d.cfg.Headers {
		req.Header.Set(key, value)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		serr := &StatusError{Code: resp.StatusCode}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return retry.NonRetryable(serr)
		}
		return serr
	}
	return nil
}

func (d *Distributor) compress(body []byte) []byte {
	switch d.cfg.Compression {
	case CompressionZstd:
		return d.zstd.EncodeAll(body, nil)
	case CompressionS2:
		return s2.Encode(nil, body)
	default:
		return body
	}
}

// BreakerState returns the circuit breaker state.
func (d *Distributor) BreakerState() gobreaker.State {
	return d.breaker.State()
}

func (d *Distributor) Cleanup(ctx context.Context) error {
	return d.Stop(ctx, func(ctx context.Context) error {
		err := d.Disconnect(ctx)
		if d.zstd != nil {
			d.zstd.Close()
		}
		return err
	})
}
