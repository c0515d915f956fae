// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mqtt publishes events to an MQTT broker through the client
// package.
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/synopticon/distribution/client"
	"github.com/synopticon/distribution/distributor"
	"github.com/synopticon/distribution/payload"
	tlsconfig "github.com/synopticon/distribution/pkg/tls"
)

// Type is the distributor type name used in session configuration.
const Type = "mqtt"

// DefaultTopicPrefix prefixes the fallback topic.
const DefaultTopicPrefix = "synopticon"

// DefaultTLSPort is used for secure broker URLs without a port.
const DefaultTLSPort = 8883

// Capabilities advertised by the MQTT distributor.
const Capabilities = distributor.CapSend | distributor.CapReceive | distributor.CapSubscribe |
	distributor.CapBroadcast | distributor.CapPersistent | distributor.CapReliable

// Client is the part of *client.Client the distributor uses.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
	Subscribe(ctx context.Context, topics []string, qos byte, handler client.MessageHandler) (*client.Subscription, error)
	Unsubscribe(ctx context.Context, topics ...string) error
	On(event string, h client.EventHandler) uint64
	Off(event string, id uint64) bool
}

var _ Client = (*client.Client)(nil)

// Config configures the MQTT distributor.
type Config struct {
	// Broker is a URL such as "mqtt://localhost:1883". It takes
	// precedence over Host and Port. The mqtts and ssl schemes enable TLS.
	Broker               string            `yaml:"broker"`
	Host                 string            `yaml:"host"`
	Port                 int               `yaml:"port"`
	ClientID             string            `yaml:"client_id"`
	Username             string            `yaml:"username"`
	Password             string            `yaml:"password"`
	KeepAlive            time.Duration     `yaml:"keep_alive"`
	ConnectTimeout       time.Duration     `yaml:"connect_timeout"`
	ReconnectInterval    time.Duration     `yaml:"reconnect_interval"`
	MaxReconnectAttempts int               `yaml:"max_reconnect_attempts"`
	AutoReconnect        bool              `yaml:"auto_reconnect"`
	CleanSession         bool              `yaml:"clean_session"`
	TopicPrefix          string            `yaml:"topic_prefix"`
	Topics               map[string]string `yaml:"topics"`
	QoS                  byte              `yaml:"qos"`
	Retain               bool              `yaml:"retain"`
	Encoding             string            `yaml:"encoding"`
	Source               string            `yaml:"source"`
	TLS                  *tlsconfig.Config `yaml:"tls"`
}

// DefaultConfig returns the default MQTT distributor configuration.
func DefaultConfig() Config {
	return Config{
		Host:                 "localhost",
		Port:                 client.DefaultPort,
		KeepAlive:            client.DefaultKeepAlive,
		ConnectTimeout:       client.DefaultConnectTimeout,
		ReconnectInterval:    client.DefaultReconnectInterval,
		MaxReconnectAttempts: client.DefaultMaxReconnectAttempts,
		AutoReconnect:        true,
		CleanSession:         true,
		TopicPrefix:          DefaultTopicPrefix,
		Encoding:             payload.EncodingJSON,
	}
}

// Address resolves the broker host and port.
func (c Config) Address() (string, int, error) {
	if c.Broker == "" {
		if c.Host == "" {
			return "", 0, fmt.Errorf("%w: mqtt host is required", distributor.ErrInvalidConfig)
		}
		port := c.Port
		if port == 0 {
			port = client.DefaultPort
		}
		return c.Host, port, nil
	}

	u, err := url.Parse(c.Broker)
	if err != nil {
		return "", 0, fmt.Errorf("%w: broker %q: %v", distributor.ErrInvalidConfig, c.Broker, err)
	}
	port := client.DefaultPort
	switch u.Scheme {
	case "mqtt", "tcp":
	case "mqtts", "ssl", "tls":
		port = DefaultTLSPort
	default:
		return "", 0, fmt.Errorf("%w: unsupported broker scheme %q", distributor.ErrInvalidConfig, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return "", 0, fmt.Errorf("%w: broker %q has no host", distributor.ErrInvalidConfig, c.Broker)
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return "", 0, fmt.Errorf("%w: broker %q has an invalid port", distributor.ErrInvalidConfig, c.Broker)
		}
	}
	return host, port, nil
}

// Secure reports whether the broker connection uses TLS.
func (c Config) Secure() bool {
	if c.TLS != nil {
		return true
	}
	u, err := url.Parse(c.Broker)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "mqtts", "ssl", "tls":
		return true
	}
	return false
}

// ClientOptions builds wire client options from the configuration.
func (c Config) ClientOptions(logger *slog.Logger) (*client.Options, error) {
	host, port, err := c.Address()
	if err != nil {
		return nil, err
	}
	opts := client.NewOptions().
		SetBroker(host, port).
		SetClientID(c.ClientID).
		SetCredentials(c.Username, c.Password).
		SetCleanSession(c.CleanSession).
		SetAutoReconnect(c.AutoReconnect).
		SetLogger(logger)
	if c.KeepAlive > 0 {
		opts.SetKeepAlive(c.KeepAlive)
	}
	if c.ConnectTimeout > 0 {
		opts.SetConnectTimeout(c.ConnectTimeout)
	}
	if c.ReconnectInterval > 0 && c.MaxReconnectAttempts > 0 {
		opts.SetReconnect(c.ReconnectInterval, c.MaxReconnectAttempts)
	}
	if c.Secure() {
		tc := c.TLS
		if tc == nil {
			tc = &tlsconfig.Config{}
		}
		conf, err := tlsconfig.Load[*tls.Config](tc)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", distributor.ErrInvalidConfig, err)
		}
		if conf.ServerName == "" {
			conf.ServerName = host
		}
		opts.SetDialer(&tls.Dialer{Config: conf})
	}
	return opts, nil
}

// Distributor publishes event envelopes to MQTT topics.
type Distributor struct {
	*distributor.Base

	cfg     Config
	client  Client
	encoder payload.Encoder
	logger  *slog.Logger

	mu       sync.Mutex
	handlers map[string]uint64
}

var (
	_ distributor.Distributor = (*Distributor)(nil)
	_ distributor.Subscriber  = (*Distributor)(nil)
)

// New creates an MQTT distributor with its own wire client.
func New(name string, cfg Config, logger *slog.Logger) (*Distributor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts, err := cfg.ClientOptions(logger)
	if err != nil {
		return nil, err
	}
	c, err := client.New(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", distributor.ErrInvalidConfig, err)
	}
	return NewWithClient(name, cfg, c, logger)
}

// NewWithClient creates an MQTT distributor over an existing client.
func NewWithClient(name string, cfg Config, c Client, logger *slog.Logger) (*Distributor, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: mqtt client is nil", distributor.ErrInvalidConfig)
	}
	if logger == nil {
		logger = slog.Default()
	}
	enc, err := payload.Lookup(cfg.Encoding)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", distributor.ErrInvalidConfig, err)
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}

	d := &Distributor{
		Base:     distributor.NewBase(name, Capabilities),
		cfg:      cfg,
		client:   c,
		encoder:  enc,
		logger:   logger.With(slog.String("distributor", name)),
		handlers: make(map[string]uint64),
	}
	d.watch()
	return d, nil
}

// FromMap creates an MQTT distributor from a loosely typed configuration.
func FromMap(name string, m map[string]any, logger *slog.Logger) (distributor.Distributor, error) {
	cfg := DefaultConfig()
	if err := distributor.DecodeConfig(m, &cfg); err != nil {
		return nil, err
	}
	return New(name, cfg, logger)
}

// watch mirrors client events into the health record.
func (d *Distributor) watch() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.handlers[client.EventConnect] = d.client.On(client.EventConnect, func(client.Event) {
		if !d.Stopped() {
			d.SetStatus(distributor.StatusConnected)
		}
	})
	d.handlers[client.EventDisconnect] = d.client.On(client.EventDisconnect, func(e client.Event) {
		if d.Stopped() {
			return
		}
		if e.Err != nil {
			d.SetError(e.Err)
			return
		}
		d.SetStatus(distributor.StatusDisconnected)
	})
	d.handlers[client.EventError] = d.client.On(client.EventError, func(e client.Event) {
		if !d.Stopped() {
			d.SetError(e.Err)
		}
	})
	d.handlers[client.EventReconnecting] = d.client.On(client.EventReconnecting, func(e client.Event) {
		d.logger.Debug("MQTT distributor reconnecting", slog.Int("attempt", e.Attempt))
	})
	d.handlers[client.EventMessage] = d.client.On(client.EventMessage, func(e client.Event) {
		if e.Message != nil {
			d.RecordReceived(len(e.Message.Payload))
		}
	})
}

func (d *Distributor) unwatch() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for event, id := range d.handlers {
		d.client.Off(event, id)
		delete(d.handlers, event)
	}
}

// Topic returns the topic an event is published to.
func (d *Distributor) Topic(event string, opts distributor.SendOptions) string {
	if opts.Topic != "" {
		return opts.Topic
	}
	if t, ok := d.cfg.Topics[event]; ok && t != "" {
		return t
	}
	return d.cfg.TopicPrefix + "/events"
}

// Connect connects the wire client. The client itself guarantees a single
// connection, so repeated calls are safe.
func (d *Distributor) Connect(ctx context.Context) error {
	if d.client.IsConnected() {
		d.SetStatus(distributor.StatusConnected)
		return nil
	}
	if err := d.client.Connect(ctx); err != nil {
		d.SetError(err)
		return fmt.Errorf("mqtt distributor %s: %w", d.Name(), err)
	}
	d.SetStatus(distributor.StatusConnected)
	return nil
}

// Disconnect disconnects the wire client.
func (d *Distributor) Disconnect(context.Context) error {
	err := d.client.Disconnect()
	d.SetStatus(distributor.StatusDisconnected)
	return err
}

func (d *Distributor) Send(ctx context.Context, event string, data any, opts distributor.SendOptions) (distributor.SendResult, error) {
	if !d.client.IsConnected() {
		d.RecordError(distributor.ErrNotConnected)
		return distributor.SendResult{}, distributor.ErrNotConnected
	}

	body, err := d.encoder.Encode(distributor.NewEnvelope(event, data, d.cfg.Source))
	if err != nil {
		d.RecordError(err)
		return distributor.SendResult{}, fmt.Errorf("encode %s event: %w", event, err)
	}

	qos := d.cfg.QoS
	if opts.QoS > qos {
		qos = opts.QoS
	}
	topic := d.Topic(event, opts)
	if err := d.client.Publish(ctx, topic, body, qos, d.cfg.Retain || opts.Retain); err != nil {
		d.RecordError(err)
		return distributor.SendResult{}, fmt.Errorf("publish to %s: %w", topic, err)
	}

	d.RecordSent(len(body))
	return distributor.SendResult{Delivered: 1, Bytes: len(body)}, nil
}

// Subscribe subscribes to an MQTT topic filter.
func (d *Distributor) Subscribe(ctx context.Context, topic string, h distributor.MessageHandler) error {
	if h == nil {
		return client.ErrNilHandler
	}
	_, err := d.client.Subscribe(ctx, []string{topic}, d.cfg.QoS, func(m *client.Message) {
		h(m.Topic, m.Payload)
	})
	if err != nil {
		d.RecordError(err)
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe removes every subscription to the topic filter.
func (d *Distributor) Unsubscribe(ctx context.Context, topic string) error {
	if err := d.client.Unsubscribe(ctx, topic); err != nil {
		d.RecordError(err)
		return fmt.Errorf("unsubscribe from %s: %w", topic, err)
	}
	return nil
}

// Cleanup disconnects and detaches from the client events.
func (d *Distributor) Cleanup(ctx context.Context) error {
	err := d.Stop(ctx, d.Disconnect)
	d.unwatch()
	return err
}

// Broker returns the resolved broker address.
func (d *Distributor) Broker() string {
	host, port, err := d.cfg.Address()
	if err != nil {
		return ""
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
