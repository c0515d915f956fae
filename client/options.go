// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/synopticon/distribution/pkg/retry"
)

// Default values.
const (
	DefaultPort                 = 1883
	DefaultKeepAlive            = 60 * time.Second
	DefaultReconnectInterval    = 1 * time.Second
	DefaultConnectTimeout       = 10 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultAckTimeout           = 5 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultClientIDPrefix       = "synopticon"
)

// Dialer opens the transport connection to the broker.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Options configures the MQTT client.
type Options struct {
	// Connection
	Host           string        // Broker host
	Port           int           // Broker port
	ClientID       string        // Client identifier
	Username       string        // Optional username
	Password       string        // Optional password
	ConnectTimeout time.Duration // Timeout for dial and CONNACK
	WriteTimeout   time.Duration // Timeout for a single packet write
	KeepAlive      time.Duration // Keep-alive interval (0 to disable)
	CleanSession   bool          // Start with clean session

	// QoS
	AckTimeout time.Duration // Timeout waiting for PUBACK/SUBACK/UNSUBACK

	// Reconnection
	AutoReconnect        bool          // Reconnect after a failed connect or lost connection
	ReconnectInterval    time.Duration // Attempt n waits ReconnectInterval × n
	MaxReconnectAttempts int           // Consecutive failed attempts before giving up

	// Dependencies
	Dialer  Dialer        // nil uses net.Dialer
	Sleeper retry.Sleeper // nil uses a real timer
	Logger  *slog.Logger  // nil uses slog.Default()
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		Host:                 "localhost",
		Port:                 DefaultPort,
		KeepAlive:            DefaultKeepAlive,
		ConnectTimeout:       DefaultConnectTimeout,
		WriteTimeout:         DefaultWriteTimeout,
		AckTimeout:           DefaultAckTimeout,
		CleanSession:         true,
		AutoReconnect:        true,
		ReconnectInterval:    DefaultReconnectInterval,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
	}
}

// SetBroker sets the broker host and port.
func (o *Options) SetBroker(host string, port int) *Options {
	o.Host = host
	o.Port = port
	return o
}

// SetClientID sets the client identifier.
func (o *Options) SetClientID(id string) *Options {
	o.ClientID = id
	return o
}

// SetCredentials sets username and password.
func (o *Options) SetCredentials(username, password string) *Options {
	o.Username = username
	o.Password = password
	return o
}

// SetKeepAlive sets the keep-alive interval.
func (o *Options) SetKeepAlive(d time.Duration) *Options {
	o.KeepAlive = d
	return o
}

// SetCleanSession sets the clean session flag.
func (o *Options) SetCleanSession(clean bool) *Options {
	o.CleanSession = clean
	return o
}

// SetConnectTimeout sets the connection timeout.
func (o *Options) SetConnectTimeout(d time.Duration) *Options {
	o.ConnectTimeout = d
	return o
}

// SetAckTimeout sets the acknowledgment timeout.
func (o *Options) SetAckTimeout(d time.Duration) *Options {
	o.AckTimeout = d
	return o
}

// SetAutoReconnect enables or disables automatic reconnection.
func (o *Options) SetAutoReconnect(enable bool) *Options {
	o.AutoReconnect = enable
	return o
}

// SetReconnect sets the reconnect interval and the attempt bound.
func (o *Options) SetReconnect(interval time.Duration, maxAttempts int) *Options {
	o.ReconnectInterval = interval
	o.MaxReconnectAttempts = maxAttempts
	return o
}

// SetDialer sets the transport dialer.
func (o *Options) SetDialer(d Dialer) *Options {
	o.Dialer = d
	return o
}

// SetSleeper sets the sleeper used between reconnect attempts.
func (o *Options) SetSleeper(s retry.Sleeper) *Options {
	o.Sleeper = s
	return o
}

// SetLogger sets the logger.
func (o *Options) SetLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

// Address returns the broker host:port.
func (o *Options) Address() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// Validate checks the options and fills unset values with defaults.
func (o *Options) Validate() error {
	if o.Host == "" {
		return ErrEmptyHost
	}
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.Port < 0 || o.Port > 65535 {
		return ErrInvalidPort
	}
	if o.ClientID == "" {
		o.ClientID = GenerateClientID(DefaultClientIDPrefix)
	}
	if o.KeepAlive < 0 {
		o.KeepAlive = 0
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = DefaultAckTimeout
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = DefaultReconnectInterval
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if o.Dialer == nil {
		o.Dialer = &net.Dialer{}
	}
	if o.Sleeper == nil {
		o.Sleeper = retry.TimerSleeper
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}

// GenerateClientID returns "<prefix>-" followed by eight random hex characters.
func GenerateClientID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}
