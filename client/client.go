// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client implements an MQTT 3.1.1 client over a single TCP
// connection: QoS 0 and 1 publishing with acknowledgment correlation,
// subscriptions with wildcard dispatch, keep-alive and bounded
// reconnection.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/synopticon/distribution/internal/events"
	"github.com/synopticon/distribution/packets"
	"github.com/synopticon/distribution/topics"
)

const readBufferSize = 4096

// Stats holds client counters.
type Stats struct {
	MessagesSent     uint64
	MessagesReceived uint64
	BytesSent        uint64
	BytesReceived    uint64
	Reconnects       uint64
	PendingAcks      int
	Subscriptions    int
	LastActivity     time.Time
}

// Client is a thread-safe MQTT 3.1.1 client owning at most one broker
// connection at a time.
type Client struct {
	opts    *Options
	logger  *slog.Logger
	state   *connState
	pending *pendingStore
	subs    *subscriptionRegistry
	events  *events.Bus[Event]

	// connectMu serializes connection attempts and teardown.
	connectMu sync.Mutex

	connMu sync.RWMutex
	cn     *connection

	// Single writer per connection.
	writeMu sync.Mutex

	reconnMu sync.Mutex
	reconn   *reconnector
	// manual is set by Disconnect and cleared by Connect; no reconnect
	// loop starts while it is set.
	manual atomic.Bool

	lastActivity  atomic.Int64
	sent          atomic.Uint64
	received      atomic.Uint64
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
	reconnects    atomic.Uint64
}

// connection is one TCP connection and the goroutines bound to it.
type connection struct {
	conn     net.Conn
	parser   *packets.Parser
	connack  chan *packets.ConnAck
	inbox    *inbox
	done     chan struct{} // closed when the read loop exits
	stop     chan struct{} // closed on teardown
	stopOnce sync.Once
}

type reconnector struct {
	cancel context.CancelFunc
}

// New creates a new MQTT client with the given options.
func New(opts *Options) (*Client, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	return &Client{
		opts:    opts,
		logger:  opts.Logger.With(slog.String("client_id", opts.ClientID)),
		state:   &connState{},
		pending: newPendingStore(),
		subs:    newSubscriptionRegistry(),
		events:  events.New[Event](),
	}, nil
}

// ClientID returns the client identifier sent in CONNECT.
func (c *Client) ClientID() string {
	return c.opts.ClientID
}

// State returns the current client state.
func (c *Client) State() State {
	return c.state.load()
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c.state.isConnected()
}

// On registers a handler for a client event and returns its handle.
func (c *Client) On(event string, h EventHandler) uint64 {
	return c.events.On(event, events.Handler[Event](h))
}

// Off removes an event handler.
func (c *Client) Off(event string, id uint64) bool {
	return c.events.Off(event, id)
}

func (c *Client) emit(e Event) {
	c.events.Emit(e.Name, e)
}

// Connect establishes the broker connection. It returns nil without opening
// a new connection when already connected; a call made while another
// attempt is in flight waits for that attempt. When the attempt fails and
// AutoReconnect is set, a bounded reconnect loop is started in the
// background and the error is still returned. The failed attempt counts
// toward MaxReconnectAttempts.
func (c *Client) Connect(ctx context.Context) error {
	if c.state.isConnected() {
		return nil
	}
	c.manual.Store(false)
	c.stopReconnect()

	c.connectMu.Lock()
	if c.state.isConnected() {
		c.connectMu.Unlock()
		return nil
	}
	err := c.connect(ctx)
	c.connectMu.Unlock()

	if err != nil {
		c.logger.Warn("MQTT connect failed", slog.String("broker", c.opts.Address()), slog.String("error", err.Error()))
		if c.opts.AutoReconnect {
			c.startReconnect(1, err)
		}
		return err
	}

	c.logger.Info("MQTT client connected", slog.String("broker", c.opts.Address()))
	c.emit(Event{Name: EventConnect})
	return nil
}

// connect performs one connection attempt. connectMu must be held.
func (c *Client) connect(ctx context.Context) error {
	c.state.store(StateConnecting)

	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	conn, err := c.opts.Dialer.DialContext(ctx, "tcp", c.opts.Address())
	if err != nil {
		c.state.store(StateDisconnected)
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	cn := &connection{
		conn:    conn,
		parser:  packets.NewParser(0),
		connack: make(chan *packets.ConnAck, 1),
		inbox:   newInbox(),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}
	c.connMu.Lock()
	c.cn = cn
	c.connMu.Unlock()

	go c.readLoop(cn)
	go c.deliverLoop(cn)

	pkt := packets.NewConnect(c.opts.ClientID, keepAliveSeconds(c.opts.KeepAlive), c.opts.CleanSession)
	pkt.SetCredentials(c.opts.Username, c.opts.Password)
	if err := c.write(cn, pkt); err != nil {
		c.abort(cn)
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	var ack *packets.ConnAck
	select {
	case ack = <-cn.connack:
	case <-cn.done:
		// The broker may close right after a refusing CONNACK.
		select {
		case ack = <-cn.connack:
		default:
			c.abort(cn)
			return fmt.Errorf("%w: connection closed before CONNACK", ErrConnectFailed)
		}
	case <-ctx.Done():
		c.abort(cn)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrConnectTimeout
		}
		return ctx.Err()
	}
	if code := ConnAckCode(ack.ReturnCode); code != ConnAccepted {
		c.abort(cn)
		return code
	}

	c.state.store(StateConnected)
	c.touch()
	if c.opts.KeepAlive > 0 {
		go c.keepAlive(cn)
	}
	return nil
}

// abort tears down a connection that never reached the connected state.
func (c *Client) abort(cn *connection) {
	c.teardown(cn)
	<-cn.done
	c.state.store(StateDisconnected)
}

// teardown closes the connection and stops its goroutines. It does not wait
// for the read loop so it is safe to call from it.
func (c *Client) teardown(cn *connection) {
	cn.stopOnce.Do(func() {
		close(cn.stop)
		cn.conn.Close()
	})

	c.connMu.Lock()
	if c.cn == cn {
		c.cn = nil
	}
	c.connMu.Unlock()
}

func (c *Client) current() *connection {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.cn
}

// Disconnect sends DISCONNECT, closes the connection, cancels any reconnect
// loop, fails pending acknowledgments and clears subscriptions. It is safe
// to call in any state.
func (c *Client) Disconnect() error {
	c.manual.Store(true)
	c.stopReconnect()

	c.connectMu.Lock()
	if !c.state.swap(StateConnected, StateDisconnecting) {
		c.connectMu.Unlock()
		c.pending.clear(ErrDisconnectedByClient)
		c.subs.clear()
		return nil
	}

	if cn := c.current(); cn != nil {
		if err := c.write(cn, packets.NewDisconnect()); err != nil {
			c.logger.Debug("failed to send DISCONNECT", slog.String("error", err.Error()))
		}
		c.teardown(cn)
		<-cn.done
	}
	c.pending.clear(ErrDisconnectedByClient)
	c.subs.clear()
	c.state.store(StateDisconnected)
	c.connectMu.Unlock()

	c.logger.Info("MQTT client disconnected")
	c.emit(Event{Name: EventDisconnect})
	return nil
}

// write encodes and sends one packet. Writes are serialized so packets are
// framed on the wire in call order.
func (c *Client) write(cn *connection, pkt packets.Packet) error {
	if cn == nil {
		return ErrNotConnected
	}
	data := pkt.Encode()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := cn.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	_, err := cn.conn.Write(data)
	cn.conn.SetWriteDeadline(time.Time{})
	if err != nil {
		return err
	}

	c.bytesSent.Add(uint64(len(data)))
	c.touch()
	return nil
}

// Publish sends a message. QoS 0 returns once the packet is written; QoS 1
// waits for the PUBACK carrying the same packet ID.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	if err := topics.ValidateName(topic); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTopic, err)
	}
	if qos > 1 {
		return ErrInvalidQoS
	}
	cn := c.current()
	if !c.state.isConnected() || cn == nil {
		return ErrNotConnected
	}

	if qos == 0 {
		if err := c.write(cn, packets.NewPublish(topic, payload, 0, retain, 0)); err != nil {
			return err
		}
		c.sent.Add(1)
		return nil
	}

	op, err := c.pending.register(pendingPublish)
	if err != nil {
		return err
	}
	if err := c.write(cn, packets.NewPublish(topic, payload, qos, retain, op.id)); err != nil {
		c.pending.remove(op)
		return err
	}
	if err := c.pending.wait(ctx, op, c.opts.AckTimeout); err != nil {
		return err
	}
	c.sent.Add(1)
	return nil
}

// Subscribe registers handler for the topic filters and sends SUBSCRIBE.
// The handler is registered before the packet is written so a PUBLISH
// racing the SUBACK is delivered. A refused or unacknowledged subscription
// is removed again.
func (c *Client) Subscribe(ctx context.Context, filters []string, qos byte, handler MessageHandler) (*Subscription, error) {
	if len(filters) == 0 {
		return nil, ErrInvalidTopic
	}
	for _, f := range filters {
		if err := topics.ValidateFilter(f); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidTopic, err)
		}
	}
	if qos > 1 {
		return nil, ErrInvalidQoS
	}
	if handler == nil {
		return nil, ErrNilHandler
	}
	cn := c.current()
	if !c.state.isConnected() || cn == nil {
		return nil, ErrNotConnected
	}

	sub := c.subs.add(filters, qos, handler)
	if err := c.sendSubscribe(ctx, cn, filters, qos); err != nil {
		c.subs.removeID(sub.ID)
		return nil, err
	}
	return sub, nil
}

func (c *Client) sendSubscribe(ctx context.Context, cn *connection, filters []string, qos byte) error {
	op, err := c.pending.register(pendingSubscribe)
	if err != nil {
		return err
	}
	if err := c.write(cn, packets.NewSubscribe(op.id, qos, filters...)); err != nil {
		c.pending.remove(op)
		return err
	}
	return c.pending.wait(ctx, op, c.opts.AckTimeout)
}

// Unsubscribe removes the topic filters locally, then sends UNSUBSCRIBE and
// waits for the UNSUBACK.
func (c *Client) Unsubscribe(ctx context.Context, filters ...string) error {
	if len(filters) == 0 {
		return ErrInvalidTopic
	}
	c.subs.removeTopics(filters...)

	cn := c.current()
	if !c.state.isConnected() || cn == nil {
		return ErrNotConnected
	}

	op, err := c.pending.register(pendingUnsubscribe)
	if err != nil {
		return err
	}
	if err := c.write(cn, packets.NewUnsubscribe(op.id, filters...)); err != nil {
		c.pending.remove(op)
		return err
	}
	return c.pending.wait(ctx, op, c.opts.AckTimeout)
}

// Stats returns a snapshot of the client counters.
func (c *Client) Stats() Stats {
	return Stats{
		MessagesSent:     c.sent.Load(),
		MessagesReceived: c.received.Load(),
		BytesSent:        c.bytesSent.Load(),
		BytesReceived:    c.bytesReceived.Load(),
		Reconnects:       c.reconnects.Load(),
		PendingAcks:      c.pending.count(),
		Subscriptions:    c.subs.count(),
		LastActivity:     c.lastActivityTime(),
	}
}

// readLoop feeds raw reads into the connection's parser and dispatches the
// decoded packets. It is the only reader of the connection.
func (c *Client) readLoop(cn *connection) {
	defer close(cn.done)
	defer cn.inbox.close()

	buf := make([]byte, readBufferSize)
	for {
		n, err := cn.conn.Read(buf)
		if n > 0 {
			c.touch()
			c.bytesReceived.Add(uint64(n))

			pkts, perr := cn.parser.Parse(buf[:n])
			for _, pkt := range pkts {
				c.dispatch(cn, pkt)
			}
			if perr != nil {
				c.logger.Warn("malformed MQTT data from broker", slog.String("error", perr.Error()))
				c.emit(Event{Name: EventError, Err: perr})
			}
		}
		if err != nil {
			c.connectionLost(cn, err)
			return
		}
	}
}

func (c *Client) dispatch(cn *connection, pkt packets.Packet) {
	switch p := pkt.(type) {
	case *packets.ConnAck:
		select {
		case cn.connack <- p:
		default:
			c.logger.Debug("unexpected CONNACK")
		}
	case *packets.Publish:
		c.handlePublish(cn, p)
	case *packets.PubAck:
		if !c.pending.complete(p.ID, pendingPublish, nil, nil) {
			c.logger.Debug("PUBACK for unknown packet", slog.Int("packet_id", int(p.ID)))
		}
	case *packets.SubAck:
		var err error
		if serr := p.Err(); serr != nil {
			err = fmt.Errorf("%w: %w", ErrSubscribeFailed, serr)
		}
		if !c.pending.complete(p.ID, pendingSubscribe, err, p.ReturnCodes) {
			c.logger.Debug("SUBACK for unknown packet", slog.Int("packet_id", int(p.ID)))
		}
	case *packets.UnsubAck:
		if !c.pending.complete(p.ID, pendingUnsubscribe, nil, nil) {
			c.logger.Debug("UNSUBACK for unknown packet", slog.Int("packet_id", int(p.ID)))
		}
	case *packets.PingResp:
		// Activity was recorded by the read loop.
	default:
		c.logger.Debug("ignoring packet", slog.String("type", packets.TypeName(pkt.Type())))
	}
}

func (c *Client) handlePublish(cn *connection, p *packets.Publish) {
	switch p.QoS {
	case 0:
	case 1:
		if err := c.write(cn, packets.NewPubAck(p.ID)); err != nil {
			c.logger.Warn("failed to send PUBACK", slog.Int("packet_id", int(p.ID)), slog.String("error", err.Error()))
		}
	default:
		c.logger.Warn("QoS 2 delivery is not supported, delivering as QoS 1", slog.String("topic", p.TopicName))
	}

	c.received.Add(1)
	cn.inbox.push(messageFromPublish(p))
}

// deliverLoop runs subscription handlers in arrival order, off the read
// loop, so handlers may call Publish or Subscribe.
func (c *Client) deliverLoop(cn *connection) {
	for {
		msg, ok := cn.inbox.next()
		if !ok {
			return
		}
		for _, sub := range c.subs.match(msg.Topic) {
			sub.handler(msg)
		}
		c.emit(Event{Name: EventMessage, Message: msg})
	}
}

func (c *Client) connectionLost(cn *connection, err error) {
	if c.current() != cn || !c.state.swap(StateConnected, StateDisconnected) {
		return
	}

	c.teardown(cn)
	c.pending.clear(fmt.Errorf("%w: %w", ErrConnectionLost, err))
	c.logger.Warn("MQTT connection lost", slog.String("error", err.Error()))
	c.emit(Event{Name: EventDisconnect, Err: fmt.Errorf("%w: %w", ErrConnectionLost, err)})

	if c.opts.AutoReconnect {
		c.startReconnect(0, err)
	}
}

// startReconnect runs the reconnect loop in the background. failed is the
// number of consecutive connection attempts that already failed.
func (c *Client) startReconnect(failed int, lastErr error) {
	if c.manual.Load() {
		return
	}

	c.reconnMu.Lock()
	defer c.reconnMu.Unlock()
	if c.reconn != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &reconnector{cancel: cancel}
	c.reconn = r

	go func() {
		defer func() {
			c.reconnMu.Lock()
			if c.reconn == r {
				c.reconn = nil
			}
			c.reconnMu.Unlock()
			cancel()
		}()
		c.reconnectLoop(ctx, failed, lastErr)
	}()
}

func (c *Client) stopReconnect() {
	c.reconnMu.Lock()
	defer c.reconnMu.Unlock()
	if c.reconn != nil {
		c.reconn.cancel()
		c.reconn = nil
	}
}

// reconnectLoop continues the consecutive attempt count after failed,
// waiting ReconnectInterval × n before attempt n. Once MaxReconnectAttempts
// attempts have failed it emits an error event and stops until Connect is
// called again.
func (c *Client) reconnectLoop(ctx context.Context, failed int, lastErr error) {
	for attempt := failed + 1; attempt <= c.opts.MaxReconnectAttempts; attempt++ {
		c.emit(Event{Name: EventReconnecting, Attempt: attempt})

		delay := c.opts.ReconnectInterval * time.Duration(attempt)
		if err := c.opts.Sleeper.Sleep(ctx, delay); err != nil {
			return
		}

		c.connectMu.Lock()
		if ctx.Err() != nil || c.state.isConnected() {
			c.connectMu.Unlock()
			return
		}
		c.reconnects.Add(1)
		err := c.connect(ctx)
		c.connectMu.Unlock()

		if err == nil {
			c.logger.Info("MQTT client reconnected", slog.Int("attempt", attempt))
			c.emit(Event{Name: EventConnect})
			go c.resubscribe()
			return
		}
		if ctx.Err() != nil {
			return
		}
		lastErr = err
		c.logger.Warn("MQTT reconnect attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.opts.MaxReconnectAttempts),
			slog.String("error", err.Error()))
	}

	err := fmt.Errorf("%w: %d attempts: %w", ErrMaxReconnectAttempts, c.opts.MaxReconnectAttempts, lastErr)
	c.logger.Error("MQTT reconnect gave up", slog.String("error", err.Error()))
	c.emit(Event{Name: EventError, Err: err})
}

// resubscribe restores the broker side of subscriptions that survived a
// lost connection.
func (c *Client) resubscribe() {
	cn := c.current()
	if cn == nil {
		return
	}
	for _, sub := range c.subs.snapshot() {
		if err := c.sendSubscribe(context.Background(), cn, sub.Topics, sub.QoS); err != nil {
			c.logger.Warn("failed to restore subscription",
				slog.String("subscription_id", sub.ID),
				slog.String("topics", strings.Join(sub.Topics, ",")),
				slog.String("error", err.Error()))
		}
	}
}

func (c *Client) keepAlive(cn *connection) {
	ticker := time.NewTicker(c.opts.KeepAlive / 2)
	defer ticker.Stop()

	for {
		select {
		case <-cn.stop:
			return
		case <-ticker.C:
			if !c.state.isConnected() || c.current() != cn {
				return
			}
			if time.Since(c.lastActivityTime()) < c.opts.KeepAlive {
				continue
			}
			if err := c.write(cn, packets.NewPingReq()); err != nil {
				c.logger.Debug("failed to send PINGREQ", slog.String("error", err.Error()))
			}
		}
	}
}

func (c *Client) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Client) lastActivityTime() time.Time {
	ns := c.lastActivity.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// keepAliveSeconds converts the keep-alive interval to the CONNECT field,
// rounding sub-second intervals up.
func keepAliveSeconds(d time.Duration) uint16 {
	if d <= 0 {
		return 0
	}
	s := math.Ceil(d.Seconds())
	if s > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(s)
}
