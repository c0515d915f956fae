// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides an in-process MQTT 3.1.1 broker for tests.
package testutil

import (
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/synopticon/distribution/packets"
)

// Interceptor sees every packet a broker connection receives. Returning
// true skips the broker's default handling of the packet.
type Interceptor func(c *Conn, pkt packets.Packet) bool

// Broker is a minimal MQTT broker listening on a loopback port. It answers
// CONNECT, SUBSCRIBE, UNSUBSCRIBE, PUBLISH and PINGREQ, routes publishes to
// subscribed connections and records every packet it receives.
type Broker struct {
	t  testing.TB
	ln net.Listener
	wg sync.WaitGroup

	mu          sync.Mutex
	conns       map[*Conn]struct{}
	received    []packets.Packet
	connects    int
	accepted    int
	connAckCode byte
	subAckCode  *byte
	intercept   Interceptor
	closed      bool
}

// Conn is a client connection accepted by the broker.
type Conn struct {
	broker *Broker
	conn   net.Conn

	wmu  sync.Mutex
	mu   sync.Mutex
	subs map[string]byte
}

// NewBroker starts a broker on 127.0.0.1 with a random port. It is closed
// when the test ends.
func NewBroker(t testing.TB) *Broker {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	b := &Broker{
		t:     t,
		ln:    ln,
		conns: make(map[*Conn]struct{}),
	}
	b.wg.Add(1)
	go b.acceptLoop()
	t.Cleanup(b.Close)
	return b
}

// Addr returns the broker host:port.
func (b *Broker) Addr() string {
	return b.ln.Addr().String()
}

// Host returns the broker host.
func (b *Broker) Host() string {
	return b.ln.Addr().(*net.TCPAddr).IP.String()
}

// Port returns the broker port.
func (b *Broker) Port() int {
	return b.ln.Addr().(*net.TCPAddr).Port
}

// SetConnAckCode sets the CONNACK return code sent to new connections.
func (b *Broker) SetConnAckCode(code byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connAckCode = code
}

// SetSubAckCode makes every SUBACK return code equal code. By default the
// requested QoS is granted.
func (b *Broker) SetSubAckCode(code byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subAckCode = &code
}

// Intercept installs fn in front of the default packet handling.
func (b *Broker) Intercept(fn Interceptor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.intercept = fn
}

// Connects returns the number of CONNECT packets received.
func (b *Broker) Connects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

// Accepted returns the number of TCP connections accepted.
func (b *Broker) Accepted() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accepted
}

// Received returns every recorded packet of the given type.
func (b *Broker) Received(packetType byte) []packets.Packet {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []packets.Packet
	for _, pkt := range b.received {
		if pkt.Type() == packetType {
			out = append(out, pkt)
		}
	}
	return out
}

// WaitFor polls until at least n packets of the given type were received
// or timeout elapses.
func (b *Broker) WaitFor(packetType byte, n int, timeout time.Duration) []packets.Packet {
	deadline := time.Now().Add(timeout)
	for {
		pkts := b.Received(packetType)
		if len(pkts) >= n || time.Now().After(deadline) {
			return pkts
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Publish sends a PUBLISH to every connection subscribed to a filter
// matching topic and returns the number of receivers.
func (b *Broker) Publish(topic string, payload []byte, qos byte, id uint16) int {
	n := 0
	for _, c := range b.connections() {
		if !c.subscribed(topic) {
			continue
		}
		if err := c.Send(packets.NewPublish(topic, payload, qos, false, id)); err == nil {
			n++
		}
	}
	return n
}

// DropConnections closes every client connection without DISCONNECT.
func (b *Broker) DropConnections() {
	for _, c := range b.connections() {
		c.conn.Close()
	}
}

// Close stops the broker and closes all connections.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.ln.Close()
	b.DropConnections()
	b.wg.Wait()
}

func (b *Broker) connections() []*Conn {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*Conn, 0, len(b.conns))
	for c := range b.conns {
		out = append(out, c)
	}
	return out
}

func (b *Broker) acceptLoop() {
	defer b.wg.Done()
	for {
		nc, err := b.ln.Accept()
		if err != nil {
			return
		}
		c := &Conn{broker: b, conn: nc, subs: make(map[string]byte)}

		b.mu.Lock()
		b.accepted++
		b.conns[c] = struct{}{}
		b.mu.Unlock()

		b.wg.Add(1)
		go b.serve(c)
	}
}

func (b *Broker) serve(c *Conn) {
	defer b.wg.Done()
	defer func() {
		c.conn.Close()
		b.mu.Lock()
		delete(b.conns, c)
		b.mu.Unlock()
	}()

	parser := packets.NewParser(0)
	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			pkts, perr := parser.Parse(buf[:n])
			for _, pkt := range pkts {
				if !b.handle(c, pkt) {
					return
				}
			}
			if perr != nil {
				b.t.Logf("broker: malformed data: %v", perr)
			}
		}
		if err != nil {
			return
		}
	}
}

// handle records and answers one packet. It returns false when the
// connection should be closed.
func (b *Broker) handle(c *Conn, pkt packets.Packet) bool {
	b.mu.Lock()
	b.received = append(b.received, pkt)
	intercept := b.intercept
	if pkt.Type() == packets.ConnectType {
		b.connects++
	}
	connAckCode := b.connAckCode
	subAckCode := b.subAckCode
	b.mu.Unlock()

	if intercept != nil && intercept(c, pkt) {
		return true
	}

	switch p := pkt.(type) {
	case *packets.Connect:
		if err := c.Send(packets.NewConnAck(connAckCode, false)); err != nil {
			return false
		}
		return connAckCode == 0
	case *packets.Subscribe:
		codes := make([]byte, 0, len(p.Topics))
		for _, t := range p.Topics {
			if subAckCode != nil {
				codes = append(codes, *subAckCode)
				if *subAckCode == packets.SubAckFailure {
					continue
				}
			} else {
				codes = append(codes, t.QoS)
			}
			c.mu.Lock()
			c.subs[t.Name] = t.QoS
			c.mu.Unlock()
		}
		c.Send(packets.NewSubAck(p.ID, codes...))
	case *packets.Unsubscribe:
		c.mu.Lock()
		for _, t := range p.Topics {
			delete(c.subs, t)
		}
		c.mu.Unlock()
		c.Send(packets.NewUnsubAck(p.ID))
	case *packets.Publish:
		if p.QoS == 1 {
			c.Send(packets.NewPubAck(p.ID))
		}
		for _, other := range b.connections() {
			if qos, ok := other.match(p.TopicName); ok {
				id := uint16(0)
				if qos > 0 {
					id = 1
				}
				other.Send(packets.NewPublish(p.TopicName, p.Payload, min(qos, p.QoS), false, id))
			}
		}
	case *packets.PingReq:
		c.Send(packets.NewPingResp())
	case *packets.Disconnect:
		return false
	}
	return true
}

// Send writes a packet to the client.
func (c *Conn) Send(pkt packets.Packet) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.conn.Write(pkt.Encode())
	return err
}

// Close closes the client connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

func (c *Conn) subscribed(topic string) bool {
	_, ok := c.match(topic)
	return ok
}

func (c *Conn) match(topic string) (byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for filter, qos := range c.subs {
		if matchTopic(filter, topic) {
			return qos, true
		}
	}
	return 0, false
}

func matchTopic(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, f := range fp {
		if f == "#" {
			return true
		}
		if i >= len(tp) || (f != "+" && f != tp[i]) {
			return false
		}
	}
	return len(fp) == len(tp)
}
