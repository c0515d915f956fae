// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synopticon/distribution/client"
	"github.com/synopticon/distribution/distributor"
	"github.com/synopticon/distribution/packets"
	tlsconfig "github.com/synopticon/distribution/pkg/tls"
	"github.com/synopticon/distribution/testutil"
)

type fakeClient struct {
	mu          sync.Mutex
	connected   bool
	connectErr  error
	connects    int
	disconnects int
	published   []string
	handlers    map[string]map[uint64]client.EventHandler
	nextID      uint64
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: make(map[string]map[uint64]client.EventHandler)}
}

func (f *fakeClient) Connect(context.Context) error {
	f.mu.Lock()
	f.connects++
	if f.connectErr != nil {
		f.mu.Unlock()
		return f.connectErr
	}
	f.connected = true
	f.mu.Unlock()
	f.emit(client.Event{Name: client.EventConnect})
	return nil
}

func (f *fakeClient) Disconnect() error {
	f.mu.Lock()
	f.disconnects++
	f.connected = false
	f.mu.Unlock()
	f.emit(client.Event{Name: client.EventDisconnect})
	return nil
}

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) Publish(_ context.Context, topic string, _ []byte, _ byte, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, topic)
	return nil
}

func (f *fakeClient) Subscribe(context.Context, []string, byte, client.MessageHandler) (*client.Subscription, error) {
	return nil, errors.New("not supported")
}

func (f *fakeClient) Unsubscribe(context.Context, ...string) error {
	return nil
}

func (f *fakeClient) On(event string, h client.EventHandler) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	if f.handlers[event] == nil {
		f.handlers[event] = make(map[uint64]client.EventHandler)
	}
	f.handlers[event][f.nextID] = h
	return f.nextID
}

func (f *fakeClient) Off(event string, id uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.handlers[event][id]; !ok {
		return false
	}
	delete(f.handlers[event], id)
	return true
}

func (f *fakeClient) emit(e client.Event) {
	f.mu.Lock()
	var hs []client.EventHandler
	for _, h := range f.handlers[e.Name] {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(e)
	}
}

func (f *fakeClient) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, hs := range f.handlers {
		n += len(hs)
	}
	return n
}

func TestConfigAddress(t *testing.T) {
	cases := []struct {
		desc string
		cfg  Config
		host string
		port int
		err  bool
	}{
		{desc: "broker url", cfg: Config{Broker: "mqtt://broker.local:1884"}, host: "broker.local", port: 1884},
		{desc: "tcp scheme default port", cfg: Config{Broker: "tcp://10.0.0.1"}, host: "10.0.0.1", port: 1883},
		{desc: "broker wins over host", cfg: Config{Broker: "mqtt://a:1", Host: "b", Port: 2}, host: "a", port: 1},
		{desc: "host and port", cfg: Config{Host: "b", Port: 2}, host: "b", port: 2},
		{desc: "host default port", cfg: Config{Host: "b"}, host: "b", port: 1883},
		{desc: "mqtts default port", cfg: Config{Broker: "mqtts://secure.local"}, host: "secure.local", port: 8883},
		{desc: "ssl scheme", cfg: Config{Broker: "ssl://secure.local:9883"}, host: "secure.local", port: 9883},
		{desc: "bad scheme", cfg: Config{Broker: "http://a:1"}, err: true},
		{desc: "bad port", cfg: Config{Broker: "mqtt://a:99999"}, err: true},
		{desc: "missing host", cfg: Config{}, err: true},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			host, port, err := tc.cfg.Address()
			if tc.err {
				assert.ErrorIs(t, err, distributor.ErrInvalidConfig)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.host, host)
			assert.Equal(t, tc.port, port)
		})
	}
}

func TestClientOptionsTLS(t *testing.T) {
	opts, err := Config{Broker: "mqtt://plain.local"}.ClientOptions(nil)
	require.NoError(t, err)
	_, ok := opts.Dialer.(*tls.Dialer)
	assert.False(t, ok)

	opts, err = Config{Broker: "mqtts://secure.local"}.ClientOptions(nil)
	require.NoError(t, err)
	d, ok := opts.Dialer.(*tls.Dialer)
	require.True(t, ok)
	assert.Equal(t, "secure.local", d.Config.ServerName)

	cfg := Config{Host: "b", TLS: &tlsconfig.Config{ServerName: "override", InsecureSkipVerify: true}}
	assert.True(t, cfg.Secure())
	opts, err = cfg.ClientOptions(nil)
	require.NoError(t, err)
	d, ok = opts.Dialer.(*tls.Dialer)
	require.True(t, ok)
	assert.Equal(t, "override", d.Config.ServerName)
	assert.True(t, d.Config.InsecureSkipVerify)

	_, err = Config{Host: "b", TLS: &tlsconfig.Config{CertFile: "cert.pem"}}.ClientOptions(nil)
	assert.ErrorIs(t, err, distributor.ErrInvalidConfig)
}

func TestTopicPrecedence(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TopicPrefix = "lab"
	cfg.Topics = map[string]string{"gaze": "lab/eye/gaze"}
	d, err := NewWithClient("mqtt_s1", cfg, newFakeClient(), nil)
	require.NoError(t, err)

	assert.Equal(t, "custom/topic", d.Topic("gaze", distributor.SendOptions{Topic: "custom/topic"}))
	assert.Equal(t, "lab/eye/gaze", d.Topic("gaze", distributor.SendOptions{}))
	assert.Equal(t, "lab/events", d.Topic("face", distributor.SendOptions{}))
}

func TestFromMap(t *testing.T) {
	d, err := FromMap("mqtt_s1", map[string]any{
		"broker":     "mqtt://localhost:1884",
		"keep_alive": "30s",
		"qos":        1,
	}, nil)
	require.NoError(t, err)

	m := d.(*Distributor)
	assert.Equal(t, "localhost:1884", m.Broker())
	assert.Equal(t, 30*time.Second, m.cfg.KeepAlive)
	assert.Equal(t, byte(1), m.cfg.QoS)
	assert.Equal(t, DefaultTopicPrefix, m.cfg.TopicPrefix)
	assert.Equal(t, Capabilities, d.Capabilities())

	_, err = FromMap("bad", map[string]any{"encoding": "xml", "host": "x"}, nil)
	assert.ErrorIs(t, err, distributor.ErrInvalidConfig)
}

func TestSendNotConnected(t *testing.T) {
	d, err := NewWithClient("mqtt_s1", DefaultConfig(), newFakeClient(), nil)
	require.NoError(t, err)

	_, err = d.Send(context.Background(), "gaze", nil, distributor.SendOptions{})
	assert.ErrorIs(t, err, distributor.ErrNotConnected)
	assert.Equal(t, uint64(1), d.Stats().Errors)
}

func TestClientEventsUpdateHealth(t *testing.T) {
	fc := newFakeClient()
	d, err := NewWithClient("mqtt_s1", DefaultConfig(), fc, nil)
	require.NoError(t, err)

	require.NoError(t, d.Connect(context.Background()))
	assert.Equal(t, distributor.StatusConnected, d.Health().Status)

	fc.emit(client.Event{Name: client.EventDisconnect, Err: client.ErrConnectionLost})
	h := d.Health()
	assert.Equal(t, distributor.StatusError, h.Status)
	assert.Equal(t, client.ErrConnectionLost.Error(), h.LastError)

	fc.emit(client.Event{Name: client.EventConnect})
	assert.Equal(t, distributor.StatusConnected, d.Health().Status)

	fc.emit(client.Event{Name: client.EventMessage, Message: &client.Message{Topic: "t", Payload: []byte("abc")}})
	assert.Equal(t, uint64(1), d.Stats().MessagesReceived)
	assert.Equal(t, uint64(3), d.Stats().BytesReceived)
}

func TestConnectFailure(t *testing.T) {
	fc := newFakeClient()
	fc.connectErr = client.ConnRefusedNotAuth
	d, err := NewWithClient("mqtt_s1", DefaultConfig(), fc, nil)
	require.NoError(t, err)

	err = d.Connect(context.Background())
	var code client.ConnAckCode
	require.ErrorAs(t, err, &code)
	assert.Equal(t, distributor.StatusError, d.Health().Status)
}

func TestCleanupDisconnectsOnce(t *testing.T) {
	fc := newFakeClient()
	d, err := NewWithClient("mqtt_s1", DefaultConfig(), fc, nil)
	require.NoError(t, err)
	require.NoError(t, d.Connect(context.Background()))
	require.Equal(t, 5, fc.handlerCount())

	require.NoError(t, d.Cleanup(context.Background()))
	require.NoError(t, d.Cleanup(context.Background()))

	assert.Equal(t, 1, fc.disconnects)
	assert.Equal(t, 0, fc.handlerCount())
	assert.Equal(t, distributor.StatusStopped, d.Health().Status)
}

func newBrokerDistributor(t *testing.T, b *testutil.Broker, cfg Config) *Distributor {
	t.Helper()

	cfg.Host = b.Host()
	cfg.Port = b.Port()
	cfg.AutoReconnect = false
	d, err := New("mqtt_s1", cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { d.Cleanup(context.Background()) })
	return d
}

func TestSendPublishesEnvelope(t *testing.T) {
	b := testutil.NewBroker(t)
	cfg := DefaultConfig()
	cfg.QoS = 1
	cfg.Topics = map[string]string{"face_detected": "synopticon/faces"}
	d := newBrokerDistributor(t, b, cfg)

	ctx := context.Background()
	require.NoError(t, d.Connect(ctx))
	require.NoError(t, d.Connect(ctx))
	assert.Equal(t, 1, b.Connects())

	res, err := d.Send(ctx, "face_detected", map[string]int{"faces": 2}, distributor.SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)

	pubs := b.WaitFor(packets.PublishType, 1, time.Second)
	require.Len(t, pubs, 1)
	pub := pubs[0].(*packets.Publish)
	assert.Equal(t, "synopticon/faces", pub.TopicName)
	assert.Equal(t, byte(1), pub.QoS)

	var env distributor.Envelope
	require.NoError(t, json.Unmarshal(pub.Payload, &env))
	assert.Equal(t, "face_detected", env.Event)
	assert.NotEmpty(t, env.ID)
	assert.Equal(t, map[string]any{"faces": float64(2)}, env.Data)

	s := d.Stats()
	assert.Equal(t, uint64(1), s.MessagesSent)
	assert.Equal(t, uint64(len(pub.Payload)), s.BytesSent)
}

func TestSubscribe(t *testing.T) {
	b := testutil.NewBroker(t)
	d := newBrokerDistributor(t, b, DefaultConfig())

	ctx := context.Background()
	require.NoError(t, d.Connect(ctx))

	got := make(chan string, 1)
	ok, err := distributor.Subscribe(ctx, nil, d, "commands/+", func(topic string, payload []byte) {
		got <- topic + ":" + string(payload)
	})
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, 1, b.Publish("commands/calibrate", []byte("now"), 0, 0))
	select {
	case v := <-got:
		assert.Equal(t, "commands/calibrate:now", v)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	require.NoError(t, d.Unsubscribe(ctx, "commands/+"))
	assert.Len(t, b.WaitFor(packets.UnsubscribeType, 1, time.Second), 1)
}

func TestDisconnectIdempotent(t *testing.T) {
	b := testutil.NewBroker(t)
	d := newBrokerDistributor(t, b, DefaultConfig())

	ctx := context.Background()
	require.NoError(t, d.Connect(ctx))
	require.NoError(t, d.Disconnect(ctx))
	require.NoError(t, d.Disconnect(ctx))

	assert.Equal(t, distributor.StatusDisconnected, d.Health().Status)
	assert.Len(t, b.WaitFor(packets.DisconnectType, 1, time.Second), 1)
}
