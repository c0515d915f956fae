// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synopticon/distribution/distributor"
	"github.com/synopticon/distribution/payload"
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

func listen(t *testing.T) *net.UDPConn {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func receive(t *testing.T, conn *net.UDPConn) []byte {
	t.Helper()

	buf := make([]byte, MaxPacketSize)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	return buf[:n]
}

func newDistributor(t *testing.T, conn *net.UDPConn, encoding string) *Distributor {
	t.Helper()

	addr := conn.LocalAddr().(*net.UDPAddr)
	cfg := DefaultConfig()
	cfg.Port = addr.Port
	cfg.Encoding = encoding
	d, err := New("udp_s1", cfg, nil)
	require.NoError(t, err)
	require.NoError(t, d.Connect(context.Background()))
	t.Cleanup(func() { d.Cleanup(context.Background()) })
	return d
}

func TestSendEncodings(t *testing.T) {
	data := map[string]any{"x": 0.5, "label": "left"}

	cases := []struct {
		encoding string
		decode   func(t *testing.T, b []byte) map[string]any
	}{
		{
			encoding: payload.EncodingJSON,
			decode: func(t *testing.T, b []byte) map[string]any {
				var m map[string]any
				require.NoError(t, json.Unmarshal(b, &m))
				return m
			},
		},
		{
			encoding: payload.EncodingMsgPack,
			decode: func(t *testing.T, b []byte) map[string]any {
				var m map[string]any
				require.NoError(t, msgpack.Unmarshal(b, &m))
				return m
			},
		},
		{
			encoding: payload.EncodingProtobuf,
			decode: func(t *testing.T, b []byte) map[string]any {
				var v structpb.Value
				require.NoError(t, proto.Unmarshal(b, &v))
				return v.GetStructValue().AsMap()
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.encoding, func(t *testing.T) {
			conn := listen(t)
			d := newDistributor(t, conn, tc.encoding)

			res, err := d.Send(context.Background(), "gaze", data, distributor.SendOptions{})
			require.NoError(t, err)
			assert.Equal(t, 1, res.Delivered)

			got := receive(t, conn)
			assert.Equal(t, res.Bytes, len(got))

			m := tc.decode(t, got)
			assert.Equal(t, "gaze", m["event"])
			assert.NotEmpty(t, m["id"])
			inner, ok := m["data"].(map[string]any)
			require.True(t, ok)
			assert.Equal(t, "left", inner["label"])
		})
	}
}

func TestPayloadTooLarge(t *testing.T) {
	conn := listen(t)
	d := newDistributor(t, conn, payload.EncodingJSON)

	_, err := d.Send(context.Background(), "frame", strings.Repeat("x", MaxPacketSize), distributor.SendOptions{})
	assert.ErrorIs(t, err, distributor.ErrPayloadTooLarge)
	assert.Equal(t, uint64(1), d.Stats().Errors)
	assert.Zero(t, d.Stats().MessagesSent)
}

func TestConfiguredPacketLimit(t *testing.T) {
	conn := listen(t)
	addr := conn.LocalAddr().(*net.UDPAddr)
	d, err := New("udp_s1", Config{Host: "127.0.0.1", Port: addr.Port, MaxPacketSize: 64}, nil)
	require.NoError(t, err)
	require.NoError(t, d.Connect(context.Background()))
	defer d.Cleanup(context.Background())

	_, err = d.Send(context.Background(), "e", string(bytes.Repeat([]byte("y"), 100)), distributor.SendOptions{})
	assert.ErrorIs(t, err, distributor.ErrPayloadTooLarge)
}

func TestSendNotConnected(t *testing.T) {
	d, err := New("udp_s1", DefaultConfig(), nil)
	require.NoError(t, err)

	_, err = d.Send(context.Background(), "e", nil, distributor.SendOptions{})
	assert.ErrorIs(t, err, distributor.ErrNotConnected)
}

func TestConnectIdempotent(t *testing.T) {
	conn := listen(t)
	d := newDistributor(t, conn, "")
	first := d.conn

	require.NoError(t, d.Connect(context.Background()))
	assert.Same(t, first, d.conn)

	require.NoError(t, d.Disconnect(context.Background()))
	require.NoError(t, d.Disconnect(context.Background()))
	assert.Equal(t, distributor.StatusDisconnected, d.Health().Status)
}

func TestInvalidConfig(t *testing.T) {
	_, err := FromMap("udp", map[string]any{"port": 0}, nil)
	assert.ErrorIs(t, err, distributor.ErrInvalidConfig)

	_, err = FromMap("udp", map[string]any{"host": ""}, nil)
	assert.ErrorIs(t, err, distributor.ErrInvalidConfig)

	_, err = FromMap("udp", map[string]any{"encoding": "cbor"}, nil)
	assert.ErrorIs(t, err, distributor.ErrInvalidConfig)
}
