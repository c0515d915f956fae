// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synopticon/distribution/distributor"
)

type sseFrame struct {
	id       string
	event    string
	data     string
	comments []string
}

type stream struct {
	t      *testing.T
	resp   *http.Response
	reader *bufio.Reader
	id     string
}

func newServed(t *testing.T, configure func(*Config)) (*Distributor, *httptest.Server) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Addr = ""
	if configure != nil {
		configure(&cfg)
	}
	d, err := New("sse_s1", cfg, nil)
	require.NoError(t, err)
	require.NoError(t, d.Connect(context.Background()))

	srv := httptest.NewServer(d)
	t.Cleanup(func() {
		d.Cleanup(context.Background())
		srv.Close()
	})
	return d, srv
}

func open(t *testing.T, url string) *stream {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	s := &stream{t: t, resp: resp, reader: bufio.NewReader(resp.Body)}
	f := s.next()
	require.Equal(t, EventConnected, f.event)

	var hello map[string]string
	require.NoError(t, json.Unmarshal([]byte(f.data), &hello))
	s.id = hello["client_id"]
	require.NotEmpty(t, s.id)
	return s
}

// next returns the next frame carrying an event, collecting comments seen
// on the way.
func (s *stream) next() sseFrame {
	s.t.Helper()

	type result struct {
		f   sseFrame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		var f sseFrame
		for {
			line, err := s.reader.ReadString('\n')
			if err != nil {
				ch <- result{err: err}
				return
			}
			line = strings.TrimSuffix(line, "\n")
			switch {
			case line == "":
				if f.event != "" {
					ch <- result{f: f}
					return
				}
			case strings.HasPrefix(line, ":"):
				f.comments = append(f.comments, strings.TrimSpace(line[1:]))
			case strings.HasPrefix(line, "id: "):
				f.id = line[4:]
			case strings.HasPrefix(line, "event: "):
				f.event = line[7:]
			case strings.HasPrefix(line, "data: "):
				f.data += line[6:]
			}
		}
	}()

	select {
	case r := <-ch:
		require.NoError(s.t, r.err)
		return r.f
	case <-time.After(2 * time.Second):
		s.t.Fatal("timed out waiting for SSE frame")
		return sseFrame{}
	}
}

func TestSendStreamsEnvelope(t *testing.T) {
	d, srv := newServed(t, nil)
	s := open(t, srv.URL)

	res, err := d.Send(context.Background(), "gaze", map[string]float64{"x": 0.25}, distributor.SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)

	f := s.next()
	assert.Equal(t, "gaze", f.event)

	var env distributor.Envelope
	require.NoError(t, json.Unmarshal([]byte(f.data), &env))
	assert.Equal(t, env.ID, f.id)
	assert.Equal(t, "gaze", env.Event)
	assert.Equal(t, map[string]any{"x": 0.25}, env.Data)
	assert.Equal(t, uint64(1), d.Stats().MessagesSent)
}

func TestEventFilterAndBroadcast(t *testing.T) {
	d, srv := newServed(t, nil)
	filtered := open(t, srv.URL+"?events=face,alert")
	all := open(t, srv.URL)

	ctx := context.Background()
	res, err := d.Send(ctx, "gaze", nil, distributor.SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, "gaze", all.next().event)

	res, err = d.Send(ctx, "face", nil, distributor.SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Delivered)
	assert.Equal(t, "face", filtered.next().event)
	assert.Equal(t, "face", all.next().event)

	res, err = distributor.Broadcast(ctx, d, "pose", nil, distributor.SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Delivered)
	assert.Equal(t, "pose", filtered.next().event)

	res, err = d.Send(ctx, "calibration", nil, distributor.SendOptions{Target: all.id, Broadcast: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
}

func TestKeepAliveComment(t *testing.T) {
	d, srv := newServed(t, func(c *Config) { c.KeepAliveInterval = 20 * time.Millisecond })
	s := open(t, srv.URL)

	time.Sleep(60 * time.Millisecond)
	_, err := d.Send(context.Background(), "gaze", nil, distributor.SendOptions{})
	require.NoError(t, err)

	f := s.next()
	assert.Equal(t, "gaze", f.event)
	assert.Contains(t, f.comments, "keep-alive")
}

func TestSlowClientDropsFrames(t *testing.T) {
	d, srv := newServed(t, func(c *Config) { c.ClientBuffer = 1 })
	open(t, srv.URL)

	// Nothing reads the stream, so the buffer and the connection
	// eventually fill.
	deadline := time.Now().Add(5 * time.Second)
	for d.Dropped() == 0 && time.Now().Before(deadline) {
		_, err := d.Send(context.Background(), "gaze", strings.Repeat("x", 4096), distributor.SendOptions{})
		require.NoError(t, err)
	}
	assert.NotZero(t, d.Dropped())
}

func TestNotAcceptingWhenDisconnected(t *testing.T) {
	d, srv := newServed(t, nil)
	require.NoError(t, d.Disconnect(context.Background()))

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	_, err = d.Send(context.Background(), "gaze", nil, distributor.SendOptions{})
	assert.ErrorIs(t, err, distributor.ErrNotConnected)
}

func TestDisconnectEndsStreams(t *testing.T) {
	d, srv := newServed(t, nil)
	s := open(t, srv.URL)
	require.Equal(t, 1, d.Clients())

	require.NoError(t, d.Disconnect(context.Background()))

	done := make(chan error, 1)
	go func() {
		_, err := s.reader.ReadString('\n')
		for err == nil {
			_, err = s.reader.ReadString('\n')
		}
		done <- err
	}()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed")
	}
	assert.Eventually(t, func() bool { return d.Clients() == 0 }, time.Second, 10*time.Millisecond)
}

func TestListen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	d, err := New("sse_s1", cfg, nil)
	require.NoError(t, err)
	require.NoError(t, d.Connect(context.Background()))
	require.NoError(t, d.Connect(context.Background()))
	defer d.Cleanup(context.Background())

	s := open(t, "http://"+d.Addr()+cfg.Path)
	_, err = d.Send(context.Background(), "gaze", nil, distributor.SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, "gaze", s.next().event)
}
