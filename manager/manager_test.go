// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synopticon/distribution/distributor"
	"github.com/synopticon/distribution/pkg/retry"
	"github.com/synopticon/distribution/ratelimit"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var errBackendDown = errors.New("backend down")

type fakeSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *fakeSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *fakeSleeper) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

// recorder is a Func distributor that remembers what it was sent.
type recorder struct {
	*distributor.Func

	mu          sync.Mutex
	events      []string
	opts        []distributor.SendOptions
	calls       atomic.Int32
	disconnects atomic.Int32
}

func newRecorder(name string, caps distributor.Capability, fail error) *recorder {
	r := &recorder{}
	r.Func = distributor.NewFunc(name, caps, func(_ context.Context, event string, _ any, opts distributor.SendOptions) (distributor.SendResult, error) {
		r.calls.Add(1)
		if fail != nil {
			return distributor.SendResult{}, fail
		}
		r.mu.Lock()
		r.events = append(r.events, event)
		r.opts = append(r.opts, opts)
		r.mu.Unlock()
		return distributor.SendResult{Delivered: 1, Bytes: 10}, nil
	})
	r.DisconnectFunc = func(context.Context) error {
		r.disconnects.Add(1)
		return nil
	}
	return r
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) LastOptions() distributor.SendOptions {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.opts) == 0 {
		return distributor.SendOptions{}
	}
	return r.opts[len(r.opts)-1]
}

func newTestManager(t *testing.T, attempts int, sleeper retry.Sleeper) *Manager {
	t.Helper()
	m := New(Options{
		RetryAttempts: attempts,
		RetryDelay:    time.Second,
		Sleeper:       sleeper,
	})
	t.Cleanup(func() { _ = m.Cleanup(context.Background()) })
	return m
}

func waitConnected(t *testing.T, d distributor.Distributor) {
	t.Helper()
	require.Eventually(t, func() bool {
		return d.Health().Status == distributor.StatusConnected
	}, time.Second, 5*time.Millisecond)
}

func TestRegister(t *testing.T) {
	m := newTestManager(t, 1, nil)

	d := newRecorder("http", 0, nil)
	require.NoError(t, m.Register("http", d))
	waitConnected(t, d)

	err := m.Register("http", newRecorder("http", 0, nil))
	assert.ErrorIs(t, err, ErrDistributorExists)

	err = m.Register("nil", nil)
	assert.ErrorIs(t, err, ErrInvalidDistributor)
	assert.ErrorIs(t, err, distributor.ErrNilDistributor)

	err = m.Register("nosend", distributor.NewFunc("nosend", 0, nil))
	assert.ErrorIs(t, err, ErrInvalidDistributor)
	var nie *distributor.NotImplementedError
	assert.ErrorAs(t, err, &nie)

	err = m.Register("", d)
	assert.ErrorIs(t, err, ErrInvalidDistributor)

	assert.Equal(t, []string{"http"}, m.Names())
	got, ok := m.Get("http")
	require.True(t, ok)
	assert.Same(t, d, got)
}

func TestRegisterConnectFailureKeepsDistributor(t *testing.T) {
	m := newTestManager(t, 1, nil)

	d := newRecorder("mqtt", 0, nil)
	d.ConnectFunc = func(context.Context) error { return errBackendDown }
	require.NoError(t, m.Register("mqtt", d))

	require.Eventually(t, func() bool {
		return d.Health().Status == distributor.StatusError
	}, time.Second, 5*time.Millisecond)
	assert.True(t, d.Enabled())

	// Sends are still attempted and reported.
	report := m.Distribute(context.Background(), "gaze", nil, []string{"mqtt"}, distributor.SendOptions{})
	assert.Equal(t, 1, report.Summary.Successful)
}

func TestRegisterSkipsSettledConnect(t *testing.T) {
	m := newTestManager(t, 1, nil)

	var connects atomic.Int32
	connected := newRecorder("ws", 0, nil)
	connected.ConnectFunc = func(context.Context) error {
		connects.Add(1)
		return nil
	}
	require.NoError(t, connected.Connect(context.Background()))

	failed := newRecorder("mqtt", 0, nil)
	failed.ConnectFunc = func(context.Context) error {
		connects.Add(1)
		return errBackendDown
	}
	require.Error(t, failed.Connect(context.Background()))

	require.NoError(t, m.Register("ws", connected))
	require.NoError(t, m.Register("mqtt", failed))

	// Unregister waits for the registration connect to finish.
	require.NoError(t, m.Unregister(context.Background(), "ws"))
	require.NoError(t, m.Unregister(context.Background(), "mqtt"))
	assert.Equal(t, int32(2), connects.Load())
}

func TestDistributeRetryScenario(t *testing.T) {
	sleeper := &fakeSleeper{}
	m := newTestManager(t, 2, sleeper)

	httpD := newRecorder("http", 0, nil)
	udpD := newRecorder("udp", 0, errBackendDown)
	require.NoError(t, m.Register("http", httpD))
	require.NoError(t, m.Register("udp", udpD))

	report := m.Distribute(context.Background(), "face_detected", map[string]any{"id": 1}, []string{AllTargets}, distributor.SendOptions{})

	assert.Equal(t, "face_detected", report.Event)
	assert.False(t, report.Timestamp.IsZero())
	assert.Equal(t, Summary{Total: 2, Successful: 1, Failed: 1}, report.Summary)

	res, ok := report.Result("udp")
	require.True(t, ok)
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, 2, res.Attempts)
	assert.ErrorIs(t, res.Err, errBackendDown)
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, int32(2), udpD.calls.Load())

	res, ok = report.Result("http")
	require.True(t, ok)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, []string{"face_detected"}, httpD.Events())

	assert.Equal(t, []time.Duration{time.Second}, sleeper.Delays())

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.TotalMessages)
	assert.Equal(t, uint64(1), stats.TotalErrors)
}

func TestDistributeLinearBackoff(t *testing.T) {
	sleeper := &fakeSleeper{}
	m := newTestManager(t, 4, sleeper)
	require.NoError(t, m.Register("udp", newRecorder("udp", 0, errBackendDown)))

	report := m.Distribute(context.Background(), "gaze", nil, nil, distributor.SendOptions{})

	assert.Equal(t, 1, report.Summary.Failed)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, sleeper.Delays())
}

func TestDistributeNonRetryable(t *testing.T) {
	sleeper := &fakeSleeper{}
	m := newTestManager(t, 3, sleeper)
	d := newRecorder("http", 0, retry.NonRetryable(errBackendDown))
	require.NoError(t, m.Register("http", d))

	report := m.Distribute(context.Background(), "gaze", nil, nil, distributor.SendOptions{})

	res, _ := report.Result("http")
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int32(1), d.calls.Load())
	assert.Empty(t, sleeper.Delays())
}

func TestDistributeIsolation(t *testing.T) {
	m := newTestManager(t, 1, &fakeSleeper{})

	block := make(chan struct{})
	slow := newRecorder("slow", 0, nil)
	slow.SendFunc = func(context.Context, string, any, distributor.SendOptions) (distributor.SendResult, error) {
		<-block
		return distributor.SendResult{}, nil
	}
	failing := newRecorder("failing", 0, errBackendDown)
	require.NoError(t, m.Register("slow", slow))
	require.NoError(t, m.Register("failing", failing))

	done := make(chan *Report, 1)
	go func() {
		done <- m.Distribute(context.Background(), "gaze", nil, []string{AllTargets}, distributor.SendOptions{})
	}()

	// The failing target must not resolve the call before its sibling settles.
	select {
	case <-done:
		t.Fatal("distribute returned before all targets settled")
	case <-time.After(50 * time.Millisecond):
	}
	close(block)

	report := <-done
	assert.Equal(t, Summary{Total: 2, Successful: 1, Failed: 1}, report.Summary)
	assert.Equal(t, "slow", report.Results[0].Distributor)
	assert.Equal(t, "failing", report.Results[1].Distributor)
}

func TestDistributeTargets(t *testing.T) {
	m := newTestManager(t, 1, nil)

	a := newRecorder("a", 0, nil)
	b := newRecorder("b", 0, nil)
	c := newRecorder("c", 0, nil)
	for _, d := range []*recorder{a, b, c} {
		require.NoError(t, m.Register(d.Name(), d))
	}
	c.SetEnabled(false)

	report := m.Distribute(context.Background(), "gaze", nil, []string{"missing", "a", "c", "a"}, distributor.SendOptions{})
	assert.Equal(t, Summary{Total: 1, Successful: 1}, report.Summary)
	assert.Len(t, a.Events(), 1)
	assert.Empty(t, c.Events())

	report = m.Distribute(context.Background(), "gaze", nil, []string{AllTargets}, distributor.SendOptions{})
	assert.Equal(t, 2, report.Summary.Total)
	assert.Empty(t, c.Events())

	report = m.Distribute(context.Background(), "gaze", nil, []string{"missing"}, distributor.SendOptions{})
	assert.Equal(t, Summary{}, report.Summary)
	assert.Empty(t, report.Results)
}

func TestBroadcast(t *testing.T) {
	m := newTestManager(t, 1, nil)

	ws := newRecorder("websocket", distributor.CapBroadcast, nil)
	httpD := newRecorder("http", 0, nil)
	require.NoError(t, m.Register("websocket", ws))
	require.NoError(t, m.Register("http", httpD))

	report := m.Broadcast(context.Background(), "status", nil, distributor.SendOptions{})
	assert.Equal(t, 1, report.Summary.Total)
	assert.Len(t, ws.Events(), 1)
	assert.True(t, ws.LastOptions().Broadcast)
	assert.Empty(t, httpD.Events())
}

func TestBroadcastFallsBackToAll(t *testing.T) {
	m := newTestManager(t, 1, nil)

	a := newRecorder("a", 0, nil)
	b := newRecorder("b", 0, nil)
	require.NoError(t, m.Register("a", a))
	require.NoError(t, m.Register("b", b))

	report := m.Broadcast(context.Background(), "status", nil, distributor.SendOptions{})
	assert.Equal(t, 2, report.Summary.Successful)
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
}

func TestRouteEvent(t *testing.T) {
	m := newTestManager(t, 1, nil)

	mqttD := newRecorder("mqtt", 0, nil)
	udpD := newRecorder("udp", 0, nil)
	require.NoError(t, m.Register("mqtt", mqttD))
	require.NoError(t, m.Register("udp", udpD))

	m.SetEventRouting("gaze", []string{"udp"}, distributor.SendOptions{Topic: "gaze/raw", QoS: 0})

	report := m.RouteEvent(context.Background(), "gaze", nil, distributor.SendOptions{QoS: 1})
	assert.Equal(t, 1, report.Summary.Total)
	assert.Len(t, udpD.Events(), 1)
	assert.Empty(t, mqttD.Events())
	opts := udpD.LastOptions()
	assert.Equal(t, "gaze/raw", opts.Topic)
	assert.Equal(t, byte(1), opts.QoS)

	routes := m.Routes()
	require.Contains(t, routes, "gaze")
	assert.Equal(t, []string{"udp"}, routes["gaze"].Distributors)

	assert.True(t, m.RemoveEventRouting("gaze"))
	assert.False(t, m.RemoveEventRouting("gaze"))
}

func TestRouteEventFallback(t *testing.T) {
	m := newTestManager(t, 1, nil)

	a := newRecorder("a", 0, nil)
	b := newRecorder("b", 0, nil)
	require.NoError(t, m.Register("a", a))
	require.NoError(t, m.Register("b", b))

	routed := m.RouteEvent(context.Background(), "unrouted", nil, distributor.SendOptions{})
	all := m.Distribute(context.Background(), "unrouted", nil, []string{AllTargets}, distributor.SendOptions{})

	assert.Equal(t, all.Summary, routed.Summary)
	require.Len(t, routed.Results, 2)
	for i := range all.Results {
		assert.Equal(t, all.Results[i].Distributor, routed.Results[i].Distributor)
	}
}

func TestMergeOptions(t *testing.T) {
	base := distributor.SendOptions{
		Topic:   "a",
		QoS:     1,
		Headers: map[string]string{"X-A": "1"},
	}
	out := MergeOptions(base, distributor.SendOptions{Target: "c1", Headers: map[string]string{"X-B": "2"}})

	assert.Equal(t, "a", out.Topic)
	assert.Equal(t, byte(1), out.QoS)
	assert.Equal(t, "c1", out.Target)
	assert.Equal(t, map[string]string{"X-A": "1", "X-B": "2"}, out.Headers)
	assert.Equal(t, map[string]string{"X-A": "1"}, base.Headers)
}

func TestUnregister(t *testing.T) {
	m := newTestManager(t, 1, nil)

	a := newRecorder("a", 0, nil)
	b := newRecorder("b", 0, nil)
	require.NoError(t, m.Register("a", a))
	require.NoError(t, m.Register("b", b))
	waitConnected(t, a)

	m.SetEventRouting("only_a", []string{"a"}, distributor.SendOptions{})
	m.SetEventRouting("both", []string{"a", "b"}, distributor.SendOptions{})

	require.NoError(t, m.Unregister(context.Background(), "a"))
	assert.Equal(t, int32(1), a.disconnects.Load())
	assert.Equal(t, distributor.StatusStopped, a.Health().Status)

	routes := m.Routes()
	assert.NotContains(t, routes, "only_a")
	assert.Equal(t, []string{"b"}, routes["both"].Distributors)
	assert.Equal(t, []string{"b"}, m.Names())

	assert.ErrorIs(t, m.Unregister(context.Background(), "a"), ErrDistributorNotFound)
}

type unknownHealth struct {
	*distributor.Func
}

func (unknownHealth) Health() distributor.Health {
	return distributor.Health{}
}

func TestCheckHealth(t *testing.T) {
	m := newTestManager(t, 1, nil)

	ok := newRecorder("ok", 0, nil)
	broken := newRecorder("broken", 0, nil)
	broken.ConnectFunc = func(context.Context) error { return errBackendDown }
	legacy := unknownHealth{newRecorder("legacy", 0, nil).Func}

	require.NoError(t, m.Register("ok", ok))
	require.NoError(t, m.Register("broken", broken))
	require.NoError(t, m.Register("legacy", legacy))
	waitConnected(t, ok)
	require.Eventually(t, func() bool {
		return broken.Health().Status == distributor.StatusError
	}, time.Second, 5*time.Millisecond)

	report := m.CheckHealth()
	assert.Equal(t, 1, report.Healthy)
	assert.Equal(t, 2, report.Unhealthy)
	assert.Equal(t, distributor.StatusUnknown, report.Distributors["legacy"].Status)
	assert.Equal(t, "backend down", report.Distributors["broken"].LastError)
}

func TestHealthCheckLifecycle(t *testing.T) {
	m := New(Options{HealthCheckInterval: 5 * time.Millisecond})
	t.Cleanup(func() { _ = m.Cleanup(context.Background()) })

	m.StartHealthCheck()
	m.StartHealthCheck()
	assert.True(t, m.Stats().HealthCheckRunning)

	m.StopHealthCheck()
	m.StopHealthCheck()
	assert.False(t, m.Stats().HealthCheckRunning)

	m.StartHealthCheck()
	require.NoError(t, m.Cleanup(context.Background()))
	assert.False(t, m.Stats().HealthCheckRunning)
}

func TestCleanup(t *testing.T) {
	m := New(Options{})

	a := newRecorder("a", 0, nil)
	b := newRecorder("b", 0, nil)
	b.DisconnectFunc = func(context.Context) error { return errBackendDown }
	require.NoError(t, m.Register("a", a))
	require.NoError(t, m.Register("b", b))
	waitConnected(t, a)
	waitConnected(t, b)
	m.SetEventRouting("gaze", []string{"a"}, distributor.SendOptions{})

	require.NoError(t, m.Cleanup(context.Background()))
	require.NoError(t, m.Cleanup(context.Background()))

	assert.Equal(t, int32(1), a.disconnects.Load())
	assert.Equal(t, distributor.StatusStopped, a.Health().Status)
	assert.Equal(t, distributor.StatusStopped, b.Health().Status)
	assert.Empty(t, m.Names())
	assert.Empty(t, m.Routes())
	assert.ErrorIs(t, m.Register("c", newRecorder("c", 0, nil)), ErrClosed)
}

func TestRateLimit(t *testing.T) {
	limiter := ratelimit.NewLimiter(0.001, 1, 0)
	t.Cleanup(limiter.Stop)

	m := New(Options{RetryAttempts: 3, Limiter: limiter, Sleeper: &fakeSleeper{}})
	t.Cleanup(func() { _ = m.Cleanup(context.Background()) })

	d := newRecorder("udp", 0, nil)
	require.NoError(t, m.Register("udp", d))

	first := m.Distribute(context.Background(), "gaze", nil, nil, distributor.SendOptions{})
	assert.Equal(t, 1, first.Summary.Successful)

	second := m.Distribute(context.Background(), "gaze", nil, nil, distributor.SendOptions{})
	res, ok := second.Result("udp")
	require.True(t, ok)
	assert.ErrorIs(t, res.Err, ErrRateLimited)
	assert.Equal(t, 0, res.Attempts)
	assert.Equal(t, int32(1), d.calls.Load())
}

func TestDistributeTracing(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	m := New(Options{RetryAttempts: 1, Tracer: tp.Tracer("test")})
	t.Cleanup(func() { _ = m.Cleanup(context.Background()) })
	require.NoError(t, m.Register("ok", newRecorder("ok", 0, nil)))
	require.NoError(t, m.Register("bad", newRecorder("bad", 0, errBackendDown)))

	m.Distribute(context.Background(), "gaze", nil, nil, distributor.SendOptions{})

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "manager.distribute", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}
