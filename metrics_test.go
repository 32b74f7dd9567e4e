package dbusrpc

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestOutcomeOf(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, outcomeOK},
		{&RemoteError{Name: "a.b"}, outcomeRemoteError},
		{fmt.Errorf("wrapped: %w", &RemoteError{Name: "a.b"}), outcomeRemoteError},
		{&NoReplyError{Method: "M"}, outcomeNoReply},
		{&NotConnectedError{Method: "M"}, outcomeNotConnected},
		{context.Canceled, outcomeCanceled},
		{context.DeadlineExceeded, outcomeCanceled},
		{&ConstructionError{Method: "M", Err: errors.New("bad")}, outcomeError},
		{errors.New("something else"), outcomeError},
	}
	for _, tc := range tests {
		if got := outcomeOf(tc.err); got != tc.want {
			t.Errorf("outcomeOf(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.callStarted(ModeSync, true)
	m.callStarted(ModeSync, false)
	m.callFailed(ModeAsync, errors.New("x"))
	m.callFinished(ModeCallback, nil, time.Second)
	m.callForgotten(ModeSync)
	if got := m.Collectors(); got != nil {
		t.Errorf("nil Metrics has collectors %v", got)
	}
}

func TestMetricsRegister(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewPedanticRegistry()
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			t.Fatalf("registering collector: %v", err)
		}
	}
	m.callStarted(ModeSync, true)
	m.callFinished(ModeSync, nil, time.Millisecond)
	n, err := testutil.GatherAndCount(reg, "dbusrpc_calls_total", "dbusrpc_pending_calls", "dbusrpc_call_duration_seconds")
	if err != nil {
		t.Fatalf("gathering metrics: %v", err)
	}
	if n != 3 {
		t.Errorf("gathered %d metrics, want 3", n)
	}
}

func TestConnMetrics(t *testing.T) {
	b := newFakeBus(t)
	b.echo("Echo")
	b.hold("Slow")
	b.handle("Fail", func(m *msg) { b.replyError(m, "org.example.Error.Failed", "") })
	b.handle("Poke", func(m *msg) {})
	m := NewMetrics()
	c := b.connect(ConnOptions{Metrics: m})
	e := bindEchoer(t, c)
	ctx := context.Background()

	if _, err := e.Echo(ctx, "x"); err != nil {
		t.Fatal(err)
	}
	if err := e.Fail(ctx); err == nil {
		t.Fatal("Fail succeeded")
	}
	if _, err := e.Slow(WithTimeout(ctx, 10*time.Millisecond), "x"); err == nil {
		t.Fatal("Slow succeeded")
	}
	if err := e.Poke(ctx, 1); err != nil {
		t.Fatal(err)
	}
	r, err := e.CallAsync(ctx, e.Method("Echo"), "y")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Value(ctx); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	err = e.CallWithCallback(ctx, e.Method("Slow"), func(any, error) { close(done) }, "z")
	if err != nil {
		t.Fatal(err)
	}
	b.nextHeld(t) // first Slow
	b.nextHeld(t)
	if got := testutil.ToFloat64(m.pendingCalls); got != 1 {
		t.Errorf("pending calls = %v, want 1", got)
	}
	c.Close()
	<-done
	if _, err := e.Echo(ctx, "x"); err == nil {
		t.Fatal("Echo on closed conn succeeded")
	}

	tests := []struct {
		mode, outcome string
		want          float64
	}{
		// Hello counts too.
		{"sync", outcomeOK, 2},
		{"sync", outcomeRemoteError, 1},
		{"sync", outcomeNoReply, 1},
		{"sync", outcomeSent, 1},
		{"sync", outcomeNotConnected, 1},
		{"async", outcomeOK, 1},
		{"callback", outcomeNotConnected, 1},
	}
	for _, tc := range tests {
		if got := testutil.ToFloat64(m.callsTotal.WithLabelValues(tc.mode, tc.outcome)); got != tc.want {
			t.Errorf("calls_total{mode=%q,outcome=%q} = %v, want %v", tc.mode, tc.outcome, got, tc.want)
		}
	}
	if got := testutil.ToFloat64(m.pendingCalls); got != 0 {
		t.Errorf("pending calls after close = %v, want 0", got)
	}
	if got := testutil.CollectAndCount(m.callDuration); got != 3 {
		t.Errorf("call_duration_seconds has %d series, want 3", got)
	}
}

func TestSubmitFailureMetrics(t *testing.T) {
	ctx := context.Background()
	canceled, cancel := context.WithCancel(ctx)
	cancel()

	// Hello uses up the only token, so the next calls have to wait
	// for the limiter.
	b := newFakeBus(t)
	b.echo("Echo")
	m := NewMetrics()
	c := b.connect(ConnOptions{Metrics: m, CallRate: 0.001})
	e := bindEchoer(t, c)
	if _, err := e.Echo(canceled, "x"); !errors.Is(err, context.Canceled) {
		t.Fatalf("rate limited Echo got err %v, want context.Canceled", err)
	}
	if _, err := e.CallAsync(canceled, e.Method("Echo"), "x"); !errors.Is(err, context.Canceled) {
		t.Fatalf("rate limited CallAsync got err %v, want context.Canceled", err)
	}

	// Variant values are only checked when the body is encoded.
	b2 := newFakeBus(t)
	m2 := NewMetrics()
	c2 := b2.connect(ConnOptions{Metrics: m2})
	iface := c2.Peer(fakePeerName).Object("/org/example/Echo").Interface("org.example.Echo")
	if _, err := iface.Call(ctx, "Echo", []any{func() {}}); !errors.As(err, new(*ConstructionError)) {
		t.Fatalf("Echo with unencodable variant got err %v, want ConstructionError", err)
	}

	tests := []struct {
		m             *Metrics
		mode, outcome string
		want          float64
	}{
		{m, "sync", outcomeCanceled, 1},
		{m, "async", outcomeCanceled, 1},
		{m2, "sync", outcomeError, 1},
	}
	for _, tc := range tests {
		if got := testutil.ToFloat64(tc.m.callsTotal.WithLabelValues(tc.mode, tc.outcome)); got != tc.want {
			t.Errorf("calls_total{mode=%q,outcome=%q} = %v, want %v", tc.mode, tc.outcome, got, tc.want)
		}
	}
	for _, mm := range []*Metrics{m, m2} {
		if got := testutil.ToFloat64(mm.pendingCalls); got != 0 {
			t.Errorf("pending calls = %v, want 0", got)
		}
	}
}
