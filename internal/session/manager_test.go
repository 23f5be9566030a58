package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"catalyst/internal/alert"
	"catalyst/internal/venue"
)

// flakyVenue wraps the simulator with controllable connect/ping failures.
type flakyVenue struct {
	*venue.Simulator
	failConnect atomic.Bool
	failPing    atomic.Bool
	pings       atomic.Int64
}

func (f *flakyVenue) Connect(ctx context.Context) error {
	if f.failConnect.Load() {
		return errors.New("gateway unreachable")
	}
	return f.Simulator.Connect(ctx)
}

func (f *flakyVenue) Ping(ctx context.Context) error {
	f.pings.Add(1)
	if f.failPing.Load() {
		return errors.New("keepalive timeout")
	}
	return f.Simulator.Ping(ctx)
}

// spyAlerter records notifications.
type spyAlerter struct {
	mu    sync.Mutex
	calls []alert.Severity
}

func (s *spyAlerter) Notify(_ context.Context, severity alert.Severity, _, _ string) {
	s.mu.Lock()
	s.calls = append(s.calls, severity)
	s.mu.Unlock()
}

func (s *spyAlerter) fatalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sev := range s.calls {
		if sev == alert.SeverityFatal {
			n++
		}
	}
	return n
}

func fastConfig() Config {
	return Config{
		PingInterval: 5 * time.Millisecond,
		BackoffBase:  time.Millisecond,
		BackoffMax:   2 * time.Millisecond,
		MaxFailures:  3,
	}
}

func TestConnectMarksAlive(t *testing.T) {
	v := &flakyVenue{Simulator: venue.NewSimulator(1_000_000)}
	m := NewManager(fastConfig(), v, &spyAlerter{}, slog.Default())

	if m.Alive() {
		t.Error("alive before connect")
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !m.Alive() {
		t.Error("not alive after connect")
	}
}

func TestKeepaliveRecoversFromPingFailure(t *testing.T) {
	v := &flakyVenue{Simulator: venue.NewSimulator(1_000_000)}
	m := NewManager(fastConfig(), v, &spyAlerter{}, slog.Default())
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { m.Start(ctx); close(done) }()

	// Break pings; Connect still works so the manager should reconnect
	// instead of declaring the session dead.
	v.failPing.Store(true)
	time.Sleep(30 * time.Millisecond)
	v.failPing.Store(false)

	waitFor(t, m.Alive)
	if m.Dead() {
		t.Error("session wrongly declared dead")
	}
	cancel()
	<-done
}

func TestSessionDeclaredDeadAfterMaxFailures(t *testing.T) {
	v := &flakyVenue{Simulator: venue.NewSimulator(1_000_000)}
	spy := &spyAlerter{}
	m := NewManager(fastConfig(), v, spy, slog.Default())
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	v.failPing.Store(true)
	v.failConnect.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { m.Start(ctx); close(done) }()

	waitFor(t, func() bool { return spy.fatalCount() >= 1 })
	if !m.Dead() {
		t.Error("session not declared dead")
	}
	if m.Alive() {
		t.Error("dead session reports alive")
	}
	if spy.fatalCount() != 1 {
		t.Errorf("fatal alerts = %d, want 1", spy.fatalCount())
	}

	// The loop parks while dead instead of exiting, so an operator
	// Reconnect brings monitoring back.
	v.failPing.Store(false)
	v.failConnect.Store(false)
	if err := m.Reconnect(ctx); err != nil {
		t.Fatalf("manual reconnect: %v", err)
	}
	waitFor(t, m.Alive)

	// Keepalive must still be watching after the recovery.
	before := v.pings.Load()
	waitFor(t, func() bool { return v.pings.Load() > before })
	if m.Dead() {
		t.Error("recovered session still reports dead")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("keepalive loop did not stop on cancel")
	}
}

func TestManualReconnectClearsDead(t *testing.T) {
	v := &flakyVenue{Simulator: venue.NewSimulator(1_000_000)}
	m := NewManager(fastConfig(), v, &spyAlerter{}, slog.Default())

	m.mu.Lock()
	m.dead = true
	m.mu.Unlock()

	if err := m.Reconnect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if m.Dead() || !m.Alive() {
		t.Error("manual reconnect should restore the session")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never met")
}
