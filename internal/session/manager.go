// Package session owns the venue connection lifecycle: initial
// authentication, keepalive pings, and reconnection with bounded backoff.
// Trading components never dial the venue themselves; they ask the manager
// whether a session is alive and fail fast when it is not.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"catalyst/internal/alert"
	"catalyst/internal/metrics"
	"catalyst/internal/util"
	"catalyst/internal/venue"
)

// Config tunes the session manager.
type Config struct {
	// PingInterval is the keepalive cadence.
	PingInterval time.Duration
	// BackoffBase and BackoffMax bound the reconnect delay.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// MaxFailures is the number of consecutive failed reconnect attempts
	// before the session is declared dead and an operator is paged.
	MaxFailures int
}

// DefaultConfig returns the standard session tuning.
func DefaultConfig() Config {
	return Config{
		PingInterval: 30 * time.Second,
		BackoffBase:  time.Second,
		BackoffMax:   time.Minute,
		MaxFailures:  5,
	}
}

// Manager keeps one venue session alive.
type Manager struct {
	cfg     Config
	venue   venue.Venue
	alerter alert.Alerter
	log     *slog.Logger

	mu    sync.Mutex
	alive bool
	dead  bool // set after MaxFailures consecutive reconnect failures
}

// NewManager creates a session manager for the venue.
func NewManager(cfg Config, v venue.Venue, alerter alert.Alerter, log *slog.Logger) *Manager {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultConfig().PingInterval
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultConfig().BackoffMax
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultConfig().MaxFailures
	}
	return &Manager{
		cfg:     cfg,
		venue:   v,
		alerter: alerter,
		log:     log.With("component", "session", "venue", v.Name()),
	}
}

// Connect establishes the initial session. It must succeed before Start.
func (m *Manager) Connect(ctx context.Context) error {
	if err := m.venue.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to %s: %w", m.venue.Name(), err)
	}
	m.setAlive(true)
	return nil
}

// Start runs the keepalive loop until ctx is cancelled. A failed ping
// triggers reconnection with exponential backoff; MaxFailures consecutive
// failed attempts mark the session dead and page the operator. A dead
// session parks the loop without pinging; a manual Reconnect resumes
// monitoring on the next tick.
func (m *Manager) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if m.Dead() {
			continue
		}

		if err := m.venue.Ping(ctx); err == nil {
			m.setAlive(true)
			continue
		} else {
			m.log.Warn("keepalive failed", "error", err)
			m.setAlive(false)
		}

		if !m.reconnect(ctx) && ctx.Err() != nil {
			return
		}
	}
}

// reconnect tries to re-establish the session. It returns false only when
// the session has been declared dead or ctx is cancelled.
func (m *Manager) reconnect(ctx context.Context) bool {
	for attempt := 0; attempt < m.cfg.MaxFailures; attempt++ {
		delay := util.Backoff(attempt, m.cfg.BackoffBase, m.cfg.BackoffMax)
		m.log.Info("reconnecting", "attempt", attempt+1, "delay", delay)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		if err := m.venue.Connect(ctx); err != nil {
			m.log.Warn("reconnect failed", "attempt", attempt+1, "error", err)
			continue
		}
		m.setAlive(true)
		m.log.Info("session re-established")
		return true
	}

	m.mu.Lock()
	m.dead = true
	m.mu.Unlock()
	m.alerter.Notify(ctx, alert.SeverityFatal, "venue session dead",
		fmt.Sprintf("%s unreachable after %d reconnect attempts; trading requires manual intervention",
			m.venue.Name(), m.cfg.MaxFailures))
	return false
}

// Reconnect forces a reconnection attempt, clearing a dead declaration on
// success. Operators use this after restoring the gateway.
func (m *Manager) Reconnect(ctx context.Context) error {
	if err := m.venue.Connect(ctx); err != nil {
		return fmt.Errorf("reconnecting to %s: %w", m.venue.Name(), err)
	}
	m.mu.Lock()
	m.dead = false
	m.mu.Unlock()
	m.setAlive(true)
	return nil
}

// Alive reports whether the session is currently usable.
func (m *Manager) Alive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alive && !m.dead
}

// Dead reports whether the session was declared unrecoverable.
func (m *Manager) Dead() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dead
}

// Stop closes the venue session.
func (m *Manager) Stop() error {
	m.setAlive(false)
	return m.venue.Close()
}

func (m *Manager) setAlive(alive bool) {
	m.mu.Lock()
	m.alive = alive
	m.mu.Unlock()
	metrics.SetSessionAlive(m.venue.Name(), alive)
}
