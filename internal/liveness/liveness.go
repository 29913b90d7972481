// Package liveness detects dead sessions with Ping/Pong heartbeats.
package liveness

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/postalsys/muti-relay/internal/logging"
	"github.com/postalsys/muti-relay/internal/protocol"
	"github.com/postalsys/muti-relay/internal/recovery"
)

// ErrDead is returned by Run once too many Pongs were missed.
var ErrDead = errors.New("heartbeat timeout")

// Conn is the session side the monitor pings through. *mux.Mux satisfies it.
type Conn interface {
	SendControl(f *protocol.Frame) error
	ControlFramesSent() uint64
	LastReceived() time.Time
}

// Config contains configuration for a Monitor.
type Config struct {
	// Interval between heartbeat checks.
	Interval time.Duration

	// Timeout is how long a Ping waits for its Pong. It should be shorter
	// than Interval.
	Timeout time.Duration

	// MaxMissed consecutive missed Pongs mark the session dead.
	MaxMissed int

	// OnRTT, when set, receives every measured round trip.
	OnRTT func(time.Duration)

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:  30 * time.Second,
		Timeout:   10 * time.Second,
		MaxMissed: 2,
	}
}

// Monitor sends Pings on a session and declares it dead after MaxMissed
// consecutive Pongs fail to arrive.
type Monitor struct {
	cfg    Config
	conn   Conn
	logger *slog.Logger

	mu       sync.Mutex
	nonce    uint64
	pending  bool
	sentAt   time.Time
	sentMark uint64 // control frames written when the last Ping was queued
	missed   int
	rtt      time.Duration

	dead     chan struct{}
	deadOnce sync.Once
}

// New creates a Monitor for conn. Zero config fields take defaults.
func New(conn Conn, cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 || cfg.Timeout >= cfg.Interval {
		cfg.Timeout = cfg.Interval / 3
	}
	if cfg.MaxMissed <= 0 {
		cfg.MaxMissed = def.MaxMissed
	}
	return &Monitor{
		cfg:    cfg,
		conn:   conn,
		logger: logging.WithComponent(cfg.Logger, "liveness"),
		dead:   make(chan struct{}),
	}
}

// Run drives the heartbeat until ctx ends or the session is declared
// dead, in which case it returns ErrDead.
func (m *Monitor) Run(ctx context.Context) error {
	defer recovery.RecoverWithLog(m.logger, "liveness.Monitor.Run")

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	timeout := time.NewTimer(m.cfg.Timeout)
	timeout.Stop()
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case now := <-ticker.C:
			sent, err := m.tick(now)
			if err != nil {
				return err
			}
			if sent {
				timeout.Reset(m.cfg.Timeout)
			}

		case <-timeout.C:
			if m.expire() {
				m.deadOnce.Do(func() { close(m.dead) })
				return ErrDead
			}
		}
	}
}

// tick sends a Ping unless one is outstanding or the session is visibly
// busy in both directions.
func (m *Monitor) tick(now time.Time) (bool, error) {
	m.mu.Lock()
	if m.pending {
		m.mu.Unlock()
		return false, nil
	}
	busy := m.conn.ControlFramesSent() > m.sentMark &&
		now.Sub(m.conn.LastReceived()) < m.cfg.Interval
	if busy {
		m.missed = 0
		m.sentMark = m.conn.ControlFramesSent()
		m.mu.Unlock()
		return false, nil
	}

	m.nonce++
	m.pending = true
	m.sentAt = now
	m.sentMark = m.conn.ControlFramesSent() + 1
	ping := &protocol.Heartbeat{Nonce: m.nonce, Timestamp: now.UnixNano()}
	m.mu.Unlock()

	if err := m.conn.SendControl(protocol.ControlFrame(protocol.KindPing, ping)); err != nil {
		return false, err
	}
	return true, nil
}

// expire counts the outstanding Ping as missed. It reports whether the
// session is now dead.
func (m *Monitor) expire() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.pending {
		return false
	}
	m.pending = false
	m.missed++
	m.logger.Debug("pong missed", "nonce", m.nonce, "missed", m.missed)
	return m.missed >= m.cfg.MaxMissed
}

// HandlePong records a Pong. Pongs for anything but the outstanding Ping
// are ignored. It does not block and may be called from a read loop.
func (m *Monitor) HandlePong(hb *protocol.Heartbeat) {
	now := time.Now()

	m.mu.Lock()
	if !m.pending || hb.Nonce != m.nonce {
		m.mu.Unlock()
		return
	}
	m.pending = false
	m.missed = 0
	m.rtt = now.Sub(m.sentAt)
	rtt := m.rtt
	m.mu.Unlock()

	if m.cfg.OnRTT != nil {
		m.cfg.OnRTT(rtt)
	}
}

// Dead returns a channel that's closed once the session is declared dead.
func (m *Monitor) Dead() <-chan struct{} {
	return m.dead
}

// RTT returns the last measured round trip.
func (m *Monitor) RTT() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rtt
}

// Missed returns the current count of consecutive missed Pongs.
func (m *Monitor) Missed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.missed
}

// Pong builds the reply to a Ping payload.
func Pong(ping *protocol.Heartbeat) *protocol.Frame {
	return protocol.ControlFrame(protocol.KindPong, &protocol.Heartbeat{
		Nonce:     ping.Nonce,
		Timestamp: ping.Timestamp,
	})
}
