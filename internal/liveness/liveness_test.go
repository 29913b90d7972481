package liveness

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/postalsys/muti-relay/internal/protocol"
)

// fakeConn records Pings and can answer them.
type fakeConn struct {
	mu       sync.Mutex
	pings    []*protocol.Heartbeat
	sent     atomic.Uint64
	lastRecv atomic.Int64
	sendErr  error
	onPing   func(*protocol.Heartbeat)
}

func newFakeConn() *fakeConn {
	c := &fakeConn{}
	c.lastRecv.Store(time.Now().UnixNano())
	return c
}

func (c *fakeConn) SendControl(f *protocol.Frame) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent.Add(1)
	if f.Kind != protocol.KindPing {
		return nil
	}
	hb, err := protocol.DecodeHeartbeat(f.Payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.pings = append(c.pings, hb)
	onPing := c.onPing
	c.mu.Unlock()
	if onPing != nil {
		go onPing(hb)
	}
	return nil
}

func (c *fakeConn) ControlFramesSent() uint64 { return c.sent.Load() }

func (c *fakeConn) LastReceived() time.Time { return time.Unix(0, c.lastRecv.Load()) }

func (c *fakeConn) pingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pings)
}

func TestMonitor_TwoMissedPongsIsDead(t *testing.T) {
	conn := newFakeConn()
	m := New(conn, Config{Interval: 40 * time.Millisecond, Timeout: 15 * time.Millisecond})

	start := time.Now()
	err := m.Run(context.Background())
	if !errors.Is(err, ErrDead) {
		t.Fatalf("Run() error = %v, want ErrDead", err)
	}

	// Two intervals plus one timeout, with scheduling slack.
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("dead after %v", elapsed)
	}
	if n := conn.pingCount(); n != 2 {
		t.Errorf("sent %d pings, want 2", n)
	}
	if m.Missed() != 2 {
		t.Errorf("Missed() = %d, want 2", m.Missed())
	}

	select {
	case <-m.Dead():
	default:
		t.Error("Dead() not closed")
	}
}

func TestMonitor_AnsweredPingsKeepAlive(t *testing.T) {
	conn := newFakeConn()
	var rtts atomic.Int64
	var m *Monitor
	m = New(conn, Config{
		Interval: 20 * time.Millisecond,
		Timeout:  10 * time.Millisecond,
		OnRTT:    func(time.Duration) { rtts.Add(1) },
	})
	conn.onPing = func(hb *protocol.Heartbeat) { m.HandlePong(hb) }

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()

	if err := m.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want context deadline", err)
	}
	if conn.pingCount() < 3 {
		t.Errorf("sent %d pings, want several", conn.pingCount())
	}
	if rtts.Load() == 0 {
		t.Error("OnRTT never called")
	}
	if m.Missed() != 0 {
		t.Errorf("Missed() = %d, want 0", m.Missed())
	}
}

func TestMonitor_SingleMissRecovers(t *testing.T) {
	conn := newFakeConn()
	var m *Monitor
	var calls atomic.Int32
	m = New(conn, Config{Interval: 30 * time.Millisecond, Timeout: 10 * time.Millisecond})
	conn.onPing = func(hb *protocol.Heartbeat) {
		// Drop every other Pong.
		if calls.Add(1)%2 == 0 {
			m.HandlePong(hb)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	if err := m.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v; alternating misses must not kill the session", err)
	}
}

func TestMonitor_BusySessionSkipsPing(t *testing.T) {
	conn := newFakeConn()
	m := New(conn, Config{Interval: 20 * time.Millisecond, Timeout: 5 * time.Millisecond})

	// Other control traffic flows and the peer keeps talking.
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(5 * time.Millisecond):
				conn.sent.Add(1)
				conn.lastRecv.Store(time.Now().UnixNano())
			}
		}
	}()
	defer close(stop)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := m.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v", err)
	}
	if n := conn.pingCount(); n != 0 {
		t.Errorf("sent %d pings on a busy session, want 0", n)
	}
}

func TestMonitor_StalePongIgnored(t *testing.T) {
	conn := newFakeConn()
	m := New(conn, Config{Interval: time.Second, Timeout: 100 * time.Millisecond})

	if _, err := m.tick(time.Now()); err != nil {
		t.Fatal(err)
	}
	m.HandlePong(&protocol.Heartbeat{Nonce: 99})
	if !m.pending {
		t.Error("mismatched nonce cleared the outstanding ping")
	}

	m.HandlePong(&protocol.Heartbeat{Nonce: 1})
	if m.pending {
		t.Error("matching pong did not clear the outstanding ping")
	}
	if m.RTT() < 0 {
		t.Errorf("RTT() = %v", m.RTT())
	}
}

func TestMonitor_SendErrorStopsRun(t *testing.T) {
	conn := newFakeConn()
	conn.sendErr = errors.New("session closed")
	m := New(conn, Config{Interval: 10 * time.Millisecond})

	if err := m.Run(context.Background()); err == nil || errors.Is(err, ErrDead) {
		t.Errorf("Run() error = %v, want send error", err)
	}
}

func TestNew_Defaults(t *testing.T) {
	m := New(newFakeConn(), Config{})
	if m.cfg.Interval != 30*time.Second || m.cfg.MaxMissed != 2 {
		t.Errorf("cfg = %+v", m.cfg)
	}
	if m.cfg.Timeout != 10*time.Second {
		t.Errorf("Timeout = %v, want 10s", m.cfg.Timeout)
	}

	m = New(newFakeConn(), Config{Interval: time.Second, Timeout: 5 * time.Second})
	if m.cfg.Timeout >= m.cfg.Interval {
		t.Errorf("Timeout %v not clamped below Interval", m.cfg.Timeout)
	}
}

func TestPong(t *testing.T) {
	f := Pong(&protocol.Heartbeat{Nonce: 7, Timestamp: 123})
	if f.Kind != protocol.KindPong || f.StreamID != protocol.ControlStreamID {
		t.Fatalf("frame = %v", f)
	}
	hb, err := protocol.DecodeHeartbeat(f.Payload)
	if err != nil || hb.Nonce != 7 || hb.Timestamp != 123 {
		t.Errorf("pong = %+v, %v", hb, err)
	}
}
