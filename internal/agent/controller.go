package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"github.com/postalsys/muti-relay/internal/health"
	"github.com/postalsys/muti-relay/internal/logging"
)

// eventBufferSize bounds undelivered events. Consumers that fall behind
// lose events.
const eventBufferSize = 256

// Controller keeps a session to the relay alive. Each attempt is a fresh
// Session that re-registers every tunnel; streams of a lost session are
// never resumed.
type Controller struct {
	cfg    Config
	logger *slog.Logger
	events chan Event

	state   atomic.Int32
	ran     atomic.Bool
	started time.Time

	mu          sync.Mutex
	session     *Session
	attempts    int
	lastErr     error
	lastFailure time.Time
}

// NewController creates a controller. ClientID defaults to a random
// UUID that stays the same across reconnects.
func NewController(cfg Config) (*Controller, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:     cfg,
		logger:  logging.WithComponent(cfg.Logger, "controller").With(logging.KeyClientID, cfg.ClientID),
		events:  make(chan Event, eventBufferSize),
		started: time.Now(),
	}
	return c, nil
}

// Run connects and reconnects until ctx ends, a permanent authentication
// failure occurs, or MaxRetries consecutive attempts fail. It returns nil
// when ctx ends.
func (c *Controller) Run(ctx context.Context) error {
	if !c.ran.CompareAndSwap(false, true) {
		return errors.New("controller already ran")
	}
	defer close(c.events)

	bo := newReconnectBackoff(c.cfg.Reconnect)
	failures := 0

	for {
		sess := c.newSession()
		err := sess.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}

		c.recordFailure(err)
		if sess.Established() {
			bo.Reset()
			failures = 0
		}

		var aerr *AuthError
		if errors.As(err, &aerr) && aerr.Permanent() {
			c.logger.Error("relay rejected credentials", logging.KeyError, err)
			return err
		}

		failures++
		if limit := c.cfg.Reconnect.MaxRetries; limit > 0 && failures > limit {
			return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, failures, err)
		}

		delay := bo.Next()
		c.cfg.Metrics.RecordReconnect(delay)
		c.emit(Event{Type: EventReconnecting, Err: err, Attempt: failures, Delay: delay})
		c.logger.Warn("session lost, reconnecting",
			logging.KeyError, err,
			"attempt", failures,
			"delay", delay.Round(time.Millisecond))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (c *Controller) newSession() *Session {
	cfg := c.cfg
	cfg.OnEvent = c.handleSessionEvent

	sess := newSession(cfg)
	c.mu.Lock()
	c.session = sess
	c.attempts++
	c.mu.Unlock()
	return sess
}

func (c *Controller) handleSessionEvent(ev Event) {
	if ev.Type == EventStateChanged {
		c.state.Store(int32(ev.State))
	}
	c.emit(ev)
}

func (c *Controller) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if ev.Type != EventStateChanged {
		ev.State = c.State()
	}
	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(ev)
	}
	select {
	case c.events <- ev:
	default:
		c.logger.Debug("event dropped", "event", ev.Type)
	}
}

func (c *Controller) recordFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
	c.lastFailure = time.Now()
}

// Events returns the lifecycle event stream. It is closed when Run
// returns.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// State returns the current connection state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Session returns the current or most recent session, or nil before Run.
func (c *Controller) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// ClientID returns the identity presented to the relay.
func (c *Controller) ClientID() string {
	return c.cfg.ClientID
}

// IsRunning reports whether the agent holds an established session.
func (c *Controller) IsRunning() bool {
	return c.State() == StateConnected
}

// Stats returns the health summary.
func (c *Controller) Stats() health.Stats {
	c.mu.Lock()
	sess := c.session
	lastErr := c.lastErr
	c.mu.Unlock()

	stats := health.Stats{
		Role:       "agent",
		UptimeSecs: int64(time.Since(c.started).Seconds()),
		State:      c.State().String(),
	}
	if c.State() == StateConnected {
		stats.Sessions = 1
	}
	if lastErr != nil {
		stats.LastFailure = lastErr.Error()
	}
	if sess != nil {
		for _, t := range sess.Tunnels() {
			if t.State == TunnelActive {
				stats.Tunnels++
			}
		}
		stats.Streams = sess.NumStreams()
	}
	return stats
}

// Status is the agent's detailed view served on /status.
type Status struct {
	ClientID    string         `json:"client_id"`
	Server      string         `json:"server"`
	State       State          `json:"state"`
	Attempts    int            `json:"attempts"`
	LastError   string         `json:"last_error,omitempty"`
	LastFailure time.Time      `json:"last_failure,omitempty"`
	RTT         time.Duration  `json:"rtt_ns"`
	Streams     int            `json:"streams"`
	Tunnels     []TunnelStatus `json:"tunnels"`
}

// Status returns the agent's detailed view.
func (c *Controller) Status() any {
	c.mu.Lock()
	sess := c.session
	st := Status{
		ClientID:    c.cfg.ClientID,
		Server:      c.cfg.ServerAddr,
		State:       c.State(),
		Attempts:    c.attempts,
		LastFailure: c.lastFailure,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	c.mu.Unlock()

	if sess != nil {
		st.Tunnels = sess.Tunnels()
		st.RTT = sess.RTT()
		st.Streams = sess.NumStreams()
	}
	return st
}

// reconnectBackoff is exponential backoff with additive jitter. Delays
// grow strictly until they reach the cap.
type reconnectBackoff struct {
	b      *backoff.Backoff
	jitter float64
	rnd    func() float64
}

func newReconnectBackoff(cfg ReconnectConfig) *reconnectBackoff {
	jitter := cfg.Jitter
	if limit := cfg.Multiplier - 1; jitter > limit {
		jitter = limit
	}
	return &reconnectBackoff{
		b: &backoff.Backoff{
			Min:    cfg.InitialDelay,
			Max:    cfg.MaxDelay,
			Factor: cfg.Multiplier,
		},
		jitter: jitter,
		rnd:    rand.Float64,
	}
}

// Next returns the delay before the next attempt.
func (r *reconnectBackoff) Next() time.Duration {
	base := r.b.Duration()
	if base >= r.b.Max {
		return r.b.Max
	}
	d := base + time.Duration(r.jitter*r.rnd()*float64(base))
	if d > r.b.Max {
		d = r.b.Max
	}
	return d
}

// Reset starts the sequence over from the initial delay.
func (r *reconnectBackoff) Reset() {
	r.b.Reset()
}
