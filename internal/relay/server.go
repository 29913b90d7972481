// Package relay implements the publicly reachable side: it authenticates
// agents, binds a public port for every tunnel they register, and carries
// each external connection to the owning agent as a multiplexed stream.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/muti-relay/internal/auth"
	"github.com/postalsys/muti-relay/internal/health"
	"github.com/postalsys/muti-relay/internal/liveness"
	"github.com/postalsys/muti-relay/internal/logging"
	"github.com/postalsys/muti-relay/internal/metrics"
	"github.com/postalsys/muti-relay/internal/protocol"
	"github.com/postalsys/muti-relay/internal/recovery"
	"github.com/postalsys/muti-relay/internal/registry"
	"github.com/postalsys/muti-relay/internal/transport"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("relay: server closed")

// Config contains relay server configuration.
type Config struct {
	// Authenticator validates agent credentials. Required.
	Authenticator *auth.Authenticator

	// Registry is the relay-wide tunnel authority. Required.
	Registry *registry.Registry

	// BindHost is the interface public tunnel ports are bound on.
	BindHost string

	// HandshakeTimeout bounds the transport handshake plus Auth exchange.
	HandshakeTimeout time.Duration

	// OpenTimeout bounds how long an external connection waits for its
	// stream to be accepted.
	OpenTimeout time.Duration

	// IdleTimeout closes forwarded connections with no traffic. Zero
	// disables it.
	IdleTimeout time.Duration

	// MaxSessions caps concurrent agent sessions across all tokens. Zero
	// means unlimited.
	MaxSessions int

	// WindowSize and MaxPayload configure every session's mux.
	WindowSize uint32
	MaxPayload int

	// Heartbeat configures the liveness monitor of every session.
	Heartbeat liveness.Config

	// Version is reported to agents in AUTH_RESULT. Defaults to the
	// protocol version.
	Version string

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BindHost:         "0.0.0.0",
		HandshakeTimeout: 10 * time.Second,
		OpenTimeout:      10 * time.Second,
		WindowSize:       protocol.DefaultWindowSize,
		MaxPayload:       protocol.DefaultMaxPayloadSize,
		Heartbeat:        liveness.DefaultConfig(),
		Version:          strconv.Itoa(int(protocol.ProtocolVersion)),
	}
}

// Server accepts agent sessions on any number of transport listeners.
type Server struct {
	cfg       Config
	reg       *registry.Registry
	listeners *ListenerManager
	logger    *slog.Logger
	started   time.Time

	mu        sync.Mutex
	sessions  map[*session]struct{}
	transport map[transport.Listener]struct{}

	running  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer creates a relay server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Authenticator == nil {
		return nil, fmt.Errorf("authenticator is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}

	def := DefaultConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.WindowSize == 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = def.MaxPayload
	}
	if cfg.Heartbeat.Interval <= 0 {
		cfg.Heartbeat = def.Heartbeat
	}
	if cfg.Version == "" {
		cfg.Version = def.Version
	}

	logger := logging.WithComponent(cfg.Logger, "relay")
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg: cfg,
		reg: cfg.Registry,
		listeners: NewListenerManager(ListenerManagerConfig{
			BindHost:    cfg.BindHost,
			OpenTimeout: cfg.OpenTimeout,
			IdleTimeout: cfg.IdleTimeout,
			Registry:    cfg.Registry,
			Metrics:     cfg.Metrics,
			Logger:      cfg.Logger,
		}),
		logger:    logger,
		started:   time.Now(),
		sessions:  make(map[*session]struct{}),
		transport: make(map[transport.Listener]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.running.Store(true)
	return s, nil
}

// Serve accepts sessions from ln until ctx ends or the server shuts
// down. Each connection is served on its own goroutine. Serve closes ln
// before returning.
func (s *Server) Serve(ctx context.Context, ln transport.Listener) error {
	if !s.running.Load() {
		return ErrServerClosed
	}

	s.mu.Lock()
	s.transport[ln] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.transport, ln)
		s.mu.Unlock()
		ln.Close()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	s.logger.Info("accepting sessions", logging.KeyAddress, ln.Addr())

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return ErrServerClosed
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Debug("accept error",
				logging.KeyLocalAddr, ln.Addr(),
				logging.KeyError, err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer recovery.RecoverWithLog(s.logger, "relay.Server.ServeConn")
			s.ServeConn(ctx, conn)
		}()
	}
}

// ServeConn authenticates one connection and serves it until the session
// ends. It closes conn before returning.
func (s *Server) ServeConn(ctx context.Context, conn transport.Conn) {
	defer conn.Close()

	start := time.Now()
	hs, err := s.handshake(ctx, conn)
	if err != nil {
		s.logger.Info("handshake failed",
			logging.KeyRemoteAddr, conn.RemoteAddr().String(),
			logging.KeyTransport, conn.TransportType(),
			logging.KeyError, err)
		return
	}
	s.cfg.Metrics.RecordSessionStart(string(conn.TransportType()), time.Since(start))

	s.runSession(ctx, conn, hs)
}

// Shutdown stops accepting, closes every session and waits for their
// teardown, or for ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.logger.Info("relay shutting down")
		s.running.Store(false)
		s.cancel()

		s.mu.Lock()
		for ln := range s.transport {
			ln.Close()
		}
		for sess := range s.sessions {
			sess.cancel()
		}
		s.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		s.listeners.CloseAll()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) track(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess] = struct{}{}
	if s.ctx.Err() != nil {
		sess.cancel()
	}
}

func (s *Server) numSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) untrack(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess)
}

func (s *Server) updateTunnelGauge() {
	_, tunnels := s.reg.Counts()
	s.cfg.Metrics.SetTunnelsActive(tunnels[registry.TunnelActive])
}

// Snapshot returns the registry's current sessions and tunnels.
func (s *Server) Snapshot() registry.Snapshot {
	return s.reg.Snapshot()
}

// Listeners returns the public listener manager.
func (s *Server) Listeners() *ListenerManager {
	return s.listeners
}

// IsRunning returns true until Shutdown is called.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Stats returns the health summary.
func (s *Server) Stats() health.Stats {
	snap := s.reg.Snapshot()
	return health.Stats{
		Role:       "relay",
		Sessions:   len(snap.Sessions),
		Tunnels:    snap.TunnelCount,
		Streams:    snap.StreamCount,
		UptimeSecs: int64(time.Since(s.started).Seconds()),
	}
}

// Status returns the registry snapshot served on /status.
func (s *Server) Status() any {
	return s.Snapshot()
}
