package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/postalsys/muti-relay/internal/forward"
	"github.com/postalsys/muti-relay/internal/logging"
	"github.com/postalsys/muti-relay/internal/metrics"
	"github.com/postalsys/muti-relay/internal/mux"
	"github.com/postalsys/muti-relay/internal/protocol"
	"github.com/postalsys/muti-relay/internal/registry"
)

// StreamOpener opens streams to the agent that owns a tunnel. *mux.Mux
// satisfies it.
type StreamOpener interface {
	OpenStream(ctx context.Context, tunnelID uint32, peer string) (*mux.Stream, error)
}

// ListenerManagerConfig configures a ListenerManager.
type ListenerManagerConfig struct {
	// BindHost is the interface public ports are bound on.
	BindHost string

	// OpenTimeout bounds how long an external connection waits for the
	// agent to accept its stream.
	OpenTimeout time.Duration

	// IdleTimeout closes forwarded connections with no traffic.
	IdleTimeout time.Duration

	Registry *registry.Registry
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// ListenerManager owns the public listener of every active tunnel.
type ListenerManager struct {
	cfg    ListenerManagerConfig
	reg    *registry.Registry
	logger *slog.Logger

	mu        sync.Mutex
	listeners map[uint32]*forward.Listener
}

// NewListenerManager creates a ListenerManager.
func NewListenerManager(cfg ListenerManagerConfig) *ListenerManager {
	if cfg.BindHost == "" {
		cfg.BindHost = "0.0.0.0"
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 10 * time.Second
	}
	return &ListenerManager{
		cfg:       cfg,
		reg:       cfg.Registry,
		logger:    logging.WithComponent(cfg.Logger, "listeners"),
		listeners: make(map[uint32]*forward.Listener),
	}
}

// Open binds the public port of a Pending tunnel and starts forwarding
// its connections over opener. bandwidth caps the tunnel's combined
// throughput in bytes per second; zero means unlimited.
func (m *ListenerManager) Open(t registry.Tunnel, opener StreamOpener, bandwidth int64) error {
	m.mu.Lock()
	if _, exists := m.listeners[t.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("tunnel %d already has a listener", t.ID)
	}
	m.mu.Unlock()

	l := forward.NewListener(forward.ListenerConfig{
		TunnelID: t.ID,
		Address:  net.JoinHostPort(m.cfg.BindHost, strconv.Itoa(int(t.Port))),
		Pipe: forward.PipeConfig{
			IdleTimeout: m.cfg.IdleTimeout,
			Limiter:     forward.NewLimiter(bandwidth),
		},
		OnPipeDone: func(stats forward.PipeStats) {
			m.cfg.Metrics.RecordStreamClose(stats.AToB, stats.BToA)
		},
		Logger: m.cfg.Logger,
	}, m.dialer(t.ID, opener))

	if err := l.Start(); err != nil {
		return err
	}

	m.mu.Lock()
	m.listeners[t.ID] = l
	m.mu.Unlock()

	m.logger.Info("tunnel listening",
		logging.KeyTunnelID, t.ID,
		logging.KeyTunnel, t.Name,
		logging.KeyClientID, t.ClientID,
		logging.KeyAddress, l.Address().String())
	return nil
}

// Close stops a tunnel's listener and every connection it forwards. It
// reports whether a listener existed.
func (m *ListenerManager) Close(tunnelID uint32) bool {
	m.mu.Lock()
	l, ok := m.listeners[tunnelID]
	delete(m.listeners, tunnelID)
	m.mu.Unlock()

	if !ok {
		return false
	}
	if err := l.Stop(); err != nil && !errors.Is(err, net.ErrClosed) {
		m.logger.Debug("listener close error", logging.KeyTunnelID, tunnelID, logging.KeyError, err)
	}
	return true
}

// CloseTunnels stops the listeners of tunnels taken from a removed
// session and frees their ports.
func (m *ListenerManager) CloseTunnels(tunnels []registry.Tunnel) {
	for _, t := range tunnels {
		m.Close(t.ID)
		m.reg.Remove(t.ID)
	}
}

// Count returns the number of bound listeners.
func (m *ListenerManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

// Address returns the bound address of a tunnel's listener.
func (m *ListenerManager) Address(tunnelID uint32) net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.listeners[tunnelID]; ok {
		return l.Address()
	}
	return nil
}

// CloseAll stops every listener.
func (m *ListenerManager) CloseAll() {
	m.mu.Lock()
	ids := make([]uint32, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Close(id)
	}
}

// dialer turns an accepted external connection into a stream to the
// agent. The stream slot is held until the returned conn is closed.
func (m *ListenerManager) dialer(tunnelID uint32, opener StreamOpener) forward.DialerFunc {
	return func(ctx context.Context, client net.Conn) (net.Conn, error) {
		if err := m.reg.AcquireStream(tunnelID); err != nil {
			m.cfg.Metrics.RecordStreamError(protocol.CodeName(registry.ErrorCode(err)))
			return nil, err
		}

		ctx, cancel := context.WithTimeout(ctx, m.cfg.OpenTimeout)
		defer cancel()

		start := time.Now()
		st, err := opener.OpenStream(ctx, tunnelID, client.RemoteAddr().String())
		if err != nil {
			m.reg.ReleaseStream(tunnelID)
			m.cfg.Metrics.RecordStreamError(openErrorType(err))
			return nil, err
		}
		m.cfg.Metrics.RecordStreamOpen(time.Since(start))

		return &tunnelStream{
			Stream:  st,
			release: func() { m.reg.ReleaseStream(tunnelID) },
		}, nil
	}
}

// openErrorType labels a failed OpenStream for metrics.
func openErrorType(err error) string {
	var cerr *mux.CloseError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.CodeName(protocol.CodeOpenTimeout)
	case errors.As(err, &cerr):
		return protocol.CodeName(cerr.Code)
	case errors.Is(err, mux.ErrSessionClosed):
		return protocol.CodeName(protocol.CodeSessionClosed)
	default:
		return protocol.CodeName(protocol.CodeDialFailed)
	}
}

// tunnelStream returns its stream slot to the registry on Close.
type tunnelStream struct {
	*mux.Stream
	once    sync.Once
	release func()
}

func (s *tunnelStream) Close() error {
	err := s.Stream.Close()
	s.once.Do(s.release)
	return err
}
