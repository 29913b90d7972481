// Package forward moves bytes between external TCP connections and
// multiplexed streams: a public listener per tunnel, the local dialer used
// by the agent, and the bidirectional pipe both of them end in.
package forward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/postalsys/muti-relay/internal/logging"
	"github.com/postalsys/muti-relay/internal/recovery"
)

// ForwardDialer produces the far end for an accepted connection. For the
// relay that is a stream to the owning agent.
type ForwardDialer interface {
	DialForward(ctx context.Context, client net.Conn) (net.Conn, error)
}

// DialerFunc adapts a function to ForwardDialer.
type DialerFunc func(ctx context.Context, client net.Conn) (net.Conn, error)

// DialForward calls f.
func (f DialerFunc) DialForward(ctx context.Context, client net.Conn) (net.Conn, error) {
	return f(ctx, client)
}

// ListenerConfig holds listener configuration.
type ListenerConfig struct {
	// TunnelID identifies the tunnel in logs.
	TunnelID uint32

	// Address is the public address to listen on.
	Address string

	// MaxConnections limits concurrent connections (0 = unlimited).
	MaxConnections int

	// Pipe applies to every forwarded connection.
	Pipe PipeConfig

	// OnPipeDone, when set, receives the stats of every finished pipe.
	OnPipeDone func(PipeStats)

	// Logger for logging.
	Logger *slog.Logger
}

// Listener accepts external connections for one tunnel and pipes each of
// them to a connection obtained from its ForwardDialer.
type Listener struct {
	cfg      ListenerConfig
	dialer   ForwardDialer
	listener net.Listener
	logger   *slog.Logger

	mu          sync.Mutex
	connections map[net.Conn]struct{}
	connCount   atomic.Int64
	accepted    atomic.Uint64

	ctx      context.Context
	cancel   context.CancelFunc
	running  atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewListener creates a new tunnel listener.
func NewListener(cfg ListenerConfig, dialer ForwardDialer) *Listener {
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		cfg:         cfg,
		dialer:      dialer,
		logger:      logging.WithComponent(cfg.Logger, "forward"),
		connections: make(map[net.Conn]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start binds the listening socket and starts accepting.
func (l *Listener) Start() error {
	if l.running.Load() {
		return fmt.Errorf("listener already running")
	}

	listener, err := net.Listen("tcp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", l.cfg.Address, err)
	}
	l.Serve(listener)
	return nil
}

// Serve starts accepting on an already bound listener.
func (l *Listener) Serve(listener net.Listener) {
	l.listener = listener
	l.running.Store(true)

	l.wg.Add(1)
	go l.acceptLoop()

	l.logger.Debug("tunnel listener started",
		logging.KeyTunnelID, l.cfg.TunnelID,
		logging.KeyAddress, listener.Addr().String())
}

// Stop closes the listening socket and every forwarded connection, then
// waits for the handlers to return.
func (l *Listener) Stop() error {
	var err error
	l.stopOnce.Do(func() {
		l.running.Store(false)
		l.cancel()

		if l.listener != nil {
			err = l.listener.Close()
		}

		l.mu.Lock()
		for conn := range l.connections {
			conn.Close()
		}
		l.mu.Unlock()

		l.logger.Debug("tunnel listener stopped", logging.KeyTunnelID, l.cfg.TunnelID)
	})

	l.wg.Wait()
	return err
}

// Address returns the listening address.
func (l *Listener) Address() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// ConnectionCount returns the number of active connections.
func (l *Listener) ConnectionCount() int64 {
	return l.connCount.Load()
}

// Accepted returns how many connections were accepted in total.
func (l *Listener) Accepted() uint64 {
	return l.accepted.Load()
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "forward.Listener.acceptLoop")

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if !l.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Debug("accept error",
				logging.KeyTunnelID, l.cfg.TunnelID,
				logging.KeyError, err)
			continue
		}
		l.accepted.Add(1)

		if l.cfg.MaxConnections > 0 && l.connCount.Load() >= int64(l.cfg.MaxConnections) {
			l.logger.Debug("connection limit reached",
				logging.KeyTunnelID, l.cfg.TunnelID,
				"limit", l.cfg.MaxConnections)
			conn.Close()
			continue
		}

		l.mu.Lock()
		if !l.running.Load() {
			l.mu.Unlock()
			conn.Close()
			return
		}
		l.connections[conn] = struct{}{}
		l.mu.Unlock()
		l.connCount.Add(1)

		l.wg.Add(1)
		go l.handleConnection(conn)
	}
}

func (l *Listener) handleConnection(conn net.Conn) {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "forward.Listener.handleConnection")
	defer func() {
		conn.Close()
		l.mu.Lock()
		delete(l.connections, conn)
		l.mu.Unlock()
		l.connCount.Add(-1)
	}()

	remoteAddr := conn.RemoteAddr().String()

	target, err := l.dialer.DialForward(l.ctx, conn)
	if err != nil {
		l.logger.Debug("forward dial failed",
			logging.KeyTunnelID, l.cfg.TunnelID,
			logging.KeyRemoteAddr, remoteAddr,
			logging.KeyError, err)
		return
	}

	stats := Pipe(l.ctx, conn, target, l.cfg.Pipe)

	l.logger.Debug("forward connection closed",
		logging.KeyTunnelID, l.cfg.TunnelID,
		logging.KeyRemoteAddr, remoteAddr,
		"sent", stats.AToB,
		"received", stats.BToA,
		logging.KeyDuration, stats.Duration)

	if l.cfg.OnPipeDone != nil {
		l.cfg.OnPipeDone(stats)
	}
}
