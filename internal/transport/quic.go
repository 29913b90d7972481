package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
)

// Default QUIC configuration values
const (
	DefaultMaxIdleTimeout  = 60 * time.Second
	DefaultKeepAlivePeriod = 30 * time.Second

	// A session uses exactly one bidirectional stream.
	quicMaxIncomingStreams = 1

	// quicCloseLinger lets queued data reach the peer before the
	// connection is torn down.
	quicCloseLinger = 250 * time.Millisecond

	quicErrNone     quic.ApplicationErrorCode = 0
	quicErrTooMany  quic.ApplicationErrorCode = 1
	quicErrShutdown quic.ApplicationErrorCode = 2
)

var errStreamNotReady = errors.New("QUIC stream not established")

// QUICTransport implements Transport with one QUIC stream per session.
type QUICTransport struct {
	mu        sync.Mutex
	listeners []*QUICListener
	closed    bool
}

// NewQUICTransport creates a new QUIC transport.
func NewQUICTransport() *QUICTransport {
	return &QUICTransport{}
}

// Type returns the transport type.
func (t *QUICTransport) Type() TransportType {
	return TransportQUIC
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        DefaultMaxIdleTimeout,
		KeepAlivePeriod:       DefaultKeepAlivePeriod,
		MaxIncomingStreams:    quicMaxIncomingStreams,
		MaxIncomingUniStreams: -1,
	}
}

// Dial connects to a relay and opens the session stream.
func (t *QUICTransport) Dial(ctx context.Context, addr string, opts DialOptions) (Conn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport closed")
	}
	t.mu.Unlock()

	if opts.ProxyURL != "" {
		return nil, fmt.Errorf("QUIC transport does not support proxies")
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	tlsConfig, err := prepareTLSConfigForDial(opts, host)
	if err != nil {
		return nil, err
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("QUIC dial failed: %w", err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(quicErrNone, "")
		return nil, fmt.Errorf("failed to open QUIC stream: %w", err)
	}

	return &QUICConn{conn: conn, stream: stream}, nil
}

// Listen creates a QUIC listener.
func (t *QUICTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}
	if opts.TLSConfig == nil {
		return nil, fmt.Errorf("TLS config required for QUIC listener")
	}

	listener, err := quic.ListenAddr(addr, prepareTLSConfigForListen(opts), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("QUIC listen failed: %w", err)
	}

	ql := &QUICListener{
		listener: listener,
		maxConns: opts.MaxConns,
	}
	t.listeners = append(t.listeners, ql)

	return ql, nil
}

// Close shuts down the transport and all listeners.
func (t *QUICTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var lastErr error
	for _, l := range t.listeners {
		if err := l.Close(); err != nil {
			lastErr = err
		}
	}
	t.listeners = nil

	return lastErr
}

// QUICListener implements Listener for QUIC.
type QUICListener struct {
	listener *quic.Listener
	maxConns int
	active   atomic.Int64
	closed   atomic.Bool
}

// Accept waits for the next QUIC connection. Its session stream is accepted
// by Handshake.
func (l *QUICListener) Accept(ctx context.Context) (Conn, error) {
	for {
		conn, err := l.listener.Accept(ctx)
		if err != nil {
			if errors.Is(err, quic.ErrServerClosed) {
				return nil, fmt.Errorf("accept: %w", net.ErrClosed)
			}
			return nil, err
		}
		if l.maxConns > 0 && l.active.Load() >= int64(l.maxConns) {
			conn.CloseWithError(quicErrTooMany, "too many sessions")
			continue
		}
		l.active.Add(1)
		return &QUICConn{
			conn:    conn,
			onClose: func() { l.active.Add(-1) },
		}, nil
	}
}

// Addr returns the listener's address.
func (l *QUICListener) Addr() net.Addr {
	return l.listener.Addr()
}

// Close stops the listener.
func (l *QUICListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.listener.Close()
}

// QUICConn implements Conn over the single stream of a QUIC connection.
type QUICConn struct {
	conn    quic.Connection
	onClose func()

	mu     sync.Mutex
	stream quic.Stream
	closed atomic.Bool
}

// Handshake accepts the session stream on the listening side. The dialer's
// stream becomes visible once it writes its first frame.
func (c *QUICConn) Handshake(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream != nil {
		return nil
	}
	stream, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return fmt.Errorf("accept QUIC stream: %w", err)
	}
	c.stream = stream
	return nil
}

func (c *QUICConn) currentStream() quic.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

func (c *QUICConn) Read(p []byte) (int, error) {
	s := c.currentStream()
	if s == nil {
		return 0, errStreamNotReady
	}
	return s.Read(p)
}

func (c *QUICConn) Write(p []byte) (int, error) {
	s := c.currentStream()
	if s == nil {
		return 0, errStreamNotReady
	}
	return s.Write(p)
}

// Close finishes the stream and closes the connection once the peer has
// gone or after a short linger.
func (c *QUICConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if s := c.currentStream(); s != nil {
		s.CancelRead(0)
		s.Close()
	}
	if c.onClose != nil {
		c.onClose()
	}

	go func() {
		select {
		case <-c.conn.Context().Done():
		case <-time.After(quicCloseLinger):
		}
		c.conn.CloseWithError(quicErrShutdown, "session closed")
	}()
	return nil
}

// Peer describes the remote end.
func (c *QUICConn) Peer() PeerInfo {
	return peerFromState(c.conn.RemoteAddr(), c.conn.ConnectionState().TLS)
}

// LocalAddr returns the local address.
func (c *QUICConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote address.
func (c *QUICConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetDeadline sets read and write deadlines on the session stream.
func (c *QUICConn) SetDeadline(t time.Time) error {
	s := c.currentStream()
	if s == nil {
		return errStreamNotReady
	}
	return s.SetDeadline(t)
}

// TransportType returns the transport protocol type.
func (c *QUICConn) TransportType() TransportType {
	return TransportQUIC
}
