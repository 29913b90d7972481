package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/netutil"
)

// TCPTransport implements Transport with TLS over TCP.
type TCPTransport struct {
	mu        sync.Mutex
	listeners []*TCPListener
	closed    bool
}

// NewTCPTransport creates a new TLS-over-TCP transport.
func NewTCPTransport() *TCPTransport {
	return &TCPTransport{}
}

// Type returns the transport type.
func (t *TCPTransport) Type() TransportType {
	return TransportTCP
}

// Dial connects to a relay and completes the TLS handshake.
func (t *TCPTransport) Dial(ctx context.Context, addr string, opts DialOptions) (Conn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport closed")
	}
	t.mu.Unlock()

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}

	tlsConfig, err := prepareTLSConfigForDial(opts, host)
	if err != nil {
		return nil, err
	}

	dialer, err := contextDialer(opts.ProxyURL, opts.Timeout)
	if err != nil {
		return nil, err
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("TCP dial failed: %w", err)
	}

	conn := tls.Client(raw, tlsConfig)
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("TLS handshake failed: %w", err)
	}

	return &TCPConn{conn: conn}, nil
}

// Listen creates a TLS listener.
func (t *TCPTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}
	if opts.TLSConfig == nil {
		return nil, fmt.Errorf("TLS config required for TCP listener")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen failed: %w", err)
	}
	if opts.MaxConns > 0 {
		ln = netutil.LimitListener(ln, opts.MaxConns)
	}

	tl := &TCPListener{
		listener: tls.NewListener(ln, prepareTLSConfigForListen(opts)),
		connCh:   make(chan *TCPConn, 16),
		closeCh:  make(chan struct{}),
	}
	go tl.acceptLoop()

	t.listeners = append(t.listeners, tl)
	return tl, nil
}

// Close shuts down the transport and all listeners.
func (t *TCPTransport) Close() error {
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

// TCPListener implements Listener for TLS over TCP. The TLS handshake of an
// accepted connection runs on the first Handshake, Read or Write.
type TCPListener struct {
	listener net.Listener
	connCh   chan *TCPConn
	closeCh  chan struct{}
	closed   atomic.Bool
}

func (l *TCPListener) acceptLoop() {
	for {
		raw, err := l.listener.Accept()
		if err != nil {
			if l.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return
		}

		select {
		case l.connCh <- &TCPConn{conn: raw.(*tls.Conn)}:
		case <-l.closeCh:
			raw.Close()
			return
		}
	}
}

// Accept waits for and returns the next connection.
func (l *TCPListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-l.connCh:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, fmt.Errorf("accept: %w", net.ErrClosed)
	}
}

// Addr returns the listener's address.
func (l *TCPListener) Addr() net.Addr {
	return l.listener.Addr()
}

// Close stops the listener.
func (l *TCPListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.closeCh)
	return l.listener.Close()
}

// TCPConn implements Conn over a TLS connection.
type TCPConn struct {
	conn *tls.Conn
}

// Handshake runs the TLS handshake if it has not completed yet.
func (c *TCPConn) Handshake(ctx context.Context) error {
	return c.conn.HandshakeContext(ctx)
}

// Peer describes the remote end.
func (c *TCPConn) Peer() PeerInfo {
	return peerFromState(c.conn.RemoteAddr(), c.conn.ConnectionState())
}

func (c *TCPConn) Read(p []byte) (int, error)  { return c.conn.Read(p) }
func (c *TCPConn) Write(p []byte) (int, error) { return c.conn.Write(p) }
func (c *TCPConn) Close() error                { return c.conn.Close() }

// LocalAddr returns the local address.
func (c *TCPConn) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// RemoteAddr returns the remote address.
func (c *TCPConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// SetDeadline sets read and write deadlines.
func (c *TCPConn) SetDeadline(t time.Time) error { return c.conn.SetDeadline(t) }

// TransportType returns the transport protocol type.
func (c *TCPConn) TransportType() TransportType { return TransportTCP }
