package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

// WebSocket transport constants
const (
	wsDefaultReadLimit    = 1 << 20
	wsReadHeaderTimeout   = 10 * time.Second
	wsShutdownGracePeriod = 5 * time.Second
	wsAcceptQueueCapacity = 16
)

// WebSocketTransport implements Transport with binary WebSocket messages.
// The session's frame stream is carried as a plain byte stream; message
// boundaries carry no meaning.
type WebSocketTransport struct {
	mu        sync.Mutex
	listeners []*WebSocketListener
	closed    bool
}

// NewWebSocketTransport creates a new WebSocket transport.
func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{}
}

// Type returns the transport type.
func (t *WebSocketTransport) Type() TransportType {
	return TransportWebSocket
}

// Dial connects to a relay's WebSocket endpoint. addr is either a ws:// or
// wss:// URL or a host:port, which is dialed as wss://host:port/<path>.
func (t *WebSocketTransport) Dial(ctx context.Context, addr string, opts DialOptions) (Conn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport closed")
	}
	t.mu.Unlock()

	wsURL, err := parseWebSocketURL(addr, opts)
	if err != nil {
		return nil, err
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	httpClient, err := buildHTTPClient(wsURL, opts)
	if err != nil {
		return nil, err
	}

	ws, resp, err := websocket.Dial(ctx, wsURL.String(), &websocket.DialOptions{
		Subprotocols: []string{DefaultWSSubprotocol},
		HTTPClient:   httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial failed: %w", err)
	}
	ws.SetReadLimit(wsDefaultReadLimit)

	var state *tls.ConnectionState
	if resp != nil {
		state = resp.TLS
	}
	return newWebSocketConn(ws, wsAddr(wsURL.Host), state), nil
}

// Listen creates a WebSocket listener serving upgrades on opts.Path.
func (t *WebSocketTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}

	var tlsConfig *tls.Config
	if !opts.PlainText {
		if opts.TLSConfig == nil {
			return nil, fmt.Errorf("TLS config required for WebSocket listener (or set PlainText for reverse proxy mode)")
		}
		tlsConfig = prepareTLSConfigForListen(opts)
		// The ALPN of a WebSocket listener is HTTP's.
		tlsConfig.NextProtos = []string{"http/1.1"}
	}

	path := opts.Path
	if path == "" {
		path = DefaultWSPath
	}

	listener := &WebSocketListener{
		addr:      addr,
		path:      path,
		tlsConfig: tlsConfig,
		maxConns:  opts.MaxConns,
		connCh:    make(chan *WebSocketConn, wsAcceptQueueCapacity),
		closeCh:   make(chan struct{}),
	}
	if err := listener.start(); err != nil {
		return nil, err
	}

	t.listeners = append(t.listeners, listener)
	return listener, nil
}

// Close shuts down the transport and all listeners.
func (t *WebSocketTransport) Close() error {
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

// WebSocketListener implements Listener for WebSocket.
type WebSocketListener struct {
	addr      string
	path      string
	tlsConfig *tls.Config
	maxConns  int
	server    *http.Server
	netLn     net.Listener
	connCh    chan *WebSocketConn
	closeCh   chan struct{}
	active    atomic.Int64
	closed    atomic.Bool
}

func (l *WebSocketListener) start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(l.path, l.handleWebSocket)

	l.server = &http.Server{
		Handler:           mux,
		TLSConfig:         l.tlsConfig,
		ReadHeaderTimeout: wsReadHeaderTimeout,
	}

	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listen failed: %w", err)
	}
	l.netLn = ln

	go func() {
		if l.tlsConfig != nil {
			l.server.ServeTLS(ln, "", "")
		} else {
			l.server.Serve(ln)
		}
	}()

	return nil
}

func (l *WebSocketListener) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if l.closed.Load() {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}
	if l.maxConns > 0 && l.active.Load() >= int64(l.maxConns) {
		http.Error(w, "too many sessions", http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{DefaultWSSubprotocol},
	})
	if err != nil {
		return
	}
	ws.SetReadLimit(wsDefaultReadLimit)

	conn := newWebSocketConn(ws, wsAddr(clientAddr(r)), r.TLS)
	l.active.Add(1)
	conn.onClose = func() { l.active.Add(-1) }

	select {
	case l.connCh <- conn:
	case <-l.closeCh:
		conn.Close()
	}
}

// Accept waits for and returns the next WebSocket session.
func (l *WebSocketListener) Accept(ctx context.Context) (Conn, error) {
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
func (l *WebSocketListener) Addr() net.Addr {
	if l.netLn != nil {
		return l.netLn.Addr()
	}
	return nil
}

// Close stops the listener. Established sessions are hijacked connections
// and stay open.
func (l *WebSocketListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.closeCh)

	ctx, cancel := context.WithTimeout(context.Background(), wsShutdownGracePeriod)
	defer cancel()

	return l.server.Shutdown(ctx)
}

// WebSocketConn implements Conn over a WebSocket connection.
type WebSocketConn struct {
	net.Conn
	ws      *websocket.Conn
	cancel  context.CancelFunc
	remote  net.Addr
	state   *tls.ConnectionState
	onClose func()
	closed  atomic.Bool
}

func newWebSocketConn(ws *websocket.Conn, remote net.Addr, state *tls.ConnectionState) *WebSocketConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketConn{
		Conn:   websocket.NetConn(ctx, ws, websocket.MessageBinary),
		ws:     ws,
		cancel: cancel,
		remote: remote,
		state:  state,
	}
}

// Handshake is a no-op: the upgrade already completed TLS.
func (c *WebSocketConn) Handshake(ctx context.Context) error {
	return nil
}

// Peer describes the remote end.
func (c *WebSocketConn) Peer() PeerInfo {
	if c.state == nil {
		return PeerInfo{Addr: c.remote.String()}
	}
	return peerFromState(c.remote, *c.state)
}

// RemoteAddr returns the remote address as seen by the HTTP server.
func (c *WebSocketConn) RemoteAddr() net.Addr {
	return c.remote
}

// Close closes the WebSocket with a normal closure.
func (c *WebSocketConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	err := c.Conn.Close()
	c.cancel()
	if c.onClose != nil {
		c.onClose()
	}
	return err
}

// TransportType returns the transport protocol type.
func (c *WebSocketConn) TransportType() TransportType {
	return TransportWebSocket
}

type wsAddr string

func (a wsAddr) Network() string { return "websocket" }
func (a wsAddr) String() string  { return string(a) }

// clientAddr prefers the first X-Forwarded-For hop, set by a reverse proxy
// in front of a plain-text listener.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	return r.RemoteAddr
}

// parseWebSocketURL turns a dial address into a WebSocket URL.
func parseWebSocketURL(addr string, opts DialOptions) (*url.URL, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		u, err := url.Parse(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid WebSocket URL: %w", err)
		}
		return u, nil
	}

	if _, _, err := net.SplitHostPort(addr); err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	path := opts.Path
	if path == "" {
		path = DefaultWSPath
	}
	return &url.URL{Scheme: "wss", Host: addr, Path: path}, nil
}

// buildHTTPClient creates the HTTP client for the upgrade request. SOCKS5
// proxies dial the TCP connection; HTTP proxies are used via CONNECT.
func buildHTTPClient(u *url.URL, opts DialOptions) (*http.Client, error) {
	transport := &http.Transport{}

	if u.Scheme == "wss" {
		tlsConfig, err := prepareTLSConfigForDial(opts, u.Hostname())
		if err != nil {
			return nil, err
		}
		tlsConfig.NextProtos = []string{"http/1.1"}
		transport.TLSClientConfig = tlsConfig
	}

	if opts.ProxyURL != "" {
		if isSOCKSProxy(opts.ProxyURL) {
			dialer, err := contextDialer(opts.ProxyURL, opts.Timeout)
			if err != nil {
				return nil, err
			}
			transport.DialContext = dialer.DialContext
		} else {
			proxyURL, err := url.Parse(opts.ProxyURL)
			if err != nil {
				return nil, fmt.Errorf("invalid proxy URL: %w", err)
			}
			if proxyURL.Scheme != "http" && proxyURL.Scheme != "https" {
				return nil, fmt.Errorf("unsupported proxy scheme %q", proxyURL.Scheme)
			}
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	return &http.Client{Transport: transport}, nil
}
