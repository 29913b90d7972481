// Package transport provides the secure, ordered byte streams a relay and
// its agents speak the frame protocol over.
//
// Every transport yields exactly one bidirectional stream per session:
// TLS over TCP, binary WebSocket messages, or a single QUIC stream.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"time"
)

// TransportType identifies the transport protocol.
type TransportType string

const (
	TransportTCP       TransportType = "tcp"
	TransportWebSocket TransportType = "ws"
	TransportQUIC      TransportType = "quic"
)

// String returns the transport name.
func (t TransportType) String() string {
	return string(t)
}

// ParseTransportType validates a transport name.
func ParseTransportType(s string) (TransportType, bool) {
	switch TransportType(s) {
	case TransportTCP, TransportWebSocket, TransportQUIC:
		return TransportType(s), true
	}
	return "", false
}

// Transport creates and accepts session connections.
type Transport interface {
	// Dial connects to a relay.
	Dial(ctx context.Context, addr string, opts DialOptions) (Conn, error)

	// Listen creates a listener for incoming sessions.
	Listen(addr string, opts ListenOptions) (Listener, error)

	// Type returns the transport type identifier.
	Type() TransportType

	// Close shuts down the transport and its listeners.
	Close() error
}

// Listener accepts incoming session connections.
type Listener interface {
	// Accept waits for and returns the next connection.
	Accept(ctx context.Context) (Conn, error)

	// Addr returns the listener's network address.
	Addr() net.Addr

	// Close stops the listener.
	Close() error
}

// Conn is one encrypted, ordered, reliable byte stream.
type Conn interface {
	io.ReadWriteCloser

	// Handshake completes any pending security handshake.
	Handshake(ctx context.Context) error

	// Peer describes the authenticated remote end. Valid after Handshake.
	Peer() PeerInfo

	// LocalAddr returns the local address.
	LocalAddr() net.Addr

	// RemoteAddr returns the remote address.
	RemoteAddr() net.Addr

	// SetDeadline bounds pending and future reads and writes. The zero
	// time clears it.
	SetDeadline(t time.Time) error

	// TransportType returns the transport protocol type.
	TransportType() TransportType
}

// PeerInfo is the identity established by the transport.
type PeerInfo struct {
	Addr        string
	ServerName  string
	TLSVersion  uint16
	CipherSuite uint16
	ALPN        string
	// Certificates presented by the remote end, leaf first.
	Certificates []*x509.Certificate
}

// CommonName returns the subject CN of the remote leaf certificate.
func (p PeerInfo) CommonName() string {
	if len(p.Certificates) == 0 {
		return ""
	}
	return p.Certificates[0].Subject.CommonName
}

func peerFromState(addr net.Addr, cs tls.ConnectionState) PeerInfo {
	info := PeerInfo{
		ServerName:   cs.ServerName,
		TLSVersion:   cs.Version,
		CipherSuite:  cs.CipherSuite,
		ALPN:         cs.NegotiatedProtocol,
		Certificates: cs.PeerCertificates,
	}
	if addr != nil {
		info.Addr = addr.String()
	}
	return info
}

// DialOptions contains options for dialing a relay.
type DialOptions struct {
	// TLSConfig is the TLS configuration for the connection.
	TLSConfig *tls.Config

	// InsecureSkipVerify permits dialing without a TLS config, skipping
	// certificate verification. Development only.
	InsecureSkipVerify bool

	// Timeout is the connection timeout.
	Timeout time.Duration

	// ProxyURL routes the connection through a proxy. socks5:// works for
	// tcp and ws, http:// and https:// for ws only.
	ProxyURL string

	// ALPNProtocol overrides DefaultALPNProtocol.
	ALPNProtocol string

	// Path is the WebSocket endpoint path.
	Path string
}

// ListenOptions contains options for creating a listener.
type ListenOptions struct {
	// TLSConfig is the TLS configuration for the listener.
	TLSConfig *tls.Config

	// Path is the HTTP path for the WebSocket transport.
	Path string

	// PlainText allows WebSocket listeners without TLS, for deployments
	// behind a TLS-terminating reverse proxy.
	PlainText bool

	// MaxConns caps concurrent connections on stream transports
	// (0 = unlimited).
	MaxConns int

	// ALPNProtocol overrides DefaultALPNProtocol.
	ALPNProtocol string
}

// DefaultDialOptions returns DialOptions with sensible defaults.
func DefaultDialOptions() DialOptions {
	return DialOptions{
		Timeout: 30 * time.Second,
	}
}

// New returns the transport implementation for t.
func New(t TransportType) (Transport, bool) {
	switch t {
	case TransportTCP:
		return NewTCPTransport(), true
	case TransportWebSocket:
		return NewWebSocketTransport(), true
	case TransportQUIC:
		return NewQUICTransport(), true
	}
	return nil, false
}
