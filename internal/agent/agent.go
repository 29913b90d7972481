// Package agent implements the side behind NAT: it dials the relay,
// authenticates, publishes the configured tunnels, and serves every
// stream the relay opens by dialing the tunnel's local address. A
// Controller keeps a session alive across failures.
package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/postalsys/muti-relay/internal/liveness"
	"github.com/postalsys/muti-relay/internal/metrics"
	"github.com/postalsys/muti-relay/internal/protocol"
	"github.com/postalsys/muti-relay/internal/transport"
)

var (
	// ErrUnknownTunnel is returned for tunnels that are not configured or
	// not active.
	ErrUnknownTunnel = errors.New("unknown tunnel")

	// ErrNotConnected is returned when no session is established.
	ErrNotConnected = errors.New("not connected")

	// ErrRetriesExhausted is returned by Controller.Run once MaxRetries
	// consecutive attempts failed.
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
)

// AuthError is a handshake the relay refused.
type AuthError struct {
	Code   uint16
	Reason string
}

func (e *AuthError) Error() string {
	if e.Reason == "" || e.Reason == protocol.CodeName(e.Code) {
		return fmt.Sprintf("authentication rejected: %s", protocol.CodeName(e.Code))
	}
	return fmt.Sprintf("authentication rejected: %s (%s)", protocol.CodeName(e.Code), e.Reason)
}

// Permanent reports whether retrying with the same credentials cannot
// succeed.
func (e *AuthError) Permanent() bool {
	switch e.Code {
	case protocol.CodeTooManyClients, protocol.CodeInternal:
		return false
	default:
		return true
	}
}

// TunnelConfig is a tunnel to publish on every session.
type TunnelConfig struct {
	// Name identifies the tunnel. Defaults to "tunnel-N".
	Name string

	// LocalAddr is the service streams are forwarded to.
	LocalAddr string

	// RemotePort requests a fixed public port. Zero lets the relay pick.
	RemotePort uint16

	// Protocol defaults to tcp.
	Protocol string
}

// ReconnectConfig controls the delay between session attempts.
type ReconnectConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// Jitter adds up to this fraction of the delay. It is clamped below
	// Multiplier-1 so delays keep growing until MaxDelay.
	Jitter float64

	// MaxRetries bounds consecutive failed attempts. Zero means unlimited.
	MaxRetries int
}

// DefaultReconnectConfig returns sensible defaults for reconnection.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// Config contains agent configuration.
type Config struct {
	// ServerAddr is the relay address handed to Transport.Dial.
	ServerAddr string

	// Transport dials the relay. Required.
	Transport   transport.Transport
	DialOptions transport.DialOptions

	// Token and ClientID are presented in the Auth frame. ClientID
	// defaults to a random UUID, fixed for the lifetime of the Config.
	Token    string
	ClientID string

	Tunnels []TunnelConfig

	// HandshakeTimeout bounds the transport handshake plus Auth exchange.
	HandshakeTimeout time.Duration

	// DialTimeout bounds each dial of a tunnel's local address.
	DialTimeout time.Duration

	// IdleTimeout closes forwarded connections with no traffic.
	IdleTimeout time.Duration

	WindowSize uint32
	MaxPayload int

	// Heartbeat configures the liveness monitor. A zero Interval adopts
	// the interval the relay announces.
	Heartbeat liveness.Config

	Reconnect ReconnectConfig

	// OnEvent receives lifecycle events. It must not block.
	OnEvent func(Event)

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// withDefaults validates cfg and fills in defaults.
func (c Config) withDefaults() (Config, error) {
	if c.Transport == nil {
		return c, fmt.Errorf("transport is required")
	}
	if c.ServerAddr == "" {
		return c, fmt.Errorf("server address is required")
	}
	if c.Token == "" {
		return c, fmt.Errorf("token is required")
	}
	if c.ClientID == "" {
		c.ClientID = uuid.NewString()
	}

	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WindowSize == 0 {
		c.WindowSize = protocol.DefaultWindowSize
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = protocol.DefaultMaxPayloadSize
	}

	def := DefaultReconnectConfig()
	if c.Reconnect == (ReconnectConfig{}) {
		c.Reconnect = def
	}
	if c.Reconnect.InitialDelay <= 0 {
		c.Reconnect.InitialDelay = def.InitialDelay
	}
	if c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		c.Reconnect.MaxDelay = def.MaxDelay
		if c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
			c.Reconnect.MaxDelay = c.Reconnect.InitialDelay
		}
	}
	if c.Reconnect.Multiplier <= 1 {
		c.Reconnect.Multiplier = def.Multiplier
	}
	if c.Reconnect.Jitter < 0 {
		c.Reconnect.Jitter = 0
	}

	tunnels := make([]TunnelConfig, len(c.Tunnels))
	seen := make(map[string]bool, len(c.Tunnels))
	for i, t := range c.Tunnels {
		if t.Name == "" {
			t.Name = fmt.Sprintf("tunnel-%d", i+1)
		}
		if t.Protocol == "" {
			t.Protocol = protocol.ProtocolTCP
		}
		if t.LocalAddr == "" {
			return c, fmt.Errorf("tunnel %q: local address is required", t.Name)
		}
		if seen[t.Name] {
			return c, fmt.Errorf("duplicate tunnel name %q", t.Name)
		}
		seen[t.Name] = true
		tunnels[i] = t
	}
	c.Tunnels = tunnels
	return c, nil
}
