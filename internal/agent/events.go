package agent

import (
	"fmt"
	"time"

	"github.com/postalsys/muti-relay/internal/protocol"
)

// State is the connection state of an agent.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateRegistering
	StateConnected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateRegistering:
		return "registering"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	for st := StateDisconnected; st <= StateConnected; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// EventType identifies a lifecycle event.
type EventType int

const (
	// EventStateChanged is emitted on every state transition.
	EventStateChanged EventType = iota + 1

	// EventConnected follows a successful Auth exchange.
	EventConnected

	// EventTunnelRegistered carries a tunnel's public port.
	EventTunnelRegistered

	// EventTunnelFailed reports a refused registration or a tunnel the
	// relay withdrew.
	EventTunnelFailed

	// EventDisconnected ends a session. Err holds the cause.
	EventDisconnected

	// EventReconnecting announces the wait before the next attempt.
	EventReconnecting
)

// String returns the event name.
func (t EventType) String() string {
	switch t {
	case EventStateChanged:
		return "state_changed"
	case EventConnected:
		return "connected"
	case EventTunnelRegistered:
		return "tunnel_registered"
	case EventTunnelFailed:
		return "tunnel_failed"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is a lifecycle notification.
type Event struct {
	Type  EventType
	Time  time.Time
	State State

	// Tunnel is set for tunnel events.
	Tunnel *TunnelStatus

	// Err is the failure behind Disconnected and Reconnecting events.
	Err error

	// Attempt and Delay describe the next reconnect.
	Attempt int
	Delay   time.Duration
}

// TunnelState is the agent's view of one configured tunnel.
type TunnelState string

const (
	TunnelPending TunnelState = "pending"
	TunnelActive  TunnelState = "active"
	TunnelFailed  TunnelState = "failed"
	TunnelClosed  TunnelState = "closed"
)

// TunnelStatus describes one configured tunnel in the current session.
type TunnelStatus struct {
	Name          string      `json:"name"`
	LocalAddr     string      `json:"local_addr"`
	RequestedPort uint16      `json:"requested_port,omitempty"`
	TunnelID      uint32      `json:"tunnel_id,omitempty"`
	RemotePort    uint16      `json:"remote_port,omitempty"`
	State         TunnelState `json:"state"`
	Code          uint16      `json:"code,omitempty"`
	Message       string      `json:"message,omitempty"`
}

// CodeName returns the name of the tunnel's failure code.
func (t TunnelStatus) CodeName() string {
	return protocol.CodeName(t.Code)
}
