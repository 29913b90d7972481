// Package protocol defines the wire protocol spoken between a relay and its agents.
package protocol

// Frame kind constants
const (
	// Stream frames
	KindOpen         uint8 = 0x01 // Relay asks agent to open a stream for a tunnel
	KindOpenAck      uint8 = 0x02 // Agent accepted the stream
	KindData         uint8 = 0x03 // Stream payload; empty payload means FIN
	KindWindowUpdate uint8 = 0x04 // Receive credit replenishment
	KindClose        uint8 = 0x05 // Stream closed or rejected

	// Liveness frames
	KindPing uint8 = 0x10
	KindPong uint8 = 0x11

	// Session frames
	KindAuth       uint8 = 0x20 // Agent credentials
	KindAuthResult uint8 = 0x21 // Relay verdict

	// Tunnel frames
	KindTunnelRegister   uint8 = 0x30 // Agent publishes a tunnel
	KindTunnelRegistered uint8 = 0x31 // Relay bound a public port
	KindTunnelError      uint8 = 0x32 // Relay refused or lost a tunnel
	KindTunnelUnregister uint8 = 0x33 // Agent withdraws a tunnel
)

// Error codes carried in AuthResult, TunnelError and Close payloads
const (
	CodeNone                    uint16 = 0
	CodeInvalidToken            uint16 = 1
	CodeTooManyClients          uint16 = 2
	CodeInvalidClientID         uint16 = 3
	CodeProtocolVersionMismatch uint16 = 4
	CodePortInUse               uint16 = 10
	CodeLimitExceeded           uint16 = 11
	CodeInvalidProtocol         uint16 = 12
	CodePortNotAllowed          uint16 = 13
	CodeTunnelNotFound          uint16 = 14
	CodeDialFailed              uint16 = 20
	CodeOpenTimeout             uint16 = 21
	CodeStreamLimit             uint16 = 22
	CodeFlowControl             uint16 = 23
	CodeSessionClosed           uint16 = 30
	CodeProtocol                uint16 = 31
	CodeInternal                uint16 = 32
)

// Tunnel protocols
const (
	ProtocolTCP = "tcp"
)

// Protocol constants
const (
	// ProtocolVersion is the current protocol version
	ProtocolVersion uint16 = 1

	// HeaderSize is the size of a frame header in bytes
	HeaderSize = 9

	// DefaultMaxPayloadSize bounds the payload of a single frame (64 KiB)
	DefaultMaxPayloadSize = 64 * 1024

	// MaxDataChunk is the largest Data payload a sender emits in one frame.
	// Smaller than the payload limit so streams interleave at a fine grain.
	MaxDataChunk = 16 * 1024

	// DefaultWindowSize is the default per-stream receive window (256 KiB)
	DefaultWindowSize = 256 * 1024

	// ControlStreamID is reserved for control messages
	ControlStreamID uint32 = 0
)

// KindName returns a human-readable name for a frame kind.
func KindName(k uint8) string {
	switch k {
	case KindOpen:
		return "OPEN"
	case KindOpenAck:
		return "OPEN_ACK"
	case KindData:
		return "DATA"
	case KindWindowUpdate:
		return "WINDOW_UPDATE"
	case KindClose:
		return "CLOSE"
	case KindPing:
		return "PING"
	case KindPong:
		return "PONG"
	case KindAuth:
		return "AUTH"
	case KindAuthResult:
		return "AUTH_RESULT"
	case KindTunnelRegister:
		return "TUNNEL_REGISTER"
	case KindTunnelRegistered:
		return "TUNNEL_REGISTERED"
	case KindTunnelError:
		return "TUNNEL_ERROR"
	case KindTunnelUnregister:
		return "TUNNEL_UNREGISTER"
	default:
		return "UNKNOWN"
	}
}

// CodeName returns a human-readable name for an error code.
func CodeName(code uint16) string {
	switch code {
	case CodeNone:
		return "NONE"
	case CodeInvalidToken:
		return "INVALID_TOKEN"
	case CodeTooManyClients:
		return "TOO_MANY_CLIENTS"
	case CodeInvalidClientID:
		return "INVALID_CLIENT_ID"
	case CodeProtocolVersionMismatch:
		return "PROTOCOL_VERSION_MISMATCH"
	case CodePortInUse:
		return "PORT_IN_USE"
	case CodeLimitExceeded:
		return "LIMIT_EXCEEDED"
	case CodeInvalidProtocol:
		return "INVALID_PROTOCOL"
	case CodePortNotAllowed:
		return "PORT_NOT_ALLOWED"
	case CodeTunnelNotFound:
		return "TUNNEL_NOT_FOUND"
	case CodeDialFailed:
		return "DIAL_FAILED"
	case CodeOpenTimeout:
		return "OPEN_TIMEOUT"
	case CodeStreamLimit:
		return "STREAM_LIMIT"
	case CodeFlowControl:
		return "FLOW_CONTROL"
	case CodeSessionClosed:
		return "SESSION_CLOSED"
	case CodeProtocol:
		return "PROTOCOL_ERROR"
	case CodeInternal:
		return "INTERNAL_ERROR"
	default:
		return "UNKNOWN"
	}
}

// IsKnownKind reports whether k is a frame kind this version understands.
func IsKnownKind(k uint8) bool {
	return KindName(k) != "UNKNOWN"
}

// IsStreamKind returns true for kinds that concern a single logical stream.
func IsStreamKind(k uint8) bool {
	return k >= KindOpen && k <= KindClose
}

// IsTunnelKind returns true for tunnel lifecycle kinds.
func IsTunnelKind(k uint8) bool {
	return k >= KindTunnelRegister && k <= KindTunnelUnregister
}
