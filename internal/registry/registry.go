// Package registry is the relay's single authority over sessions, tunnels,
// public port allocation and per-tunnel stream counts.
//
// Every mutation goes through Registry methods under one lock. Sessions and
// tunnels refer to each other by integer ID only; callers receive copies.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/postalsys/muti-relay/internal/logging"
	"github.com/postalsys/muti-relay/internal/protocol"
)

var (
	// ErrPortInUse is returned when the requested port is taken or the range is exhausted
	ErrPortInUse = errors.New("port in use")

	// ErrLimitExceeded is returned when a session already owns its maximum number of tunnels
	ErrLimitExceeded = errors.New("tunnel limit exceeded")

	// ErrInvalidProtocol is returned for tunnel protocols other than tcp
	ErrInvalidProtocol = errors.New("invalid protocol")

	// ErrPortNotAllowed is returned when a fixed port is requested but not permitted
	ErrPortNotAllowed = errors.New("port not allowed")

	// ErrSessionNotFound is returned for unknown or removed sessions
	ErrSessionNotFound = errors.New("session not found")

	// ErrTunnelNotFound is returned for unknown tunnels and tunnels that are not active
	ErrTunnelNotFound = errors.New("tunnel not found")

	// ErrStreamLimit is returned when a tunnel is at its connection cap
	ErrStreamLimit = errors.New("stream limit reached")
)

// ErrorCode maps a registry error to its wire code.
func ErrorCode(err error) uint16 {
	switch {
	case err == nil:
		return protocol.CodeNone
	case errors.Is(err, ErrPortInUse):
		return protocol.CodePortInUse
	case errors.Is(err, ErrLimitExceeded):
		return protocol.CodeLimitExceeded
	case errors.Is(err, ErrInvalidProtocol):
		return protocol.CodeInvalidProtocol
	case errors.Is(err, ErrPortNotAllowed):
		return protocol.CodePortNotAllowed
	case errors.Is(err, ErrTunnelNotFound):
		return protocol.CodeTunnelNotFound
	case errors.Is(err, ErrStreamLimit):
		return protocol.CodeStreamLimit
	case errors.Is(err, ErrSessionNotFound):
		return protocol.CodeSessionClosed
	default:
		return protocol.CodeInternal
	}
}

// TunnelState is the lifecycle state of a tunnel.
type TunnelState int

const (
	TunnelPending TunnelState = iota // port reserved, listener not bound yet
	TunnelActive
	TunnelClosing // listener removed, streams draining
	TunnelClosed
)

// String returns a human-readable state name.
func (s TunnelState) String() string {
	switch s {
	case TunnelPending:
		return "pending"
	case TunnelActive:
		return "active"
	case TunnelClosing:
		return "closing"
	case TunnelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON.
func (s TunnelState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *TunnelState) UnmarshalText(text []byte) error {
	for st := TunnelPending; st <= TunnelClosed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown tunnel state %q", text)
}

// PortRange is an inclusive range of public ports.
type PortRange struct {
	Min uint16
	Max uint16
}

// Contains reports whether port lies in the range.
func (r PortRange) Contains(port uint16) bool {
	return port >= r.Min && port <= r.Max
}

// Size returns the number of ports in the range.
func (r PortRange) Size() int {
	if r.Max < r.Min {
		return 0
	}
	return int(r.Max) - int(r.Min) + 1
}

func (r PortRange) String() string {
	return fmt.Sprintf("%d-%d", r.Min, r.Max)
}

// Config configures a Registry.
type Config struct {
	// Ports is the range public ports are allocated from.
	Ports PortRange

	// AllowFixedPorts lets agents request a specific port in range.
	AllowFixedPorts bool

	// BusyCooldown keeps a port out of allocation after the OS refused to
	// bind it.
	BusyCooldown time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Ports:           PortRange{Min: 8000, Max: 9000},
		AllowFixedPorts: true,
		BusyCooldown:    time.Minute,
	}
}

// SessionInfo describes an authenticated session.
type SessionInfo struct {
	ClientID   string
	TokenName  string
	RemoteAddr string
	Transport  string

	// MaxTunnels caps tunnels owned by the session (0 = unlimited).
	MaxTunnels int

	// MaxStreamsPerTunnel caps concurrent streams per tunnel (0 = unlimited).
	MaxStreamsPerTunnel int
}

// Spec is a tunnel registration request.
type Spec struct {
	Name       string
	Protocol   string
	LocalAddr  string
	RemotePort uint16 // 0 = any port
}

// Tunnel is a copy of a tunnel's registry entry.
type Tunnel struct {
	ID            uint32      `json:"id"`
	SessionID     uint64      `json:"session_id"`
	ClientID      string      `json:"client_id"`
	Name          string      `json:"name,omitempty"`
	Protocol      string      `json:"protocol"`
	LocalAddr     string      `json:"local_addr"`
	RequestedPort uint16      `json:"requested_port,omitempty"`
	Port          uint16      `json:"port"`
	State         TunnelState `json:"state"`
	CreatedAt     time.Time   `json:"created_at"`
	Streams       int         `json:"streams"`
	MaxStreams    int         `json:"max_streams,omitempty"`
	TotalStreams  uint64      `json:"total_streams"`
	Rejected      uint64      `json:"rejected_streams"`
}

type session struct {
	id            uint64
	info          SessionInfo
	establishedAt time.Time
	lastHeartbeat time.Time
	tunnels       map[uint32]struct{}
}

// Registry tracks sessions, tunnels and port ownership relay-wide.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	nextSession uint64
	nextTunnel  uint32
	sessions    map[uint64]*session
	tunnels     map[uint32]*Tunnel
	ports       map[uint16]uint32 // port -> owning tunnel
	busyUntil   map[uint16]time.Time
	now         func() time.Time
}

// New creates a Registry.
func New(cfg Config) *Registry {
	if cfg.Ports.Size() == 0 {
		cfg.Ports = DefaultConfig().Ports
	}
	return &Registry{
		cfg:       cfg,
		logger:    logging.WithComponent(cfg.Logger, "registry"),
		sessions:  make(map[uint64]*session),
		tunnels:   make(map[uint32]*Tunnel),
		ports:     make(map[uint16]uint32),
		busyUntil: make(map[uint16]time.Time),
		now:       time.Now,
	}
}

// AddSession records an authenticated session and returns its ID.
func (r *Registry) AddSession(info SessionInfo) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextSession++
	now := r.now()
	r.sessions[r.nextSession] = &session{
		id:            r.nextSession,
		info:          info,
		establishedAt: now,
		lastHeartbeat: now,
		tunnels:       make(map[uint32]struct{}),
	}
	return r.nextSession
}

// RemoveSession forgets a session and moves all of its tunnels to
// Closing. It returns those tunnels so the caller can stop their
// listeners and then call Remove. A second call returns nil.
func (r *Registry) RemoveSession(id uint64) []Tunnel {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	delete(r.sessions, id)

	closing := make([]Tunnel, 0, len(s.tunnels))
	for tid := range s.tunnels {
		t := r.tunnels[tid]
		if t == nil {
			continue
		}
		if t.State == TunnelPending || t.State == TunnelActive {
			t.State = TunnelClosing
		}
		closing = append(closing, *t)
	}
	sort.Slice(closing, func(i, j int) bool { return closing[i].ID < closing[j].ID })
	return closing
}

// Touch records a heartbeat for the session.
func (r *Registry) Touch(sessionID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		s.lastHeartbeat = r.now()
	}
}

// Register reserves a port for a new tunnel owned by sessionID. The
// tunnel starts Pending; call Activate once its listener is bound or
// Reject if binding failed.
func (r *Registry) Register(sessionID uint64, spec Spec) (Tunnel, error) {
	if spec.Protocol == "" {
		spec.Protocol = protocol.ProtocolTCP
	}
	if spec.Protocol != protocol.ProtocolTCP {
		return Tunnel{}, fmt.Errorf("%w: %q", ErrInvalidProtocol, spec.Protocol)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return Tunnel{}, ErrSessionNotFound
	}
	if max := s.info.MaxTunnels; max > 0 && len(s.tunnels) >= max {
		return Tunnel{}, fmt.Errorf("%w: session owns %d of %d", ErrLimitExceeded, len(s.tunnels), max)
	}

	port, err := r.allocateLocked(spec.RemotePort)
	if err != nil {
		return Tunnel{}, err
	}

	r.nextTunnel++
	t := &Tunnel{
		ID:            r.nextTunnel,
		SessionID:     sessionID,
		ClientID:      s.info.ClientID,
		Name:          spec.Name,
		Protocol:      spec.Protocol,
		LocalAddr:     spec.LocalAddr,
		RequestedPort: spec.RemotePort,
		Port:          port,
		State:         TunnelPending,
		CreatedAt:     r.now(),
		MaxStreams:    s.info.MaxStreamsPerTunnel,
	}
	r.tunnels[t.ID] = t
	r.ports[port] = t.ID
	s.tunnels[t.ID] = struct{}{}

	r.logger.Debug("tunnel registered",
		logging.KeyTunnelID, t.ID,
		logging.KeyClientID, t.ClientID,
		logging.KeyPort, port)
	return *t, nil
}

// allocateLocked picks the requested port, or the lowest free port in
// range when none was requested.
func (r *Registry) allocateLocked(requested uint16) (uint16, error) {
	if requested != 0 {
		if !r.cfg.AllowFixedPorts {
			return 0, fmt.Errorf("%w: fixed ports are disabled", ErrPortNotAllowed)
		}
		if !r.cfg.Ports.Contains(requested) {
			return 0, fmt.Errorf("%w: %d outside %s", ErrPortNotAllowed, requested, r.cfg.Ports)
		}
		if !r.portFreeLocked(requested) {
			return 0, fmt.Errorf("%w: %d", ErrPortInUse, requested)
		}
		return requested, nil
	}

	for p := int(r.cfg.Ports.Min); p <= int(r.cfg.Ports.Max); p++ {
		if r.portFreeLocked(uint16(p)) {
			return uint16(p), nil
		}
	}
	return 0, fmt.Errorf("%w: no free port in %s", ErrPortInUse, r.cfg.Ports)
}

func (r *Registry) portFreeLocked(port uint16) bool {
	if _, taken := r.ports[port]; taken {
		return false
	}
	if until, busy := r.busyUntil[port]; busy {
		if r.now().Before(until) {
			return false
		}
		delete(r.busyUntil, port)
	}
	return true
}

// Activate marks a Pending tunnel Active.
func (r *Registry) Activate(tunnelID uint32) (Tunnel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tunnels[tunnelID]
	if !ok || t.State != TunnelPending {
		return Tunnel{}, ErrTunnelNotFound
	}
	t.State = TunnelActive
	return *t, nil
}

// Reject drops a Pending tunnel whose port could not be bound. A port
// chosen from the range is kept out of allocation for the busy cooldown;
// an explicitly requested port may be retried at once.
func (r *Registry) Reject(tunnelID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tunnels[tunnelID]
	if !ok {
		return
	}
	if r.cfg.BusyCooldown > 0 && t.RequestedPort == 0 {
		r.busyUntil[t.Port] = r.now().Add(r.cfg.BusyCooldown)
	}
	r.removeLocked(t)
}

// Unregister moves a tunnel owned by sessionID to Closing. New streams are
// refused from then on; call Remove once its listener is stopped.
func (r *Registry) Unregister(sessionID uint64, tunnelID uint32) (Tunnel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tunnels[tunnelID]
	if !ok || t.SessionID != sessionID || t.State == TunnelClosing {
		return Tunnel{}, ErrTunnelNotFound
	}
	t.State = TunnelClosing
	return *t, nil
}

// Remove deletes a tunnel and frees its port. It is idempotent.
func (r *Registry) Remove(tunnelID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.tunnels[tunnelID]; ok {
		r.removeLocked(t)
	}
}

func (r *Registry) removeLocked(t *Tunnel) {
	t.State = TunnelClosed
	delete(r.tunnels, t.ID)
	if r.ports[t.Port] == t.ID {
		delete(r.ports, t.Port)
	}
	if s, ok := r.sessions[t.SessionID]; ok {
		delete(s.tunnels, t.ID)
	}
}

// AcquireStream claims a stream slot on an Active tunnel.
func (r *Registry) AcquireStream(tunnelID uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tunnels[tunnelID]
	if !ok || t.State != TunnelActive {
		return ErrTunnelNotFound
	}
	if t.MaxStreams > 0 && t.Streams >= t.MaxStreams {
		t.Rejected++
		return fmt.Errorf("%w: %d open", ErrStreamLimit, t.Streams)
	}
	t.Streams++
	t.TotalStreams++
	return nil
}

// ReleaseStream returns a slot claimed by AcquireStream.
func (r *Registry) ReleaseStream(tunnelID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.tunnels[tunnelID]; ok && t.Streams > 0 {
		t.Streams--
	}
}

// Tunnel returns a copy of a tunnel entry.
func (r *Registry) Tunnel(tunnelID uint32) (Tunnel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tunnels[tunnelID]
	if !ok {
		return Tunnel{}, false
	}
	return *t, true
}

// SessionSnapshot is a read-only view of one session.
type SessionSnapshot struct {
	ID            uint64    `json:"id"`
	ClientID      string    `json:"client_id"`
	TokenName     string    `json:"token_name"`
	RemoteAddr    string    `json:"remote_addr"`
	Transport     string    `json:"transport,omitempty"`
	EstablishedAt time.Time `json:"established_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Tunnels       []Tunnel  `json:"tunnels"`
}

// Snapshot is a point-in-time view of the registry.
type Snapshot struct {
	TakenAt     time.Time         `json:"taken_at"`
	PortRange   string            `json:"port_range"`
	PortsInUse  int               `json:"ports_in_use"`
	Sessions    []SessionSnapshot `json:"sessions"`
	TunnelCount int               `json:"tunnel_count"`
	StreamCount int               `json:"stream_count"`
}

// Snapshot returns a consistent copy of all sessions and tunnels, ordered
// by ID.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		TakenAt:    r.now(),
		PortRange:  r.cfg.Ports.String(),
		PortsInUse: len(r.ports),
		Sessions:   make([]SessionSnapshot, 0, len(r.sessions)),
	}
	for _, s := range r.sessions {
		ss := SessionSnapshot{
			ID:            s.id,
			ClientID:      s.info.ClientID,
			TokenName:     s.info.TokenName,
			RemoteAddr:    s.info.RemoteAddr,
			Transport:     s.info.Transport,
			EstablishedAt: s.establishedAt,
			LastHeartbeat: s.lastHeartbeat,
			Tunnels:       make([]Tunnel, 0, len(s.tunnels)),
		}
		for tid := range s.tunnels {
			t := r.tunnels[tid]
			ss.Tunnels = append(ss.Tunnels, *t)
			snap.TunnelCount++
			snap.StreamCount += t.Streams
		}
		sort.Slice(ss.Tunnels, func(i, j int) bool { return ss.Tunnels[i].ID < ss.Tunnels[j].ID })
		snap.Sessions = append(snap.Sessions, ss)
	}
	sort.Slice(snap.Sessions, func(i, j int) bool { return snap.Sessions[i].ID < snap.Sessions[j].ID })
	return snap
}

// Counts returns the number of sessions and tunnels by state.
func (r *Registry) Counts() (sessions int, tunnels map[TunnelState]int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tunnels = make(map[TunnelState]int)
	for _, t := range r.tunnels {
		tunnels[t.State]++
	}
	return len(r.sessions), tunnels
}
