package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/muti-relay/internal/forward"
	"github.com/postalsys/muti-relay/internal/liveness"
	"github.com/postalsys/muti-relay/internal/logging"
	"github.com/postalsys/muti-relay/internal/mux"
	"github.com/postalsys/muti-relay/internal/protocol"
	"github.com/postalsys/muti-relay/internal/recovery"
	"github.com/postalsys/muti-relay/internal/transport"
)

// Session is one connection to the relay: dial, Auth, tunnel
// registration, then serving Opens until the connection ends. A Session
// runs once.
type Session struct {
	cfg    Config
	logger *slog.Logger
	dialer *forward.LocalDialer

	mux     atomic.Pointer[mux.Mux]
	monitor atomic.Pointer[liveness.Monitor]
	ran     atomic.Bool

	mu        sync.Mutex
	state     State
	reached   bool
	tunnels   []*TunnelStatus
	byName    map[string]*TunnelStatus
	byID      map[uint32]*TunnelStatus
	answered  int
	streamCtx context.Context

	streams sync.WaitGroup
}

// NewSession creates a session. Nothing is dialed until Run.
func NewSession(cfg Config) (*Session, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	return newSession(cfg), nil
}

func newSession(cfg Config) *Session {
	s := &Session{
		cfg:    cfg,
		logger: logging.WithComponent(cfg.Logger, "agent").With(logging.KeyClientID, cfg.ClientID),
		dialer: &forward.LocalDialer{Timeout: cfg.DialTimeout},
		byName: make(map[string]*TunnelStatus, len(cfg.Tunnels)),
		byID:   make(map[uint32]*TunnelStatus),
	}
	for _, t := range cfg.Tunnels {
		ts := &TunnelStatus{
			Name:          t.Name,
			LocalAddr:     t.LocalAddr,
			RequestedPort: t.RemotePort,
			State:         TunnelPending,
		}
		s.tunnels = append(s.tunnels, ts)
		s.byName[t.Name] = ts
	}
	return s
}

// Run connects and serves the session until it fails or ctx ends. It
// always returns a non-nil error describing why the session ended.
func (s *Session) Run(ctx context.Context) (err error) {
	if !s.ran.CompareAndSwap(false, true) {
		return fmt.Errorf("session already ran")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer func() {
		s.closeTunnels()
		s.setState(StateDisconnected)
		s.emit(Event{Type: EventDisconnected, Err: err})
	}()

	s.setState(StateConnecting)
	conn, err := s.cfg.Transport.Dial(ctx, s.cfg.ServerAddr, s.cfg.DialOptions)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.cfg.ServerAddr, err)
	}
	defer conn.Close()

	s.setState(StateAuthenticating)
	reader, result, err := s.authenticate(ctx, conn)
	if err != nil {
		return err
	}

	s.logger.Info("authenticated",
		logging.KeyAddress, s.cfg.ServerAddr,
		logging.KeyTransport, conn.TransportType(),
		"server_version", result.ServerVersion)

	hb := s.cfg.Heartbeat
	if hb.Interval <= 0 && result.HeartbeatMillis > 0 {
		hb.Interval = time.Duration(result.HeartbeatMillis) * time.Millisecond
	}
	hb.Logger = s.logger
	hb.OnRTT = s.cfg.Metrics.RecordHeartbeatRTT

	s.mu.Lock()
	s.streamCtx = ctx
	s.mu.Unlock()

	s.setState(StateRegistering)
	m := mux.New(conn, mux.Config{
		Initiator:  true,
		WindowSize: s.cfg.WindowSize,
		MaxPayload: s.cfg.MaxPayload,
		Reader:     reader,
		OnControl:  s.handleControl,
		OnOpen:     s.handleOpen,
		Logger:     s.logger,
	})
	s.mux.Store(m)
	monitor := liveness.New(m, hb)
	s.monitor.Store(monitor)

	s.cfg.Metrics.SetAgentConnected(true)
	defer s.cfg.Metrics.SetAgentConnected(false)
	s.emit(Event{Type: EventConnected})

	s.registerAll(m)

	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		monitor.Run(ctx)
	}()

	select {
	case <-m.Done():
		err = m.Err()
		if errors.Is(err, mux.ErrSessionClosed) {
			err = fmt.Errorf("relay closed the session: %w", err)
		}
	case <-monitor.Dead():
		err = liveness.ErrDead
	case <-ctx.Done():
		err = ctx.Err()
	}

	cancel()
	m.Close()
	m.Wait()
	<-monitorDone
	s.streams.Wait()

	s.logger.Info("session ended", logging.KeyError, err)
	return err
}

// authenticate performs the Auth exchange. The returned reader continues
// the connection's frame stream.
func (s *Session) authenticate(ctx context.Context, conn transport.Conn) (*protocol.FrameReader, *protocol.AuthResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	// A blocked read only returns once the connection is closed.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	fail := func(err error) error {
		if ctx.Err() != nil {
			return fmt.Errorf("handshake: %w", ctx.Err())
		}
		return err
	}

	if err := conn.Handshake(ctx); err != nil {
		return nil, nil, fail(fmt.Errorf("transport handshake: %w", err))
	}

	reader := protocol.NewFrameReader(conn, s.cfg.MaxPayload)
	writer := protocol.NewFrameWriter(conn, s.cfg.MaxPayload)

	if err := writer.Write(protocol.ControlFrame(protocol.KindAuth, &protocol.Auth{
		Version:  protocol.ProtocolVersion,
		Token:    s.cfg.Token,
		ClientID: s.cfg.ClientID,
	})); err != nil {
		return nil, nil, fail(fmt.Errorf("send AUTH: %w", err))
	}

	frame, err := reader.Read()
	if err != nil {
		return nil, nil, fail(fmt.Errorf("read AUTH_RESULT: %w", err))
	}
	if frame.Kind != protocol.KindAuthResult || frame.StreamID != protocol.ControlStreamID {
		return nil, nil, fmt.Errorf("%w: expected AUTH_RESULT, got %s", mux.ErrProtocol, protocol.KindName(frame.Kind))
	}

	result, err := protocol.DecodeAuthResult(frame.Payload)
	if err != nil {
		return nil, nil, err
	}
	if !result.OK {
		return nil, nil, &AuthError{Code: result.Code, Reason: result.Reason}
	}

	if !stop() {
		return nil, nil, fail(errors.New("connection closed during handshake"))
	}
	return reader, result, nil
}

// registerAll publishes every configured tunnel. Outcomes arrive on the
// read loop and are independent of each other.
func (s *Session) registerAll(m *mux.Mux) {
	s.mu.Lock()
	regs := make([]*protocol.TunnelRegister, 0, len(s.cfg.Tunnels))
	for _, t := range s.cfg.Tunnels {
		regs = append(regs, &protocol.TunnelRegister{
			Name:       t.Name,
			LocalAddr:  t.LocalAddr,
			RemotePort: t.RemotePort,
			Protocol:   t.Protocol,
		})
	}
	s.mu.Unlock()

	for _, r := range regs {
		if err := m.SendControl(protocol.ControlFrame(protocol.KindTunnelRegister, r)); err != nil {
			return
		}
	}
	s.checkRegistered()
}

// handleControl runs on the mux read loop.
func (s *Session) handleControl(f *protocol.Frame) error {
	switch f.Kind {
	case protocol.KindPing:
		hb, err := protocol.DecodeHeartbeat(f.Payload)
		if err != nil {
			return err
		}
		if m := s.mux.Load(); m != nil {
			return m.SendControl(liveness.Pong(hb))
		}
		return nil

	case protocol.KindPong:
		hb, err := protocol.DecodeHeartbeat(f.Payload)
		if err != nil {
			return err
		}
		if mon := s.monitor.Load(); mon != nil {
			mon.HandlePong(hb)
		}
		return nil

	case protocol.KindTunnelRegistered:
		msg, err := protocol.DecodeTunnelRegistered(f.Payload)
		if err != nil {
			return err
		}
		s.tunnelRegistered(msg)
		return nil

	case protocol.KindTunnelError:
		msg, err := protocol.DecodeTunnelError(f.Payload)
		if err != nil {
			return err
		}
		s.tunnelError(msg)
		return nil

	default:
		return fmt.Errorf("%w: unexpected %s from relay", mux.ErrProtocol, protocol.KindName(f.Kind))
	}
}

func (s *Session) tunnelRegistered(msg *protocol.TunnelRegistered) {
	s.mu.Lock()
	t := s.byName[msg.Name]
	if t == nil || t.State != TunnelPending {
		s.mu.Unlock()
		s.logger.Warn("unexpected tunnel registration",
			logging.KeyTunnelID, msg.TunnelID,
			logging.KeyTunnel, msg.Name)
		return
	}
	t.TunnelID = msg.TunnelID
	t.RemotePort = msg.RemotePort
	t.State = TunnelActive
	s.byID[msg.TunnelID] = t
	s.answered++
	status := *t
	s.mu.Unlock()

	s.logger.Info("tunnel registered",
		logging.KeyTunnel, status.Name,
		logging.KeyTunnelID, status.TunnelID,
		logging.KeyPort, status.RemotePort,
		logging.KeyLocalAddr, status.LocalAddr)
	s.emit(Event{Type: EventTunnelRegistered, Tunnel: &status})
	s.checkRegistered()
}

func (s *Session) tunnelError(msg *protocol.TunnelError) {
	s.mu.Lock()
	var t *TunnelStatus
	if msg.TunnelID != 0 {
		// The relay withdrew or refused to withdraw an established tunnel.
		t = s.byID[msg.TunnelID]
		delete(s.byID, msg.TunnelID)
	} else if c := s.byName[msg.Name]; c != nil && c.State == TunnelPending {
		t = c
		s.answered++
	}
	if t == nil {
		s.mu.Unlock()
		s.logger.Debug("tunnel error for unknown tunnel",
			logging.KeyTunnelID, msg.TunnelID,
			logging.KeyTunnel, msg.Name,
			logging.KeyCode, protocol.CodeName(msg.Code))
		return
	}
	t.State = TunnelFailed
	t.Code = msg.Code
	t.Message = msg.Message
	status := *t
	s.mu.Unlock()

	s.logger.Warn("tunnel failed",
		logging.KeyTunnel, status.Name,
		logging.KeyCode, protocol.CodeName(msg.Code),
		logging.KeyError, msg.Message)
	s.emit(Event{Type: EventTunnelFailed, Tunnel: &status})
	s.checkRegistered()
}

// checkRegistered moves to Connected once every tunnel has an answer.
func (s *Session) checkRegistered() {
	s.mu.Lock()
	done := s.state == StateRegistering && s.answered >= len(s.tunnels)
	if done {
		s.reached = true
	}
	s.mu.Unlock()

	if done {
		s.setState(StateConnected)
	}
}

// handleOpen runs on the mux read loop; the local dial happens on the
// stream's own goroutine.
func (s *Session) handleOpen(st *mux.Stream, open *protocol.Open) {
	s.mu.Lock()
	t := s.byID[open.TunnelID]
	var addr, name string
	if t != nil && t.State == TunnelActive {
		addr, name = t.LocalAddr, t.Name
	}
	ctx := s.streamCtx
	s.mu.Unlock()

	if addr == "" {
		st.Reject(protocol.CodeTunnelNotFound, "unknown tunnel")
		return
	}

	s.streams.Add(1)
	go s.serveStream(ctx, st, open, addr, name)
}

// serveStream dials the tunnel's local service once. A failed dial is
// reported to the relay and never retried.
func (s *Session) serveStream(ctx context.Context, st *mux.Stream, open *protocol.Open, addr, name string) {
	defer s.streams.Done()
	defer recovery.RecoverWithLog(s.logger, "agent.Session.serveStream")

	start := time.Now()
	local, err := s.dialer.Dial(ctx, addr)
	if err != nil {
		reason := err.Error()
		var derr *forward.DialError
		if errors.As(err, &derr) {
			reason = derr.Reason
		}
		st.Reject(protocol.CodeDialFailed, reason)
		s.cfg.Metrics.RecordStreamError(protocol.CodeName(protocol.CodeDialFailed))
		s.logger.Debug("local dial failed",
			logging.KeyTunnel, name,
			logging.KeyStreamID, st.ID(),
			logging.KeyLocalAddr, addr,
			logging.KeyError, err)
		return
	}

	if err := st.Accept(); err != nil {
		local.Close()
		return
	}
	s.cfg.Metrics.RecordStreamOpen(time.Since(start))

	stats := forward.Pipe(ctx, st, local, forward.PipeConfig{IdleTimeout: s.cfg.IdleTimeout})
	s.cfg.Metrics.RecordStreamClose(stats.AToB, stats.BToA)

	s.logger.Debug("stream closed",
		logging.KeyTunnel, name,
		logging.KeyStreamID, st.ID(),
		logging.KeyRemoteAddr, open.ClientAddr,
		"in", stats.AToB,
		"out", stats.BToA,
		logging.KeyDuration, stats.Duration)
}

// Unregister withdraws an active tunnel for the rest of the session.
func (s *Session) Unregister(name string) error {
	m := s.mux.Load()
	if m == nil {
		return ErrNotConnected
	}

	s.mu.Lock()
	t := s.byName[name]
	if t == nil || t.State != TunnelActive {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownTunnel, name)
	}
	id := t.TunnelID
	delete(s.byID, id)
	t.State = TunnelClosed
	s.mu.Unlock()

	return m.SendControl(protocol.ControlFrame(protocol.KindTunnelUnregister, &protocol.TunnelUnregister{TunnelID: id}))
}

// closeTunnels marks every tunnel closed once the session is gone.
func (s *Session) closeTunnels() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tunnels {
		if t.State == TunnelActive || t.State == TunnelPending {
			t.State = TunnelClosed
		}
	}
	s.byID = make(map[uint32]*TunnelStatus)
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()

	s.emit(Event{Type: EventStateChanged, State: state})
}

func (s *Session) emit(ev Event) {
	if s.cfg.OnEvent == nil {
		return
	}
	ev.Time = time.Now()
	if ev.Type != EventStateChanged {
		ev.State = s.State()
	}
	s.cfg.OnEvent(ev)
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Established reports whether the session reached Connected.
func (s *Session) Established() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reached
}

// Tunnels returns the status of every configured tunnel, in config order.
func (s *Session) Tunnels() []TunnelStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TunnelStatus, len(s.tunnels))
	for i, t := range s.tunnels {
		out[i] = *t
	}
	return out
}

// NumStreams returns the number of open streams.
func (s *Session) NumStreams() int {
	if m := s.mux.Load(); m != nil {
		return m.NumStreams()
	}
	return 0
}

// RTT returns the last measured heartbeat round trip.
func (s *Session) RTT() time.Duration {
	if mon := s.monitor.Load(); mon != nil {
		return mon.RTT()
	}
	return 0
}
