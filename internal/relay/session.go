package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/muti-relay/internal/auth"
	"github.com/postalsys/muti-relay/internal/liveness"
	"github.com/postalsys/muti-relay/internal/logging"
	"github.com/postalsys/muti-relay/internal/mux"
	"github.com/postalsys/muti-relay/internal/protocol"
	"github.com/postalsys/muti-relay/internal/recovery"
	"github.com/postalsys/muti-relay/internal/registry"
	"github.com/postalsys/muti-relay/internal/transport"
)

// tunnelOpQueueSize bounds tunnel requests waiting for the session worker.
// A peer that overruns it is flooding the control stream.
const tunnelOpQueueSize = 64

// maxBindAttempts bounds how many ports a dynamic registration tries
// when the OS refuses to bind the allocated one.
const maxBindAttempts = 5

// Disconnect reasons reported to metrics and logs.
const (
	reasonPeerClosed = "peer_closed"
	reasonHeartbeat  = "heartbeat_timeout"
	reasonProtocol   = "protocol_error"
	reasonTransport  = "transport_error"
	reasonShutdown   = "shutdown"
)

// tunnelOp is a tunnel request decoded on the read loop and handled by
// the session worker.
type tunnelOp struct {
	register   *protocol.TunnelRegister
	unregister *protocol.TunnelUnregister
}

// session is one authenticated agent.
type session struct {
	srv     *Server
	id      uint64
	conn    transport.Conn
	lease   *auth.Lease
	mux     *mux.Mux
	monitor atomic.Pointer[liveness.Monitor]
	logger  *slog.Logger

	// muxReady is closed once mux is set. The read loop may deliver
	// control frames before mux.New returns.
	muxReady chan struct{}

	ops    chan tunnelOp
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	established time.Time
}

// runSession serves an authenticated connection until it ends, then
// releases everything it holds.
func (s *Server) runSession(ctx context.Context, conn transport.Conn, hs *handshakeResult) {
	lease := hs.lease
	sid := s.reg.AddSession(registry.SessionInfo{
		ClientID:            lease.ClientID,
		TokenName:           lease.Record.Name,
		RemoteAddr:          conn.RemoteAddr().String(),
		Transport:           string(conn.TransportType()),
		MaxTunnels:          lease.Record.MaxTunnelsPerClient,
		MaxStreamsPerTunnel: lease.Record.MaxConnectionsPerTunnel,
	})

	sess := &session{
		srv:   s,
		id:    sid,
		conn:  conn,
		lease: lease,
		logger: s.logger.With(
			logging.KeySessionID, sid,
			logging.KeyClientID, lease.ClientID),
		muxReady:    make(chan struct{}),
		ops:         make(chan tunnelOp, tunnelOpQueueSize),
		established: time.Now(),
	}
	sess.ctx, sess.cancel = context.WithCancel(ctx)

	sess.mux = mux.New(conn, mux.Config{
		Initiator:  false,
		WindowSize: s.cfg.WindowSize,
		MaxPayload: s.cfg.MaxPayload,
		Reader:     hs.reader,
		OnControl:  sess.handleControl,
		Logger:     sess.logger,
	})
	close(sess.muxReady)

	hb := s.cfg.Heartbeat
	hb.Logger = sess.logger
	hb.OnRTT = s.cfg.Metrics.RecordHeartbeatRTT
	monitor := liveness.New(sess.mux, hb)
	sess.monitor.Store(monitor)

	s.track(sess)
	defer s.untrack(sess)

	sess.logger.Info("session established",
		logging.KeyRemoteAddr, conn.RemoteAddr().String(),
		logging.KeyTransport, conn.TransportType(),
		"token", lease.Record.Name)

	sess.wg.Add(2)
	go sess.tunnelWorker()
	go func() {
		defer sess.wg.Done()
		monitor.Run(sess.ctx)
	}()

	var reason string
	select {
	case <-sess.mux.Done():
		reason = disconnectReason(sess.mux.Err())
	case <-monitor.Dead():
		reason = reasonHeartbeat
	case <-sess.ctx.Done():
		reason = reasonShutdown
	}
	sess.teardown(reason)
}

// disconnectReason classifies why a mux shut down.
func disconnectReason(err error) string {
	switch {
	case err == nil, errors.Is(err, mux.ErrSessionClosed):
		return reasonPeerClosed
	case errors.Is(err, mux.ErrProtocol), errors.Is(err, protocol.ErrOversize),
		errors.Is(err, protocol.ErrInvalidPayload), errors.Is(err, protocol.ErrUnknownKind),
		errors.Is(err, mux.ErrControlQueueFull):
		return reasonProtocol
	default:
		return reasonTransport
	}
}

// teardown releases the session's tunnels, ports, streams and token slot.
// It runs once, from runSession.
func (sess *session) teardown(reason string) {
	sess.cancel()
	sess.mux.Close()
	sess.wg.Wait()

	tunnels := sess.srv.reg.RemoveSession(sess.id)
	sess.srv.listeners.CloseTunnels(tunnels)
	sess.lease.Release()

	sess.srv.cfg.Metrics.RecordSessionEnd(reason)
	sess.srv.updateTunnelGauge()

	sess.logger.Info("session closed",
		"reason", reason,
		"tunnels", len(tunnels),
		logging.KeyDuration, time.Since(sess.established).Round(time.Millisecond))
}

// handleControl runs on the mux read loop. Tunnel requests are handed to
// the worker so binding a port never stalls stream traffic.
func (sess *session) handleControl(f *protocol.Frame) error {
	switch f.Kind {
	case protocol.KindPing:
		hb, err := protocol.DecodeHeartbeat(f.Payload)
		if err != nil {
			return err
		}
		<-sess.muxReady
		return sess.mux.SendControl(liveness.Pong(hb))

	case protocol.KindPong:
		hb, err := protocol.DecodeHeartbeat(f.Payload)
		if err != nil {
			return err
		}
		if m := sess.monitor.Load(); m != nil {
			m.HandlePong(hb)
		}
		sess.srv.reg.Touch(sess.id)
		return nil

	case protocol.KindTunnelRegister:
		msg, err := protocol.DecodeTunnelRegister(f.Payload)
		if err != nil {
			return err
		}
		return sess.enqueue(tunnelOp{register: msg})

	case protocol.KindTunnelUnregister:
		msg, err := protocol.DecodeTunnelUnregister(f.Payload)
		if err != nil {
			return err
		}
		return sess.enqueue(tunnelOp{unregister: msg})

	default:
		return fmt.Errorf("%w: unexpected %s from agent", mux.ErrProtocol, protocol.KindName(f.Kind))
	}
}

func (sess *session) enqueue(op tunnelOp) error {
	select {
	case sess.ops <- op:
		return nil
	default:
		return fmt.Errorf("%w: too many pending tunnel requests", mux.ErrProtocol)
	}
}

func (sess *session) tunnelWorker() {
	defer sess.wg.Done()
	defer recovery.RecoverWithLog(sess.logger, "relay.session.tunnelWorker")

	for {
		select {
		case <-sess.ctx.Done():
			return
		case op := <-sess.ops:
			switch {
			case op.register != nil:
				sess.register(op.register)
			case op.unregister != nil:
				sess.unregister(op.unregister)
			}
		}
	}
}

// register reserves a port, binds it, and answers with TunnelRegistered
// or TunnelError. Dynamic registrations move on to another port when the
// allocated one turns out to be taken by something outside the relay.
func (sess *session) register(msg *protocol.TunnelRegister) {
	reg := sess.srv.reg
	spec := registry.Spec{
		Name:       msg.Name,
		Protocol:   msg.Protocol,
		LocalAddr:  msg.LocalAddr,
		RemotePort: msg.RemotePort,
	}

	for attempt := 1; ; attempt++ {
		if sess.ctx.Err() != nil {
			return
		}

		t, err := reg.Register(sess.id, spec)
		if err != nil {
			sess.tunnelError(0, registry.ErrorCode(err), err.Error(), msg.Name)
			return
		}

		bindErr := sess.srv.listeners.Open(t, sess.mux, sess.lease.Record.MaxBandwidth)
		if bindErr == nil {
			if _, err := reg.Activate(t.ID); err != nil {
				sess.srv.listeners.Close(t.ID)
				reg.Remove(t.ID)
				sess.tunnelError(0, registry.ErrorCode(err), err.Error(), msg.Name)
				return
			}
			sess.srv.cfg.Metrics.RecordTunnelRegistration("ok")
			sess.srv.updateTunnelGauge()
			sess.send(protocol.KindTunnelRegistered, &protocol.TunnelRegistered{
				TunnelID:   t.ID,
				RemotePort: t.Port,
				Name:       msg.Name,
			})
			return
		}

		reg.Reject(t.ID)
		sess.logger.Warn("public port bind failed",
			logging.KeyPort, t.Port,
			logging.KeyTunnel, msg.Name,
			logging.KeyError, bindErr)

		if msg.RemotePort != 0 || attempt >= maxBindAttempts {
			sess.tunnelError(0, protocol.CodePortInUse, bindErr.Error(), msg.Name)
			return
		}
	}
}

// unregister withdraws one of the session's tunnels at the agent's request.
func (sess *session) unregister(msg *protocol.TunnelUnregister) {
	reg := sess.srv.reg

	t, err := reg.Unregister(sess.id, msg.TunnelID)
	if err != nil {
		sess.tunnelError(msg.TunnelID, registry.ErrorCode(err), err.Error(), "")
		return
	}
	sess.srv.listeners.Close(t.ID)
	reg.Remove(t.ID)
	sess.srv.updateTunnelGauge()

	sess.logger.Info("tunnel unregistered",
		logging.KeyTunnelID, t.ID,
		logging.KeyTunnel, t.Name,
		logging.KeyPort, t.Port)
}

func (sess *session) tunnelError(tunnelID uint32, code uint16, message, name string) {
	sess.srv.cfg.Metrics.RecordTunnelRegistration(protocol.CodeName(code))
	sess.logger.Info("tunnel request refused",
		logging.KeyTunnelID, tunnelID,
		logging.KeyTunnel, name,
		logging.KeyCode, protocol.CodeName(code),
		logging.KeyError, message)
	sess.send(protocol.KindTunnelError, &protocol.TunnelError{
		TunnelID: tunnelID,
		Code:     code,
		Message:  message,
		Name:     name,
	})
}

// send queues a control frame. A closed session drops it; teardown
// follows.
func (sess *session) send(kind uint8, p protocol.Payload) {
	if err := sess.mux.SendControl(protocol.ControlFrame(kind, p)); err != nil {
		sess.logger.Debug("control send failed",
			"kind", protocol.KindName(kind),
			logging.KeyError, err)
	}
}
