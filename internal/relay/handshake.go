package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/postalsys/muti-relay/internal/auth"
	"github.com/postalsys/muti-relay/internal/protocol"
	"github.com/postalsys/muti-relay/internal/transport"
)

// HandshakeError is a rejected handshake. Code is the value sent in the
// AuthResult.
type HandshakeError struct {
	Code uint16
	Err  error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake rejected (%s): %v", protocol.CodeName(e.Code), e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// handshakeResult is an accepted agent.
type handshakeResult struct {
	lease  *auth.Lease
	reader *protocol.FrameReader
}

// handshake completes the transport handshake, reads the agent's Auth
// frame and answers it with exactly one AuthResult. On success the
// returned reader continues the connection's frame stream.
func (s *Server) handshake(ctx context.Context, conn transport.Conn) (*handshakeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	if err := conn.Handshake(ctx); err != nil {
		return nil, fmt.Errorf("transport handshake: %w", err)
	}

	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	reader := protocol.NewFrameReader(conn, s.cfg.MaxPayload)
	writer := protocol.NewFrameWriter(conn, s.cfg.MaxPayload)

	frame, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read AUTH: %w", err)
	}

	lease, err := s.authenticate(ctx, frame)
	if err != nil {
		var herr *HandshakeError
		if !errors.As(err, &herr) {
			herr = &HandshakeError{Code: protocol.CodeInternal, Err: err}
		}
		s.cfg.Metrics.RecordAuthFailure(protocol.CodeName(herr.Code))
		_ = writer.Write(protocol.ControlFrame(protocol.KindAuthResult, &protocol.AuthResult{
			Code:          herr.Code,
			Reason:        protocol.CodeName(herr.Code),
			ServerVersion: s.cfg.Version,
		}))
		return nil, herr
	}

	result := &protocol.AuthResult{
		OK:              true,
		ServerVersion:   s.cfg.Version,
		HeartbeatMillis: uint32(s.cfg.Heartbeat.Interval / time.Millisecond),
	}
	if err := writer.Write(protocol.ControlFrame(protocol.KindAuthResult, result)); err != nil {
		lease.Release()
		return nil, fmt.Errorf("send AUTH_RESULT: %w", err)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		lease.Release()
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	return &handshakeResult{lease: lease, reader: reader}, nil
}

// authenticate validates the first frame of a session.
func (s *Server) authenticate(ctx context.Context, frame *protocol.Frame) (*auth.Lease, error) {
	if frame.Kind != protocol.KindAuth || frame.StreamID != protocol.ControlStreamID {
		return nil, &HandshakeError{
			Code: protocol.CodeProtocol,
			Err:  fmt.Errorf("expected AUTH, got %s on stream %d", protocol.KindName(frame.Kind), frame.StreamID),
		}
	}

	msg, err := protocol.DecodeAuth(frame.Payload)
	if err != nil {
		return nil, &HandshakeError{Code: protocol.CodeProtocol, Err: err}
	}

	if msg.Version != protocol.ProtocolVersion {
		return nil, &HandshakeError{
			Code: protocol.CodeProtocolVersionMismatch,
			Err:  fmt.Errorf("agent speaks version %d, relay speaks %d", msg.Version, protocol.ProtocolVersion),
		}
	}

	lease, err := s.cfg.Authenticator.Authenticate(ctx, msg.Token, msg.ClientID)
	if err != nil {
		return nil, &HandshakeError{Code: auth.ErrorCode(err), Err: err}
	}

	if limit := s.cfg.MaxSessions; limit > 0 && s.numSessions() >= limit {
		lease.Release()
		return nil, &HandshakeError{
			Code: protocol.CodeTooManyClients,
			Err:  fmt.Errorf("relay is at its limit of %d sessions", limit),
		}
	}
	return lease, nil
}
