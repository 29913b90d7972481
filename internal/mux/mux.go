// Package mux multiplexes many flow-controlled byte streams over one
// ordered transport connection.
//
// Data frames travel on their own stream ID. Every other frame travels on
// the control stream (ID 0). Control frames are written before queued
// data, and streams with queued data take turns one chunk at a time.
package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/muti-relay/internal/logging"
	"github.com/postalsys/muti-relay/internal/protocol"
	"github.com/postalsys/muti-relay/internal/recovery"
)

var (
	// ErrSessionClosed is returned for operations on a closed mux
	ErrSessionClosed = errors.New("session closed")

	// ErrStreamClosed is returned for writes to a stream that can no longer send
	ErrStreamClosed = errors.New("stream closed")

	// ErrOpenRejected is returned when the peer refuses an Open
	ErrOpenRejected = errors.New("stream open rejected")

	// ErrProtocol is returned when the peer violates framing rules
	ErrProtocol = errors.New("protocol violation")

	// ErrControlQueueFull is returned when control frames pile up faster than the transport drains them
	ErrControlQueueFull = errors.New("control queue full")
)

// Config contains configuration for a Mux.
type Config struct {
	// Initiator is true on the side that dialed the transport. It selects
	// odd stream IDs; the other side uses even IDs.
	Initiator bool

	// WindowSize is the receive window advertised for every stream.
	WindowSize uint32

	// MaxPayload bounds inbound and outbound frame payloads.
	MaxPayload int

	// ControlQueueSize bounds control frames waiting to be written.
	ControlQueueSize int

	// Reader continues a FrameReader already used on the connection, so
	// bytes it buffered during the handshake are not lost.
	Reader *protocol.FrameReader

	// OnControl receives control frames the mux does not handle itself.
	// It runs on the read loop and must not block. An error closes the mux.
	OnControl func(f *protocol.Frame) error

	// OnOpen receives inbound streams. It must call Accept or Reject
	// without blocking the read loop. When nil, inbound opens are rejected.
	OnOpen func(s *Stream, open *protocol.Open)

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:       protocol.DefaultWindowSize,
		MaxPayload:       protocol.DefaultMaxPayloadSize,
		ControlQueueSize: 4096,
	}
}

// Mux multiplexes streams over one connection.
type Mux struct {
	conn   io.ReadWriteCloser
	cfg    Config
	logger *slog.Logger
	ids    *StreamIDAllocator
	reader *protocol.FrameReader
	writer *protocol.FrameWriter
	chunk  int

	mu           sync.Mutex
	streams      map[uint32]*Stream
	control      []*protocol.Frame
	ready        []*Stream
	lastRemoteID uint32
	closing      bool
	err          error

	wake      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	lastRecv    atomic.Int64
	controlSent atomic.Uint64
	bytesIn     atomic.Uint64
	bytesOut    atomic.Uint64
	dropped     atomic.Uint64
}

// New creates a Mux over conn and starts its read and write loops.
func New(conn io.ReadWriteCloser, cfg Config) *Mux {
	def := DefaultConfig()
	if cfg.WindowSize == 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = def.MaxPayload
	}
	if cfg.ControlQueueSize <= 0 {
		cfg.ControlQueueSize = def.ControlQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}

	reader := cfg.Reader
	if reader == nil {
		reader = protocol.NewFrameReader(conn, cfg.MaxPayload)
	}

	chunk := protocol.MaxDataChunk
	if cfg.MaxPayload < chunk {
		chunk = cfg.MaxPayload
	}

	m := &Mux{
		conn:    conn,
		cfg:     cfg,
		logger:  cfg.Logger.With(logging.KeyComponent, "mux"),
		ids:     NewStreamIDAllocator(cfg.Initiator),
		reader:  reader,
		writer:  protocol.NewFrameWriter(conn, cfg.MaxPayload),
		chunk:   chunk,
		streams: make(map[uint32]*Stream),
		wake:    make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	m.lastRecv.Store(time.Now().UnixNano())

	m.wg.Add(2)
	go m.readLoop()
	go m.writeLoop()
	return m
}

// Done returns a channel that's closed when the mux shuts down.
func (m *Mux) Done() <-chan struct{} {
	return m.closed
}

// Err returns the reason the mux shut down, or nil while it runs.
func (m *Mux) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Close shuts the mux down. Every stream fails with ErrSessionClosed.
func (m *Mux) Close() error {
	m.closeWithError(ErrSessionClosed)
	return nil
}

// Wait blocks until the read and write loops have exited.
func (m *Mux) Wait() {
	m.wg.Wait()
}

func (m *Mux) closeWithError(err error) {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closing = true
		m.err = err
		streams := make([]*Stream, 0, len(m.streams))
		for _, s := range m.streams {
			streams = append(streams, s)
		}
		m.streams = make(map[uint32]*Stream)
		m.control = nil
		for _, s := range m.ready {
			s.outq = nil
			s.queued = false
		}
		m.ready = nil
		m.mu.Unlock()

		close(m.closed)
		m.conn.Close()

		for _, s := range streams {
			s.abort(ErrSessionClosed)
		}

		if !errors.Is(err, ErrSessionClosed) {
			m.logger.Debug("mux closed", logging.KeyError, err)
		}
	})
}

// NumStreams returns the number of streams in the table.
func (m *Mux) NumStreams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// LastReceived returns when the last frame arrived.
func (m *Mux) LastReceived() time.Time {
	return time.Unix(0, m.lastRecv.Load())
}

// ControlFramesSent returns how many control frames have been written.
func (m *Mux) ControlFramesSent() uint64 {
	return m.controlSent.Load()
}

// Stats is a point-in-time view of mux counters.
type Stats struct {
	Streams       int
	BytesIn       uint64
	BytesOut      uint64
	DroppedFrames uint64
	SkippedFrames uint64
}

// Stats returns mux counters.
func (m *Mux) Stats() Stats {
	return Stats{
		Streams:       m.NumStreams(),
		BytesIn:       m.bytesIn.Load(),
		BytesOut:      m.bytesOut.Load(),
		DroppedFrames: m.dropped.Load(),
		SkippedFrames: m.reader.Skipped(),
	}
}

// ============================================================================
// Opening streams
// ============================================================================

// OpenStream opens a stream for tunnelID and waits for the peer's OpenAck.
// If ctx ends first the stream is reset with CodeOpenTimeout.
func (m *Mux) OpenStream(ctx context.Context, tunnelID uint32, peer string) (*Stream, error) {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil, ErrSessionClosed
	}
	// Allocate and queue under one lock so Opens leave in ID order.
	id, err := m.ids.Next()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	s := newStream(m, id, tunnelID, false, peer)
	m.streams[id] = s
	err = m.pushControlLocked(protocol.ControlFrame(protocol.KindOpen, &protocol.Open{
		StreamID:   id,
		TunnelID:   tunnelID,
		Window:     m.cfg.WindowSize,
		ClientAddr: peer,
	}))
	m.mu.Unlock()
	if err != nil {
		m.closeWithError(err)
		return nil, err
	}
	m.signal()

	select {
	case <-s.openedCh:
		return s, nil
	case <-s.done:
		return nil, fmt.Errorf("%w: %w", ErrOpenRejected, s.closeErr())
	case <-ctx.Done():
		m.resetStream(s, protocol.CodeOpenTimeout, "open timed out")
		return nil, fmt.Errorf("stream %d: %w", id, ctx.Err())
	}
}

// ============================================================================
// Outbound queueing
// ============================================================================

// SendControl queues a control frame ahead of all stream data.
func (m *Mux) SendControl(f *protocol.Frame) error {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return ErrSessionClosed
	}
	err := m.pushControlLocked(f)
	m.mu.Unlock()
	if err != nil {
		m.closeWithError(err)
		return err
	}
	m.signal()
	return nil
}

func (m *Mux) pushControlLocked(f *protocol.Frame) error {
	if len(m.control) >= m.cfg.ControlQueueSize {
		return ErrControlQueueFull
	}
	m.control = append(m.control, f)
	return nil
}

func (m *Mux) sendClose(streamID uint32, code uint16, reason string) error {
	return m.SendControl(protocol.ControlFrame(protocol.KindClose, &protocol.Close{
		StreamID: streamID,
		Code:     code,
		Reason:   reason,
	}))
}

// enqueueStream queues a frame behind the stream's earlier frames.
func (m *Mux) enqueueStream(s *Stream, f *protocol.Frame) error {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return ErrSessionClosed
	}
	s.outq = append(s.outq, f)
	if !s.queued {
		s.queued = true
		m.ready = append(m.ready, s)
	}
	m.mu.Unlock()
	m.signal()
	return nil
}

func (m *Mux) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Mux) sendWindowUpdate(streamID uint32, credit uint32) {
	_ = m.SendControl(protocol.ControlFrame(protocol.KindWindowUpdate, &protocol.WindowUpdate{
		StreamID: streamID,
		Credit:   credit,
	}))
}

// next picks the next frame to write: control frames first, then one
// frame from the stream at the head of the ready ring.
func (m *Mux) next() *protocol.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.control) > 0 {
		f := m.control[0]
		m.control[0] = nil
		m.control = m.control[1:]
		return f
	}

	for len(m.ready) > 0 {
		s := m.ready[0]
		m.ready[0] = nil
		m.ready = m.ready[1:]
		if len(s.outq) == 0 {
			s.queued = false
			continue
		}
		f := s.outq[0]
		s.outq[0] = nil
		s.outq = s.outq[1:]
		if len(s.outq) > 0 {
			m.ready = append(m.ready, s)
		} else {
			s.queued = false
		}
		return f
	}
	return nil
}

func (m *Mux) writeLoop() {
	defer m.wg.Done()
	defer recovery.RecoverWithCallback(m.logger, "mux.writeLoop", func(err *recovery.PanicError) {
		m.closeWithError(err)
	})

	for {
		f := m.next()
		if f == nil {
			select {
			case <-m.wake:
				continue
			case <-m.closed:
				return
			}
		}

		if err := m.writer.Write(f); err != nil {
			m.closeWithError(fmt.Errorf("write failed: %w", err))
			return
		}
		if f.Kind == protocol.KindData {
			m.bytesOut.Add(uint64(len(f.Payload)))
		} else {
			m.controlSent.Add(1)
		}
	}
}

// ============================================================================
// Inbound dispatch
// ============================================================================

func (m *Mux) readLoop() {
	defer m.wg.Done()
	defer recovery.RecoverWithCallback(m.logger, "mux.readLoop", func(err *recovery.PanicError) {
		m.closeWithError(err)
	})

	for {
		f, err := m.reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrSessionClosed
			} else {
				err = fmt.Errorf("read failed: %w", err)
			}
			m.closeWithError(err)
			return
		}
		m.lastRecv.Store(time.Now().UnixNano())

		if err := m.dispatch(f); err != nil {
			m.closeWithError(err)
			return
		}
	}
}

func (m *Mux) dispatch(f *protocol.Frame) error {
	if f.Kind == protocol.KindData {
		if f.StreamID == protocol.ControlStreamID {
			return fmt.Errorf("%w: data on control stream", ErrProtocol)
		}
		m.handleData(f.StreamID, f.Payload)
		return nil
	}

	if f.StreamID != protocol.ControlStreamID {
		return fmt.Errorf("%w: %s on stream %d", ErrProtocol, protocol.KindName(f.Kind), f.StreamID)
	}

	switch f.Kind {
	case protocol.KindOpen:
		open, err := protocol.DecodeOpen(f.Payload)
		if err != nil {
			return err
		}
		return m.handleOpen(open)

	case protocol.KindOpenAck:
		ack, err := protocol.DecodeOpenAck(f.Payload)
		if err != nil {
			return err
		}
		if s := m.lookup(ack.StreamID); s != nil && !s.markOpen(ack.Window) {
			m.logger.Debug("ignoring unexpected open ack", logging.KeyStreamID, ack.StreamID)
		}
		return nil

	case protocol.KindClose:
		c, err := protocol.DecodeClose(f.Payload)
		if err != nil {
			return err
		}
		if s := m.lookup(c.StreamID); s != nil {
			m.discardQueued(s)
			s.closeByPeer(c.Code, c.Reason)
			m.forget(s)
		}
		return nil

	case protocol.KindWindowUpdate:
		u, err := protocol.DecodeWindowUpdate(f.Payload)
		if err != nil {
			return err
		}
		if s := m.lookup(u.StreamID); s != nil {
			s.addCredit(u.Credit)
		}
		return nil
	}

	if m.cfg.OnControl == nil {
		return nil
	}
	return m.cfg.OnControl(f)
}

func (m *Mux) handleOpen(open *protocol.Open) error {
	if m.ids.IsLocal(open.StreamID) {
		return fmt.Errorf("%w: peer opened stream %d with local parity", ErrProtocol, open.StreamID)
	}

	s := newStream(m, open.StreamID, open.TunnelID, true, open.ClientAddr)
	s.sendCredit = int64(open.Window)

	m.mu.Lock()
	if open.StreamID <= m.lastRemoteID {
		m.mu.Unlock()
		return fmt.Errorf("%w: stream id %d reused", ErrProtocol, open.StreamID)
	}
	m.lastRemoteID = open.StreamID
	if m.closing {
		m.mu.Unlock()
		return ErrSessionClosed
	}
	m.streams[open.StreamID] = s
	m.mu.Unlock()

	if m.cfg.OnOpen == nil {
		return s.Reject(protocol.CodeProtocol, "inbound streams not accepted")
	}
	m.cfg.OnOpen(s, open)
	return nil
}

func (m *Mux) handleData(id uint32, payload []byte) {
	s := m.lookup(id)
	if s == nil {
		m.dropped.Add(1)
		return
	}
	m.bytesIn.Add(uint64(len(payload)))

	ok, finished := s.pushData(payload)
	if !ok {
		m.logger.Warn("peer exceeded receive window", logging.KeyStreamID, id)
		m.resetStream(s, protocol.CodeFlowControl, "receive window exceeded")
		return
	}
	if finished {
		m.forget(s)
	}
}

func (m *Mux) lookup(id uint32) *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[id]
}

// forget removes s from the stream table. Queued frames still drain.
func (m *Mux) forget(s *Stream) {
	m.mu.Lock()
	if m.streams[s.id] == s {
		delete(m.streams, s.id)
	}
	m.mu.Unlock()
	s.finish()
}

func (m *Mux) discardQueued(s *Stream) {
	m.mu.Lock()
	s.outq = nil
	m.mu.Unlock()
}

// resetStream aborts s locally and tells the peer with a Close frame.
func (m *Mux) resetStream(s *Stream, code uint16, reason string) {
	s.mu.Lock()
	if s.localClosed || s.peerClosed || s.err != nil {
		s.mu.Unlock()
		return
	}
	s.err = &CloseError{Code: code, Reason: reason}
	s.recv = nil
	s.recvLen = 0
	s.broadcastLocked()
	s.mu.Unlock()

	m.discardQueued(s)
	m.forget(s)
	_ = m.sendClose(s.id, code, reason)
}
