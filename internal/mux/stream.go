package mux

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/muti-relay/internal/protocol"
)

// StreamState represents the state of a stream.
type StreamState int32

const (
	StateOpening StreamState = iota
	StateOpen
	StateHalfClosed // One direction has sent FIN
	StateClosed
)

// String returns a human-readable state name.
func (s StreamState) String() string {
	switch s {
	case StateOpening:
		return "OPENING"
	case StateOpen:
		return "OPEN"
	case StateHalfClosed:
		return "HALF_CLOSED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// CloseError is the cause reported by a stream that was closed with a
// non-zero code, either by the peer or locally.
type CloseError struct {
	Code   uint16
	Reason string
	Remote bool
}

func (e *CloseError) Error() string {
	side := "local"
	if e.Remote {
		side = "remote"
	}
	if e.Reason == "" {
		return fmt.Sprintf("stream closed by %s: %s", side, protocol.CodeName(e.Code))
	}
	return fmt.Sprintf("stream closed by %s: %s (%s)", side, protocol.CodeName(e.Code), e.Reason)
}

// Addr is the net.Addr of a stream endpoint.
type Addr struct {
	StreamID uint32
	Peer     string
}

// Network returns "mux".
func (a Addr) Network() string { return "mux" }

func (a Addr) String() string {
	if a.Peer != "" {
		return a.Peer
	}
	return fmt.Sprintf("stream/%d", a.StreamID)
}

// Stream is one logical byte pipe inside a Mux. It implements net.Conn
// and supports half-close through CloseWrite.
type Stream struct {
	id       uint32
	tunnelID uint32
	inbound  bool
	peer     string
	m        *Mux
	window   int

	CreatedAt time.Time
	BytesSent atomic.Uint64
	BytesRecv atomic.Uint64

	// writeMu keeps one Write's chunks contiguous and orders FIN after them.
	writeMu sync.Mutex

	mu          sync.Mutex
	notify      chan struct{} // closed and replaced on every state change
	opened      bool
	openedCh    chan struct{}
	recv        [][]byte
	recvLen     int
	unacked     int
	sendCredit  int64
	localFin    bool
	remoteFin   bool
	localClosed bool
	peerClosed  bool
	err         error
	readDL      time.Time
	writeDL     time.Time

	doneOnce sync.Once
	done     chan struct{}

	// outq is guarded by m.mu, not s.mu.
	outq   []*protocol.Frame
	queued bool
}

func newStream(m *Mux, id, tunnelID uint32, inbound bool, peer string) *Stream {
	return &Stream{
		id:        id,
		tunnelID:  tunnelID,
		inbound:   inbound,
		peer:      peer,
		m:         m,
		window:    int(m.cfg.WindowSize),
		CreatedAt: time.Now(),
		notify:    make(chan struct{}),
		openedCh:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// ID returns the stream ID.
func (s *Stream) ID() uint32 { return s.id }

// TunnelID returns the tunnel the stream belongs to.
func (s *Stream) TunnelID() uint32 { return s.tunnelID }

// Done returns a channel that's closed when the stream is fully closed.
func (s *Stream) Done() <-chan struct{} { return s.done }

// State returns the current stream state.
func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Stream) stateLocked() StreamState {
	switch {
	case s.localClosed || s.peerClosed || s.err != nil:
		return StateClosed
	case !s.opened:
		return StateOpening
	case s.localFin && s.remoteFin:
		return StateClosed
	case s.localFin || s.remoteFin:
		return StateHalfClosed
	default:
		return StateOpen
	}
}

// String returns a debug representation.
func (s *Stream) String() string {
	return fmt.Sprintf("Stream{id=%d, tunnel=%d, state=%s}", s.id, s.tunnelID, s.State())
}

func (s *Stream) broadcastLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

func (s *Stream) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// waitNotify blocks until ch is closed or the deadline passes.
func waitNotify(ch <-chan struct{}, deadline time.Time) error {
	if deadline.IsZero() {
		<-ch
		return nil
	}
	d := time.Until(deadline)
	if d <= 0 {
		return os.ErrDeadlineExceeded
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ch:
		return nil
	case <-t.C:
		return os.ErrDeadlineExceeded
	}
}

// Read reads data from the stream. Buffered data is returned before EOF
// or the close cause.
func (s *Stream) Read(p []byte) (int, error) {
	for {
		s.mu.Lock()
		if s.localClosed {
			s.mu.Unlock()
			return 0, net.ErrClosed
		}
		if s.recvLen > 0 {
			n := s.readLocked(p)
			credit := s.takeCreditLocked()
			s.mu.Unlock()
			if credit > 0 {
				s.m.sendWindowUpdate(s.id, credit)
			}
			return n, nil
		}
		if s.remoteFin {
			s.mu.Unlock()
			return 0, io.EOF
		}
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return 0, err
		}
		if !deadlineOK(s.readDL) {
			s.mu.Unlock()
			return 0, os.ErrDeadlineExceeded
		}
		ch, dl := s.notify, s.readDL
		s.mu.Unlock()

		if err := waitNotify(ch, dl); err != nil {
			return 0, err
		}
	}
}

func deadlineOK(dl time.Time) bool {
	return dl.IsZero() || time.Now().Before(dl)
}

func (s *Stream) readLocked(p []byte) int {
	n := 0
	for n < len(p) && len(s.recv) > 0 {
		c := copy(p[n:], s.recv[0])
		n += c
		if c == len(s.recv[0]) {
			s.recv[0] = nil
			s.recv = s.recv[1:]
		} else {
			s.recv[0] = s.recv[0][c:]
		}
	}
	s.recvLen -= n
	s.unacked += n
	return n
}

// takeCreditLocked returns credit to hand back to the peer once half the
// window has been drained.
func (s *Stream) takeCreditLocked() uint32 {
	if s.remoteFin || s.peerClosed || s.err != nil {
		return 0
	}
	if s.unacked < s.window/2 {
		return 0
	}
	c := uint32(s.unacked)
	s.unacked = 0
	return c
}

// Write writes p to the stream, blocking while the peer's receive window
// is exhausted.
func (s *Stream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	written := 0
	for written < len(p) {
		n, err := s.reserve(len(p) - written)
		if err != nil {
			return written, err
		}
		chunk := make([]byte, n)
		copy(chunk, p[written:written+n])
		f := &protocol.Frame{StreamID: s.id, Kind: protocol.KindData, Payload: chunk}
		if err := s.m.enqueueStream(s, f); err != nil {
			return written, err
		}
		written += n
		s.BytesSent.Add(uint64(n))
	}
	return written, nil
}

// reserve waits for send credit and claims up to want bytes of it.
func (s *Stream) reserve(want int) (int, error) {
	for {
		s.mu.Lock()
		if err := s.writeErrLocked(); err != nil {
			s.mu.Unlock()
			return 0, err
		}
		if s.sendCredit > 0 {
			n := want
			if int64(n) > s.sendCredit {
				n = int(s.sendCredit)
			}
			if n > s.m.chunk {
				n = s.m.chunk
			}
			s.sendCredit -= int64(n)
			s.mu.Unlock()
			return n, nil
		}
		if !deadlineOK(s.writeDL) {
			s.mu.Unlock()
			return 0, os.ErrDeadlineExceeded
		}
		ch, dl := s.notify, s.writeDL
		s.mu.Unlock()

		if err := waitNotify(ch, dl); err != nil {
			return 0, err
		}
	}
}

func (s *Stream) writeErrLocked() error {
	switch {
	case s.localClosed:
		return net.ErrClosed
	case s.err != nil:
		return s.err
	case s.peerClosed:
		return ErrStreamClosed
	case s.localFin:
		return fmt.Errorf("%w: write after CloseWrite", ErrStreamClosed)
	case !s.opened:
		return fmt.Errorf("%w: stream not open", ErrStreamClosed)
	}
	return nil
}

// CloseWrite sends FIN: the peer reads EOF once it drains earlier data.
// Reading continues to work.
func (s *Stream) CloseWrite() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.localFin {
		s.mu.Unlock()
		return nil
	}
	if err := s.writeErrLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.localFin = true
	both := s.remoteFin
	s.broadcastLocked()
	s.mu.Unlock()

	err := s.m.enqueueStream(s, &protocol.Frame{StreamID: s.id, Kind: protocol.KindData, Payload: []byte{}})
	if both {
		s.m.forget(s)
	}
	return err
}

// Close closes both directions. A graceful Close frame follows any data
// still queued. Calling Close more than once is a no-op.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.localClosed {
		s.mu.Unlock()
		return nil
	}
	if !s.opened && s.inbound && s.err == nil && !s.peerClosed {
		s.mu.Unlock()
		return s.Reject(protocol.CodeInternal, "closed before accept")
	}
	sendClose := !s.peerClosed && s.err == nil && !(s.localFin && s.remoteFin)
	s.localClosed = true
	s.recv = nil
	s.recvLen = 0
	s.broadcastLocked()
	s.mu.Unlock()

	if sendClose {
		f := protocol.ControlFrame(protocol.KindClose, &protocol.Close{StreamID: s.id, Code: protocol.CodeNone})
		_ = s.m.enqueueStream(s, f)
	}
	s.m.forget(s)
	return nil
}

// Accept acknowledges an inbound stream so data may flow.
func (s *Stream) Accept() error {
	s.mu.Lock()
	if !s.inbound || s.opened {
		s.mu.Unlock()
		return errors.New("stream already accepted")
	}
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return err
	}
	if s.peerClosed || s.localClosed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	s.opened = true
	close(s.openedCh)
	s.broadcastLocked()
	s.mu.Unlock()

	return s.m.SendControl(protocol.ControlFrame(protocol.KindOpenAck, &protocol.OpenAck{
		StreamID: s.id,
		Window:   s.m.cfg.WindowSize,
	}))
}

// Reject refuses an inbound stream that has not been accepted.
func (s *Stream) Reject(code uint16, reason string) error {
	s.mu.Lock()
	if s.opened {
		s.mu.Unlock()
		return errors.New("stream already accepted")
	}
	if s.localClosed || s.peerClosed || s.err != nil {
		s.mu.Unlock()
		return nil
	}
	s.localClosed = true
	s.err = &CloseError{Code: code, Reason: reason}
	s.broadcastLocked()
	s.mu.Unlock()

	s.m.forget(s)
	return s.m.SendControl(protocol.ControlFrame(protocol.KindClose, &protocol.Close{
		StreamID: s.id,
		Code:     code,
		Reason:   reason,
	}))
}

// Reset aborts the stream with an error code. Queued data is discarded.
func (s *Stream) Reset(code uint16, reason string) {
	s.m.resetStream(s, code, reason)
}

// LocalAddr returns the local stream address.
func (s *Stream) LocalAddr() net.Addr {
	return Addr{StreamID: s.id}
}

// RemoteAddr returns the stream address, carrying the external client
// address when one was announced.
func (s *Stream) RemoteAddr() net.Addr {
	return Addr{StreamID: s.id, Peer: s.peer}
}

// SetDeadline sets both read and write deadlines.
func (s *Stream) SetDeadline(t time.Time) error {
	s.mu.Lock()
	s.readDL = t
	s.writeDL = t
	s.broadcastLocked()
	s.mu.Unlock()
	return nil
}

// SetReadDeadline sets the read deadline.
func (s *Stream) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	s.readDL = t
	s.broadcastLocked()
	s.mu.Unlock()
	return nil
}

// SetWriteDeadline sets the write deadline.
func (s *Stream) SetWriteDeadline(t time.Time) error {
	s.mu.Lock()
	s.writeDL = t
	s.broadcastLocked()
	s.mu.Unlock()
	return nil
}

// ============================================================================
// Frame handlers, called from the mux read loop
// ============================================================================

// pushData buffers an inbound Data payload. It returns false when the
// peer overran the receive window.
func (s *Stream) pushData(p []byte) (ok bool, finished bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.opened || s.localClosed || s.peerClosed || s.remoteFin || s.err != nil {
		return true, false
	}
	if len(p) == 0 {
		s.remoteFin = true
		s.broadcastLocked()
		return true, s.localFin
	}
	if s.recvLen+len(p) > s.window {
		return false, false
	}
	s.recv = append(s.recv, p)
	s.recvLen += len(p)
	s.BytesRecv.Add(uint64(len(p)))
	s.broadcastLocked()
	return true, false
}

func (s *Stream) addCredit(n uint32) {
	s.mu.Lock()
	s.sendCredit += int64(n)
	s.broadcastLocked()
	s.mu.Unlock()
}

func (s *Stream) markOpen(window uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened || s.inbound || s.err != nil || s.localClosed || s.peerClosed {
		return false
	}
	s.opened = true
	s.sendCredit = int64(window)
	close(s.openedCh)
	s.broadcastLocked()
	return true
}

// closeByPeer applies an inbound Close frame.
func (s *Stream) closeByPeer(code uint16, reason string) {
	s.mu.Lock()
	s.peerClosed = true
	if code == protocol.CodeNone {
		s.remoteFin = true
	} else if s.err == nil {
		s.err = &CloseError{Code: code, Reason: reason, Remote: true}
	}
	s.broadcastLocked()
	s.mu.Unlock()
}

// abort terminates the stream with err unless it already has a cause.
func (s *Stream) abort(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.broadcastLocked()
	s.mu.Unlock()
	s.finish()
}

// closeErr returns why the stream ended, for open failures.
func (s *Stream) closeErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	return ErrStreamClosed
}
