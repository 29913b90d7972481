package mux

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/postalsys/muti-relay/internal/protocol"
)

// newPair connects an acceptor mux (relay side) to an initiator mux
// (agent side) over an in-memory pipe.
func newPair(t *testing.T, window uint32, onOpen func(*Stream, *protocol.Open)) (relay, agent *Mux) {
	t.Helper()
	a, b := net.Pipe()
	relay = New(a, Config{WindowSize: window})
	agent = New(b, Config{Initiator: true, WindowSize: window, OnOpen: onOpen})
	t.Cleanup(func() {
		relay.Close()
		agent.Close()
		relay.Wait()
		agent.Wait()
	})
	return relay, agent
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func acceptEcho(s *Stream, open *protocol.Open) {
	if err := s.Accept(); err != nil {
		return
	}
	go func() {
		io.Copy(s, s)
		s.CloseWrite()
	}()
}

func TestStreamIDAllocator(t *testing.T) {
	initiator := NewStreamIDAllocator(true)
	acceptor := NewStreamIDAllocator(false)

	for _, want := range []uint32{1, 3, 5} {
		got, err := initiator.Next()
		if err != nil || got != want {
			t.Errorf("initiator Next() = %d, %v; want %d", got, err, want)
		}
	}
	for _, want := range []uint32{2, 4, 6} {
		got, err := acceptor.Next()
		if err != nil || got != want {
			t.Errorf("acceptor Next() = %d, %v; want %d", got, err, want)
		}
	}

	if !initiator.IsLocal(7) || initiator.IsLocal(8) {
		t.Error("initiator parity check wrong")
	}
	if !acceptor.IsLocal(8) || acceptor.IsLocal(7) {
		t.Error("acceptor parity check wrong")
	}
}

func TestStreamIDAllocator_Exhausted(t *testing.T) {
	a := NewStreamIDAllocator(true)
	a.next.Store(1<<32 + 1)

	if _, err := a.Next(); !errors.Is(err, ErrStreamIDsExhausted) {
		t.Errorf("Next() error = %v, want ErrStreamIDsExhausted", err)
	}
}

// ============================================================================
// Stream lifecycle
// ============================================================================

func TestMux_OpenEcho(t *testing.T) {
	relay, _ := newPair(t, 0, acceptEcho)

	s, err := relay.OpenStream(context.Background(), 9, "198.51.100.7:4000")
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	if s.ID()%2 != 0 {
		t.Errorf("relay stream id %d should be even", s.ID())
	}
	if s.TunnelID() != 9 {
		t.Errorf("TunnelID() = %d, want 9", s.TunnelID())
	}
	if s.State() != StateOpen {
		t.Errorf("State() = %s, want OPEN", s.State())
	}

	msg := bytes.Repeat([]byte("ping-pong "), 5000)
	go func() {
		s.Write(msg)
		s.CloseWrite()
	}()

	got, err := io.ReadAll(s)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("echo mismatch: got %d bytes, want %d", len(got), len(msg))
	}

	waitFor(t, "stream to close", func() bool { return s.State() == StateClosed })
	waitFor(t, "stream table to drain", func() bool { return relay.NumStreams() == 0 })
}

func TestMux_HalfCloseKeepsReverseDirection(t *testing.T) {
	accepted := make(chan *Stream, 1)
	relay, _ := newPair(t, 0, func(s *Stream, _ *protocol.Open) {
		s.Accept()
		accepted <- s
	})

	s, err := relay.OpenStream(context.Background(), 1, "")
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	peer := <-accepted

	s.Write([]byte("request"))
	s.CloseWrite()
	if s.State() != StateHalfClosed {
		t.Errorf("State() after CloseWrite = %s, want HALF_CLOSED", s.State())
	}

	req, err := io.ReadAll(peer)
	if err != nil || string(req) != "request" {
		t.Fatalf("peer ReadAll() = %q, %v", req, err)
	}

	// The reply still flows after the request side reached EOF.
	if _, err := peer.Write([]byte("response")); err != nil {
		t.Fatalf("peer Write() after remote FIN error = %v", err)
	}
	peer.CloseWrite()

	resp, err := io.ReadAll(s)
	if err != nil || string(resp) != "response" {
		t.Fatalf("ReadAll() = %q, %v", resp, err)
	}

	if _, err := s.Write([]byte("late")); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Write() after CloseWrite error = %v, want ErrStreamClosed", err)
	}
}

func TestMux_OpenRejected(t *testing.T) {
	relay, _ := newPair(t, 0, func(s *Stream, _ *protocol.Open) {
		s.Reject(protocol.CodeDialFailed, "connection refused")
	})

	_, err := relay.OpenStream(context.Background(), 1, "")
	if !errors.Is(err, ErrOpenRejected) {
		t.Fatalf("OpenStream() error = %v, want ErrOpenRejected", err)
	}
	if relay.NumStreams() != 0 {
		t.Errorf("NumStreams() = %d, want 0", relay.NumStreams())
	}
}

func TestMux_OpenTimeoutResetsPeer(t *testing.T) {
	pending := make(chan *Stream, 1)
	relay, _ := newPair(t, 0, func(s *Stream, _ *protocol.Open) {
		pending <- s
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := relay.OpenStream(ctx, 1, "")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("OpenStream() error = %v, want DeadlineExceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("OpenStream() took %v", time.Since(start))
	}

	peer := <-pending
	waitFor(t, "peer stream to close", func() bool { return peer.State() == StateClosed })

	var ce *CloseError
	if err := peer.Accept(); !errors.As(err, &ce) || ce.Code != protocol.CodeOpenTimeout {
		t.Errorf("Accept() after timeout error = %v, want OPEN_TIMEOUT", err)
	}
}

func TestMux_CloseIsIdempotent(t *testing.T) {
	accepted := make(chan *Stream, 1)
	relay, agent := newPair(t, 0, func(s *Stream, _ *protocol.Open) {
		s.Accept()
		accepted <- s
	})

	s, err := relay.OpenStream(context.Background(), 1, "")
	if err != nil {
		t.Fatal(err)
	}
	peer := <-accepted

	if err := s.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	<-peer.Done()
	if _, err := peer.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("peer Read() after graceful close error = %v, want io.EOF", err)
	}

	// Both sessions survive.
	if _, err := relay.OpenStream(context.Background(), 1, ""); err != nil {
		t.Errorf("OpenStream() after Close error = %v", err)
	}
	select {
	case <-agent.Done():
		t.Error("agent mux closed")
	default:
	}
}

func TestMux_CloseOneStreamLeavesOthers(t *testing.T) {
	relay, _ := newPair(t, 0, acceptEcho)

	a, err := relay.OpenStream(context.Background(), 1, "")
	if err != nil {
		t.Fatal(err)
	}
	b, err := relay.OpenStream(context.Background(), 1, "")
	if err != nil {
		t.Fatal(err)
	}

	a.Reset(protocol.CodeInternal, "test reset")

	b.Write([]byte("still here"))
	buf := make([]byte, 10)
	if _, err := io.ReadFull(b, buf); err != nil || string(buf) != "still here" {
		t.Errorf("ReadFull() = %q, %v", buf, err)
	}
}

func TestMux_SessionCloseFailsAllStreams(t *testing.T) {
	relay, agent := newPair(t, 0, acceptEcho)

	var streams []*Stream
	for i := 0; i < 5; i++ {
		s, err := relay.OpenStream(context.Background(), 1, "")
		if err != nil {
			t.Fatal(err)
		}
		streams = append(streams, s)
	}

	agent.Close()
	<-relay.Done()

	for _, s := range streams {
		<-s.Done()
		if _, err := s.Read(make([]byte, 1)); !errors.Is(err, ErrSessionClosed) {
			t.Errorf("Read() error = %v, want ErrSessionClosed", err)
		}
		if _, err := s.Write([]byte("x")); !errors.Is(err, ErrSessionClosed) {
			t.Errorf("Write() error = %v, want ErrSessionClosed", err)
		}
	}

	if _, err := relay.OpenStream(context.Background(), 1, ""); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("OpenStream() on closed mux error = %v", err)
	}
}

func TestMux_ReadDeadline(t *testing.T) {
	relay, _ := newPair(t, 0, func(s *Stream, _ *protocol.Open) { s.Accept() })

	s, err := relay.OpenStream(context.Background(), 1, "")
	if err != nil {
		t.Fatal(err)
	}

	s.SetReadDeadline(time.Now().Add(30 * time.Millisecond))
	if _, err := s.Read(make([]byte, 1)); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Errorf("Read() error = %v, want ErrDeadlineExceeded", err)
	}
}

func TestMux_ManyConcurrentStreams(t *testing.T) {
	relay, _ := newPair(t, 32*1024, acceptEcho)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := relay.OpenStream(context.Background(), 1, "")
			if err != nil {
				t.Errorf("OpenStream() error = %v", err)
				return
			}
			msg := bytes.Repeat([]byte{byte(i)}, 100*1024)
			go func() {
				s.Write(msg)
				s.CloseWrite()
			}()
			got, err := io.ReadAll(s)
			if err != nil || !bytes.Equal(got, msg) {
				t.Errorf("stream %d: got %d bytes, err %v", s.ID(), len(got), err)
			}
		}(i)
	}
	wg.Wait()
}

// ============================================================================
// Flow control
// ============================================================================

func TestMux_WriterBlocksOnExhaustedCredit(t *testing.T) {
	const window = 64 * 1024
	accepted := make(chan *Stream, 1)
	relay, _ := newPair(t, window, func(s *Stream, _ *protocol.Open) {
		s.Accept()
		accepted <- s
	})

	s, err := relay.OpenStream(context.Background(), 1, "")
	if err != nil {
		t.Fatal(err)
	}
	peer := <-accepted

	payload := bytes.Repeat([]byte("z"), 3*window)
	done := make(chan error, 1)
	go func() {
		_, err := s.Write(payload)
		done <- err
	}()

	waitFor(t, "window to fill", func() bool { return s.BytesSent.Load() == window })
	time.Sleep(50 * time.Millisecond)

	select {
	case err := <-done:
		t.Fatalf("Write() returned early: %v", err)
	default:
	}
	if got := s.BytesSent.Load(); got != window {
		t.Errorf("BytesSent = %d, want exactly %d", got, window)
	}
	peer.mu.Lock()
	buffered := peer.recvLen
	peer.mu.Unlock()
	if buffered > window {
		t.Errorf("receiver buffered %d bytes, window is %d", buffered, window)
	}

	got := make([]byte, len(payload))
	if _, err := io.ReadFull(peer, got); err != nil {
		t.Fatalf("ReadFull() error = %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("payload mismatch")
	}
}

func TestMux_WriteDeadlineWhileBlocked(t *testing.T) {
	const window = 16 * 1024
	relay, _ := newPair(t, window, func(s *Stream, _ *protocol.Open) { s.Accept() })

	s, err := relay.OpenStream(context.Background(), 1, "")
	if err != nil {
		t.Fatal(err)
	}

	s.SetWriteDeadline(time.Now().Add(50 * time.Millisecond))
	n, err := s.Write(make([]byte, 2*window))
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Errorf("Write() error = %v, want ErrDeadlineExceeded", err)
	}
	if n != window {
		t.Errorf("Write() wrote %d, want %d", n, window)
	}
}

// rawPeer drives one end of a pipe with hand-built frames.
type rawPeer struct {
	conn   net.Conn
	w      *protocol.FrameWriter
	frames chan *protocol.Frame
}

func newRawPeer(t *testing.T, cfg Config) (*Mux, *rawPeer) {
	t.Helper()
	a, b := net.Pipe()
	m := New(a, cfg)
	p := &rawPeer{conn: b, w: protocol.NewFrameWriter(b, 0), frames: make(chan *protocol.Frame, 256)}
	go func() {
		r := protocol.NewFrameReader(b, 0)
		for {
			f, err := r.Read()
			if err != nil {
				close(p.frames)
				return
			}
			p.frames <- f
		}
	}()
	t.Cleanup(func() {
		m.Close()
		b.Close()
		m.Wait()
	})
	return m, p
}

func (p *rawPeer) expect(t *testing.T, kind uint8) *protocol.Frame {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case f, ok := <-p.frames:
			if !ok {
				t.Fatalf("connection closed waiting for %s", protocol.KindName(kind))
			}
			if f.Kind == kind {
				return f
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", protocol.KindName(kind))
		}
	}
}

func TestMux_PeerOverrunningWindowIsReset(t *testing.T) {
	accepted := make(chan *Stream, 1)
	m, peer := newRawPeer(t, Config{Initiator: true, WindowSize: 1024, OnOpen: func(s *Stream, _ *protocol.Open) {
		s.Accept()
		accepted <- s
	}})

	peer.w.Write(protocol.ControlFrame(protocol.KindOpen, &protocol.Open{StreamID: 2, TunnelID: 1, Window: 1024}))
	peer.expect(t, protocol.KindOpenAck)
	s := <-accepted

	peer.w.WriteFrame(2, protocol.KindData, make([]byte, 1000))
	peer.w.WriteFrame(2, protocol.KindData, make([]byte, 1000))

	f := peer.expect(t, protocol.KindClose)
	c, err := protocol.DecodeClose(f.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if c.StreamID != 2 || c.Code != protocol.CodeFlowControl {
		t.Errorf("Close = %+v, want FLOW_CONTROL for stream 2", c)
	}

	<-s.Done()
	select {
	case <-m.Done():
		t.Error("flow control violation should not close the session")
	default:
	}
}

func TestMux_ProtocolViolations(t *testing.T) {
	tests := []struct {
		name  string
		frame *protocol.Frame
	}{
		{"data on control stream", &protocol.Frame{StreamID: 0, Kind: protocol.KindData, Payload: []byte("x")}},
		{"control kind on data stream", &protocol.Frame{StreamID: 4, Kind: protocol.KindPing}},
		{"open with local parity", protocol.ControlFrame(protocol.KindOpen, &protocol.Open{StreamID: 3, TunnelID: 1})},
		{"unknown kind on control stream", &protocol.Frame{StreamID: 0, Kind: 0x6F}},
		{"malformed open", &protocol.Frame{StreamID: 0, Kind: protocol.KindOpen, Payload: []byte{1, 0}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, peer := newRawPeer(t, Config{Initiator: true})
			peer.w.Write(tt.frame)

			select {
			case <-m.Done():
			case <-time.After(3 * time.Second):
				t.Fatal("mux did not close")
			}
			if m.Err() == nil {
				t.Error("Err() = nil after violation")
			}
		})
	}
}

func TestMux_ReusedRemoteIDRejected(t *testing.T) {
	m, peer := newRawPeer(t, Config{Initiator: true, OnOpen: func(s *Stream, _ *protocol.Open) { s.Accept() }})

	peer.w.Write(protocol.ControlFrame(protocol.KindOpen, &protocol.Open{StreamID: 4, TunnelID: 1}))
	peer.expect(t, protocol.KindOpenAck)
	peer.w.Write(protocol.ControlFrame(protocol.KindOpen, &protocol.Open{StreamID: 2, TunnelID: 1}))

	select {
	case <-m.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("mux did not close")
	}
	if !errors.Is(m.Err(), ErrProtocol) {
		t.Errorf("Err() = %v, want ErrProtocol", m.Err())
	}
}

func TestMux_UnknownDataKindIgnored(t *testing.T) {
	m, peer := newRawPeer(t, Config{Initiator: true})

	peer.w.WriteFrame(8, 0x6F, []byte("from the future"))
	peer.w.Write(protocol.ControlFrame(protocol.KindPing, &protocol.Heartbeat{Nonce: 1}))

	waitFor(t, "unknown frame to be skipped", func() bool { return m.Stats().SkippedFrames == 1 })
	select {
	case <-m.Done():
		t.Errorf("mux closed: %v", m.Err())
	default:
	}
}

func TestMux_OnControlReceivesSessionFrames(t *testing.T) {
	got := make(chan *protocol.Frame, 1)
	_, peer := newRawPeer(t, Config{OnControl: func(f *protocol.Frame) error {
		got <- f
		return nil
	}})

	peer.w.Write(protocol.ControlFrame(protocol.KindPing, &protocol.Heartbeat{Nonce: 77}))

	select {
	case f := <-got:
		hb, err := protocol.DecodeHeartbeat(f.Payload)
		if err != nil || hb.Nonce != 77 {
			t.Errorf("heartbeat = %+v, %v", hb, err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("OnControl not called")
	}
}

func TestMux_InboundOpenWithoutHandlerRejected(t *testing.T) {
	_, peer := newRawPeer(t, Config{})

	peer.w.Write(protocol.ControlFrame(protocol.KindOpen, &protocol.Open{StreamID: 1, TunnelID: 1}))

	f := peer.expect(t, protocol.KindClose)
	c, _ := protocol.DecodeClose(f.Payload)
	if c.StreamID != 1 || c.Code != protocol.CodeProtocol {
		t.Errorf("Close = %+v", c)
	}
}

// ============================================================================
// Scheduling
// ============================================================================

func TestMux_NextInterleavesStreams(t *testing.T) {
	m := &Mux{}
	a := &Stream{id: 1}
	b := &Stream{id: 3}

	data := func(id uint32, tag string) *protocol.Frame {
		return &protocol.Frame{StreamID: id, Kind: protocol.KindData, Payload: []byte(tag)}
	}
	a.outq = []*protocol.Frame{data(1, "a1"), data(1, "a2"), data(1, "a3")}
	a.queued = true
	b.outq = []*protocol.Frame{data(3, "b1")}
	b.queued = true
	m.ready = []*Stream{a, b}
	m.control = []*protocol.Frame{{Kind: protocol.KindPing, Payload: []byte("ctl")}}

	var order []string
	for f := m.next(); f != nil; f = m.next() {
		order = append(order, string(f.Payload))
	}

	want := []string{"ctl", "a1", "b1", "a2", "a3"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if a.queued || b.queued {
		t.Error("drained streams should not stay queued")
	}
}

func TestStreamState_String(t *testing.T) {
	tests := []struct {
		state StreamState
		want  string
	}{
		{StateOpening, "OPENING"},
		{StateOpen, "OPEN"},
		{StateHalfClosed, "HALF_CLOSED"},
		{StateClosed, "CLOSED"},
		{StreamState(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("%d.String() = %s, want %s", tt.state, got, tt.want)
		}
	}
}
