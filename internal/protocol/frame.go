package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
)

var (
	// ErrTruncated is returned when fewer bytes are available than the
	// header declares. It is not fatal: buffer more input and retry.
	ErrTruncated = errors.New("truncated frame")

	// ErrOversize is returned when a frame declares a payload larger than
	// the configured maximum. The connection must be dropped.
	ErrOversize = errors.New("frame payload exceeds maximum size")

	// ErrUnknownKind is returned for unrecognized frame kinds
	ErrUnknownKind = errors.New("unknown frame kind")
)

// UnknownKindError describes a frame of an unrecognized kind. The frame
// has already been consumed; it may be skipped unless it targets the
// control stream.
type UnknownKindError struct {
	StreamID uint32
	Kind     uint8
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown frame kind 0x%02x on stream %d", e.Kind, e.StreamID)
}

func (e *UnknownKindError) Unwrap() error {
	return ErrUnknownKind
}

// Ignorable reports whether the frame can be dropped without tearing
// down the session.
func (e *UnknownKindError) Ignorable() bool {
	return e.StreamID != ControlStreamID
}

// Frame represents a wire protocol frame.
// Header format (9 bytes):
//
//	StreamID [4 bytes] - Stream identifier, 0 = control (big-endian)
//	Kind     [1 byte]  - Frame kind
//	Length   [4 bytes] - Payload length (big-endian)
type Frame struct {
	StreamID uint32
	Kind     uint8
	Payload  []byte
}

// Encode serializes the frame to bytes.
func (f *Frame) Encode() []byte {
	return f.AppendEncode(make([]byte, 0, HeaderSize+len(f.Payload)))
}

// AppendEncode appends the serialized frame to dst.
func (f *Frame) AppendEncode(dst []byte) []byte {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], f.StreamID)
	hdr[4] = f.Kind
	binary.BigEndian.PutUint32(hdr[5:9], uint32(len(f.Payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, f.Payload...)
}

// DecodeHeader decodes a frame header from bytes.
func DecodeHeader(buf []byte) (streamID uint32, kind uint8, length uint32, err error) {
	if len(buf) < HeaderSize {
		return 0, 0, 0, ErrTruncated
	}
	streamID = binary.BigEndian.Uint32(buf[0:4])
	kind = buf[4]
	length = binary.BigEndian.Uint32(buf[5:9])
	return streamID, kind, length, nil
}

// Decode deserializes one frame from the front of buf. It returns the
// frame and the number of bytes consumed.
//
// ErrTruncated means buf holds an incomplete frame and nothing was
// consumed. ErrOversize is fatal. An *UnknownKindError reports the
// consumed length so the caller can skip the frame.
func Decode(buf []byte, maxPayload int) (*Frame, int, error) {
	streamID, kind, length, err := DecodeHeader(buf)
	if err != nil {
		return nil, 0, err
	}
	if uint64(length) > uint64(maxPayload) {
		return nil, 0, fmt.Errorf("%w: %d > %d", ErrOversize, length, maxPayload)
	}

	total := HeaderSize + int(length)
	if len(buf) < total {
		return nil, 0, ErrTruncated
	}

	if !IsKnownKind(kind) {
		return nil, total, &UnknownKindError{StreamID: streamID, Kind: kind}
	}

	payload := make([]byte, length)
	copy(payload, buf[HeaderSize:total])

	return &Frame{
		StreamID: streamID,
		Kind:     kind,
		Payload:  payload,
	}, total, nil
}

// String returns a debug representation of the frame.
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{Kind=%s, StreamID=%d, PayloadLen=%d}",
		KindName(f.Kind), f.StreamID, len(f.Payload))
}

// ControlFrame builds a control-stream frame carrying p.
func ControlFrame(kind uint8, p Payload) *Frame {
	return &Frame{
		StreamID: ControlStreamID,
		Kind:     kind,
		Payload:  p.Encode(),
	}
}

// ============================================================================
// Frame Reader/Writer
// ============================================================================

// FrameReader reads frames from an io.Reader. Frames of unknown kind on a
// data stream are skipped.
type FrameReader struct {
	r          io.Reader
	maxPayload int
	buf        []byte
	start, end int
	skipped    atomic.Uint64
}

// NewFrameReader creates a new FrameReader. A maxPayload of zero selects
// DefaultMaxPayloadSize.
func NewFrameReader(r io.Reader, maxPayload int) *FrameReader {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayloadSize
	}
	return &FrameReader{
		r:          r,
		maxPayload: maxPayload,
		buf:        make([]byte, 4096),
	}
}

// Read reads the next frame.
func (fr *FrameReader) Read() (*Frame, error) {
	for {
		if fr.end > fr.start {
			f, n, err := Decode(fr.buf[fr.start:fr.end], fr.maxPayload)
			if err == nil {
				fr.start += n
				return f, nil
			}
			var uk *UnknownKindError
			switch {
			case errors.Is(err, ErrTruncated):
			case errors.As(err, &uk) && uk.Ignorable():
				fr.start += n
				fr.skipped.Add(1)
				continue
			default:
				return nil, err
			}
		}

		if err := fr.fill(); err != nil {
			return nil, err
		}
	}
}

// fill compacts the buffer and reads more input, growing the buffer when
// a single frame does not fit.
func (fr *FrameReader) fill() error {
	if fr.start > 0 {
		copy(fr.buf, fr.buf[fr.start:fr.end])
		fr.end -= fr.start
		fr.start = 0
	}

	if fr.end == len(fr.buf) {
		need := len(fr.buf) * 2
		if fr.end >= HeaderSize {
			_, _, length, _ := DecodeHeader(fr.buf[:fr.end])
			need = HeaderSize + int(length)
		}
		if limit := HeaderSize + fr.maxPayload; need > limit {
			need = limit
		}
		grown := make([]byte, need)
		copy(grown, fr.buf[:fr.end])
		fr.buf = grown
	}

	n, err := fr.r.Read(fr.buf[fr.end:])
	fr.end += n
	if n == 0 && err != nil {
		if err == io.EOF && fr.end > fr.start {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	return nil
}

// Skipped returns the number of unknown-kind frames dropped so far. It
// is safe to call while another goroutine reads.
func (fr *FrameReader) Skipped() uint64 {
	return fr.skipped.Load()
}

// FrameWriter writes frames to an io.Writer. It is not safe for
// concurrent use.
type FrameWriter struct {
	w          io.Writer
	maxPayload int
	buf        []byte
}

// NewFrameWriter creates a new FrameWriter. A maxPayload of zero selects
// DefaultMaxPayloadSize.
func NewFrameWriter(w io.Writer, maxPayload int) *FrameWriter {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayloadSize
	}
	return &FrameWriter{w: w, maxPayload: maxPayload}
}

// Write writes a frame with a single call to the underlying writer.
func (fw *FrameWriter) Write(f *Frame) error {
	if len(f.Payload) > fw.maxPayload {
		return ErrOversize
	}
	fw.buf = f.AppendEncode(fw.buf[:0])
	_, err := fw.w.Write(fw.buf)
	return err
}

// WriteFrame is a convenience method to write a frame with the given parameters.
func (fw *FrameWriter) WriteFrame(streamID uint32, kind uint8, payload []byte) error {
	return fw.Write(&Frame{
		StreamID: streamID,
		Kind:     kind,
		Payload:  payload,
	})
}
