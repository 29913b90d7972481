package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrInvalidPayload is returned when a control payload is malformed
var ErrInvalidPayload = errors.New("invalid payload")

// Payload is implemented by every control message.
type Payload interface {
	Encode() []byte
}

// Control payloads are a sequence of fields:
//
//	Tag    [1 byte]  - Field tag, unique within a message
//	Length [2 bytes] - Value length (big-endian)
//	Value  [Length]  - Fixed-width big-endian integer, raw string, or bool byte
//
// Encoders write every field in ascending tag order. Decoders skip tags
// they do not know. Strings longer than 65535 bytes are truncated.

const maxFieldLen = 0xFFFF

type fieldWriter struct {
	buf []byte
}

func (w *fieldWriter) header(tag uint8, n int) {
	w.buf = append(w.buf, tag, byte(n>>8), byte(n))
}

func (w *fieldWriter) bool(tag uint8, v bool) {
	w.header(tag, 1)
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

func (w *fieldWriter) u16(tag uint8, v uint16) {
	w.header(tag, 2)
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

func (w *fieldWriter) u32(tag uint8, v uint32) {
	w.header(tag, 4)
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *fieldWriter) u64(tag uint8, v uint64) {
	w.header(tag, 8)
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

func (w *fieldWriter) str(tag uint8, s string) {
	if len(s) > maxFieldLen {
		s = s[:maxFieldLen]
	}
	w.header(tag, len(s))
	w.buf = append(w.buf, s...)
}

// readFields walks the fields of buf and hands each one to fn.
func readFields(msg string, buf []byte, fn func(tag uint8, v []byte) error) error {
	offset := 0
	for offset < len(buf) {
		if offset+3 > len(buf) {
			return fmt.Errorf("%w: %s field header truncated", ErrInvalidPayload, msg)
		}
		tag := buf[offset]
		n := int(binary.BigEndian.Uint16(buf[offset+1:]))
		offset += 3
		if offset+n > len(buf) {
			return fmt.Errorf("%w: %s field %d truncated", ErrInvalidPayload, msg, tag)
		}
		if err := fn(tag, buf[offset:offset+n]); err != nil {
			return fmt.Errorf("%w: %s field %d: %v", ErrInvalidPayload, msg, tag, err)
		}
		offset += n
	}
	return nil
}

var errFieldWidth = errors.New("wrong width")

func getBool(v []byte, dst *bool) error {
	if len(v) != 1 {
		return errFieldWidth
	}
	*dst = v[0] != 0
	return nil
}

func getU16(v []byte, dst *uint16) error {
	if len(v) != 2 {
		return errFieldWidth
	}
	*dst = binary.BigEndian.Uint16(v)
	return nil
}

func getU32(v []byte, dst *uint32) error {
	if len(v) != 4 {
		return errFieldWidth
	}
	*dst = binary.BigEndian.Uint32(v)
	return nil
}

func getU64(v []byte, dst *uint64) error {
	if len(v) != 8 {
		return errFieldWidth
	}
	*dst = binary.BigEndian.Uint64(v)
	return nil
}

// ============================================================================
// Session payloads
// ============================================================================

// Auth is the payload for AUTH frames.
type Auth struct {
	Version  uint16
	Token    string
	ClientID string
}

// Encode serializes Auth to bytes.
func (a *Auth) Encode() []byte {
	w := fieldWriter{}
	w.u16(1, a.Version)
	w.str(2, a.Token)
	w.str(3, a.ClientID)
	return w.buf
}

// DecodeAuth deserializes Auth from bytes.
func DecodeAuth(buf []byte) (*Auth, error) {
	a := &Auth{}
	err := readFields("Auth", buf, func(tag uint8, v []byte) error {
		switch tag {
		case 1:
			return getU16(v, &a.Version)
		case 2:
			a.Token = string(v)
		case 3:
			a.ClientID = string(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// AuthResult is the payload for AUTH_RESULT frames.
type AuthResult struct {
	OK            bool
	Code          uint16
	Reason        string
	ServerVersion string
	// HeartbeatMillis tells the agent the relay's ping interval.
	HeartbeatMillis uint32
}

// Encode serializes AuthResult to bytes.
func (r *AuthResult) Encode() []byte {
	w := fieldWriter{}
	w.bool(1, r.OK)
	w.u16(2, r.Code)
	w.str(3, r.Reason)
	w.str(4, r.ServerVersion)
	w.u32(5, r.HeartbeatMillis)
	return w.buf
}

// DecodeAuthResult deserializes AuthResult from bytes.
func DecodeAuthResult(buf []byte) (*AuthResult, error) {
	r := &AuthResult{}
	err := readFields("AuthResult", buf, func(tag uint8, v []byte) error {
		switch tag {
		case 1:
			return getBool(v, &r.OK)
		case 2:
			return getU16(v, &r.Code)
		case 3:
			r.Reason = string(v)
		case 4:
			r.ServerVersion = string(v)
		case 5:
			return getU32(v, &r.HeartbeatMillis)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Heartbeat is the payload for PING and PONG frames. A PONG echoes the
// nonce and timestamp of the PING it answers.
type Heartbeat struct {
	Nonce     uint64
	Timestamp int64 // Unix nanoseconds
}

// Encode serializes Heartbeat to bytes.
func (h *Heartbeat) Encode() []byte {
	w := fieldWriter{}
	w.u64(1, h.Nonce)
	w.u64(2, uint64(h.Timestamp))
	return w.buf
}

// DecodeHeartbeat deserializes Heartbeat from bytes.
func DecodeHeartbeat(buf []byte) (*Heartbeat, error) {
	h := &Heartbeat{}
	err := readFields("Heartbeat", buf, func(tag uint8, v []byte) error {
		switch tag {
		case 1:
			return getU64(v, &h.Nonce)
		case 2:
			var ts uint64
			if err := getU64(v, &ts); err != nil {
				return err
			}
			h.Timestamp = int64(ts)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// ============================================================================
// Tunnel payloads
// ============================================================================

// TunnelRegister is the payload for TUNNEL_REGISTER frames.
type TunnelRegister struct {
	Name       string
	LocalAddr  string
	RemotePort uint16 // 0 lets the relay choose
	Protocol   string
}

// Encode serializes TunnelRegister to bytes.
func (t *TunnelRegister) Encode() []byte {
	w := fieldWriter{}
	w.str(1, t.Name)
	w.str(2, t.LocalAddr)
	w.u16(3, t.RemotePort)
	w.str(4, t.Protocol)
	return w.buf
}

// DecodeTunnelRegister deserializes TunnelRegister from bytes.
func DecodeTunnelRegister(buf []byte) (*TunnelRegister, error) {
	t := &TunnelRegister{}
	err := readFields("TunnelRegister", buf, func(tag uint8, v []byte) error {
		switch tag {
		case 1:
			t.Name = string(v)
		case 2:
			t.LocalAddr = string(v)
		case 3:
			return getU16(v, &t.RemotePort)
		case 4:
			t.Protocol = string(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// TunnelRegistered is the payload for TUNNEL_REGISTERED frames.
type TunnelRegistered struct {
	TunnelID   uint32
	RemotePort uint16
	Name       string
}

// Encode serializes TunnelRegistered to bytes.
func (t *TunnelRegistered) Encode() []byte {
	w := fieldWriter{}
	w.u32(1, t.TunnelID)
	w.u16(2, t.RemotePort)
	w.str(3, t.Name)
	return w.buf
}

// DecodeTunnelRegistered deserializes TunnelRegistered from bytes.
func DecodeTunnelRegistered(buf []byte) (*TunnelRegistered, error) {
	t := &TunnelRegistered{}
	err := readFields("TunnelRegistered", buf, func(tag uint8, v []byte) error {
		switch tag {
		case 1:
			return getU32(v, &t.TunnelID)
		case 2:
			return getU16(v, &t.RemotePort)
		case 3:
			t.Name = string(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// TunnelError is the payload for TUNNEL_ERROR frames. TunnelID is zero
// when the tunnel was never assigned one; Name identifies it instead.
type TunnelError struct {
	TunnelID uint32
	Code     uint16
	Message  string
	Name     string
}

// Encode serializes TunnelError to bytes.
func (t *TunnelError) Encode() []byte {
	w := fieldWriter{}
	w.u32(1, t.TunnelID)
	w.u16(2, t.Code)
	w.str(3, t.Message)
	w.str(4, t.Name)
	return w.buf
}

// DecodeTunnelError deserializes TunnelError from bytes.
func DecodeTunnelError(buf []byte) (*TunnelError, error) {
	t := &TunnelError{}
	err := readFields("TunnelError", buf, func(tag uint8, v []byte) error {
		switch tag {
		case 1:
			return getU32(v, &t.TunnelID)
		case 2:
			return getU16(v, &t.Code)
		case 3:
			t.Message = string(v)
		case 4:
			t.Name = string(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// TunnelUnregister is the payload for TUNNEL_UNREGISTER frames.
type TunnelUnregister struct {
	TunnelID uint32
}

// Encode serializes TunnelUnregister to bytes.
func (t *TunnelUnregister) Encode() []byte {
	w := fieldWriter{}
	w.u32(1, t.TunnelID)
	return w.buf
}

// DecodeTunnelUnregister deserializes TunnelUnregister from bytes.
func DecodeTunnelUnregister(buf []byte) (*TunnelUnregister, error) {
	t := &TunnelUnregister{}
	err := readFields("TunnelUnregister", buf, func(tag uint8, v []byte) error {
		if tag == 1 {
			return getU32(v, &t.TunnelID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ============================================================================
// Stream payloads
// ============================================================================

// Open is the payload for OPEN frames.
type Open struct {
	StreamID   uint32
	TunnelID   uint32
	Window     uint32 // Opener's receive window
	ClientAddr string // External peer address, informational
}

// Encode serializes Open to bytes.
func (o *Open) Encode() []byte {
	w := fieldWriter{}
	w.u32(1, o.StreamID)
	w.u32(2, o.TunnelID)
	w.u32(3, o.Window)
	w.str(4, o.ClientAddr)
	return w.buf
}

// DecodeOpen deserializes Open from bytes.
func DecodeOpen(buf []byte) (*Open, error) {
	o := &Open{}
	err := readFields("Open", buf, func(tag uint8, v []byte) error {
		switch tag {
		case 1:
			return getU32(v, &o.StreamID)
		case 2:
			return getU32(v, &o.TunnelID)
		case 3:
			return getU32(v, &o.Window)
		case 4:
			o.ClientAddr = string(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if o.StreamID == ControlStreamID {
		return nil, fmt.Errorf("%w: Open targets control stream", ErrInvalidPayload)
	}
	return o, nil
}

// OpenAck is the payload for OPEN_ACK frames.
type OpenAck struct {
	StreamID uint32
	Window   uint32 // Acceptor's receive window
}

// Encode serializes OpenAck to bytes.
func (o *OpenAck) Encode() []byte {
	w := fieldWriter{}
	w.u32(1, o.StreamID)
	w.u32(2, o.Window)
	return w.buf
}

// DecodeOpenAck deserializes OpenAck from bytes.
func DecodeOpenAck(buf []byte) (*OpenAck, error) {
	o := &OpenAck{}
	err := readFields("OpenAck", buf, func(tag uint8, v []byte) error {
		switch tag {
		case 1:
			return getU32(v, &o.StreamID)
		case 2:
			return getU32(v, &o.Window)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// Close is the payload for CLOSE frames. CodeNone marks a graceful close.
type Close struct {
	StreamID uint32
	Code     uint16
	Reason   string
}

// Encode serializes Close to bytes.
func (c *Close) Encode() []byte {
	w := fieldWriter{}
	w.u32(1, c.StreamID)
	w.u16(2, c.Code)
	w.str(3, c.Reason)
	return w.buf
}

// DecodeClose deserializes Close from bytes.
func DecodeClose(buf []byte) (*Close, error) {
	c := &Close{}
	err := readFields("Close", buf, func(tag uint8, v []byte) error {
		switch tag {
		case 1:
			return getU32(v, &c.StreamID)
		case 2:
			return getU16(v, &c.Code)
		case 3:
			c.Reason = string(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// WindowUpdate is the payload for WINDOW_UPDATE frames.
type WindowUpdate struct {
	StreamID uint32
	Credit   uint32
}

// Encode serializes WindowUpdate to bytes.
func (u *WindowUpdate) Encode() []byte {
	w := fieldWriter{}
	w.u32(1, u.StreamID)
	w.u32(2, u.Credit)
	return w.buf
}

// DecodeWindowUpdate deserializes WindowUpdate from bytes.
func DecodeWindowUpdate(buf []byte) (*WindowUpdate, error) {
	u := &WindowUpdate{}
	err := readFields("WindowUpdate", buf, func(tag uint8, v []byte) error {
		switch tag {
		case 1:
			return getU32(v, &u.StreamID)
		case 2:
			return getU32(v, &u.Credit)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}
