package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/loomworks/weft/internal/bin"
)

// Wire frame layout, all integers big-endian:
//
//	total_len : u32 | mtype : u32 | id_len : u32 | id : bytes | body : bytes
//
// total_len counts every byte after itself, so a frame occupies
// 4+total_len bytes and total_len >= 8 always.
const (
	frameHeaderLen = 12
	minTotalLen    = 8

	// DefaultMaxFrameBytes caps a single frame. The cap is configurable
	// between MinFrameCap and MaxFrameCap for deployments that need larger
	// payloads.
	DefaultMaxFrameBytes = 64 * 1024
	MinFrameCap          = 4 * 1024
	MaxFrameCap          = 16 << 20
)

// ErrInvalidFrame reports a frame that violates the wire contract: bogus
// lengths, an unknown mtype, an undecodable body, or a body that fails its
// semantic check. It is fatal to the connection that produced it.
var ErrInvalidFrame = errors.New("wire: invalid frame")

// ErrFrameTooLarge reports an outbound message that would exceed the frame cap.
var ErrFrameTooLarge = errors.New("wire: frame too large")

// ClampFrameCap normalizes a configured cap: non-positive selects the
// default, out-of-range values are pulled back to the permitted window.
func ClampFrameCap(n int) int {
	if n <= 0 {
		return DefaultMaxFrameBytes
	}
	if n < MinFrameCap {
		return MinFrameCap
	}
	if n > MaxFrameCap {
		return MaxFrameCap
	}
	return n
}

// Encode serializes a message into a single frame. maxFrame<=0 selects the
// default cap.
func Encode(m *Message, maxFrame int) ([]byte, error) {
	if m == nil || m.Body == nil {
		return nil, fmt.Errorf("wire: encode nil message")
	}
	if m.ID == "" {
		return nil, fmt.Errorf("wire: encode message without id")
	}
	body, err := json.Marshal(m.Body)
	if err != nil {
		return nil, err
	}
	total := minTotalLen + len(m.ID) + len(body)
	if total > ClampFrameCap(maxFrame) {
		return nil, ErrFrameTooLarge
	}
	out := make([]byte, 0, 4+total)
	var hdr [frameHeaderLen]byte
	bin.PutU32BE(hdr[0:4], uint32(total))
	bin.PutU32BE(hdr[4:8], uint32(m.Body.MType()))
	bin.PutU32BE(hdr[8:12], uint32(len(m.ID)))
	out = append(out, hdr[:]...)
	out = append(out, m.ID...)
	out = append(out, body...)
	return out, nil
}

// Decode attempts to extract one frame from the front of buf.
//
// It returns (nil, 0, nil) when buf does not yet hold a complete frame,
// (msg, n, nil) when a frame of n bytes was consumed, and an error wrapping
// ErrInvalidFrame when the bytes violate the wire contract. Two independent
// length checks guard the header: total_len against the frame cap, and
// id_len against the span total_len leaves for it — a single check cannot
// stop a forged id_len from carving a bogus body length out of the frame.
func Decode(buf []byte, maxFrame int) (*Message, int, error) {
	if len(buf) < frameHeaderLen {
		return nil, 0, nil
	}
	maxFrame = ClampFrameCap(maxFrame)
	total := int64(bin.U32BE(buf[0:4]))
	if total < minTotalLen || total > int64(maxFrame) {
		return nil, 0, fmt.Errorf("%w: total_len %d out of range", ErrInvalidFrame, total)
	}
	if int64(len(buf)) < 4+total {
		return nil, 0, nil
	}
	mtype := MType(bin.U32BE(buf[4:8]))
	idLen := int64(bin.U32BE(buf[8:12]))
	if idLen > total-minTotalLen {
		return nil, 0, fmt.Errorf("%w: id_len %d exceeds frame", ErrInvalidFrame, idLen)
	}
	if idLen == 0 {
		return nil, 0, fmt.Errorf("%w: empty id", ErrInvalidFrame)
	}
	id := string(buf[frameHeaderLen : frameHeaderLen+idLen])
	body := buf[frameHeaderLen+idLen : 4+total]
	b, err := NewBody(mtype)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if err := json.Unmarshal(body, b); err != nil {
		return nil, 0, fmt.Errorf("%w: body: %v", ErrInvalidFrame, err)
	}
	if err := b.Check(); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return &Message{ID: id, Body: b}, int(4 + total), nil
}

// ReadMessage reads exactly one frame from r, blocking until it is complete.
// The length checks run before any frame-sized allocation, so a forged
// header cannot trigger one.
func ReadMessage(r io.Reader, maxFrame int) (*Message, error) {
	maxFrame = ClampFrameCap(maxFrame)
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	total := int64(bin.U32BE(hdr[0:4]))
	if total < minTotalLen || total > int64(maxFrame) {
		return nil, fmt.Errorf("%w: total_len %d out of range", ErrInvalidFrame, total)
	}
	frame := make([]byte, 4+total)
	copy(frame, hdr[:])
	if _, err := io.ReadFull(r, frame[frameHeaderLen:]); err != nil {
		return nil, err
	}
	m, _, err := Decode(frame, maxFrame)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%w: truncated frame", ErrInvalidFrame)
	}
	return m, nil
}

// WriteMessage encodes m and writes the frame in a single Write call, so
// concurrent writers on a serialized writer cannot interleave frame bytes.
func WriteMessage(w io.Writer, m *Message, maxFrame int) error {
	frame, err := Encode(m, maxFrame)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}
