package protocol

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Action identifies the operation carried by a frame. The byte values are
// shared with every client of the wire protocol.
type Action byte

const (
	ActionLock   Action = 1
	ActionUnlock Action = 2
	ActionInit   Action = 3
	ActionCont   Action = 4
)

func (a Action) String() string {
	switch a {
	case ActionLock:
		return "LOCK"
	case ActionUnlock:
		return "UNLOCK"
	case ActionInit:
		return "INIT"
	case ActionCont:
		return "CONT"
	default:
		return fmt.Sprintf("ACTION(%d)", byte(a))
	}
}

// Valid reports whether a is one of the four known actions.
func (a Action) Valid() bool {
	return a >= ActionLock && a <= ActionCont
}

const (
	// HeaderSize is the fixed part of a request frame that precedes the name.
	HeaderSize = 14
	// ResponseSize is the length of every response frame.
	ResponseSize = 6
	// MaxNameBytes is the longest name a one-byte length prefix can carry.
	MaxNameBytes = 255
)

type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

// Request is one decoded request frame. Wait and Timeout are milliseconds as
// carried on the wire.
type Request struct {
	Action   Action
	Sequence uint32
	Wait     uint32
	Timeout  uint32
	Name     string
}

// WaitBudget returns the wait-to-acquire budget as a duration.
func (r *Request) WaitBudget() time.Duration {
	return time.Duration(r.Wait) * time.Millisecond
}

// HoldBudget returns the hold-timeout (lease) budget as a duration.
func (r *Request) HoldBudget() time.Duration {
	return time.Duration(r.Timeout) * time.Millisecond
}

// Response is one response frame.
type Response struct {
	Sequence uint32
	Action   Action
	OK       bool
}

// Decoder accumulates bytes from a connection and yields complete frames.
// Partial frames are retained until the rest arrives. A Decoder is not safe
// for concurrent use.
type Decoder struct {
	buf []byte
}

// Write appends a chunk read from the transport.
func (d *Decoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Buffered returns the number of bytes waiting to form a frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete frame. ok is false when fewer than
// name-length+14 bytes are buffered.
func (d *Decoder) Next() (req Request, ok bool, err error) {
	if len(d.buf) == 0 {
		return Request{}, false, nil
	}
	n := int(d.buf[0])
	size := HeaderSize + n
	if len(d.buf) < size {
		return Request{}, false, nil
	}
	req, err = decodeFrame(d.buf[:size])
	if err != nil {
		return Request{}, false, err
	}
	// Shift the remainder down so the backing array is reused.
	rest := copy(d.buf, d.buf[size:])
	d.buf = d.buf[:rest]
	return req, true, nil
}

func decodeFrame(frame []byte) (Request, error) {
	n := int(frame[0])
	if len(frame) != HeaderSize+n {
		return Request{}, &ProtocolError{Code: 1, Message: fmt.Sprintf("name length %d overruns frame of %d bytes", n, len(frame))}
	}
	return Request{
		Sequence: binary.LittleEndian.Uint32(frame[1:5]),
		Wait:     binary.LittleEndian.Uint32(frame[5:9]),
		Timeout:  binary.LittleEndian.Uint32(frame[9:13]),
		Action:   Action(frame[13]),
		Name:     string(frame[HeaderSize:]),
	}, nil
}

// AppendRequest encodes req onto dst.
func AppendRequest(dst []byte, req Request) ([]byte, error) {
	if len(req.Name) > MaxNameBytes {
		return dst, &ProtocolError{Code: 2, Message: fmt.Sprintf("name is %d bytes, max %d", len(req.Name), MaxNameBytes)}
	}
	dst = append(dst, byte(len(req.Name)))
	dst = binary.LittleEndian.AppendUint32(dst, req.Sequence)
	dst = binary.LittleEndian.AppendUint32(dst, req.Wait)
	dst = binary.LittleEndian.AppendUint32(dst, req.Timeout)
	dst = append(dst, byte(req.Action))
	dst = append(dst, req.Name...)
	return dst, nil
}

// EncodeResponse returns the 6-byte response frame.
func EncodeResponse(resp Response) []byte {
	b := make([]byte, ResponseSize)
	binary.LittleEndian.PutUint32(b[0:4], resp.Sequence)
	b[4] = byte(resp.Action)
	if resp.OK {
		b[5] = 1
	}
	return b
}

// DecodeResponse parses a response frame; b must be exactly ResponseSize bytes.
func DecodeResponse(b []byte) (Response, error) {
	if len(b) != ResponseSize {
		return Response{}, &ProtocolError{Code: 3, Message: fmt.Sprintf("response frame is %d bytes, want %d", len(b), ResponseSize)}
	}
	return Response{
		Sequence: binary.LittleEndian.Uint32(b[0:4]),
		Action:   Action(b[4]),
		OK:       b[5] == 1,
	}, nil
}

// MillisFromDuration converts a budget to wire milliseconds, clamping to the
// u32 range.
func MillisFromDuration(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	ms := d.Milliseconds()
	if ms > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(ms)
}
