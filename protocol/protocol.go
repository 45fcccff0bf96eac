// Package protocol defines the relaymesh wire formats: the CBOR codec and
// the length-prefixed frames exchanged over transport connections.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/najoast/relaymesh/core"
)

// DefaultMaxFrameSize bounds the body of a single frame.
const DefaultMaxFrameSize = 1 << 20

// ErrFrameTooLarge is returned for frames above the configured maximum.
var ErrFrameTooLarge = errors.New("frame too large")

// encMode uses Core Deterministic Encoding so the same message always
// produces the same bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Frame is the transport form of a routed message. Flow control ids are
// node-local and never cross the wire.
type Frame struct {
	Onward  []string `cbor:"1,keyasint"`
	Return  []string `cbor:"2,keyasint"`
	Payload []byte   `cbor:"3,keyasint,omitempty"`

	// Failure carries a delivery failure notice
	Failure *FailureFrame `cbor:"4,keyasint,omitempty"`
}

// FailureFrame is the wire form of core.DeliveryFailure.
type FailureFrame struct {
	Address string `cbor:"1,keyasint"`
	Reason  string `cbor:"2,keyasint"`
}

// FrameFromMessage converts msg to its wire form.
func FrameFromMessage(msg *core.LocalMessage) *Frame {
	f := &Frame{
		Onward:  routeToStrings(msg.Onward),
		Return:  routeToStrings(msg.Return),
		Payload: msg.Payload,
	}
	if msg.Failure != nil {
		f.Failure = &FailureFrame{Address: string(msg.Failure.Address), Reason: msg.Failure.Reason}
	}
	return f
}

// Message converts f back to a message. The result carries no flow id.
func (f *Frame) Message() *core.LocalMessage {
	msg := &core.LocalMessage{
		Onward:  stringsToRoute(f.Onward),
		Return:  stringsToRoute(f.Return),
		Payload: f.Payload,
	}
	if f.Failure != nil {
		msg.Failure = &core.DeliveryFailure{Address: core.Address(f.Failure.Address), Reason: f.Failure.Reason}
	}
	return msg
}

// WriteFrame writes f to w with a 4-byte big-endian length prefix.
func WriteFrame(w io.Writer, f *Frame, maxSize int) error {
	data, err := Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	if len(data) > maxSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader, maxSize int) (*Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if uint64(length) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}

	f := &Frame{}
	if err := Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

func routeToStrings(r core.Route) []string {
	out := make([]string, len(r))
	for i, a := range r {
		out[i] = string(a)
	}
	return out
}

func stringsToRoute(s []string) core.Route {
	out := make(core.Route, len(s))
	for i, a := range s {
		out[i] = core.Address(a)
	}
	return out
}
