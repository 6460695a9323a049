// Package frame implements the binary framing used on subscription
// connections. Each websocket message carries one frame: a CBOR header
// followed by a CBOR body.
//
//	message: {op: 1, t: "#commit"} {...payload...}
//	error:   {op: -1}              {error: "FutureCursor", message: "..."}
package frame

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

const (
	OpMessage = 1
	OpError   = -1
)

// Frame is either a *MessageFrame or an *ErrorFrame.
type Frame interface {
	op() int
}

// MessageFrame carries an application payload. Type is the optional type
// tag, usually in the short "#name" form.
type MessageFrame struct {
	Type string
	Body any
}

func (*MessageFrame) op() int { return OpMessage }

// ErrorFrame terminates a subscription.
type ErrorFrame struct {
	Error   string `cbor:"error"`
	Message string `cbor:"message,omitempty"`
}

func (*ErrorFrame) op() int { return OpError }

type header struct {
	Op int    `cbor:"op"`
	T  string `cbor:"t,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}).DecMode(); err != nil {
		panic(err)
	}
}

// ErrMalformed is returned by Decode for frames that do not follow the
// header-then-body layout.
var ErrMalformed = errors.New("frame: malformed")

// Encode serializes f.
func Encode(f Frame) ([]byte, error) {
	var (
		h    header
		body any
	)
	switch f := f.(type) {
	case *MessageFrame:
		h = header{Op: OpMessage, T: f.Type}
		body = f.Body
	case *ErrorFrame:
		h = header{Op: OpError}
		body = f
	default:
		return nil, fmt.Errorf("frame: unsupported frame %T", f)
	}

	var buf bytes.Buffer
	enc := encMode.NewEncoder(&buf)
	if err := enc.Encode(h); err != nil {
		return nil, fmt.Errorf("frame: encode header: %w", err)
	}
	if err := enc.Encode(body); err != nil {
		return nil, fmt.Errorf("frame: encode body: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses a single frame. Message bodies decode into generic values
// (map[string]any, []any, ...).
func Decode(b []byte) (Frame, error) {
	dec := decMode.NewDecoder(bytes.NewReader(b))

	var h header
	if err := dec.Decode(&h); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}

	var f Frame
	switch h.Op {
	case OpMessage:
		m := &MessageFrame{Type: h.T}
		if err := dec.Decode(&m.Body); err != nil {
			return nil, fmt.Errorf("%w: body: %v", ErrMalformed, err)
		}
		f = m
	case OpError:
		e := &ErrorFrame{}
		if err := dec.Decode(e); err != nil {
			return nil, fmt.Errorf("%w: body: %v", ErrMalformed, err)
		}
		if e.Error == "" {
			return nil, fmt.Errorf("%w: error frame without error name", ErrMalformed)
		}
		f = e
	default:
		return nil, fmt.Errorf("%w: unknown op %d", ErrMalformed, h.Op)
	}

	if dec.NumBytesRead() != len(b) {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformed)
	}
	return f, nil
}
