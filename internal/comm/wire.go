package comm

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/signalsfoundry/bondchange/model"
)

// Encoder appends per-atom values to an exchange buffer using protobuf wire
// primitives: zigzag varints for integers and fixed64 for floats.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an encoder with the given initial capacity.
func NewEncoder(capacity int) *Encoder {
	return &Encoder{buf: make([]byte, 0, capacity)}
}

// Int appends a signed integer.
func (e *Encoder) Int(v int64) {
	e.buf = protowire.AppendVarint(e.buf, protowire.EncodeZigZag(v))
}

// Tag appends an atom identity.
func (e *Encoder) Tag(t model.Tag) { e.Int(int64(t)) }

// Float appends a float64 bit-exactly.
func (e *Encoder) Float(f float64) {
	e.buf = protowire.AppendFixed64(e.buf, math.Float64bits(f))
}

// Bool appends a boolean.
func (e *Encoder) Bool(b bool) {
	e.buf = protowire.AppendVarint(e.buf, protowire.EncodeBool(b))
}

// Bytes returns the encoded buffer.
func (e *Encoder) Bytes() []byte { return e.buf }

// Len returns the encoded length.
func (e *Encoder) Len() int { return len(e.buf) }

// Reset empties the buffer, keeping its capacity.
func (e *Encoder) Reset() { e.buf = e.buf[:0] }

// Decoder consumes values written by an Encoder. The first failure is
// sticky: later reads return zero values and Err reports the failure.
type Decoder struct {
	buf []byte
	err error
}

// NewDecoder wraps buf.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Int reads a signed integer.
func (d *Decoder) Int() int64 {
	if d.err != nil {
		return 0
	}
	v, n := protowire.ConsumeVarint(d.buf)
	if n < 0 {
		d.err = fmt.Errorf("%w: varint: %v", ErrProtocol, protowire.ParseError(n))
		return 0
	}
	d.buf = d.buf[n:]
	return protowire.DecodeZigZag(v)
}

// Tag reads an atom identity.
func (d *Decoder) Tag() model.Tag { return model.Tag(d.Int()) }

// Float reads a float64.
func (d *Decoder) Float() float64 {
	if d.err != nil {
		return 0
	}
	v, n := protowire.ConsumeFixed64(d.buf)
	if n < 0 {
		d.err = fmt.Errorf("%w: fixed64: %v", ErrProtocol, protowire.ParseError(n))
		return 0
	}
	d.buf = d.buf[n:]
	return math.Float64frombits(v)
}

// Bool reads a boolean.
func (d *Decoder) Bool() bool {
	if d.err != nil {
		return false
	}
	v, n := protowire.ConsumeVarint(d.buf)
	if n < 0 {
		d.err = fmt.Errorf("%w: bool: %v", ErrProtocol, protowire.ParseError(n))
		return false
	}
	d.buf = d.buf[n:]
	return protowire.DecodeBool(v)
}

// Err returns the first decoding failure.
func (d *Decoder) Err() error { return d.err }

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int { return len(d.buf) }
