package comm

import (
	"errors"
	"fmt"

	"github.com/golang/snappy"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// ErrProtocol indicates a malformed frame or a frame arriving out of
	// the expected collective order.
	ErrProtocol = errors.New("comm protocol error")
	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("transport closed")
)

// Op identifies the collective operation a frame belongs to.
type Op uint8

const (
	OpForward Op = iota + 1
	OpReverse
	OpReduce
)

func (o Op) String() string {
	switch o {
	case OpForward:
		return "forward"
	case OpReverse:
		return "reverse"
	case OpReduce:
		return "reduce"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Envelope is the header plus payload of one frame.
type Envelope struct {
	From    int
	Op      Op
	Seq     uint64
	Payload []byte
}

const (
	fieldFrom    protowire.Number = 1
	fieldOp      protowire.Number = 2
	fieldSeq     protowire.Number = 3
	fieldSnappy  protowire.Number = 4
	fieldPayload protowire.Number = 5
)

// compressThreshold is the payload size below which snappy is not worth it.
const compressThreshold = 256

// EncodeEnvelope serialises env. When compress is set and the payload is
// large enough it is snappy-compressed.
func EncodeEnvelope(env Envelope, compress bool) []byte {
	payload := env.Payload
	packed := false
	if compress && len(payload) >= compressThreshold {
		payload = snappy.Encode(nil, payload)
		packed = true
	}
	b := make([]byte, 0, len(payload)+24)
	b = protowire.AppendTag(b, fieldFrom, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(env.From))
	b = protowire.AppendTag(b, fieldOp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(env.Op))
	b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, env.Seq)
	if packed {
		b = protowire.AppendTag(b, fieldSnappy, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, payload)
	return b
}

// DecodeEnvelope parses a frame produced by EncodeEnvelope.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var (
		env    Envelope
		packed bool
		seen   bool
	)
	for len(frame) > 0 {
		num, typ, n := protowire.ConsumeTag(frame)
		if n < 0 {
			return Envelope{}, fmt.Errorf("%w: tag: %v", ErrProtocol, protowire.ParseError(n))
		}
		frame = frame[n:]
		switch {
		case num == fieldPayload && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(frame)
			if m < 0 {
				return Envelope{}, fmt.Errorf("%w: payload: %v", ErrProtocol, protowire.ParseError(m))
			}
			env.Payload = v
			seen = true
			frame = frame[m:]
		case typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(frame)
			if m < 0 {
				return Envelope{}, fmt.Errorf("%w: field %d: %v", ErrProtocol, num, protowire.ParseError(m))
			}
			frame = frame[m:]
			switch num {
			case fieldFrom:
				env.From = int(v)
			case fieldOp:
				env.Op = Op(v)
			case fieldSeq:
				env.Seq = v
			case fieldSnappy:
				packed = v != 0
			}
		default:
			m := protowire.ConsumeFieldValue(num, typ, frame)
			if m < 0 {
				return Envelope{}, fmt.Errorf("%w: field %d: %v", ErrProtocol, num, protowire.ParseError(m))
			}
			frame = frame[m:]
		}
	}
	if !seen {
		return Envelope{}, fmt.Errorf("%w: frame has no payload", ErrProtocol)
	}
	if packed {
		raw, err := snappy.Decode(nil, env.Payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: snappy: %v", ErrProtocol, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// SenderOf reads only the sender rank of a frame. Network transports use it
// to route incoming frames to the right per-peer queue.
func SenderOf(frame []byte) (int, error) {
	num, typ, n := protowire.ConsumeTag(frame)
	if n < 0 || num != fieldFrom || typ != protowire.VarintType {
		return 0, fmt.Errorf("%w: frame does not start with sender", ErrProtocol)
	}
	v, m := protowire.ConsumeVarint(frame[n:])
	if m < 0 {
		return 0, fmt.Errorf("%w: sender: %v", ErrProtocol, protowire.ParseError(m))
	}
	return int(v), nil
}
