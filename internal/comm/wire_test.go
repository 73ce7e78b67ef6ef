package comm

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/signalsfoundry/bondchange/model"
)

func TestEncoderDecoderValues(t *testing.T) {
	enc := NewEncoder(0)
	enc.Tag(model.Tag(123456789))
	enc.Int(-7)
	enc.Float(math.Inf(1))
	enc.Float(-0.125)
	enc.Bool(true)

	dec := NewDecoder(enc.Bytes())
	if got := dec.Tag(); got != 123456789 {
		t.Fatalf("Tag() = %d, want 123456789", got)
	}
	if got := dec.Int(); got != -7 {
		t.Fatalf("Int() = %d, want -7", got)
	}
	if got := dec.Float(); !math.IsInf(got, 1) {
		t.Fatalf("Float() = %v, want +Inf", got)
	}
	if got := dec.Float(); got != -0.125 {
		t.Fatalf("Float() = %v, want -0.125", got)
	}
	if !dec.Bool() {
		t.Fatalf("Bool() = false, want true")
	}
	if dec.Remaining() != 0 || dec.Err() != nil {
		t.Fatalf("remaining=%d err=%v, want 0 and nil", dec.Remaining(), dec.Err())
	}
}

func TestDecoderShortBufferIsSticky(t *testing.T) {
	dec := NewDecoder([]byte{0x01, 0x02})
	_ = dec.Float()
	if !errors.Is(dec.Err(), ErrProtocol) {
		t.Fatalf("Err() = %v, want ErrProtocol", dec.Err())
	}
	if got := dec.Int(); got != 0 {
		t.Fatalf("Int() after failure = %d, want 0", got)
	}
}

func TestEnvelopeCompression(t *testing.T) {
	payload := bytes.Repeat([]byte("bond"), 512)
	for _, compress := range []bool{false, true} {
		frame := EncodeEnvelope(Envelope{From: 3, Op: OpReverse, Seq: 42, Payload: payload}, compress)
		if compress && len(frame) >= len(payload) {
			t.Fatalf("compressed frame is %d bytes for a %d byte payload", len(frame), len(payload))
		}
		env, err := DecodeEnvelope(frame)
		if err != nil {
			t.Fatalf("DecodeEnvelope: %v", err)
		}
		if env.From != 3 || env.Op != OpReverse || env.Seq != 42 || !bytes.Equal(env.Payload, payload) {
			t.Fatalf("envelope mismatch (compress=%v): from=%d op=%s seq=%d", compress, env.From, env.Op, env.Seq)
		}
		from, err := SenderOf(frame)
		if err != nil || from != 3 {
			t.Fatalf("SenderOf = %d, %v; want 3", from, err)
		}
	}
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	if _, err := DecodeEnvelope([]byte{0xff}); !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}
	if _, err := DecodeEnvelope(nil); !errors.Is(err, ErrProtocol) {
		t.Fatalf("empty frame err = %v, want ErrProtocol", err)
	}
}
