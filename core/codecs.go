package core

import (
	"fmt"

	"github.com/signalsfoundry/bondchange/internal/comm"
	"github.com/signalsfoundry/bondchange/kb"
	"github.com/signalsfoundry/bondchange/model"
)

// packAttrs writes the per-atom attributes every forward exchange refreshes.
func packAttrs(enc *comm.Encoder, a *model.Atom, hasCharge bool) {
	enc.Int(int64(a.Type))
	if hasCharge {
		enc.Float(a.Charge)
	}
}

func unpackAttrs(dec *comm.Decoder, a *model.Atom, hasCharge bool) {
	a.Type = int(dec.Int())
	if hasCharge {
		a.Charge = dec.Float()
	}
}

// stateCodec refreshes ghost positions and attributes after integration.
type stateCodec struct {
	part *kb.Partition
}

func (s stateCodec) PackForward(enc *comm.Encoder, i int) {
	a := s.part.Atom(i)
	packAttrs(enc, a, s.part.HasCharge())
	enc.Float(a.Position.X)
	enc.Float(a.Position.Y)
	enc.Float(a.Position.Z)
}

func (s stateCodec) UnpackForward(dec *comm.Decoder, i int) error {
	a := s.part.Atom(i)
	unpackAttrs(dec, a, s.part.HasCharge())
	a.Position = model.Vec3{X: dec.Float(), Y: dec.Float(), Z: dec.Float()}
	return dec.Err()
}

// reverseCodec returns candidates found on ghosts to their owners.
type reverseCodec struct {
	c *candidates
}

func (r reverseCodec) PackReverse(enc *comm.Encoder, i int) {
	enc.Tag(r.c.partner[i])
	enc.Int(int64(r.c.btype[i]))
	enc.Float(r.c.score[i])
}

func (r reverseCodec) UnpackReverse(dec *comm.Decoder, i int) error {
	partner, btype, score := dec.Tag(), int(dec.Int()), dec.Float()
	if err := dec.Err(); err != nil {
		return err
	}
	r.c.merge(i, partner, btype, score)
	return nil
}

// candidateCodec broadcasts each owner's winning partner, the type of the
// bond joining them, and the draw.
type candidateCodec struct {
	part *kb.Partition
	c    *candidates
}

func (cc candidateCodec) PackForward(enc *comm.Encoder, i int) {
	packAttrs(enc, cc.part.Atom(i), cc.part.HasCharge())
	enc.Tag(cc.c.partner[i])
	enc.Int(int64(cc.c.btype[i]))
	enc.Float(cc.c.draw[i])
}

func (cc candidateCodec) UnpackForward(dec *comm.Decoder, i int) error {
	unpackAttrs(dec, cc.part.Atom(i), cc.part.HasCharge())
	cc.c.partner[i] = dec.Tag()
	cc.c.btype[i] = int(dec.Int())
	cc.c.draw[i] = dec.Float()
	return dec.Err()
}

// topologyCodec broadcasts final partners and the post-mutation 1-2 lists.
// A ghost's special list is reduced to its 1-2 prefix, which is all the
// rebuild reads from it.
type topologyCodec struct {
	part       *kb.Partition
	c          *candidates
	maxSpecial int
}

func (t topologyCodec) PackForward(enc *comm.Encoder, i int) {
	a := t.part.Atom(i)
	packAttrs(enc, a, t.part.HasCharge())
	enc.Tag(t.c.final[i])
	ids := a.Special.OneTwo()
	enc.Int(int64(len(ids)))
	for _, id := range ids {
		enc.Tag(id)
	}
}

func (t topologyCodec) UnpackForward(dec *comm.Decoder, i int) error {
	a := t.part.Atom(i)
	unpackAttrs(dec, a, t.part.HasCharge())
	t.c.final[i] = dec.Tag()
	ns := int(dec.Int())
	if err := dec.Err(); err != nil {
		return err
	}
	if ns < 0 || (t.maxSpecial > 0 && ns > t.maxSpecial) {
		return fmt.Errorf("%w: 1-2 count %d for atom %d", comm.ErrProtocol, ns, a.Tag)
	}
	ids := a.Special.IDs[:0]
	for k := 0; k < ns; k++ {
		ids = append(ids, dec.Tag())
	}
	a.Special = model.SpecialList{IDs: ids, N12: ns, N13: ns, N14: ns}
	return dec.Err()
}
