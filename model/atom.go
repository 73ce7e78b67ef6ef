package model

import "math"

// Tag is the stable, globally unique identity of an atom. Tags start at 1.
type Tag int64

// NoTag marks the absence of a partner.
const NoTag Tag = 0

// Vec3 is a Cartesian vector.
type Vec3 struct {
	X float64
	Y float64
	Z float64
}

// Sub returns v - o.
func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z}
}

// Scale returns v scaled by f.
func (v Vec3) Scale(f float64) Vec3 {
	return Vec3{X: v.X * f, Y: v.Y * f, Z: v.Z * f}
}

// Add returns v + o.
func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z}
}

// NormSq returns the squared Euclidean length of v.
func (v Vec3) NormSq() float64 {
	return v.X*v.X + v.Y*v.Y + v.Z*v.Z
}

// DistSq returns the squared distance between a and b.
func DistSq(a, b Vec3) float64 {
	return a.Sub(b).NormSq()
}

// Dist returns the distance between a and b.
func Dist(a, b Vec3) float64 {
	return math.Sqrt(DistSq(a, b))
}

// GroupAll is the bit every atom carries.
const GroupAll uint32 = 1

// Atom is one particle together with the topology records it owns.
//
// Bonds, Angles, Dihedrals and Impropers are the records stored with this
// atom. Depending on the newton-bond setting a bond may be stored by one or
// by both of its endpoints.
type Atom struct {
	Tag      Tag
	Type     int
	Charge   float64
	Position Vec3
	Velocity Vec3
	Groups   uint32

	Bonds     []Bond
	Angles    []Angle
	Dihedrals []Dihedral
	Impropers []Improper

	Special SpecialList
}

// InGroup reports whether the atom belongs to every group in mask.
func (a *Atom) InGroup(mask uint32) bool {
	return a.Groups&mask == mask
}

// BondTo returns the position of the adjacency record pointing at partner, or -1.
func (a *Atom) BondTo(partner Tag) int {
	for i, b := range a.Bonds {
		if b.Partner == partner {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of the atom.
func (a *Atom) Clone() Atom {
	c := *a
	c.Bonds = append([]Bond(nil), a.Bonds...)
	c.Angles = append([]Angle(nil), a.Angles...)
	c.Dihedrals = append([]Dihedral(nil), a.Dihedrals...)
	c.Impropers = append([]Improper(nil), a.Impropers...)
	c.Special = a.Special.Clone()
	return c
}

// Bond is one adjacency record: the partner's identity plus the bond type.
type Bond struct {
	Partner Tag
	Type    int
}

// Angle is a three-body term i-j-k.
type Angle struct {
	Type  int
	Atoms [3]Tag
}

// Dihedral is a four-body chain term i-j-k-l.
type Dihedral struct {
	Type  int
	Atoms [4]Tag
}

// Improper is a four-body term whose first atom is bonded to the other three.
type Improper struct {
	Type  int
	Atoms [4]Tag
}

// BondRef is one entry of a rank's local bond list. I1 and I2 are local
// indices into the owning partition.
type BondRef struct {
	I1   int
	I2   int
	Type int
}
