package lattice

import (
	"fmt"
	"math"
)

// Vec3 is a 3-component lattice vector.
type Vec3 [3]float64

// Norm2 returns the squared magnitude.
func (v Vec3) Norm2() float64 { return v[0]*v[0] + v[1]*v[1] + v[2]*v[2] }

// Norm returns the magnitude.
func (v Vec3) Norm() float64 { return math.Sqrt(v.Norm2()) }

// Scale returns v multiplied by s.
func (v Vec3) Scale(s float64) Vec3 { return Vec3{v[0] * s, v[1] * s, v[2] * s} }

// NodeType classifies a lattice node. The numeric values match the
// NodeType scalar written to VTK output.
type NodeType uint8

const (
	Fluid NodeType = iota
	Solid
	Inlet
	Outlet
)

func (t NodeType) String() string {
	switch t {
	case Fluid:
		return "fluid"
	case Solid:
		return "solid"
	case Inlet:
		return "inlet"
	case Outlet:
		return "outlet"
	default:
		return fmt.Sprintf("NodeType(%d)", uint8(t))
	}
}

// Valid reports whether t is one of the four declared types.
func (t NodeType) Valid() bool { return t <= Outlet }

// Node is one lattice cell: the 27 distribution values plus the cached
// macroscopic density and velocity.
type Node struct {
	F        [Q]float64
	Density  float64
	Velocity Vec3
	Type     NodeType
}

// NewEquilibriumNode returns a node of type t initialised to the
// equilibrium distribution for rho and u.
func NewEquilibriumNode(t NodeType, rho float64, u Vec3) Node {
	n := Node{Density: rho, Velocity: u, Type: t}
	EquilibriumSet(&n.F, rho, u)
	return n
}

// Moments computes density and velocity from f. A density that is not a
// positive finite number is replaced by 1 with zero velocity and ok is
// false.
func Moments(f *[Q]float64) (rho float64, u Vec3, ok bool) {
	var mx, my, mz float64
	for i := 0; i < Q; i++ {
		v := f[i]
		rho += v
		mx += v * cf[i][0]
		my += v * cf[i][1]
		mz += v * cf[i][2]
	}
	if !(rho > 0) || math.IsInf(rho, 0) {
		return 1, Vec3{}, false
	}
	return rho, Vec3{mx / rho, my / rho, mz / rho}, true
}

// MaxSpeed is the Mach 0.3 cap on node velocity magnitude.
var MaxSpeed = 0.3 * CS

// ClampMach scales u down proportionally when its magnitude exceeds
// MaxSpeed. Non-finite velocities collapse to zero.
func ClampMach(u Vec3) Vec3 {
	s := u.Norm()
	if math.IsNaN(s) || math.IsInf(s, 0) {
		return Vec3{}
	}
	if s > MaxSpeed {
		return u.Scale(MaxSpeed / s)
	}
	return u
}
