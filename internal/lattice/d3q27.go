package lattice

import "math"

// Q is the number of discrete velocities in the D3Q27 set.
const Q = 27

// CS2 is the lattice speed of sound squared.
const CS2 = 1.0 / 3.0

// CS is the lattice speed of sound.
var CS = math.Sqrt(CS2)

// Weight classes.
const (
	weightRest   = 8.0 / 27.0
	weightFace   = 2.0 / 27.0
	weightEdge   = 1.0 / 54.0
	weightCorner = 1.0 / 216.0
)

// velocities lists the 27 lattice directions: rest, 6 faces, 12 edges,
// 8 corners. The order is part of the on-disk snapshot format.
var velocities = [Q][3]int{
	{0, 0, 0},

	{1, 0, 0}, {-1, 0, 0}, {0, 1, 0}, {0, -1, 0}, {0, 0, 1}, {0, 0, -1},

	{1, 1, 0}, {1, -1, 0}, {-1, 1, 0}, {-1, -1, 0},
	{1, 0, 1}, {1, 0, -1}, {-1, 0, 1}, {-1, 0, -1},
	{0, 1, 1}, {0, 1, -1}, {0, -1, 1}, {0, -1, -1},

	{1, 1, 1}, {1, 1, -1}, {1, -1, 1}, {1, -1, -1},
	{-1, 1, 1}, {-1, 1, -1}, {-1, -1, 1}, {-1, -1, -1},
}

var (
	weights  [Q]float64
	opposite [Q]int
	// cf holds the velocities as floats for the hot loops.
	cf [Q][3]float64
)

func init() {
	for i, c := range velocities {
		switch abs(c[0]) + abs(c[1]) + abs(c[2]) {
		case 0:
			weights[i] = weightRest
		case 1:
			weights[i] = weightFace
		case 2:
			weights[i] = weightEdge
		default:
			weights[i] = weightCorner
		}
		cf[i] = [3]float64{float64(c[0]), float64(c[1]), float64(c[2])}

		opposite[i] = -1
		for j, d := range velocities {
			if d[0] == -c[0] && d[1] == -c[1] && d[2] == -c[2] {
				opposite[i] = j
				break
			}
		}
		if opposite[i] < 0 {
			panic("lattice: velocity set is not symmetric")
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Weight returns the quadrature weight of direction i.
func Weight(i int) float64 { return weights[i] }

// Velocity returns the integer velocity vector of direction i.
func Velocity(i int) [3]int { return velocities[i] }

// Opposite returns the direction pointing the other way. Opposite(0) is 0.
func Opposite(i int) int { return opposite[i] }

// Equilibrium returns the equilibrium distribution of direction i for the
// given density and velocity.
func Equilibrium(i int, rho float64, u Vec3) float64 {
	v, _ := EquilibriumChecked(i, rho, u)
	return v
}

// EquilibriumChecked is Equilibrium that also reports whether one of the
// validity guards replaced the polynomial.
//
// A density <= 0 or |u|^2 > 1 yields the bare weight. A negative or NaN
// result yields the uniform value w*rho/27.
func EquilibriumChecked(i int, rho float64, u Vec3) (float64, bool) {
	w := weights[i]
	u2 := u.Norm2()
	if rho <= 0 || u2 > 1.0 {
		return w, true
	}
	c := &cf[i]
	cu := c[0]*u[0] + c[1]*u[1] + c[2]*u[2]
	feq := w * rho * (1 + 3*cu + 4.5*cu*cu - 1.5*u2)
	if feq < 0 || math.IsNaN(feq) {
		return w * rho / 27.0, true
	}
	return feq, false
}

// EquilibriumSet fills f with the equilibrium of every direction and
// returns true if any guard fired.
func EquilibriumSet(f *[Q]float64, rho float64, u Vec3) bool {
	fallback := false
	for i := 0; i < Q; i++ {
		v, fb := EquilibriumChecked(i, rho, u)
		f[i] = v
		fallback = fallback || fb
	}
	return fallback
}
