package stage

import (
	"github.com/banshee-data/lattice.flow/internal/compute"
	"github.com/banshee-data/lattice.flow/internal/grid"
	"github.com/banshee-data/lattice.flow/internal/lattice"
)

// BoundaryNode applies the boundary rule for node (x,y,z) of g in place
// and reports whether a numeric guard fired.
//
// Only the node itself is written. Outlet nodes read their upstream
// neighbour, and only when it is Fluid, which this stage never writes.
func BoundaryNode(g *grid.Grid, x, y, z int, p Params) bool {
	n := g.At(x, y, z)
	switch n.Type {
	case lattice.Solid:
		f := n.F
		for i := 0; i < lattice.Q; i++ {
			n.F[i] = f[lattice.Opposite(i)]
		}
		n.Velocity = lattice.Vec3{}
		n.Density = p.RefDensity
		return false

	case lattice.Inlet:
		fallback := lattice.EquilibriumSet(&n.F, p.RefDensity, p.Inlet)
		n.Density, n.Velocity = p.RefDensity, p.Inlet
		return fallback

	case lattice.Outlet:
		axis, sign := p.FlowAxis()
		up := [3]int{x, y, z}
		up[axis] -= sign
		d := g.Dims()
		if d.Contains(up[0], up[1], up[2]) {
			if nb := g.At(up[0], up[1], up[2]); nb.Type == lattice.Fluid {
				*n = *nb
				n.Type = lattice.Outlet
				return false
			}
		}
		u := p.OutletVelocity()
		fallback := lattice.EquilibriumSet(&n.F, p.RefDensity, u)
		n.Density, n.Velocity = p.RefDensity, u
		return fallback

	default:
		return false
	}
}

// Boundary returns the kernel that applies boundary rules to g in place.
func Boundary(g *grid.Grid, p Params, fb *Fallbacks) compute.Kernel {
	return func(x, y, z, i int) {
		if BoundaryNode(g, x, y, z, p) {
			fb.Mark(i)
		}
	}
}
