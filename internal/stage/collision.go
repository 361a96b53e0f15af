package stage

import (
	"github.com/banshee-data/lattice.flow/internal/compute"
	"github.com/banshee-data/lattice.flow/internal/grid"
	"github.com/banshee-data/lattice.flow/internal/lattice"
)

// CollideNode writes the post-collision state of src into dst and reports
// whether a numeric guard fired.
//
// Fluid nodes relax toward equilibrium with the BGK operator. A fluid node
// whose density is not a positive finite number is reset to rest
// equilibrium at unit density. Inlet nodes are pinned to the inlet
// equilibrium. Every other type is copied unchanged.
func CollideNode(src, dst *lattice.Node, p Params) bool {
	switch src.Type {
	case lattice.Fluid:
		rho, u, ok := lattice.Moments(&src.F)
		if !ok {
			lattice.EquilibriumSet(&dst.F, rho, u)
			dst.Density, dst.Velocity, dst.Type = rho, u, src.Type
			return true
		}
		u = lattice.ClampMach(u)
		omega := p.Omega()
		fallback := false
		for i := 0; i < lattice.Q; i++ {
			feq, fb := lattice.EquilibriumChecked(i, rho, u)
			fallback = fallback || fb
			dst.F[i] = src.F[i] + omega*(feq-src.F[i])
		}
		dst.Density, dst.Velocity, dst.Type = rho, u, src.Type
		return fallback

	case lattice.Inlet:
		fallback := lattice.EquilibriumSet(&dst.F, p.RefDensity, p.Inlet)
		dst.Density, dst.Velocity, dst.Type = p.RefDensity, p.Inlet, src.Type
		return fallback

	default:
		*dst = *src
		return false
	}
}

// Collision returns the kernel that collides every node of src into dst.
func Collision(src, dst *grid.Grid, p Params, fb *Fallbacks) compute.Kernel {
	s, d := src.Nodes(), dst.Nodes()
	return func(_, _, _, i int) {
		if CollideNode(&s[i], &d[i], p) {
			fb.Mark(i)
		}
	}
}
