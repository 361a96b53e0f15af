package solver

import (
	"github.com/banshee-data/lattice.flow/internal/grid"
	"github.com/banshee-data/lattice.flow/internal/lattice"
)

// Snapshot copies the macroscopic fields of the latest completed iteration.
func (s *Solver) Snapshot() *Snapshot {
	snap := snapshotOf(s.buf.Source(), s.params.Spacing)
	snap.Iteration = s.Iteration()
	snap.RefDensity = s.params.Stage.RefDensity
	return snap
}

func snapshotOf(g *grid.Grid, spacing [3]float64) *Snapshot {
	d := g.Dims()
	n := d.Len()
	snap := &Snapshot{
		NX: d.NX, NY: d.NY, NZ: d.NZ,
		Spacing:   spacing,
		Velocity:  make([]lattice.Vec3, n),
		Density:   make([]float64, n),
		Pressure:  make([]float64, n),
		Vorticity: make([]lattice.Vec3, n),
		Types:     make([]lattice.NodeType, n),
	}
	nodes := g.Nodes()
	for i := range nodes {
		snap.Velocity[i] = nodes[i].Velocity
		snap.Density[i] = nodes[i].Density
		snap.Pressure[i] = nodes[i].Density * lattice.CS2
		snap.Types[i] = nodes[i].Type
	}
	vorticity(d, spacing, snap.Velocity, snap.Types, snap.Vorticity)
	return snap
}

// vorticity fills out with the curl of u by central differences. Only
// interior Fluid nodes get a value; the rest stay zero.
func vorticity(d grid.Dims, spacing [3]float64, u []lattice.Vec3, types []lattice.NodeType, out []lattice.Vec3) {
	dx2, dy2, dz2 := 2*spacing[0], 2*spacing[1], 2*spacing[2]
	for z := 1; z < d.NZ-1; z++ {
		for y := 1; y < d.NY-1; y++ {
			for x := 1; x < d.NX-1; x++ {
				i := d.Index(x, y, z)
				if types[i] != lattice.Fluid {
					continue
				}
				xp, xm := u[d.Index(x+1, y, z)], u[d.Index(x-1, y, z)]
				yp, ym := u[d.Index(x, y+1, z)], u[d.Index(x, y-1, z)]
				zp, zm := u[d.Index(x, y, z+1)], u[d.Index(x, y, z-1)]

				dwdy := (yp[2] - ym[2]) / dy2
				dvdz := (zp[1] - zm[1]) / dz2
				dudz := (zp[0] - zm[0]) / dz2
				dwdx := (xp[2] - xm[2]) / dx2
				dvdx := (xp[1] - xm[1]) / dx2
				dudy := (yp[0] - ym[0]) / dy2

				out[i] = lattice.Vec3{dwdy - dvdz, dudz - dwdx, dvdx - dudy}
			}
		}
	}
}

// Speed returns |u| for every node of the snapshot.
func (s *Snapshot) Speed() []float64 {
	out := make([]float64, len(s.Velocity))
	for i, u := range s.Velocity {
		out[i] = u.Norm()
	}
	return out
}

// Dims returns the snapshot's grid dimensions.
func (s *Snapshot) Dims() grid.Dims { return grid.Dims{NX: s.NX, NY: s.NY, NZ: s.NZ} }
