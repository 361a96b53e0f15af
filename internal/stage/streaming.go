package stage

import (
	"github.com/banshee-data/lattice.flow/internal/compute"
	"github.com/banshee-data/lattice.flow/internal/grid"
	"github.com/banshee-data/lattice.flow/internal/lattice"
)

// StreamNode pulls direction i of node (x,y,z) from the source node at
// (x,y,z)-c_i. Neighbours outside the grid are clamped to the nearest
// cell on each axis. The node's own density, velocity and type are
// carried over from src.
func StreamNode(src *grid.Grid, dst *lattice.Node, x, y, z int) {
	d := src.Dims()
	self := src.At(x, y, z)
	for i := 0; i < lattice.Q; i++ {
		c := lattice.Velocity(i)
		sx, sy, sz := d.Clamp(x-c[0], y-c[1], z-c[2])
		dst.F[i] = src.At(sx, sy, sz).F[i]
	}
	dst.Density, dst.Velocity, dst.Type = self.Density, self.Velocity, self.Type
}

// Streaming returns the kernel that streams src into dst.
func Streaming(src, dst *grid.Grid) compute.Kernel {
	return func(x, y, z, i int) {
		StreamNode(src, dst.Node(i), x, y, z)
	}
}
