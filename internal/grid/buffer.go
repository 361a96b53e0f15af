package grid

import (
	"fmt"

	"github.com/banshee-data/lattice.flow/internal/lattice"
	"github.com/banshee-data/lattice.flow/internal/simerr"
)

// Buffer is the double buffer the stages read from and write to. One grid
// is the source, the other the target; Flip swaps the roles once a stage
// has completed over the whole grid.
type Buffer struct {
	grids [2]*Grid
	src   int
	flips uint64
}

// NewBuffer builds both grids from a node classification. Fluid, Solid and
// Outlet nodes start at equilibrium for rhoRef at rest; Inlet nodes start
// at equilibrium for rhoRef and the inlet velocity. Both grids hold the
// same initial state.
func NewBuffer(d Dims, types []lattice.NodeType, rhoRef float64, inlet lattice.Vec3) (*Buffer, error) {
	if len(types) != d.Len() {
		return nil, fmt.Errorf("classification has %d nodes, grid %s needs %d: %w", len(types), d, d.Len(), simerr.ErrGeometry)
	}
	if !(rhoRef > 0) {
		return nil, fmt.Errorf("reference density must be positive, got %g: %w", rhoRef, simerr.ErrConfig)
	}

	rest := lattice.NewEquilibriumNode(lattice.Fluid, rhoRef, lattice.Vec3{})
	pinned := lattice.NewEquilibriumNode(lattice.Inlet, rhoRef, inlet)

	a := New(d)
	for i, t := range types {
		if !t.Valid() {
			x, y, z := d.Coords(i)
			return nil, fmt.Errorf("node (%d,%d,%d) has unknown type %d: %w", x, y, z, t, simerr.ErrGeometry)
		}
		if t == lattice.Inlet {
			a.nodes[i] = pinned
			continue
		}
		a.nodes[i] = rest
		a.nodes[i].Type = t
	}

	b := New(d)
	copy(b.nodes, a.nodes)
	return &Buffer{grids: [2]*Grid{a, b}}, nil
}

// Dims returns the dimensions shared by both grids.
func (b *Buffer) Dims() Dims { return b.grids[0].dims }

// Source returns the grid stages read from.
func (b *Buffer) Source() *Grid { return b.grids[b.src] }

// Target returns the grid stages write to.
func (b *Buffer) Target() *Grid { return b.grids[1-b.src] }

// Flip swaps source and target. Call only after every write to the
// target has finished.
func (b *Buffer) Flip() {
	b.src = 1 - b.src
	b.flips++
}

// Flips returns how many times the roles have been swapped.
func (b *Buffer) Flips() uint64 { return b.flips }

// Release drops both grids. The buffer is unusable afterwards.
func (b *Buffer) Release() {
	b.grids = [2]*Grid{}
}

// Released reports whether Release has been called.
func (b *Buffer) Released() bool { return b.grids[0] == nil }
