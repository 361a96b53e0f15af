package grid

import (
	"fmt"
	"unsafe"

	"github.com/banshee-data/lattice.flow/internal/lattice"
	"github.com/banshee-data/lattice.flow/internal/simerr"
)

// Dims is the fixed extent of a grid.
type Dims struct {
	NX, NY, NZ int
}

// NewDims validates and returns grid dimensions.
func NewDims(nx, ny, nz int) (Dims, error) {
	if nx <= 0 || ny <= 0 || nz <= 0 {
		return Dims{}, fmt.Errorf("grid dimensions must be positive, got %dx%dx%d: %w", nx, ny, nz, simerr.ErrConfig)
	}
	return Dims{NX: nx, NY: ny, NZ: nz}, nil
}

// Len returns the number of nodes.
func (d Dims) Len() int { return d.NX * d.NY * d.NZ }

// Index returns the linear index of (x,y,z). x varies fastest.
func (d Dims) Index(x, y, z int) int { return x + d.NX*(y+d.NY*z) }

// Coords is the inverse of Index.
func (d Dims) Coords(i int) (x, y, z int) {
	x = i % d.NX
	y = (i / d.NX) % d.NY
	z = i / (d.NX * d.NY)
	return x, y, z
}

// Contains reports whether (x,y,z) lies inside the grid.
func (d Dims) Contains(x, y, z int) bool {
	return x >= 0 && x < d.NX && y >= 0 && y < d.NY && z >= 0 && z < d.NZ
}

// Clamp pulls each coordinate into [0, n) independently.
func (d Dims) Clamp(x, y, z int) (int, int, int) {
	return clamp(x, d.NX), clamp(y, d.NY), clamp(z, d.NZ)
}

func clamp(v, n int) int {
	if v < 0 {
		return 0
	}
	if v >= n {
		return n - 1
	}
	return v
}

func (d Dims) String() string { return fmt.Sprintf("%dx%dx%d", d.NX, d.NY, d.NZ) }

// NodeBytes is the in-memory size of one node.
const NodeBytes = int64(unsafe.Sizeof(lattice.Node{}))

// BufferBytes returns the memory held by a double buffer of these dims.
func (d Dims) BufferBytes() int64 { return 2 * int64(d.Len()) * NodeBytes }

// Grid is a dense 3D array of nodes.
type Grid struct {
	dims  Dims
	nodes []lattice.Node
}

// New allocates a zeroed grid.
func New(d Dims) *Grid {
	return &Grid{dims: d, nodes: make([]lattice.Node, d.Len())}
}

// Dims returns the grid dimensions.
func (g *Grid) Dims() Dims { return g.dims }

// Nodes exposes the backing slice, indexed by Dims.Index.
func (g *Grid) Nodes() []lattice.Node { return g.nodes }

// At returns the node at (x,y,z).
func (g *Grid) At(x, y, z int) *lattice.Node { return &g.nodes[g.dims.Index(x, y, z)] }

// Node returns the node at linear index i.
func (g *Grid) Node(i int) *lattice.Node { return &g.nodes[i] }

// Types returns a copy of the per-node classification.
func (g *Grid) Types() []lattice.NodeType {
	out := make([]lattice.NodeType, len(g.nodes))
	for i := range g.nodes {
		out[i] = g.nodes[i].Type
	}
	return out
}
