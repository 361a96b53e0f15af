package geometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lattice.flow/internal/grid"
	"github.com/banshee-data/lattice.flow/internal/lattice"
	"github.com/banshee-data/lattice.flow/internal/simerr"
)

// Domain places the lattice in physical space. Node (x,y,z) sits at
// (x*dx, y*dy, z*dz).
type Domain struct {
	Dims    grid.Dims
	Spacing [3]float64
}

func (d Domain) position(x, y, z int) r3.Vec {
	return r3.Vec{X: float64(x) * d.Spacing[0], Y: float64(y) * d.Spacing[1], Z: float64(z) * d.Spacing[2]}
}

func (d Domain) validate() error {
	if _, err := grid.NewDims(d.Dims.NX, d.Dims.NY, d.Dims.NZ); err != nil {
		return err
	}
	for _, s := range d.Spacing {
		if !(s > 0) {
			return fmt.Errorf("spacing must be positive, got %v: %w", d.Spacing, simerr.ErrConfig)
		}
	}
	return nil
}

// Options controls classification beyond the mesh surface.
type Options struct {
	// ChannelWalls makes the y and z boundary planes solid.
	ChannelWalls bool
	// FillInterior marks fluid pockets that cannot be reached from the
	// domain faces as solid, turning a closed surface into a solid body.
	FillInterior bool
}

// Voxelize classifies every node of the domain against the mesh surface.
// Nodes within half a cell diagonal of any triangle become Solid. Non-solid
// nodes on the x=0 plane become Inlet and on the x=nx-1 plane Outlet.
func Voxelize(m *Mesh, d Domain, opts Options) ([]lattice.NodeType, error) {
	if m == nil || len(m.Triangles) == 0 {
		return nil, fmt.Errorf("mesh has no triangles: %w", simerr.ErrGeometry)
	}
	if err := d.validate(); err != nil {
		return nil, err
	}

	dims := d.Dims
	types := make([]lattice.NodeType, dims.Len())
	half := 0.5 * math.Sqrt(d.Spacing[0]*d.Spacing[0]+d.Spacing[1]*d.Spacing[1]+d.Spacing[2]*d.Spacing[2])
	reach := r3.Vec{X: half, Y: half, Z: half}

	for _, t := range m.Triangles {
		lo, hi := t.V[0], t.V[0]
		for _, v := range t.V[1:] {
			lo = r3.Vec{X: math.Min(lo.X, v.X), Y: math.Min(lo.Y, v.Y), Z: math.Min(lo.Z, v.Z)}
			hi = r3.Vec{X: math.Max(hi.X, v.X), Y: math.Max(hi.Y, v.Y), Z: math.Max(hi.Z, v.Z)}
		}
		lo, hi = r3.Sub(lo, reach), r3.Add(hi, reach)

		x0, x1, okx := cellRange(lo.X, hi.X, d.Spacing[0], dims.NX)
		y0, y1, oky := cellRange(lo.Y, hi.Y, d.Spacing[1], dims.NY)
		z0, z1, okz := cellRange(lo.Z, hi.Z, d.Spacing[2], dims.NZ)
		if !okx || !oky || !okz {
			continue
		}
		for z := z0; z <= z1; z++ {
			for y := y0; y <= y1; y++ {
				for x := x0; x <= x1; x++ {
					i := dims.Index(x, y, z)
					if types[i] == lattice.Solid {
						continue
					}
					p := d.position(x, y, z)
					if r3.Norm(r3.Sub(p, closestPoint(p, t))) <= half {
						types[i] = lattice.Solid
					}
				}
			}
		}
	}

	if opts.ChannelWalls {
		markWalls(dims, types)
	}
	if opts.FillInterior {
		n := fillInterior(dims, types)
		logs.Diagf("filled %d enclosed nodes", n)
	}
	markPlanes(dims, types)

	c := Count(types)
	logs.Opsf("voxelised %d triangles onto %s: %s", len(m.Triangles), dims, c)
	if c.Fluid == 0 {
		return nil, fmt.Errorf("no fluid nodes in %s domain (%s): %w", dims, c, simerr.ErrGeometry)
	}
	return types, nil
}

// Channel classifies an empty domain: fluid everywhere with the inlet and
// outlet planes, plus solid walls when requested.
func Channel(dims grid.Dims, opts Options) ([]lattice.NodeType, error) {
	if _, err := grid.NewDims(dims.NX, dims.NY, dims.NZ); err != nil {
		return nil, err
	}
	types := make([]lattice.NodeType, dims.Len())
	if opts.ChannelWalls {
		markWalls(dims, types)
	}
	markPlanes(dims, types)
	if c := Count(types); c.Fluid == 0 {
		return nil, fmt.Errorf("no fluid nodes in %s channel (%s): %w", dims, c, simerr.ErrGeometry)
	}
	return types, nil
}

// cellRange maps a physical interval to the node indices inside it,
// clipped to [0, n). ok is false when the interval misses the grid.
func cellRange(lo, hi, h float64, n int) (first, last int, ok bool) {
	first = int(math.Ceil(lo / h))
	last = int(math.Floor(hi / h))
	if first < 0 {
		first = 0
	}
	if last > n-1 {
		last = n - 1
	}
	return first, last, first <= last
}

func markWalls(d grid.Dims, types []lattice.NodeType) {
	for z := 0; z < d.NZ; z++ {
		for y := 0; y < d.NY; y++ {
			if y != 0 && y != d.NY-1 && z != 0 && z != d.NZ-1 {
				continue
			}
			for x := 0; x < d.NX; x++ {
				types[d.Index(x, y, z)] = lattice.Solid
			}
		}
	}
}

// markPlanes assigns Inlet and Outlet to the non-solid nodes of the x
// boundary planes. Solid takes precedence.
func markPlanes(d grid.Dims, types []lattice.NodeType) {
	for z := 0; z < d.NZ; z++ {
		for y := 0; y < d.NY; y++ {
			if i := d.Index(0, y, z); types[i] != lattice.Solid {
				types[i] = lattice.Inlet
			}
			if i := d.Index(d.NX-1, y, z); types[i] != lattice.Solid && d.NX > 1 {
				types[i] = lattice.Outlet
			}
		}
	}
}

// fillInterior flood-fills from every non-solid node on the domain faces
// and marks everything left unreached as solid. It returns the number of
// nodes filled.
func fillInterior(d grid.Dims, types []lattice.NodeType) int {
	reached := make([]bool, len(types))
	var queue []int
	push := func(x, y, z int) {
		if !d.Contains(x, y, z) {
			return
		}
		i := d.Index(x, y, z)
		if reached[i] || types[i] == lattice.Solid {
			return
		}
		reached[i] = true
		queue = append(queue, i)
	}
	for i := range types {
		x, y, z := d.Coords(i)
		if x == 0 || y == 0 || z == 0 || x == d.NX-1 || y == d.NY-1 || z == d.NZ-1 {
			push(x, y, z)
		}
	}
	for len(queue) > 0 {
		i := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		x, y, z := d.Coords(i)
		push(x-1, y, z)
		push(x+1, y, z)
		push(x, y-1, z)
		push(x, y+1, z)
		push(x, y, z-1)
		push(x, y, z+1)
	}

	filled := 0
	for i := range types {
		if !reached[i] && types[i] != lattice.Solid {
			types[i] = lattice.Solid
			filled++
		}
	}
	return filled
}

// closestPoint returns the point of triangle t nearest to p.
func closestPoint(p r3.Vec, t Triangle) r3.Vec {
	a, b, c := t.V[0], t.V[1], t.V[2]
	ab, ac, ap := r3.Sub(b, a), r3.Sub(c, a), r3.Sub(p, a)

	d1, d2 := r3.Dot(ab, ap), r3.Dot(ac, ap)
	if d1 <= 0 && d2 <= 0 {
		return a
	}
	bp := r3.Sub(p, b)
	d3, d4 := r3.Dot(ab, bp), r3.Dot(ac, bp)
	if d3 >= 0 && d4 <= d3 {
		return b
	}
	vc := d1*d4 - d3*d2
	if vc <= 0 && d1 >= 0 && d3 <= 0 {
		return r3.Add(a, r3.Scale(d1/(d1-d3), ab))
	}
	cp := r3.Sub(p, c)
	d5, d6 := r3.Dot(ab, cp), r3.Dot(ac, cp)
	if d6 >= 0 && d5 <= d6 {
		return c
	}
	vb := d5*d2 - d1*d6
	if vb <= 0 && d2 >= 0 && d6 <= 0 {
		return r3.Add(a, r3.Scale(d2/(d2-d6), ac))
	}
	va := d3*d6 - d5*d4
	if va <= 0 && d4-d3 >= 0 && d5-d6 >= 0 {
		return r3.Add(b, r3.Scale((d4-d3)/((d4-d3)+(d5-d6)), r3.Sub(c, b)))
	}
	// Degenerate triangles fall through with a zero denominator.
	denom := va + vb + vc
	if denom == 0 {
		return a
	}
	v, w := vb/denom, vc/denom
	return r3.Add(a, r3.Add(r3.Scale(v, ab), r3.Scale(w, ac)))
}

// Counts is the number of nodes of each type.
type Counts struct {
	Fluid, Solid, Inlet, Outlet int
}

// Count tallies a classification.
func Count(types []lattice.NodeType) Counts {
	var c Counts
	for _, t := range types {
		switch t {
		case lattice.Fluid:
			c.Fluid++
		case lattice.Solid:
			c.Solid++
		case lattice.Inlet:
			c.Inlet++
		case lattice.Outlet:
			c.Outlet++
		}
	}
	return c
}

func (c Counts) String() string {
	return fmt.Sprintf("fluid=%d solid=%d inlet=%d outlet=%d", c.Fluid, c.Solid, c.Inlet, c.Outlet)
}
