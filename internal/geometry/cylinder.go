package geometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Cylinder builds a closed cylinder mesh with its axis along z. Each of
// the segments contributes two side facets and one facet per cap.
func Cylinder(center r3.Vec, radius, height float64, segments int) (*Mesh, error) {
	if !(radius > 0) || !(height > 0) {
		return nil, fmt.Errorf("cylinder radius and height must be positive, got %g and %g", radius, height)
	}
	if segments < 3 {
		return nil, fmt.Errorf("cylinder needs at least 3 segments, got %d", segments)
	}

	zb, zt := center.Z-height/2, center.Z+height/2
	bottom := r3.Vec{X: center.X, Y: center.Y, Z: zb}
	top := r3.Vec{X: center.X, Y: center.Y, Z: zt}
	down, up := r3.Vec{Z: -1}, r3.Vec{Z: 1}

	m := &Mesh{Name: "cylinder", Triangles: make([]Triangle, 0, 4*segments)}
	step := 2 * math.Pi / float64(segments)
	for i := 0; i < segments; i++ {
		a1, a2 := float64(i)*step, float64((i+1)%segments)*step
		c1, s1 := math.Cos(a1), math.Sin(a1)
		c2, s2 := math.Cos(a2), math.Sin(a2)
		p1b := r3.Vec{X: center.X + radius*c1, Y: center.Y + radius*s1, Z: zb}
		p2b := r3.Vec{X: center.X + radius*c2, Y: center.Y + radius*s2, Z: zb}
		p1t := r3.Vec{X: p1b.X, Y: p1b.Y, Z: zt}
		p2t := r3.Vec{X: p2b.X, Y: p2b.Y, Z: zt}
		side := r3.Unit(r3.Vec{X: c1 + c2, Y: s1 + s2})

		m.Triangles = append(m.Triangles,
			Triangle{Normal: side, V: [3]r3.Vec{p1b, p2b, p1t}},
			Triangle{Normal: side, V: [3]r3.Vec{p2b, p2t, p1t}},
			Triangle{Normal: down, V: [3]r3.Vec{bottom, p2b, p1b}},
			Triangle{Normal: up, V: [3]r3.Vec{top, p1t, p2t}},
		)
	}
	return m, nil
}
