package output

import (
	"bufio"
	"fmt"
	"io"
	"strconv"

	"github.com/banshee-data/lattice.flow/internal/lattice"
	"github.com/banshee-data/lattice.flow/internal/solver"
)

// GeometryType maps a node type to the scalar used for colouring in
// ParaView: fluid 0, solid 1, inlet 0.5, outlet 0.25.
func GeometryType(t lattice.NodeType) float64 {
	switch t {
	case lattice.Fluid:
		return 0
	case lattice.Solid:
		return 1
	case lattice.Inlet:
		return 0.5
	case lattice.Outlet:
		return 0.25
	default:
		return -1
	}
}

// vtkWriter accumulates the first write error so callers check once.
type vtkWriter struct {
	w   *bufio.Writer
	buf []byte
	err error
}

func newVTKWriter(w io.Writer) *vtkWriter {
	return &vtkWriter{w: bufio.NewWriterSize(w, 256*1024), buf: make([]byte, 0, 64)}
}

func (v *vtkWriter) printf(format string, args ...interface{}) {
	if v.err == nil {
		_, v.err = fmt.Fprintf(v.w, format, args...)
	}
}

// floats writes one line of space separated values with prec decimals.
// A negative prec selects the shortest exact representation.
func (v *vtkWriter) floats(prec int, vals ...float64) {
	if v.err != nil {
		return
	}
	b := v.buf[:0]
	for i, f := range vals {
		if i > 0 {
			b = append(b, ' ')
		}
		b = strconv.AppendFloat(b, f, 'f', prec, 64)
	}
	b = append(b, '\n')
	_, v.err = v.w.Write(b)
	v.buf = b
}

func (v *vtkWriter) flush() error {
	if v.err != nil {
		return v.err
	}
	return v.w.Flush()
}

func (v *vtkWriter) header(title string, nx, ny, nz int, spacing [3]float64) {
	v.printf("# vtk DataFile Version 3.0\n%s\nASCII\nDATASET STRUCTURED_GRID\n", title)
	v.printf("DIMENSIONS %d %d %d\n", nx, ny, nz)
	v.printf("POINTS %d float\n", nx*ny*nz)
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				v.floats(-1, float64(x)*spacing[0], float64(y)*spacing[1], float64(z)*spacing[2])
			}
		}
	}
	v.printf("POINT_DATA %d\n", nx*ny*nz)
}

func (v *vtkWriter) scalars(name string, n, prec int, at func(i int) float64) {
	v.printf("SCALARS %s float\nLOOKUP_TABLE default\n", name)
	for i := 0; i < n; i++ {
		v.floats(prec, at(i))
	}
}

func (v *vtkWriter) vectors(name string, vals []lattice.Vec3) {
	v.printf("VECTORS %s float\n", name)
	for _, u := range vals {
		v.floats(6, u[0], u[1], u[2])
	}
}

// WriteVTK writes a snapshot as a legacy ASCII structured grid. Point data
// is Density, Velocity, VelocityMagnitude, NodeType, GeometryType,
// Pressure and Vorticity.
func WriteVTK(w io.Writer, s *solver.Snapshot, dt float64) error {
	n := s.NX * s.NY * s.NZ
	if len(s.Density) != n || len(s.Velocity) != n || len(s.Types) != n {
		return fmt.Errorf("snapshot fields do not match %dx%dx%d", s.NX, s.NY, s.NZ)
	}

	v := newVTKWriter(w)
	v.header(fmt.Sprintf("LBM Solution - Iteration %d Time %.3f", s.Iteration, float64(s.Iteration)*dt), s.NX, s.NY, s.NZ, s.Spacing)

	v.scalars("Density", n, 6, func(i int) float64 { return s.Density[i] })
	v.vectors("Velocity", s.Velocity)
	v.scalars("VelocityMagnitude", n, 6, func(i int) float64 { return s.Velocity[i].Norm() })
	v.scalars("NodeType", n, 1, func(i int) float64 { return float64(s.Types[i]) })
	v.scalars("GeometryType", n, 2, func(i int) float64 { return GeometryType(s.Types[i]) })
	if len(s.Pressure) == n {
		v.scalars("Pressure", n, 6, func(i int) float64 { return s.Pressure[i] })
	}
	if len(s.Vorticity) == n {
		v.vectors("Vorticity", s.Vorticity)
	}
	return v.flush()
}

// WriteGeometryVTK writes the node classification alone, for inspecting
// the voxelised domain before a run.
func WriteGeometryVTK(w io.Writer, nx, ny, nz int, spacing [3]float64, types []lattice.NodeType) error {
	n := nx * ny * nz
	if len(types) != n {
		return fmt.Errorf("classification has %d nodes, want %d", len(types), n)
	}
	v := newVTKWriter(w)
	v.header("LBM Geometry", nx, ny, nz, spacing)
	v.scalars("NodeType", n, 1, func(i int) float64 { return float64(types[i]) })
	v.scalars("GeometryType", n, 2, func(i int) float64 { return GeometryType(types[i]) })
	return v.flush()
}
