// Command gen-stl writes an example cylinder obstacle as an STL file.
//
// The defaults place a 0.1 m radius, 0.3 m tall cylinder at
// (0.3, 0.25, 0.25), an obstacle for a 1 m x 0.5 m x 0.5 m channel.
package main

import (
	"flag"
	"fmt"
	"log"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lattice.flow/internal/fsutil"
	"github.com/banshee-data/lattice.flow/internal/geometry"
)

var (
	outPath  = flag.String("out", "example_cylinder.stl", "Output STL path")
	radius   = flag.Float64("radius", 0.1, "Cylinder radius (m)")
	height   = flag.Float64("height", 0.3, "Cylinder height along z (m)")
	cx       = flag.Float64("cx", 0.3, "Centre x (m)")
	cy       = flag.Float64("cy", 0.25, "Centre y (m)")
	cz       = flag.Float64("cz", 0.25, "Centre z (m)")
	segments = flag.Int("segments", 20, "Segments around the circumference")
	binary   = flag.Bool("binary", false, "Write binary STL instead of ASCII")
)

type cylinderParams struct {
	Center   r3.Vec
	Radius   float64
	Height   float64
	Segments int
	Binary   bool
}

// writeCylinder builds the cylinder and writes it to path.
func writeCylinder(fsys fsutil.FileSystem, path string, params cylinderParams) (int, error) {
	mesh, err := geometry.Cylinder(params.Center, params.Radius, params.Height, params.Segments)
	if err != nil {
		return 0, err
	}
	f, err := fsys.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", path, err)
	}
	write := mesh.WriteASCII
	if params.Binary {
		write = mesh.WriteBinary
	}
	if err := write(f); err != nil {
		f.Close()
		return 0, fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("failed to close %s: %w", path, err)
	}
	return len(mesh.Triangles), nil
}

func main() {
	flag.Parse()

	n, err := writeCylinder(fsutil.OSFileSystem{}, *outPath, cylinderParams{
		Center:   r3.Vec{X: *cx, Y: *cy, Z: *cz},
		Radius:   *radius,
		Height:   *height,
		Segments: *segments,
		Binary:   *binary,
	})
	if err != nil {
		log.Fatalf("gen-stl: %v", err)
	}
	fmt.Printf("Generated %s (%d triangles)\n", *outPath, n)
}
