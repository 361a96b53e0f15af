package geometry

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lattice.flow/internal/fsutil"
	"github.com/banshee-data/lattice.flow/internal/grid"
	"github.com/banshee-data/lattice.flow/internal/lattice"
	"github.com/banshee-data/lattice.flow/internal/simerr"
)

const oneFacet = `solid wedge
  facet normal 0 0 1
    outer loop
      vertex 0 0 0
      vertex 1 0 0
      vertex 0 1 0
    endloop
  endfacet
endsolid wedge
`

func TestReadSTLASCII(t *testing.T) {
	t.Parallel()

	m, err := ReadSTL(strings.NewReader(oneFacet))
	require.NoError(t, err)
	assert.Equal(t, "wedge", m.Name)
	want := []Triangle{{
		Normal: r3.Vec{Z: 1},
		V:      [3]r3.Vec{{}, {X: 1}, {Y: 1}},
	}}
	if diff := cmp.Diff(want, m.Triangles); diff != "" {
		t.Errorf("triangles mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, r3.Box{Min: r3.Vec{}, Max: r3.Vec{X: 1, Y: 1}}, m.Bounds())
}

func TestSTLRoundTrip(t *testing.T) {
	t.Parallel()

	src, err := Cylinder(r3.Vec{X: 0.3, Y: 0.25, Z: 0.25}, 0.1, 0.3, 20)
	require.NoError(t, err)
	require.Len(t, src.Triangles, 80)

	t.Run("ascii", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		require.NoError(t, src.WriteASCII(&buf))
		got, err := ReadSTL(&buf)
		require.NoError(t, err)
		assertSameMesh(t, src, got, 1e-12)
	})

	t.Run("binary", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		require.NoError(t, src.WriteBinary(&buf))
		assert.Equal(t, 84+50*80, buf.Len())
		got, err := ReadSTL(&buf)
		require.NoError(t, err)
		assert.Equal(t, "cylinder", got.Name)
		assertSameMesh(t, src, got, 1e-6)
	})
}

func assertSameMesh(t *testing.T, want, got *Mesh, tol float64) {
	t.Helper()
	require.Len(t, got.Triangles, len(want.Triangles))
	for i := range want.Triangles {
		for j := 0; j < 3; j++ {
			w, g := want.Triangles[i].V[j], got.Triangles[i].V[j]
			assert.InDelta(t, 0, r3.Norm(r3.Sub(w, g)), tol, "triangle %d vertex %d", i, j)
		}
	}
}

func TestReadSTLBinaryWithSolidHeader(t *testing.T) {
	t.Parallel()

	m := &Mesh{Name: "solid exported by a CAD tool", Triangles: []Triangle{{V: [3]r3.Vec{{}, {X: 1}, {Y: 1}}}}}
	var buf bytes.Buffer
	require.NoError(t, m.WriteBinary(&buf))
	require.True(t, bytes.HasPrefix(buf.Bytes(), []byte("solid")))

	got, err := ReadSTL(&buf)
	require.NoError(t, err)
	assert.Len(t, got.Triangles, 1)
}

func TestReadSTLErrors(t *testing.T) {
	t.Parallel()

	truncated := make([]byte, 84)
	binary.LittleEndian.PutUint32(truncated[80:], 3)

	cases := map[string]string{
		"garbage":          "\x01\x02not an stl",
		"two vertices":     strings.Replace(oneFacet, "      vertex 0 1 0\n", "", 1),
		"bad number":       strings.Replace(oneFacet, "vertex 1 0 0", "vertex 1 zero 0", 1),
		"unterminated":     "solid x\n facet normal 0 0 1\n outer loop\n vertex 0 0 0\n",
		"unknown keyword":  strings.Replace(oneFacet, "endloop", "endloops", 1),
		"nan vertex":       strings.Replace(oneFacet, "vertex 1 0 0", "vertex NaN 0 0", 1),
		"truncated binary": string(truncated),
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := ReadSTL(strings.NewReader(in))
			assert.ErrorIs(t, err, simerr.ErrGeometry)
		})
	}
}

func TestLoadSTL(t *testing.T) {
	t.Parallel()

	fsys := fsutil.NewMemoryFileSystem()
	require.NoError(t, fsys.WriteFile("meshes/wedge.stl", []byte(oneFacet), 0o644))

	m, err := LoadSTL(fsys, "meshes/wedge.stl")
	require.NoError(t, err)
	assert.Len(t, m.Triangles, 1)

	_, err = LoadSTL(fsys, "meshes/missing.stl")
	assert.ErrorIs(t, err, simerr.ErrGeometry)
	assert.Equal(t, "GeometryError", simerr.Kind(err))
}

// wall is a single large triangle lying in the plane x = at.
func wall(at float64) *Mesh {
	return &Mesh{Triangles: []Triangle{{
		Normal: r3.Vec{X: 1},
		V:      [3]r3.Vec{{X: at, Y: -10, Z: -10}, {X: at, Y: 30, Z: -10}, {X: at, Y: -10, Z: 30}},
	}}}
}

func unitDomain(nx, ny, nz int) Domain {
	return Domain{Dims: grid.Dims{NX: nx, NY: ny, NZ: nz}, Spacing: [3]float64{1, 1, 1}}
}

func TestVoxelizeWall(t *testing.T) {
	t.Parallel()

	d := unitDomain(6, 4, 4)
	types, err := Voxelize(wall(2), d, Options{})
	require.NoError(t, err)
	require.Len(t, types, d.Dims.Len())

	assert.Equal(t, Counts{Fluid: 48, Solid: 16, Inlet: 16, Outlet: 16}, Count(types))
	for y := 0; y < 4; y++ {
		for z := 0; z < 4; z++ {
			assert.Equal(t, lattice.Inlet, types[d.Dims.Index(0, y, z)])
			assert.Equal(t, lattice.Fluid, types[d.Dims.Index(1, y, z)])
			assert.Equal(t, lattice.Solid, types[d.Dims.Index(2, y, z)])
			assert.Equal(t, lattice.Fluid, types[d.Dims.Index(3, y, z)])
			assert.Equal(t, lattice.Outlet, types[d.Dims.Index(5, y, z)])
		}
	}
}

func TestVoxelizeSpacing(t *testing.T) {
	t.Parallel()

	// With dx = 0.5 the wall at x = 1 lands on node 2.
	d := Domain{Dims: grid.Dims{NX: 6, NY: 3, NZ: 3}, Spacing: [3]float64{0.5, 0.5, 0.5}}
	types, err := Voxelize(wall(1), d, Options{})
	require.NoError(t, err)
	assert.Equal(t, lattice.Solid, types[d.Dims.Index(2, 1, 1)])
	assert.Equal(t, lattice.Fluid, types[d.Dims.Index(1, 1, 1)])
	assert.Equal(t, lattice.Fluid, types[d.Dims.Index(3, 1, 1)])
}

func TestVoxelizeSolidWinsOnPlanes(t *testing.T) {
	t.Parallel()

	d := unitDomain(5, 3, 3)
	types, err := Voxelize(wall(0), d, Options{})
	require.NoError(t, err)
	assert.Equal(t, Counts{Fluid: 27, Solid: 9, Inlet: 0, Outlet: 9}, Count(types))
}

func TestVoxelizeErrors(t *testing.T) {
	t.Parallel()

	_, err := Voxelize(&Mesh{}, unitDomain(4, 4, 4), Options{})
	assert.ErrorIs(t, err, simerr.ErrGeometry)

	_, err = Voxelize(nil, unitDomain(4, 4, 4), Options{})
	assert.ErrorIs(t, err, simerr.ErrGeometry)

	_, err = Voxelize(wall(1), unitDomain(3, 3, 3), Options{})
	assert.ErrorIs(t, err, simerr.ErrGeometry, "the only interior plane is solid")

	_, err = Voxelize(wall(1), Domain{Dims: grid.Dims{NX: 4, NY: 4, NZ: 4}}, Options{})
	assert.ErrorIs(t, err, simerr.ErrConfig)
}

func TestVoxelizeFillInterior(t *testing.T) {
	t.Parallel()

	d := unitDomain(20, 20, 20)
	cyl, err := Cylinder(r3.Vec{X: 10, Y: 10, Z: 10}, 5, 10, 32)
	require.NoError(t, err)
	centre := d.Dims.Index(10, 10, 10)

	hollow, err := Voxelize(cyl, d, Options{})
	require.NoError(t, err)
	assert.Equal(t, lattice.Fluid, hollow[centre])

	filled, err := Voxelize(cyl, d, Options{FillInterior: true})
	require.NoError(t, err)
	assert.Equal(t, lattice.Solid, filled[centre])
	assert.Equal(t, lattice.Fluid, filled[d.Dims.Index(2, 2, 2)])
	assert.Greater(t, Count(filled).Solid, Count(hollow).Solid)
}

func TestChannel(t *testing.T) {
	t.Parallel()

	dims := grid.Dims{NX: 5, NY: 4, NZ: 4}

	open, err := Channel(dims, Options{})
	require.NoError(t, err)
	assert.Equal(t, Counts{Fluid: 48, Inlet: 16, Outlet: 16}, Count(open))

	walled, err := Channel(dims, Options{ChannelWalls: true})
	require.NoError(t, err)
	assert.Equal(t, Counts{Fluid: 12, Solid: 60, Inlet: 4, Outlet: 4}, Count(walled))
	assert.Equal(t, lattice.Solid, walled[dims.Index(0, 0, 1)], "walls win over the inlet plane")
	assert.Equal(t, lattice.Inlet, walled[dims.Index(0, 1, 1)])

	_, err = Channel(grid.Dims{NX: 2, NY: 4, NZ: 4}, Options{})
	assert.ErrorIs(t, err, simerr.ErrGeometry)

	_, err = Channel(grid.Dims{NX: 0, NY: 4, NZ: 4}, Options{})
	assert.ErrorIs(t, err, simerr.ErrConfig)
}

func TestClosestPoint(t *testing.T) {
	t.Parallel()

	tri := Triangle{V: [3]r3.Vec{{}, {X: 2}, {Y: 2}}}
	cases := []struct {
		name string
		p    r3.Vec
		want r3.Vec
	}{
		{"above face", r3.Vec{X: 0.5, Y: 0.5, Z: 3}, r3.Vec{X: 0.5, Y: 0.5}},
		{"past vertex a", r3.Vec{X: -1, Y: -1, Z: 1}, r3.Vec{}},
		{"past vertex b", r3.Vec{X: 3, Y: -1}, r3.Vec{X: 2}},
		{"past vertex c", r3.Vec{X: -1, Y: 3}, r3.Vec{Y: 2}},
		{"beside edge ab", r3.Vec{X: 1, Y: -2}, r3.Vec{X: 1}},
		{"beside edge ac", r3.Vec{X: -2, Y: 1}, r3.Vec{Y: 1}},
		{"beside edge bc", r3.Vec{X: 2, Y: 2}, r3.Vec{X: 1, Y: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := closestPoint(tc.p, tri)
			assert.InDelta(t, 0, r3.Norm(r3.Sub(tc.want, got)), 1e-12, "got %v", got)
		})
	}
}

func TestCylinderErrors(t *testing.T) {
	t.Parallel()

	_, err := Cylinder(r3.Vec{}, 0, 1, 8)
	assert.Error(t, err)
	_, err = Cylinder(r3.Vec{}, 1, 1, 2)
	assert.Error(t, err)
}

func TestCountsString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "fluid=1 solid=2 inlet=3 outlet=4", Counts{1, 2, 3, 4}.String())
}
