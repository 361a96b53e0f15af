package geometry

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lattice.flow/internal/fsutil"
	"github.com/banshee-data/lattice.flow/internal/simerr"
)

const (
	stlHeaderLen   = 80
	stlTriangleLen = 50
	maxSTLBytes    = 512 * 1024 * 1024
)

// Triangle is one facet of a surface mesh.
type Triangle struct {
	Normal r3.Vec
	V      [3]r3.Vec
}

// Mesh is a triangle soup in physical coordinates.
type Mesh struct {
	Name      string
	Triangles []Triangle
}

// Bounds returns the axis-aligned box enclosing every vertex.
func (m *Mesh) Bounds() r3.Box {
	if len(m.Triangles) == 0 {
		return r3.Box{}
	}
	b := r3.Box{Min: m.Triangles[0].V[0], Max: m.Triangles[0].V[0]}
	for _, t := range m.Triangles {
		for _, v := range t.V {
			b.Min = r3.Vec{X: math.Min(b.Min.X, v.X), Y: math.Min(b.Min.Y, v.Y), Z: math.Min(b.Min.Z, v.Z)}
			b.Max = r3.Vec{X: math.Max(b.Max.X, v.X), Y: math.Max(b.Max.Y, v.Y), Z: math.Max(b.Max.Z, v.Z)}
		}
	}
	return b
}

// LoadSTL reads an STL file through fsys.
func LoadSTL(fsys fsutil.FileSystem, path string) (*Mesh, error) {
	info, err := fsys.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat mesh %s: %w: %w", path, simerr.ErrGeometry, err)
	}
	if info.Size() > maxSTLBytes {
		return nil, fmt.Errorf("mesh %s is %d bytes (max %d): %w", path, info.Size(), maxSTLBytes, simerr.ErrGeometry)
	}
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mesh %s: %w: %w", path, simerr.ErrGeometry, err)
	}
	defer f.Close()

	m, err := ReadSTL(f)
	if err != nil {
		return nil, fmt.Errorf("mesh %s: %w", path, err)
	}
	logs.Opsf("loaded %s: %d triangles", path, len(m.Triangles))
	return m, nil
}

// ReadSTL parses an ASCII or binary STL stream. A stream whose length
// matches the binary layout is read as binary even if its header starts
// with "solid", which many exporters write.
func ReadSTL(r io.Reader) (*Mesh, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read STL: %w: %w", simerr.ErrGeometry, err)
	}
	if isBinarySTL(data) {
		return readBinarySTL(data)
	}
	if bytes.HasPrefix(bytes.TrimLeft(data, " \t\r\n"), []byte("solid")) {
		return readASCIISTL(data)
	}
	return nil, fmt.Errorf("unrecognised STL encoding (%d bytes): %w", len(data), simerr.ErrGeometry)
}

func isBinarySTL(data []byte) bool {
	if len(data) < stlHeaderLen+4 {
		return false
	}
	n := binary.LittleEndian.Uint32(data[stlHeaderLen:])
	return int64(len(data)) == stlHeaderLen+4+int64(n)*stlTriangleLen
}

func readBinarySTL(data []byte) (*Mesh, error) {
	name := strings.TrimSpace(strings.TrimPrefix(string(bytes.TrimRight(data[:stlHeaderLen], "\x00")), "solid"))
	n := int(binary.LittleEndian.Uint32(data[stlHeaderLen:]))
	m := &Mesh{Name: name, Triangles: make([]Triangle, 0, n)}

	off := stlHeaderLen + 4
	for i := 0; i < n; i++ {
		rec := data[off : off+stlTriangleLen]
		var v [4]r3.Vec
		for j := range v {
			v[j] = r3.Vec{
				X: float64(math.Float32frombits(binary.LittleEndian.Uint32(rec[12*j:]))),
				Y: float64(math.Float32frombits(binary.LittleEndian.Uint32(rec[12*j+4:]))),
				Z: float64(math.Float32frombits(binary.LittleEndian.Uint32(rec[12*j+8:]))),
			}
		}
		t := Triangle{Normal: v[0], V: [3]r3.Vec{v[1], v[2], v[3]}}
		if err := t.check(); err != nil {
			return nil, fmt.Errorf("triangle %d: %w", i, err)
		}
		m.Triangles = append(m.Triangles, t)
		off += stlTriangleLen
	}
	return m, nil
}

func readASCIISTL(data []byte) (*Mesh, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	m := &Mesh{}
	var cur *Triangle
	nv := 0
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "solid":
			m.Name = strings.Join(fields[1:], " ")
		case "facet":
			if cur != nil {
				return nil, asciiErr(line, "facet inside facet")
			}
			cur = &Triangle{}
			nv = 0
			if len(fields) == 5 && fields[1] == "normal" {
				v, err := parseVec(fields[2:])
				if err != nil {
					return nil, asciiErr(line, err.Error())
				}
				cur.Normal = v
			}
		case "vertex":
			if cur == nil || nv == 3 || len(fields) != 4 {
				return nil, asciiErr(line, "unexpected vertex")
			}
			v, err := parseVec(fields[1:])
			if err != nil {
				return nil, asciiErr(line, err.Error())
			}
			cur.V[nv] = v
			nv++
		case "endfacet":
			if cur == nil || nv != 3 {
				return nil, asciiErr(line, fmt.Sprintf("facet has %d vertices, want 3", nv))
			}
			if err := cur.check(); err != nil {
				return nil, asciiErr(line, err.Error())
			}
			m.Triangles = append(m.Triangles, *cur)
			cur = nil
		case "outer", "endloop", "endsolid":
		default:
			return nil, asciiErr(line, fmt.Sprintf("unexpected keyword %q", fields[0]))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan STL: %w: %w", simerr.ErrGeometry, err)
	}
	if cur != nil {
		return nil, asciiErr(line, "unterminated facet")
	}
	return m, nil
}

func asciiErr(line int, msg string) error {
	return fmt.Errorf("STL line %d: %s: %w", line, msg, simerr.ErrGeometry)
}

func parseVec(f []string) (r3.Vec, error) {
	var c [3]float64
	for i := range c {
		v, err := strconv.ParseFloat(f[i], 64)
		if err != nil {
			return r3.Vec{}, err
		}
		c[i] = v
	}
	return r3.Vec{X: c[0], Y: c[1], Z: c[2]}, nil
}

func (t Triangle) check() error {
	for _, v := range t.V {
		for _, c := range []float64{v.X, v.Y, v.Z} {
			if math.IsNaN(c) || math.IsInf(c, 0) {
				return fmt.Errorf("non-finite vertex %v: %w", v, simerr.ErrGeometry)
			}
		}
	}
	return nil
}

// WriteASCII writes m as an ASCII STL solid.
func (m *Mesh) WriteASCII(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "solid %s\n", m.Name)
	for _, t := range m.Triangles {
		fmt.Fprintf(bw, "  facet normal %g %g %g\n", t.Normal.X, t.Normal.Y, t.Normal.Z)
		fmt.Fprintln(bw, "    outer loop")
		for _, v := range t.V {
			fmt.Fprintf(bw, "      vertex %g %g %g\n", v.X, v.Y, v.Z)
		}
		fmt.Fprintln(bw, "    endloop")
		fmt.Fprintln(bw, "  endfacet")
	}
	fmt.Fprintf(bw, "endsolid %s\n", m.Name)
	return bw.Flush()
}

// WriteBinary writes m as a binary STL.
func (m *Mesh) WriteBinary(w io.Writer) error {
	bw := bufio.NewWriter(w)
	var header [stlHeaderLen]byte
	copy(header[:], m.Name)
	bw.Write(header[:])

	var rec [stlTriangleLen]byte
	binary.LittleEndian.PutUint32(rec[:4], uint32(len(m.Triangles)))
	bw.Write(rec[:4])
	for _, t := range m.Triangles {
		for j, v := range [4]r3.Vec{t.Normal, t.V[0], t.V[1], t.V[2]} {
			binary.LittleEndian.PutUint32(rec[12*j:], math.Float32bits(float32(v.X)))
			binary.LittleEndian.PutUint32(rec[12*j+4:], math.Float32bits(float32(v.Y)))
			binary.LittleEndian.PutUint32(rec[12*j+8:], math.Float32bits(float32(v.Z)))
		}
		binary.LittleEndian.PutUint16(rec[48:], 0)
		bw.Write(rec[:])
	}
	return bw.Flush()
}
