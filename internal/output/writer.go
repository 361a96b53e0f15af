package output

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/banshee-data/lattice.flow/internal/fsutil"
	"github.com/banshee-data/lattice.flow/internal/lattice"
	"github.com/banshee-data/lattice.flow/internal/simerr"
	"github.com/banshee-data/lattice.flow/internal/solver"
)

// File names inside the output directory.
const (
	GeometryFile   = "geometry.vtk"
	CollectionFile = "simulation.pvd"
	snapshotFormat = "output_%06d.vtk"
)

// SnapshotFile returns the file name used for the snapshot at iteration.
func SnapshotFile(iteration int) string { return fmt.Sprintf(snapshotFormat, iteration) }

// Entry records one written snapshot for the ParaView collection.
type Entry struct {
	Iteration int
	Time      float64
	File      string
}

// Writer stores snapshots as VTK files in a directory and keeps the list
// needed for the .pvd collection. It implements solver.SnapshotSink.
type Writer struct {
	fs  fsutil.FileSystem
	dir string
	dt  float64

	mu      sync.Mutex
	entries []Entry
}

// NewWriter creates dir if needed. dt is the physical time per iteration
// used for the collection timesteps; zero records iteration numbers.
func NewWriter(fsys fsutil.FileSystem, dir string, dt float64) (*Writer, error) {
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory %s: %w: %w", dir, simerr.ErrIO, err)
	}
	if !(dt > 0) {
		dt = 1
	}
	return &Writer{fs: fsys, dir: dir, dt: dt}, nil
}

// Dir returns the output directory.
func (w *Writer) Dir() string { return w.dir }

// WriteSnapshot writes output_%06d.vtk for the snapshot's iteration.
func (w *Writer) WriteSnapshot(ctx context.Context, s *solver.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name := SnapshotFile(s.Iteration)
	if err := w.writeFile(name, func(out io.Writer) error { return WriteVTK(out, s, w.dt) }); err != nil {
		return err
	}

	w.mu.Lock()
	w.entries = append(w.entries, Entry{Iteration: s.Iteration, Time: float64(s.Iteration) * w.dt, File: name})
	w.mu.Unlock()
	logs.Diagf("wrote %s", filepath.Join(w.dir, name))
	return nil
}

// WriteGeometry writes geometry.vtk from the node classification.
func (w *Writer) WriteGeometry(nx, ny, nz int, spacing [3]float64, types []lattice.NodeType) (string, error) {
	err := w.writeFile(GeometryFile, func(out io.Writer) error {
		return WriteGeometryVTK(out, nx, ny, nz, spacing, types)
	})
	if err != nil {
		return "", err
	}
	return filepath.Join(w.dir, GeometryFile), nil
}

// Entries returns the snapshots written so far.
func (w *Writer) Entries() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Entry(nil), w.entries...)
}

type pvdDataSet struct {
	Timestep string `xml:"timestep,attr"`
	Part     int    `xml:"part,attr"`
	File     string `xml:"file,attr"`
}

type pvdFile struct {
	XMLName  xml.Name     `xml:"VTKFile"`
	Type     string       `xml:"type,attr"`
	Version  string       `xml:"version,attr"`
	DataSets []pvdDataSet `xml:"Collection>DataSet"`
}

// WriteCollection writes simulation.pvd listing every snapshot with its
// physical time, and returns its path.
func (w *Writer) WriteCollection() (string, error) {
	doc := pvdFile{Type: "Collection", Version: "0.1"}
	for _, e := range w.Entries() {
		doc.DataSets = append(doc.DataSets, pvdDataSet{Timestep: fmt.Sprintf("%.6f", e.Time), File: e.File})
	}
	err := w.writeFile(CollectionFile, func(out io.Writer) error {
		if _, err := io.WriteString(out, xml.Header); err != nil {
			return err
		}
		enc := xml.NewEncoder(out)
		enc.Indent("", "  ")
		if err := enc.Encode(doc); err != nil {
			return err
		}
		_, err := io.WriteString(out, "\n")
		return err
	})
	if err != nil {
		return "", err
	}
	return filepath.Join(w.dir, CollectionFile), nil
}

// writeFile writes to a temporary name and renames it into place, so a
// reader never sees a partial file.
func (w *Writer) writeFile(name string, fill func(io.Writer) error) error {
	final := filepath.Join(w.dir, name)
	tmp := final + ".tmp"

	f, err := w.fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w: %w", tmp, simerr.ErrIO, err)
	}
	if err := fill(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w: %w", final, simerr.ErrIO, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w: %w", tmp, simerr.ErrIO, err)
	}
	if err := w.fs.Rename(tmp, final); err != nil {
		return fmt.Errorf("failed to publish %s: %w: %w", final, simerr.ErrIO, err)
	}
	return nil
}
