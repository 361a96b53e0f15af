package visualiser

import (
	"math"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/lattice.flow/internal/lattice"
	"github.com/banshee-data/lattice.flow/internal/solver"
)

// FrameType identifies what a frame carries.
type FrameType string

const (
	// FrameTypeHello is sent once when a client subscribes.
	FrameTypeHello FrameType = "hello"
	// FrameTypeProgress carries a convergence checkpoint.
	FrameTypeProgress FrameType = "progress"
	// FrameTypeSnapshot carries a centreline profile of a field snapshot.
	FrameTypeSnapshot FrameType = "snapshot"
)

// Frame is the internal form of a streamed message.
type Frame struct {
	Seq      uint64
	RunID    string
	Type     FrameType
	Progress solver.Progress

	// Snapshot frames only.
	Dims       [3]int
	Centreline []float64
}

// centreline returns the speed along x through the middle of the y/z
// cross-section. Solid nodes read zero.
func centreline(s *solver.Snapshot) []float64 {
	if s == nil || len(s.Velocity) != s.NX*s.NY*s.NZ || len(s.Types) != len(s.Velocity) {
		return nil
	}
	d := s.Dims()
	out := make([]float64, s.NX)
	for x := range out {
		i := d.Index(x, s.NY/2, s.NZ/2)
		if s.Types[i] != lattice.Solid {
			out[x] = s.Velocity[i].Norm()
		}
	}
	return out
}

func number(f float64) interface{} {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}

// frameToProto converts a frame to its wire form. Non-finite numbers are
// sent as null.
func frameToProto(f *Frame) (*structpb.Struct, error) {
	m := map[string]interface{}{
		"seq":    f.Seq,
		"run_id": f.RunID,
		"type":   string(f.Type),
	}
	switch f.Type {
	case FrameTypeProgress, FrameTypeHello:
		p := f.Progress
		m["iteration"] = p.Iteration
		m["state"] = p.State.String()
		m["residual"] = number(p.Residual)
		m["fallbacks"] = p.Fallbacks
		m["max_speed"] = number(p.MaxSpeed)
		m["mean_density"] = number(p.MeanDensity)
		m["mlups"] = number(p.MLUPS)
		m["elapsed_ms"] = p.Elapsed.Milliseconds()
	case FrameTypeSnapshot:
		m["iteration"] = f.Progress.Iteration
		m["dims"] = []interface{}{f.Dims[0], f.Dims[1], f.Dims[2]}
		line := make([]interface{}, len(f.Centreline))
		for i, v := range f.Centreline {
			line[i] = number(v)
		}
		m["centreline"] = line
	}
	return structpb.NewStruct(m)
}
