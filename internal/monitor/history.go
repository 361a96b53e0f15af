package monitor

import (
	"context"
	"math"
	"sync"

	"github.com/banshee-data/lattice.flow/internal/solver"
)

// DefaultHistoryLimit caps the number of progress reports a History keeps.
const DefaultHistoryLimit = 10000

// Status is the JSON form of a progress report. Residual is null until
// a baseline exists.
type Status struct {
	RunID       string   `json:"run_id,omitempty"`
	Iteration   int      `json:"iteration"`
	State       string   `json:"state"`
	Residual    *float64 `json:"residual"`
	Fallbacks   int      `json:"fallbacks"`
	MaxSpeed    float64  `json:"max_speed"`
	MeanDensity float64  `json:"mean_density"`
	MLUPS       float64  `json:"mlups"`
	ElapsedMS   int64    `json:"elapsed_ms"`
}

func finite(f float64) *float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// NewStatus converts a progress report.
func NewStatus(runID string, p solver.Progress) Status {
	return Status{
		RunID:       runID,
		Iteration:   p.Iteration,
		State:       p.State.String(),
		Residual:    finite(p.Residual),
		Fallbacks:   p.Fallbacks,
		MaxSpeed:    finite0(p.MaxSpeed),
		MeanDensity: finite0(p.MeanDensity),
		MLUPS:       finite0(p.MLUPS),
		ElapsedMS:   p.Elapsed.Milliseconds(),
	}
}

// finite0 maps non-finite values to zero so the status stays encodable
// after a blow-up.
func finite0(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// History records progress reports and the most recent snapshot. It
// implements solver.Observer and solver.SnapshotSink.
type History struct {
	mu       sync.RWMutex
	limit    int
	reports  []solver.Progress
	snapshot *solver.Snapshot
}

// NewHistory returns a History keeping at most limit reports; limit <= 0
// means DefaultHistoryLimit.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &History{limit: limit}
}

// OnProgress implements solver.Observer. A report for the same iteration
// as the last one replaces it.
func (h *History) OnProgress(p solver.Progress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n := len(h.reports); n > 0 && h.reports[n-1].Iteration == p.Iteration {
		h.reports[n-1] = p
		return
	}
	if len(h.reports) == h.limit {
		copy(h.reports, h.reports[1:])
		h.reports = h.reports[:len(h.reports)-1]
	}
	h.reports = append(h.reports, p)
}

// WriteSnapshot implements solver.SnapshotSink by keeping a reference to
// the latest snapshot.
func (h *History) WriteSnapshot(_ context.Context, s *solver.Snapshot) error {
	h.mu.Lock()
	h.snapshot = s
	h.mu.Unlock()
	return nil
}

// Reports returns a copy of the recorded reports, oldest first.
func (h *History) Reports() []solver.Progress {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]solver.Progress(nil), h.reports...)
}

// Latest returns the most recent report.
func (h *History) Latest() (solver.Progress, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.reports) == 0 {
		return solver.Progress{}, false
	}
	return h.reports[len(h.reports)-1], true
}

// Snapshot returns the latest snapshot, or nil.
func (h *History) Snapshot() *solver.Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snapshot
}
