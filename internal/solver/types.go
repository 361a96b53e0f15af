package solver

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/lattice.flow/internal/compute"
	"github.com/banshee-data/lattice.flow/internal/lattice"
	"github.com/banshee-data/lattice.flow/internal/simerr"
	"github.com/banshee-data/lattice.flow/internal/stage"
)

// State is the solver lifecycle state.
type State int

const (
	Running State = iota
	Converged
	MaxIterationsReached
	Failed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Converged:
		return "converged"
	case MaxIterationsReached:
		return "max_iterations_reached"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further iterations will run.
func (s State) Terminal() bool { return s != Running }

// Default values applied by Params.withDefaults.
const (
	DefaultConvergenceInterval = 1
	DefaultInstabilityFraction = 0.01
)

// Params configures a run. Stage holds tau, the reference density and the
// inlet velocity.
type Params struct {
	Stage stage.Params

	MaxIterations int
	// Tolerance is compared strictly: a run converges when the residual
	// drops below it, so zero never converges.
	Tolerance float64
	// ConvergenceInterval is the number of iterations between residual
	// checkpoints.
	ConvergenceInterval int
	// OutputInterval is the number of iterations between snapshots; zero
	// disables snapshots.
	OutputInterval int
	// InstabilityFraction is the share of nodes that may hit a numeric
	// fallback in a single iteration before the run fails.
	InstabilityFraction float64
	// Spacing is the physical grid spacing (dx, dy, dz) used for
	// vorticity. Zero components default to 1.
	Spacing [3]float64

	Compute compute.Options
}

func (p Params) withDefaults() Params {
	if p.ConvergenceInterval <= 0 {
		p.ConvergenceInterval = DefaultConvergenceInterval
	}
	if p.InstabilityFraction <= 0 {
		p.InstabilityFraction = DefaultInstabilityFraction
	}
	for a := range p.Spacing {
		if p.Spacing[a] <= 0 {
			p.Spacing[a] = 1
		}
	}
	return p
}

// Validate checks the parameters after defaults are applied.
func (p Params) Validate() error {
	if err := p.Stage.Validate(); err != nil {
		return err
	}
	if p.MaxIterations < 0 {
		return fmt.Errorf("max_iterations must be >= 0, got %d: %w", p.MaxIterations, simerr.ErrConfig)
	}
	if p.Tolerance < 0 {
		return fmt.Errorf("convergence_tolerance must be >= 0, got %g: %w", p.Tolerance, simerr.ErrConfig)
	}
	if p.OutputInterval < 0 {
		return fmt.Errorf("output interval must be >= 0, got %d: %w", p.OutputInterval, simerr.ErrConfig)
	}
	if p.InstabilityFraction > 1 {
		return fmt.Errorf("instability fraction must be <= 1, got %g: %w", p.InstabilityFraction, simerr.ErrConfig)
	}
	return nil
}

// Progress is reported to observers at every convergence checkpoint and
// once more when the run ends.
type Progress struct {
	Iteration   int
	State       State
	Residual    float64
	Fallbacks   int
	MaxSpeed    float64
	MeanDensity float64
	MLUPS       float64
	Elapsed     time.Duration
}

// Observer receives progress reports on the solver goroutine. It must not
// block for long.
type Observer interface {
	OnProgress(Progress)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Progress)

func (f ObserverFunc) OnProgress(p Progress) { f(p) }

// Snapshot is a copy of the macroscopic fields at one iteration. All slices
// are indexed like grid.Dims.Index.
type Snapshot struct {
	Iteration  int
	NX, NY, NZ int
	Spacing    [3]float64
	RefDensity float64

	Velocity  []lattice.Vec3
	Density   []float64
	Pressure  []float64
	Vorticity []lattice.Vec3
	Types     []lattice.NodeType
}

// SnapshotSink consumes snapshots. The solver waits for WriteSnapshot to
// return before the next iteration, so a sink that does slow work should
// hand off to its own goroutine.
type SnapshotSink interface {
	WriteSnapshot(ctx context.Context, s *Snapshot) error
}

// Result summarises a finished run.
type Result struct {
	State      State
	Iterations int
	Residual   float64
	Elapsed    time.Duration
	MLUPS      float64
}
