package solver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/lattice.flow/internal/compute"
	"github.com/banshee-data/lattice.flow/internal/grid"
	"github.com/banshee-data/lattice.flow/internal/lattice"
	"github.com/banshee-data/lattice.flow/internal/monitoring"
	"github.com/banshee-data/lattice.flow/internal/simerr"
	"github.com/banshee-data/lattice.flow/internal/stage"
	"github.com/banshee-data/lattice.flow/internal/timeutil"
)

// speedFloor is the smallest speed used as the denominator of the relative
// residual. Speeds below it are round-off noise.
const speedFloor = 1e-8

// Solver drives Collision, Streaming and Boundary over a double buffer until
// the run converges, hits the iteration bound, or fails.
type Solver struct {
	params Params
	dims   grid.Dims

	dev       *compute.Device
	buf       *grid.Buffer
	fallbacks *stage.Fallbacks
	meter     *monitoring.Meter

	observers []Observer
	sinks     []SnapshotSink

	mu        sync.Mutex
	state     State
	iteration int
	residual  float64
	err       error

	prevSpeed []float64
	speed     []float64
	stop      atomic.Bool
	closeOnce sync.Once
}

// New builds a solver over a node classification. It opens the compute
// device and allocates both grids; on error nothing stays allocated.
func New(dims grid.Dims, types []lattice.NodeType, p Params) (*Solver, error) {
	return NewWithClock(dims, types, p, timeutil.RealClock{})
}

// NewWithClock is New with an injected clock for the throughput meter.
func NewWithClock(dims grid.Dims, types []lattice.NodeType, p Params, clock timeutil.Clock) (*Solver, error) {
	p = p.withDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if _, err := grid.NewDims(dims.NX, dims.NY, dims.NZ); err != nil {
		return nil, err
	}

	dev, err := compute.Open(p.Compute)
	if err != nil {
		return nil, err
	}
	if err := dev.Reserve(dims.BufferBytes()); err != nil {
		dev.Close()
		return nil, fmt.Errorf("failed to reserve lattice memory for %s: %w", dims, err)
	}
	buf, err := grid.NewBuffer(dims, types, p.Stage.RefDensity, p.Stage.Inlet)
	if err != nil {
		dev.Close()
		return nil, err
	}

	s := &Solver{
		params:    p,
		dims:      dims,
		dev:       dev,
		buf:       buf,
		fallbacks: stage.NewFallbacks(dims.Len()),
		meter:     monitoring.NewMeter(clock),
		state:     Running,
		residual:  math.Inf(1),
		speed:     make([]float64, dims.Len()),
	}
	logs.Opsf("initialised %s grid (%d nodes, %d workers, tau=%.4f)", dims, dims.Len(), dev.Workers(), p.Stage.Tau)
	return s, nil
}

// AddObserver registers an observer for progress reports.
func (s *Solver) AddObserver(o Observer) { s.observers = append(s.observers, o) }

// AddSink registers a snapshot consumer.
func (s *Solver) AddSink(k SnapshotSink) { s.sinks = append(s.sinks, k) }

// Dims returns the grid dimensions.
func (s *Solver) Dims() grid.Dims { return s.dims }

// Params returns the effective parameters.
func (s *Solver) Params() Params { return s.params }

// State returns the current lifecycle state.
func (s *Solver) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Iteration returns the number of completed iterations.
func (s *Solver) Iteration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iteration
}

// Err returns the error that moved the solver to Failed, if any.
func (s *Solver) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop asks Run to finish after the current iteration. The run ends Failed
// with context.Canceled.
func (s *Solver) Stop() { s.stop.Store(true) }

// Grid returns the grid holding the latest completed iteration. It must not
// be used while Step or Run is in progress.
func (s *Solver) Grid() *grid.Grid { return s.buf.Source() }

func (s *Solver) fail(err error) error {
	s.mu.Lock()
	s.state = Failed
	s.err = err
	s.mu.Unlock()
	logs.Opsf("run failed at iteration %d (%s): %v", s.Iteration(), simerr.Kind(err), err)
	return err
}

// abort fails the run and returns the terminal result.
func (s *Solver) abort(err error) (Result, error) {
	err = s.fail(err)
	return s.result(), err
}

// Step runs one Collision, Streaming, Boundary cycle. It fails with
// ErrNumericalInstability when more than InstabilityFraction of the nodes
// needed a numeric fallback during the cycle.
func (s *Solver) Step() error {
	if st := s.State(); st.Terminal() {
		return fmt.Errorf("solver is %s", st)
	}
	if s.buf.Released() {
		return fmt.Errorf("solver is closed")
	}

	p := s.params.Stage
	s.fallbacks.Reset()

	if err := s.dev.Dispatch(s.dims, stage.Collision(s.buf.Source(), s.buf.Target(), p, s.fallbacks)); err != nil {
		return s.fail(fmt.Errorf("collision: %w", err))
	}
	s.buf.Flip()
	if err := s.dev.Dispatch(s.dims, stage.Streaming(s.buf.Source(), s.buf.Target())); err != nil {
		return s.fail(fmt.Errorf("streaming: %w", err))
	}
	s.buf.Flip()
	if err := s.dev.Dispatch(s.dims, stage.Boundary(s.buf.Source(), p, s.fallbacks)); err != nil {
		return s.fail(fmt.Errorf("boundary: %w", err))
	}

	s.mu.Lock()
	s.iteration++
	it := s.iteration
	s.mu.Unlock()
	s.meter.Add(uint64(s.dims.Len()))

	n := s.fallbacks.Count()
	if n > 0 {
		logs.Diagf("iteration %d: %d nodes used a numeric fallback", it, n)
	}
	if limit := s.params.InstabilityFraction * float64(s.dims.Len()); float64(n) > limit {
		return s.fail(fmt.Errorf("iteration %d: %d of %d nodes needed a fallback (limit %.0f): %w",
			it, n, s.dims.Len(), limit, simerr.ErrNumericalInstability))
	}
	logs.Tracef("iteration %d done", it)
	return nil
}

// Residual computes the maximum relative change of node speed since the
// previous call and records the current speeds as the new baseline. The
// first call returns +Inf.
func (s *Solver) Residual() float64 {
	nodes := s.buf.Source().Nodes()
	for i := range nodes {
		s.speed[i] = nodes[i].Velocity.Norm()
	}
	res := math.Inf(1)
	if s.prevSpeed != nil {
		res = 0
		for i, cur := range s.speed {
			prev := s.prevSpeed[i]
			diff := math.Abs(cur - prev)
			if diff == 0 {
				continue
			}
			rel := diff / math.Max(prev, speedFloor)
			if rel > res || math.IsNaN(rel) {
				res = rel
			}
		}
	} else {
		s.prevSpeed = make([]float64, len(s.speed))
	}
	copy(s.prevSpeed, s.speed)

	s.mu.Lock()
	s.residual = res
	s.mu.Unlock()
	return res
}

func (s *Solver) progress() Progress {
	s.mu.Lock()
	p := Progress{Iteration: s.iteration, State: s.state, Residual: s.residual}
	s.mu.Unlock()

	p.Fallbacks = s.fallbacks.Count()
	p.MaxSpeed = floats.Max(s.speed)
	p.MLUPS = s.meter.Sample()
	p.Elapsed = s.meter.Elapsed()

	nodes := s.buf.Source().Nodes()
	var sum float64
	var n int
	for i := range nodes {
		if nodes[i].Type == lattice.Fluid {
			sum += nodes[i].Density
			n++
		}
	}
	if n > 0 {
		p.MeanDensity = sum / float64(n)
	}
	return p
}

func (s *Solver) notify() {
	if len(s.observers) == 0 {
		return
	}
	p := s.progress()
	for _, o := range s.observers {
		o.OnProgress(p)
	}
}

func (s *Solver) emit(ctx context.Context) error {
	if len(s.sinks) == 0 {
		return nil
	}
	snap := s.Snapshot()
	for _, k := range s.sinks {
		if err := k.WriteSnapshot(ctx, snap); err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return err
			}
			if !errors.Is(err, simerr.ErrIO) {
				err = fmt.Errorf("%w: %w", simerr.ErrIO, err)
			}
			return fmt.Errorf("snapshot at iteration %d: %w", snap.Iteration, err)
		}
	}
	logs.Diagf("snapshot at iteration %d handed to %d sinks", snap.Iteration, len(s.sinks))
	return nil
}

func (s *Solver) finish(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run iterates until a terminal state. It checks ctx and Stop between
// iterations only. When snapshots are enabled the initial state is
// emitted before the first iteration.
func (s *Solver) Run(ctx context.Context) (Result, error) {
	if st := s.State(); st.Terminal() {
		return s.result(), fmt.Errorf("solver is %s", st)
	}
	p := s.params
	logs.Opsf("run started: max_iterations=%d tolerance=%g", p.MaxIterations, p.Tolerance)

	if err := ctx.Err(); err != nil {
		return s.abort(err)
	}
	if p.OutputInterval > 0 {
		if err := s.emit(ctx); err != nil {
			return s.abort(err)
		}
	}

	for {
		it := s.Iteration()
		if it >= p.MaxIterations {
			s.finish(MaxIterationsReached)
			break
		}
		if err := ctx.Err(); err != nil {
			return s.abort(err)
		}
		if s.stop.Load() {
			return s.abort(context.Canceled)
		}

		if err := s.Step(); err != nil {
			s.notify()
			return s.result(), err
		}
		it++

		if it%p.ConvergenceInterval == 0 {
			res := s.Residual()
			logs.Diagf("iteration %d residual %.3e", it, res)
			if res < p.Tolerance {
				s.finish(Converged)
			}
			s.notify()
		}
		if p.OutputInterval > 0 && it%p.OutputInterval == 0 {
			if err := s.emit(ctx); err != nil {
				return s.abort(err)
			}
		}
		if s.State() == Converged {
			break
		}
	}

	r := s.result()
	s.notify()
	logs.Opsf("run finished: %s after %d iterations (residual %.3e, %.2f MLUPS)", r.State, r.Iterations, r.Residual, r.MLUPS)
	return r, nil
}

func (s *Solver) result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Result{
		State:      s.state,
		Iterations: s.iteration,
		Residual:   s.residual,
		Elapsed:    s.meter.Elapsed(),
		MLUPS:      s.meter.Overall(),
	}
}

// Close releases the grids and stops the compute workers. It is safe to
// call more than once and on every exit path.
func (s *Solver) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.buf.Release()
		err = s.dev.Close()
	})
	return err
}
