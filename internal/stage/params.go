package stage

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/banshee-data/lattice.flow/internal/lattice"
	"github.com/banshee-data/lattice.flow/internal/simerr"
	"github.com/banshee-data/lattice.flow/internal/units"
)

// OutletSpeed is the downstream speed of the synthetic outlet state used
// when the upstream neighbour is not fluid.
const OutletSpeed = 0.01

// Params are the per-run constants the stages need.
type Params struct {
	Tau        float64
	RefDensity float64
	Inlet      lattice.Vec3
}

// Validate checks tau and the reference density.
func (p Params) Validate() error {
	if err := units.CheckTau(p.Tau); err != nil {
		return err
	}
	if !(p.RefDensity > 0) || math.IsInf(p.RefDensity, 0) {
		return fmt.Errorf("reference density must be positive, got %g: %w", p.RefDensity, simerr.ErrConfig)
	}
	if p.Inlet.Norm2() > 1 || math.IsNaN(p.Inlet.Norm2()) {
		return fmt.Errorf("inlet velocity %v exceeds lattice limit: %w", p.Inlet, simerr.ErrConfig)
	}
	return nil
}

// Omega is the BGK relaxation rate 1/tau.
func (p Params) Omega() float64 { return 1 / p.Tau }

// FlowAxis returns the axis of the dominant inlet velocity component and
// its sign. A zero inlet velocity flows along +x.
func (p Params) FlowAxis() (axis, sign int) {
	axis, sign = 0, 1
	best := 0.0
	for a := 0; a < 3; a++ {
		if m := math.Abs(p.Inlet[a]); m > best {
			best = m
			axis = a
		}
	}
	if p.Inlet[axis] < 0 {
		sign = -1
	}
	return axis, sign
}

// OutletVelocity is the velocity of the synthetic outlet state.
func (p Params) OutletVelocity() lattice.Vec3 {
	axis, sign := p.FlowAxis()
	var u lattice.Vec3
	u[axis] = OutletSpeed * float64(sign)
	return u
}

// Fallbacks flags nodes that needed a numeric guard during an iteration.
// Each kernel marks only its own cell, so no locking is needed within a
// stage.
type Fallbacks struct {
	marked []bool
	count  atomic.Int64
}

// NewFallbacks returns a tracker for n nodes.
func NewFallbacks(n int) *Fallbacks {
	return &Fallbacks{marked: make([]bool, n)}
}

// Mark flags node i. Repeated marks of the same node count once.
func (f *Fallbacks) Mark(i int) {
	if f == nil || f.marked[i] {
		return
	}
	f.marked[i] = true
	f.count.Add(1)
}

// Count returns the number of distinct nodes marked since Reset.
func (f *Fallbacks) Count() int {
	if f == nil {
		return 0
	}
	return int(f.count.Load())
}

// Reset clears all marks.
func (f *Fallbacks) Reset() {
	if f == nil {
		return
	}
	clear(f.marked)
	f.count.Store(0)
}
