package monitoring

import (
	"sync"
	"time"

	"github.com/banshee-data/lattice.flow/internal/timeutil"
)

// Meter tracks lattice updates per second. MLUPS (million lattice updates
// per second) is the usual figure of merit for LBM codes.
type Meter struct {
	clock timeutil.Clock

	mu        sync.Mutex
	start     time.Time
	lastAt    time.Time
	lastCount uint64
	total     uint64
	rate      float64
}

// NewMeter starts a meter on the given clock. A nil clock uses the real one.
func NewMeter(clock timeutil.Clock) *Meter {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	now := clock.Now()
	return &Meter{clock: clock, start: now, lastAt: now}
}

// Add records n node updates.
func (m *Meter) Add(n uint64) {
	m.mu.Lock()
	m.total += n
	m.mu.Unlock()
}

// Sample returns the update rate in MLUPS since the previous Sample and
// resets the window. Zero elapsed time returns the previous rate.
func (m *Meter) Sample() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	dt := now.Sub(m.lastAt).Seconds()
	if dt <= 0 {
		return m.rate
	}
	m.rate = float64(m.total-m.lastCount) / dt / 1e6
	m.lastAt = now
	m.lastCount = m.total
	return m.rate
}

// Overall returns the mean MLUPS since the meter started.
func (m *Meter) Overall() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	dt := m.clock.Since(m.start).Seconds()
	if dt <= 0 {
		return 0
	}
	return float64(m.total) / dt / 1e6
}

// Elapsed returns the time since the meter started.
func (m *Meter) Elapsed() time.Duration {
	return m.clock.Since(m.start)
}
