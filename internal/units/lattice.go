package units

import (
	"fmt"
	"math"

	"github.com/banshee-data/lattice.flow/internal/simerr"
)

// LatticeParameters is the result of mapping physical flow parameters
// onto the lattice.
type LatticeParameters struct {
	Viscosity float64 // lattice kinematic viscosity
	Tau       float64 // BGK relaxation time
	Dt        float64 // physical time per iteration
}

// ToLatticeParameters maps a Reynolds number, characteristic length and
// velocity, and grid spacing to a relaxation time and time step.
//
//	nu  = U*L/Re
//	tau = 3*nu + 0.5
//	dt  = dx^2 / (nu*(tau-0.5)*2)
func ToLatticeParameters(reynolds, charLength, charVelocity, gridSpacing float64) (tau, dt float64, err error) {
	p, err := Convert(reynolds, charLength, charVelocity, gridSpacing)
	if err != nil {
		return 0, 0, err
	}
	return p.Tau, p.Dt, nil
}

// Convert is ToLatticeParameters returning the viscosity as well.
func Convert(reynolds, charLength, charVelocity, gridSpacing float64) (LatticeParameters, error) {
	if reynolds == 0 || math.IsNaN(reynolds) {
		return LatticeParameters{}, fmt.Errorf("reynolds number must be non-zero, got %g: %w", reynolds, simerr.ErrConfig)
	}
	if !(gridSpacing > 0) {
		return LatticeParameters{}, fmt.Errorf("grid spacing must be positive, got %g: %w", gridSpacing, simerr.ErrConfig)
	}
	nu := charVelocity * charLength / reynolds
	tau, err := TauFromViscosity(nu)
	if err != nil {
		return LatticeParameters{}, err
	}
	dt := gridSpacing * gridSpacing / (nu * (tau - 0.5) * 2)
	return LatticeParameters{Viscosity: nu, Tau: tau, Dt: dt}, nil
}

// TauFromViscosity returns 3*nu + 0.5, failing unless the result is a
// finite value strictly above 0.5.
func TauFromViscosity(nu float64) (float64, error) {
	tau := 3*nu + 0.5
	if err := CheckTau(tau); err != nil {
		return 0, fmt.Errorf("viscosity %g: %w", nu, err)
	}
	return tau, nil
}

// CheckTau rejects relaxation times at or below the stability limit.
func CheckTau(tau float64) error {
	if !(tau > 0.5) || math.IsInf(tau, 0) {
		return fmt.Errorf("tau=%g must be > 0.5: %w", tau, simerr.ErrInvalidRelaxationTime)
	}
	return nil
}

// ViscosityFromTau is the inverse of TauFromViscosity.
func ViscosityFromTau(tau float64) float64 {
	return (tau - 0.5) / 3
}

// PhysicalSpeed converts a lattice velocity magnitude into metres per
// second given the grid spacing and time step.
func PhysicalSpeed(latticeSpeed, dx, dt float64) float64 {
	if dt <= 0 {
		return 0
	}
	return latticeSpeed * dx / dt
}
