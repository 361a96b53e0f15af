// Package simerr defines the error kinds shared by the simulation packages.
//
// Callers wrap a kind with context using fmt.Errorf("...: %w", kind) and
// test for it with errors.Is. Per-node numeric guards never produce errors;
// only the conditions below abort a run.
package simerr

import (
	"context"
	"errors"
)

var (
	// ErrConfig reports missing or malformed parameters.
	ErrConfig = errors.New("configuration error")
	// ErrGeometry reports an unparsable mesh or a classification that
	// cannot drive a simulation.
	ErrGeometry = errors.New("geometry error")
	// ErrInvalidRelaxationTime reports tau <= 0.5.
	ErrInvalidRelaxationTime = errors.New("invalid relaxation time")
	// ErrDeviceInit reports that no usable compute device could be set up.
	ErrDeviceInit = errors.New("device initialisation error")
	// ErrNumericalInstability reports too many fallback nodes in one iteration.
	ErrNumericalInstability = errors.New("numerical instability")
	// ErrIO reports a snapshot or output serialisation failure.
	ErrIO = errors.New("io error")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrConfig, "ConfigError"},
	{ErrGeometry, "GeometryError"},
	{ErrInvalidRelaxationTime, "InvalidRelaxationTime"},
	{ErrDeviceInit, "DeviceInitError"},
	{ErrNumericalInstability, "NumericalInstability"},
	{ErrIO, "IOError"},
}

// Kind returns the name of the first error kind found in err's chain,
// "Canceled" for context cancellation, or "Unknown".
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "Canceled"
	}
	return "Unknown"
}
