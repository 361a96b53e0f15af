// Package testutil provides shared fixtures for tests that drive a real
// solver or poke at the HTTP surfaces.
package testutil

import (
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lattice.flow/internal/compute"
	"github.com/banshee-data/lattice.flow/internal/grid"
	"github.com/banshee-data/lattice.flow/internal/lattice"
	"github.com/banshee-data/lattice.flow/internal/solver"
	"github.com/banshee-data/lattice.flow/internal/stage"
)

// ChannelTypes returns a channel along x with an inlet plane at x=0 and an
// outlet plane at x=NX-1. With walls set the four y/z faces are solid and
// take precedence over the inlet and outlet planes.
func ChannelTypes(d grid.Dims, walls bool) []lattice.NodeType {
	types := make([]lattice.NodeType, d.Len())
	for i := range types {
		x, y, z := d.Coords(i)
		switch {
		case walls && (y == 0 || y == d.NY-1 || z == 0 || z == d.NZ-1):
			types[i] = lattice.Solid
		case x == 0:
			types[i] = lattice.Inlet
		case x == d.NX-1:
			types[i] = lattice.Outlet
		}
	}
	return types
}

// ChannelParams returns solver parameters for a short run at unit
// reference density with a uniform inlet along x and two workers.
func ChannelParams(tau, inlet float64, maxIterations, convergenceInterval, outputInterval int) solver.Params {
	return solver.Params{
		Stage:               stage.Params{Tau: tau, RefDensity: 1, Inlet: lattice.Vec3{inlet, 0, 0}},
		MaxIterations:       maxIterations,
		ConvergenceInterval: convergenceInterval,
		OutputInterval:      outputInterval,
		Compute:             compute.Options{Workers: 2},
	}
}

// NewChannelSolver builds a solver over ChannelTypes(d, walls) and closes
// it when the test finishes.
func NewChannelSolver(t testing.TB, d grid.Dims, walls bool, p solver.Params) *solver.Solver {
	t.Helper()
	sv, err := solver.New(d, ChannelTypes(d, walls), p)
	require.NoError(t, err)
	t.Cleanup(func() { sv.Close() })
	return sv
}

// Get fetches url and returns the response with its body already read.
func Get(t testing.TB, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

// Do sends a bodyless request with the given method and returns the
// status code.
func Do(t testing.TB, method, url string) int {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}
