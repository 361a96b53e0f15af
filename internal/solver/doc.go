// Package solver owns the iteration loop: it dispatches the Collision,
// Streaming and Boundary kernels over the double buffer, tracks the
// convergence residual and the numeric fallback count, and hands
// snapshots of the macroscopic fields to sinks.
//
// States: Running, then exactly one of Converged, MaxIterationsReached or
// Failed. A Solver must be closed on every exit path.
package solver
