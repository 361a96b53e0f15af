// Package stage implements the three per-iteration kernels.
//
// Collision reads the source grid and writes the target. Streaming does
// the same. Boundary mutates the post-streaming grid in place. The caller
// must dispatch them in that order with a full-grid barrier between each
// and flip the buffer after each of the first two.
package stage
