// Package lattice holds the D3Q27 velocity set and the per-node formulas
// shared by every stage: weights, opposite directions, the equilibrium
// distribution and the macroscopic moments.
//
// All tables are built once at init and never mutated.
package lattice
