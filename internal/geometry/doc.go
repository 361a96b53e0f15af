// Package geometry turns a surface mesh into the per-node classification
// the solver starts from. It reads ASCII and binary STL, voxelises the
// surface onto the lattice and assigns the inlet and outlet planes.
package geometry
