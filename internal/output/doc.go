// Package output writes simulation results for ParaView: legacy VTK
// snapshots, the voxelised geometry and a .pvd time collection.
package output
