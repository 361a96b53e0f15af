// Package grid owns the node storage: dimensions and indexing, the double
// buffer that the stages read and write, and the tiling used to split a
// stage into parallel work units.
//
// Key types: Dims, Grid, Buffer, Tile.
//
// Nothing here knows about collision or boundary physics.
package grid
