package grid

// TileShape is the fixed extent of a unit of parallel work.
type TileShape struct {
	X, Y, Z int
}

// DefaultTileShape is 8x8x1 cells.
var DefaultTileShape = TileShape{X: 8, Y: 8, Z: 1}

// Tile is the origin of one work unit. A tile on the far edge of the grid
// may extend past it; Each skips the cells that fall outside.
type Tile struct {
	X, Y, Z int
	Shape   TileShape
}

// Tiles covers d with tiles of the given shape, rounding up on each axis.
func Tiles(d Dims, s TileShape) []Tile {
	if s.X <= 0 || s.Y <= 0 || s.Z <= 0 {
		s = DefaultTileShape
	}
	tx, ty, tz := ceilDiv(d.NX, s.X), ceilDiv(d.NY, s.Y), ceilDiv(d.NZ, s.Z)
	tiles := make([]Tile, 0, tx*ty*tz)
	for z := 0; z < tz; z++ {
		for y := 0; y < ty; y++ {
			for x := 0; x < tx; x++ {
				tiles = append(tiles, Tile{X: x * s.X, Y: y * s.Y, Z: z * s.Z, Shape: s})
			}
		}
	}
	return tiles
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

// Each calls fn for every in-range cell of the tile with its coordinates
// and linear index.
func (t Tile) Each(d Dims, fn func(x, y, z, i int)) {
	for z := t.Z; z < t.Z+t.Shape.Z; z++ {
		for y := t.Y; y < t.Y+t.Shape.Y; y++ {
			for x := t.X; x < t.X+t.Shape.X; x++ {
				if !d.Contains(x, y, z) {
					continue
				}
				fn(x, y, z, d.Index(x, y, z))
			}
		}
	}
}
