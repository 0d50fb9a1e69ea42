// Package tile provides the axis-aligned integer 3-D boxes used to bound the
// region of a volume affected by a parameter change.
//
// Coordinates are ordered (z, y, x) to match the row-major layout of the
// volumes, where the flat index of a voxel is z*H*W + y*W + x.
package tile

import (
	"fmt"
)

// Tile is a half-open box [L, R) over the voxel grid.
type Tile struct {
	// L is the inclusive lower corner
	L [3]int

	// R is the exclusive upper corner
	R [3]int
}

// New creates a tile from its two corners. Corners are normalised so that
// L <= R holds component-wise.
func New(left, right [3]int) Tile {
	t := Tile{L: left, R: right}
	for i := 0; i < 3; i++ {
		if t.R[i] < t.L[i] {
			t.L[i], t.R[i] = t.R[i], t.L[i]
		}
	}
	return t
}

// FromShape returns the tile covering a whole volume of the given shape.
func FromShape(shape [3]int) Tile {
	return New([3]int{}, shape)
}

// Shape returns the extent of the tile along each axis.
func (t Tile) Shape() [3]int {
	return [3]int{t.R[0] - t.L[0], t.R[1] - t.L[1], t.R[2] - t.L[2]}
}

// Volume returns the number of voxels inside the tile.
func (t Tile) Volume() int {
	s := t.Shape()
	return s[0] * s[1] * s[2]
}

// Empty reports whether the tile contains no voxels.
func (t Tile) Empty() bool {
	return t.Volume() == 0
}

// Contains reports whether the voxel c lies inside the tile.
func (t Tile) Contains(c [3]int) bool {
	for i := 0; i < 3; i++ {
		if c[i] < t.L[i] || c[i] >= t.R[i] {
			return false
		}
	}
	return true
}

// Union returns the bounding tile of t and all others: the element-wise
// minimum of the left corners and maximum of the right corners.
func (t Tile) Union(others ...Tile) Tile {
	out := t
	for _, o := range others {
		for i := 0; i < 3; i++ {
			out.L[i] = min(out.L[i], o.L[i])
			out.R[i] = max(out.R[i], o.R[i])
		}
	}
	return out
}

// Union returns the bounding tile of every tile in ts. It returns the zero
// tile when ts is empty.
func Union(ts ...Tile) Tile {
	if len(ts) == 0 {
		return Tile{}
	}
	return ts[0].Union(ts[1:]...)
}

// Intersect returns the overlap of two tiles. Disjoint tiles give an empty
// tile anchored at the larger left corner.
func (t Tile) Intersect(o Tile) Tile {
	var out Tile
	for i := 0; i < 3; i++ {
		out.L[i] = max(t.L[i], o.L[i])
		out.R[i] = max(out.L[i], min(t.R[i], o.R[i]))
	}
	return out
}

// Pad grows the tile by n voxels on every side. A negative n shrinks it,
// never past an empty tile.
func (t Tile) Pad(n int) Tile {
	out := t
	for i := 0; i < 3; i++ {
		out.L[i] -= n
		out.R[i] += n
		if out.R[i] < out.L[i] {
			mid := (t.L[i] + t.R[i]) / 2
			out.L[i], out.R[i] = mid, mid
		}
	}
	return out
}

// Inner returns the tile without its one-voxel boundary.
func (t Tile) Inner() Tile {
	return t.Pad(-1)
}

// Clip limits the tile to the box spanned by lo and hi.
func (t Tile) Clip(lo, hi [3]int) Tile {
	return t.Intersect(Tile{L: lo, R: hi})
}

// Even rounds the left corner down and the right corner up to even
// coordinates.
func (t Tile) Even() Tile {
	out := t
	for i := 0; i < 3; i++ {
		if out.L[i]%2 != 0 {
			out.L[i]--
		}
		if out.R[i]%2 != 0 {
			out.R[i]++
		}
	}
	return out
}

// Index returns the row-major position of voxel c inside the tile.
func (t Tile) Index(c [3]int) int {
	s := t.Shape()
	return ((c[0]-t.L[0])*s[1]+(c[1]-t.L[1]))*s[2] + (c[2] - t.L[2])
}

// Coord is the inverse of Index.
func (t Tile) Coord(idx int) [3]int {
	s := t.Shape()
	x := idx % s[2]
	idx /= s[2]
	y := idx % s[1]
	z := idx / s[1]
	return [3]int{z + t.L[0], y + t.L[1], x + t.L[2]}
}

// Do calls fn for every voxel in the tile in row-major order together with
// its position inside the tile.
func (t Tile) Do(fn func(c [3]int, i int)) {
	i := 0
	for z := t.L[0]; z < t.R[0]; z++ {
		for y := t.L[1]; y < t.R[1]; y++ {
			for x := t.L[2]; x < t.R[2]; x++ {
				fn([3]int{z, y, x}, i)
				i++
			}
		}
	}
}

func (t Tile) String() string {
	return fmt.Sprintf("Tile{%v -> %v}", t.L, t.R)
}
