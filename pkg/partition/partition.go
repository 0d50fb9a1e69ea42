// Package partition splits particles into spatial groups small enough to be
// optimised together, and sizes the groups to a memory budget.
package partition

import (
	"volfit/pkg/tile"
)

// bytesPerVoxel is the per-voxel, per-particle storage cost of a group
// Jacobian: four float64 rows.
const bytesPerVoxel = 32

// queryMargin widens the k-d tree query so that points lying on a box face
// are always visited; the exact membership test is applied afterwards.
const queryMargin = 1.0

// InBox returns the particles whose centres lie strictly inside (lo, hi).
func InBox(positions [][3]float64, lo, hi [3]float64) []int {
	return NewIndex(positions).Query(lo, hi, func(p [3]float64) bool {
		for a := 0; a < 3; a++ {
			if p[a] <= lo[a] || p[a] >= hi[a] {
				return false
			}
		}
		return true
	})
}

// cells returns the number of boxes of size rs needed to cover [lo, hi).
func cells(lo, hi, rs int) int {
	if hi <= lo || rs <= 0 {
		return 0
	}
	return (hi - lo + rs - 1) / rs
}

// Separate tiles bounds with boxes of size rs starting at bounds.L and
// returns the particles of every non-empty box, boxes ordered z-major.
//
// A box owns the centres in [lo, hi) along each axis; the last box along an
// axis is cut at bounds.R and also owns that face, so every centre inside
// the closed bounds belongs to exactly one group. Centres outside the bounds
// are left out.
func Separate(positions [][3]float64, bounds tile.Tile, rs [3]int) [][]int {
	var n [3]int
	for a := 0; a < 3; a++ {
		n[a] = cells(bounds.L[a], bounds.R[a], rs[a])
		if n[a] == 0 {
			return nil
		}
	}

	ix := NewIndex(positions)
	var groups [][]int
	for i := 0; i < n[0]; i++ {
		for j := 0; j < n[1]; j++ {
			for k := 0; k < n[2]; k++ {
				cell := [3]int{i, j, k}
				var lo, hi [3]float64
				var last [3]bool
				for a := 0; a < 3; a++ {
					lo[a] = float64(bounds.L[a] + cell[a]*rs[a])
					hi[a] = lo[a] + float64(rs[a])
					last[a] = cell[a] == n[a]-1
					if last[a] {
						hi[a] = min(hi[a], float64(bounds.R[a]))
					}
				}

				qlo, qhi := lo, hi
				for a := 0; a < 3; a++ {
					qlo[a] -= queryMargin
					qhi[a] += queryMargin
				}
				group := ix.Query(qlo, qhi, func(p [3]float64) bool {
					for a := 0; a < 3; a++ {
						if p[a] < lo[a] || p[a] > hi[a] || (p[a] == hi[a] && !last[a]) {
							return false
						}
					}
					return true
				})
				if len(group) > 0 {
					groups = append(groups, group)
				}
			}
		}
	}
	return groups
}

// Memory estimates the storage in bytes of the Jacobian of the largest
// group for boxes of size rs on an image padded by pad.
func Memory(groups [][]int, rs [3]int, pad int) float64 {
	largest := 0
	for _, g := range groups {
		largest = max(largest, len(g))
	}
	vol := 1.0
	for a := 0; a < 3; a++ {
		vol *= float64(rs[a] + 2*pad)
	}
	return bytesPerVoxel * float64(largest) * vol
}

// AutoRegionSize searches for a region size whose largest group fits in
// maxMem, starting from rs. If rs is already too large every axis longer
// than two voxels shrinks by one until it fits or no axis can shrink;
// otherwise every axis grows by one while the result still fits and stays
// smaller than the bounds.
func AutoRegionSize(positions [][3]float64, bounds tile.Tile, rs [3]int, pad int, maxMem float64) [3]int {
	mem := func(rs [3]int) float64 {
		return Memory(Separate(positions, bounds, rs), rs, pad)
	}
	shape := bounds.Shape()

	if mem(rs) > maxMem {
		for mem(rs) > maxMem {
			shrunk := false
			for a := 0; a < 3; a++ {
				if rs[a] > 2 {
					rs[a]--
					shrunk = true
				}
			}
			if !shrunk {
				break
			}
		}
		return rs
	}

	for {
		if rs[0] >= shape[0] || rs[1] >= shape[1] || rs[2] >= shape[2] {
			return rs
		}
		next := [3]int{rs[0] + 1, rs[1] + 1, rs[2] + 1}
		if mem(next) > maxMem {
			return rs
		}
		rs = next
	}
}
