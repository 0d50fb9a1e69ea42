package partition

import (
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"
)

// point is a particle centre in (z, y, x) order tagged with its index.
type point struct {
	pos   [3]float64
	index int
}

// Compare implements the kdtree.Comparable interface
func (p point) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(point)
	return p.pos[d] - q.pos[d]
}

// Dims returns the number of dimensions for the KD-tree
func (p point) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two points
func (p point) Distance(c kdtree.Comparable) float64 {
	q := c.(point)
	var d2 float64
	for i := range p.pos {
		d := p.pos[i] - q.pos[i]
		d2 += d * d
	}
	return d2
}

// points is a collection of point that satisfies kdtree.Interface
type points []point

func (p points) Index(i int) kdtree.Comparable         { return p[i] }
func (p points) Len() int                              { return len(p) }
func (p points) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p points) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(plane{points: p, Dim: d}, kdtree.MedianOfRandoms(plane{points: p, Dim: d}, 100))
}

// plane implements sort.Interface and kdtree.SortSlicer for points
type plane struct {
	points
	kdtree.Dim
}

func (p plane) Less(i, j int) bool {
	return p.points[i].pos[p.Dim] < p.points[j].pos[p.Dim]
}

func (p plane) Slice(start, end int) kdtree.SortSlicer {
	return plane{points: p.points[start:end], Dim: p.Dim}
}

func (p plane) Swap(i, j int) {
	p.points[i], p.points[j] = p.points[j], p.points[i]
}

// Index is a spatial index over particle centres.
type Index struct {
	tree *kdtree.Tree
	n    int
}

// NewIndex builds an index over positions given in (z, y, x) order.
func NewIndex(positions [][3]float64) *Index {
	pts := make(points, len(positions))
	for i, p := range positions {
		pts[i] = point{pos: p, index: i}
	}
	ix := &Index{n: len(pts)}
	if len(pts) > 0 {
		ix.tree = kdtree.New(pts, false)
	}
	return ix
}

// Len returns the number of indexed particles.
func (ix *Index) Len() int {
	return ix.n
}

// Query returns, in ascending order, the indices of the particles inside
// the closed box [lo, hi] for which keep returns true. A nil keep accepts
// every particle in the box.
func (ix *Index) Query(lo, hi [3]float64, keep func(pos [3]float64) bool) []int {
	if ix.tree == nil {
		return nil
	}
	var out []int
	b := &kdtree.Bounding{Min: point{pos: lo}, Max: point{pos: hi}}
	ix.tree.DoBounded(b, func(c kdtree.Comparable, _ *kdtree.Bounding, _ int) bool {
		p := c.(point)
		if keep == nil || keep(p.pos) {
			out = append(out, p.index)
		}
		return false
	})
	sort.Ints(out)
	return out
}
