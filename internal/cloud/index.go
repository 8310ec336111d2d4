package cloud

import (
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"
)

// SearchIndex is a nearest-neighbour index over exactly one cloud. The
// cloud and its index are always built together so an index can never go
// stale relative to the points it answers for.
type SearchIndex struct {
	cloud PointCloud
	tree  *kdtree.Tree
}

// NewSearchIndex builds a k-d tree over c. The cloud is retained by
// reference and must not be mutated while the index is in use.
func NewSearchIndex(c PointCloud) *SearchIndex {
	idx := &SearchIndex{cloud: c}
	if len(c) == 0 {
		return idx
	}
	pts := make(indexedPoints, len(c))
	for i, p := range c {
		pts[i] = indexedPoint{coord: [3]float64{p.X, p.Y, p.Z}, index: i}
	}
	idx.tree = kdtree.New(pts, false)
	return idx
}

// Cloud returns the cloud this index was built over.
func (s *SearchIndex) Cloud() PointCloud {
	if s == nil {
		return nil
	}
	return s.cloud
}

// Len returns the number of indexed points.
func (s *SearchIndex) Len() int {
	if s == nil {
		return 0
	}
	return len(s.cloud)
}

// Nearest returns the position in Cloud() of the point closest to p and
// the Euclidean distance to it. ok is false when the index is empty.
func (s *SearchIndex) Nearest(p Point) (i int, dist float64, ok bool) {
	if s == nil || s.tree == nil {
		return -1, math.Inf(1), false
	}
	got, d2 := s.tree.Nearest(indexedPoint{coord: [3]float64{p.X, p.Y, p.Z}})
	ip, isPoint := got.(indexedPoint)
	if !isPoint {
		return -1, math.Inf(1), false
	}
	return ip.index, math.Sqrt(d2), true
}

// indexedPoint is a kdtree.Comparable that remembers its source position.
type indexedPoint struct {
	coord [3]float64
	index int
}

func (p indexedPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(indexedPoint)
	return p.coord[d] - q.coord[d]
}

func (p indexedPoint) Dims() int { return 3 }

// Distance returns the squared Euclidean distance, as kdtree expects.
func (p indexedPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(indexedPoint)
	dx := p.coord[0] - q.coord[0]
	dy := p.coord[1] - q.coord[1]
	dz := p.coord[2] - q.coord[2]
	return dx*dx + dy*dy + dz*dz
}

type indexedPoints []indexedPoint

func (p indexedPoints) Index(i int) kdtree.Comparable { return p[i] }
func (p indexedPoints) Len() int { return len(p) }
func (p indexedPoints) Pivot(d kdtree.Dim) int {
	return plane{dim: d, points: p}.pivot()
}
func (p indexedPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// plane sorts indexedPoints along one dimension for median partitioning.
type plane struct {
	dim    kdtree.Dim
	points indexedPoints
}

func (p plane) Len() int { return len(p.points) }
func (p plane) Less(i, j int) bool {
	return p.points[i].coord[p.dim] < p.points[j].coord[p.dim]
}
func (p plane) Swap(i, j int) { p.points[i], p.points[j] = p.points[j], p.points[i] }
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	p.points = p.points[start:end]
	return p
}
func (p plane) pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
