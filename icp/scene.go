package icp

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"
)

// Scene answers closest-surface queries against the static reference
// geometry. Query must be safe for concurrent use and must report ok=false
// when no surface lies within its search range.
type Scene interface {
	Query(p Vec3) (point, normal Vec3, ok bool)
}

// SceneFunc adapts a function to the Scene interface.
type SceneFunc func(p Vec3) (Vec3, Vec3, bool)

// Query calls f(p)
func (f SceneFunc) Query(p Vec3) (Vec3, Vec3, bool) { return f(p) }

// KDTreeScene is a Scene over a reference point cloud with per-point normals.
// The closest reference point within MaxDistance is the hit.
type KDTreeScene struct {
	tree        *kdtree.Tree
	points      []Vec3
	normals     []Vec3
	maxDistance float64
}

// NewKDTreeScene indexes points for nearest-neighbour queries. A maxDistance
// of zero or less accepts any distance.
func NewKDTreeScene(points, normals []Vec3, maxDistance float64) (*KDTreeScene, error) {
	if len(points) != len(normals) {
		return nil, fmt.Errorf("scene has %d points but %d normals", len(points), len(normals))
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("scene has no points")
	}
	for i, n := range normals {
		if !n.IsFinite() || n.Norm() == 0 {
			return nil, fmt.Errorf("normal %d is not a usable direction: %+v", i, n)
		}
	}

	pts := make([]Vec3, len(points))
	copy(pts, points)
	nrm := make([]Vec3, len(normals))
	for i, n := range normals {
		nrm[i] = n.Normalize()
	}

	if maxDistance <= 0 {
		maxDistance = math.Inf(1)
	}
	return &KDTreeScene{
		tree:        kdtree.New(newIndexedPoints(pts), false),
		points:      pts,
		normals:     nrm,
		maxDistance: maxDistance,
	}, nil
}

// Len returns the number of indexed reference points
func (s *KDTreeScene) Len() int { return len(s.points) }

// MaxDistance returns the correspondence cutoff
func (s *KDTreeScene) MaxDistance() float64 { return s.maxDistance }

// Query returns the nearest reference point and its normal.
func (s *KDTreeScene) Query(p Vec3) (Vec3, Vec3, bool) {
	if !p.IsFinite() {
		return Vec3{}, Vec3{}, false
	}
	got, dist2 := s.tree.Nearest(indexedPoint{pos: p, index: -1})
	if got == nil {
		return Vec3{}, Vec3{}, false
	}
	if math.Sqrt(dist2) > s.maxDistance {
		return Vec3{}, Vec3{}, false
	}
	idx := got.(indexedPoint).index
	return s.points[idx], s.normals[idx], true
}

func keeperIndices(keep *kdtree.NKeeper) []int {
	out := make([]int, 0, keep.Len())
	for _, cd := range keep.Heap {
		if cd.Comparable == nil {
			continue
		}
		out = append(out, cd.Comparable.(indexedPoint).index)
	}
	return out
}

// indexedPoint is a kdtree.Comparable carrying its position in the source slice.
type indexedPoint struct {
	pos   Vec3
	index int
}

func (p indexedPoint) coord(d kdtree.Dim) float64 {
	switch d {
	case 0:
		return p.pos.X
	case 1:
		return p.pos.Y
	default:
		return p.pos.Z
	}
}

func (p indexedPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(indexedPoint)
	return p.coord(d) - q.coord(d)
}

func (p indexedPoint) Dims() int { return 3 }

// Distance returns the squared Euclidean distance.
func (p indexedPoint) Distance(c kdtree.Comparable) float64 {
	d := p.pos.Sub(c.(indexedPoint).pos)
	return d.Dot(d)
}

type indexedPoints []indexedPoint

func newIndexedPoints(pts []Vec3) indexedPoints {
	out := make(indexedPoints, len(pts))
	for i, p := range pts {
		out[i] = indexedPoint{pos: p, index: i}
	}
	return out
}

func (p indexedPoints) Index(i int) kdtree.Comparable { return p[i] }
func (p indexedPoints) Len() int                      { return len(p) }
func (p indexedPoints) Pivot(d kdtree.Dim) int {
	return indexedPlane{indexedPoints: p, Dim: d}.Pivot()
}
func (p indexedPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// indexedPlane sorts indexedPoints along one dimension.
type indexedPlane struct {
	kdtree.Dim
	indexedPoints
}

func (p indexedPlane) Less(i, j int) bool {
	return p.indexedPoints[i].coord(p.Dim) < p.indexedPoints[j].coord(p.Dim)
}
func (p indexedPlane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p indexedPlane) Slice(start, end int) kdtree.SortSlicer {
	p.indexedPoints = p.indexedPoints[start:end]
	return p
}
func (p indexedPlane) Swap(i, j int) {
	p.indexedPoints[i], p.indexedPoints[j] = p.indexedPoints[j], p.indexedPoints[i]
}
