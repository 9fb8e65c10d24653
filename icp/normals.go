package icp

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/stat"
)

// MinNormalNeighbors is the smallest neighbourhood that defines a plane.
const MinNormalNeighbors = 3

// EstimateNormals fits a plane to the k nearest neighbours of every point and
// returns its unit normal, flipped to face viewpoint. Points whose
// neighbourhood is degenerate get the direction toward the viewpoint.
func EstimateNormals(dev Device, points []Vec3, k int, viewpoint Vec3) ([]Vec3, error) {
	if len(points) < MinNormalNeighbors {
		return nil, fmt.Errorf("need at least %d points to estimate normals, got %d", MinNormalNeighbors, len(points))
	}
	if k < MinNormalNeighbors {
		return nil, fmt.Errorf("normal neighbourhood must be >= %d, got %d", MinNormalNeighbors, k)
	}
	k = min(k, len(points))

	tree := kdtree.New(newIndexedPoints(points), false)
	normals := make([]Vec3, len(points))
	err := dev.Launch(len(points), func(s Span) error {
		data := mat.NewDense(k, 3, nil)
		var cov mat.SymDense
		var eig mat.EigenSym
		var vecs mat.Dense
		for i := s.Lo; i < s.Hi; i++ {
			p := points[i]
			keep := kdtree.NewNKeeper(k)
			tree.NearestSet(keep, indexedPoint{pos: p, index: -1})
			idx := keeperIndices(keep)

			toView := viewpoint.Sub(p).Normalize()
			if toView.Norm() == 0 {
				toView = Vec3{Z: 1}
			}
			if len(idx) < MinNormalNeighbors {
				normals[i] = toView
				continue
			}
			rows := data.Slice(0, len(idx), 0, 3).(*mat.Dense)
			for r, j := range idx {
				q := points[j]
				rows.SetRow(r, []float64{q.X, q.Y, q.Z})
			}
			cov.Reset()
			stat.CovarianceMatrix(&cov, rows, nil)
			if !eig.Factorize(&cov, true) {
				normals[i] = toView
				continue
			}
			// Eigenvalues are ascending; the first vector spans the
			// direction of least variance.
			eig.VectorsTo(&vecs)
			n := Vec3{X: vecs.At(0, 0), Y: vecs.At(1, 0), Z: vecs.At(2, 0)}.Normalize()
			if n.Norm() == 0 {
				normals[i] = toView
				continue
			}
			if n.Dot(viewpoint.Sub(p)) < 0 {
				n = n.Scale(-1)
			}
			normals[i] = n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return normals, nil
}
