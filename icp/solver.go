package icp

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Solver turns accumulated normal equations into a rigid increment.
type Solver interface {
	Solve(ne *NormalEquations) (Transform, error)
}

// SolverFunc adapts a function to the Solver interface.
type SolverFunc func(ne *NormalEquations) (Transform, error)

// Solve calls f(ne)
func (f SolverFunc) Solve(ne *NormalEquations) (Transform, error) { return f(ne) }

// DefaultRankTolerance is the relative singular value cutoff used when the
// system is rank deficient.
const DefaultRankTolerance = 1e-10

// DenseSolver solves AᵀA x = Aᵀb with a Cholesky factorization. When AᵀA is
// not positive definite, for example when the correspondences leave some
// motion unconstrained, it returns the minimum-norm least-squares solution
// from an SVD instead, so unconstrained directions get a zero increment.
type DenseSolver struct {
	RankTolerance float64 // Zero selects DefaultRankTolerance
}

// Solve implements Solver. Only the upper triangle of ne.ATA is read.
func (s DenseSolver) Solve(ne *NormalEquations) (Transform, error) {
	x, err := s.SolveTwist(ne)
	if err != nil {
		return Transform{}, err
	}
	return TransformFromTwist(x), nil
}

// SolveTwist returns the raw increment (ωx, ωy, ωz, tx, ty, tz).
func (s DenseSolver) SolveTwist(ne *NormalEquations) ([6]float64, error) {
	var out [6]float64

	a := mat.NewSymDense(6, nil)
	for i := 0; i < 6; i++ {
		for j := i; j < 6; j++ {
			a.SetSym(i, j, ne.ATA[i][j])
		}
	}
	b := mat.NewVecDense(6, nil)
	for i := 0; i < 6; i++ {
		b.SetVec(i, ne.ATb[i])
	}
	if !finiteMatrix(a) || !finiteVector(b) {
		return out, fmt.Errorf("%w: non-finite normal equations", ErrSolverFailed)
	}

	var x *mat.VecDense
	var chol mat.Cholesky
	if chol.Factorize(a) {
		// A mat.Condition error means the factorization is numerically
		// singular; the SVD path handles that case.
		v := mat.NewVecDense(6, nil)
		if err := chol.SolveVecTo(v, b); err == nil {
			x = v
		}
	}
	if x == nil {
		var err error
		if x, err = s.solveMinNorm(a, b); err != nil {
			return out, err
		}
	}

	for i := 0; i < 6; i++ {
		out[i] = x.AtVec(i)
	}
	for _, v := range out {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return [6]float64{}, fmt.Errorf("%w: non-finite increment %v", ErrSolverFailed, out)
		}
	}
	return out, nil
}

func (s DenseSolver) solveMinNorm(a *mat.SymDense, b *mat.VecDense) (*mat.VecDense, error) {
	tol := s.RankTolerance
	if tol <= 0 {
		tol = DefaultRankTolerance
	}
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil, fmt.Errorf("%w: SVD did not converge", ErrSolverFailed)
	}
	dst := mat.NewVecDense(6, nil)
	rank := svd.Rank(tol)
	if rank == 0 {
		// Nothing is constrained.
		return dst, nil
	}
	svd.SolveVecTo(dst, b, rank)
	return dst, nil
}

func finiteMatrix(m mat.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

func finiteVector(v mat.Vector) bool {
	for i := 0; i < v.Len(); i++ {
		if math.IsNaN(v.AtVec(i)) || math.IsInf(v.AtVec(i), 0) {
			return false
		}
	}
	return true
}
