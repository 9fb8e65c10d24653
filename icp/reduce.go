package icp

import "math"

// Statistics is the reduction of one residual pass.
type Statistics struct {
	Total      int     // Cloud size
	ValidCount int     // Points with a correspondence
	SumSquares float64 // Σ residual² over valid points
}

// Fitness is the fraction of points with a valid correspondence.
func (s Statistics) Fitness() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.ValidCount) / float64(s.Total)
}

// RMSE is the root mean squared residual over valid points. It is undefined
// without a valid correspondence.
func (s Statistics) RMSE() (float64, error) {
	if s.ValidCount == 0 {
		return 0, ErrNoCorrespondences
	}
	return math.Sqrt(s.SumSquares / float64(s.ValidCount)), nil
}

// ReduceStatistics counts valid slots and sums squared residuals. Partial
// sums are combined in partition order so the result does not depend on
// kernel scheduling.
func ReduceStatistics(dev Device, buf *Buffers) (Statistics, error) {
	n := buf.Len()
	partials := make([]Statistics, len(dev.Partitions(n)))
	err := dev.Launch(n, func(s Span) error {
		var part Statistics
		for i := s.Lo; i < s.Hi; i++ {
			if !buf.Valid[i] {
				continue
			}
			part.ValidCount++
			part.SumSquares += buf.Residuals[i] * buf.Residuals[i]
		}
		partials[s.Index] = part
		return nil
	})
	if err != nil {
		return Statistics{}, err
	}

	total := Statistics{Total: n}
	for _, p := range partials {
		total.ValidCount += p.ValidCount
		total.SumSquares += p.SumSquares
	}
	return total, nil
}
