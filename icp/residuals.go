package icp

// Buffers holds the per-point outputs of the residual stage. Slot i belongs
// to cloud point i; slots with Valid[i] == false carry no meaningful data.
type Buffers struct {
	Rows      [][6]float64 // [p×n ; n] for each valid correspondence
	Residuals []float64    // (q - p) · n
	Valid     []bool
}

// NewBuffers allocates buffers for a cloud of n points.
func NewBuffers(n int) *Buffers {
	return &Buffers{
		Rows:      make([][6]float64, n),
		Residuals: make([]float64, n),
		Valid:     make([]bool, n),
	}
}

// Len returns the number of slots
func (b *Buffers) Len() int { return len(b.Valid) }

// CorrespondenceRow linearizes the point-to-plane distance of p against the
// plane through q with normal n. The row is [p×n ; n] and the residual is
// (q-p)·n, so that row·x ≈ residual for a small twist x.
func CorrespondenceRow(p, q, n Vec3) ([6]float64, float64) {
	c := p.Cross(n)
	return [6]float64{c.X, c.Y, c.Z, n.X, n.Y, n.Z}, q.Sub(p).Dot(n)
}

// BuildResiduals queries the scene for every point of cloud and fills buf.
// Each slot is written by exactly one kernel invocation.
func BuildResiduals(dev Device, cloud Cloud, scene Scene, buf *Buffers) error {
	return dev.Launch(len(cloud), func(s Span) error {
		for i := s.Lo; i < s.Hi; i++ {
			p := cloud[i]
			q, n, ok := scene.Query(p)
			if !ok {
				buf.Valid[i] = false
				buf.Rows[i] = [6]float64{}
				buf.Residuals[i] = 0
				continue
			}
			buf.Rows[i], buf.Residuals[i] = CorrespondenceRow(p, q, n)
			buf.Valid[i] = true
		}
		return nil
	})
}
