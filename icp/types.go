// Package icp implements point-to-plane iterative closest point refinement of
// a rigid pose. Per-point work runs as data-parallel kernels on a Device while
// the 6x6 solve and the convergence decisions run on the host.
package icp

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Vec3 is a point or direction in 3D space
type Vec3 struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

// Add returns v + o
func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }

// Sub returns v - o
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }

// Scale returns v * s
func (v Vec3) Scale(s float64) Vec3 { return Vec3{v.X * s, v.Y * s, v.Z * s} }

// Dot returns the scalar product v · o
func (v Vec3) Dot(o Vec3) float64 { return v.X*o.X + v.Y*o.Y + v.Z*o.Z }

// Cross returns the vector product v × o
func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		X: v.Y*o.Z - v.Z*o.Y,
		Y: v.Z*o.X - v.X*o.Z,
		Z: v.X*o.Y - v.Y*o.X,
	}
}

// Norm returns the Euclidean length of v
func (v Vec3) Norm() float64 { return math.Sqrt(v.Dot(v)) }

// Normalize returns v scaled to unit length, or the zero vector if v has no length
func (v Vec3) Normalize() Vec3 {
	n := v.Norm()
	if n == 0 {
		return Vec3{}
	}
	return v.Scale(1 / n)
}

// IsFinite reports whether every component is a finite number
func (v Vec3) IsFinite() bool {
	for _, c := range [3]float64{v.X, v.Y, v.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

// Cloud is an ordered point set. Registration transforms it in place.
type Cloud []Vec3

// Clone returns a copy of the cloud that shares no storage with c
func (c Cloud) Clone() Cloud {
	out := make(Cloud, len(c))
	copy(out, c)
	return out
}

// Criteria controls when the iteration loop stops.
type Criteria struct {
	MaxIteration    int     `json:"maxIteration" yaml:"maxIteration"`       // Pose updates allowed; the loop runs MaxIteration+1 passes
	RelativeFitness float64 `json:"relativeFitness" yaml:"relativeFitness"` // Stop when |Δfitness| drops below this
	RelativeRMSE    float64 `json:"relativeRmse" yaml:"relativeRmse"`       // ...and |Δrmse| drops below this
}

// DefaultCriteria returns the stopping criteria used when none are configured.
func DefaultCriteria() Criteria {
	return Criteria{
		MaxIteration:    30,
		RelativeFitness: 1e-6,
		RelativeRMSE:    1e-6,
	}
}

// Validate rejects criteria the loop cannot honor.
func (c Criteria) Validate() error {
	var errs []error
	if c.MaxIteration < 0 {
		errs = append(errs, fmt.Errorf("maxIteration must be >= 0, got %d", c.MaxIteration))
	}
	if c.RelativeFitness < 0 || math.IsNaN(c.RelativeFitness) {
		errs = append(errs, fmt.Errorf("relativeFitness must be >= 0, got %v", c.RelativeFitness))
	}
	if c.RelativeRMSE < 0 || math.IsNaN(c.RelativeRMSE) {
		errs = append(errs, fmt.Errorf("relativeRmse must be >= 0, got %v", c.RelativeRMSE))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidCriteria, errors.Join(errs...))
	}
	return nil
}

// State is the lifecycle position of a registration run.
type State int

const (
	StateRunning   State = iota // Loop still iterating
	StateConverged              // Both deltas fell below their thresholds
	StateExhausted              // Final statistics-only pass completed
)

var stateNames = map[State]string{
	StateRunning:   "running",
	StateConverged: "converged",
	StateExhausted: "exhausted",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	name := strings.ToLower(string(text))
	for k, v := range stateNames {
		if v == name {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// IterationStats records the statistics measured by one pass.
type IterationStats struct {
	Iteration  int     `json:"iteration"`
	Fitness    float64 `json:"fitness"`
	InlierRMSE float64 `json:"inlierRmse"`
	ValidCount int     `json:"validCount"`
}

// Result reports the outcome of a registration run.
type Result struct {
	Fitness        float64          `json:"fitness"`        // Valid correspondences / cloud size
	InlierRMSE     float64          `json:"inlierRmse"`     // Root mean squared residual over valid correspondences
	Transformation Transform        `json:"transformation"` // Cumulative rigid transform applied to the cloud
	ValidCount     int              `json:"validCount"`
	Iterations     int              `json:"iterations"` // Passes executed, including the final one
	State          State            `json:"state"`
	History        []IterationStats `json:"history,omitempty"`
}
