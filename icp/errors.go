package icp

import (
	"errors"
	"fmt"
)

// Kind classifies why a registration run failed.
type Kind int

const (
	KindDevice       Kind = iota + 1 // Kernel launch, synchronization or memory failure
	KindSolver                       // Normal equations could not be solved
	KindDegenerate                   // No valid correspondence, statistics undefined
	KindInvalidInput                 // Bad criteria or empty cloud
	KindCancelled                    // Context cancelled between iterations
)

func (k Kind) String() string {
	switch k {
	case KindDevice:
		return "device"
	case KindSolver:
		return "solver"
	case KindDegenerate:
		return "degenerate"
	case KindInvalidInput:
		return "invalid input"
	case KindCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

var (
	ErrDevice            = errors.New("compute device failure")
	ErrSolverFailed      = errors.New("normal equation solve failed")
	ErrNoCorrespondences = errors.New("no valid correspondences")
	ErrInvalidCriteria   = errors.New("invalid convergence criteria")
	ErrEmptyCloud        = errors.New("source cloud is empty")
	ErrNilScene          = errors.New("scene is nil")
)

// Error is returned by Register and Evaluate. No partial Result accompanies it.
type Error struct {
	Kind      Kind
	Iteration int // Pass during which the failure happened, -1 before the loop
	Err       error
}

func (e *Error) Error() string {
	if e.Iteration < 0 {
		return fmt.Sprintf("icp: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("icp: %s at iteration %d: %v", e.Kind, e.Iteration, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, iteration int, err error) *Error {
	return &Error{Kind: kind, Iteration: iteration, Err: err}
}

// KindOf returns the Kind of err, or 0 when err did not come from this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
