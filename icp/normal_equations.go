package icp

import (
	"fmt"
	"strings"
)

// NormalEquations holds AᵀA and Aᵀb for the 6-parameter increment.
type NormalEquations struct {
	ATA [6][6]float64
	ATb [6]float64
}

// Reset zeroes the accumulators.
func (ne *NormalEquations) Reset() {
	*ne = NormalEquations{}
}

// AddRow accumulates one correspondence row and its residual.
func (ne *NormalEquations) AddRow(row [6]float64, r float64) {
	for i := 0; i < 6; i++ {
		for j := i; j < 6; j++ {
			ne.ATA[i][j] += row[i] * row[j]
		}
		ne.ATb[i] += row[i] * r
	}
}

// Add accumulates another set of normal equations.
func (ne *NormalEquations) Add(o *NormalEquations) {
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			ne.ATA[i][j] += o.ATA[i][j]
		}
		ne.ATb[i] += o.ATb[i]
	}
}

// symmetrize mirrors the upper triangle filled by AddRow into the lower one.
func (ne *NormalEquations) symmetrize() {
	for i := 0; i < 6; i++ {
		for j := 0; j < i; j++ {
			ne.ATA[i][j] = ne.ATA[j][i]
		}
	}
}

// Accumulate adds the rows of every valid slot in buf. Invalid slots
// contribute nothing. The existing contents are kept, so callers decide
// whether to Reset first.
func (ne *NormalEquations) Accumulate(dev Device, buf *Buffers) error {
	n := buf.Len()
	partials := make([]NormalEquations, len(dev.Partitions(n)))
	err := dev.Launch(n, func(s Span) error {
		part := &partials[s.Index]
		for i := s.Lo; i < s.Hi; i++ {
			if buf.Valid[i] {
				part.AddRow(buf.Rows[i], buf.Residuals[i])
			}
		}
		part.symmetrize()
		return nil
	})
	if err != nil {
		return err
	}
	for i := range partials {
		ne.Add(&partials[i])
	}
	return nil
}

// AccumulationMode selects what happens to the normal equations between
// pose updates.
type AccumulationMode int

const (
	// AccumulateReset zeroes AᵀA and Aᵀb before each update, so every
	// increment is solved from the current pass alone.
	AccumulateReset AccumulationMode = iota
	// AccumulatePersistent keeps adding to the same accumulators for the
	// whole run.
	AccumulatePersistent
)

func (m AccumulationMode) String() string {
	switch m {
	case AccumulateReset:
		return "reset"
	case AccumulatePersistent:
		return "persistent"
	default:
		return fmt.Sprintf("AccumulationMode(%d)", int(m))
	}
}

// ParseAccumulationMode parses "reset" or "persistent". An empty string
// selects AccumulateReset.
func ParseAccumulationMode(s string) (AccumulationMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reset":
		return AccumulateReset, nil
	case "persistent":
		return AccumulatePersistent, nil
	default:
		return 0, fmt.Errorf("unknown accumulation mode %q (want reset or persistent)", s)
	}
}

// MarshalText encodes the mode by name.
func (m AccumulationMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText decodes a mode name.
func (m *AccumulationMode) UnmarshalText(text []byte) error {
	mode, err := ParseAccumulationMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}
