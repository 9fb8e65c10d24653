package icp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// boxRows produces correspondence rows for points spread over all six faces
// of a unit cube, which constrain every degree of freedom.
func boxRows(twist [6]float64) ([][6]float64, []float64) {
	var rows [][6]float64
	var res []float64
	faces := []Vec3{{1, 0, 0}, {-1, 0, 0}, {0, 1, 0}, {0, -1, 0}, {0, 0, 1}, {0, 0, -1}}
	for _, n := range faces {
		for _, u := range []float64{-0.5, 0.5} {
			for _, v := range []float64{-0.5, 0.5} {
				var p Vec3
				switch {
				case n.X != 0:
					p = Vec3{n.X, u, v}
				case n.Y != 0:
					p = Vec3{u, n.Y, v}
				default:
					p = Vec3{u, v, n.Z}
				}
				row, _ := CorrespondenceRow(p, p, n)
				var r float64
				for i := range row {
					r += row[i] * twist[i]
				}
				rows = append(rows, row)
				res = append(res, r)
			}
		}
	}
	return rows, res
}

func TestNormalEquationsAddRow(t *testing.T) {
	var ne NormalEquations
	ne.AddRow([6]float64{1, 2, 0, 0, 0, 3}, 2)
	ne.symmetrize()

	assert.Equal(t, 4.0, ne.ATA[1][1])
	assert.Equal(t, 2.0, ne.ATA[0][1])
	assert.Equal(t, 2.0, ne.ATA[1][0])
	assert.Equal(t, 3.0, ne.ATA[5][0])
	assert.Equal(t, [6]float64{2, 4, 0, 0, 0, 6}, ne.ATb)
}

func TestNormalEquationsAccumulateMatchesSerial(t *testing.T) {
	rows, res := boxRows([6]float64{0.01, 0.02, -0.03, 0.1, 0.2, 0.3})

	buf := NewBuffers(len(rows) + 2)
	copy(buf.Rows, rows)
	copy(buf.Residuals, res)
	for i := range rows {
		buf.Valid[i] = true
	}
	// invalid slots with garbage must not contribute
	buf.Rows[len(rows)] = [6]float64{9, 9, 9, 9, 9, 9}
	buf.Residuals[len(rows)+1] = 1e6

	var serial NormalEquations
	for i := range rows {
		serial.AddRow(rows[i], res[i])
	}
	serial.symmetrize()

	dev := NewCPUDevice(4, 3)
	defer dev.Close()
	var parallel NormalEquations
	require.NoError(t, parallel.Accumulate(dev, buf))

	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			assert.InDelta(t, serial.ATA[i][j], parallel.ATA[i][j], 1e-12)
			assert.Equal(t, parallel.ATA[i][j], parallel.ATA[j][i], "AᵀA must be symmetric")
		}
		assert.InDelta(t, serial.ATb[i], parallel.ATb[i], 1e-12)
	}
}

func TestNormalEquationsAccumulateKeepsContents(t *testing.T) {
	dev := NewCPUDevice(1, 8)
	defer dev.Close()

	buf := NewBuffers(1)
	buf.Valid[0] = true
	buf.Rows[0] = [6]float64{0, 0, 0, 1, 0, 0}
	buf.Residuals[0] = 0.5

	var ne NormalEquations
	require.NoError(t, ne.Accumulate(dev, buf))
	require.NoError(t, ne.Accumulate(dev, buf))
	assert.Equal(t, 2.0, ne.ATA[3][3])
	assert.Equal(t, 1.0, ne.ATb[3])

	ne.Reset()
	assert.Equal(t, NormalEquations{}, ne)
}

func TestDenseSolverFullRank(t *testing.T) {
	want := [6]float64{0.01, -0.02, 0.015, 0.1, -0.05, 0.2}
	rows, res := boxRows(want)

	var ne NormalEquations
	for i := range rows {
		ne.AddRow(rows[i], res[i])
	}

	got, err := DenseSolver{}.SolveTwist(&ne)
	require.NoError(t, err)
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-9, "component %d", i)
	}
}

func TestDenseSolverRankDeficientMinimumNorm(t *testing.T) {
	// Only x translation is observed: rotations about x and the y/z
	// translations are unconstrained and must come back as zero.
	var ne NormalEquations
	for _, p := range []Vec3{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {0, 0, 1}} {
		row, _ := CorrespondenceRow(p, p, Vec3{1, 0, 0})
		ne.AddRow(row, 0.1)
	}

	got, err := DenseSolver{}.SolveTwist(&ne)
	require.NoError(t, err)
	want := [6]float64{0, 0, 0, 0.1, 0, 0}
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-9, "component %d", i)
	}
}

func TestDenseSolverZeroSystem(t *testing.T) {
	var ne NormalEquations
	tr, err := DenseSolver{}.Solve(&ne)
	require.NoError(t, err)
	assert.True(t, ApproxEqual(Identity(), tr, epsilon))
}

func TestDenseSolverRejectsNonFinite(t *testing.T) {
	var ne NormalEquations
	ne.AddRow([6]float64{1, 0, 0, 0, 0, 0}, 1)
	ne.ATb[2] = math.NaN()

	_, err := DenseSolver{}.Solve(&ne)
	assert.ErrorIs(t, err, ErrSolverFailed)
}
