package align

import (
	"fmt"
	"image/color"
	"io"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/Qinglin520/pose-refine/icp"
)

// PlotConvergence writes a PNG with fitness and inlier RMSE per pass.
// RMSE is drawn on its own panel since the two differ by orders of magnitude.
func PlotConvergence(w io.Writer, title string, history []icp.IterationStats) error {
	if len(history) == 0 {
		return fmt.Errorf("no iteration history to plot")
	}

	fitnessPts := make(plotter.XYs, 0, len(history))
	rmsePts := make(plotter.XYs, 0, len(history))
	for _, h := range history {
		fitnessPts = append(fitnessPts, plotter.XY{X: float64(h.Iteration), Y: h.Fitness})
		if !math.IsInf(h.InlierRMSE, 0) && !math.IsNaN(h.InlierRMSE) {
			rmsePts = append(rmsePts, plotter.XY{X: float64(h.Iteration), Y: h.InlierRMSE})
		}
	}

	pFit := plot.New()
	pFit.Title.Text = title + " fitness"
	pFit.X.Label.Text = "Iteration"
	pFit.Y.Label.Text = "Fitness"
	pFit.Y.Min = 0
	pFit.Y.Max = 1
	pFit.Add(plotter.NewGrid())

	fitLine, err := plotter.NewLine(fitnessPts)
	if err != nil {
		return fmt.Errorf("fitness line: %w", err)
	}
	fitLine.Color = color.RGBA{R: 0, G: 100, B: 200, A: 255}
	fitLine.Width = vg.Points(1.5)
	pFit.Add(fitLine)

	pRMSE := plot.New()
	pRMSE.Title.Text = title + " inlier RMSE"
	pRMSE.X.Label.Text = "Iteration"
	pRMSE.Y.Label.Text = "RMSE"
	pRMSE.Add(plotter.NewGrid())

	if len(rmsePts) > 0 {
		rmseLine, err := plotter.NewLine(rmsePts)
		if err != nil {
			return fmt.Errorf("rmse line: %w", err)
		}
		rmseLine.Color = color.RGBA{R: 200, G: 50, B: 0, A: 255}
		rmseLine.Width = vg.Points(1.5)
		pRMSE.Add(rmseLine)
	}

	const width, panel = 8 * vg.Inch, 3 * vg.Inch
	img := vgimg.New(width, 2*panel)
	tiles := draw.Tiles{Rows: 2, Cols: 1, PadY: vg.Millimeter}
	canvases := plot.Align([][]*plot.Plot{{pFit}, {pRMSE}}, tiles, draw.New(img))
	pFit.Draw(canvases[0][0])
	pRMSE.Draw(canvases[1][0])

	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(w); err != nil {
		return fmt.Errorf("encoding convergence plot: %w", err)
	}
	return nil
}
