package align

import (
	"fmt"
	"image/png"
	"io"
	"math"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"

	"github.com/Qinglin520/pose-refine/icp"
)

// canvasSize is the longest side of the vector page in millimetres
const canvasSize = 200.0

// VectorRenderer renders point layers as vector graphics
type VectorRenderer struct {
	Layers      []PreviewLayer
	Padding     float64           // Padding in page millimetres
	Resolution  canvas.Resolution // Resolution for PNG output (default: 300 DPI)
	GridSpacing float64           // Grid spacing in cloud units; 0 disables
	PointRadius float64           // Marker half-size in cloud units; 0 uses a fixed 0.4mm
}

// NewVectorRenderer creates a vector renderer, taking overrides from cfg
func NewVectorRenderer(layers []PreviewLayer, cfg RenderConfig) *VectorRenderer {
	r := &VectorRenderer{
		Layers:      layers,
		Padding:     5.0,
		Resolution:  canvas.DPI(300),
		GridSpacing: 1.0,
		PointRadius: cfg.PointRadius,
	}
	if cfg.Resolution > 0 {
		r.Resolution = canvas.DPI(cfg.Resolution)
	}
	if cfg.GridSpacing > 0 {
		r.GridSpacing = cfg.GridSpacing
	}
	return r
}

// canvasRenderer is implemented by both the svg and rasterizer renderers
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// pageLayout maps cloud XY into page millimetres
type pageLayout struct {
	minX, minY, maxX, maxY float64
	scale                  float64
	width, height          float64
}

func (r *VectorRenderer) layout() (pageLayout, error) {
	minX, minY, maxX, maxY, ok := layerBounds(r.Layers)
	if !ok {
		return pageLayout{}, fmt.Errorf("no points to render")
	}
	extent := math.Max(maxX-minX, maxY-minY)
	scale := 1.0
	if extent > 0 {
		scale = canvasSize / extent
	}
	return pageLayout{
		minX:   minX,
		minY:   minY,
		maxX:   maxX,
		maxY:   maxY,
		scale:  scale,
		width:  (maxX-minX)*scale + 2*r.Padding,
		height: (maxY-minY)*scale + 2*r.Padding,
	}, nil
}

// RenderToSVG writes the layers as an SVG to w
func (r *VectorRenderer) RenderToSVG(w io.Writer) error {
	pl, err := r.layout()
	if err != nil {
		return err
	}
	svgRenderer := svg.New(w, pl.width, pl.height, nil)
	r.renderToCanvas(svgRenderer, pl)
	return svgRenderer.Close()
}

// RenderToPNG rasterizes the layers and writes a PNG to w
func (r *VectorRenderer) RenderToPNG(w io.Writer) error {
	pl, err := r.layout()
	if err != nil {
		return err
	}
	rast := rasterizer.New(pl.width, pl.height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, pl)
	return png.Encode(w, rast)
}

func (r *VectorRenderer) renderToCanvas(renderer canvasRenderer, pl pageLayout) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(pl.width, pl.height), bgStyle, canvas.Identity)

	toCanvas := func(x, y float64) (float64, float64) {
		return (x-pl.minX)*pl.scale + r.Padding, (y-pl.minY)*pl.scale + r.Padding
	}

	if r.GridSpacing > 0 && (pl.maxX-pl.minX)/r.GridSpacing < 500 && (pl.maxY-pl.minY)/r.GridSpacing < 500 {
		gridStyle := canvas.DefaultStyle
		gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		gridStyle.Stroke = canvas.Paint{Color: canvas.Gray}
		gridStyle.StrokeWidth = 0.2
		gridStyle.Dashes = []float64{1.0, 1.0}

		grid := &canvas.Path{}
		for x := math.Ceil(pl.minX/r.GridSpacing) * r.GridSpacing; x <= pl.maxX; x += r.GridSpacing {
			grid.MoveTo(toCanvas(x, pl.minY))
			grid.LineTo(toCanvas(x, pl.maxY))
		}
		for y := math.Ceil(pl.minY/r.GridSpacing) * r.GridSpacing; y <= pl.maxY; y += r.GridSpacing {
			grid.MoveTo(toCanvas(pl.minX, y))
			grid.LineTo(toCanvas(pl.maxX, y))
		}
		renderer.RenderPath(grid, gridStyle, canvas.Identity)
	}

	half := 0.4 // page mm
	if r.PointRadius > 0 {
		half = r.PointRadius * pl.scale
	}

	for _, l := range r.Layers {
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: l.Color}
		style.Stroke = canvas.Paint{Color: canvas.Transparent}

		renderer.RenderPath(markerPath(l.Points, toCanvas, half), style, canvas.Identity)
	}
}

// markerPath builds one path holding a small square per point
func markerPath(points []icp.Vec3, toCanvas func(x, y float64) (float64, float64), half float64) *canvas.Path {
	p := &canvas.Path{}
	for _, pt := range points {
		cx, cy := toCanvas(pt.X, pt.Y)
		p.MoveTo(cx-half, cy-half)
		p.LineTo(cx+half, cy-half)
		p.LineTo(cx+half, cy+half)
		p.LineTo(cx-half, cy+half)
		p.Close()
	}
	return p
}
