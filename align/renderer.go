package align

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/Qinglin520/pose-refine/icp"
)

// ReferenceLayerID labels the reference surface in previews
const ReferenceLayerID = "reference"

// PreviewLayer is one set of points drawn in a single color
type PreviewLayer struct {
	ID     string
	Points []icp.Vec3
	Color  color.RGBA
}

// CollectLayers builds preview layers from the tracker: the reference in grey
// followed by every sensor's aligned cloud in its configured color.
func CollectLayers(st *StateTracker) []PreviewLayer {
	var layers []PreviewLayer
	if ref := st.GetReference(); ref != nil {
		layers = append(layers, PreviewLayer{
			ID:     ReferenceLayerID,
			Points: ref.Points,
			Color:  color.RGBA{150, 150, 150, 255},
		})
	}
	for _, ls := range st.GetSensors() {
		pts := st.AlignedCloud(ls.SensorID)
		if len(pts) == 0 {
			continue
		}
		layers = append(layers, PreviewLayer{
			ID:     ls.SensorID,
			Points: pts,
			Color:  parseHexColor(ls.Color),
		})
	}
	return layers
}

// layerBounds returns the XY bounding box of all layers
func layerBounds(layers []PreviewLayer) (minX, minY, maxX, maxY float64, ok bool) {
	minX, minY = math.MaxFloat64, math.MaxFloat64
	maxX, maxY = -math.MaxFloat64, -math.MaxFloat64
	for _, l := range layers {
		for _, p := range l.Points {
			minX = math.Min(minX, p.X)
			minY = math.Min(minY, p.Y)
			maxX = math.Max(maxX, p.X)
			maxY = math.Max(maxY, p.Y)
			ok = true
		}
	}
	return
}

// PreviewRenderer draws a top-down XY projection of point layers to a raster image
type PreviewRenderer struct {
	Layers  []PreviewLayer
	MaxSize int // Longest image side in pixels
	Padding int
	Dot     int // Point marker size in pixels
}

// NewPreviewRenderer creates a raster renderer with default settings
func NewPreviewRenderer(layers []PreviewLayer) *PreviewRenderer {
	return &PreviewRenderer{
		Layers:  layers,
		MaxSize: 1000,
		Padding: 30,
		Dot:     2,
	}
}

// Render creates the preview image. Y grows upward in cloud space and
// downward in the image, so rows are flipped.
func (r *PreviewRenderer) Render() *image.RGBA {
	minX, minY, maxX, maxY, ok := layerBounds(r.Layers)
	if !ok {
		size := 2*r.Padding + 1
		img := image.NewRGBA(image.Rect(0, 0, size, size))
		fill(img, color.RGBA{240, 240, 240, 255})
		return img
	}

	extent := math.Max(maxX-minX, maxY-minY)
	scale := 1.0
	if extent > 0 {
		scale = float64(r.MaxSize) / extent
	}
	width := int((maxX-minX)*scale) + 2*r.Padding + 1
	height := int((maxY-minY)*scale) + 2*r.Padding + 1

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	fill(img, color.RGBA{240, 240, 240, 255})

	toImage := func(p icp.Vec3) (int, int) {
		x := int((p.X-minX)*scale) + r.Padding
		y := height - 1 - (int((p.Y-minY)*scale) + r.Padding)
		return x, y
	}

	for _, l := range r.Layers {
		for _, p := range l.Points {
			ix, iy := toImage(p)
			drawSquare(img, ix, iy, r.Dot, l.Color)
		}
	}

	r.drawLegend(img)
	return img
}

// WritePNG encodes the preview as PNG
func (r *PreviewRenderer) WritePNG(w io.Writer) error {
	return png.Encode(w, r.Render())
}

// SavePNG writes the preview to a file
func (r *PreviewRenderer) SavePNG(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	return r.WritePNG(f)
}

func fill(img *image.RGBA, c color.RGBA) {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			img.SetRGBA(x, y, c)
		}
	}
}

// drawSquare draws a filled square
func drawSquare(img *image.RGBA, cx, cy, size int, c color.RGBA) {
	half := size / 2
	b := img.Bounds()
	for dy := -half; dy <= half; dy++ {
		for dx := -half; dx <= half; dx++ {
			x, y := cx+dx, cy+dy
			if x >= b.Min.X && x < b.Max.X && y >= b.Min.Y && y < b.Max.Y {
				img.SetRGBA(x, y, c)
			}
		}
	}
}

// drawLegend lists layer IDs with a color swatch in the top-left corner
func (r *PreviewRenderer) drawLegend(img *image.RGBA) {
	y := 15
	for _, l := range r.Layers {
		for dy := 0; dy < 12; dy++ {
			for dx := 0; dx < 12; dx++ {
				img.SetRGBA(10+dx, y+dy-10, l.Color)
			}
		}
		drawText(img, 28, y, fmt.Sprintf("%s (%d)", l.ID, len(l.Points)), color.RGBA{0, 0, 0, 255})
		y += 18
	}
}

// drawText renders text onto an image at the specified baseline position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

// parseHexColor parses "#RRGGBB"; anything else yields red
func parseHexColor(hex string) color.RGBA {
	defaultColor := color.RGBA{255, 0, 0, 255}
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	if len(hex) != 6 {
		return defaultColor
	}
	var r, g, b uint8
	if _, err := fmt.Sscanf(hex, "%02x%02x%02x", &r, &g, &b); err != nil {
		return defaultColor
	}
	return color.RGBA{r, g, b, 255}
}
