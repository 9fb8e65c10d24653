package align

import (
	"bytes"
	"image/color"
	"image/png"
	"path/filepath"
	"testing"

	"github.com/Qinglin520/pose-refine/icp"
)

func previewTracker() *StateTracker {
	st := NewStateTracker()
	st.SetReference(cornerCloud())
	st.SetColor("front", "#00FF00")
	st.UpdateCloud("front", shifted(cornerCloud(), icp.Vec3{X: 0.5}))
	st.UpdateResult(SensorResult{SensorID: "front", Transform: icp.Translation(-0.5, 0, 0)})
	return st
}

func TestCollectLayers(t *testing.T) {
	layers := CollectLayers(previewTracker())
	if len(layers) != 2 {
		t.Fatalf("got %d layers, want 2", len(layers))
	}
	if layers[0].ID != ReferenceLayerID {
		t.Errorf("first layer = %q, want reference", layers[0].ID)
	}
	if layers[1].Color != (color.RGBA{0, 255, 0, 255}) {
		t.Errorf("sensor color = %v, want green", layers[1].Color)
	}
	// The aligned sensor cloud sits on top of the reference.
	if got := layers[1].Points[0]; !vecClose(got, layers[0].Points[0], 1e-12) {
		t.Errorf("aligned point = %+v, want %+v", got, layers[0].Points[0])
	}
}

func vecClose(a, b icp.Vec3, tol float64) bool {
	return a.Sub(b).Norm() <= tol
}

func TestParseHexColor(t *testing.T) {
	tests := []struct {
		in   string
		want color.RGBA
	}{
		{"#FF6B6B", color.RGBA{255, 107, 107, 255}},
		{"00ff00", color.RGBA{0, 255, 0, 255}},
		{"", color.RGBA{255, 0, 0, 255}},
		{"#12345", color.RGBA{255, 0, 0, 255}},
		{"#GGGGGG", color.RGBA{255, 0, 0, 255}},
	}
	for _, tt := range tests {
		if got := parseHexColor(tt.in); got != tt.want {
			t.Errorf("parseHexColor(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestPreviewRenderer_Render(t *testing.T) {
	layers := []PreviewLayer{
		{ID: "a", Points: []icp.Vec3{{X: 0, Y: 0}, {X: 10, Y: 5}}, Color: color.RGBA{0, 0, 255, 255}},
	}
	r := NewPreviewRenderer(layers)
	r.MaxSize = 100
	img := r.Render()

	b := img.Bounds()
	if b.Dx() != 100+2*r.Padding+1 || b.Dy() != 50+2*r.Padding+1 {
		t.Fatalf("image size = %dx%d", b.Dx(), b.Dy())
	}
	// (0,0) maps to the bottom-left corner inside the padding.
	if got := img.RGBAAt(r.Padding, b.Dy()-1-r.Padding); got != (color.RGBA{0, 0, 255, 255}) {
		t.Errorf("origin pixel = %v, want blue", got)
	}
	// (10,5) maps to the top-right corner inside the padding.
	if got := img.RGBAAt(r.Padding+100, b.Dy()-1-r.Padding-50); got != (color.RGBA{0, 0, 255, 255}) {
		t.Errorf("far corner pixel = %v, want blue", got)
	}
}

func TestPreviewRenderer_Empty(t *testing.T) {
	r := NewPreviewRenderer(nil)
	img := r.Render()
	if img.Bounds().Dx() != 2*r.Padding+1 {
		t.Errorf("empty image width = %d", img.Bounds().Dx())
	}
}

func TestPreviewRenderer_SavePNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preview.png")
	r := NewPreviewRenderer(CollectLayers(previewTracker()))
	if err := r.SavePNG(path); err != nil {
		t.Fatalf("SavePNG() error = %v", err)
	}

	var buf bytes.Buffer
	if err := r.WritePNG(&buf); err != nil {
		t.Fatalf("WritePNG() error = %v", err)
	}
	img, err := png.Decode(&buf)
	if err != nil {
		t.Fatalf("png.Decode() error = %v", err)
	}
	if img.Bounds().Dx() < r.MaxSize {
		t.Errorf("image width = %d, want at least %d", img.Bounds().Dx(), r.MaxSize)
	}
}

func TestVectorRenderer_RenderToSVG(t *testing.T) {
	r := NewVectorRenderer(CollectLayers(previewTracker()), RenderConfig{GridSpacing: 0.25})

	var buf bytes.Buffer
	if err := r.RenderToSVG(&buf); err != nil {
		t.Fatalf("RenderToSVG() error = %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("<svg")) {
		t.Error("output does not contain <svg tag")
	}
	if !bytes.Contains(buf.Bytes(), []byte("path")) {
		t.Error("output does not contain path elements")
	}
}

func TestVectorRenderer_RenderToPNG(t *testing.T) {
	r := NewVectorRenderer(CollectLayers(previewTracker()), RenderConfig{Resolution: 2})

	var buf bytes.Buffer
	if err := r.RenderToPNG(&buf); err != nil {
		t.Fatalf("RenderToPNG() error = %v", err)
	}
	img, err := png.Decode(&buf)
	if err != nil {
		t.Fatalf("png.Decode() error = %v", err)
	}
	if img.Bounds().Dx() == 0 || img.Bounds().Dy() == 0 {
		t.Error("empty PNG")
	}
}

func TestVectorRenderer_NoPoints(t *testing.T) {
	r := NewVectorRenderer(nil, RenderConfig{})
	var buf bytes.Buffer
	if err := r.RenderToSVG(&buf); err == nil {
		t.Error("expected error with no layers")
	}
}
