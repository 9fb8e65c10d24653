package align

import (
	"bytes"
	"compress/zlib"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Qinglin520/pose-refine/icp"
)

func compress(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		t.Fatalf("Write error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close error = %v", err)
	}
	return buf.Bytes()
}

func TestIsZlib(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected bool
	}{
		{name: "default compression header", data: []byte{0x78, 0x9c}, expected: true},
		{name: "best compression header", data: []byte{0x78, 0xda}, expected: true},
		{name: "JSON", data: []byte(`{"points":[]}`), expected: false},
		{name: "too short", data: []byte{0x78}, expected: false},
		{name: "bad check bits", data: []byte{0x78, 0x9d}, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isZlib(tt.data); got != tt.expected {
				t.Errorf("isZlib() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestDecodeCloud_JSON(t *testing.T) {
	data := []byte(`{"points": [[0,0,0],[1,2,3]], "normals": [[0,0,1],[1,0,0]]}`)

	cloud, err := DecodeCloud(data)
	if err != nil {
		t.Fatalf("DecodeCloud() error = %v", err)
	}
	want := &CloudData{
		Points:  []icp.Vec3{{X: 0, Y: 0, Z: 0}, {X: 1, Y: 2, Z: 3}},
		Normals: []icp.Vec3{{X: 0, Y: 0, Z: 1}, {X: 1, Y: 0, Z: 0}},
	}
	if diff := cmp.Diff(want, cloud); diff != "" {
		t.Errorf("DecodeCloud() mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeCloud_XYZ(t *testing.T) {
	data := []byte("# header\n0 0 0\n1.5,2,3 # trailing comment\n\n\t-1\t-2\t-3\n")

	cloud, err := DecodeCloud(data)
	if err != nil {
		t.Fatalf("DecodeCloud() error = %v", err)
	}
	want := []icp.Vec3{{X: 0, Y: 0, Z: 0}, {X: 1.5, Y: 2, Z: 3}, {X: -1, Y: -2, Z: -3}}
	if diff := cmp.Diff(want, cloud.Points); diff != "" {
		t.Errorf("points mismatch (-want +got):\n%s", diff)
	}
	if cloud.HasNormals() {
		t.Error("expected no normals")
	}
}

func TestDecodeCloud_XYZWithNormals(t *testing.T) {
	data := []byte("0 0 0 0 0 1\n1 0 0 0 0 1\n")

	cloud, err := DecodeCloud(data)
	if err != nil {
		t.Fatalf("DecodeCloud() error = %v", err)
	}
	if !cloud.HasNormals() {
		t.Fatal("expected normals")
	}
	if cloud.Normals[1] != (icp.Vec3{Z: 1}) {
		t.Errorf("normal[1] = %+v, want (0,0,1)", cloud.Normals[1])
	}
}

func TestDecodeCloud_Zlib(t *testing.T) {
	for _, payload := range []string{
		`{"points": [[1,1,1],[2,2,2]]}`,
		"1 1 1\n2 2 2\n",
	} {
		cloud, err := DecodeCloud(compress(t, []byte(payload)))
		if err != nil {
			t.Fatalf("DecodeCloud(zlib %q) error = %v", payload, err)
		}
		if len(cloud.Points) != 2 || cloud.Points[1] != (icp.Vec3{X: 2, Y: 2, Z: 2}) {
			t.Errorf("DecodeCloud(zlib %q) points = %v", payload, cloud.Points)
		}
	}
}

func TestDecodeCloud_TextThatLooksCompressed(t *testing.T) {
	// "80" is a valid zlib header (0x38 0x30) but the payload is plain text.
	data := []byte("80 1 2\n81 2 3\n")
	if !isZlib(data) {
		t.Fatal("test data should carry a zlib-looking header")
	}

	cloud, err := DecodeCloud(data)
	if err != nil {
		t.Fatalf("DecodeCloud() error = %v", err)
	}
	if len(cloud.Points) != 2 || cloud.Points[0].X != 80 {
		t.Errorf("points = %v, want 2 points starting at x=80", cloud.Points)
	}
}

func TestDecodeCloud_Errors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{name: "empty", data: "", wantErr: "empty data"},
		{name: "only comments", data: "# nothing\n", wantErr: "no points"},
		{name: "wrong field count", data: "1 2\n", wantErr: "expected 3 or 6 values"},
		{name: "not a number", data: "1 2 x\n", wantErr: "line 1"},
		{name: "mixed normals", data: "0 0 0 0 0 1\n1 1 1\n", wantErr: "mixed"},
		{name: "zero normal", data: "0 0 0 0 0 0\n", wantErr: "normal 0"},
		{name: "normal count mismatch", data: `{"points": [[0,0,0],[1,1,1]], "normals": [[0,0,1]]}`, wantErr: "2 points but 1 normals"},
		{name: "bad JSON", data: `{"points": [`, wantErr: "parsing JSON"},
		{name: "non-finite point", data: "NaN 0 0\n", wantErr: "not finite"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeCloud([]byte(tt.data))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestSaveLoadCloudFile(t *testing.T) {
	cloud := &CloudData{
		Points:  []icp.Vec3{{X: 0.1, Y: -2, Z: 3e-5}, {X: 1e6, Y: 0, Z: -0.25}},
		Normals: []icp.Vec3{{X: 0, Y: 0, Z: 1}, {X: 0, Y: 1, Z: 0}},
	}

	for _, name := range []string{"cloud.xyz", "cloud.json"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			if err := SaveCloudFile(path, cloud); err != nil {
				t.Fatalf("SaveCloudFile() error = %v", err)
			}
			loaded, err := LoadCloudFile(path)
			if err != nil {
				t.Fatalf("LoadCloudFile() error = %v", err)
			}
			if diff := cmp.Diff(cloud, loaded); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadCloudFile_Missing(t *testing.T) {
	_, err := LoadCloudFile(filepath.Join(t.TempDir(), "missing.xyz"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}
