package align

import (
	"bufio"
	"bytes"
	"compress/zlib"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/Qinglin520/pose-refine/icp"
)

// maxDecompressedBytes caps inflated payloads at 256 MB.
const maxDecompressedBytes = 256 << 20

// DecodeCloud decodes a point cloud from one of:
// - JSON {"points": [[x,y,z], ...], "normals": [[nx,ny,nz], ...]}
// - ASCII XYZ, one "x y z [nx ny nz]" per line, '#' starts a comment
// - zlib-compressed JSON or XYZ
func DecodeCloud(data []byte) (*CloudData, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty data")
	}

	// A text line such as "80 1 2" can carry a valid zlib header, so a
	// failed inflate falls through to the text formats.
	if isZlib(data) {
		if inflated, err := inflateZlib(data); err == nil {
			data = inflated
		}
	}

	var cloud *CloudData
	var err error
	if trimmed := bytes.TrimLeft(data, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '{' {
		cloud, err = ParseCloudJSON(trimmed)
	} else {
		cloud, err = ParseXYZ(bytes.NewReader(data))
	}
	if err != nil {
		return nil, err
	}
	if err := cloud.validate(); err != nil {
		return nil, err
	}
	return cloud, nil
}

type wireCloud struct {
	Points  [][3]float64 `json:"points"`
	Normals [][3]float64 `json:"normals,omitempty"`
}

// ParseCloudJSON parses the JSON cloud format
func ParseCloudJSON(data []byte) (*CloudData, error) {
	var w wireCloud
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	cloud := &CloudData{Points: make([]icp.Vec3, len(w.Points))}
	for i, p := range w.Points {
		cloud.Points[i] = icp.Vec3{X: p[0], Y: p[1], Z: p[2]}
	}
	if len(w.Normals) > 0 {
		cloud.Normals = make([]icp.Vec3, len(w.Normals))
		for i, n := range w.Normals {
			cloud.Normals[i] = icp.Vec3{X: n[0], Y: n[1], Z: n[2]}
		}
	}
	return cloud, nil
}

// EncodeCloudJSON renders a cloud in the JSON cloud format
func EncodeCloudJSON(cloud *CloudData) ([]byte, error) {
	w := wireCloud{Points: make([][3]float64, len(cloud.Points))}
	for i, p := range cloud.Points {
		w.Points[i] = [3]float64{p.X, p.Y, p.Z}
	}
	for _, n := range cloud.Normals {
		w.Normals = append(w.Normals, [3]float64{n.X, n.Y, n.Z})
	}
	return json.Marshal(w)
}

// ParseXYZ reads ASCII XYZ lines. Either every point line has a normal or none does.
func ParseXYZ(r io.Reader) (*CloudData, error) {
	cloud := &CloudData{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		fields := strings.FieldsFunc(line, func(r rune) bool {
			return r == ' ' || r == '\t' || r == ',' || r == '\r'
		})
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 3 && len(fields) != 6 {
			return nil, fmt.Errorf("line %d: expected 3 or 6 values, got %d", lineNo, len(fields))
		}

		var v [6]float64
		for i, f := range fields {
			x, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			v[i] = x
		}

		withNormal := len(fields) == 6
		if len(cloud.Points) > 0 && withNormal != (len(cloud.Normals) > 0) {
			return nil, fmt.Errorf("line %d: mixed lines with and without normals", lineNo)
		}
		cloud.Points = append(cloud.Points, icp.Vec3{X: v[0], Y: v[1], Z: v[2]})
		if withNormal {
			cloud.Normals = append(cloud.Normals, icp.Vec3{X: v[3], Y: v[4], Z: v[5]})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading XYZ: %w", err)
	}
	return cloud, nil
}

// WriteXYZ writes a cloud as ASCII XYZ
func WriteXYZ(w io.Writer, cloud *CloudData) error {
	bw := bufio.NewWriter(w)
	withNormals := cloud.HasNormals()
	for i, p := range cloud.Points {
		var err error
		if withNormals {
			n := cloud.Normals[i]
			_, err = fmt.Fprintf(bw, "%s %s %s %s %s %s\n", ff(p.X), ff(p.Y), ff(p.Z), ff(n.X), ff(n.Y), ff(n.Z))
		} else {
			_, err = fmt.Fprintf(bw, "%s %s %s\n", ff(p.X), ff(p.Y), ff(p.Z))
		}
		if err != nil {
			return fmt.Errorf("writing XYZ: %w", err)
		}
	}
	return bw.Flush()
}

func ff(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

// LoadCloudFile reads and decodes a point cloud file
func LoadCloudFile(path string) (*CloudData, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	cloud, err := DecodeCloud(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return cloud, nil
}

// SaveCloudFile writes a cloud to path, as JSON when the path ends in .json
// and as ASCII XYZ otherwise.
func SaveCloudFile(path string, cloud *CloudData) error {
	if strings.HasSuffix(strings.ToLower(path), ".json") {
		data, err := EncodeCloudJSON(cloud)
		if err != nil {
			return fmt.Errorf("encoding cloud: %w", err)
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return fmt.Errorf("writing cloud file: %w", err)
		}
		return nil
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating cloud file: %w", err)
	}
	if err := WriteXYZ(f, cloud); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (c *CloudData) validate() error {
	if len(c.Points) == 0 {
		return fmt.Errorf("cloud has no points")
	}
	if len(c.Normals) > 0 && len(c.Normals) != len(c.Points) {
		return fmt.Errorf("cloud has %d points but %d normals", len(c.Points), len(c.Normals))
	}
	for i, p := range c.Points {
		if !p.IsFinite() {
			return fmt.Errorf("point %d is not finite", i)
		}
	}
	for i, n := range c.Normals {
		if !n.IsFinite() || math.Abs(n.Norm()) == 0 {
			return fmt.Errorf("normal %d is not a usable direction", i)
		}
	}
	return nil
}

// isZlib checks for a zlib header: deflate method with a valid FCHECK.
func isZlib(data []byte) bool {
	if len(data) < 2 {
		return false
	}
	return data[0]&0x0f == 8 && data[0]>>4 <= 7 && (uint16(data[0])<<8|uint16(data[1]))%31 == 0
}

// inflateZlib decompresses zlib-compressed data
func inflateZlib(data []byte) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating zlib reader: %w", err)
	}
	defer func() {
		_ = reader.Close()
	}()

	decompressed, err := io.ReadAll(io.LimitReader(reader, maxDecompressedBytes+1))
	if err != nil {
		return nil, fmt.Errorf("decompressing zlib data: %w", err)
	}
	if len(decompressed) > maxDecompressedBytes {
		return nil, fmt.Errorf("decompressed payload exceeds %d bytes", maxDecompressedBytes)
	}
	return decompressed, nil
}
