package align

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Qinglin520/pose-refine/icp"
)

func TestFootprintGeoJSON(t *testing.T) {
	points := []icp.Vec3{{X: 0, Y: 0}, {X: 2, Y: 0, Z: 5}, {X: 2, Y: 4}, {X: 0, Y: 4}}
	sr := &SensorResult{SensorID: "front", JobID: "job-1", Fitness: 0.75, State: icp.StateConverged}

	data, err := FootprintGeoJSON("front", points, sr)
	require.NoError(t, err)

	fc, err := geojson.UnmarshalFeatureCollection(data)
	require.NoError(t, err)
	require.Len(t, fc.Features, 2)

	pts := fc.Features[0]
	mp, ok := pts.Geometry.(orb.MultiPoint)
	require.True(t, ok, "first feature should be a MultiPoint, got %T", pts.Geometry)
	assert.Len(t, mp, 4)
	assert.Equal(t, orb.Point{2, 0}, mp[1], "Z is dropped")
	assert.Equal(t, "front", pts.Properties["sensorId"])
	assert.Equal(t, 4.0, pts.Properties["pointCount"])
	assert.Equal(t, "job-1", pts.Properties["jobId"])
	assert.Equal(t, 0.75, pts.Properties["fitness"])
	assert.Equal(t, "converged", pts.Properties["state"])
	assert.Equal(t, []any{1.0, 2.0}, pts.Properties["centroid"])

	bounds := fc.Features[1]
	poly, ok := bounds.Geometry.(orb.Polygon)
	require.True(t, ok, "second feature should be a Polygon, got %T", bounds.Geometry)
	assert.Equal(t, orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{2, 4}}, poly.Bound())
	assert.Equal(t, "bounds", bounds.Properties["kind"])
}

func TestFootprintGeoJSON_WithoutResult(t *testing.T) {
	data, err := FootprintGeoJSON("rear", []icp.Vec3{{X: 1, Y: 1}}, nil)
	require.NoError(t, err)

	fc, err := geojson.UnmarshalFeatureCollection(data)
	require.NoError(t, err)
	_, hasJob := fc.Features[0].Properties["jobId"]
	assert.False(t, hasJob)
}

func TestFootprintGeoJSON_Subsamples(t *testing.T) {
	points := make([]icp.Vec3, 12000)
	for i := range points {
		points[i] = icp.Vec3{X: float64(i)}
	}

	data, err := FootprintGeoJSON("dense", points, nil)
	require.NoError(t, err)

	fc, err := geojson.UnmarshalFeatureCollection(data)
	require.NoError(t, err)
	mp := fc.Features[0].Geometry.(orb.MultiPoint)
	assert.LessOrEqual(t, len(mp), maxFootprintPoints)
	assert.Equal(t, 4000, len(mp))
	assert.Equal(t, 12000.0, fc.Features[0].Properties["pointCount"])
}

func TestFootprintGeoJSON_Empty(t *testing.T) {
	_, err := FootprintGeoJSON("front", nil, nil)
	assert.Error(t, err)
}
