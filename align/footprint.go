package align

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	"github.com/Qinglin520/pose-refine/icp"
)

// maxFootprintPoints caps the points exported per sensor; larger clouds are
// subsampled with a fixed stride.
const maxFootprintPoints = 5000

// FootprintGeoJSON exports the XY footprint of an aligned cloud as a GeoJSON
// FeatureCollection holding a MultiPoint feature and its bounding polygon.
func FootprintGeoJSON(sensorID string, points []icp.Vec3, sr *SensorResult) ([]byte, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("sensor %s has no points", sensorID)
	}

	stride := 1
	if len(points) > maxFootprintPoints {
		stride = (len(points) + maxFootprintPoints - 1) / maxFootprintPoints
	}
	mp := make(orb.MultiPoint, 0, len(points)/stride+1)
	for i := 0; i < len(points); i += stride {
		mp = append(mp, orb.Point{points[i].X, points[i].Y})
	}

	bound := mp.Bound()
	centroid, _ := planar.CentroidArea(mp)

	props := geojson.Properties{
		"sensorId":   sensorID,
		"pointCount": len(points),
		"exported":   len(mp),
		"centroid":   []float64{centroid[0], centroid[1]},
	}
	if sr != nil {
		props["jobId"] = sr.JobID
		props["fitness"] = sr.Fitness
		props["inlierRmse"] = sr.InlierRMSE
		props["state"] = sr.State.String()
	}

	fc := geojson.NewFeatureCollection()

	points2D := geojson.NewFeature(mp)
	points2D.Properties = props
	fc.Append(points2D)

	outline := geojson.NewFeature(bound.ToPolygon())
	outline.Properties = geojson.Properties{
		"sensorId": sensorID,
		"kind":     "bounds",
	}
	fc.Append(outline)

	return fc.MarshalJSON()
}
