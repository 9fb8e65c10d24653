package align

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Qinglin520/pose-refine/icp"
)

func sampleResult(id string, updated int64) SensorResult {
	return SensorResult{
		SensorID:    id,
		JobID:       "job-" + id,
		Transform:   icp.Multiply(icp.Translation(0.5, -0.25, 1), icp.RotationXYZ(0.01, 0.02, -0.03)),
		Fitness:     0.875,
		InlierRMSE:  0.0125,
		Iterations:  4,
		State:       icp.StateConverged,
		PointCount:  1000,
		LastUpdated: updated,
		History: []icp.IterationStats{
			{Iteration: 0, Fitness: 0.5, InlierRMSE: 0.1, ValidCount: 500},
			{Iteration: 1, Fitness: 0.875, InlierRMSE: 0.0125, ValidCount: 875},
		},
	}
}

func TestLoadResultCache_Missing(t *testing.T) {
	cache, err := LoadResultCache(filepath.Join(t.TempDir(), "none.json"))
	assert.NoError(t, err)
	assert.Nil(t, cache)
}

func TestLoadResultCache_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := LoadResultCache(path)
	assert.Error(t, err)
}

func TestSaveLoadResultCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cache.json")
	cache := NewResultCache("ref.xyz")
	cache.UpdateResult(sampleResult("front", 1700000000))
	cache.UpdateResult(sampleResult("rear", 1700000100))

	require.NoError(t, SaveResultCache(path, cache))
	assert.NotZero(t, cache.LastUpdated)

	loaded, err := LoadResultCache(path)
	require.NoError(t, err)
	require.NotNil(t, loaded)

	if diff := cmp.Diff(cache, loaded); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadResultCache_LegacyTransforms(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	legacy := `{
		"reference": "ref.xyz",
		"lastUpdated": 1700000000,
		"sensors": {
			"front": [1,0,0,2, 0,1,0,3, 0,0,1,4, 0,0,0,1]
		}
	}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0644))

	cache, err := LoadResultCache(path)
	require.NoError(t, err)

	sr := cache.GetResult("front")
	require.NotNil(t, sr)
	assert.Equal(t, "front", sr.SensorID)
	assert.Equal(t, icp.Translation(2, 3, 4), sr.Transform)
	assert.Equal(t, int64(1700000000), sr.LastUpdated)
}

func TestResultCache_GetTransform(t *testing.T) {
	var nilCache *ResultCache
	assert.Equal(t, icp.Identity(), nilCache.GetTransform("front"))

	cache := NewResultCache("ref.xyz")
	assert.Equal(t, icp.Identity(), cache.GetTransform("front"))

	sr := sampleResult("front", 1)
	cache.UpdateResult(sr)
	assert.Equal(t, sr.Transform, cache.GetTransform("front"))
}

func TestResultCache_ShouldReregister(t *testing.T) {
	now := time.Now().Unix()
	cache := NewResultCache("ref.xyz")
	cache.UpdateResult(sampleResult("fresh", now))
	cache.UpdateResult(sampleResult("stale", now-3600))
	cache.UpdateResult(SensorResult{SensorID: "legacy", Transform: icp.Identity()})

	tests := []struct {
		name       string
		sensorID   string
		pointCount int
		want       bool
	}{
		{name: "missing", sensorID: "unknown", pointCount: 1000, want: true},
		{name: "fresh and same size", sensorID: "fresh", pointCount: 1000, want: false},
		{name: "fresh within 10%", sensorID: "fresh", pointCount: 1090, want: false},
		{name: "fresh but grew", sensorID: "fresh", pointCount: 1200, want: true},
		{name: "fresh but shrank", sensorID: "fresh", pointCount: 850, want: true},
		{name: "stale", sensorID: "stale", pointCount: 1000, want: true},
		{name: "no timestamp", sensorID: "legacy", pointCount: 1000, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cache.ShouldReregister(tt.sensorID, tt.pointCount, 10*time.Minute)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResultCache_GetStatus(t *testing.T) {
	cache := NewResultCache("ref.xyz")
	cache.UpdateResult(sampleResult("b", 1))
	exhausted := sampleResult("a", 1)
	exhausted.State = icp.StateExhausted
	cache.UpdateResult(exhausted)

	status := cache.GetStatus([]string{"a", "b", "c"})
	assert.Equal(t, "ref.xyz", status.Reference)
	assert.Equal(t, []string{"a", "b"}, status.RegisteredSensors)
	assert.Equal(t, []string{"c"}, status.MissingSensors)
	assert.Contains(t, status.Poor, "a")
	assert.NotContains(t, status.Poor, "b")

	var nilCache *ResultCache
	assert.Equal(t, []string{"x"}, nilCache.GetStatus([]string{"x"}).MissingSensors)
}

func TestPoorReason(t *testing.T) {
	settled := sampleResult("settled", 1)
	settled.State = icp.StateExhausted
	settled.Fitness, settled.InlierRMSE = 1, 0
	settled.History = []icp.IterationStats{
		{Iteration: 0, Fitness: 1, ValidCount: 4},
		{Iteration: 1, Fitness: 1, ValidCount: 4},
	}

	moving := sampleResult("moving", 1)
	moving.State = icp.StateExhausted

	sparse := sampleResult("sparse", 1)
	sparse.Fitness = 0.2

	legacy := SensorResult{SensorID: "legacy", Fitness: 0, State: icp.StateExhausted}

	tests := []struct {
		name string
		sr   SensorResult
		poor bool
	}{
		{"converged", sampleResult("ok", 1), false},
		{"exhausted after settling", settled, false},
		{"exhausted while rmse falls", moving, true},
		{"low fitness", sparse, true},
		{"legacy entry", legacy, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason := poorReason(tt.sr)
			assert.Equal(t, tt.poor, reason != "", "reason %q", reason)
		})
	}
}
