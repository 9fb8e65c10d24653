package align

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/Qinglin520/pose-refine/icp"
)

// DefaultResultCachePath is the default path for the registration result cache
const DefaultResultCachePath = ".registration-cache.json"

// pointCountChangeRatio is the relative change in cloud size that makes a
// cached result stale regardless of its age.
const pointCountChangeRatio = 0.1

// LoadResultCache loads registration results from a JSON cache file.
// A missing file is not an error: it returns nil, nil.
func LoadResultCache(path string) (*ResultCache, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No cache file yet
		}
		return nil, fmt.Errorf("reading result cache: %w", err)
	}

	var cache ResultCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("parsing result cache: %w", err)
	}

	return &cache, nil
}

// SaveResultCache saves registration results to a JSON cache file
func SaveResultCache(path string, cache *ResultCache) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}

	cache.LastUpdated = time.Now().Unix()

	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling result cache: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing result cache: %w", err)
	}

	return nil
}

// NewResultCache returns an empty cache for the given reference
func NewResultCache(reference string) *ResultCache {
	return &ResultCache{
		Reference: reference,
		Sensors:   make(map[string]SensorResult),
	}
}

// GetTransform retrieves the registered transform for a sensor.
// Returns identity if not found.
func (c *ResultCache) GetTransform(sensorID string) icp.Transform {
	if c == nil || c.Sensors == nil {
		return icp.Identity()
	}
	if sr, ok := c.Sensors[sensorID]; ok {
		return sr.Transform
	}
	return icp.Identity()
}

// GetResult returns the cached result for a sensor, or nil
func (c *ResultCache) GetResult(sensorID string) *SensorResult {
	if c == nil || c.Sensors == nil {
		return nil
	}
	sr, ok := c.Sensors[sensorID]
	if !ok {
		return nil
	}
	return &sr
}

// UpdateResult stores the result for its sensor
func (c *ResultCache) UpdateResult(sr SensorResult) {
	if c.Sensors == nil {
		c.Sensors = make(map[string]SensorResult)
	}
	c.Sensors[sr.SensorID] = sr
}

// ShouldReregister reports whether a sensor's cached result is missing,
// older than minInterval, or was computed from a cloud whose size differs
// from pointCount by more than 10%.
func (c *ResultCache) ShouldReregister(sensorID string, pointCount int, minInterval time.Duration) bool {
	sr := c.GetResult(sensorID)
	if sr == nil || sr.LastUpdated == 0 {
		return true
	}
	if time.Since(time.Unix(sr.LastUpdated, 0)) > minInterval {
		return true
	}
	if sr.PointCount > 0 && pointCount > 0 {
		change := math.Abs(float64(pointCount-sr.PointCount)) / float64(sr.PointCount)
		if change > pointCountChangeRatio {
			return true
		}
	}
	return false
}

// CacheStatus provides status information about cached registrations
type CacheStatus struct {
	Reference         string            `json:"reference"`
	RegisteredSensors []string          `json:"registeredSensors"`
	MissingSensors    []string          `json:"missingSensors"`
	LastUpdated       time.Time         `json:"lastUpdated"`
	Poor              map[string]string `json:"poor,omitempty"`
}

// GetStatus returns which expected sensors have a result. Results judged by
// poorReason are listed under Poor.
func (c *ResultCache) GetStatus(expectedSensors []string) CacheStatus {
	status := CacheStatus{
		Poor: make(map[string]string),
	}

	if c == nil {
		status.MissingSensors = expectedSensors
		return status
	}

	status.Reference = c.Reference
	status.LastUpdated = time.Unix(c.LastUpdated, 0)

	for id, sr := range c.Sensors {
		status.RegisteredSensors = append(status.RegisteredSensors, id)
		if reason := poorReason(sr); reason != "" {
			status.Poor[id] = reason
		}
	}
	sort.Strings(status.RegisteredSensors)

	for _, id := range expectedSensors {
		if _, ok := c.Sensors[id]; !ok {
			status.MissingSensors = append(status.MissingSensors, id)
		}
	}

	return status
}

// Result quality limits for GetStatus
const (
	poorFitness      = 0.5  // Fewer inliers than this share is poor
	stillMovingRatio = 0.01 // Relative RMSE drop in the last pass of an exhausted run
)

// poorReason explains why sr is a poor registration, or returns "". An
// exhausted run only counts when its last pass still lowered the RMSE by more
// than stillMovingRatio; one that ran out of passes after settling is fine.
// Legacy entries without a job are never judged.
func poorReason(sr SensorResult) string {
	if sr.JobID == "" {
		return ""
	}
	if sr.Fitness < poorFitness {
		return fmt.Sprintf("fitness %.3f below %.2f", sr.Fitness, poorFitness)
	}
	if sr.State != icp.StateExhausted || len(sr.History) < 2 {
		return ""
	}
	prev := sr.History[len(sr.History)-2].InlierRMSE
	last := sr.History[len(sr.History)-1].InlierRMSE
	if prev > 0 && (prev-last)/prev > stillMovingRatio {
		return fmt.Sprintf("%s after %d passes, rmse still falling (%.6g -> %.6g)", sr.State, sr.Iterations, prev, last)
	}
	return ""
}
