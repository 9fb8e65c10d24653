package align

import (
	"sort"
	"sync"
	"time"

	"github.com/Qinglin520/pose-refine/icp"
)

// DefaultHistoryLength is the number of past results kept per sensor.
const DefaultHistoryLength = 20

// LiveSensor is the latest known state of one sensor
type LiveSensor struct {
	SensorID   string        `json:"sensorId"`
	PointCount int           `json:"pointCount"`
	Received   time.Time     `json:"received"`
	Color      string        `json:"color"` // hex color for previews
	Result     *SensorResult `json:"result,omitempty"`
}

// StateTracker holds the reference surface, the latest cloud per sensor and
// registration results for HTTP endpoints and previews.
type StateTracker struct {
	mu         sync.RWMutex
	reference  *CloudData
	clouds     map[string]*CloudData
	received   map[string]time.Time
	results    map[string]SensorResult
	history    map[string][]SensorResult
	colors     map[string]string // sensor ID -> hex color
	historyLen int
}

// NewStateTracker creates a new state tracker
func NewStateTracker() *StateTracker {
	return &StateTracker{
		clouds:     make(map[string]*CloudData),
		received:   make(map[string]time.Time),
		results:    make(map[string]SensorResult),
		history:    make(map[string][]SensorResult),
		colors:     make(map[string]string),
		historyLen: DefaultHistoryLength,
	}
}

// SetColor sets the preview color for a sensor
func (st *StateTracker) SetColor(sensorID, hexColor string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.colors[sensorID] = hexColor
}

// GetColor returns the sensor's color or a default
func (st *StateTracker) GetColor(sensorID string) string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if c := st.colors[sensorID]; c != "" {
		return c
	}
	return "#FF0000" // default red
}

// SetReference stores the reference surface cloud
func (st *StateTracker) SetReference(ref *CloudData) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.reference = ref
}

// GetReference returns the reference surface cloud, or nil
func (st *StateTracker) GetReference() *CloudData {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.reference
}

// UpdateCloud stores the latest raw cloud from a sensor
func (st *StateTracker) UpdateCloud(sensorID string, cloud *CloudData) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.clouds[sensorID] = cloud
	st.received[sensorID] = time.Now()
}

// GetCloud returns the latest raw cloud from a sensor, or nil
func (st *StateTracker) GetCloud(sensorID string) *CloudData {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.clouds[sensorID]
}

// HasClouds returns true if at least one sensor cloud is stored
func (st *StateTracker) HasClouds() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.clouds) > 0
}

// UpdateResult records a registration result and appends it to the sensor's history
func (st *StateTracker) UpdateResult(sr SensorResult) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.results[sr.SensorID] = sr
	h := append(st.history[sr.SensorID], sr)
	if len(h) > st.historyLen {
		h = h[len(h)-st.historyLen:]
	}
	st.history[sr.SensorID] = h
}

// GetResult returns a copy of the latest result for a sensor
func (st *StateTracker) GetResult(sensorID string) (SensorResult, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	sr, ok := st.results[sensorID]
	return sr, ok
}

// GetResults returns copies of all latest results
func (st *StateTracker) GetResults() map[string]SensorResult {
	st.mu.RLock()
	defer st.mu.RUnlock()

	result := make(map[string]SensorResult, len(st.results))
	for k, v := range st.results {
		result[k] = v
	}
	return result
}

// GetHistory returns the recorded results for a sensor, oldest first
func (st *StateTracker) GetHistory(sensorID string) []SensorResult {
	st.mu.RLock()
	defer st.mu.RUnlock()

	h := st.history[sensorID]
	out := make([]SensorResult, len(h))
	copy(out, h)
	return out
}

// AlignedCloud returns the sensor's latest cloud moved by its latest
// registered transform. Without a result the raw points are returned.
func (st *StateTracker) AlignedCloud(sensorID string) []icp.Vec3 {
	st.mu.RLock()
	cloud := st.clouds[sensorID]
	sr, ok := st.results[sensorID]
	st.mu.RUnlock()

	if cloud == nil {
		return nil
	}
	if !ok {
		return icp.Cloud(cloud.Points).Clone()
	}
	return icp.TransformCloud(cloud.Points, sr.Transform)
}

// GetSensors returns a snapshot of every known sensor, sorted by ID
func (st *StateTracker) GetSensors() []LiveSensor {
	st.mu.RLock()
	defer st.mu.RUnlock()

	ids := make(map[string]bool)
	for id := range st.clouds {
		ids[id] = true
	}
	for id := range st.results {
		ids[id] = true
	}

	out := make([]LiveSensor, 0, len(ids))
	for id := range ids {
		ls := LiveSensor{
			SensorID: id,
			Received: st.received[id],
			Color:    st.colors[id],
		}
		if ls.Color == "" {
			ls.Color = "#FF0000"
		}
		if c := st.clouds[id]; c != nil {
			ls.PointCount = len(c.Points)
		}
		if sr, ok := st.results[id]; ok {
			copy := sr
			ls.Result = &copy
		}
		out = append(out, ls)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SensorID < out[j].SensorID })
	return out
}
