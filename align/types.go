// Package align wires point-to-plane registration into a service: YAML
// configuration, point cloud decoding, a persisted result cache, MQTT intake
// and publishing, HTTP fetches, previews and convergence plots.
package align

import (
	"encoding/json"
	"math"
	"time"

	"github.com/Qinglin520/pose-refine/icp"
)

// CloudData is a decoded point cloud. Normals is either empty or the same
// length as Points.
type CloudData struct {
	Points  []icp.Vec3 `json:"points"`
	Normals []icp.Vec3 `json:"normals,omitempty"`
}

// HasNormals reports whether every point carries a normal
func (c *CloudData) HasNormals() bool {
	return len(c.Normals) > 0 && len(c.Normals) == len(c.Points)
}

// PoseOffset is a rigid pose given as a translation and XYZ Euler angles in degrees.
type PoseOffset struct {
	TX float64 `yaml:"tx" json:"tx"`
	TY float64 `yaml:"ty" json:"ty"`
	TZ float64 `yaml:"tz" json:"tz"`
	RX float64 `yaml:"rx" json:"rx"` // degrees
	RY float64 `yaml:"ry" json:"ry"` // degrees
	RZ float64 `yaml:"rz" json:"rz"` // degrees
}

// Transform converts the offset to a rigid transform: rotate, then translate.
func (p PoseOffset) Transform() icp.Transform {
	t := icp.RotationXYZ(deg2rad(p.RX), deg2rad(p.RY), deg2rad(p.RZ))
	t[3], t[7], t[11] = p.TX, p.TY, p.TZ
	return t
}

// SensorConfig defines a sensor from the config file
type SensorConfig struct {
	ID      string      `yaml:"id" json:"id"`
	Topic   string      `yaml:"topic" json:"topic"`
	Color   string      `yaml:"color,omitempty" json:"color,omitempty"`
	APIURL  *string     `yaml:"apiUrl,omitempty" json:"apiUrl,omitempty"`   // Optional URL for fetching clouds over HTTP
	Initial *PoseOffset `yaml:"initial,omitempty" json:"initial,omitempty"` // Optional initial pose guess
}

// HasInitialPose returns true if the sensor has a configured initial pose
func (sc *SensorConfig) HasInitialPose() bool {
	return sc.Initial != nil
}

// InitialTransform returns the configured initial pose or identity
func (sc *SensorConfig) InitialTransform() icp.Transform {
	if sc.Initial == nil {
		return icp.Identity()
	}
	return sc.Initial.Transform()
}

// ReferenceConfig locates the static reference surface.
type ReferenceConfig struct {
	Path            string  `yaml:"path,omitempty" json:"path,omitempty"`
	URL             string  `yaml:"url,omitempty" json:"url,omitempty"`
	MaxDistance     float64 `yaml:"maxDistance,omitempty" json:"maxDistance,omitempty"`         // Correspondence cutoff, same units as the clouds
	EstimateNormals bool    `yaml:"estimateNormals,omitempty" json:"estimateNormals,omitempty"` // Fit normals even if the file carries them
	NormalNeighbors int     `yaml:"normalNeighbors,omitempty" json:"normalNeighbors,omitempty"` // k for normal estimation (default 10)
}

// DeviceConfig sizes the CPU compute device.
type DeviceConfig struct {
	Workers   int `yaml:"workers,omitempty" json:"workers,omitempty"`
	ChunkSize int `yaml:"chunkSize,omitempty" json:"chunkSize,omitempty"`
}

// FetchConfig controls HTTP downloads of the reference and of triggered
// sensor clouds. Zero fields take the Default* fetch values.
type FetchConfig struct {
	Timeout  time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`   // Per request, e.g. "30s"
	Attempts int           `yaml:"attempts,omitempty" json:"attempts,omitempty"` // Requests before giving up
	Backoff  time.Duration `yaml:"backoff,omitempty" json:"backoff,omitempty"`   // Delay before the second attempt, doubled after
	MaxBytes int64         `yaml:"maxBytes,omitempty" json:"maxBytes,omitempty"` // Response body cap
}

// RenderConfig controls preview output.
type RenderConfig struct {
	Resolution  float64 `yaml:"resolution,omitempty" json:"resolution,omitempty"`   // Vector PNG DPI (default 300)
	GridSpacing float64 `yaml:"gridSpacing,omitempty" json:"gridSpacing,omitempty"` // Grid line spacing in cloud units (default 1)
	PointRadius float64 `yaml:"pointRadius,omitempty" json:"pointRadius,omitempty"` // Marker radius in cloud units
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// Config represents the full configuration file
type Config struct {
	MQTT         MQTTConfig           `yaml:"mqtt" json:"mqtt"`
	Reference    ReferenceConfig      `yaml:"reference" json:"reference"`
	Criteria     *icp.Criteria        `yaml:"criteria,omitempty" json:"criteria,omitempty"`
	Device       DeviceConfig         `yaml:"device,omitempty" json:"device,omitempty"`
	Accumulation icp.AccumulationMode `yaml:"accumulation,omitempty" json:"accumulation,omitempty"`
	Sensors      []SensorConfig       `yaml:"sensors" json:"sensors"`
	Render       RenderConfig         `yaml:"render,omitempty" json:"render,omitempty"`
	Fetch        FetchConfig          `yaml:"fetch,omitempty" json:"fetch,omitempty"`
}

// GetSensorByID returns the sensor config for the given ID
func (c *Config) GetSensorByID(id string) *SensorConfig {
	for i := range c.Sensors {
		if c.Sensors[i].ID == id {
			return &c.Sensors[i]
		}
	}
	return nil
}

// GetCriteria returns the configured criteria or the defaults
func (c *Config) GetCriteria() icp.Criteria {
	if c.Criteria == nil {
		return icp.DefaultCriteria()
	}
	return *c.Criteria
}

// NewDevice creates the compute device described by the config
func (c *Config) NewDevice() *icp.CPUDevice {
	return icp.NewCPUDevice(c.Device.Workers, c.Device.ChunkSize)
}

// SensorResult stores the latest registration outcome for one sensor.
type SensorResult struct {
	SensorID    string               `json:"sensorId"`
	JobID       string               `json:"jobId"`
	Transform   icp.Transform        `json:"transform"`
	Fitness     float64              `json:"fitness"`
	InlierRMSE  float64              `json:"inlierRmse"`
	Iterations  int                  `json:"iterations"`
	State       icp.State            `json:"state"`
	PointCount  int                  `json:"pointCount"`
	LastUpdated int64                `json:"lastUpdated"`
	History     []icp.IterationStats `json:"history,omitempty"`
}

// NewSensorResult copies the interesting parts of a registration result.
func NewSensorResult(sensorID, jobID string, pointCount int, res icp.Result, now int64) SensorResult {
	return SensorResult{
		SensorID:    sensorID,
		JobID:       jobID,
		Transform:   res.Transformation,
		Fitness:     res.Fitness,
		InlierRMSE:  res.InlierRMSE,
		Iterations:  res.Iterations,
		State:       res.State,
		PointCount:  pointCount,
		LastUpdated: now,
		History:     res.History,
	}
}

// ResultCache stores registration results for all sensors.
// This is the persisted transform cache stored as JSON.
type ResultCache struct {
	Reference   string                  `json:"reference"`
	Sensors     map[string]SensorResult `json:"sensors"`
	LastUpdated int64                   `json:"lastUpdated"`
}

// UnmarshalJSON also accepts cache files where Sensors was a bare
// map[string]icp.Transform without per-sensor metadata.
func (c *ResultCache) UnmarshalJSON(data []byte) error {
	var envelope struct {
		Reference   string                     `json:"reference"`
		Sensors     map[string]json.RawMessage `json:"sensors"`
		LastUpdated int64                      `json:"lastUpdated"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}

	c.Reference = envelope.Reference
	c.LastUpdated = envelope.LastUpdated
	c.Sensors = make(map[string]SensorResult, len(envelope.Sensors))

	for id, raw := range envelope.Sensors {
		// Legacy entries are a bare JSON array of 16 numbers.
		var bare icp.Transform
		if err := json.Unmarshal(raw, &bare); err == nil {
			c.Sensors[id] = SensorResult{
				SensorID:    id,
				Transform:   bare,
				LastUpdated: envelope.LastUpdated,
			}
			continue
		}
		var sr SensorResult
		if err := json.Unmarshal(raw, &sr); err != nil {
			return err
		}
		if sr.SensorID == "" {
			sr.SensorID = id
		}
		c.Sensors[id] = sr
	}
	return nil
}

func deg2rad(d float64) float64 { return d * math.Pi / 180 }

func rad2deg(r float64) float64 { return r * 180 / math.Pi }
