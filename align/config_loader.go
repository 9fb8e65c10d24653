package align

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Qinglin520/pose-refine/icp"
)

// DefaultNormalNeighbors is the neighbourhood size used for normal estimation.
const DefaultNormalNeighbors = 10

// LoadConfig loads the unified configuration from a YAML file and validates it
func LoadConfig(path string) (*Config, error) {
	config, err := ReadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ReadConfig parses a YAML config without validating it, so command line
// overrides can fill in missing fields first. A missing file wraps
// fs.ErrNotExist.
func ReadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return &config, nil
}

// Validate checks required fields and value ranges
func (c *Config) Validate() error {
	if c.Reference.Path == "" && c.Reference.URL == "" {
		return fmt.Errorf("reference.path or reference.url is required")
	}
	if c.Reference.MaxDistance < 0 {
		return fmt.Errorf("reference.maxDistance must be >= 0, got %v", c.Reference.MaxDistance)
	}
	if c.Reference.NormalNeighbors < 0 {
		return fmt.Errorf("reference.normalNeighbors must be >= 0, got %d", c.Reference.NormalNeighbors)
	}
	if c.Criteria != nil {
		if err := c.Criteria.Validate(); err != nil {
			return fmt.Errorf("criteria: %w", err)
		}
	}
	if c.Device.Workers < 0 || c.Device.ChunkSize < 0 {
		return fmt.Errorf("device.workers and device.chunkSize must be >= 0")
	}
	if c.Fetch.Timeout < 0 || c.Fetch.Attempts < 0 || c.Fetch.Backoff < 0 || c.Fetch.MaxBytes < 0 {
		return fmt.Errorf("fetch settings must be >= 0")
	}

	seen := make(map[string]bool, len(c.Sensors))
	for i, sc := range c.Sensors {
		if sc.ID == "" {
			return fmt.Errorf("sensor[%d].id is required", i)
		}
		if seen[sc.ID] {
			return fmt.Errorf("sensor[%d].id %q is duplicated", i, sc.ID)
		}
		seen[sc.ID] = true
		if c.MQTT.Broker != "" && sc.Topic == "" {
			return fmt.Errorf("sensor[%d].topic is required for %s when mqtt.broker is set", i, sc.ID)
		}
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// NormalNeighbors returns the configured k for normal estimation or the default
func (c *Config) NormalNeighbors() int {
	if c.Reference.NormalNeighbors > 0 {
		return c.Reference.NormalNeighbors
	}
	return DefaultNormalNeighbors
}

// InitialTransforms merges cached registration results with configured
// initial poses. A configured initial pose takes precedence over the cache.
func InitialTransforms(config *Config, cache *ResultCache) map[string]icp.Transform {
	transforms := make(map[string]icp.Transform)

	if cache != nil {
		for id, sr := range cache.Sensors {
			transforms[id] = sr.Transform
		}
	}

	for _, sc := range config.Sensors {
		if sc.HasInitialPose() {
			transforms[sc.ID] = sc.InitialTransform()
		}
	}

	return transforms
}
