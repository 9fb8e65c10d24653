package align

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Qinglin520/pose-refine/icp"
)

const (
	// DefaultMinRegistrationInterval is the minimum time between automatic
	// registrations of the same sensor (debounce).
	DefaultMinRegistrationInterval = 5 * time.Minute

	// DefaultRegistrationTimeout bounds one automatic registration run.
	DefaultRegistrationTimeout = 2 * time.Minute
)

// AutoRegistrar registers incoming sensor clouds against the reference scene.
// It debounces frequent clouds, runs ICP from the sensor's initial or cached
// pose, then records, persists and publishes the result.
type AutoRegistrar struct {
	config       *Config
	cache        *ResultCache
	cachePath    string
	scene        icp.Scene
	device       icp.Device
	stateTracker *StateTracker
	publisher    *Publisher
	minInterval  time.Duration
	fetcher      *CloudFetcher

	mu             sync.Mutex
	lastRegistered map[string]time.Time
}

// NewAutoRegistrar creates an AutoRegistrar. publisher may be nil when MQTT
// is disabled.
func NewAutoRegistrar(config *Config, cache *ResultCache, cachePath string, scene icp.Scene, dev icp.Device, st *StateTracker, pub *Publisher) *AutoRegistrar {
	if cache == nil {
		cache = NewResultCache(config.Reference.Path)
	}
	return &AutoRegistrar{
		config:         config,
		cache:          cache,
		cachePath:      cachePath,
		scene:          scene,
		device:         dev,
		stateTracker:   st,
		publisher:      pub,
		minInterval:    DefaultMinRegistrationInterval,
		fetcher:        NewCloudFetcher(config.Fetch, nil),
		lastRegistered: make(map[string]time.Time),
	}
}

// SetMinInterval overrides the debounce interval
func (ar *AutoRegistrar) SetMinInterval(d time.Duration) {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	ar.minInterval = d
}

// SetPublisher attaches the result publisher once MQTT is up
func (ar *AutoRegistrar) SetPublisher(pub *Publisher) {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	ar.publisher = pub
}

// SetFetcher replaces the fetcher used when a trigger downloads a cloud
func (ar *AutoRegistrar) SetFetcher(f *CloudFetcher) {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	ar.fetcher = f
}

// OnMessage is the MessageHandler registered with the MQTT client
func (ar *AutoRegistrar) OnMessage(sensorID string, raw []byte, cloud *CloudData, err error) {
	if err != nil {
		log.Printf("[AUTO-REG] %s: dropping undecodable cloud (%d bytes): %v", sensorID, len(raw), err)
		return
	}
	ar.OnCloud(sensorID, cloud)
}

// OnCloud stores the cloud and registers it unless the sensor was registered
// recently and its cloud size has not changed much. Safe to call from any
// goroutine.
func (ar *AutoRegistrar) OnCloud(sensorID string, cloud *CloudData) {
	if cloud == nil || len(cloud.Points) == 0 {
		log.Printf("[AUTO-REG] %s: empty cloud, skipping", sensorID)
		return
	}
	ar.stateTracker.UpdateCloud(sensorID, cloud)

	ar.mu.Lock()
	defer ar.mu.Unlock()

	if last, ok := ar.lastRegistered[sensorID]; ok {
		if time.Since(last) < ar.minInterval {
			log.Printf("[AUTO-REG] %s: skipping, last registered %s ago (min interval %s)",
				sensorID, time.Since(last).Round(time.Second), ar.minInterval)
			return
		}
	}

	// Cache-level debounce covers restarts.
	if !ar.cache.ShouldReregister(sensorID, len(cloud.Points), ar.minInterval) {
		log.Printf("[AUTO-REG] %s: skipping, cached result is still fresh", sensorID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), DefaultRegistrationTimeout)
	defer cancel()
	if _, err := ar.register(ctx, sensorID, cloud); err != nil {
		log.Printf("[AUTO-REG] %s: registration failed: %v (preserving existing result)", sensorID, err)
	}
}

// OnTrigger fetches a fresh cloud from the sensor's apiUrl and registers it,
// bypassing the debounce.
func (ar *AutoRegistrar) OnTrigger(sensorID string) {
	sc := ar.config.GetSensorByID(sensorID)
	if sc == nil {
		log.Printf("[AUTO-REG] %s: sensor not found in config, skipping", sensorID)
		return
	}
	if sc.APIURL == nil || *sc.APIURL == "" {
		log.Printf("[AUTO-REG] %s: no apiUrl configured, skipping triggered registration", sensorID)
		return
	}

	ar.mu.Lock()
	fetcher := ar.fetcher
	ar.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultRegistrationTimeout)
	defer cancel()

	log.Printf("[AUTO-REG] %s: fetching cloud from %s", sensorID, *sc.APIURL)
	cloud, err := fetcher.Fetch(ctx, *sc.APIURL)
	if err != nil {
		log.Printf("[AUTO-REG] %s: failed to fetch cloud: %v (preserving existing result)", sensorID, err)
		return
	}
	if _, err := ar.RegisterNow(ctx, sensorID, cloud); err != nil {
		log.Printf("[AUTO-REG] %s: registration failed: %v (preserving existing result)", sensorID, err)
	}
}

// RegisterNow registers cloud for sensorID without debouncing and returns the
// recorded result.
func (ar *AutoRegistrar) RegisterNow(ctx context.Context, sensorID string, cloud *CloudData) (SensorResult, error) {
	if cloud == nil || len(cloud.Points) == 0 {
		return SensorResult{}, fmt.Errorf("register %s: %w", sensorID, icp.ErrEmptyCloud)
	}
	ar.stateTracker.UpdateCloud(sensorID, cloud)

	ar.mu.Lock()
	defer ar.mu.Unlock()
	return ar.register(ctx, sensorID, cloud)
}

// register runs ICP for one sensor. Callers hold ar.mu.
func (ar *AutoRegistrar) register(ctx context.Context, sensorID string, cloud *CloudData) (SensorResult, error) {
	jobID := uuid.NewString()
	initial := ar.initialTransform(sensorID)

	log.Printf("[AUTO-REG] %s: job %s registering %d points", sensorID, jobID, len(cloud.Points))
	res, err := icp.Register(ctx, icp.Cloud(cloud.Points).Clone(), ar.scene, ar.config.GetCriteria(),
		icp.WithDevice(ar.device),
		icp.WithAccumulation(ar.config.Accumulation),
		icp.WithInitialTransform(initial),
		icp.WithLogger(func(format string, args ...any) {
			log.Printf("[AUTO-REG] "+sensorID+": "+format, args...)
		}),
	)
	if err != nil {
		return SensorResult{}, fmt.Errorf("register %s: %w", sensorID, err)
	}

	sr := NewSensorResult(sensorID, jobID, len(cloud.Points), res, time.Now().Unix())
	log.Printf("[AUTO-REG] %s: %s after %d passes, fitness=%.4f rmse=%.6g",
		sensorID, res.State, res.Iterations, res.Fitness, res.InlierRMSE)

	ar.stateTracker.UpdateResult(sr)
	ar.cache.UpdateResult(sr)
	ar.persistAndRecord(sensorID)

	if ar.publisher != nil {
		if err := ar.publisher.PublishResult(sr); err != nil {
			log.Printf("[AUTO-REG] %s: publish skipped: %v", sensorID, err)
		}
	}
	return sr, nil
}

// initialTransform picks the configured initial pose, else the cached result
func (ar *AutoRegistrar) initialTransform(sensorID string) icp.Transform {
	if t, ok := InitialTransforms(ar.config, ar.cache)[sensorID]; ok {
		return t
	}
	return icp.Identity()
}

// persistAndRecord saves the cache and updates the debounce timestamp
func (ar *AutoRegistrar) persistAndRecord(sensorID string) {
	if ar.cachePath != "" {
		if err := SaveResultCache(ar.cachePath, ar.cache); err != nil {
			log.Printf("[AUTO-REG] %s: failed to save result cache: %v", sensorID, err)
		} else {
			log.Printf("[AUTO-REG] %s: result cache saved to %s", sensorID, ar.cachePath)
		}
	}
	ar.lastRegistered[sensorID] = time.Now()
}

// GetCache returns the result cache. The cache is written under ar.mu, so
// callers racing registration should read through Status instead.
func (ar *AutoRegistrar) GetCache() *ResultCache {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	return ar.cache
}

// Status reports cache coverage of the expected sensors. Registration writes
// the cache under ar.mu, so the read takes it too.
func (ar *AutoRegistrar) Status(expectedSensors []string) CacheStatus {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	return ar.cache.GetStatus(expectedSensors)
}

// String implements fmt.Stringer for debug logging
func (ar *AutoRegistrar) String() string {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	return fmt.Sprintf("AutoRegistrar{cachePath=%s, sensors=%d, lastRegistered=%d}",
		ar.cachePath, len(ar.cache.Sensors), len(ar.lastRegistered))
}
