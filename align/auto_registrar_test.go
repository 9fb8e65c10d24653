package align

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Qinglin520/pose-refine/icp"
)

// cornerCloud samples three orthogonal plane patches meeting near the origin.
// Patches stop short of the shared edges so no point belongs to two planes.
func cornerCloud() *CloudData {
	cloud := &CloudData{}
	for i := 1; i <= 10; i++ {
		for j := 1; j <= 10; j++ {
			u, v := 0.1*float64(i), 0.1*float64(j)
			cloud.Points = append(cloud.Points,
				icp.Vec3{X: u, Y: v, Z: 0},
				icp.Vec3{X: 0, Y: u, Z: v},
				icp.Vec3{X: u, Y: 0, Z: v},
			)
			cloud.Normals = append(cloud.Normals,
				icp.Vec3{Z: 1},
				icp.Vec3{X: 1},
				icp.Vec3{Y: 1},
			)
		}
	}
	return cloud
}

// shifted returns the points of c moved by d, without normals
func shifted(c *CloudData, d icp.Vec3) *CloudData {
	out := &CloudData{Points: make([]icp.Vec3, len(c.Points))}
	for i, p := range c.Points {
		out.Points[i] = p.Add(d)
	}
	return out
}

type registrarFixture struct {
	registrar *AutoRegistrar
	tracker   *StateTracker
	mock      *MockClient
	cachePath string
}

func newRegistrarFixture(t *testing.T, sensors ...SensorConfig) registrarFixture {
	t.Helper()
	t.Setenv("MQTT_PUBLISH_PREFIX", "")

	ref := cornerCloud()
	dev := icp.NewCPUDevice(2, 64)
	t.Cleanup(func() { _ = dev.Close() })

	scene, err := BuildScene(dev, ref, ReferenceConfig{}, 0)
	require.NoError(t, err)

	config := &Config{
		Reference: ReferenceConfig{Path: "corner.xyz"},
		Sensors:   sensors,
	}
	st := NewStateTracker()
	st.SetReference(ref)
	mock := NewMockClient()
	mock.SetConnected(true)
	cachePath := filepath.Join(t.TempDir(), "cache.json")

	ar := NewAutoRegistrar(config, nil, cachePath, scene, dev, st, NewPublisher(mock, "poses"))
	return registrarFixture{registrar: ar, tracker: st, mock: mock, cachePath: cachePath}
}

func TestAutoRegistrar_OnCloudRecoversTranslation(t *testing.T) {
	f := newRegistrarFixture(t, SensorConfig{ID: "front", Topic: "lidar/front/cloud"})
	offset := icp.Vec3{X: 0.02, Y: -0.01, Z: 0.015}

	f.registrar.OnCloud("front", shifted(cornerCloud(), offset))

	sr, ok := f.tracker.GetResult("front")
	require.True(t, ok, "expected a registration result")
	assert.Equal(t, icp.StateConverged, sr.State)
	assert.Equal(t, 300, sr.PointCount)
	assert.InDelta(t, 1.0, sr.Fitness, 1e-12)
	assert.NotEmpty(t, sr.JobID)

	tr := sr.Transform.TranslationPart()
	assert.InDelta(t, -offset.X, tr.X, 1e-6)
	assert.InDelta(t, -offset.Y, tr.Y, 1e-6)
	assert.InDelta(t, -offset.Z, tr.Z, 1e-6)
	assert.True(t, icp.IsRigid(sr.Transform, icp.RigidTolerance))

	// Persisted and published.
	_, err := os.Stat(f.cachePath)
	require.NoError(t, err)
	cache, err := LoadResultCache(f.cachePath)
	require.NoError(t, err)
	assert.Equal(t, sr.JobID, cache.GetResult("front").JobID)

	msgs := f.mock.GetPublishedMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "poses/front", msgs[0].Topic)
}

func TestAutoRegistrar_Debounce(t *testing.T) {
	f := newRegistrarFixture(t, SensorConfig{ID: "front"})
	cloud := shifted(cornerCloud(), icp.Vec3{X: 0.01})

	f.registrar.OnCloud("front", cloud)
	f.registrar.OnCloud("front", cloud)
	assert.Len(t, f.tracker.GetHistory("front"), 1, "second cloud inside the interval is skipped")

	_, err := f.registrar.RegisterNow(context.Background(), "front", cloud)
	require.NoError(t, err)
	assert.Len(t, f.tracker.GetHistory("front"), 2, "RegisterNow bypasses the debounce")

	f.registrar.SetMinInterval(0)
	f.registrar.OnCloud("front", cloud)
	assert.Len(t, f.tracker.GetHistory("front"), 3)
}

func TestAutoRegistrar_UsesConfiguredInitialPose(t *testing.T) {
	offset := icp.Vec3{X: 0.3, Y: 0.2, Z: -0.25}
	f := newRegistrarFixture(t, SensorConfig{
		ID:      "front",
		Initial: &PoseOffset{TX: -offset.X, TY: -offset.Y, TZ: -offset.Z},
	})

	// Too far off to converge from identity; the configured pose brings it back.
	sr, err := f.registrar.RegisterNow(context.Background(), "front", shifted(cornerCloud(), offset))
	require.NoError(t, err)

	tr := sr.Transform.TranslationPart()
	assert.InDelta(t, -offset.X, tr.X, 1e-6)
	assert.InDelta(t, -offset.Y, tr.Y, 1e-6)
	assert.InDelta(t, -offset.Z, tr.Z, 1e-6)
}

func TestAutoRegistrar_RejectsEmptyCloud(t *testing.T) {
	f := newRegistrarFixture(t, SensorConfig{ID: "front"})

	_, err := f.registrar.RegisterNow(context.Background(), "front", &CloudData{})
	require.Error(t, err)
	assert.ErrorIs(t, err, icp.ErrEmptyCloud)

	f.registrar.OnCloud("front", nil)
	f.registrar.OnMessage("front", []byte("junk"), nil, assert.AnError)
	_, ok := f.tracker.GetResult("front")
	assert.False(t, ok)
}

func TestAutoRegistrar_RegistrationFailureKeepsPreviousResult(t *testing.T) {
	f := newRegistrarFixture(t, SensorConfig{ID: "front"})
	f.registrar.SetMinInterval(0)
	good := shifted(cornerCloud(), icp.Vec3{X: 0.01})
	f.registrar.OnCloud("front", good)
	first, ok := f.tracker.GetResult("front")
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.registrar.RegisterNow(ctx, "front", good)
	require.Error(t, err)
	assert.Equal(t, icp.KindCancelled, icp.KindOf(err))

	latest, _ := f.tracker.GetResult("front")
	assert.Equal(t, first.JobID, latest.JobID)
	assert.Equal(t, first.JobID, f.registrar.GetCache().GetResult("front").JobID)
}

func TestAutoRegistrar_OnTrigger(t *testing.T) {
	payload, err := EncodeCloudJSON(shifted(cornerCloud(), icp.Vec3{Z: 0.02}))
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	url := srv.URL
	f := newRegistrarFixture(t,
		SensorConfig{ID: "front", APIURL: &url},
		SensorConfig{ID: "rear"},
	)
	f.registrar.SetFetcher(NewCloudFetcher(FetchConfig{Attempts: 1}, srv.Client()))

	f.registrar.OnTrigger("rear")    // no apiUrl
	f.registrar.OnTrigger("missing") // not configured
	f.registrar.OnTrigger("front")

	_, ok := f.tracker.GetResult("rear")
	assert.False(t, ok)

	sr, ok := f.tracker.GetResult("front")
	require.True(t, ok)
	assert.InDelta(t, -0.02, sr.Transform.TranslationPart().Z, 1e-6)
	assert.NotNil(t, f.tracker.GetCloud("front"))
}

func TestAutoRegistrar_WarmStartsFromCache(t *testing.T) {
	f := newRegistrarFixture(t, SensorConfig{ID: "front"})
	offset := icp.Vec3{X: 0.3, Y: -0.2, Z: 0.25}

	cache := f.registrar.GetCache()
	cache.UpdateResult(SensorResult{
		SensorID:  "front",
		Transform: icp.Translation(-offset.X, -offset.Y, -offset.Z),
	})

	sr, err := f.registrar.RegisterNow(context.Background(), "front", shifted(cornerCloud(), offset))
	require.NoError(t, err)
	tr := sr.Transform.TranslationPart()
	assert.InDelta(t, -offset.X, tr.X, 1e-6)
	assert.InDelta(t, -offset.Y, tr.Y, 1e-6)
	assert.InDelta(t, -offset.Z, tr.Z, 1e-6)
	assert.Contains(t, f.registrar.String(), "sensors=1")

	data, err := os.ReadFile(f.cachePath)
	require.NoError(t, err)
	var onDisk ResultCache
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, sr.JobID, onDisk.Sensors["front"].JobID)
	assert.WithinDuration(t, time.Now(), time.Unix(onDisk.Sensors["front"].LastUpdated, 0), time.Minute)
}

func TestAutoRegistrar_StatusDuringRegistration(t *testing.T) {
	f := newRegistrarFixture(t, SensorConfig{ID: "a"})
	cloud := shifted(cornerCloud(), icp.Vec3{X: 0.01})

	ids := make([]string, 26)
	for i := range ids {
		ids[i] = string(rune('a' + i))
	}

	var wg sync.WaitGroup
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				f.registrar.Status([]string{"a"})
			}
		}
	}()

	for _, id := range ids {
		_, err := f.registrar.RegisterNow(context.Background(), id, cloud)
		assert.NoError(t, err)
	}
	close(done)
	wg.Wait()

	status := f.registrar.Status([]string{"a", "zz"})
	assert.Equal(t, ids, status.RegisteredSensors)
	assert.Equal(t, []string{"zz"}, status.MissingSensors)
	assert.Empty(t, status.Poor)
}

func TestAutoRegistrar_DefaultFetcherUsesConfig(t *testing.T) {
	f := newRegistrarFixture(t)
	cfg := f.registrar.fetcher.Config()
	assert.Equal(t, DefaultFetchAttempts, cfg.Attempts)
	assert.Equal(t, DefaultFetchTimeout, cfg.Timeout)
}
