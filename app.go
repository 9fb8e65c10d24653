package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Qinglin520/pose-refine/align"
	"github.com/Qinglin520/pose-refine/icp"
)

// App encapsulates the application state and dependencies
type App struct {
	AppOptions

	Config       *align.Config
	Cache        *align.ResultCache
	StateTracker *align.StateTracker
	Device       *icp.CPUDevice
	Scene        *icp.KDTreeScene
	Registrar    *align.AutoRegistrar
	MQTTClient   *align.MQTTClient
	Publisher    *align.Publisher

	Out io.Writer
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		StateTracker: align.NewStateTracker(),
		Out:          os.Stdout,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.AppOptions = opts
}

// loadConfig reads the config file and applies command line overrides. The
// file may be missing when --reference names the reference cloud.
func (a *App) loadConfig() (*align.Config, error) {
	config, err := align.ReadConfig(a.ConfigFile)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) || a.ReferenceFile == "" {
			return nil, err
		}
		log.Printf("No config at %s, using command line settings", a.ConfigFile)
		config = &align.Config{}
	}

	if a.ReferenceFile != "" {
		config.Reference.Path = a.ReferenceFile
		config.Reference.URL = ""
	}
	if a.MaxDistance >= 0 {
		config.Reference.MaxDistance = a.MaxDistance
	}

	criteria := config.GetCriteria()
	if a.MaxIteration >= 0 {
		criteria.MaxIteration = a.MaxIteration
	}
	if a.RelativeFitness >= 0 {
		criteria.RelativeFitness = a.RelativeFitness
	}
	if a.RelativeRMSE >= 0 {
		criteria.RelativeRMSE = a.RelativeRMSE
	}
	config.Criteria = &criteria

	if a.Workers > 0 {
		config.Device.Workers = a.Workers
	}
	if a.Accumulation != "" {
		mode, err := icp.ParseAccumulationMode(a.Accumulation)
		if err != nil {
			return nil, err
		}
		config.Accumulation = mode
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

// setup loads everything the modes share: config, compute device, reference
// scene, result cache and the registrar.
func (a *App) setup(ctx context.Context) error {
	config, err := a.loadConfig()
	if err != nil {
		return err
	}
	a.Config = config
	a.Device = config.NewDevice()

	ref, err := align.LoadReference(ctx, config.Reference, align.NewCloudFetcher(config.Fetch, nil))
	if err != nil {
		return err
	}
	scene, err := align.BuildScene(a.Device, ref, config.Reference, config.NormalNeighbors())
	if err != nil {
		return err
	}
	a.Scene = scene
	a.StateTracker.SetReference(ref)

	for _, sc := range config.Sensors {
		if sc.Color != "" {
			a.StateTracker.SetColor(sc.ID, sc.Color)
		}
	}

	cache, err := align.LoadResultCache(a.ResultCache)
	if err != nil {
		log.Printf("Warning: Failed to load result cache %s: %v", a.ResultCache, err)
	} else if cache != nil {
		log.Printf("Loaded result cache from %s (%d sensors)", a.ResultCache, len(cache.Sensors))
		for _, sr := range cache.Sensors {
			a.StateTracker.UpdateResult(sr)
		}
	}
	if cache == nil {
		cache = align.NewResultCache(referenceName(config.Reference))
	}
	a.Cache = cache

	a.Registrar = align.NewAutoRegistrar(config, cache, a.ResultCache, scene, a.Device, a.StateTracker, nil)
	return nil
}

func referenceName(rc align.ReferenceConfig) string {
	if rc.Path != "" {
		return rc.Path
	}
	return rc.URL
}

// close releases the device and the MQTT connection
func (a *App) close() {
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	if a.Device != nil {
		_ = a.Device.Close()
	}
}

// RunRegister aligns the --source cloud to the reference and writes the
// requested outputs
func (a *App) RunRegister() error {
	if a.SourceFile == "" {
		return fmt.Errorf("--register requires --source")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	defer a.close()
	if err := a.setup(ctx); err != nil {
		return err
	}

	source, err := align.LoadCloudFile(a.SourceFile)
	if err != nil {
		return fmt.Errorf("loading source: %w", err)
	}
	_, _ = fmt.Fprintf(a.Out, "Registering %s (%d points) as %s\n", a.SourceFile, len(source.Points), a.SensorID)

	start := time.Now()
	sr, err := a.Registrar.RegisterNow(ctx, a.SensorID, source)
	if err != nil {
		return err
	}
	a.printResult(sr, time.Since(start))

	if a.OutputFile != "" {
		aligned := &align.CloudData{Points: icp.TransformCloud(source.Points, sr.Transform)}
		if source.HasNormals() {
			aligned.Normals = make([]icp.Vec3, len(source.Normals))
			for i, n := range source.Normals {
				aligned.Normals[i] = sr.Transform.Rotate(n)
			}
		}
		if err := align.SaveCloudFile(a.OutputFile, aligned); err != nil {
			return fmt.Errorf("writing aligned cloud: %w", err)
		}
		_, _ = fmt.Fprintf(a.Out, "Aligned cloud written to %s\n", a.OutputFile)
	}

	if a.PreviewFile != "" {
		if err := a.writePreview(a.PreviewFile); err != nil {
			return err
		}
	}
	if a.PlotFile != "" {
		if err := a.writePlot(a.PlotFile, sr); err != nil {
			return err
		}
	}
	return nil
}

// RunEvaluate measures the --source cloud against the reference at its
// configured or cached pose without iterating
func (a *App) RunEvaluate() error {
	if a.SourceFile == "" {
		return fmt.Errorf("--evaluate requires --source")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	defer a.close()
	if err := a.setup(ctx); err != nil {
		return err
	}

	source, err := align.LoadCloudFile(a.SourceFile)
	if err != nil {
		return fmt.Errorf("loading source: %w", err)
	}

	initial, ok := align.InitialTransforms(a.Config, a.Cache)[a.SensorID]
	if !ok {
		initial = icp.Identity()
	}
	res, err := icp.Evaluate(ctx, source.Points, a.Scene,
		icp.WithDevice(a.Device),
		icp.WithInitialTransform(initial),
	)
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(a.Out, "\n=== %s ===\n", a.SensorID)
	_, _ = fmt.Fprintf(a.Out, "Points: %d, with correspondence: %d\n", len(source.Points), res.ValidCount)
	_, _ = fmt.Fprintf(a.Out, "Fitness: %.4f\n", res.Fitness)
	_, _ = fmt.Fprintf(a.Out, "Inlier RMSE: %.6g\n", res.InlierRMSE)
	return nil
}

// printResult prints a registration result with its transform
func (a *App) printResult(sr align.SensorResult, elapsed time.Duration) {
	_, _ = fmt.Fprintf(a.Out, "\n=== %s ===\n", sr.SensorID)
	_, _ = fmt.Fprintf(a.Out, "State: %s after %d passes (%s)\n", sr.State, sr.Iterations, elapsed.Round(time.Millisecond))
	_, _ = fmt.Fprintf(a.Out, "Fitness: %.4f\n", sr.Fitness)
	_, _ = fmt.Fprintf(a.Out, "Inlier RMSE: %.6g\n", sr.InlierRMSE)

	t := sr.Transform
	_, _ = fmt.Fprintln(a.Out, "Transform:")
	for r := 0; r < 4; r++ {
		_, _ = fmt.Fprintf(a.Out, "  [% .6f % .6f % .6f % .6f]\n", t[r*4], t[r*4+1], t[r*4+2], t[r*4+3])
	}
	tr := t.TranslationPart()
	rx, ry, rz := t.EulerXYZ()
	_, _ = fmt.Fprintf(a.Out, "Translation: (%.4f, %.4f, %.4f)\n", tr.X, tr.Y, tr.Z)
	_, _ = fmt.Fprintf(a.Out, "Rotation XYZ: (%.3f°, %.3f°, %.3f°)\n", rx*180/math.Pi, ry*180/math.Pi, rz*180/math.Pi)
}

// writePreview renders reference and aligned clouds. The extension of path
// is replaced by .png and/or .svg depending on --format.
func (a *App) writePreview(path string) error {
	layers := align.CollectLayers(a.StateTracker)
	base := strings.TrimSuffix(path, filepath.Ext(path))

	if a.RenderFormat == "raster" || a.RenderFormat == "both" {
		out := base + ".png"
		if err := align.NewPreviewRenderer(layers).SavePNG(out); err != nil {
			return fmt.Errorf("writing preview: %w", err)
		}
		_, _ = fmt.Fprintf(a.Out, "Preview written to %s\n", out)
	}

	if a.RenderFormat == "vector" || a.RenderFormat == "both" {
		out := base + ".svg"
		f, err := os.Create(out)
		if err != nil {
			return fmt.Errorf("creating preview: %w", err)
		}
		if err := align.NewVectorRenderer(layers, a.Config.Render).RenderToSVG(f); err != nil {
			_ = f.Close()
			return fmt.Errorf("writing preview: %w", err)
		}
		if err := f.Close(); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(a.Out, "Preview written to %s\n", out)
	}
	return nil
}

// writePlot saves the convergence history of sr as a PNG
func (a *App) writePlot(path string, sr align.SensorResult) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating plot: %w", err)
	}
	if err := align.PlotConvergence(f, sr.SensorID, sr.History); err != nil {
		_ = f.Close()
		return fmt.Errorf("plotting convergence: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(a.Out, "Convergence plot written to %s\n", path)
	return nil
}

// RunService registers clouds from MQTT and/or serves results over HTTP
// until interrupted
func (a *App) RunService() error {
	_, _ = fmt.Fprintln(a.Out, "Starting pose-refine service...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	defer a.close()
	if err := a.setup(ctx); err != nil {
		return err
	}

	if a.MqttMode {
		if err := a.startMQTT(); err != nil {
			return err
		}
	}

	var srv *http.Server
	if a.HttpMode {
		srv = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.HttpPort),
			Handler:           newHTTPServer(a.StateTracker, a.Registrar, a.Config),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("[HTTP] Starting server on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[HTTP] Server error: %v", err)
				stop()
			}
		}()
	}

	a.printServiceInfo()
	_, _ = fmt.Fprintln(a.Out, "\nPress Ctrl+C to stop")

	<-ctx.Done()

	_, _ = fmt.Fprintln(a.Out, "\nShutting down service...")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[HTTP] Shutdown error: %v", err)
		}
	}
	_, _ = fmt.Fprintln(a.Out, "Service stopped")
	return nil
}

// startMQTT connects to the broker and routes clouds and triggers to the
// registrar. Registration runs off the paho callback goroutine.
func (a *App) startMQTT() error {
	client, err := align.InitMQTT(a.Config, func(sensorID string, raw []byte, cloud *align.CloudData, err error) {
		go a.Registrar.OnMessage(sensorID, raw, cloud, err)
	})
	if err != nil {
		return fmt.Errorf("initializing MQTT: %w", err)
	}
	if client == nil {
		return fmt.Errorf("MQTT broker not configured in %s", a.ConfigFile)
	}
	client.SetTriggerHandler(func(sensorID string) {
		go a.Registrar.OnTrigger(sensorID)
	})
	a.MQTTClient = client
	a.attachPublisher(client.GetClient())
	_, _ = fmt.Fprintln(a.Out, "MQTT result publisher initialized")
	return nil
}

// attachPublisher creates the result publisher on c and hands it to the registrar
func (a *App) attachPublisher(c mqtt.Client) {
	a.Publisher = align.NewPublisher(c, a.Config.MQTT.PublishPrefix)
	a.Registrar.SetPublisher(a.Publisher)
}

func (a *App) printServiceInfo() {
	_, _ = fmt.Fprintln(a.Out, "\nService Running")
	_, _ = fmt.Fprintln(a.Out, "===============")
	_, _ = fmt.Fprintf(a.Out, "Reference: %s (%d points)\n", referenceName(a.Config.Reference), a.Scene.Len())

	if a.MqttMode && a.Publisher != nil {
		_, _ = fmt.Fprintln(a.Out, "\nMQTT:")
		_, _ = fmt.Fprintln(a.Out, "  Subscribed topics:")
		for _, sc := range a.Config.Sensors {
			_, _ = fmt.Fprintf(a.Out, "    - %s (%s)\n", sc.Topic, sc.ID)
		}
		_, _ = fmt.Fprintf(a.Out, "  Publishing to: %s/{sensorID}\n", a.Publisher.Prefix())
		_, _ = fmt.Fprintf(a.Out, "  Combined results: %s/results\n", a.Publisher.Prefix())
	}

	if a.HttpMode {
		_, _ = fmt.Fprintf(a.Out, "\nHTTP endpoints (port %d):\n", a.HttpPort)
		_, _ = fmt.Fprintln(a.Out, "  GET  /health                - Health check")
		_, _ = fmt.Fprintln(a.Out, "  GET  /results               - Latest result per sensor")
		_, _ = fmt.Fprintln(a.Out, "  GET  /results/{id}          - Latest result for one sensor")
		_, _ = fmt.Fprintln(a.Out, "  GET  /status                - Cache coverage of configured sensors")
		_, _ = fmt.Fprintln(a.Out, "  POST /register?id=ID        - Register the cloud in the request body")
		_, _ = fmt.Fprintln(a.Out, "  GET  /preview.png           - Top-down raster preview")
		_, _ = fmt.Fprintln(a.Out, "  GET  /preview.svg           - Top-down vector preview")
		_, _ = fmt.Fprintln(a.Out, "  GET  /convergence.png?id=ID - Fitness and RMSE per iteration")
		_, _ = fmt.Fprintln(a.Out, "  GET  /footprint.geojson?id=ID - Aligned XY footprint")
	}
}
