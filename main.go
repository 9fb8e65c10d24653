package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/Qinglin520/pose-refine/align"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command line
type AppOptions struct {
	ConfigFile    string
	ReferenceFile string
	SourceFile    string
	SensorID      string
	OutputFile    string
	ResultCache   string
	PreviewFile   string
	RenderFormat  string
	PlotFile      string

	// Negative values leave the configured criteria untouched
	MaxIteration    int
	RelativeFitness float64
	RelativeRMSE    float64
	MaxDistance     float64
	Workers         int
	Accumulation    string

	Register bool
	Evaluate bool
	MqttMode bool
	HttpMode bool
	HttpPort int
}

// Runner is implemented by App; tests substitute a mock
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunRegister() error
	RunEvaluate() error
	RunService() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Fatalf("Error: %v", err)
	}
}

// run parses args and dispatches to the selected mode
func run(args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("pose-refine", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.ReferenceFile, "reference", "", "Reference cloud file (overrides reference.path)")
	fs.StringVar(&opts.SourceFile, "source", "", "Source cloud file for --register and --evaluate")
	fs.StringVar(&opts.SensorID, "sensor", "source", "Sensor ID the source cloud belongs to")
	fs.StringVar(&opts.OutputFile, "output", "", "Write the aligned source cloud to this file (.xyz or .json)")
	fs.StringVar(&opts.ResultCache, "result-cache", align.DefaultResultCachePath, "Path to registration result cache file")
	fs.StringVar(&opts.PreviewFile, "preview", "", "Write a top-down preview of reference and aligned source")
	fs.StringVar(&opts.RenderFormat, "format", "raster", "Preview format: raster, vector, or both")
	fs.StringVar(&opts.PlotFile, "plot", "", "Write a fitness/RMSE convergence plot PNG")
	fs.IntVar(&opts.MaxIteration, "max-iteration", -1, "Maximum pose updates (default from config)")
	fs.Float64Var(&opts.RelativeFitness, "relative-fitness", -1, "Convergence threshold on fitness change")
	fs.Float64Var(&opts.RelativeRMSE, "relative-rmse", -1, "Convergence threshold on RMSE change")
	fs.Float64Var(&opts.MaxDistance, "max-distance", -1, "Correspondence distance cutoff, 0 for unlimited")
	fs.IntVar(&opts.Workers, "workers", 0, "Compute workers (default GOMAXPROCS)")
	fs.StringVar(&opts.Accumulation, "accumulation", "", "Normal equation accumulation: reset or persistent")
	fs.BoolVar(&opts.Register, "register", false, "Register --source against the reference and exit")
	fs.BoolVar(&opts.Evaluate, "evaluate", false, "Evaluate --source against the reference without moving it")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Run MQTT service mode for live sensor registration")
	fs.BoolVar(&opts.HttpMode, "http", false, "Enable HTTP server for results and previews")
	fs.IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port (default 8080)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	switch opts.RenderFormat {
	case "raster", "vector", "both":
	default:
		return fmt.Errorf("invalid --format %q: must be raster, vector, or both", opts.RenderFormat)
	}

	_, _ = fmt.Fprintf(out, "pose-refine version: %s\n", Version)
	app.ApplyOptions(opts)

	if opts.Register {
		return app.RunRegister()
	}
	if opts.Evaluate {
		return app.RunEvaluate()
	}
	if opts.MqttMode || opts.HttpMode {
		return app.RunService()
	}

	_, _ = fmt.Fprintln(out, "No mode selected.")
	_, _ = fmt.Fprintln(out, "Use --register --source FILE to align a cloud to the reference")
	_, _ = fmt.Fprintln(out, "Use --evaluate --source FILE to measure fitness without moving it")
	_, _ = fmt.Fprintln(out, "Use --mqtt to register clouds arriving on sensor topics")
	_, _ = fmt.Fprintln(out, "Use --http to serve results and previews")
	_, _ = fmt.Fprintln(out, "\nConfiguration:")
	_, _ = fmt.Fprintln(out, "  config.yaml - reference, sensors, criteria and MQTT settings")
	_, _ = fmt.Fprintf(out, "  %s - registered transforms (cached)\n", align.DefaultResultCachePath)
	return nil
}
