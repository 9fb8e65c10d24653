package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/Qinglin520/pose-refine/align"
	"github.com/Qinglin520/pose-refine/icp"
)

// maxCloudBodyBytes caps POST /register bodies at 64 MB
const maxCloudBodyBytes = 64 << 20

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(stateTracker *align.StateTracker, registrar *align.AutoRegistrar, config *align.Config) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		status := struct {
			Status       string    `json:"status"`
			Timestamp    time.Time `json:"timestamp"`
			HasReference bool      `json:"hasReference"`
			HasClouds    bool      `json:"hasClouds"`
			Results      int       `json:"results"`
		}{
			Status:       "ok",
			Timestamp:    time.Now(),
			HasReference: stateTracker.GetReference() != nil,
			HasClouds:    stateTracker.HasClouds(),
			Results:      len(stateTracker.GetResults()),
		}
		writeJSON(w, http.StatusOK, status)
	})

	mux.HandleFunc("GET /results", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, stateTracker.GetResults())
	})

	mux.HandleFunc("GET /results/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		sr, ok := stateTracker.GetResult(id)
		if !ok {
			http.Error(w, fmt.Sprintf("No result for sensor %s", id), http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, sr)
	})

	// Which configured sensors have a cached result
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		var expected []string
		if config != nil {
			for _, sc := range config.Sensors {
				expected = append(expected, sc.ID)
			}
		}
		writeJSON(w, http.StatusOK, registrar.Status(expected))
	})

	// Register the cloud in the request body, bypassing the debounce
	mux.HandleFunc("POST /register", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "Missing id parameter", http.StatusBadRequest)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCloudBodyBytes))
		if err != nil {
			status := http.StatusBadRequest
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			http.Error(w, fmt.Sprintf("Reading body: %v", err), status)
			return
		}
		cloud, err := align.DecodeCloud(body)
		if err != nil {
			http.Error(w, fmt.Sprintf("Decoding cloud: %v", err), http.StatusBadRequest)
			return
		}

		sr, err := registrar.RegisterNow(r.Context(), id, cloud)
		if err != nil {
			log.Printf("[HTTP] registration of %s failed: %v", id, err)
			http.Error(w, err.Error(), registrationStatus(err))
			return
		}
		writeJSON(w, http.StatusOK, sr)
	})

	mux.HandleFunc("GET /preview.png", func(w http.ResponseWriter, r *http.Request) {
		layers := align.CollectLayers(stateTracker)
		if len(layers) == 0 {
			http.Error(w, "No clouds available", http.StatusServiceUnavailable)
			return
		}

		var buf bytes.Buffer
		var err error
		if r.URL.Query().Get("format") == "vector" {
			err = align.NewVectorRenderer(layers, renderConfig(config)).RenderToPNG(&buf)
		} else {
			err = align.NewPreviewRenderer(layers).WritePNG(&buf)
		}
		if err != nil {
			log.Printf("Error encoding preview PNG: %v", err)
			http.Error(w, "Rendering failed", http.StatusInternalServerError)
			return
		}
		writeBytes(w, "image/png", buf.Bytes())
	})

	mux.HandleFunc("GET /preview.svg", func(w http.ResponseWriter, r *http.Request) {
		layers := align.CollectLayers(stateTracker)
		if len(layers) == 0 {
			http.Error(w, "No clouds available", http.StatusServiceUnavailable)
			return
		}

		var buf bytes.Buffer
		if err := align.NewVectorRenderer(layers, renderConfig(config)).RenderToSVG(&buf); err != nil {
			log.Printf("Error encoding preview SVG: %v", err)
			http.Error(w, "Rendering failed", http.StatusInternalServerError)
			return
		}
		writeBytes(w, "image/svg+xml", buf.Bytes())
	})

	mux.HandleFunc("GET /convergence.png", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		sr, ok := stateTracker.GetResult(id)
		if !ok {
			http.Error(w, fmt.Sprintf("No result for sensor %q", id), http.StatusNotFound)
			return
		}
		if len(sr.History) == 0 {
			http.Error(w, fmt.Sprintf("No iteration history for sensor %s", id), http.StatusNotFound)
			return
		}

		var buf bytes.Buffer
		if err := align.PlotConvergence(&buf, id, sr.History); err != nil {
			log.Printf("Error plotting convergence for %s: %v", id, err)
			http.Error(w, "Plotting failed", http.StatusInternalServerError)
			return
		}
		writeBytes(w, "image/png", buf.Bytes())
	})

	mux.HandleFunc("GET /footprint.geojson", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		points := stateTracker.AlignedCloud(id)
		if len(points) == 0 {
			http.Error(w, fmt.Sprintf("No cloud for sensor %q", id), http.StatusNotFound)
			return
		}

		var result *align.SensorResult
		if sr, ok := stateTracker.GetResult(id); ok {
			result = &sr
		}
		data, err := align.FootprintGeoJSON(id, points, result)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeBytes(w, "application/geo+json", data)
	})

	// Default route serves an HTML page embedding the SVG preview
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = fmt.Fprint(w, `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>pose-refine</title>
<style>
*{margin:0;padding:0;box-sizing:border-box}
html,body{width:100%;height:100%;overflow:hidden;background:#fff}
img{display:block;width:100vw;height:100vh;object-fit:contain}
</style>
</head>
<body>
<img src="/preview.svg" alt="Registration preview">
</body>
</html>`)
	})

	// Wrap mux with logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		mux.ServeHTTP(w, r)
	})
}

// registrationStatus maps a registration error to an HTTP status. Input the
// loop cannot work with is the client's problem, anything else is ours.
func registrationStatus(err error) int {
	switch icp.KindOf(err) {
	case icp.KindInvalidInput, icp.KindDegenerate:
		return http.StatusUnprocessableEntity
	}
	if errors.Is(err, icp.ErrEmptyCloud) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func renderConfig(config *align.Config) align.RenderConfig {
	if config == nil {
		return align.RenderConfig{}
	}
	return config.Render
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func writeBytes(w http.ResponseWriter, contentType string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")
	if _, err := w.Write(data); err != nil {
		log.Printf("Error writing %s response: %v", contentType, err)
	}
}
