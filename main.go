// main.go
package main

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/stebubu/venezia/overlay"
	"github.com/stebubu/venezia/raster"
)

const appName = "venezia"

//go:embed static
var staticFS embed.FS

var (
	httpAPIServer     *http.Server
	httpMetricsServer *http.Server
)

// Config holds all configuration for the application, loaded from environment variables.
type Config struct {
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"INFO"`
	HTTPPort        int           `env:"HTTP_PORT" envDefault:"8080"`
	HTTPMetricsPort int           `env:"METRICS_PORT" envDefault:"8888"`
	BucketURL       string        `env:"BUCKET_URL"`
	BucketPrefix    string        `env:"BUCKET_PREFIX"`
	CacheMaxBytes   int64         `env:"CACHE_MAX_BYTES" envDefault:"268435456"`
	CacheTTL        time.Duration `env:"CACHE_TTL" envDefault:"0"`
	DatasetHandles  int           `env:"DATASET_CACHE_SIZE" envDefault:"32"`
	RetryAttempts   int           `env:"RETRY_ATTEMPTS" envDefault:"3"`
	RetryBaseDelay  time.Duration `env:"RETRY_BASE_DELAY" envDefault:"200ms"`
	Resampling      string        `env:"RESAMPLING"`
	DisplayCRS      string        `env:"DISPLAY_CRS" envDefault:"EPSG:4326"`
}

type Server struct {
	renderer *overlay.Renderer
	cfg      Config
	logger   *slog.Logger
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		fmt.Printf("failed to parse config: %+v\n", err)
		os.Exit(1)
	}

	logger := createLogger(cfg, appName)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	g, ctx := errgroup.WithContext(ctx)

	method, err := overlay.ParseMethod(cfg.Resampling)
	if err != nil {
		logger.Error("invalid RESAMPLING, shutting down", "error", err)
		os.Exit(1)
	}

	resolver, err := raster.NewResolver(cfg.DatasetHandles, raster.SourceOptions{
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
	})
	if err != nil {
		logger.Error("failed to initialize dataset resolver, shutting down", "error", err)
		os.Exit(1)
	}
	defer resolver.Close()

	logger.Info("configuring overlay cache", "max_bytes", cfg.CacheMaxBytes, "ttl", cfg.CacheTTL)
	cache := overlay.NewCache(cfg.CacheMaxBytes, cfg.CacheTTL)

	srv := &Server{
		renderer: overlay.NewRenderer(resolver, cache, cfg.DisplayCRS, method, logger),
		cfg:      cfg,
		logger:   logger,
	}

	// HTTP Metrics Server (Prometheus)
	g.Go(func() error {
		return startMetricsServer(logger, cfg)
	})

	// HTTP API & Web UI Server
	g.Go(func() error {
		return startAPIServer(logger, cfg, srv)
	})

	// Wait for termination signal or an error from one of the services
	select {
	case <-interrupt:
		slog.Warn("received termination signal, starting graceful shutdown")
		cancel()
	case <-ctx.Done():
		slog.Warn("context cancelled, starting graceful shutdown")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if httpMetricsServer != nil {
		if err := httpMetricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP metrics server shutdown error", "error", err)
		}
	}
	if httpAPIServer != nil {
		if err := httpAPIServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP API server shutdown error", "error", err)
		}
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server group returned an error", "error", err)
		os.Exit(2)
	}
}

func startMetricsServer(logger *slog.Logger, cfg Config) error {
	addr := fmt.Sprintf(":%d", cfg.HTTPMetricsPort)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	httpMetricsServer = &http.Server{Addr: addr, Handler: mux}
	logger.Info("HTTP metrics server listening", "address", addr)

	if err := httpMetricsServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP metrics server failed: %w", err)
	}
	return nil
}

func startAPIServer(logger *slog.Logger, cfg Config, srv *Server) error {
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	mux := http.NewServeMux()

	mux.HandleFunc("/overlay", srv.overlayHandler)
	mux.HandleFunc("/value/", srv.valueHandler)
	mux.HandleFunc("/datasets", srv.datasetsHandler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Handle embedded Web UI
	contentFS, err := fs.Sub(staticFS, "static")
	if err != nil {
		return fmt.Errorf("failed to create sub-filesystem for web UI: %w", err)
	}
	mux.Handle("/", http.FileServer(http.FS(contentFS)))

	httpAPIServer = &http.Server{Addr: addr, Handler: mux}
	logger.Info("HTTP API server listening", "address", addr)

	if err := httpAPIServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP API server failed: %w", err)
	}
	return nil
}

// overlayHandler serves GET /overlay?dataset=...&bbox=minLon,minLat,maxLon,maxLat&width=..&height=..
// The rendered PNG is returned with its placement box in the X-Overlay-Bounds
// header, ready for a map client's image overlay layer.
func (s *Server) overlayHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	dataset := q.Get("dataset")
	if dataset == "" {
		http.Error(w, "missing dataset parameter", http.StatusBadRequest)
		return
	}

	bounds, err := parseBBox(q.Get("bbox"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	req := overlay.ViewportRequest{
		Bounds: bounds,
		CRS:    q.Get("crs"),
		Width:  intParam(q.Get("width"), 256),
		Height: intParam(q.Get("height"), 256),
		Band:   intParam(q.Get("band"), 0),
	}
	req.Params.Colormap = q.Get("colormap")
	req.Params.Min = floatParam(q.Get("vmin"), 0)
	req.Params.Max = floatParam(q.Get("vmax"), 0)
	req.Params.Opacity = floatParam(q.Get("opacity"), 0)
	if req.Params.Resampling, err = overlay.ParseMethod(q.Get("resampling")); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ov, err := s.renderer.Render(r.Context(), dataset, req)
	if errors.Is(err, raster.ErrOutOfBounds) {
		// Recoverable: the viewport misses the dataset, serve a transparent
		// placeholder so the map keeps panning smoothly.
		crs := req.CRS
		if crs == "" {
			crs = s.cfg.DisplayCRS
		}
		if ov, err = overlay.Transparent(bounds, req.Width, req.Height, crs); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	} else if err != nil {
		s.writeError(w, dataset, err)
		return
	}

	b := ov.Bounds
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Overlay-Bounds", fmt.Sprintf("%f,%f,%f,%f", b.Min[0], b.Min[1], b.Max[0], b.Max[1]))
	w.Write(ov.PNG)
}

// valueHandler serves GET /value/{lat}/{lon}?dataset=... for the map
// client's pixel identification.
func (s *Server) valueHandler(w http.ResponseWriter, r *http.Request) {
	pathParts := strings.Split(strings.TrimPrefix(r.URL.Path, "/value/"), "/")
	if len(pathParts) != 2 {
		http.Error(w, "Invalid URL format", http.StatusBadRequest)
		return
	}
	lat, err := strconv.ParseFloat(pathParts[0], 64)
	if err != nil {
		http.Error(w, "Invalid latitude", http.StatusBadRequest)
		return
	}
	lng, err := strconv.ParseFloat(pathParts[1], 64)
	if err != nil {
		http.Error(w, "Invalid longitude", http.StatusBadRequest)
		return
	}
	dataset := r.URL.Query().Get("dataset")
	if dataset == "" {
		http.Error(w, "missing dataset parameter", http.StatusBadRequest)
		return
	}

	value, err := s.renderer.ValueAt(r.Context(), dataset, lng, lat, intParam(r.URL.Query().Get("band"), 0))
	if errors.Is(err, raster.ErrOutOfBounds) {
		http.Error(w, "coordinates are outside the dataset bounds", http.StatusNotFound)
		return
	}
	if err != nil {
		s.writeError(w, dataset, err)
		return
	}

	response := map[string]interface{}{"latitude": lat, "longitude": lng, "value": value}
	if math.IsNaN(value) {
		response["value"] = nil
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// datasetsHandler lists the raster objects available in the configured
// bucket.
func (s *Server) datasetsHandler(w http.ResponseWriter, r *http.Request) {
	if s.cfg.BucketURL == "" {
		http.Error(w, "no bucket configured", http.StatusNotFound)
		return
	}
	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		prefix = s.cfg.BucketPrefix
	}
	uris, err := raster.ListDatasets(r.Context(), s.cfg.BucketURL, prefix)
	if err != nil {
		s.writeError(w, s.cfg.BucketURL, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"datasets": uris})
}

// writeError maps the typed failures onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, dataset string, err error) {
	switch {
	case errors.Is(err, raster.ErrUnsupportedFormat):
		s.logger.Warn("unsupported dataset", "dataset", dataset, "error", err)
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, raster.ErrSourceUnavailable):
		s.logger.Error("source unavailable", "dataset", dataset, "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, err.Error(), 499)
	default:
		s.logger.Error("request failed", "dataset", dataset, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func parseBBox(s string) (orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("bbox must be minLon,minLat,maxLon,maxLat")
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("invalid bbox component %q", p)
		}
		vals[i] = v
	}
	if vals[0] >= vals[2] || vals[1] >= vals[3] {
		return orb.Bound{}, fmt.Errorf("bbox min must be strictly below max")
	}
	return orb.Bound{Min: orb.Point{vals[0], vals[1]}, Max: orb.Point{vals[2], vals[3]}}, nil
}

func intParam(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func floatParam(s string, def float64) float64 {
	if s == "" {
		return def
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return v
}

func createLogger(cfg Config, appName string) *slog.Logger {
	var programLevel slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		programLevel = slog.LevelDebug
	case "INFO":
		programLevel = slog.LevelInfo
	case "WARN":
		programLevel = slog.LevelWarn
	case "ERROR":
		programLevel = slog.LevelError
	default:
		programLevel = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     programLevel,
		AddSource: programLevel <= slog.LevelDebug,
	}).WithAttrs([]slog.Attr{slog.String("app", appName)})
	return slog.New(handler)
}
