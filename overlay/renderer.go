package overlay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/stebubu/venezia/raster"
)

var renderDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "venezia_overlay_render_duration_seconds",
	Help:    "Time spent extracting, resampling and encoding one overlay",
	Buckets: []float64{0.01, 0.05, 0.1, 0.3, 0.6, 1, 3, 6},
})

// Renderer drives the full pipeline: resolve dataset, extract the viewport
// window, reproject and resample onto the display grid, colorize and encode,
// all behind the overlay cache.
type Renderer struct {
	resolver   *raster.Resolver
	cache      *Cache
	displayCRS string
	method     Method
	logger     *slog.Logger
}

// NewRenderer wires a renderer. displayCRS is the default CRS for requests
// that leave it empty; method is the operator-configured resampling override
// (MethodAuto defers to the dataset's data type).
func NewRenderer(resolver *raster.Resolver, cache *Cache, displayCRS string, method Method, logger *slog.Logger) *Renderer {
	if displayCRS == "" {
		displayCRS = "EPSG:4326"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{
		resolver:   resolver,
		cache:      cache,
		displayCRS: displayCRS,
		method:     method,
		logger:     logger,
	}
}

// Render returns the overlay for one dataset and viewport. Identical
// requests are served from the cache; concurrent identical requests share
// one computation. A viewport that misses the dataset entirely fails with
// raster.ErrOutOfBounds, which callers may answer with a transparent
// placeholder (see Transparent).
func (r *Renderer) Render(ctx context.Context, datasetURI string, req ViewportRequest) (*Overlay, error) {
	if req.CRS == "" {
		req.CRS = r.displayCRS
	}
	if req.Width <= 0 || req.Height <= 0 {
		return nil, fmt.Errorf("invalid viewport size %dx%d", req.Width, req.Height)
	}

	key := Key(datasetURI, req)
	return r.cache.GetOrCompute(ctx, key, func(renderCtx context.Context) (*Overlay, error) {
		// The render runs on the flight's detached context: the extraction
		// must keep going for attached waiters even when the caller that
		// started it abandons its viewport.
		return r.render(renderCtx, datasetURI, req)
	})
}

func (r *Renderer) render(ctx context.Context, datasetURI string, req ViewportRequest) (*Overlay, error) {
	start := time.Now()
	defer func() {
		renderDuration.Observe(time.Since(start).Seconds())
	}()

	ds, err := r.resolver.Open(ctx, datasetURI)
	if err != nil {
		return nil, err
	}

	srcBounds, err := TransformBounds(req.CRS, ds.CRS(), req.Bounds)
	if err != nil {
		return nil, err
	}

	tile, err := ds.Extract(ctx, srcBounds, req.Width, req.Height, req.Band)
	if err != nil {
		return nil, err
	}

	method := req.Params.Resampling
	if method == MethodAuto {
		method = r.method
	}
	if method == MethodAuto {
		if ds.Continuous() {
			method = MethodBilinear
		} else {
			method = MethodNearest
		}
	}

	resampled, err := Resample(tile, ds.CRS(), req.CRS, req.Bounds, req.Width, req.Height, method)
	if err != nil {
		return nil, err
	}

	ov, err := Encode(resampled, req.CRS, req.Params)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("rendered overlay",
		"dataset", datasetURI,
		"bounds", req.Bounds,
		"size", fmt.Sprintf("%dx%d", req.Width, req.Height),
		"method", method.String(),
		"bytes", len(ov.PNG),
		"duration", time.Since(start),
	)
	return ov, nil
}

// ValueAt reports the raw raster value under a display-CRS coordinate, for
// the map client's pixel identification.
func (r *Renderer) ValueAt(ctx context.Context, datasetURI string, x, y float64, band int) (float64, error) {
	ds, err := r.resolver.Open(ctx, datasetURI)
	if err != nil {
		return 0, err
	}
	if !sameCRS(r.displayCRS, ds.CRS()) {
		pj, err := newTransform(r.displayCRS, ds.CRS())
		if err != nil {
			return 0, err
		}
		coord := [][]float64{{x, y}}
		if err := pj.ForwardFloat64Slices(coord); err != nil {
			return 0, err
		}
		x, y = coord[0][0], coord[0][1]
	}
	return ds.ValueAt(ctx, x, y, band)
}
