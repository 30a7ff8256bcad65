// Package overlay turns extracted raster windows into cacheable, display-ready
// map image overlays: reprojection to the display CRS, resampling to the
// viewport pixel grid, color mapping and PNG encoding.
package overlay

import (
	"fmt"
	"time"

	"github.com/paulmach/orb"
)

// ViewportRequest describes what the map client wants rendered: a geographic
// box in the display CRS and the pixel grid to fill. It is a read-only value
// created per display refresh.
type ViewportRequest struct {
	// Bounds is the visible geographic box in CRS.
	Bounds orb.Bound
	// CRS is the display coordinate reference system, e.g. "EPSG:4326".
	CRS string
	// Width and Height are the target overlay dimensions in pixels.
	Width  int
	Height int
	// Band selects the raster band to render (0-based).
	Band int

	Params RenderParams
}

// RenderParams carries the presentation knobs applied by the encoder.
type RenderParams struct {
	// Colormap names the color ramp; empty means the default ramp.
	Colormap string
	// Min and Max stretch the data range onto the ramp. When equal (e.g.
	// both zero) the stretch is derived from the window's own statistics.
	Min float64
	Max float64
	// Opacity in (0, 1]; zero means the default.
	Opacity float64
	// Resampling overrides the method chosen from the data type.
	Resampling Method
}

// Overlay is an encoded image plus the geographic box to place it at. It is
// immutable once produced and shared read-only between cache waiters.
type Overlay struct {
	PNG       []byte
	Bounds    orb.Bound
	CRS       string
	CreatedAt time.Time
}

// Size implements ccache.Sized so the overlay cache can enforce a byte
// budget instead of a bare entry count.
func (o *Overlay) Size() int64 {
	return int64(len(o.PNG)) + 64
}

// keyQuantum is the tolerance applied to viewport coordinates before they
// enter the cache key, so pans smaller than the quantum reuse the cached
// overlay instead of forcing a re-render.
const keyQuantum = "%.7f"

// Key derives the deterministic cache key for a request. Requests identical
// up to the coordinate quantum always map to the same key.
func Key(datasetURI string, req ViewportRequest) string {
	b := req.Bounds
	p := req.Params
	return fmt.Sprintf("%s|"+keyQuantum+","+keyQuantum+","+keyQuantum+","+keyQuantum+"|%s|%dx%d|b%d|%s|%g:%g|%.3f|%s",
		datasetURI,
		b.Min[0], b.Min[1], b.Max[0], b.Max[1],
		req.CRS, req.Width, req.Height, req.Band,
		p.Colormap, p.Min, p.Max, p.Opacity, p.Resampling)
}
