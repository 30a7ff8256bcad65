package overlay

import (
	"fmt"
	"math"
	"strings"

	"github.com/paulmach/orb"
	"github.com/twpayne/go-proj/v10"

	"github.com/stebubu/venezia/raster"
)

// Method selects the resampling kernel.
type Method int

const (
	// MethodAuto picks nearest for integer (categorical) data and bilinear
	// for floating point data.
	MethodAuto Method = iota
	MethodNearest
	MethodBilinear
	MethodCubic
)

func (m Method) String() string {
	switch m {
	case MethodNearest:
		return "nearest"
	case MethodBilinear:
		return "bilinear"
	case MethodCubic:
		return "cubic"
	default:
		return "auto"
	}
}

// ParseMethod parses a resampling method name. The empty string is
// MethodAuto.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return MethodAuto, nil
	case "nearest":
		return MethodNearest, nil
	case "bilinear":
		return MethodBilinear, nil
	case "cubic":
		return MethodCubic, nil
	default:
		return MethodAuto, fmt.Errorf("unknown resampling method %q", s)
	}
}

// sameCRS reports whether two CRS identifiers name the same system.
func sameCRS(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// newTransform builds a normalized CRS-to-CRS transform whose coordinates
// are always in x,y (easting,northing / lon,lat) order on both sides,
// regardless of the authority's axis convention.
func newTransform(fromCRS, toCRS string) (*proj.PJ, error) {
	pj, err := proj.NewCRSToCRS(fromCRS, toCRS, nil)
	if err != nil {
		return nil, fmt.Errorf("creating transform %s -> %s: %w", fromCRS, toCRS, err)
	}
	normalized, err := pj.NormalizeForVisualization()
	if err != nil {
		return nil, fmt.Errorf("normalizing transform %s -> %s: %w", fromCRS, toCRS, err)
	}
	return normalized, nil
}

// TransformBounds converts a bounding box between CRSs, densifying the edges
// so curved projections do not clip the result.
func TransformBounds(fromCRS, toCRS string, b orb.Bound) (orb.Bound, error) {
	if sameCRS(fromCRS, toCRS) {
		return b, nil
	}
	pj, err := newTransform(fromCRS, toCRS)
	if err != nil {
		return orb.Bound{}, err
	}

	const edgePoints = 8
	flat := make([]float64, 0, 2*4*edgePoints)
	coords := make([][]float64, 0, 4*edgePoints)
	for i := 0; i <= edgePoints; i++ {
		t := float64(i) / edgePoints
		x := b.Min[0] + t*(b.Max[0]-b.Min[0])
		y := b.Min[1] + t*(b.Max[1]-b.Min[1])
		flat = append(flat,
			x, b.Min[1],
			x, b.Max[1],
			b.Min[0], y,
			b.Max[0], y,
		)
	}
	for i := 0; i < len(flat); i += 2 {
		coords = append(coords, flat[i:i+2])
	}
	if err := pj.ForwardFloat64Slices(coords); err != nil {
		return orb.Bound{}, fmt.Errorf("transforming bounds: %w", err)
	}

	out := orb.Bound{
		Min: orb.Point{math.Inf(1), math.Inf(1)},
		Max: orb.Point{math.Inf(-1), math.Inf(-1)},
	}
	for _, c := range coords {
		if math.IsInf(c[0], 0) || math.IsInf(c[1], 0) || math.IsNaN(c[0]) || math.IsNaN(c[1]) {
			continue
		}
		out = out.Extend(orb.Point{c[0], c[1]})
	}
	if out.Min[0] > out.Max[0] {
		return orb.Bound{}, fmt.Errorf("bounds %v do not transform into %s", b, toCRS)
	}
	return out, nil
}

// Resample projects a source-CRS tile onto the display pixel grid. Every
// output pixel center is inverse-mapped into the source raster and sampled
// with the requested kernel. When source and display CRS are identical the
// mapping is a pure affine scale and no projection machinery is involved.
// Nodata never bleeds through interpolation: kernels fall back to nearest
// rather than mix NaN neighbors into valid output.
func Resample(tile *raster.Tile, srcCRS, dstCRS string, dstBounds orb.Bound, width, height int, method Method) (*raster.Tile, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid output size %dx%d", width, height)
	}
	if method == MethodAuto {
		method = MethodBilinear
	}

	dstResX := (dstBounds.Max[0] - dstBounds.Min[0]) / float64(width)
	dstResY := (dstBounds.Max[1] - dstBounds.Min[1]) / float64(height)

	// Output pixel centers in display coordinates, row-major.
	flat := make([]float64, 2*width*height)
	coords := make([][]float64, width*height)
	for row := 0; row < height; row++ {
		y := dstBounds.Max[1] - (float64(row)+0.5)*dstResY
		for col := 0; col < width; col++ {
			i := row*width + col
			flat[2*i] = dstBounds.Min[0] + (float64(col)+0.5)*dstResX
			flat[2*i+1] = y
			coords[i] = flat[2*i : 2*i+2]
		}
	}

	if !sameCRS(srcCRS, dstCRS) {
		pj, err := newTransform(dstCRS, srcCRS)
		if err != nil {
			return nil, err
		}
		if err := pj.ForwardFloat64Slices(coords); err != nil {
			return nil, fmt.Errorf("projecting viewport grid: %w", err)
		}
	}

	srcResX, srcResY := tile.Res()
	out := &raster.Tile{
		Data:   make([]float64, width*height),
		Width:  width,
		Height: height,
		Bounds: dstBounds,
	}
	for i, c := range coords {
		fx := (c[0]-tile.Bounds.Min[0])/srcResX - 0.5
		fy := (tile.Bounds.Max[1]-c[1])/srcResY - 0.5
		out.Data[i] = sample(tile, fx, fy, method)
	}
	return out, nil
}

// sample evaluates one kernel at fractional pixel position (fx, fy).
func sample(tile *raster.Tile, fx, fy float64, method Method) float64 {
	if math.IsNaN(fx) || math.IsNaN(fy) {
		return math.NaN()
	}
	// Beyond half a pixel outside the grid there is nothing to sample.
	if fx < -0.5 || fx > float64(tile.Width)-0.5 || fy < -0.5 || fy > float64(tile.Height)-0.5 {
		return math.NaN()
	}

	switch method {
	case MethodCubic:
		if v := sampleCubic(tile, fx, fy); !math.IsNaN(v) {
			return v
		}
		fallthrough
	case MethodBilinear:
		if v := sampleBilinear(tile, fx, fy); !math.IsNaN(v) {
			return v
		}
		fallthrough
	default:
		return sampleNearest(tile, fx, fy)
	}
}

func sampleNearest(tile *raster.Tile, fx, fy float64) float64 {
	col := clampInt(int(math.Round(fx)), 0, tile.Width-1)
	row := clampInt(int(math.Round(fy)), 0, tile.Height-1)
	return tile.At(col, row)
}

// sampleBilinear interpolates the 2x2 neighborhood. Any nodata neighbor
// poisons the result so the caller falls back to nearest.
func sampleBilinear(tile *raster.Tile, fx, fy float64) float64 {
	x0 := clampInt(int(math.Floor(fx)), 0, tile.Width-1)
	y0 := clampInt(int(math.Floor(fy)), 0, tile.Height-1)
	x1 := clampInt(x0+1, 0, tile.Width-1)
	y1 := clampInt(y0+1, 0, tile.Height-1)

	dx := clampFloat(fx-float64(x0), 0, 1)
	dy := clampFloat(fy-float64(y0), 0, 1)

	v00 := tile.At(x0, y0)
	v10 := tile.At(x1, y0)
	v01 := tile.At(x0, y1)
	v11 := tile.At(x1, y1)

	top := v00*(1-dx) + v10*dx
	bot := v01*(1-dx) + v11*dx
	return top*(1-dy) + bot*dy
}

// sampleCubic evaluates a Catmull-Rom spline over the 4x4 neighborhood. As
// with bilinear, any nodata neighbor yields NaN.
func sampleCubic(tile *raster.Tile, fx, fy float64) float64 {
	x1 := int(math.Floor(fx))
	y1 := int(math.Floor(fy))
	dx := fx - float64(x1)
	dy := fy - float64(y1)

	var rows [4]float64
	for j := range 4 {
		y := clampInt(y1-1+j, 0, tile.Height-1)
		var pts [4]float64
		for i := range 4 {
			x := clampInt(x1-1+i, 0, tile.Width-1)
			pts[i] = tile.At(x, y)
		}
		rows[j] = catmullRom(pts, dx)
	}
	return catmullRom(rows, dy)
}

func catmullRom(p [4]float64, t float64) float64 {
	return p[1] + 0.5*t*(p[2]-p[0]+t*(2*p[0]-5*p[1]+4*p[2]-p[3]+t*(3*(p[1]-p[2])+p[3]-p[0])))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
