package raster

import (
	"context"
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// windowPad is the margin, in pixels, added around every extraction window so
// resampling kernels have real neighbors at viewport edges.
const windowPad = 1

// PixelWindow is a pixel-space rectangle on one resolution level, derived by
// inverting the dataset geotransform for a requested geographic box.
type PixelWindow struct {
	Level  int
	Col    int
	Row    int
	Width  int
	Height int
}

// Tile is an extracted window of pixels for a single band. Data is row-major
// with NaN for nodata. Bounds is the geographic footprint of the pixel grid
// in the dataset's CRS.
type Tile struct {
	Data   []float64
	Width  int
	Height int
	Bounds orb.Bound
}

// Res returns the ground size of one tile pixel.
func (t *Tile) Res() (x, y float64) {
	return (t.Bounds.Max[0] - t.Bounds.Min[0]) / float64(t.Width),
		(t.Bounds.Max[1] - t.Bounds.Min[1]) / float64(t.Height)
}

// At returns the sample at (col, row). Out-of-grid positions are NaN.
func (t *Tile) At(col, row int) float64 {
	if col < 0 || col >= t.Width || row < 0 || row >= t.Height {
		return math.NaN()
	}
	return t.Data[row*t.Width+col]
}

// Stats summarizes the valid samples of a tile.
type Stats struct {
	Min, Max, Mean, StdDev float64
	Valid                  int
}

// Stats computes min/max/mean/stddev over the non-nodata samples.
func (t *Tile) Stats() Stats {
	s := Stats{Min: math.Inf(1), Max: math.Inf(-1)}
	var sum, sumSq float64
	for _, v := range t.Data {
		if math.IsNaN(v) {
			continue
		}
		s.Valid++
		sum += v
		sumSq += v * v
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
	}
	if s.Valid == 0 {
		return Stats{Min: math.NaN(), Max: math.NaN(), Mean: math.NaN(), StdDev: math.NaN()}
	}
	s.Mean = sum / float64(s.Valid)
	variance := sumSq/float64(s.Valid) - s.Mean*s.Mean
	if variance > 0 {
		s.StdDev = math.Sqrt(variance)
	}
	return s
}

// Window computes the padded pixel window covering view at the resolution
// level best matching a target output grid of targetWidth pixels. It fails
// with ErrOutOfBounds when view does not intersect the dataset extent;
// no data is read.
func (d *Dataset) Window(view orb.Bound, targetWidth, targetHeight int) (PixelWindow, error) {
	if !view.Intersects(d.bounds) {
		return PixelWindow{}, fmt.Errorf("%w: viewport %v does not intersect extent %v", ErrOutOfBounds, view, d.bounds)
	}

	targetResX := (view.Max[0] - view.Min[0]) / float64(targetWidth)
	targetResY := (view.Max[1] - view.Min[1]) / float64(targetHeight)
	levelIdx := d.levelFor(targetResX, targetResY)
	lv := &d.levels[levelIdx]

	clip := clipBound(view, d.bounds)

	col0 := int(math.Floor((clip.Min[0]-d.originX)/lv.resX)) - windowPad
	col1 := int(math.Ceil((clip.Max[0]-d.originX)/lv.resX)) + windowPad
	row0 := int(math.Floor((d.originY-clip.Max[1])/lv.resY)) - windowPad
	row1 := int(math.Ceil((d.originY-clip.Min[1])/lv.resY)) + windowPad

	col0 = max(col0, 0)
	row0 = max(row0, 0)
	col1 = min(col1, lv.width)
	row1 = min(row1, lv.height)
	if col1 <= col0 || row1 <= row0 {
		return PixelWindow{}, fmt.Errorf("%w: viewport %v resolves to an empty window", ErrOutOfBounds, view)
	}

	return PixelWindow{
		Level:  levelIdx,
		Col:    col0,
		Row:    row0,
		Width:  col1 - col0,
		Height: row1 - row0,
	}, nil
}

// levelFor picks the coarsest overview that still resolves the requested
// output grid, so zoomed-out viewports read a handful of overview tiles
// instead of thousands of full-resolution ones.
func (d *Dataset) levelFor(targetResX, targetResY float64) int {
	best := 0
	for i := 1; i < len(d.levels); i++ {
		lv := &d.levels[i]
		if lv.resX <= targetResX && lv.resY <= targetResY {
			best = i
		}
	}
	return best
}

// Extract reads the pixels of one band covering view, at the resolution level
// matched to the target output grid. Only the TIFF tiles overlapping the
// window are fetched from the source.
func (d *Dataset) Extract(ctx context.Context, view orb.Bound, targetWidth, targetHeight, band int) (*Tile, error) {
	d.acquire()
	defer d.release()

	if targetWidth <= 0 || targetHeight <= 0 {
		return nil, fmt.Errorf("invalid target size %dx%d", targetWidth, targetHeight)
	}
	if band < 0 || band >= d.bands {
		return nil, fmt.Errorf("band %d out of range (%d bands)", band, d.bands)
	}

	win, err := d.Window(view, targetWidth, targetHeight)
	if err != nil {
		return nil, err
	}
	lv := &d.levels[win.Level]

	out := &Tile{
		Data:   make([]float64, win.Width*win.Height),
		Width:  win.Width,
		Height: win.Height,
		Bounds: orb.Bound{
			Min: orb.Point{
				d.originX + float64(win.Col)*lv.resX,
				d.originY - float64(win.Row+win.Height)*lv.resY,
			},
			Max: orb.Point{
				d.originX + float64(win.Col+win.Width)*lv.resX,
				d.originY - float64(win.Row)*lv.resY,
			},
		},
	}

	tileCol0 := win.Col / lv.tileWidth
	tileCol1 := (win.Col + win.Width - 1) / lv.tileWidth
	tileRow0 := win.Row / lv.tileLength
	tileRow1 := (win.Row + win.Height - 1) / lv.tileLength

	for tr := tileRow0; tr <= tileRow1; tr++ {
		for tc := tileCol0; tc <= tileCol1; tc++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			samples, err := d.getTile(ctx, win.Level, tr*lv.tilesAcross+tc)
			if err != nil {
				return nil, err
			}
			d.copyTilePortion(out, win, lv, samples, tc, tr, band)
		}
	}
	return out, nil
}

// copyTilePortion copies the overlap between one TIFF tile and the window
// into the output buffer, selecting a single band from the interleaved
// samples.
func (d *Dataset) copyTilePortion(out *Tile, win PixelWindow, lv *level, samples []float64, tileCol, tileRow, band int) {
	// tile extent in level pixel coordinates
	tx0 := tileCol * lv.tileWidth
	ty0 := tileRow * lv.tileLength

	c0 := max(win.Col, tx0)
	c1 := min(win.Col+win.Width, tx0+lv.tileWidth)
	r0 := max(win.Row, ty0)
	r1 := min(win.Row+win.Height, ty0+lv.tileLength)

	for r := r0; r < r1; r++ {
		srcRow := (r - ty0) * lv.tileWidth
		dstRow := (r - win.Row) * win.Width
		for c := c0; c < c1; c++ {
			out.Data[dstRow+(c-win.Col)] = samples[(srcRow+(c-tx0))*d.bands+band]
		}
	}
}

// clipBound intersects two bounds. Callers must ensure they intersect.
func clipBound(a, b orb.Bound) orb.Bound {
	return orb.Bound{
		Min: orb.Point{math.Max(a.Min[0], b.Min[0]), math.Max(a.Min[1], b.Min[1])},
		Max: orb.Point{math.Min(a.Max[0], b.Max[0]), math.Min(a.Max[1], b.Max[1])},
	}
}
