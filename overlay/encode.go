package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"math"
	"time"

	"github.com/paulmach/orb"

	"github.com/stebubu/venezia/raster"
)

// defaultOpacity follows the map viewer convention of letting the base map
// show through the data layer.
const defaultOpacity = 0.7

// Encode colors a display-grid tile and serializes it to PNG. The stretch
// range comes from the params, or from the tile's own statistics when the
// params leave it unset. Nodata pixels encode as fully transparent. Encoding
// is deterministic: identical tile and params always produce byte-identical
// output.
func Encode(tile *raster.Tile, crs string, p RenderParams) (*Overlay, error) {
	cm, err := ColormapByName(p.Colormap)
	if err != nil {
		return nil, err
	}

	vmin, vmax := p.Min, p.Max
	if vmin == vmax {
		stats := tile.Stats()
		vmin, vmax = stats.Min, stats.Max
	}
	span := vmax - vmin
	if span <= 0 || math.IsNaN(span) {
		span = 1
	}

	opacity := p.Opacity
	if opacity <= 0 {
		opacity = defaultOpacity
	}
	alpha := uint8(math.Round(clampFloat(opacity, 0, 1) * 255))

	img := image.NewNRGBA(image.Rect(0, 0, tile.Width, tile.Height))
	for row := 0; row < tile.Height; row++ {
		for col := 0; col < tile.Width; col++ {
			v := tile.Data[row*tile.Width+col]
			if math.IsNaN(v) {
				continue // zero value is fully transparent
			}
			c := cm((v - vmin) / span)
			c.A = alpha
			img.SetNRGBA(col, row, c)
		}
	}

	return encodeImage(img, tile.Bounds, crs)
}

// Transparent returns a fully transparent overlay covering bounds, the
// placeholder for viewports that miss the dataset entirely.
func Transparent(bounds orb.Bound, width, height int, crs string) (*Overlay, error) {
	return encodeImage(image.NewNRGBA(image.Rect(0, 0, width, height)), bounds, crs)
}

func encodeImage(img *image.NRGBA, bounds orb.Bound, crs string) (*Overlay, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.DefaultCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding overlay png: %w", err)
	}
	return &Overlay{
		PNG:       buf.Bytes(),
		Bounds:    bounds,
		CRS:       crs,
		CreatedAt: time.Now(),
	}, nil
}
