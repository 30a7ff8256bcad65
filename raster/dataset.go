package raster

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/karlseguin/ccache/v3"
	"github.com/paulmach/orb"
	"golang.org/x/image/tiff/lzw"
	"golang.org/x/sync/singleflight"
)

// level describes one resolution level of a COG: the full image for the
// first IFD, overviews for the rest.
type level struct {
	width, height         int
	tileWidth, tileLength int
	tilesAcross, tilesDown int
	tileOffsets    []uint64
	tileByteCounts []uint64
	// ground units per pixel at this level
	resX, resY float64
}

// Dataset is an open raster with its geospatial metadata. Opening reads only
// header structures; pixel bytes move exclusively through Extract and
// ValueAt. A Dataset is immutable after open and safe for concurrent use.
type Dataset struct {
	uri       string
	src       Source
	byteOrder binary.ByteOrder

	levels []level

	// geotransform of the full-resolution level, north-up only
	originX, originY float64
	resX, resY       float64

	bounds orb.Bound
	epsg   int

	bands         int
	bitsPerSample uint16
	sampleFormat  uint16
	compression   uint16
	predictor     uint16

	nodata    float64
	hasNodata bool

	// tileCache holds decoded tiles as []float64 slices so repeated
	// viewports over the same area skip both the range read and the
	// decompression. Entries are keyed by level and tile index.
	tileCache *ccache.Cache[[]float64]

	// inflight collapses concurrent fetches of the same tile into one
	// range read.
	inflight singleflight.Group

	// mu guards the close lifecycle. The handle cache hands out shared
	// pointers, so eviction may retire a dataset while a request is still
	// reading from it; the source closes only once those reads drain.
	mu      sync.Mutex
	active  int
	retired bool
	closed  bool
}

const (
	tileCacheTTL     = 10 * time.Minute
	tileCacheEntries = 256
	tileCachePrune   = 16
)

// Open resolves uri to a source and reads the dataset's metadata. No pixel
// data is transferred.
func Open(ctx context.Context, uri string, opts SourceOptions) (*Dataset, error) {
	src, err := OpenSource(ctx, uri, opts)
	if err != nil {
		return nil, err
	}
	d, err := newDataset(src, uri)
	if err != nil {
		src.Close()
		return nil, err
	}
	return d, nil
}

func newDataset(src Source, uri string) (*Dataset, error) {
	dirs, header, err := readIFDs(src)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read tiff structure of %s: %v", ErrUnsupportedFormat, uri, err)
	}

	d := &Dataset{
		uri:       uri,
		src:       src,
		byteOrder: header.byteOrder,
		tileCache: ccache.New(ccache.Configure[[]float64]().MaxSize(tileCacheEntries).ItemsToPrune(tileCachePrune)),
	}

	base := dirs[0]
	if err := d.readSampleLayout(base); err != nil {
		return nil, err
	}
	if err := d.readGeoreferencing(base); err != nil {
		return nil, err
	}

	for i, tags := range dirs {
		lv, err := readLevel(tags)
		if err != nil {
			// Overview directories that we cannot serve (masks, striped
			// layouts) are skipped; the base level must parse.
			if i == 0 {
				return nil, err
			}
			continue
		}
		d.levels = append(d.levels, lv)
	}

	baseLv := &d.levels[0]
	baseLv.resX = d.resX
	baseLv.resY = d.resY
	for i := 1; i < len(d.levels); i++ {
		lv := &d.levels[i]
		lv.resX = d.resX * float64(baseLv.width) / float64(lv.width)
		lv.resY = d.resY * float64(baseLv.height) / float64(lv.height)
	}

	width := float64(baseLv.width) * d.resX
	height := float64(baseLv.height) * d.resY
	d.bounds = orb.Bound{
		Min: orb.Point{d.originX, d.originY - height},
		Max: orb.Point{d.originX + width, d.originY},
	}

	return d, nil
}

// readSampleLayout extracts and validates the pixel storage description.
func (d *Dataset) readSampleLayout(tags Tags) error {
	if bps, ok := tags.getUint(BitsPerSample); ok {
		d.bitsPerSample = uint16(bps)
	} else {
		d.bitsPerSample = 32
	}
	if sf, ok := tags.getUint(SampleFormat); ok {
		d.sampleFormat = uint16(sf)
	} else {
		d.sampleFormat = SampleFormatFloat
	}
	if comp, ok := tags.getUint(Compression); ok {
		d.compression = uint16(comp)
	} else {
		d.compression = Uncompressed
	}
	if pred, ok := tags.getUint(Predictor); ok {
		d.predictor = uint16(pred)
	} else {
		d.predictor = PredictorNone
	}
	if spp, ok := tags.getUint(SamplesPerPixel); ok {
		d.bands = int(spp)
	} else {
		d.bands = 1
	}
	if pc, ok := tags.getUint(PlanarConfig); ok && pc != 1 {
		return fmt.Errorf("%w: planar configuration %d", ErrUnsupportedFormat, pc)
	}

	switch d.compression {
	case Uncompressed, DEFLATE, DEFLATEOld, LZW:
	default:
		return fmt.Errorf("%w: compression %d", ErrUnsupportedFormat, d.compression)
	}

	switch {
	case d.sampleFormat == SampleFormatFloat && d.bitsPerSample == 32:
	case d.sampleFormat == SampleFormatInt && (d.bitsPerSample == 16 || d.bitsPerSample == 32):
	case d.sampleFormat == SampleFormatUint && (d.bitsPerSample == 8 || d.bitsPerSample == 16):
	default:
		return fmt.Errorf("%w: sample format %d with %d bits", ErrUnsupportedFormat, d.sampleFormat, d.bitsPerSample)
	}

	if nd, ok := tags[GDALNoData]; ok && nd.asciiData != "" {
		v, err := strconv.ParseFloat(nd.asciiData, 64)
		if err == nil {
			d.nodata = v
			d.hasNodata = true
		}
	}
	return nil
}

// readGeoreferencing extracts the geotransform and the CRS. Both are
// mandatory: a raster without them cannot be placed on a map.
func (d *Dataset) readGeoreferencing(tags Tags) error {
	pixelScale, ok := tags[ModelPixelScale]
	if !ok {
		return fmt.Errorf("%w: missing ModelPixelScale tag", ErrUnsupportedFormat)
	}
	scaleValues, ok := pixelScale.doubleDataValue()
	if !ok || len(scaleValues) < 2 {
		return fmt.Errorf("%w: invalid ModelPixelScale tag", ErrUnsupportedFormat)
	}
	d.resX = math.Abs(scaleValues[0])
	d.resY = math.Abs(scaleValues[1])
	if d.resX == 0 || d.resY == 0 {
		return fmt.Errorf("%w: degenerate pixel scale", ErrUnsupportedFormat)
	}

	tiePointTag, ok := tags[ModelTiepoint]
	if !ok {
		return fmt.Errorf("%w: missing ModelTiepoint tag", ErrUnsupportedFormat)
	}
	tiePointValues, ok := tiePointTag.doubleDataValue()
	if !ok || len(tiePointValues) < 6 {
		return fmt.Errorf("%w: invalid ModelTiepoint tag", ErrUnsupportedFormat)
	}
	tieI, tieJ := tiePointValues[0], tiePointValues[1]
	tieX, tieY := tiePointValues[3], tiePointValues[4]
	// Anchor the upper-left corner from the tie point; the tie pixel is
	// usually (0,0) but does not have to be.
	d.originX = tieX - tieI*d.resX
	d.originY = tieY + tieJ*d.resY

	epsg, err := epsgFromGeoKeys(tags)
	if err != nil {
		return err
	}
	d.epsg = epsg
	return nil
}

// epsgFromGeoKeys pulls the EPSG code out of the GeoTIFF key directory.
// Projected CRS wins over geodetic when both are present.
func epsgFromGeoKeys(tags Tags) (int, error) {
	dir, ok := tags[GeoKeyDirectory]
	if !ok || len(dir.shortData) < 4 {
		return 0, fmt.Errorf("%w: missing GeoKeyDirectory tag", ErrUnsupportedFormat)
	}
	directory := dir.shortData
	numberOfKeys := int(directory[3])
	if len(directory) < 4+4*numberOfKeys {
		return 0, fmt.Errorf("%w: truncated GeoKeyDirectory", ErrUnsupportedFormat)
	}

	var geodetic, projected int
	for i := range numberOfKeys {
		entry := directory[4+4*i : 4+4*(i+1)]
		key, location, value := entry[0], entry[1], entry[3]
		if location != 0 {
			continue
		}
		switch key {
		case geoKeyGeodeticCRS:
			geodetic = int(value)
		case geoKeyProjectedCRS:
			projected = int(value)
		}
	}
	switch {
	case projected != 0 && projected < 32767:
		return projected, nil
	case geodetic != 0 && geodetic < 32767:
		return geodetic, nil
	}
	return 0, fmt.Errorf("%w: no EPSG code in GeoKeyDirectory", ErrUnsupportedFormat)
}

// readLevel builds a level from one directory's tags.
func readLevel(tags Tags) (level, error) {
	var lv level
	if w, ok := tags.getUint(ImageWidth); ok {
		lv.width = int(w)
	} else {
		return lv, fmt.Errorf("%w: missing or invalid tag: ImageWidth", ErrUnsupportedFormat)
	}
	if h, ok := tags.getUint(ImageLength); ok {
		lv.height = int(h)
	} else {
		return lv, fmt.Errorf("%w: missing or invalid tag: ImageLength", ErrUnsupportedFormat)
	}
	if tw, ok := tags.getUint(TileWidth); ok {
		lv.tileWidth = int(tw)
	} else {
		return lv, fmt.Errorf("%w: not tiled (missing TileWidth)", ErrUnsupportedFormat)
	}
	if tl, ok := tags.getUint(TileLength); ok {
		lv.tileLength = int(tl)
	} else {
		return lv, fmt.Errorf("%w: not tiled (missing TileLength)", ErrUnsupportedFormat)
	}
	if offsets, ok := tags.get64bitSlice(TileOffsets); ok {
		lv.tileOffsets = offsets
	} else {
		return lv, fmt.Errorf("%w: missing or invalid tag: TileOffsets", ErrUnsupportedFormat)
	}
	if counts, ok := tags.get64bitSlice(TileByteCounts); ok {
		lv.tileByteCounts = counts
	} else {
		return lv, fmt.Errorf("%w: missing or invalid tag: TileByteCounts", ErrUnsupportedFormat)
	}
	lv.tilesAcross = (lv.width + lv.tileWidth - 1) / lv.tileWidth
	lv.tilesDown = (lv.height + lv.tileLength - 1) / lv.tileLength
	if want := lv.tilesAcross * lv.tilesDown; len(lv.tileOffsets) < want || len(lv.tileByteCounts) < want {
		return lv, fmt.Errorf("%w: incorrect number of tile offsets or byte counts", ErrUnsupportedFormat)
	}
	return lv, nil
}

// URI returns the identifier the dataset was opened from.
func (d *Dataset) URI() string { return d.uri }

// Bounds returns the dataset extent in its own CRS.
func (d *Dataset) Bounds() orb.Bound { return d.bounds }

// CRS returns the dataset's coordinate reference system as an EPSG string,
// e.g. "EPSG:4326".
func (d *Dataset) CRS() string { return fmt.Sprintf("EPSG:%d", d.epsg) }

// Resolution returns the ground size of one full-resolution pixel.
func (d *Dataset) Resolution() (x, y float64) { return d.resX, d.resY }

// BandCount returns the number of samples per pixel.
func (d *Dataset) BandCount() int { return d.bands }

// NoData returns the sentinel value marking absent pixels, if declared.
func (d *Dataset) NoData() (float64, bool) { return d.nodata, d.hasNodata }

// Continuous reports whether samples are floating point. Integer rasters are
// treated as categorical by default when choosing a resampling method.
func (d *Dataset) Continuous() bool { return d.sampleFormat == SampleFormatFloat }

// acquire marks the start of a read operation so a concurrent Close defers
// releasing the source until the read finishes.
func (d *Dataset) acquire() {
	d.mu.Lock()
	d.active++
	d.mu.Unlock()
}

func (d *Dataset) release() {
	d.mu.Lock()
	d.active--
	closeNow := d.retired && d.active == 0 && !d.closed
	if closeNow {
		d.closed = true
	}
	d.mu.Unlock()
	if closeNow {
		d.src.Close()
	}
}

// Close retires the dataset. The underlying source is released immediately
// when no extraction or point query is in flight, otherwise when the last
// one finishes.
func (d *Dataset) Close() error {
	d.mu.Lock()
	d.retired = true
	closeNow := d.active == 0 && !d.closed
	if closeNow {
		d.closed = true
	}
	d.mu.Unlock()
	if closeNow {
		return d.src.Close()
	}
	return nil
}

// ValueAt returns the raw value of one band at the given coordinate in the
// dataset's CRS. Coordinates outside the extent yield ErrOutOfBounds; nodata
// pixels yield NaN.
func (d *Dataset) ValueAt(ctx context.Context, x, y float64, band int) (float64, error) {
	d.acquire()
	defer d.release()

	p := orb.Point{x, y}
	if !d.bounds.Contains(p) {
		return 0, fmt.Errorf("%w: point (%f, %f) outside extent", ErrOutOfBounds, x, y)
	}
	if band < 0 || band >= d.bands {
		return 0, fmt.Errorf("band %d out of range (%d bands)", band, d.bands)
	}

	col := int((x - d.originX) / d.resX)
	row := int((d.originY - y) / d.resY)
	lv := &d.levels[0]
	col = min(col, lv.width-1)
	row = min(row, lv.height-1)

	tileNum := (row/lv.tileLength)*lv.tilesAcross + col/lv.tileWidth
	samples, err := d.getTile(ctx, 0, tileNum)
	if err != nil {
		return 0, err
	}
	idx := ((row%lv.tileLength)*lv.tileWidth + col%lv.tileWidth) * d.bands
	if idx+band >= len(samples) {
		return 0, fmt.Errorf("pixel index %d out of tile bounds (%d)", idx+band, len(samples))
	}
	return samples[idx+band], nil
}

// getTile returns one decoded tile as []float64 with bands interleaved and
// nodata already replaced by NaN. Concurrent requests for the same tile share
// a single range read via singleflight; results land in the tile cache.
func (d *Dataset) getTile(ctx context.Context, levelIdx, tileNum int) ([]float64, error) {
	key := strconv.Itoa(levelIdx) + "/" + strconv.Itoa(tileNum)
	if item := d.tileCache.Get(key); item != nil && !item.Expired() {
		return item.Value(), nil
	}

	v, err, _ := d.inflight.Do(key, func() (interface{}, error) {
		raw, err := d.fetchAndDecompressTile(levelIdx, tileNum)
		if err != nil {
			return nil, err
		}
		samples, err := d.decodeTile(raw, &d.levels[levelIdx])
		if err != nil {
			return nil, err
		}
		d.tileCache.Set(key, samples, tileCacheTTL)
		return samples, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float64), nil
}

// fetchAndDecompressTile performs the I/O to read and decompress one tile.
func (d *Dataset) fetchAndDecompressTile(levelIdx, tileNum int) ([]byte, error) {
	lv := &d.levels[levelIdx]
	if tileNum < 0 || tileNum >= len(lv.tileOffsets) {
		return nil, fmt.Errorf("tile index %d out of bounds", tileNum)
	}

	offset := lv.tileOffsets[tileNum]
	byteCount := lv.tileByteCounts[tileNum]
	tileBytes := make([]byte, byteCount)
	if _, err := d.src.ReadAt(tileBytes, int64(offset)); err != nil {
		return nil, fmt.Errorf("failed to read tile %d from source: %w", tileNum, err)
	}

	uncompressedLen := lv.tileWidth * lv.tileLength * d.bands * int(d.bitsPerSample) / 8

	switch d.compression {
	case Uncompressed:
		return tileBytes, nil
	case DEFLATE, DEFLATEOld:
		z, err := zlib.NewReader(bytes.NewReader(tileBytes))
		if err != nil {
			return nil, fmt.Errorf("failed to create zlib reader for tile: %w", err)
		}
		defer z.Close()
		out, err := io.ReadAll(z)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress tile data: %w", err)
		}
		return out, nil
	case LZW:
		r := lzw.NewReader(bytes.NewReader(tileBytes), lzw.MSB, 8)
		defer r.Close()
		out := make([]byte, uncompressedLen)
		if _, err := io.ReadFull(r, out); err != nil {
			return nil, fmt.Errorf("failed to decompress lzw tile data: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression type: %d", d.compression)
	}
}

// decodeTile converts raw tile bytes to []float64 samples, undoing the
// horizontal predictor for integer data and mapping nodata to NaN.
func (d *Dataset) decodeTile(raw []byte, lv *level) ([]float64, error) {
	count := lv.tileWidth * lv.tileLength * d.bands
	byteLen := count * int(d.bitsPerSample) / 8
	if len(raw) < byteLen {
		return nil, fmt.Errorf("tile data too short: %d bytes, want %d", len(raw), byteLen)
	}

	samples := make([]float64, count)
	switch {
	case d.sampleFormat == SampleFormatFloat && d.bitsPerSample == 32:
		vals := make([]float32, count)
		if err := binary.Read(bytes.NewReader(raw), d.byteOrder, &vals); err != nil {
			return nil, err
		}
		for i, v := range vals {
			samples[i] = float64(v)
		}
	case d.sampleFormat == SampleFormatInt && d.bitsPerSample == 32:
		vals := make([]int32, count)
		if err := binary.Read(bytes.NewReader(raw), d.byteOrder, &vals); err != nil {
			return nil, err
		}
		if d.predictor == PredictorHorizontal {
			undoHorizontalPrediction(vals, lv.tileWidth*d.bands, lv.tileLength, d.bands)
		}
		for i, v := range vals {
			samples[i] = float64(v)
		}
	case d.sampleFormat == SampleFormatInt && d.bitsPerSample == 16:
		vals := make([]int16, count)
		if err := binary.Read(bytes.NewReader(raw), d.byteOrder, &vals); err != nil {
			return nil, err
		}
		if d.predictor == PredictorHorizontal {
			undoHorizontalPrediction(vals, lv.tileWidth*d.bands, lv.tileLength, d.bands)
		}
		for i, v := range vals {
			samples[i] = float64(v)
		}
	case d.sampleFormat == SampleFormatUint && d.bitsPerSample == 16:
		vals := make([]uint16, count)
		if err := binary.Read(bytes.NewReader(raw), d.byteOrder, &vals); err != nil {
			return nil, err
		}
		if d.predictor == PredictorHorizontal {
			undoHorizontalPrediction(vals, lv.tileWidth*d.bands, lv.tileLength, d.bands)
		}
		for i, v := range vals {
			samples[i] = float64(v)
		}
	case d.sampleFormat == SampleFormatUint && d.bitsPerSample == 8:
		if d.predictor == PredictorHorizontal {
			vals := make([]uint8, count)
			copy(vals, raw[:count])
			undoHorizontalPrediction(vals, lv.tileWidth*d.bands, lv.tileLength, d.bands)
			for i, v := range vals {
				samples[i] = float64(v)
			}
		} else {
			for i := range count {
				samples[i] = float64(raw[i])
			}
		}
	default:
		return nil, fmt.Errorf("unsupported sample format (SampleFormat: %d, BitsPerSample: %d)", d.sampleFormat, d.bitsPerSample)
	}

	if d.hasNodata {
		for i, v := range samples {
			if v == d.nodata {
				samples[i] = math.NaN()
			}
		}
	}
	return samples, nil
}

// undoHorizontalPrediction reverses the horizontal differencing predictor in
// place. rowWidth is in samples, not pixels, and stride is the interleaved
// band count: each sample differences against the previous pixel's sample of
// the same band.
func undoHorizontalPrediction[T int16 | int32 | uint8 | uint16](data []T, rowWidth, rows, stride int) {
	if rowWidth == 0 || rows == 0 || stride <= 0 {
		return
	}
	for y := 0; y < rows; y++ {
		rowStart := y * rowWidth
		if rowStart+rowWidth > len(data) {
			break
		}
		for x := stride; x < rowWidth; x++ {
			data[rowStart+x] += data[rowStart+x-stride]
		}
	}
}
