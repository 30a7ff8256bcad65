package overlay

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/paulmach/orb"
)

func decodePNG(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("failed to decode png: %v", err)
	}
	return img
}

func nrgbaAt(img image.Image, x, y int) color.NRGBA {
	return color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
}

func TestEncodeIsDeterministic(t *testing.T) {
	b := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{2, 2}}
	tile := gridTile(2, 2, b, 0, 1, 2, math.NaN())
	p := RenderParams{Colormap: "blues", Min: 0, Max: 2, Opacity: 0.7}

	first, err := Encode(tile, "EPSG:4326", p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := Encode(tile, "EPSG:4326", p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(first.PNG, second.PNG) {
		t.Error("identical inputs produced different png bytes")
	}
	if first.Bounds != b || first.CRS != "EPSG:4326" {
		t.Errorf("overlay placement: got %v %s", first.Bounds, first.CRS)
	}
}

func TestEncodeNodataIsTransparent(t *testing.T) {
	b := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{2, 1}}
	tile := gridTile(2, 1, b, 5, math.NaN())

	ov, err := Encode(tile, "EPSG:4326", RenderParams{Colormap: "gray", Min: 0, Max: 10, Opacity: 0.7})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	img := decodePNG(t, ov.PNG)

	valid := nrgbaAt(img, 0, 0)
	if valid.A != 179 {
		t.Errorf("valid pixel alpha: got %d, want 179 (opacity 0.7)", valid.A)
	}
	// t = 0.5 on the gray ramp.
	if valid.R != 127 || valid.G != 127 || valid.B != 127 {
		t.Errorf("valid pixel color: got (%d,%d,%d), want (127,127,127)", valid.R, valid.G, valid.B)
	}

	nodata := nrgbaAt(img, 1, 0)
	if nodata.A != 0 {
		t.Errorf("nodata pixel alpha: got %d, want 0", nodata.A)
	}
}

func TestEncodeAutoStretch(t *testing.T) {
	b := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{2, 2}}
	tile := gridTile(2, 2, b, 100, 150, 200, 300)

	// Min == Max leaves the stretch to the window statistics, so the extremes
	// land on the ramp ends whatever the data range is.
	ov, err := Encode(tile, "EPSG:4326", RenderParams{Opacity: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	img := decodePNG(t, ov.PNG)

	low := nrgbaAt(img, 0, 0)
	if low.R != 255 || low.G != 255 || low.B != 0 {
		t.Errorf("minimum: got (%d,%d,%d), want ramp start (255,255,0)", low.R, low.G, low.B)
	}
	high := nrgbaAt(img, 1, 1)
	if high.R != 255 || high.G != 0 || high.B != 0 {
		t.Errorf("maximum: got (%d,%d,%d), want ramp end (255,0,0)", high.R, high.G, high.B)
	}
}

func TestEncodeUnknownColormap(t *testing.T) {
	b := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1, 1}}
	tile := gridTile(1, 1, b, 1)
	if _, err := Encode(tile, "EPSG:4326", RenderParams{Colormap: "viridis-from-outer-space"}); err == nil {
		t.Fatal("expected an error for an unknown colormap")
	}
}

func TestTransparentPlaceholder(t *testing.T) {
	b := orb.Bound{Min: orb.Point{3, 4}, Max: orb.Point{5, 6}}
	ov, err := Transparent(b, 8, 4, "EPSG:4326")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ov.Bounds != b {
		t.Errorf("bounds: got %v, want %v", ov.Bounds, b)
	}

	img := decodePNG(t, ov.PNG)
	if got := img.Bounds(); got.Dx() != 8 || got.Dy() != 4 {
		t.Fatalf("size: got %dx%d, want 8x4", got.Dx(), got.Dy())
	}
	for y := 0; y < 4; y++ {
		for x := 0; x < 8; x++ {
			if a := nrgbaAt(img, x, y).A; a != 0 {
				t.Fatalf("pixel (%d,%d) alpha: got %d, want 0", x, y, a)
			}
		}
	}
}

func TestColormapRampEnds(t *testing.T) {
	cm, err := ColormapByName("ylorrd")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c := cm(0); c.R != 255 || c.G != 255 || c.B != 0 {
		t.Errorf("t=0: got (%d,%d,%d), want yellow", c.R, c.G, c.B)
	}
	if c := cm(1); c.R != 255 || c.G != 0 || c.B != 0 {
		t.Errorf("t=1: got (%d,%d,%d), want red", c.R, c.G, c.B)
	}
	// Out-of-range inputs clamp instead of wrapping.
	if c := cm(2); c != cm(1) {
		t.Error("t>1 did not clamp to the ramp end")
	}
	if c := cm(-1); c != cm(0) {
		t.Error("t<0 did not clamp to the ramp start")
	}
}

func TestColormapDefault(t *testing.T) {
	def, err := ColormapByName("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	named, err := ColormapByName("YlOrRd")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if def(0.3) != named(0.3) {
		t.Error("empty name does not select the default ramp")
	}
}
