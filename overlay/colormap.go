package overlay

import (
	"fmt"
	"image/color"
	"math"
	"strings"
)

// Colormap maps a normalized value in [0, 1] to a color. Alpha is applied
// separately by the encoder.
type Colormap func(t float64) color.NRGBA

// ramp interpolates linearly through a list of color stops, evenly spaced.
func ramp(stops ...color.NRGBA) Colormap {
	return func(t float64) color.NRGBA {
		t = clampFloat(t, 0, 1)
		scaled := t * float64(len(stops)-1)
		i := int(math.Floor(scaled))
		if i >= len(stops)-1 {
			return stops[len(stops)-1]
		}
		f := scaled - float64(i)
		a, b := stops[i], stops[i+1]
		return color.NRGBA{
			R: uint8(float64(a.R) + f*(float64(b.R)-float64(a.R))),
			G: uint8(float64(a.G) + f*(float64(b.G)-float64(a.G))),
			B: uint8(float64(a.B) + f*(float64(b.B)-float64(a.B))),
			A: 255,
		}
	}
}

var colormaps = map[string]Colormap{
	// yellow -> orange -> red, the rainfall ramp
	"ylorrd": ramp(
		color.NRGBA{R: 255, G: 255, B: 0, A: 255},
		color.NRGBA{R: 255, G: 165, B: 0, A: 255},
		color.NRGBA{R: 255, G: 0, B: 0, A: 255},
	),
	// white -> blue, for water depth
	"blues": ramp(
		color.NRGBA{R: 247, G: 251, B: 255, A: 255},
		color.NRGBA{R: 107, G: 174, B: 214, A: 255},
		color.NRGBA{R: 8, G: 48, B: 107, A: 255},
	),
	"gray": ramp(
		color.NRGBA{R: 0, G: 0, B: 0, A: 255},
		color.NRGBA{R: 255, G: 255, B: 255, A: 255},
	),
}

const defaultColormap = "ylorrd"

// ColormapByName returns the named color ramp; the empty name selects the
// default.
func ColormapByName(name string) (Colormap, error) {
	if name == "" {
		name = defaultColormap
	}
	cm, ok := colormaps[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown colormap %q", name)
	}
	return cm, nil
}
