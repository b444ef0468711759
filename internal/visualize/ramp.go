package visualize

import (
	"image/color"
	"math"
)

// Ramp maps index values in [-1, 1] onto three color stops.
type Ramp struct {
	Low  color.RGBA
	Mid  color.RGBA
	High color.RGBA
}

// At returns the ramp color for v. Values outside [-1, 1] are clamped.
func (r Ramp) At(v float64) color.RGBA {
	t := (Clamp(v, -1, 1) + 1) / 2
	if t <= 0.5 {
		return lerp(r.Low, r.Mid, t*2)
	}
	return lerp(r.Mid, r.High, (t-0.5)*2)
}

// NormalizedDifference computes (a - b) / (a + b) clamped to [-1, 1].
// ok is false when either input is NaN. A zero denominator yields 0, the
// ramp midpoint.
func NormalizedDifference(a, b float64) (v float64, ok bool) {
	if math.IsNaN(a) || math.IsNaN(b) {
		return 0, false
	}
	den := a + b
	if den == 0 {
		return 0, true
	}
	return Clamp((a-b)/den, -1, 1), true
}

// Clamp limits v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func lerp(a, b color.RGBA, t float64) color.RGBA {
	mix := func(x, y uint8) uint8 {
		return uint8(math.Round(float64(x) + (float64(y)-float64(x))*t))
	}
	return color.RGBA{R: mix(a.R, b.R), G: mix(a.G, b.G), B: mix(a.B, b.B), A: 255}
}
