package visualize

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"landsat-timelapse/internal/landsat"
)

// StretchBounds is the reflectance window mapped linearly onto 0-255.
type StretchBounds struct {
	Min float64 `mapstructure:"min" json:"min"`
	Max float64 `mapstructure:"max" json:"max"`
}

// DefaultStretch is the surface reflectance window used for display bands.
func DefaultStretch() StretchBounds {
	return StretchBounds{Min: 0, Max: 0.3}
}

// Valid reports whether the window is usable.
func (s StretchBounds) Valid() bool {
	return !math.IsNaN(s.Min) && !math.IsNaN(s.Max) && s.Max > s.Min
}

func (s StretchBounds) apply(v float32) uint8 {
	t := (float64(v) - s.Min) / (s.Max - s.Min)
	return uint8(math.Round(Clamp(t, 0, 1) * 255))
}

var noData = color.RGBA{A: 255}

// Mapper renders band sets into display rasters.
type Mapper struct {
	Stretch StretchBounds
}

// NewMapper returns a mapper using stretch, or the default window when
// stretch is not valid.
func NewMapper(stretch StretchBounds) *Mapper {
	if !stretch.Valid() {
		stretch = DefaultStretch()
	}
	return &Mapper{Stretch: stretch}
}

// Render produces an RGBA frame for mode from bands. Pixels with no data
// in any input band are opaque black.
func (m *Mapper) Render(mode Mode, bands landsat.BandSet) (*image.RGBA, error) {
	spec, ok := modeTable[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVisualizationMode, mode)
	}

	required := mode.RequiredBands()
	if missing := bands.Missing(required...); len(missing) > 0 {
		return nil, fmt.Errorf("%w: mode %s needs %v", ErrMissingBand, mode, missing)
	}
	w, h, err := bands.Size(required...)
	if err != nil {
		return nil, fmt.Errorf("failed to render %s: %w", mode, err)
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	var pixel func(i int) color.RGBA

	switch spec.kind {
	case composite:
		r, g, b := bands[spec.channels[0]], bands[spec.channels[1]], bands[spec.channels[2]]
		pixel = func(i int) color.RGBA {
			if isNaN(r.Pix[i]) || isNaN(g.Pix[i]) || isNaN(b.Pix[i]) {
				return noData
			}
			return color.RGBA{
				R: m.Stretch.apply(r.Pix[i]),
				G: m.Stretch.apply(g.Pix[i]),
				B: m.Stretch.apply(b.Pix[i]),
				A: 255,
			}
		}
	case normalizedDifference:
		a, b := bands[spec.a], bands[spec.b]
		pixel = func(i int) color.RGBA {
			v, ok := NormalizedDifference(float64(a.Pix[i]), float64(b.Pix[i]))
			if !ok {
				return noData
			}
			return spec.ramp.At(v)
		}
	case grayscale:
		g := bands[spec.gray]
		pixel = func(i int) color.RGBA {
			if isNaN(g.Pix[i]) {
				return noData
			}
			y := m.Stretch.apply(g.Pix[i])
			return color.RGBA{R: y, G: y, B: y, A: 255}
		}
	}

	for i := 0; i < w*h; i++ {
		c := pixel(i)
		o := i * 4
		img.Pix[o], img.Pix[o+1], img.Pix[o+2], img.Pix[o+3] = c.R, c.G, c.B, c.A
	}
	return img, nil
}

func isNaN(v float32) bool {
	return v != v
}
