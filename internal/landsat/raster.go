package landsat

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
)

// ErrRasterMismatch is returned when rasters that must share a grid do not.
var ErrRasterMismatch = errors.New("raster dimensions do not match")

// Raster is a single band of physical values (reflectance for optical bands)
// in row-major order. No-data pixels are NaN.
type Raster struct {
	Width  int
	Height int
	Pix    []float32
}

// NewRaster allocates a raster filled with NaN.
func NewRaster(width, height int) *Raster {
	pix := make([]float32, width*height)
	nan := float32(math.NaN())
	for i := range pix {
		pix[i] = nan
	}
	return &Raster{Width: width, Height: height, Pix: pix}
}

// At returns the value at (x, y), or NaN outside the raster.
func (r *Raster) At(x, y int) float32 {
	if x < 0 || y < 0 || x >= r.Width || y >= r.Height {
		return float32(math.NaN())
	}
	return r.Pix[y*r.Width+x]
}

// Set stores v at (x, y). Out-of-range writes are ignored.
func (r *Raster) Set(x, y int, v float32) {
	if x < 0 || y < 0 || x >= r.Width || y >= r.Height {
		return
	}
	r.Pix[y*r.Width+x] = v
}

// SameSize reports whether two rasters share dimensions.
func (r *Raster) SameSize(o *Raster) bool {
	return r.Width == o.Width && r.Height == o.Height
}

// FromImage converts a decoded single-band image of digital numbers into a
// scaled raster. DN 0 is the Landsat fill value and becomes NaN.
func FromImage(img image.Image, spec BandSpec) (*Raster, error) {
	if img == nil {
		return nil, fmt.Errorf("band %s: nil image", spec.ID)
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("band %s: empty image", spec.ID)
	}

	r := &Raster{Width: b.Dx(), Height: b.Dy(), Pix: make([]float32, b.Dx()*b.Dy())}
	scale := func(dn uint16) float32 {
		if dn == 0 {
			return float32(math.NaN())
		}
		return float32(float64(dn)*spec.Scale + spec.Offset)
	}

	switch src := img.(type) {
	case *image.Gray16:
		for y := 0; y < r.Height; y++ {
			for x := 0; x < r.Width; x++ {
				r.Pix[y*r.Width+x] = scale(src.Gray16At(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
	case *image.Gray:
		for y := 0; y < r.Height; y++ {
			for x := 0; x < r.Width; x++ {
				r.Pix[y*r.Width+x] = scale(uint16(src.GrayAt(b.Min.X+x, b.Min.Y+y).Y))
			}
		}
	default:
		for y := 0; y < r.Height; y++ {
			for x := 0; x < r.Width; x++ {
				g := color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
				r.Pix[y*r.Width+x] = scale(g.Y)
			}
		}
	}
	return r, nil
}

// FromFloat32 scales a band delivered as float samples. NaN and 0 are fill
// values and become NaN.
func FromFloat32(width, height int, pix []float32, spec BandSpec) (*Raster, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("band %s: empty image", spec.ID)
	}
	if len(pix) != width*height {
		return nil, fmt.Errorf("band %s: %d samples for %dx%d", spec.ID, len(pix), width, height)
	}
	r := &Raster{Width: width, Height: height, Pix: make([]float32, len(pix))}
	for i, v := range pix {
		if v == 0 || math.IsNaN(float64(v)) {
			r.Pix[i] = float32(math.NaN())
			continue
		}
		r.Pix[i] = float32(float64(v)*spec.Scale + spec.Offset)
	}
	return r, nil
}

// BandSet holds the rasters fetched for one scene.
type BandSet map[Band]*Raster

// Missing returns the requested bands that are not present.
func (s BandSet) Missing(bands ...Band) []Band {
	var out []Band
	for _, b := range bands {
		if r, ok := s[b]; !ok || r == nil {
			out = append(out, b)
		}
	}
	return out
}

// Size returns the shared dimensions of the given bands.
func (s BandSet) Size(bands ...Band) (int, int, error) {
	var first *Raster
	for _, b := range bands {
		r := s[b]
		if r == nil {
			continue
		}
		if first == nil {
			first = r
			continue
		}
		if !first.SameSize(r) {
			return 0, 0, fmt.Errorf("%w: %dx%d vs %s %dx%d", ErrRasterMismatch,
				first.Width, first.Height, b, r.Width, r.Height)
		}
	}
	if first == nil {
		return 0, 0, errors.New("band set is empty")
	}
	return first.Width, first.Height, nil
}
