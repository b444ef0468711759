package landsat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"

	"landsat-timelapse/internal/geo"
)

// Metadata is the subset of a Collection 2 MTL.json file the tool needs.
type Metadata struct {
	ProductID  string
	Acquired   time.Time
	CloudCover float64
	Corners    Georef

	// Rescaling holds the LEVEL1_RADIOMETRIC_RESCALING group of Level 1
	// products, keyed like "REFLECTANCE_MULT_BAND_8".
	Rescaling map[string]float64
}

// Calibrate replaces the scaling of a per-scene band with the scene's
// reflectance rescaling factors. Other bands are returned unchanged.
func (m *Metadata) Calibrate(spec BandSpec) (BandSpec, error) {
	if !spec.FromMTL {
		return spec, nil
	}
	n := strings.TrimPrefix(spec.ID, "B")
	mult, okMult := m.Rescaling["REFLECTANCE_MULT_BAND_"+n]
	add, okAdd := m.Rescaling["REFLECTANCE_ADD_BAND_"+n]
	if !okMult || !okAdd || math.IsNaN(mult) || math.IsNaN(add) {
		return spec, fmt.Errorf("MTL has no reflectance rescaling for band %s", spec.ID)
	}
	spec.Scale, spec.Offset = mult, add
	return spec, nil
}

// MTL.json stores every scalar as a string; some tools rewrite them as numbers.
type mtlFloat float64

func (f *mtlFloat) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		*f = mtlFloat(math.NaN())
		return nil
	}
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid MTL number %q: %w", data, err)
	}
	*f = mtlFloat(v)
	return nil
}

type mtlDocument struct {
	File struct {
		ProductContents struct {
			ProductID string `json:"LANDSAT_PRODUCT_ID"`
		} `json:"PRODUCT_CONTENTS"`
		ImageAttributes struct {
			CloudCover   mtlFloat `json:"CLOUD_COVER"`
			DateAcquired string   `json:"DATE_ACQUIRED"`
		} `json:"IMAGE_ATTRIBUTES"`
		Projection struct {
			ULLat mtlFloat `json:"CORNER_UL_LAT_PRODUCT"`
			ULLon mtlFloat `json:"CORNER_UL_LON_PRODUCT"`
			URLat mtlFloat `json:"CORNER_UR_LAT_PRODUCT"`
			URLon mtlFloat `json:"CORNER_UR_LON_PRODUCT"`
			LLLat mtlFloat `json:"CORNER_LL_LAT_PRODUCT"`
			LLLon mtlFloat `json:"CORNER_LL_LON_PRODUCT"`
		} `json:"PROJECTION_ATTRIBUTES"`
		Rescaling map[string]mtlFloat `json:"LEVEL1_RADIOMETRIC_RESCALING"`
	} `json:"LANDSAT_METADATA_FILE"`
}

// ParseMTL reads a Collection 2 MTL.json document.
func ParseMTL(r io.Reader) (*Metadata, error) {
	var doc mtlDocument
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode MTL: %w", err)
	}
	f := doc.File

	acquired, err := time.Parse("2006-01-02", f.ImageAttributes.DateAcquired)
	if err != nil {
		return nil, fmt.Errorf("invalid DATE_ACQUIRED %q: %w", f.ImageAttributes.DateAcquired, err)
	}

	p := f.Projection
	corners := Georef{
		UL: orb.Point{float64(p.ULLon), float64(p.ULLat)},
		UR: orb.Point{float64(p.URLon), float64(p.URLat)},
		LL: orb.Point{float64(p.LLLon), float64(p.LLLat)},
	}
	if corners.degenerate() {
		return nil, errors.New("MTL is missing product corner coordinates")
	}

	var rescaling map[string]float64
	if len(f.Rescaling) > 0 {
		rescaling = make(map[string]float64, len(f.Rescaling))
		for k, v := range f.Rescaling {
			rescaling[k] = float64(v)
		}
	}

	return &Metadata{
		ProductID:  f.ProductContents.ProductID,
		Acquired:   acquired,
		CloudCover: float64(f.ImageAttributes.CloudCover),
		Corners:    corners,
		Rescaling:  rescaling,
	}, nil
}

// Georef places a scene raster on the globe by three of its corners. The
// mapping is affine, which is accurate to a few pixels over the small
// windows this tool samples.
type Georef struct {
	UL orb.Point
	UR orb.Point
	LL orb.Point
}

func (g Georef) degenerate() bool {
	for _, c := range []orb.Point{g.UL, g.UR, g.LL} {
		if math.IsNaN(c[0]) || math.IsNaN(c[1]) {
			return true
		}
	}
	ax, ay := g.UR[0]-g.UL[0], g.UR[1]-g.UL[1]
	bx, by := g.LL[0]-g.UL[0], g.LL[1]-g.UL[1]
	return ax*by-ay*bx == 0
}

// Locate returns the fractional (u, v) position of lon/lat inside the scene,
// where (0,0) is the upper-left and (1,1) the lower-right corner.
func (g Georef) Locate(lon, lat float64) (u, v float64, ok bool) {
	ax, ay := g.UR[0]-g.UL[0], g.UR[1]-g.UL[1]
	bx, by := g.LL[0]-g.UL[0], g.LL[1]-g.UL[1]
	det := ax*by - ay*bx
	if det == 0 {
		return 0, 0, false
	}
	dx, dy := lon-g.UL[0], lat-g.UL[1]
	u = (dx*by - dy*bx) / det
	v = (ax*dy - ay*dx) / det
	return u, v, u >= 0 && u < 1 && v >= 0 && v < 1
}

// Resample samples src onto the region grid using nearest-neighbour lookup.
// Output pixels that fall outside the scene are NaN.
func Resample(src *Raster, ref Georef, region geo.Region) *Raster {
	out := NewRaster(region.Width, region.Height)
	for row := 0; row < region.Height; row++ {
		for col := 0; col < region.Width; col++ {
			lon, lat := region.PixelCenter(col, row)
			u, v, ok := ref.Locate(lon, lat)
			if !ok {
				continue
			}
			out.Set(col, row, src.At(int(u*float64(src.Width)), int(v*float64(src.Height))))
		}
	}
	return out
}
