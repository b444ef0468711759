package landsat

import (
	"image"
	"image/color"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"landsat-timelapse/internal/geo"
)

func TestLookupCollection(t *testing.T) {
	l2 := LookupCollection("")
	assert.Equal(t, DefaultCollectionID, l2.ID)
	assert.False(t, l2.Supports(Panchromatic), "level 2 has no panchromatic band")
	assert.True(t, l2.Supports(Red, Green, Blue, NIR, SWIR1))

	spec, ok := l2.Spec(Red)
	require.True(t, ok)
	assert.Equal(t, "SR_B4", spec.ID)
	assert.Equal(t, L2ReflectanceScale, spec.Scale)

	toa := LookupCollection("LANDSAT/LC08/C02/T1_TOA")
	assert.True(t, toa.Supports(Panchromatic))
	spec, _ = toa.Spec(Panchromatic)
	assert.Equal(t, "B8", spec.ID)
	assert.Equal(t, []Band{Red, Green, Blue, NIR, SWIR1, Thermal, Panchromatic}, toa.Available())
}

func TestLevelOne(t *testing.T) {
	l1 := ForM2MDataset("landsat_ot_c2_l1")
	assert.Equal(t, "landsat_ot_c2_l1", l1.ID)
	assert.True(t, l1.Supports(Panchromatic, Red, Green, Blue, NIR, SWIR1))
	assert.False(t, l1.Supports(Thermal), "thermal DNs are radiance, not reflectance")

	spec, _ := l1.Spec(Panchromatic)
	assert.Equal(t, "B8", spec.ID)
	assert.True(t, spec.FromMTL)

	l2 := ForM2MDataset("landsat_ot_c2_l2")
	assert.False(t, l2.Supports(Panchromatic))
	spec, _ = l2.Spec(Red)
	assert.False(t, spec.FromMTL)
}

func TestParseBand(t *testing.T) {
	b, err := ParseBand(" nir ")
	require.NoError(t, err)
	assert.Equal(t, NIR, b)

	_, err = ParseBand("ultraviolet")
	assert.Error(t, err)
}

func TestFromImage_ScalesAndMasksFill(t *testing.T) {
	img := image.NewGray16(image.Rect(0, 0, 2, 1))
	img.SetGray16(0, 0, color.Gray16{Y: 0})
	img.SetGray16(1, 0, color.Gray16{Y: 10000})

	r, err := FromImage(img, LevelTwo(DefaultCollectionID).Bands[Red])
	require.NoError(t, err)

	assert.Equal(t, 2, r.Width)
	assert.True(t, math.IsNaN(float64(r.At(0, 0))))
	assert.InDelta(t, 0.075, r.At(1, 0), 1e-6)
	assert.True(t, math.IsNaN(float64(r.At(5, 5))), "out of range reads are no-data")
}

func TestFromFloat32_ScalesAndMasksFill(t *testing.T) {
	nan := float32(math.NaN())
	r, err := FromFloat32(2, 2, []float32{nan, 0, 0.2, 0.05}, BandSpec{ID: "B8", Scale: 1})
	require.NoError(t, err)

	assert.True(t, math.IsNaN(float64(r.At(0, 0))))
	assert.True(t, math.IsNaN(float64(r.At(1, 0))), "zero is the export fill value")
	assert.InDelta(t, 0.2, r.At(0, 1), 1e-7)
	assert.InDelta(t, 0.05, r.At(1, 1), 1e-7)

	_, err = FromFloat32(2, 2, []float32{1}, BandSpec{ID: "B8", Scale: 1})
	assert.Error(t, err)
	_, err = FromFloat32(0, 0, nil, BandSpec{ID: "B8", Scale: 1})
	assert.Error(t, err)
}

func TestFromImage_RejectsEmpty(t *testing.T) {
	_, err := FromImage(image.NewGray16(image.Rect(0, 0, 0, 0)), BandSpec{ID: "B4", Scale: 1})
	assert.Error(t, err)
}

func TestBandSet_SizeAndMissing(t *testing.T) {
	set := BandSet{
		Red: NewRaster(4, 4),
		NIR: NewRaster(4, 4),
	}
	w, h, err := set.Size(Red, NIR)
	require.NoError(t, err)
	assert.Equal(t, 4, w)
	assert.Equal(t, 4, h)
	assert.Equal(t, []Band{SWIR1}, set.Missing(Red, SWIR1))

	set[SWIR1] = NewRaster(2, 4)
	_, _, err = set.Size(Red, SWIR1)
	require.ErrorIs(t, err, ErrRasterMismatch)
}

const sampleMTL = `{
  "LANDSAT_METADATA_FILE": {
    "PRODUCT_CONTENTS": {"LANDSAT_PRODUCT_ID": "LC08_L2SP_044034_20200105_20200823_02_T1"},
    "IMAGE_ATTRIBUTES": {"CLOUD_COVER": "3.12", "DATE_ACQUIRED": "2020-01-05"},
    "PROJECTION_ATTRIBUTES": {
      "CORNER_UL_LAT_PRODUCT": "38.52",
      "CORNER_UL_LON_PRODUCT": "-123.29",
      "CORNER_UR_LAT_PRODUCT": "38.52",
      "CORNER_UR_LON_PRODUCT": "-120.62",
      "CORNER_LL_LAT_PRODUCT": 36.41,
      "CORNER_LL_LON_PRODUCT": -123.29
    },
    "LEVEL1_RADIOMETRIC_RESCALING": {
      "RADIANCE_MULT_BAND_8": "1.1163E-02",
      "REFLECTANCE_MULT_BAND_8": "2.0000E-05",
      "REFLECTANCE_ADD_BAND_8": "-0.100000",
      "REFLECTANCE_MULT_BAND_4": "2.0000E-05"
    }
  }
}`

func TestParseMTL(t *testing.T) {
	md, err := ParseMTL(strings.NewReader(sampleMTL))
	require.NoError(t, err)

	assert.Equal(t, "LC08_L2SP_044034_20200105_20200823_02_T1", md.ProductID)
	assert.Equal(t, time.Date(2020, 1, 5, 0, 0, 0, 0, time.UTC), md.Acquired)
	assert.InDelta(t, 3.12, md.CloudCover, 1e-9)
	assert.Equal(t, orb.Point{-123.29, 38.52}, md.Corners.UL)
	assert.Equal(t, orb.Point{-123.29, 36.41}, md.Corners.LL)
}

func TestMetadata_Calibrate(t *testing.T) {
	md, err := ParseMTL(strings.NewReader(sampleMTL))
	require.NoError(t, err)
	l1 := LevelOne("landsat_ot_c2_l1")

	pan, err := md.Calibrate(l1.Bands[Panchromatic])
	require.NoError(t, err)
	assert.InDelta(t, 0.00002, pan.Scale, 1e-12)
	assert.InDelta(t, -0.1, pan.Offset, 1e-12)

	_, err = md.Calibrate(l1.Bands[Red])
	assert.ErrorContains(t, err, "band B4", "add term missing")

	l2 := LevelTwo(DefaultCollectionID).Bands[Red]
	same, err := md.Calibrate(l2)
	require.NoError(t, err)
	assert.Equal(t, l2, same, "fixed-scale bands pass through")

	empty := &Metadata{}
	_, err = empty.Calibrate(l1.Bands[Green])
	assert.Error(t, err)
}

func TestParseMTL_Invalid(t *testing.T) {
	_, err := ParseMTL(strings.NewReader(`{"LANDSAT_METADATA_FILE": {"IMAGE_ATTRIBUTES": {"DATE_ACQUIRED": "2020-01-05"}}}`))
	assert.Error(t, err, "corners are required")

	_, err = ParseMTL(strings.NewReader(`{"LANDSAT_METADATA_FILE": {"IMAGE_ATTRIBUTES": {"DATE_ACQUIRED": "yesterday"}}}`))
	assert.Error(t, err)

	_, err = ParseMTL(strings.NewReader(`not json`))
	assert.Error(t, err)
}

func unitGeoref() Georef {
	return Georef{
		UL: orb.Point{10, 1},
		UR: orb.Point{11, 1},
		LL: orb.Point{10, 0},
	}
}

func TestGeoref_Locate(t *testing.T) {
	u, v, ok := unitGeoref().Locate(10.5, 0.5)
	require.True(t, ok)
	assert.InDelta(t, 0.5, u, 1e-12)
	assert.InDelta(t, 0.5, v, 1e-12)

	u, v, ok = unitGeoref().Locate(10.25, 0.9)
	require.True(t, ok)
	assert.InDelta(t, 0.25, u, 1e-12)
	assert.InDelta(t, 0.1, v, 1e-12)

	_, _, ok = unitGeoref().Locate(12, 0.5)
	assert.False(t, ok)
}

func TestResample(t *testing.T) {
	src := &Raster{Width: 2, Height: 2, Pix: []float32{1, 2, 3, 4}}

	region, err := geo.CalculateRegion(
		geo.Coordinate{Latitude: 0.5, Longitude: 10.5},
		geo.RegionOptions{Scale: 10000, Width: 2, Height: 2},
	)
	require.NoError(t, err)

	out := Resample(src, unitGeoref(), region)
	assert.Equal(t, []float32{1, 2, 3, 4}, out.Pix)

	outside, err := geo.CalculateRegion(
		geo.Coordinate{Latitude: 0.5, Longitude: 20},
		geo.RegionOptions{Scale: 10000, Width: 2, Height: 2},
	)
	require.NoError(t, err)
	for _, v := range Resample(src, unitGeoref(), outside).Pix {
		assert.True(t, math.IsNaN(float64(v)))
	}
}
