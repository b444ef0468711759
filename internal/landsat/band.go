package landsat

import (
	"fmt"
	"strings"
)

// Band is a named spectral channel, independent of any provider's band ids.
type Band string

const (
	Red          Band = "RED"
	Green        Band = "GREEN"
	Blue         Band = "BLUE"
	NIR          Band = "NIR"
	SWIR1        Band = "SWIR1"
	Thermal      Band = "THERMAL"
	Panchromatic Band = "PANCHROMATIC"
)

// AllBands lists every band in a stable order.
func AllBands() []Band {
	return []Band{Red, Green, Blue, NIR, SWIR1, Thermal, Panchromatic}
}

func (b Band) String() string {
	return string(b)
}

// ParseBand accepts a band name in any case.
func ParseBand(s string) (Band, error) {
	candidate := Band(strings.ToUpper(strings.TrimSpace(s)))
	for _, b := range AllBands() {
		if b == candidate {
			return b, nil
		}
	}
	return "", fmt.Errorf("unknown band %q", s)
}

// BandSpec describes how one band is stored by a collection.
type BandSpec struct {
	ID     string  // provider band id, e.g. "SR_B4"
	Scale  float64 // DN to physical value multiplier
	Offset float64 // added after scaling

	// FromMTL marks per-scene scaling: Scale and Offset are replaced by the
	// scene's MTL rescaling factors before decoding.
	FromMTL bool
}

// Collection maps bands to a provider's band ids and scaling.
type Collection struct {
	ID    string
	Bands map[Band]BandSpec
}

// Collection 2 Level 2 surface reflectance / surface temperature scaling.
const (
	L2ReflectanceScale  = 0.0000275
	L2ReflectanceOffset = -0.2
	L2ThermalScale      = 0.00341802
	L2ThermalOffset     = 149.0
)

// Collection 2 Level 1 reflectance rescaling shared by every OLI band. Each
// scene's MTL carries the authoritative values.
const (
	L1ReflectanceScale  = 0.00002
	L1ReflectanceOffset = -0.1
)

// DefaultCollectionID is the Landsat 8 Collection 2 Tier 1 Level 2 catalog.
const DefaultCollectionID = "LANDSAT/LC08/C02/T1_L2"

// LevelTwo returns the band layout of a Collection 2 Level 2 product.
// Level 2 products carry no panchromatic band.
func LevelTwo(id string) Collection {
	sr := func(bandID string) BandSpec {
		return BandSpec{ID: bandID, Scale: L2ReflectanceScale, Offset: L2ReflectanceOffset}
	}
	return Collection{
		ID: id,
		Bands: map[Band]BandSpec{
			Blue:    sr("SR_B2"),
			Green:   sr("SR_B3"),
			Red:     sr("SR_B4"),
			NIR:     sr("SR_B5"),
			SWIR1:   sr("SR_B6"),
			Thermal: {ID: "ST_B10", Scale: L2ThermalScale, Offset: L2ThermalOffset},
		},
	}
}

// TopOfAtmosphere returns the band layout of a TOA reflectance product,
// whose values are already reflectance.
func TopOfAtmosphere(id string) Collection {
	toa := func(bandID string) BandSpec {
		return BandSpec{ID: bandID, Scale: 1, Offset: 0}
	}
	return Collection{
		ID: id,
		Bands: map[Band]BandSpec{
			Blue:         toa("B2"),
			Green:        toa("B3"),
			Red:          toa("B4"),
			NIR:          toa("B5"),
			SWIR1:        toa("B6"),
			Panchromatic: toa("B8"),
			Thermal:      toa("B10"),
		},
	}
}

// LevelOne returns the band layout of a Collection 2 Level 1 product, whose
// files hold digital numbers that the scene MTL rescales to TOA reflectance.
// Thermal bands need brightness temperature constants and are left out.
func LevelOne(id string) Collection {
	dn := func(bandID string) BandSpec {
		return BandSpec{ID: bandID, Scale: L1ReflectanceScale, Offset: L1ReflectanceOffset, FromMTL: true}
	}
	return Collection{
		ID: id,
		Bands: map[Band]BandSpec{
			Blue:         dn("B2"),
			Green:        dn("B3"),
			Red:          dn("B4"),
			NIR:          dn("B5"),
			SWIR1:        dn("B6"),
			Panchromatic: dn("B8"),
		},
	}
}

// ForM2MDataset picks the band layout of a USGS M2M dataset name such as
// "landsat_ot_c2_l1" or "landsat_ot_c2_l2".
func ForM2MDataset(dataset string) Collection {
	if strings.Contains(strings.ToLower(dataset), "_l1") {
		return LevelOne(dataset)
	}
	return LevelTwo(dataset)
}

// LookupCollection picks the band layout for a catalog id. Anything that is
// not recognizably TOA is treated as Level 2.
func LookupCollection(id string) Collection {
	if id == "" {
		id = DefaultCollectionID
	}
	if strings.Contains(strings.ToUpper(id), "TOA") {
		return TopOfAtmosphere(id)
	}
	return LevelTwo(id)
}

// Spec returns the storage spec for a band.
func (c Collection) Spec(b Band) (BandSpec, bool) {
	spec, ok := c.Bands[b]
	return spec, ok
}

// Supports reports whether every band is available in the collection.
func (c Collection) Supports(bands ...Band) bool {
	for _, b := range bands {
		if _, ok := c.Bands[b]; !ok {
			return false
		}
	}
	return true
}

// Available lists the collection's bands in stable order.
func (c Collection) Available() []Band {
	var out []Band
	for _, b := range AllBands() {
		if _, ok := c.Bands[b]; ok {
			out = append(out, b)
		}
	}
	return out
}
