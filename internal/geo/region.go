package geo

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Region defaults mirror a 1024px frame at 1:60000 (60 m per pixel).
const (
	DefaultScale     = 60000.0
	DefaultDimension = 1024
	MetersPerDegree  = 111320.0

	maxLongitudeSpan   = 360.0
	coordinateLatMin   = -90.0
	coordinateLatMax   = 90.0
	coordinateLonMin   = -180.0
	coordinateLonMax   = 180.0
	metersPerScaleUnit = 1000.0
)

var (
	// ErrInvalidCoordinate is returned for latitude/longitude outside the valid range.
	ErrInvalidCoordinate = errors.New("invalid coordinate")
	// ErrInvalidScale is returned for non-positive scale or raster dimensions.
	ErrInvalidScale = errors.New("invalid region scale")
)

// Coordinate is a WGS84 point in decimal degrees.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Validate checks that the coordinate lies within [-90,90] x [-180,180].
func (c Coordinate) Validate() error {
	if math.IsNaN(c.Latitude) || c.Latitude < coordinateLatMin || c.Latitude > coordinateLatMax {
		return fmt.Errorf("%w: latitude %f out of range [-90, 90]", ErrInvalidCoordinate, c.Latitude)
	}
	if math.IsNaN(c.Longitude) || c.Longitude < coordinateLonMin || c.Longitude > coordinateLonMax {
		return fmt.Errorf("%w: longitude %f out of range [-180, 180]", ErrInvalidCoordinate, c.Longitude)
	}
	return nil
}

// Point returns the coordinate as an orb point (X = longitude, Y = latitude).
func (c Coordinate) Point() orb.Point {
	return orb.Point{c.Longitude, c.Latitude}
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%.4f,%.4f", c.Latitude, c.Longitude)
}

// ParseCoordinate parses a "lat,lon" string. The second return value is false
// when the input does not look like a coordinate pair at all, so callers can
// fall back to geocoding.
func ParseCoordinate(s string) (Coordinate, bool, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return Coordinate{}, false, nil
	}

	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return Coordinate{}, false, nil
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return Coordinate{}, false, nil
	}

	c := Coordinate{Latitude: lat, Longitude: lon}
	if err := c.Validate(); err != nil {
		return Coordinate{}, true, err
	}
	return c, true, nil
}

// RegionOptions controls the ground footprint of a Region.
type RegionOptions struct {
	Scale  float64 // map scale denominator, e.g. 60000 for 1:60000
	Width  int     // output raster width in pixels
	Height int     // output raster height in pixels
}

// DefaultRegionOptions returns the 1:60000, 1024x1024 footprint.
func DefaultRegionOptions() RegionOptions {
	return RegionOptions{
		Scale:  DefaultScale,
		Width:  DefaultDimension,
		Height: DefaultDimension,
	}
}

// MetersPerPixel returns the ground resolution implied by the scale.
func (o RegionOptions) MetersPerPixel() float64 {
	return o.Scale / metersPerScaleUnit
}

// Region is a lat/lon bounding box centered on a coordinate and sized so that
// its ground extent matches the configured scale.
type Region struct {
	Center       Coordinate `json:"center"`
	Bound        orb.Bound  `json:"bound"`
	WidthMeters  float64    `json:"widthMeters"`
	HeightMeters float64    `json:"heightMeters"`
	Width        int        `json:"width"`
	Height       int        `json:"height"`
}

// CalculateRegion derives the bounding box around center. Longitude degrees
// are widened by 1/cos(latitude) so the box stays square on the ground.
func CalculateRegion(center Coordinate, opts RegionOptions) (Region, error) {
	if err := center.Validate(); err != nil {
		return Region{}, err
	}
	if opts.Scale <= 0 || math.IsNaN(opts.Scale) || opts.Width <= 0 || opts.Height <= 0 {
		return Region{}, fmt.Errorf("%w: scale=%f width=%d height=%d", ErrInvalidScale, opts.Scale, opts.Width, opts.Height)
	}

	mpp := opts.MetersPerPixel()
	widthMeters := float64(opts.Width) * mpp
	heightMeters := float64(opts.Height) * mpp

	latSpan := heightMeters / MetersPerDegree
	lonSpan := maxLongitudeSpan
	if cos := math.Cos(center.Latitude * math.Pi / 180.0); cos > 0 {
		lonSpan = math.Min(widthMeters/(MetersPerDegree*cos), maxLongitudeSpan)
	}

	// Poles: clamp rather than produce latitudes outside the valid range.
	south := math.Max(center.Latitude-latSpan/2, coordinateLatMin)
	north := math.Min(center.Latitude+latSpan/2, coordinateLatMax)

	return Region{
		Center: center,
		Bound: orb.Bound{
			Min: orb.Point{center.Longitude - lonSpan/2, south},
			Max: orb.Point{center.Longitude + lonSpan/2, north},
		},
		WidthMeters:  widthMeters,
		HeightMeters: heightMeters,
		Width:        opts.Width,
		Height:       opts.Height,
	}, nil
}

// West returns the western edge longitude.
func (r Region) West() float64 { return r.Bound.Left() }

// East returns the eastern edge longitude.
func (r Region) East() float64 { return r.Bound.Right() }

// South returns the southern edge latitude.
func (r Region) South() float64 { return r.Bound.Bottom() }

// North returns the northern edge latitude.
func (r Region) North() float64 { return r.Bound.Top() }

// PixelSize returns the size of one output pixel in degrees (x, y).
func (r Region) PixelSize() (float64, float64) {
	return (r.East() - r.West()) / float64(r.Width), (r.North() - r.South()) / float64(r.Height)
}

// PixelCenter returns the lon/lat of the center of output pixel (col, row),
// with row 0 at the northern edge.
func (r Region) PixelCenter(col, row int) (lon, lat float64) {
	dx, dy := r.PixelSize()
	return r.West() + (float64(col)+0.5)*dx, r.North() - (float64(row)+0.5)*dy
}

// GeoJSON returns the region polygon as a GeoJSON geometry document.
func (r Region) GeoJSON() ([]byte, error) {
	data, err := json.Marshal(geojson.NewGeometry(r.Bound.ToPolygon()))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal region geometry: %w", err)
	}
	return data, nil
}

func (r Region) String() string {
	return fmt.Sprintf("%.4f,%.4f,%.4f,%.4f", r.South(), r.West(), r.North(), r.East())
}
