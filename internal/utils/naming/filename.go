package naming

import (
	"fmt"
	"strings"
	"time"

	"landsat-timelapse/internal/common"
)

var locationReplacer = strings.NewReplacer(" ", "_", ",", "_", "/", "_", "\\", "_")

// SafeLocation makes a free-form location usable as a file name fragment.
func SafeLocation(location string) string {
	return locationReplacer.Replace(strings.TrimSpace(location))
}

// AnimationFilename creates the output animation name
// Format: landsat_{location}_{mode}_{YYYYMMDD_HHMMSS}{ext}
func AnimationFilename(location, mode, ext string, generated time.Time) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return fmt.Sprintf("landsat_%s_%s_%s%s", SafeLocation(location), mode, common.FormatFileTimestamp(generated), ext)
}

// FrameGeoTIFFFilename creates the name of one exported frame
// Format: landsat_{mode}_{YYYY-MM}_{bbox}.tif
func FrameGeoTIFFFilename(mode string, month time.Time, south, west, north, east float64) string {
	return fmt.Sprintf("landsat_%s_%s_%s.tif", mode, common.FormatMonth(month), BBoxString(south, west, north, east))
}
