package naming

import (
	"fmt"
	"math"
	"strings"
)

// SanitizeCoordinate formats a coordinate for use in filenames (removes minus sign, uses N/S/E/W)
// Replaces decimal point with 'p' for Windows compatibility
func SanitizeCoordinate(coord float64, isLat bool) string {
	dir := "E"
	if isLat {
		if coord < 0 {
			dir = "S"
		} else {
			dir = "N"
		}
	} else if coord < 0 {
		dir = "W"
	}
	coordStr := fmt.Sprintf("%.4f", math.Abs(coord))
	coordStr = strings.Replace(coordStr, ".", "p", 1)
	return coordStr + dir
}

// BBoxString creates a short bbox representation for filenames
// Format: {south}-{north}_{west}-{east}
func BBoxString(south, west, north, east float64) string {
	return fmt.Sprintf("%s-%s_%s-%s",
		SanitizeCoordinate(south, true),
		SanitizeCoordinate(north, true),
		SanitizeCoordinate(west, false),
		SanitizeCoordinate(east, false))
}
