package visualize

import (
	"errors"
	"fmt"
	"image/color"
	"strings"

	"landsat-timelapse/internal/landsat"
)

var (
	// ErrUnknownVisualizationMode is returned for mode names outside the supported set.
	ErrUnknownVisualizationMode = errors.New("unknown visualization mode")
	// ErrMissingBand is returned when a scene lacks a band the mode needs.
	ErrMissingBand = errors.New("required band not available")
)

// Mode names a visualization.
type Mode string

const (
	RGB          Mode = "rgb"
	FalseColor   Mode = "false_color"
	NDVI         Mode = "ndvi"
	Panchromatic Mode = "panchromatic"
	BuiltUp      Mode = "built_up"
	Snow         Mode = "snow"
)

type kind int

const (
	composite kind = iota
	normalizedDifference
	grayscale
)

// modeSpec is the single record that drives rendering of a mode.
type modeSpec struct {
	kind        kind
	description string

	// composite: R, G, B channel bands
	channels [3]landsat.Band

	// normalizedDifference: (a - b) / (a + b) mapped through ramp
	a, b landsat.Band
	ramp Ramp

	// grayscale
	gray landsat.Band
}

var (
	cssBlue   = color.RGBA{R: 0, G: 0, B: 255, A: 255}
	cssWhite  = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	cssGreen  = color.RGBA{R: 0, G: 128, B: 0, A: 255}
	cssYellow = color.RGBA{R: 255, G: 255, B: 0, A: 255}
	cssRed    = color.RGBA{R: 255, G: 0, B: 0, A: 255}
	cssBlack  = color.RGBA{R: 0, G: 0, B: 0, A: 255}
	cssCyan   = color.RGBA{R: 0, G: 255, B: 255, A: 255}
)

// modeOrder fixes listing order for help output.
var modeOrder = []Mode{RGB, FalseColor, NDVI, Panchromatic, BuiltUp, Snow}

var modeTable = map[Mode]modeSpec{
	RGB: {
		kind:        composite,
		description: "Natural color (RGB)",
		channels:    [3]landsat.Band{landsat.Red, landsat.Green, landsat.Blue},
	},
	FalseColor: {
		kind:        composite,
		description: "False color infrared",
		channels:    [3]landsat.Band{landsat.NIR, landsat.Red, landsat.Green},
	},
	NDVI: {
		kind:        normalizedDifference,
		description: "Normalized Difference Vegetation Index",
		a:           landsat.NIR,
		b:           landsat.Red,
		ramp:        Ramp{Low: cssBlue, Mid: cssWhite, High: cssGreen},
	},
	Panchromatic: {
		kind:        grayscale,
		description: "Panchromatic (grayscale)",
		gray:        landsat.Panchromatic,
	},
	BuiltUp: {
		kind:        normalizedDifference,
		description: "Built-up index",
		a:           landsat.SWIR1,
		b:           landsat.NIR,
		ramp:        Ramp{Low: cssWhite, Mid: cssYellow, High: cssRed},
	},
	Snow: {
		kind:        normalizedDifference,
		description: "Normalized Difference Snow Index",
		a:           landsat.Green,
		b:           landsat.SWIR1,
		ramp:        Ramp{Low: cssBlack, Mid: cssCyan, High: cssWhite},
	},
}

// ParseMode resolves a mode name, case-insensitively.
func ParseMode(name string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := modeTable[m]; !ok {
		return "", fmt.Errorf("%w: %q (available: %s)", ErrUnknownVisualizationMode, name, strings.Join(Names(), ", "))
	}
	return m, nil
}

// Description returns the human readable name of the mode.
func (m Mode) Description() string {
	return modeTable[m].description
}

// RequiredBands lists the bands a mode reads.
func (m Mode) RequiredBands() []landsat.Band {
	spec, ok := modeTable[m]
	if !ok {
		return nil
	}
	switch spec.kind {
	case composite:
		return spec.channels[:]
	case normalizedDifference:
		return []landsat.Band{spec.a, spec.b}
	default:
		return []landsat.Band{spec.gray}
	}
}

func (m Mode) String() string {
	return string(m)
}

// Modes returns every supported mode in display order.
func Modes() []Mode {
	return append([]Mode(nil), modeOrder...)
}

// Names returns the supported mode names in display order.
func Names() []string {
	names := make([]string, len(modeOrder))
	for i, m := range modeOrder {
		names[i] = string(m)
	}
	return names
}
