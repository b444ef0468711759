// Package geotiff reads single-band float rasters and writes georeferenced
// RGBA frames as baseline TIFF files carrying GeoTIFF tags.
package geotiff

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
)

const (
	DataType_Byte     = 1
	DataType_ASCII    = 2
	DataType_Short    = 3
	DataType_Long     = 4
	DataType_Rational = 5
	DataType_Double   = 12

	TagType_ImageWidth                = 256
	TagType_ImageLength               = 257
	TagType_BitsPerSample             = 258
	TagType_Compression               = 259
	TagType_PhotometricInterpretation = 262
	TagType_StripOffsets              = 273
	TagType_SamplesPerPixel           = 277
	TagType_RowsPerStrip              = 278
	TagType_StripByteCounts           = 279
	TagType_XResolution               = 282
	TagType_YResolution               = 283
	TagType_ResolutionUnit            = 296
	TagType_ExtraSamples              = 338

	// GeoTIFF Tags
	TagType_ModelPixelScaleTag = 33550
	TagType_ModelTiepointTag   = 33922
	TagType_GeoKeyDirectoryTag = 34735
	TagType_GeoDoubleParamsTag = 34736
	TagType_GeoAsciiParamsTag  = 34737
)

// GeoKey ids and values used for a WGS84 lat/lon raster.
const (
	geoKeyModelType      = 1024
	geoKeyRasterType     = 1025
	geoKeyGeographicType = 2048
	modelTypeGeographic  = 2
	rasterPixelIsArea    = 1
	EPSGWGS84            = 4326
)

var enc = binary.LittleEndian

// Tags maps a TIFF tag id to its value. Supported value types: []uint16
// (SHORT), []float64 (DOUBLE), string (ASCII).
type Tags map[uint16]any

// WGS84Tags georeferences a north-up raster whose upper-left corner sits at
// (west, north) with pixels pixelX by pixelY degrees in size.
func WGS84Tags(west, north, pixelX, pixelY float64) Tags {
	return Tags{
		TagType_ModelPixelScaleTag: []float64{pixelX, pixelY, 0},
		TagType_ModelTiepointTag:   []float64{0, 0, 0, west, north, 0},
		TagType_GeoKeyDirectoryTag: []uint16{
			1, 1, 0, 3, // version, revision, minor, key count
			geoKeyModelType, 0, 1, modelTypeGeographic,
			geoKeyRasterType, 0, 1, rasterPixelIsArea,
			geoKeyGeographicType, 0, 1, EPSGWGS84,
		},
		TagType_GeoAsciiParamsTag: "WGS 84|",
	}
}

type ifdEntry struct {
	tag      uint16
	datatype uint16
	count    uint32
	data     []byte
}

// Encode writes m to w as an uncompressed, single-strip RGBA TIFF with the
// given extra tags.
func Encode(w io.Writer, m image.Image, tags Tags) error {
	bounds := m.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return fmt.Errorf("cannot encode empty image")
	}

	// Little endian, version 42, first IFD at offset 8.
	header := []byte{'I', 'I', 0x2A, 0x00, 0x08, 0x00, 0x00, 0x00}
	if _, err := w.Write(header); err != nil {
		return err
	}

	pixels := make([]byte, 0, width*height*4)
	if rgba, ok := m.(*image.RGBA); ok {
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			off := rgba.PixOffset(bounds.Min.X, y)
			pixels = append(pixels, rgba.Pix[off:off+width*4]...)
		}
	} else {
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				r, g, b, a := m.At(x, y).RGBA()
				pixels = append(pixels, uint8(r>>8), uint8(g>>8), uint8(b>>8), uint8(a>>8))
			}
		}
	}
	imageLen := uint32(len(pixels))

	var entries []ifdEntry
	addEntry := func(tag uint16, datatype uint16, count uint32, data []byte) {
		entries = append(entries, ifdEntry{tag, datatype, count, data})
	}

	addEntry(TagType_ImageWidth, DataType_Long, 1, enc32(uint32(width)))
	addEntry(TagType_ImageLength, DataType_Long, 1, enc32(uint32(height)))
	addEntry(TagType_BitsPerSample, DataType_Short, 4, enc16s([]uint16{8, 8, 8, 8}))
	addEntry(TagType_Compression, DataType_Short, 1, enc16(1))               // none
	addEntry(TagType_PhotometricInterpretation, DataType_Short, 1, enc16(2)) // RGB
	addEntry(TagType_SamplesPerPixel, DataType_Short, 1, enc16(4))
	addEntry(TagType_RowsPerStrip, DataType_Long, 1, enc32(uint32(height)))
	addEntry(TagType_XResolution, DataType_Rational, 1, encRational(72, 1))
	addEntry(TagType_YResolution, DataType_Rational, 1, encRational(72, 1))
	addEntry(TagType_ResolutionUnit, DataType_Short, 1, enc16(2)) // inch
	addEntry(TagType_ExtraSamples, DataType_Short, 1, enc16(1))   // associated alpha

	// Filled in once the pixel offset is known.
	addEntry(TagType_StripOffsets, DataType_Long, 1, make([]byte, 4))
	addEntry(TagType_StripByteCounts, DataType_Long, 1, enc32(imageLen))

	for tag, val := range tags {
		switch v := val.(type) {
		case []uint16:
			addEntry(tag, DataType_Short, uint32(len(v)), enc16s(v))
		case []float64:
			addEntry(tag, DataType_Double, uint32(len(v)), encDoubles(v))
		case string:
			b := append([]byte(v), 0)
			addEntry(tag, DataType_ASCII, uint32(len(b)), b)
		default:
			return fmt.Errorf("unsupported tag value type for tag %d", tag)
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	ifdSize := 2 + 12*len(entries) + 4
	valueDataOffset := 8 + ifdSize

	// Values wider than four bytes live after the IFD; the entry holds
	// their offset instead.
	var largeData bytes.Buffer
	for i := range entries {
		e := &entries[i]
		if len(e.data) > 4 {
			offset := uint32(valueDataOffset + largeData.Len())
			largeData.Write(e.data)
			if largeData.Len()%2 == 1 {
				largeData.WriteByte(0) // word alignment
			}
			e.data = enc32(offset)
		}
	}

	pixelsOffset := uint32(valueDataOffset + largeData.Len())
	for i := range entries {
		if entries[i].tag == TagType_StripOffsets {
			entries[i].data = enc32(pixelsOffset)
		}
	}

	var ifd bytes.Buffer
	_ = binary.Write(&ifd, enc, uint16(len(entries)))
	for _, e := range entries {
		_ = binary.Write(&ifd, enc, e.tag)
		_ = binary.Write(&ifd, enc, e.datatype)
		_ = binary.Write(&ifd, enc, e.count)
		var val [4]byte
		copy(val[:], e.data)
		ifd.Write(val[:])
	}
	_ = binary.Write(&ifd, enc, uint32(0)) // no next IFD

	if _, err := ifd.WriteTo(w); err != nil {
		return err
	}
	if _, err := largeData.WriteTo(w); err != nil {
		return err
	}
	if _, err := w.Write(pixels); err != nil {
		return err
	}
	return nil
}

// WriteFile encodes m to path through a temporary file in the same
// directory, so a failed write never leaves a truncated file behind.
func WriteFile(path string, m image.Image, tags Tags) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".geotiff-*.tif")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}

	err = Encode(tmp, m, tags)
	if err == nil {
		err = tmp.Chmod(0o644)
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to encode GeoTIFF: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to move GeoTIFF into place: %w", err)
	}
	return nil
}

func enc16(v uint16) []byte {
	b := make([]byte, 2)
	enc.PutUint16(b, v)
	return b
}

func enc32(v uint32) []byte {
	b := make([]byte, 4)
	enc.PutUint32(b, v)
	return b
}

func enc16s(vs []uint16) []byte {
	b := make([]byte, 2*len(vs))
	for i, v := range vs {
		enc.PutUint16(b[i*2:], v)
	}
	return b
}

func encDoubles(vs []float64) []byte {
	b := make([]byte, 8*len(vs))
	for i, v := range vs {
		enc.PutUint64(b[i*8:], math.Float64bits(v))
	}
	return b
}

func encRational(num, den uint32) []byte {
	b := make([]byte, 8)
	enc.PutUint32(b[:4], num)
	enc.PutUint32(b[4:], den)
	return b
}
