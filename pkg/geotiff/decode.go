package geotiff

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	TagType_Predictor      = 317
	TagType_TileWidth      = 322
	TagType_TileLength     = 323
	TagType_TileOffsets    = 324
	TagType_TileByteCounts = 325
	TagType_SampleFormat   = 339
)

const (
	compressionNone        = 1
	compressionDeflate     = 8
	compressionDeflateOld  = 32946
	predictorNone          = 1
	predictorFloatingPoint = 3
	sampleFormatIEEEFloat  = 3
)

// ErrNotFloat is returned by DecodeFloat32 when the samples are not 32-bit
// IEEE floats. Callers fall back to an integer decoder.
var ErrNotFloat = errors.New("geotiff: samples are not 32-bit floats")

// FloatImage is a single-band raster of 32-bit float samples in row-major
// order.
type FloatImage struct {
	Width  int
	Height int
	Pix    []float32
}

// DecodeFloat32 reads a single-band float32 TIFF as produced by raster
// export services. Strips and tiles are supported, uncompressed or deflate,
// with no predictor or the floating point predictor.
func DecodeFloat32(r io.Reader) (*FloatImage, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	d, err := newDecoder(data)
	if err != nil {
		return nil, err
	}

	if sf := d.first(TagType_SampleFormat, 1); sf != sampleFormatIEEEFloat {
		return nil, fmt.Errorf("%w: sample format %d", ErrNotFloat, sf)
	}
	if bits := d.first(TagType_BitsPerSample, 1); bits != 32 {
		return nil, fmt.Errorf("%w: %d bits per sample", ErrNotFloat, bits)
	}
	if spp := d.first(TagType_SamplesPerPixel, 1); spp != 1 {
		return nil, fmt.Errorf("geotiff: unsupported samples per pixel %d", spp)
	}

	width, height := int(d.first(TagType_ImageWidth, 0)), int(d.first(TagType_ImageLength, 0))
	if width <= 0 || height <= 0 {
		return nil, errors.New("geotiff: missing image dimensions")
	}
	compression := d.first(TagType_Compression, compressionNone)
	switch compression {
	case compressionNone, compressionDeflate, compressionDeflateOld:
	default:
		return nil, fmt.Errorf("geotiff: unsupported compression %d", compression)
	}
	predictor := d.first(TagType_Predictor, predictorNone)
	if predictor != predictorNone && predictor != predictorFloatingPoint {
		return nil, fmt.Errorf("geotiff: unsupported predictor %d", predictor)
	}

	// Strips are tiles as wide as the image whose last row may be short.
	tiled := len(d.tags[TagType_TileOffsets]) > 0
	blockW, blockH := width, int(d.first(TagType_RowsPerStrip, uint64(height)))
	offsets, counts := d.tags[TagType_StripOffsets], d.tags[TagType_StripByteCounts]
	if tiled {
		blockW, blockH = int(d.first(TagType_TileWidth, 0)), int(d.first(TagType_TileLength, 0))
		offsets, counts = d.tags[TagType_TileOffsets], d.tags[TagType_TileByteCounts]
	}
	if blockW <= 0 || blockH <= 0 {
		return nil, errors.New("geotiff: invalid block size")
	}
	if blockH > height && !tiled {
		blockH = height
	}
	across := (width + blockW - 1) / blockW
	down := (height + blockH - 1) / blockH
	if len(offsets) < across*down || len(counts) < across*down {
		return nil, fmt.Errorf("geotiff: %d blocks expected, %d offsets", across*down, len(offsets))
	}

	img := &FloatImage{Width: width, Height: height, Pix: make([]float32, width*height)}
	for i := 0; i < across*down; i++ {
		bx, by := i%across, i/across
		rows := blockH
		if !tiled {
			rows = min(blockH, height-by*blockH)
		}

		block, err := d.block(offsets[i], counts[i], compression)
		if err != nil {
			return nil, fmt.Errorf("geotiff: block %d: %w", i, err)
		}
		rowBytes := blockW * 4
		if len(block) < rows*rowBytes {
			return nil, fmt.Errorf("geotiff: block %d: %d bytes, want %d", i, len(block), rows*rowBytes)
		}

		for y := 0; y < rows; y++ {
			iy := by*blockH + y
			if iy >= height {
				break
			}
			row := block[y*rowBytes : (y+1)*rowBytes]
			if predictor == predictorFloatingPoint {
				undoFloatPredictor(row, blockW)
			}
			for x := 0; x < blockW; x++ {
				ix := bx*blockW + x
				if ix >= width {
					break
				}
				img.Pix[iy*width+ix] = d.sample(row, x, blockW, predictor)
			}
		}
	}
	return img, nil
}

type decoder struct {
	data  []byte
	order binary.ByteOrder
	tags  map[uint16][]uint64
}

func newDecoder(data []byte) (*decoder, error) {
	if len(data) < 8 {
		return nil, errors.New("geotiff: short header")
	}
	d := &decoder{data: data, tags: make(map[uint16][]uint64)}
	switch string(data[:2]) {
	case "II":
		d.order = binary.LittleEndian
	case "MM":
		d.order = binary.BigEndian
	default:
		return nil, errors.New("geotiff: invalid byte order")
	}
	if magic := d.order.Uint16(data[2:4]); magic != 42 {
		return nil, fmt.Errorf("geotiff: unsupported version %d", magic)
	}

	ifd := int(d.order.Uint32(data[4:8]))
	if ifd+2 > len(data) {
		return nil, errors.New("geotiff: IFD out of range")
	}
	n := int(d.order.Uint16(data[ifd : ifd+2]))
	if ifd+2+n*12 > len(data) {
		return nil, errors.New("geotiff: IFD truncated")
	}
	for i := 0; i < n; i++ {
		entry := data[ifd+2+i*12 : ifd+2+(i+1)*12]
		tag := d.order.Uint16(entry[0:2])
		values, err := d.values(entry)
		if err != nil {
			return nil, fmt.Errorf("geotiff: tag %d: %w", tag, err)
		}
		if values != nil {
			d.tags[tag] = values
		}
	}
	return d, nil
}

// values reads the integer values of an IFD entry. Entries of other types
// are skipped.
func (d *decoder) values(entry []byte) ([]uint64, error) {
	typ := d.order.Uint16(entry[2:4])
	count := int(d.order.Uint32(entry[4:8]))
	size := dataTypeSize(typ)
	if size == 0 {
		return nil, nil
	}
	raw := entry[8:12]
	if count*size > 4 {
		off := int(d.order.Uint32(entry[8:12]))
		if off < 0 || off+count*size > len(d.data) {
			return nil, errors.New("value out of range")
		}
		raw = d.data[off : off+count*size]
	}

	out := make([]uint64, count)
	for i := range out {
		switch size {
		case 1:
			out[i] = uint64(raw[i])
		case 2:
			out[i] = uint64(d.order.Uint16(raw[i*2:]))
		case 4:
			out[i] = uint64(d.order.Uint32(raw[i*4:]))
		}
	}
	return out, nil
}

func dataTypeSize(typ uint16) int {
	switch typ {
	case DataType_Byte:
		return 1
	case DataType_Short:
		return 2
	case DataType_Long:
		return 4
	}
	return 0
}

func (d *decoder) first(tag uint16, def uint64) uint64 {
	if v := d.tags[tag]; len(v) > 0 {
		return v[0]
	}
	return def
}

// block returns the decompressed bytes of one strip or tile.
func (d *decoder) block(offset, count, compression uint64) ([]byte, error) {
	if offset+count > uint64(len(d.data)) {
		return nil, errors.New("data out of range")
	}
	raw := d.data[offset : offset+count]
	if compression == compressionNone {
		return bytes.Clone(raw), nil
	}
	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// undoFloatPredictor reverses the byte-wise differencing of a floating point
// predictor row in place.
func undoFloatPredictor(row []byte, width int) {
	for j := 1; j < width*4; j++ {
		row[j] += row[j-1]
	}
}

// sample decodes the x-th value of a row. After undoFloatPredictor a
// predicted row holds four byte planes, most significant first.
func (d *decoder) sample(row []byte, x, width int, predictor uint64) float32 {
	if predictor != predictorFloatingPoint {
		return math.Float32frombits(d.order.Uint32(row[x*4:]))
	}
	bits := uint32(row[x])<<24 | uint32(row[width+x])<<16 | uint32(row[2*width+x])<<8 | uint32(row[3*width+x])
	return math.Float32frombits(bits)
}
