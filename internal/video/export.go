package video

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/color/palette"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/icza/mjpeg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"landsat-timelapse/internal/common"
)

var (
	// ErrEmptyFrameSequence is returned when there is nothing to encode.
	ErrEmptyFrameSequence = errors.New("no frames to export")
	// ErrInvalidFrameRate is returned for non-positive or non-finite frame rates.
	ErrInvalidFrameRate = errors.New("invalid frame rate")
	// ErrUnsupportedFormat is returned for output formats other than gif and avi.
	ErrUnsupportedFormat = errors.New("unsupported output format")
)

// Format is an animation container.
type Format string

const (
	FormatGIF Format = "gif"
	FormatAVI Format = "avi"
)

// ParseFormat resolves a format name such as "gif" or ".AVI".
func ParseFormat(s string) (Format, error) {
	f := Format(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "."))
	switch f {
	case FormatGIF, FormatAVI:
		return f, nil
	case "":
		return FormatGIF, nil
	default:
		return "", fmt.Errorf("%w: %s (supported: gif, avi)", ErrUnsupportedFormat, s)
	}
}

// Extension returns the file extension including the dot.
func (f Format) Extension() string {
	return "." + string(f)
}

// ExportOptions contains all options for animation export
type ExportOptions struct {
	Format    Format
	FrameRate float64 // frames per second

	// Output dimensions; zero keeps the size of the first frame.
	Width  int
	Height int

	// GIF quantization
	Dither bool

	// Month label overlay
	ShowLabel     bool
	LabelFontSize float64
	LabelPosition string // "top-left", "top-right", "bottom-left", "bottom-right", "center"
	LabelColor    color.RGBA
	LabelShadow   bool
	LabelFormat   string // date layout used when a frame has no explicit label
	LabelFontPath string // TrueType/OpenType file; empty uses Go Regular

	Quality int // JPEG quality for AVI frames, 1-100
}

// DefaultExportOptions returns sensible defaults
func DefaultExportOptions() *ExportOptions {
	return &ExportOptions{
		Format:        FormatGIF,
		FrameRate:     12,
		Dither:        true,
		ShowLabel:     true,
		LabelFontSize: 24,
		LabelPosition: "bottom-right",
		LabelColor:    color.RGBA{255, 255, 255, 255},
		LabelShadow:   true,
		LabelFormat:   common.FrameLabelDate,
		Quality:       90,
	}
}

// Validate checks the frame rate and container format.
func (o *ExportOptions) Validate() error {
	if o.FrameRate <= 0 || math.IsNaN(o.FrameRate) || math.IsInf(o.FrameRate, 0) {
		return fmt.Errorf("%w: %v fps", ErrInvalidFrameRate, o.FrameRate)
	}
	if _, err := ParseFormat(string(o.Format)); err != nil {
		return err
	}
	return nil
}

// Frame represents a single frame in the timelapse
type Frame struct {
	Image *image.RGBA
	Date  time.Time
	Label string
}

// GIFDelay returns the per-frame delay in hundredths of a second.
func GIFDelay(fps float64) int {
	delay := int(math.Round(100 / fps))
	if delay < 1 {
		delay = 1
	}
	return delay
}

// Exporter encodes frame sequences into animation files.
type Exporter struct {
	options *ExportOptions
	font    font.Face
	log     *slog.Logger
}

// NewExporter creates a new animation exporter
func NewExporter(opts *ExportOptions, log *slog.Logger) (*Exporter, error) {
	if opts == nil {
		opts = DefaultExportOptions()
	}
	if log == nil {
		log = slog.Default()
	}
	e := &Exporter{
		options: opts,
		log:     log.With("component", "video"),
	}

	if opts.ShowLabel {
		if err := e.loadFont(); err != nil {
			return nil, err
		}
	}

	return e, nil
}

// Options returns the exporter configuration.
func (e *Exporter) Options() ExportOptions {
	return *e.options
}

// loadFont loads the face used for label overlays
func (e *Exporter) loadFont() error {
	fontBytes := goregular.TTF
	if e.options.LabelFontPath != "" {
		data, err := os.ReadFile(e.options.LabelFontPath)
		if err != nil {
			return fmt.Errorf("failed to read font file: %w", err)
		}
		fontBytes = data
	}

	f, err := opentype.Parse(fontBytes)
	if err != nil {
		return fmt.Errorf("failed to parse font: %w", err)
	}

	size := e.options.LabelFontSize
	if size <= 0 {
		size = DefaultExportOptions().LabelFontSize
	}
	face, err := opentype.NewFace(f, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return fmt.Errorf("failed to create font face: %w", err)
	}

	e.font = face
	return nil
}

// ProcessFrame resizes a frame to the output dimensions and draws its label
func (e *Exporter) ProcessFrame(frame Frame, width, height int) *image.RGBA {
	src := frame.Image
	output := src
	if src.Bounds().Dx() != width || src.Bounds().Dy() != height || src.Bounds().Min != (image.Point{}) {
		output = image.NewRGBA(image.Rect(0, 0, width, height))
		resizeAndDrawImage(output, src)
	} else if e.options.ShowLabel {
		// never draw onto the caller's frame
		output = image.NewRGBA(src.Bounds())
		draw.Draw(output, output.Bounds(), src, image.Point{}, draw.Src)
	}

	if e.options.ShowLabel && e.font != nil {
		e.drawLabelOverlay(output, e.label(frame))
	}
	return output
}

func (e *Exporter) label(frame Frame) string {
	if frame.Label != "" {
		return frame.Label
	}
	if frame.Date.IsZero() {
		return ""
	}
	layout := e.options.LabelFormat
	if layout == "" {
		layout = DefaultExportOptions().LabelFormat
	}
	return frame.Date.Format(layout)
}

// resizeAndDrawImage resizes source to fit destination
func resizeAndDrawImage(dst *image.RGBA, src image.Image) {
	bounds := src.Bounds()
	dstBounds := dst.Bounds()

	// Simple nearest-neighbor scaling
	scaleX := float64(bounds.Dx()) / float64(dstBounds.Dx())
	scaleY := float64(bounds.Dy()) / float64(dstBounds.Dy())

	for dy := dstBounds.Min.Y; dy < dstBounds.Max.Y; dy++ {
		for dx := dstBounds.Min.X; dx < dstBounds.Max.X; dx++ {
			sx := bounds.Min.X + int(float64(dx-dstBounds.Min.X)*scaleX)
			sy := bounds.Min.Y + int(float64(dy-dstBounds.Min.Y)*scaleY)

			if sx >= bounds.Min.X && sx < bounds.Max.X && sy >= bounds.Min.Y && sy < bounds.Max.Y {
				dst.Set(dx, dy, src.At(sx, sy))
			}
		}
	}
}

// drawLabelOverlay draws the label text on the frame
func (e *Exporter) drawLabelOverlay(dst *image.RGBA, text string) {
	if e.font == nil || text == "" {
		return
	}

	drawer := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(e.options.LabelColor),
		Face: e.font,
	}

	bounds, _ := drawer.BoundString(text)
	textWidth := (bounds.Max.X - bounds.Min.X).Ceil()
	textHeight := (bounds.Max.Y - bounds.Min.Y).Ceil()
	width, height := dst.Bounds().Dx(), dst.Bounds().Dy()

	var x, y int
	padding := 12

	switch e.options.LabelPosition {
	case "top-left":
		x = padding
		y = padding + textHeight
	case "top-right":
		x = width - textWidth - padding
		y = padding + textHeight
	case "bottom-left":
		x = padding
		y = height - padding
	case "center":
		x = (width - textWidth) / 2
		y = (height + textHeight) / 2
	default:
		x = width - textWidth - padding
		y = height - padding
	}

	if e.options.LabelShadow {
		shadowDrawer := &font.Drawer{
			Dst:  dst,
			Src:  image.NewUniform(color.RGBA{0, 0, 0, 180}),
			Face: e.font,
			Dot:  fixed.P(x+2, y+2),
		}
		shadowDrawer.DrawString(text)
	}

	drawer.Dot = fixed.P(x, y)
	drawer.DrawString(text)
}

// Export encodes frames, in the given order, into outputPath. The file is
// written to a temporary name in the same directory and renamed on success.
func (e *Exporter) Export(frames []Frame, outputPath string) error {
	opts := e.options

	if len(frames) == 0 {
		return ErrEmptyFrameSequence
	}
	if err := opts.Validate(); err != nil {
		return err
	}
	for i, frame := range frames {
		if frame.Image == nil || frame.Image.Bounds().Empty() {
			return fmt.Errorf("frame %d has no image data", i)
		}
	}

	format := opts.Format
	if format == "" {
		format = FormatGIF
	}

	var encode func([]Frame, string) error
	switch format {
	case FormatGIF:
		encode = e.exportGIF
	case FormatAVI:
		encode = e.exportMotionJPEG
	default:
		return fmt.Errorf("%w: %s (supported: gif, avi)", ErrUnsupportedFormat, format)
	}

	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".timelapse-*"+format.Extension())
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()

	if err := encode(frames, tmpPath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to set animation permissions: %w", err)
	}
	if err := os.Rename(tmpPath, outputPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to move animation into place: %w", err)
	}

	e.log.Info("Animation exported", "path", outputPath, "format", format, "frames", len(frames), "fps", opts.FrameRate)
	return nil
}

func (e *Exporter) outputSize(frames []Frame) (int, int) {
	w, h := e.options.Width, e.options.Height
	if w <= 0 || h <= 0 {
		b := frames[0].Image.Bounds()
		w, h = b.Dx(), b.Dy()
	}
	return w, h
}

// exportMotionJPEG creates an AVI file with Motion JPEG codec
func (e *Exporter) exportMotionJPEG(frames []Frame, outputPath string) error {
	width, height := e.outputSize(frames)

	// AVI headers carry an integer rate
	fps := int32(math.Round(e.options.FrameRate))
	if fps < 1 {
		fps = 1
	}

	quality := e.options.Quality
	if quality < 1 || quality > 100 {
		quality = DefaultExportOptions().Quality
	}

	writer, err := mjpeg.New(outputPath, int32(width), int32(height), fps)
	if err != nil {
		return fmt.Errorf("failed to create video writer: %w", err)
	}

	for i, frame := range frames {
		processed := e.ProcessFrame(frame, width, height)

		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, processed, &jpeg.Options{Quality: quality}); err != nil {
			writer.Close()
			return fmt.Errorf("failed to encode frame %d as JPEG: %w", i, err)
		}

		if err := writer.AddFrame(buf.Bytes()); err != nil {
			writer.Close()
			return fmt.Errorf("failed to add frame %d: %w", i, err)
		}
		e.log.Debug("Encoded frame", "index", i, "label", e.label(frame))
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize video: %w", err)
	}
	return nil
}

// exportGIF creates an animated GIF
func (e *Exporter) exportGIF(frames []Frame, outputPath string) error {
	width, height := e.outputSize(frames)

	palettedImages := make([]*image.Paletted, 0, len(frames))
	delays := make([]int, 0, len(frames))
	delay := GIFDelay(e.options.FrameRate)

	for i, frame := range frames {
		processed := e.ProcessFrame(frame, width, height)

		bounds := processed.Bounds()
		palettedImg := image.NewPaletted(bounds, palette.Plan9)
		if e.options.Dither {
			draw.FloydSteinberg.Draw(palettedImg, bounds, processed, image.Point{})
		} else {
			draw.Draw(palettedImg, bounds, processed, image.Point{}, draw.Src)
		}

		palettedImages = append(palettedImages, palettedImg)
		delays = append(delays, delay)
		e.log.Debug("Quantized frame", "index", i, "label", e.label(frame))
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}

	err = gif.EncodeAll(f, &gif.GIF{
		Image: palettedImages,
		Delay: delays,
		Config: image.Config{
			ColorModel: color.Palette(palette.Plan9),
			Width:      width,
			Height:     height,
		},
	})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to encode GIF: %w", err)
	}
	return nil
}

// Close releases resources
func (e *Exporter) Close() error {
	if e.font != nil {
		return e.font.Close()
	}
	return nil
}
