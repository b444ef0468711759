// Package timelapse runs the end-to-end generation of a monthly Landsat
// animation: region, scene search, monthly selection, rendering and export.
package timelapse

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"landsat-timelapse/internal/geo"
	"landsat-timelapse/internal/imagery"
	"landsat-timelapse/internal/provider"
	"landsat-timelapse/internal/scenes"
	"landsat-timelapse/internal/utils/naming"
	"landsat-timelapse/internal/video"
	"landsat-timelapse/internal/visualize"
	"landsat-timelapse/pkg/geotiff"
)

// Source is the imagery backend a pipeline reads from.
type Source interface {
	provider.Searcher
	provider.BandFetcher
}

// Recorder receives run counters. *metrics.Metrics satisfies it.
type Recorder interface {
	RecordSearch(candidates int)
	RecordSelection(months int)
	RecordFrame(err error)
}

// Stage names a pipeline step in progress reports.
type Stage string

const (
	StageSearch Stage = "search"
	StageSelect Stage = "select"
	StageRender Stage = "render"
	StageExport Stage = "export"
	StageFrames Stage = "frames"
)

// Progress is reported as the pipeline advances.
type Progress struct {
	Stage   Stage
	Current int
	Total   int
}

// Request describes one animation.
type Request struct {
	Location      string // free-form place name, used in the output name
	Center        geo.Coordinate
	Mode          visualize.Mode
	MaxCloudCover float64
	Range         scenes.DateRange
	Region        geo.RegionOptions
	Stretch       visualize.StretchBounds
	Export        *video.ExportOptions

	OutputDir  string
	OutputPath string // overrides the generated name when set
	KeepFrames bool   // also write each frame as a GeoTIFF
}

// Result summarizes a finished run.
type Result struct {
	OutputPath string
	Frames     int
	Selections []scenes.Selection
	Gaps       []scenes.MonthKey
	Region     geo.Region
	FramePaths []string
}

// Pipeline generates animations from a Source.
type Pipeline struct {
	source     Source
	workers    int
	recorder   Recorder
	onProgress func(Progress)
	now        func() time.Time
	log        *slog.Logger
}

// New creates a pipeline. workers < 1 uses the renderer default.
func New(source Source, workers int, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		source:  source,
		workers: workers,
		now:     time.Now,
		log:     log.With("component", "timelapse"),
	}
}

// SetRecorder sets the counter sink.
func (p *Pipeline) SetRecorder(r Recorder) {
	p.recorder = r
}

// SetOnProgress sets the progress callback.
func (p *Pipeline) SetOnProgress(fn func(Progress)) {
	p.onProgress = fn
}

// SetClock overrides the time used for output names.
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

func (p *Pipeline) progress(stage Stage, current, total int) {
	if p.onProgress != nil {
		p.onProgress(Progress{Stage: stage, Current: current, Total: total})
	}
}

// Generate runs the whole pipeline. Nothing is fetched when the search
// yields no qualifying month, and nothing is written unless every frame
// renders.
func (p *Pipeline) Generate(ctx context.Context, req Request) (*Result, error) {
	mode, err := visualize.ParseMode(string(req.Mode))
	if err != nil {
		return nil, err
	}
	export := req.Export
	if export == nil {
		export = video.DefaultExportOptions()
	}
	if err := export.Validate(); err != nil {
		return nil, err
	}
	format, _ := video.ParseFormat(string(export.Format))
	if err := req.Range.Validate(); err != nil {
		return nil, err
	}
	opts := req.Region
	if opts == (geo.RegionOptions{}) {
		opts = geo.DefaultRegionOptions()
	}

	region, err := geo.CalculateRegion(req.Center, opts)
	if err != nil {
		return nil, err
	}
	p.log.InfoContext(ctx, "Region calculated",
		"center", req.Center.String(),
		"bbox", region.String(),
		"width_km", region.WidthMeters/1000)

	// Search bounds are half-open; the range end is inclusive by day.
	end := req.Range.End.UTC()
	searchEnd := time.Date(end.Year(), end.Month(), end.Day()+1, 0, 0, 0, 0, time.UTC)

	p.progress(StageSearch, 0, 1)
	candidates, err := p.source.SearchScenes(ctx, region, req.Range.Start, searchEnd, req.MaxCloudCover)
	if err != nil {
		return nil, fmt.Errorf("scene search failed: %w", err)
	}
	p.progress(StageSearch, 1, 1)
	if p.recorder != nil {
		p.recorder.RecordSearch(len(candidates))
	}

	selections := scenes.SelectMonthly(candidates, req.MaxCloudCover)
	gaps := scenes.Gaps(req.Range, selections)
	p.progress(StageSelect, len(selections), len(req.Range.Months()))
	if p.recorder != nil {
		p.recorder.RecordSelection(len(selections))
	}
	p.log.InfoContext(ctx, "Monthly scenes selected",
		"candidates", len(candidates),
		"months", len(selections),
		"gaps", len(gaps))

	if len(selections) == 0 {
		return nil, fmt.Errorf("%w: no scenes with cloud cover <= %g%% between %s and %s",
			video.ErrEmptyFrameSequence, req.MaxCloudCover,
			req.Range.Start.Format(time.DateOnly), req.Range.End.Format(time.DateOnly))
	}

	renderer := imagery.NewFrameRenderer(p.workers, p.source, visualize.NewMapper(req.Stretch), p.log)
	if p.recorder != nil {
		renderer.OnFrame = func(_ scenes.MonthKey, err error) { p.recorder.RecordFrame(err) }
	}
	frames, err := renderer.Render(ctx, mode, selections, func(current, total int) {
		p.progress(StageRender, current, total)
	})
	if err != nil {
		return nil, err
	}

	outputPath := req.OutputPath
	if outputPath == "" {
		location := req.Location
		if location == "" {
			location = req.Center.String()
		}
		outputPath = filepath.Join(req.OutputDir, naming.AnimationFilename(location, string(mode), format.Extension(), p.now()))
	}

	exporter, err := video.NewExporter(export, p.log)
	if err != nil {
		return nil, err
	}
	defer exporter.Close()

	p.progress(StageExport, 0, 1)
	if err := exporter.Export(frames, outputPath); err != nil {
		return nil, fmt.Errorf("failed to export animation: %w", err)
	}
	p.progress(StageExport, 1, 1)

	result := &Result{
		OutputPath: outputPath,
		Frames:     len(frames),
		Selections: selections,
		Gaps:       gaps,
		Region:     region,
	}

	if req.KeepFrames {
		paths, err := p.writeFrames(ctx, filepath.Dir(outputPath), mode, region, frames)
		if err != nil {
			// A failed run leaves no output behind.
			p.removeOutputs(append(paths, outputPath))
			return nil, err
		}
		result.FramePaths = paths
	}
	return result, nil
}

// writeFrames stores each frame as an EPSG:4326 GeoTIFF next to the
// animation.
func (p *Pipeline) writeFrames(ctx context.Context, dir string, mode visualize.Mode, region geo.Region, frames []video.Frame) ([]string, error) {
	px, py := region.PixelSize()
	tags := geotiff.WGS84Tags(region.West(), region.North(), px, py)

	paths := make([]string, 0, len(frames))
	for i, f := range frames {
		if err := ctx.Err(); err != nil {
			return paths, err
		}
		name := naming.FrameGeoTIFFFilename(string(mode), f.Date, region.South(), region.West(), region.North(), region.East())
		path := filepath.Join(dir, name)
		if err := geotiff.WriteFile(path, f.Image, tags); err != nil {
			return paths, fmt.Errorf("failed to write frame %s: %w", name, err)
		}
		paths = append(paths, path)
		p.progress(StageFrames, i+1, len(frames))
	}
	p.log.InfoContext(ctx, "Frames written", "count", len(paths), "dir", dir)
	return paths, nil
}

func (p *Pipeline) removeOutputs(paths []string) {
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			p.log.Warn("Failed to remove partial output", "path", path, "error", err)
		}
	}
}
