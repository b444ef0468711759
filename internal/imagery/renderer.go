// Package imagery turns monthly scene selections into rendered frames.
package imagery

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/samber/lo"

	"landsat-timelapse/internal/common"
	"landsat-timelapse/internal/landsat"
	"landsat-timelapse/internal/provider"
	"landsat-timelapse/internal/scenes"
	"landsat-timelapse/internal/video"
	"landsat-timelapse/internal/visualize"
)

// DefaultWorkers is the render pool size when none is configured.
const DefaultWorkers = 4

// FrameRenderer fetches the bands a mode needs for each selection and
// renders them with a bounded worker pool.
type FrameRenderer struct {
	workers int
	fetcher provider.BandFetcher
	mapper  *visualize.Mapper
	log     *slog.Logger

	// OnFrame, when set, is called once per finished selection.
	OnFrame func(month scenes.MonthKey, err error)
}

// NewFrameRenderer creates a renderer. workers < 1 uses DefaultWorkers.
func NewFrameRenderer(workers int, fetcher provider.BandFetcher, mapper *visualize.Mapper, log *slog.Logger) *FrameRenderer {
	if workers < 1 {
		workers = DefaultWorkers
	}
	if mapper == nil {
		mapper = visualize.NewMapper(visualize.DefaultStretch())
	}
	if log == nil {
		log = slog.Default()
	}
	return &FrameRenderer{
		workers: workers,
		fetcher: fetcher,
		mapper:  mapper,
		log:     log.With("component", "renderer"),
	}
}

type job struct {
	index     int
	selection scenes.Selection
}

// Render returns one frame per selection, in selection order. The first
// failure cancels the remaining work; the error reported is the one with
// the lowest selection index.
func (r *FrameRenderer) Render(
	ctx context.Context,
	mode visualize.Mode,
	selections []scenes.Selection,
	onProgress func(current, total int),
) ([]video.Frame, error) {
	if len(selections) == 0 {
		return nil, video.ErrEmptyFrameSequence
	}

	total := len(selections)
	bands := mode.RequiredBands()
	var rendered int64

	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan job, total)
	results := make(chan common.IndexedResult[*image.RGBA], total)

	workerCount := min(r.workers, total)

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				if err := workCtx.Err(); err != nil {
					results <- common.IndexedResult[*image.RGBA]{Index: j.index, Err: err}
					continue
				}

				img, err := r.renderOne(workCtx, mode, bands, j.selection)
				if err != nil {
					cancel()
				}
				results <- common.IndexedResult[*image.RGBA]{Index: j.index, Value: img, Err: err}

				if r.OnFrame != nil {
					r.OnFrame(j.selection.Month, err)
				}
				done := atomic.AddInt64(&rendered, 1)
				if onProgress != nil {
					onProgress(int(done), total)
				}
			}
		}()
	}

	for i, sel := range selections {
		jobs <- job{index: i, selection: sel}
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	collected := make([]common.IndexedResult[*image.RGBA], 0, total)
	for res := range results {
		collected = append(collected, res)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Cancellations triggered by a sibling failure are not the cause.
	failures := lo.Filter(collected, func(res common.IndexedResult[*image.RGBA], _ int) bool {
		return res.Err != nil && !errors.Is(res.Err, context.Canceled)
	})
	if err := common.FirstError(failures); err != nil {
		return nil, err
	}
	if err := common.FirstError(collected); err != nil {
		return nil, err
	}

	common.SortByIndex(collected)
	frames := make([]video.Frame, total)
	for _, res := range collected {
		frames[res.Index] = video.Frame{
			Image: res.Value,
			Date:  selections[res.Index].Month.Start(),
		}
	}
	return frames, nil
}

func (r *FrameRenderer) renderOne(ctx context.Context, mode visualize.Mode, bands []landsat.Band, sel scenes.Selection) (*image.RGBA, error) {
	r.log.DebugContext(ctx, "Rendering frame",
		"month", sel.Month.String(),
		"scene", sel.Scene.ID,
		"cloud_cover", sel.Scene.CloudCover)

	set, err := r.fetcher.FetchBands(ctx, sel.Scene, bands)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch bands for %s (%s): %w", sel.Month, sel.Scene.ID, err)
	}

	img, err := r.mapper.Render(mode, set)
	if err != nil {
		return nil, fmt.Errorf("failed to render %s (%s): %w", sel.Month, sel.Scene.ID, err)
	}
	return img, nil
}
