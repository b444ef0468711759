package main

import (
	"flag"
	"fmt"
	"io"

	"landsat-timelapse/internal/config"
	"landsat-timelapse/internal/provider"
	"landsat-timelapse/internal/scenes"
	"landsat-timelapse/internal/video"
	"landsat-timelapse/internal/visualize"
)

// cliOptions holds raw flag values. Only flags given on the command line
// override the loaded settings.
type cliOptions struct {
	location    string
	mode        string
	cloudCover  float64
	fps         float64
	format      string
	provider    string
	start       string
	end         string
	output      string
	configPath  string
	workers     int
	keepFrames  bool
	listModes   bool
	writeConfig string
	clearCache  bool
}

func newFlagSet(stderr io.Writer) (*flag.FlagSet, *cliOptions) {
	o := &cliOptions{}
	fs := flag.NewFlagSet("landsat-timelapse", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usageHeader)
		fs.PrintDefaults()
	}

	fs.StringVar(&o.location, "location", "", "City name or latitude,longitude coordinates")
	fs.StringVar(&o.location, "l", "", "Shorthand for -location")
	fs.StringVar(&o.mode, "mode", string(visualize.RGB), "Visualization mode (see -list-modes)")
	fs.StringVar(&o.mode, "m", string(visualize.RGB), "Shorthand for -mode")
	fs.Float64Var(&o.cloudCover, "cloud-cover", scenes.DefaultMaxCloudCover, "Maximum cloud cover percentage")
	fs.Float64Var(&o.cloudCover, "c", scenes.DefaultMaxCloudCover, "Shorthand for -cloud-cover")
	fs.Float64Var(&o.fps, "fps", 12, "Frames per second")
	fs.Float64Var(&o.fps, "f", 12, "Shorthand for -fps")
	fs.StringVar(&o.format, "format", string(video.FormatGIF), "Output format: gif or avi")
	fs.StringVar(&o.provider, "provider", string(provider.TypeEarthEngine), "Imagery provider: earthengine or m2m")
	fs.StringVar(&o.start, "start", "", "First date, YYYY-MM-DD or YYYY-MM (default 2013-01-01)")
	fs.StringVar(&o.end, "end", "", "Last date, YYYY-MM-DD or YYYY-MM (default today)")
	fs.StringVar(&o.output, "output", "", "Output directory")
	fs.StringVar(&o.configPath, "config", "", "Config file (yaml, json or toml)")
	fs.IntVar(&o.workers, "workers", 4, "Frames rendered in parallel")
	fs.BoolVar(&o.keepFrames, "keep-frames", false, "Also write every frame as a GeoTIFF")
	fs.BoolVar(&o.listModes, "list-modes", false, "List visualization modes and exit")
	fs.StringVar(&o.writeConfig, "write-config", "", "Write the effective settings (without secrets) to this JSON file and exit")
	fs.BoolVar(&o.clearCache, "clear-cache", false, "Empty the download cache before running")

	return fs, o
}

// applyFlags copies explicitly set flags over s.
func applyFlags(fs *flag.FlagSet, o *cliOptions, s *config.Settings) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mode", "m":
			s.Mode = o.mode
		case "cloud-cover", "c":
			s.MaxCloudCover = o.cloudCover
		case "fps", "f":
			s.FPS = o.fps
		case "format":
			s.Format = o.format
		case "provider":
			s.Provider.Type = o.provider
		case "start":
			s.StartDate = o.start
		case "end":
			s.EndDate = o.end
		case "output":
			s.OutputDir = o.output
		case "workers":
			s.Workers = o.workers
		case "keep-frames":
			s.KeepFrames = o.keepFrames
		}
	})
}

func printModes(w io.Writer) {
	fmt.Fprintln(w, "\nAvailable visualization modes:")
	for _, m := range visualize.Modes() {
		fmt.Fprintf(w, "  - %s: %s\n", m, m.Description())
	}
	fmt.Fprintln(w)
}
