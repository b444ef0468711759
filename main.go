package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"landsat-timelapse/internal/config"
)

// Constants for different environment types.
const (
	envLocal = "local"
	envDev   = "development"
	envProd  = "production"
)

const usageHeader = `Create an animated GIF from Landsat satellite imagery.

Fetches Landsat scenes for a location, filters them by cloud cover, keeps the
clearest scene of every month and assembles the months into an animation.

Usage:
  landsat-timelapse [flags]

Flags:
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs, opts := newFlagSet(stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if opts.listModes {
		printModes(stdout)
		return 0
	}

	settings, err := config.LoadSettings(opts.configPath)
	if err != nil {
		fmt.Fprintln(stderr, describeError(err))
		return 1
	}
	applyFlags(fs, opts, settings)

	if opts.writeConfig != "" {
		if err := config.SaveSettings(settings, opts.writeConfig); err != nil {
			fmt.Fprintln(stderr, describeError(err))
			return 1
		}
		fmt.Fprintf(stdout, "Settings written to %s\n", opts.writeConfig)
		return 0
	}

	if err := settings.Validate(); err != nil {
		fmt.Fprintln(stderr, describeError(err))
		return 1
	}

	logger := setupLogger(settings.Env, stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(settings, logger, stdout)
	if err != nil {
		fmt.Fprintln(stderr, describeError(err))
		return 1
	}
	defer app.Close()

	if opts.clearCache {
		if err := app.ClearCache(); err != nil {
			fmt.Fprintln(stderr, describeError(err))
			return 1
		}
		fmt.Fprintln(stdout, "Download cache cleared.")
	}

	location := strings.TrimSpace(opts.location)
	if location == "" {
		location = prompt(stdin, stdout, "Enter city name or lat,long coordinates: ")
	}
	if location == "" {
		if opts.clearCache {
			return 0
		}
		fmt.Fprintln(stderr, "Error: a location is required (use -location)")
		return 2
	}

	printModes(stdout)

	if _, err := app.Run(ctx, location); err != nil {
		fmt.Fprintln(stderr, describeError(err))
		return 1
	}
	return 0
}

// prompt reads one line from in. It returns "" on EOF.
func prompt(in io.Reader, out io.Writer, question string) string {
	fmt.Fprint(out, question)
	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		fmt.Fprintln(out)
		return ""
	}
	return strings.TrimSpace(scanner.Text())
}

// setupLogger initializes and returns a logger based on the environment provided.
// Logs go to w so that stdout stays reserved for the run summary.
func setupLogger(env string, w io.Writer) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = slog.New(
			slog.NewTextHandler(w, &slog.HandlerOptions{
				Level:     slog.LevelDebug,
				AddSource: true,
			}),
		)
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(w, &slog.HandlerOptions{
				Level: slog.LevelInfo,
			}),
		)
	default:
		log = slog.New(
			slog.NewJSONHandler(w, &slog.HandlerOptions{
				Level: slog.LevelWarn,
				ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
					if a.Key == slog.TimeKey {
						return slog.Attr{}
					}
					return a
				},
			}),
		)
	}

	return log
}
