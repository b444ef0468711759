// Package telemetry sends optional, anonymous usage events to PostHog.
package telemetry

import (
	"log/slog"

	"github.com/google/uuid"
	"github.com/posthog/posthog-go"
)

// Event names.
const (
	EventAnimationGenerated = "animation_generated"
	EventAnimationFailed    = "animation_failed"
)

// Config enables telemetry when APIKey is set.
type Config struct {
	APIKey string
	Host   string
}

type enqueuer interface {
	Enqueue(posthog.Message) error
	Close() error
}

// Client tags every event with a per-run id. A nil or disabled Client is a
// no-op.
type Client struct {
	ph    enqueuer
	runID string
	log   *slog.Logger
}

// New returns a Client. Without an API key the client is disabled and New
// never fails.
func New(cfg Config, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "telemetry")

	c := &Client{runID: uuid.NewString(), log: log}
	if cfg.APIKey == "" {
		return c
	}

	ph, err := posthog.NewWithConfig(cfg.APIKey, posthog.Config{Endpoint: cfg.Host})
	if err != nil {
		log.Warn("Failed to initialize PostHog", "error", err)
		return c
	}
	c.ph = ph
	return c
}

// RunID identifies this invocation in events and logs.
func (c *Client) RunID() string {
	if c == nil {
		return ""
	}
	return c.runID
}

// Enabled reports whether events are sent.
func (c *Client) Enabled() bool {
	return c != nil && c.ph != nil
}

// Track enqueues an event. Failures are logged and otherwise ignored.
func (c *Client) Track(event string, props map[string]any) {
	if !c.Enabled() {
		return
	}

	properties := posthog.NewProperties().Set("run_id", c.runID)
	for k, v := range props {
		properties.Set(k, v)
	}

	if err := c.ph.Enqueue(posthog.Capture{
		DistinctId: c.runID,
		Event:      event,
		Properties: properties,
	}); err != nil {
		c.log.Debug("Failed to enqueue event", "event", event, "error", err)
	}
}

// Close flushes pending events.
func (c *Client) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.ph.Close()
}
