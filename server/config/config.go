package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cyclopcam/gridwatch/server/monitor"
	"github.com/cyclopcam/gridwatch/server/source"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config holds the server settings. Every field is optional.
// Streams are not configured here. They live in the config database.
type Config struct {
	Listen               string `json:"listen"`               // HTTP listen address. Default ":8000"
	BufferCapacity       int    `json:"bufferCapacity"`       // Frames buffered per stream. Default 10
	FrameSkip            int    `json:"frameSkip"`            // Buffer only every Nth captured frame. Default 2
	StaleTrackAgeSeconds int    `json:"staleTrackAgeSeconds"` // Tracks not seen for this long are not active. Default 5
	TickIntervalMS       int    `json:"tickIntervalMS"`       // Analysis loop interval. Default 10
	GridColumns          int    `json:"gridColumns"`          // Columns of the screen layout, when positions are assigned automatically. Default 3
	FrameWidth           int    `json:"frameWidth"`           // Frames are resized to this. Default 640
	FrameHeight          int    `json:"frameHeight"`          // Default 480
	FileFPS              int    `json:"fileFPS"`              // Playback rate of file and simulated sources. Default 30
	StopTimeoutMS        int    `json:"stopTimeoutMS"`        // Time allowed for each source to stop. Default 1000
	SimulatedStreams     int    `json:"simulatedStreams"`     // Simulated streams created on first run. Default 6
	BroadcastIntervalMS  int    `json:"broadcastIntervalMS"`  // Websocket update interval. Default 100
	EventRetentionDays   int    `json:"eventRetentionDays"`   // Crossing events older than this are deleted. Default 7
	JPEGQuality          int    `json:"jpegQuality"`          // Default 80
	UploadDir            string `json:"uploadDir"`            // Where uploaded video files are stored. Default $TMPDIR/gridwatch-uploads
	MaxUploadMB          int    `json:"maxUploadMB"`          // Largest accepted upload. Default 256
}

// Returns a config with every field set to its default
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads a JSON config file. Missing fields take their default values.
// If filename is empty, the defaults are returned.
func LoadConfig(filename string) (*Config, error) {
	cfg := &Config{}
	if filename != "" {
		raw, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("Error loading %v: %w", filename, err)
		}
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("Error loading as JSON %v: %w", filename, err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%v: %w", filename, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	setDefault := func(v *int, def int) {
		if *v == 0 {
			*v = def
		}
	}
	if c.Listen == "" {
		c.Listen = ":8000"
	}
	setDefault(&c.BufferCapacity, 10)
	setDefault(&c.FrameSkip, source.DefaultFrameSkip)
	setDefault(&c.StaleTrackAgeSeconds, 5)
	setDefault(&c.TickIntervalMS, 10)
	setDefault(&c.GridColumns, 3)
	setDefault(&c.FrameWidth, source.DefaultWidth)
	setDefault(&c.FrameHeight, source.DefaultHeight)
	setDefault(&c.FileFPS, source.DefaultFileFPS)
	setDefault(&c.StopTimeoutMS, 1000)
	setDefault(&c.SimulatedStreams, 6)
	setDefault(&c.BroadcastIntervalMS, 100)
	setDefault(&c.EventRetentionDays, 7)
	setDefault(&c.JPEGQuality, 80)
	setDefault(&c.MaxUploadMB, 256)
	if c.UploadDir == "" {
		c.UploadDir = filepath.Join(os.TempDir(), "gridwatch-uploads")
	}
}

func (c *Config) Validate() error {
	positive := map[string]int{
		"bufferCapacity":       c.BufferCapacity,
		"frameSkip":            c.FrameSkip,
		"staleTrackAgeSeconds": c.StaleTrackAgeSeconds,
		"tickIntervalMS":       c.TickIntervalMS,
		"gridColumns":          c.GridColumns,
		"frameWidth":           c.FrameWidth,
		"frameHeight":          c.FrameHeight,
		"fileFPS":              c.FileFPS,
		"stopTimeoutMS":        c.StopTimeoutMS,
		"broadcastIntervalMS":  c.BroadcastIntervalMS,
		"eventRetentionDays":   c.EventRetentionDays,
		"maxUploadMB":          c.MaxUploadMB,
	}
	for name, v := range positive {
		if v < 0 {
			return fmt.Errorf("%w: %v may not be negative (%v)", ErrInvalidConfig, name, v)
		}
	}
	if c.SimulatedStreams < 0 {
		return fmt.Errorf("%w: simulatedStreams may not be negative (%v)", ErrInvalidConfig, c.SimulatedStreams)
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("%w: jpegQuality must be between 1 and 100 (%v)", ErrInvalidConfig, c.JPEGQuality)
	}
	return nil
}

func (c *Config) StaleTrackAge() time.Duration {
	return time.Duration(c.StaleTrackAgeSeconds) * time.Second
}

func (c *Config) BroadcastInterval() time.Duration {
	return time.Duration(c.BroadcastIntervalMS) * time.Millisecond
}

func (c *Config) EventRetention() time.Duration {
	return time.Duration(c.EventRetentionDays) * 24 * time.Hour
}

func (c *Config) SourceOptions() source.Options {
	return source.Options{
		BufferCapacity: c.BufferCapacity,
		FrameSkip:      c.FrameSkip,
		Width:          c.FrameWidth,
		Height:         c.FrameHeight,
		FPS:            float64(c.FileFPS),
	}
}

func (c *Config) MonitorOptions() monitor.Options {
	return monitor.Options{
		TickInterval: time.Duration(c.TickIntervalMS) * time.Millisecond,
		StopTimeout:  time.Duration(c.StopTimeoutMS) * time.Millisecond,
		Source:       c.SourceOptions(),
	}
}
