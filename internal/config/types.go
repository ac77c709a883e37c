package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the on-disk configuration. JSON and YAML are both accepted;
// unknown fields are rejected.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "6h").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Engine   EngineConfig   `json:"engine"`
	Audio    AudioConfig    `json:"audio"`
	Timesync TimesyncConfig `json:"timesync,omitempty"`
	Web      WebConfig      `json:"web,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level,omitempty"` // trace|debug|info|warn|error
	Console bool       `json:"console,omitempty"`
	File    FileTarget `json:"file,omitempty"`
}

type FileTarget struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	Driver string `json:"driver,omitempty"` // sqlite (default) or memory
	Path   string `json:"path,omitempty"`
	// BusyTimeout is how long sqlite waits on a locked database.
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type EngineConfig struct {
	// Timezone is an IANA name ("Europe/Berlin"); empty means the host zone.
	Timezone string `json:"timezone,omitempty"`
	// MaterializeDays is the override one-shot horizon. Default 30.
	MaterializeDays int `json:"materialize_days,omitempty"`
	// LookaheadDays is the next-event search horizon. Default 7.
	LookaheadDays int    `json:"lookahead_days,omitempty"`
	FireTimeout   string `json:"fire_timeout,omitempty"` // default "30s"
}

type AudioConfig struct {
	// Players overrides the built-in player chain.
	Players []string  `json:"players,omitempty"`
	TTS     TTSConfig `json:"tts,omitempty"`
}

type TTSConfig struct {
	Enabled   bool   `json:"enabled,omitempty"`
	PiperBin  string `json:"piper_bin,omitempty"`
	ModelPath string `json:"model_path,omitempty"`
}

type TimesyncConfig struct {
	Enabled  bool     `json:"enabled,omitempty"`
	Interval string   `json:"interval,omitempty"` // default "6h"
	Timeout  string   `json:"timeout,omitempty"`  // default "5s"
	Servers  []string `json:"servers,omitempty"`
}

type WebConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Addr    string `json:"addr,omitempty"` // default ":8080"
	Token   string `json:"token,omitempty"`
}

// Validate checks everything that can fail at parse time, so a bad reload
// is rejected before it reaches any component.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "memory":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Engine.MaterializeDays < 0 {
		return fmt.Errorf("engine.materialize_days must be >= 0")
	}
	if c.Engine.LookaheadDays < 0 {
		return fmt.Errorf("engine.lookahead_days must be >= 0")
	}
	for _, f := range []struct{ path, raw string }{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"engine.fire_timeout", c.Engine.FireTimeout},
		{"timesync.interval", c.Timesync.Interval},
		{"timesync.timeout", c.Timesync.Timeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if c.Audio.TTS.Enabled && strings.TrimSpace(c.Audio.TTS.ModelPath) == "" {
		return fmt.Errorf("audio.tts.model_path is required when tts is enabled")
	}
	return nil
}

// Location resolves the engine timezone.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Engine.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("engine.timezone: %w", err)
	}
	return loc, nil
}
