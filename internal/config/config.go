// Package config loads wordstorm's TOML configuration and watches it for
// changes so long sessions pick up tuning adjustments without a restart.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the full client configuration as read from disk.
type Config struct {
	Engine  Engine  `toml:"engine"`
	Timeout Timeout `toml:"timeout"`
	Restart Restart `toml:"restart"`
	Respawn Respawn `toml:"respawn"`
	Log     Log     `toml:"log"`
}

// Engine configures the completion engine process.
type Engine struct {
	// Command is the engine executable name or path.
	Command string `toml:"command"`
	// DataDir is the engine's dictionary directory, passed as --data.
	DataDir string `toml:"data_dir"`
	// Debug adds the engine's verbose flag.
	Debug bool `toml:"debug"`
}

// Timeout holds per-kind request deadlines in milliseconds.
type Timeout struct {
	LookupMs  int `toml:"lookup_ms"`
	ControlMs int `toml:"control_ms"`
	ReadyMs   int `toml:"ready_ms"`
}

// Restart tunes crash recovery.
type Restart struct {
	MaxAttempts      int `toml:"max_attempts"`
	InitialBackoffMs int `toml:"initial_backoff_ms"`
	MaxBackoffMs     int `toml:"max_backoff_ms"`
}

// Respawn tunes the proactive restart policy.
type Respawn struct {
	Enabled          bool `toml:"enabled"`
	RequestThreshold int  `toml:"request_threshold"`
	TimeThresholdMin int  `toml:"time_threshold_min"`
}

// Log configures logging.
type Log struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Engine: Engine{
			Command: "wordserve",
		},
		Timeout: Timeout{
			LookupMs:  1500,
			ControlMs: 5000,
			ReadyMs:   5000,
		},
		Restart: Restart{
			MaxAttempts:      5,
			InitialBackoffMs: 1000,
			MaxBackoffMs:     60000,
		},
		Respawn: Respawn{
			Enabled:          true,
			RequestThreshold: 1000,
			TimeThresholdMin: 30,
		},
		Log: Log{
			Level: "info",
		},
	}
}

// Load reads the config file at path over the defaults. A missing file is
// not an error; the defaults apply unchanged.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Default(), &ParseError{Path: path, Message: err.Error(), Err: err}
	}

	if err := cfg.Validate(); err != nil {
		return Default(), fmt.Errorf("config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks ranges; it does not touch the filesystem.
func (c *Config) Validate() error {
	if c.Engine.Command == "" {
		return errors.New("engine.command must not be empty")
	}
	if c.Timeout.LookupMs <= 0 || c.Timeout.ControlMs <= 0 || c.Timeout.ReadyMs <= 0 {
		return errors.New("timeout values must be positive")
	}
	if c.Restart.MaxAttempts < 1 {
		return errors.New("restart.max_attempts must be at least 1")
	}
	if c.Restart.InitialBackoffMs <= 0 || c.Restart.MaxBackoffMs < c.Restart.InitialBackoffMs {
		return errors.New("restart backoff range is invalid")
	}
	if c.Respawn.Enabled && c.Respawn.RequestThreshold < 1 {
		return errors.New("respawn.request_threshold must be at least 1")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log.level %q", c.Log.Level)
	}
	return nil
}

// LookupTimeout returns the lookup deadline as a duration.
func (c *Config) LookupTimeout() time.Duration {
	return time.Duration(c.Timeout.LookupMs) * time.Millisecond
}

// ControlTimeout returns the control deadline as a duration.
func (c *Config) ControlTimeout() time.Duration {
	return time.Duration(c.Timeout.ControlMs) * time.Millisecond
}

// ReadyTimeout returns the readiness probe deadline as a duration.
func (c *Config) ReadyTimeout() time.Duration {
	return time.Duration(c.Timeout.ReadyMs) * time.Millisecond
}

// ParseError reports a malformed configuration file.
type ParseError struct {
	Path    string
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error in %s: %s", e.Path, e.Message)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
