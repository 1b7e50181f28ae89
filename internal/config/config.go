// Package config loads the vzbox host configuration.
//
// The configuration is a JSON file read from $VZBOX_CONFIG or
// /etc/vzbox/config.json. A missing default file yields the built-in
// defaults; a missing file named by $VZBOX_CONFIG is an error.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/aledbf/vzbox/internal/paths"
	"github.com/aledbf/vzbox/internal/timeouts"
)

// DefaultConfigPath is read when $VZBOX_CONFIG is unset.
const DefaultConfigPath = "/etc/vzbox/config.json"

// Engines accepted in Config.Engine.
const (
	EngineVZ        = "vz"
	EngineSimulator = "simulator"
)

// Config is the host configuration.
type Config struct {
	Engine string       `json:"engine,omitempty"`
	Paths  PathsConfig  `json:"paths"`
	Bridge BridgeConfig `json:"bridge"`
	Log    LogConfig    `json:"log"`
}

// PathsConfig locates host state.
type PathsConfig struct {
	StateDir string `json:"state_dir,omitempty"`
	LogDir   string `json:"log_dir,omitempty"`
}

// BridgeConfig tunes the callback bridge.
type BridgeConfig struct {
	RetireTimeout Duration `json:"retire_timeout,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `json:"level,omitempty"`
}

// Duration is a time.Duration encoded as a Go duration string, e.g. "5s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

var (
	loadOnce   sync.Once
	loadConfig *Config
	loadErr    error
)

// Get loads the configuration once per process.
func Get() (*Config, error) {
	loadOnce.Do(func() {
		path := DefaultConfigPath
		explicit := false
		if p := os.Getenv("VZBOX_CONFIG"); p != "" {
			path, explicit = p, true
		}
		loadConfig, loadErr = Load(path)
		if explicit || !errors.Is(loadErr, fs.ErrNotExist) {
			return
		}
		log.L.WithField("path", path).Debug("no configuration file, using defaults")
		loadConfig, loadErr = FromDefaults()
	})
	return loadConfig, loadErr
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w: %w", path, err, errdefs.ErrInvalidArgument)
	}
	if err := cfg.finalize(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// FromDefaults returns the validated built-in configuration.
func FromDefaults() (*Config, error) {
	var cfg Config
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) finalize() error {
	c.applyDefaults()
	return c.Validate()
}

func (c *Config) applyDefaults() {
	if c.Engine == "" {
		c.Engine = EngineVZ
	}
	if c.Paths.StateDir == "" {
		c.Paths.StateDir = paths.GetStateDir()
	}
	if c.Paths.LogDir == "" {
		c.Paths.LogDir = paths.GetLogDir()
	}
	if c.Bridge.RetireTimeout == 0 {
		c.Bridge.RetireTimeout = Duration(timeouts.RetireDrainTimeout)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks every field and prepares the state directory. Paths are
// replaced by their canonical form.
func (c *Config) Validate() error {
	var errs []error

	switch c.Engine {
	case EngineVZ, EngineSimulator:
	default:
		errs = append(errs, fmt.Errorf("engine: unknown engine %q: %w", c.Engine, errdefs.ErrInvalidArgument))
	}

	if c.Bridge.RetireTimeout <= 0 {
		errs = append(errs, fmt.Errorf("bridge.retire_timeout: must be positive: %w", errdefs.ErrInvalidArgument))
	}

	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q: %w", c.Log.Level, errdefs.ErrInvalidArgument))
	}

	if err := ensureDirectoryWritable(c.Paths.StateDir, "paths.state_dir"); err != nil {
		errs = append(errs, err)
	} else if p, err := canonicalizePath(c.Paths.StateDir); err == nil {
		c.Paths.StateDir = p
	}
	if p, err := canonicalizePath(c.Paths.LogDir); err != nil {
		errs = append(errs, fmt.Errorf("paths.log_dir: %w", err))
	} else {
		c.Paths.LogDir = p
	}

	return errors.Join(errs...)
}
