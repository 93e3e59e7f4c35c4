// Package captureconfig loads and persists the TOML configuration of a
// capture rig: the dataset location, Dublin-Core style metadata stamped onto
// every session, logging setup, and one block per hardware unit. The same
// document format is written back into each session directory as
// config.toml, so a capture is always reproducible from its own record.
package captureconfig

import (
	"errors"
	"fmt"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ErrInvalid is returned for configuration files that parse but cannot
// describe a capture rig.
var ErrInvalid = errors.New("invalid capture configuration")

// Config is the whole rig description.
type Config struct {
	// DatasetDir is the root directory capture sessions are created in.
	DatasetDir string `koanf:"dataset_dir"`

	Metadata Metadata            `koanf:"metadata"`
	Logging  Logging             `koanf:"logging"`
	Capture  Capture             `koanf:"capture"`
	Hardware map[string]Hardware `koanf:"hardware"`
}

// Metadata is the descriptive record stamped onto each session. Date and
// UUID are filled per session by Stamp, not by the rig config file.
type Metadata struct {
	Title       string `koanf:"title"`
	Creator     string `koanf:"creator"`
	Subject     string `koanf:"subject"`
	Description string `koanf:"description"`
	Date        string `koanf:"date"`
	License     string `koanf:"license"`
	UUID        string `koanf:"uuid"`
}

// Logging controls the per-session capture.log.
type Logging struct {
	Level string `koanf:"level"`
}

// Capture bounds one capture run.
type Capture struct {
	// Duration is an optional wall-clock bound on the capture phase, in
	// time.ParseDuration syntax. Empty means run until every unit reports
	// completion.
	Duration string `koanf:"duration"`
}

// Hardware describes one capture unit. Kind selects the implementation;
// the remaining fields are the union of what the known kinds need.
type Hardware struct {
	// Kind is the unit implementation, e.g. "radar_dca".
	Kind string `koanf:"kind"`

	// Interface is the ethernet interface wired to the capture card.
	Interface string `koanf:"interface"`

	RadarConfig     string `koanf:"radar_config"`
	RadarConfigPort string `koanf:"radar_config_port"`
	RadarDataPort   string `koanf:"radar_data_port"`

	DCAIP         string `koanf:"dca_ip"`
	HostIP        string `koanf:"host_ip"`
	DCAConfigPort int    `koanf:"dca_config_port"`
	DCADataPort   int    `koanf:"dca_data_port"`

	CaptureFrames int `koanf:"capture_frames"`
}

// Load reads and validates a rig configuration.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the fields every capture needs.
func (c *Config) Validate() error {
	if c.DatasetDir == "" {
		return fmt.Errorf("%w: dataset_dir is not set", ErrInvalid)
	}
	if _, err := c.CaptureDuration(); err != nil {
		return err
	}
	for name, hw := range c.Hardware {
		if hw.Kind == "" {
			return fmt.Errorf("%w: hardware.%s has no kind", ErrInvalid, name)
		}
	}
	return nil
}

// CaptureDuration parses the optional capture bound. Zero means unbounded.
func (c *Config) CaptureDuration() (time.Duration, error) {
	if c.Capture.Duration == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Capture.Duration)
	if err != nil {
		return 0, fmt.Errorf("%w: capture.duration %q", ErrInvalid, c.Capture.Duration)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: capture.duration %q is negative", ErrInvalid, c.Capture.Duration)
	}
	return d, nil
}

// Stamp fills the per-session metadata fields.
func (c *Config) Stamp(now time.Time, id string) {
	c.Metadata.Date = now.Format(time.RFC3339)
	c.Metadata.UUID = id
}

// Marshal renders the configuration as TOML.
func (c *Config) Marshal() ([]byte, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(*c, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	data, err := toml.Parser().Marshal(k.Raw())
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}
