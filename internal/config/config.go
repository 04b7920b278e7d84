// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.yaml.in/yaml/v3"
)

// ConfigFilePath is the default location for the configuration file.
const ConfigFilePath = "/etc/camogm/config.yaml"

// NumPorts is the number of capture ring ports the daemon can drain from.
const NumPorts = 4

// Config represents the complete camogm daemon configuration.
type Config struct {
	// Ports contains per-port capture ring configuration, indexed 0..NumPorts-1.
	Ports [NumPorts]PortConfig `yaml:"ports" koanf:"ports"`

	// Session holds the recording session defaults applied at start.
	Session SessionConfig `yaml:"session" koanf:"session"`

	// CmdPipe configures the command pipe/socket dispatch surface.
	CmdPipe CmdPipeConfig `yaml:"cmd_pipe" koanf:"cmd_pipe"`

	// Reader configures the secondary raw-device reader TCP service.
	Reader ReaderConfig `yaml:"reader" koanf:"reader"`

	// Health configures the status HTTP surface.
	Health HealthConfig `yaml:"health" koanf:"health"`
}

// PortConfig describes one capture ring's device paths and raw-device
// ring geometry.
type PortConfig struct {
	Enabled       bool   `yaml:"enabled" koanf:"enabled"`
	RingDevice    string `yaml:"ring_device" koanf:"ring_device"`       // e.g. /dev/circbuf0 (sysfs-backed frame ring)
	HeaderDevice  string `yaml:"header_device" koanf:"header_device"`   // JPEG header source
	ExifDevice    string `yaml:"exif_device" koanf:"exif_device"`       // Exif blob source
	LBAStart      int64  `yaml:"lba_start" koanf:"lba_start"`           // raw device sink only
	LBAEnd        int64  `yaml:"lba_end" koanf:"lba_end"`               // raw device sink only, exclusive
	StateFilePath string `yaml:"state_file_path" koanf:"state_file_path"`
}

// SessionConfig holds the fields a "start" command populates, mirroring
// the command-pipe key set.
type SessionConfig struct {
	Format             string        `yaml:"format" koanf:"format"` // none|jpeg|ogm|mov
	PathPrefix         string        `yaml:"path_prefix" koanf:"path_prefix"`
	RawdevPath         string        `yaml:"rawdev_path" koanf:"rawdev_path"`
	MaxFrames          int           `yaml:"max_frames" koanf:"max_frames"`
	FramesPerChunk     int           `yaml:"frames_per_chunk" koanf:"frames_per_chunk"`
	SegmentDurationS   int           `yaml:"segment_duration_s" koanf:"segment_duration_s"`
	SegmentLengthBytes int64         `yaml:"segment_length_bytes" koanf:"segment_length_bytes"`
	Exif               bool          `yaml:"exif" koanf:"exif"`
	Greedy             bool          `yaml:"greedy" koanf:"greedy"`
	IgnoreFPS          bool          `yaml:"ignore_fps" koanf:"ignore_fps"`
	Timescale          float64       `yaml:"timescale" koanf:"timescale"`
	FramesSkip         int           `yaml:"frames_skip" koanf:"frames_skip"`
	StartAfterTS       float64       `yaml:"start_after_timestamp" koanf:"start_after_timestamp"`
	FlockTimeout       time.Duration `yaml:"flock_timeout" koanf:"flock_timeout"`
}

// CmdPipeConfig configures the line-oriented command dispatch surface.
type CmdPipeConfig struct {
	PipePath   string `yaml:"pipe_path" koanf:"pipe_path"`
	SocketAddr string `yaml:"socket_addr" koanf:"socket_addr"` // empty disables the socket listener
}

// ReaderConfig configures the secondary raw-device reader TCP service.
type ReaderConfig struct {
	Enabled    bool   `yaml:"enabled" koanf:"enabled"`
	ListenAddr string `yaml:"listen_addr" koanf:"listen_addr"`
}

// HealthConfig configures the status HTTP surface.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled" koanf:"enabled"`
	Addr    string `yaml:"addr" koanf:"addr"`
}

// LoadConfig reads and parses the configuration file.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 - Config path is from administrator-controlled configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// atomicFile abstracts file operations used by Save for testability.
type atomicFile interface {
	Write([]byte) (int, error)
	Sync() error
	Chmod(os.FileMode) error
	Close() error
	Name() string
}

type atomicCreateTemp func(dir, pattern string) (atomicFile, error)

func defaultCreateTemp(dir, pattern string) (atomicFile, error) {
	return os.CreateTemp(dir, pattern) // #nosec G304
}

// Save writes the configuration to a YAML file atomically: write to a temp
// file in the same directory, fsync, chmod, then rename.
func (c *Config) Save(path string) error {
	return c.saveWith(path, defaultCreateTemp)
}

func (c *Config) saveWith(path string, createTemp atomicCreateTemp) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)

	tmpFile, err := createTemp(dir, ".config.*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp config file: %w", err)
	}
	// #nosec G302 - Config file restricted to owner+group for security
	if err := tmpFile.Chmod(0640); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp config file: %w", err)
	}

	success = true
	return nil
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	for i := range c.Ports {
		if err := c.Ports[i].Validate(); err != nil {
			return fmt.Errorf("port %d: %w", i, err)
		}
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}
	return nil
}

// Validate checks a PortConfig for invalid values.
func (p *PortConfig) Validate() error {
	if !p.Enabled {
		return nil
	}
	if p.RingDevice == "" {
		return fmt.Errorf("ring_device cannot be empty when enabled")
	}
	if p.LBAEnd != 0 && p.LBAEnd <= p.LBAStart {
		return fmt.Errorf("lba_end (%d) must be greater than lba_start (%d)", p.LBAEnd, p.LBAStart)
	}
	return nil
}

// Validate checks SessionConfig for invalid values.
func (s *SessionConfig) Validate() error {
	switch s.Format {
	case "", "none", "jpeg", "ogm", "mov":
		// valid
	default:
		return fmt.Errorf("format must be one of none, jpeg, ogm, mov (got %q)", s.Format)
	}
	if s.RawdevPath != "" && s.Format != "jpeg" && s.Format != "" && s.Format != "none" {
		return fmt.Errorf("rawdev_path is only valid with format=jpeg")
	}
	if s.PathPrefix != "" && s.RawdevPath != "" {
		return fmt.Errorf("path_prefix and rawdev_path are mutually exclusive")
	}
	if s.SegmentLengthBytes < 0 {
		return fmt.Errorf("segment_length_bytes must not be negative")
	}
	return nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	cfg := &Config{
		Session: SessionConfig{
			Format:           "jpeg",
			MaxFrames:        10000,
			FramesPerChunk:   10,
			SegmentDurationS: 3600,
			Timescale:        1000,
			FlockTimeout:     5 * time.Second,
		},
		CmdPipe: CmdPipeConfig{
			PipePath: "/var/run/camogm.cmd",
		},
		Reader: ReaderConfig{
			Enabled:    true,
			ListenAddr: "0.0.0.0:7777",
		},
		Health: HealthConfig{
			Enabled: true,
			Addr:    "127.0.0.1:7778",
		},
	}
	for i := range cfg.Ports {
		cfg.Ports[i] = PortConfig{
			Enabled:       true,
			RingDevice:    fmt.Sprintf("/dev/circbuf%d", i),
			HeaderDevice:  fmt.Sprintf("/dev/circbufhdr%d", i),
			ExifDevice:    fmt.Sprintf("/dev/circbufexif%d", i),
			StateFilePath: fmt.Sprintf("/var/lib/camogm/port%d.state", i),
		}
	}
	return cfg
}
