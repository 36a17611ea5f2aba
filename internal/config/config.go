package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/mountnbd/mountnbd/internal/image"
	"github.com/mountnbd/mountnbd/internal/nbd"
	"github.com/mountnbd/mountnbd/internal/validation"
)

const (
	// DefaultConfigPath is the default location for the config file
	DefaultConfigPath = "/etc/mountnbd.conf"
	// DefaultMountPoint is where images get mounted unless told otherwise
	DefaultMountPoint = "/mnt/qcow"
	// DefaultBackend is the default partition scanner backend
	DefaultBackend = "cli"
	// DefaultFormat sniffs the image format from its header
	DefaultFormat = "auto"
)

// Config holds the tool configuration
type Config struct {
	// MountPoint is the directory the image gets mounted at
	MountPoint string `toml:"mount_point"`
	// Backend is the partition scanner to use: "cli" (lsblk) or "dbus" (UDisks2)
	Backend string `toml:"backend"`
	// Format is the image format: "auto", "qcow2" or "raw"
	Format string `toml:"format"`
	// FSType overrides the probed filesystem type at mount time
	FSType string `toml:"fs_type"`
	// Partition picks a partition number explicitly (0 = automatic)
	Partition int `toml:"partition"`
	// ReadOnly attaches and mounts the image read-only
	ReadOnly bool `toml:"read_only"`
	// MaxDevices bounds the scan for a free /dev/nbdN node
	MaxDevices int `toml:"max_devices"`
	// MaxPart is the per-device partition limit passed to modprobe
	MaxPart int `toml:"max_part"`
}

// Load loads configuration from a TOML file
// Returns an empty config if the file doesn't exist
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

// Merge merges CLI flags into the config, with CLI flags taking precedence
// over config file values. Zero CLI values are ignored, so --read-only can
// enable but never clear the config file setting.
func (c *Config) Merge(mountPoint, backend, format, fsType string, partition int, readOnly bool) {
	if mountPoint != "" {
		c.MountPoint = mountPoint
	}
	if backend != "" {
		c.Backend = backend
	}
	if format != "" {
		c.Format = format
	}
	if fsType != "" {
		c.FSType = fsType
	}
	if partition > 0 {
		c.Partition = partition
	}
	if readOnly {
		c.ReadOnly = true
	}
}

// ApplyDefaults applies default values for any unset fields
func (c *Config) ApplyDefaults() {
	if c.MountPoint == "" {
		c.MountPoint = DefaultMountPoint
	}
	if c.Backend == "" {
		c.Backend = DefaultBackend
	}
	if c.Format == "" {
		c.Format = DefaultFormat
	}
	if c.MaxDevices == 0 {
		c.MaxDevices = nbd.DefaultMaxDevices
	}
	if c.MaxPart == 0 {
		c.MaxPart = nbd.DefaultMaxPart
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := validation.ValidateMountPoint(c.MountPoint); err != nil {
		return err
	}

	if c.Backend != "cli" && c.Backend != "dbus" {
		return fmt.Errorf("backend must be 'cli' or 'dbus', got %q", c.Backend)
	}

	switch image.Format(c.Format) {
	case image.FormatAuto, image.FormatQCOW2, image.FormatRaw:
	default:
		return fmt.Errorf("format must be 'auto', 'qcow2' or 'raw', got %q", c.Format)
	}

	if c.Partition < 0 {
		return fmt.Errorf("partition must not be negative, got %d", c.Partition)
	}

	if c.MaxDevices < 1 {
		return fmt.Errorf("max_devices must be at least 1, got %d", c.MaxDevices)
	}

	// The nbd module caps per-device partitions at 255
	if c.MaxPart < 1 || c.MaxPart > 255 {
		return fmt.Errorf("max_part must be between 1 and 255, got %d", c.MaxPart)
	}

	return nil
}
