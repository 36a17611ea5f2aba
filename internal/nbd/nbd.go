// Package nbd manages disk images attached to network block devices
// through qemu-nbd.
package nbd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
)

// Device is an attached NBD device node.
type Device struct {
	// Path is the device node, e.g. /dev/nbd0
	Path string
	// Index is the kernel device number
	Index int
}

// Partition is a partition the kernel discovered on an attached device.
type Partition struct {
	// Device is the partition node, e.g. /dev/nbd0p1
	Device string
	// Number is the partition number, starting at 1
	Number int
	// FSType is the probed filesystem type (empty when unknown)
	FSType string
	// Size is the partition size in bytes
	Size uint64
}

// Layout describes what the kernel sees on an attached device.
type Layout struct {
	// FSType is the filesystem probed on the whole device. It is set
	// when the image carries a filesystem without a partition table.
	FSType string
	// Partitions lists the discovered partitions, ordered by number.
	// Empty means the image has no partition table.
	Partitions []Partition
}

// Manager defines the interface for NBD device management operations
type Manager interface {
	// EnsureModule loads the nbd kernel module if it is not present
	EnsureModule(ctx context.Context) error

	// Attach connects an image to a free device node and returns it
	Attach(ctx context.Context, imagePath string, format string, readOnly bool) (*Device, error)

	// Detach disconnects the device
	Detach(ctx context.Context, dev *Device) error

	// Scan inspects an attached device and reports its layout
	Scan(ctx context.Context, dev *Device) (*Layout, error)
}

// Scanner inspects the block layout of an attached device.
type Scanner interface {
	Scan(ctx context.Context, dev *Device) (*Layout, error)
}

// ErrNoFreeDevice is returned when every nbd node is in use
var ErrNoFreeDevice = errors.New("no free nbd device")

// NBD partitions use the p-suffix naming of mmcblk/nvme devices.
var devicePattern = regexp.MustCompile(`^(nbd(\d+))(?:p\d+)?$`)

// FromPath builds a Device from a device node path like /dev/nbd3, or
// from one of its partition nodes like /dev/nbd3p1.
func FromPath(path string) (*Device, error) {
	matches := devicePattern.FindStringSubmatch(filepath.Base(path))
	if matches == nil {
		return nil, fmt.Errorf("%s is not an nbd device node", path)
	}

	index, err := strconv.Atoi(matches[2])
	if err != nil {
		return nil, fmt.Errorf("parse device index from %s: %w", path, err)
	}

	return &Device{
		Path:  filepath.Join(filepath.Dir(path), matches[1]),
		Index: index,
	}, nil
}

// Options tunes the NBD manager.
type Options struct {
	// MaxDevices bounds the /dev/nbdN scan for a free node
	MaxDevices int
	// MaxPart is handed to modprobe as the per-device partition limit
	MaxPart int
}

// NewManager creates a Manager using the given partition scanner backend
func NewManager(backend string, opts Options) (Manager, error) {
	var scanner Scanner

	switch backend {
	case "cli":
		scanner = NewLsblkScanner(ExecRunner{})
	case "dbus":
		s, err := NewUDisksScanner()
		if err != nil {
			return nil, fmt.Errorf("connect to UDisks2: %w", err)
		}
		scanner = s
	default:
		return nil, fmt.Errorf("unknown backend: %s (use 'cli' or 'dbus')", backend)
	}

	return NewQemuNBD(scanner, opts), nil
}
