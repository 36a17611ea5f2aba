package nbd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mountnbd/mountnbd/internal/log"
)

const (
	// DefaultMaxDevices matches the nbds_max the module ships with
	DefaultMaxDevices = 16
	// DefaultMaxPart is the partition limit requested from the module
	DefaultMaxPart = 16
)

// QemuNBD implements Manager by driving the qemu-nbd helper and the
// kernel's nbd module.
type QemuNBD struct {
	runner  Runner
	scanner Scanner

	maxDevices int
	maxPart    int

	// overridable roots so tests can fake the kernel state
	devDir string
	sysDir string
}

// NewQemuNBD creates a manager around the given partition scanner
func NewQemuNBD(scanner Scanner, opts Options) *QemuNBD {
	if opts.MaxDevices <= 0 {
		opts.MaxDevices = DefaultMaxDevices
	}
	if opts.MaxPart <= 0 {
		opts.MaxPart = DefaultMaxPart
	}

	return &QemuNBD{
		runner:     ExecRunner{},
		scanner:    scanner,
		maxDevices: opts.MaxDevices,
		maxPart:    opts.MaxPart,
		devDir:     "/dev",
		sysDir:     "/sys",
	}
}

// EnsureModule loads the nbd kernel module. Idempotent: modprobe is a
// no-op when the module is already loaded, even with a different
// max_part setting.
func (m *QemuNBD) EnsureModule(ctx context.Context) error {
	log.Debug("loading nbd module", "max_part", m.maxPart)

	if _, err := m.runner.Run(ctx, "modprobe", "nbd", fmt.Sprintf("max_part=%d", m.maxPart)); err != nil {
		return fmt.Errorf("load nbd module: %w", err)
	}

	if _, err := os.Stat(filepath.Join(m.sysDir, "module", "nbd")); err != nil {
		return fmt.Errorf("nbd module missing after modprobe: %w", err)
	}

	return nil
}

// Attach connects the image to the first free nbd node and waits for
// udev to surface its partition nodes.
func (m *QemuNBD) Attach(ctx context.Context, imagePath string, format string, readOnly bool) (*Device, error) {
	dev, err := m.findFreeDevice()
	if err != nil {
		return nil, err
	}

	log.Debug("attaching image", "image", imagePath, "device", dev.Path, "format", format, "readonly", readOnly)

	args := []string{"--connect=" + dev.Path, "--format=" + format}
	if readOnly {
		args = append(args, "--read-only")
	}
	args = append(args, imagePath)

	if _, err := m.runner.Run(ctx, "qemu-nbd", args...); err != nil {
		return nil, fmt.Errorf("attach %s to %s: %w", imagePath, dev.Path, err)
	}

	// Partition nodes appear asynchronously after the connect.
	if _, err := m.runner.Run(ctx, "udevadm", "settle", "--timeout=10"); err != nil {
		log.Debug("udevadm settle failed", "error", err)
	}

	log.Debug("image attached", "device", dev.Path)
	return dev, nil
}

// Detach disconnects the device
func (m *QemuNBD) Detach(ctx context.Context, dev *Device) error {
	log.Debug("detaching device", "device", dev.Path)

	if _, err := m.runner.Run(ctx, "qemu-nbd", "--disconnect", dev.Path); err != nil {
		return fmt.Errorf("detach %s: %w", dev.Path, err)
	}

	log.Debug("device detached", "device", dev.Path)
	return nil
}

// Scan reports the partition layout of an attached device
func (m *QemuNBD) Scan(ctx context.Context, dev *Device) (*Layout, error) {
	return m.scanner.Scan(ctx, dev)
}

// findFreeDevice returns the first nbd node without a connected server.
// The kernel exposes /sys/block/nbdN/pid only while a connection is up.
// Another process can still win the node between this check and the
// connect, in which case qemu-nbd fails and the caller sees its error.
func (m *QemuNBD) findFreeDevice() (*Device, error) {
	for i := range m.maxDevices {
		name := fmt.Sprintf("nbd%d", i)

		path := filepath.Join(m.devDir, name)
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}

		if _, err := os.Stat(filepath.Join(m.sysDir, "block", name, "pid")); err == nil {
			continue
		}

		return &Device{Path: path, Index: i}, nil
	}

	return nil, fmt.Errorf("%w (checked %d nodes)", ErrNoFreeDevice, m.maxDevices)
}
