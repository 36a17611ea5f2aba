package nbd

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/godbus/dbus/v5"

	"github.com/mountnbd/mountnbd/internal/log"
)

const (
	// DBus service and interface constants
	dbusService       = "org.freedesktop.UDisks2"
	dbusRootPath      = "/org/freedesktop/UDisks2"
	dbusObjectManager = "org.freedesktop.DBus.ObjectManager"

	dbusBlockInterface     = "org.freedesktop.UDisks2.Block"
	dbusPartitionInterface = "org.freedesktop.UDisks2.Partition"
)

// UDisksScanner implements Scanner using the UDisks2 DBus API. Unlike
// lsblk it needs no child process, but the udisksd daemon must run.
type UDisksScanner struct {
	conn      DBusConnection
	connectFn func() (DBusConnection, error)
}

// UDisksScannerOption is a functional option for UDisksScanner
type UDisksScannerOption func(*UDisksScanner)

// WithConnection sets a custom DBus connection (for testing)
func WithConnection(conn DBusConnection) UDisksScannerOption {
	return func(s *UDisksScanner) {
		s.conn = conn
		s.connectFn = nil
	}
}

// NewUDisksScanner creates a new UDisks2-backed partition scanner
func NewUDisksScanner(opts ...UDisksScannerOption) (*UDisksScanner, error) {
	s := &UDisksScanner{
		connectFn: ConnectSystemBus,
	}

	for _, opt := range opts {
		opt(s)
	}

	// Connect if no custom connection provided
	if s.conn == nil {
		conn, err := s.connectFn()
		if err != nil {
			return nil, fmt.Errorf("connect to system bus: %w", err)
		}
		s.conn = conn
	}

	return s, nil
}

// Close closes the DBus connection
func (s *UDisksScanner) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// getManagedObjects calls GetManagedObjects on the ObjectManager interface
// Returns: map[ObjectPath]map[InterfaceName]map[PropertyName]Variant
func (s *UDisksScanner) getManagedObjects(ctx context.Context) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	obj := s.conn.Object(dbusService, dbus.ObjectPath(dbusRootPath))

	var result map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := obj.CallWithContext(ctx, dbusObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("GetManagedObjects: %w", call.Err)
	}

	if err := call.Store(&result); err != nil {
		return nil, fmt.Errorf("store GetManagedObjects result: %w", err)
	}

	return result, nil
}

// findBlockProps finds the object path and Block properties of the
// block device with the given device node
func findBlockProps(objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant, devPath string) (dbus.ObjectPath, map[string]dbus.Variant, error) {
	for path, interfaces := range objects {
		blockProps, ok := interfaces[dbusBlockInterface]
		if !ok {
			continue
		}

		deviceVariant, ok := blockProps["Device"]
		if !ok {
			continue
		}

		if byteStringValue(deviceVariant) == devPath {
			return path, blockProps, nil
		}
	}

	return "", nil, fmt.Errorf("no UDisks2 block object for %s", devPath)
}

// Scan reports the layout of an attached device
func (s *UDisksScanner) Scan(ctx context.Context, dev *Device) (*Layout, error) {
	log.Debug("scanning device layout via dbus", "device", dev.Path)

	objects, err := s.getManagedObjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("get managed objects: %w", err)
	}

	tablePath, blockProps, err := findBlockProps(objects, dev.Path)
	if err != nil {
		return nil, err
	}

	layout := &Layout{}

	// IdType on the device itself is set when the image carries a
	// filesystem without a partition table
	if v, ok := blockProps["IdType"]; ok {
		if fsType, ok := v.Value().(string); ok {
			layout.FSType = fsType
		}
	}

	for _, interfaces := range objects {
		partProps, ok := interfaces[dbusPartitionInterface]
		if !ok {
			continue
		}

		// Check the partition sits on our device
		tableVariant, ok := partProps["Table"]
		if !ok {
			continue
		}
		partTablePath, ok := tableVariant.Value().(dbus.ObjectPath)
		if !ok || partTablePath != tablePath {
			continue
		}

		blockProps, ok := interfaces[dbusBlockInterface]
		if !ok {
			continue
		}

		partition, err := parsePartitionFromProps(partProps, blockProps)
		if err != nil {
			log.Debug("failed to parse partition", "error", err)
			continue
		}

		layout.Partitions = append(layout.Partitions, *partition)
	}

	slices.SortFunc(layout.Partitions, func(a, b Partition) int {
		return cmp.Compare(a.Number, b.Number)
	})

	return layout, nil
}

// parsePartitionFromProps creates a Partition from DBus property maps
func parsePartitionFromProps(partProps, blockProps map[string]dbus.Variant) (*Partition, error) {
	partition := &Partition{}

	// Number (required)
	if v, ok := partProps["Number"]; ok {
		if number, ok := v.Value().(uint32); ok {
			partition.Number = int(number)
		}
	}
	if partition.Number == 0 {
		return nil, fmt.Errorf("missing Number property")
	}

	// Device (required)
	if v, ok := blockProps["Device"]; ok {
		partition.Device = byteStringValue(v)
	}
	if partition.Device == "" {
		return nil, fmt.Errorf("missing Device property")
	}

	// IdType holds the probed filesystem type, empty when unknown
	if v, ok := blockProps["IdType"]; ok {
		if fsType, ok := v.Value().(string); ok {
			partition.FSType = fsType
		}
	}

	if v, ok := blockProps["Size"]; ok {
		if size, ok := v.Value().(uint64); ok {
			partition.Size = size
		}
	}

	return partition, nil
}

// byteStringValue decodes the NUL-terminated byte arrays UDisks2 uses
// for device node properties
func byteStringValue(v dbus.Variant) string {
	b, ok := v.Value().([]byte)
	if !ok {
		return ""
	}
	return string(bytes.TrimRight(b, "\x00"))
}
