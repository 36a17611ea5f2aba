// Package driver sequences the steps that turn a disk image into a
// mounted filesystem: load the nbd module, attach the image, scan the
// partition table, mount the chosen partition. Unmount runs the same
// steps in reverse.
package driver

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/mountnbd/mountnbd/internal/errdefs"
	"github.com/mountnbd/mountnbd/internal/image"
	"github.com/mountnbd/mountnbd/internal/log"
	"github.com/mountnbd/mountnbd/internal/mount"
	"github.com/mountnbd/mountnbd/internal/nbd"
)

// detachTimeout bounds the cleanup detach after a failed mount, which
// runs detached from the caller's context.
const detachTimeout = 30 * time.Second

// MountRequest describes one mount operation. Built once from flags and
// config, immutable afterwards.
type MountRequest struct {
	// ImagePath is the disk image file to attach
	ImagePath string
	// MountPoint is the directory to mount at, created if absent
	MountPoint string
	// Format is the image format handed to the attach helper
	Format image.Format
	// FSType overrides the probed filesystem type when set
	FSType string
	// Partition picks a partition number explicitly; 0 selects the
	// first partition, or the whole device when there is none
	Partition int
	// ReadOnly attaches and mounts without write access
	ReadOnly bool
}

// MountResult reports what a successful mount did.
type MountResult struct {
	// Device is the attached nbd node
	Device *nbd.Device
	// Source is the node that got mounted: a partition of Device, or
	// Device itself for a whole-disk image
	Source string
	// MountPoint is where Source is mounted
	MountPoint string
	// FSType is the filesystem type the mount used
	FSType string
}

// Driver orchestrates the nbd manager and the mounter
type Driver struct {
	nbd     nbd.Manager
	mounter mount.Mounter
}

// NewDriver creates a new mount driver
func NewDriver(manager nbd.Manager, mounter mount.Mounter) *Driver {
	return &Driver{
		nbd:     manager,
		mounter: mounter,
	}
}

// Mount attaches the image and mounts it. Once the image is attached,
// any later failure detaches it again before returning so the device
// node is not leaked.
func (d *Driver) Mount(ctx context.Context, req MountRequest) (*MountResult, error) {
	log.Debug("mounting image", "image", req.ImagePath, "mount_point", req.MountPoint, "format", req.Format)

	if err := d.nbd.EnsureModule(ctx); err != nil {
		return nil, errdefs.Wrap(errdefs.KindDriverLoad, err)
	}

	dev, err := d.nbd.Attach(ctx, req.ImagePath, string(req.Format), req.ReadOnly)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindAttach, err)
	}

	res, err := d.mountAttached(ctx, req, dev)
	if err != nil {
		d.detachAfterFailure(dev)
		return nil, err
	}

	return res, nil
}

// mountAttached runs the steps between attach and a completed mount.
// Splitting it out keeps the detach-on-failure handling in one place.
func (d *Driver) mountAttached(ctx context.Context, req MountRequest, dev *nbd.Device) (*MountResult, error) {
	layout, err := d.nbd.Scan(ctx, dev)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindPartitionScan, err)
	}

	source, probed, err := selectSource(dev, layout, req.Partition)
	if err != nil {
		return nil, err
	}

	fsType := req.FSType
	if fsType == "" {
		fsType = probed
	}
	if fsType == "" {
		return nil, errdefs.Errorf(errdefs.KindMount,
			"no filesystem detected on %s, pass --fs-type to mount it anyway", source)
	}

	if err := d.prepareMountPoint(req.MountPoint); err != nil {
		return nil, errdefs.Wrap(errdefs.KindMount, err)
	}

	if err := d.mounter.Mount(source, req.MountPoint, fsType, req.ReadOnly); err != nil {
		return nil, errdefs.Wrap(errdefs.KindMount, err)
	}

	log.Info("image mounted",
		"image", req.ImagePath,
		"device", dev.Path,
		"source", source,
		"mount_point", req.MountPoint,
		"fs", fsType,
	)

	return &MountResult{
		Device:     dev,
		Source:     source,
		MountPoint: req.MountPoint,
		FSType:     fsType,
	}, nil
}

// Unmount undoes a previous mount: unmount the target, then detach the
// nbd device backing it. The mount table is authoritative for finding
// that device.
func (d *Driver) Unmount(ctx context.Context, mountPoint string) error {
	log.Debug("unmounting", "mount_point", mountPoint)

	source, err := d.mounter.DeviceAt(mountPoint)
	if err != nil {
		return errdefs.Wrap(errdefs.KindUnmount, err)
	}
	if source == "" {
		return errdefs.Errorf(errdefs.KindUnmount, "nothing is mounted at %s", mountPoint)
	}

	if err := d.mounter.Unmount(mountPoint); err != nil {
		return errdefs.Wrap(errdefs.KindUnmount, err)
	}

	// The mount directory was created at mount time; drop it again
	// when empty. A non-empty directory belongs to the user.
	if err := os.Remove(mountPoint); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Debug("keeping mount point directory", "path", mountPoint, "error", err)
	}

	dev, err := nbd.FromPath(source)
	if err != nil {
		log.Warn("mounted device is not an nbd node, skipping detach", "device", source)
		return nil
	}

	if err := d.nbd.Detach(ctx, dev); err != nil {
		return errdefs.Wrap(errdefs.KindUnmount, err)
	}

	log.Info("image unmounted", "device", dev.Path, "mount_point", mountPoint)
	return nil
}

// selectSource picks what to mount: the requested partition, the first
// partition, or the whole device when the image has no partition table.
// Returns the device node together with its probed filesystem type.
func selectSource(dev *nbd.Device, layout *nbd.Layout, requested int) (source, fsType string, err error) {
	if requested > 0 {
		for _, p := range layout.Partitions {
			if p.Number == requested {
				return p.Device, p.FSType, nil
			}
		}
		return "", "", errdefs.Errorf(errdefs.KindPartitionScan,
			"%s has no partition %d (%d found)", dev.Path, requested, len(layout.Partitions))
	}

	if len(layout.Partitions) > 0 {
		p := layout.Partitions[0]
		if len(layout.Partitions) > 1 {
			log.Debug("multiple partitions found, using the lowest numbered",
				"device", dev.Path, "count", len(layout.Partitions), "selected", p.Device)
		}
		return p.Device, p.FSType, nil
	}

	return dev.Path, layout.FSType, nil
}

// prepareMountPoint ensures the mount target is a usable directory
func (d *Driver) prepareMountPoint(target string) error {
	info, err := os.Stat(target)
	switch {
	case err == nil:
		if !info.IsDir() {
			return fmt.Errorf("mount point %s exists and is not a directory", target)
		}

		mounted, err := d.mounter.IsMounted(target)
		if err != nil {
			return fmt.Errorf("check mount table: %w", err)
		}
		if mounted {
			return fmt.Errorf("%s is already a mount point, unmount it first", target)
		}
		return nil

	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(target, 0755); err != nil {
			return fmt.Errorf("create mount point: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("stat mount point: %w", err)
	}
}

// detachAfterFailure releases dev after a failed mount. It runs on a
// fresh context: the mount may have failed precisely because the
// caller's context was canceled. Its own failure is logged, never
// returned, so the original error stays visible.
func (d *Driver) detachAfterFailure(dev *nbd.Device) {
	ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
	defer cancel()

	if err := d.nbd.Detach(ctx, dev); err != nil {
		log.Error("failed to detach device after mount failure", "device", dev.Path, "error", err)
		return
	}

	log.Debug("detached device after mount failure", "device", dev.Path)
}
