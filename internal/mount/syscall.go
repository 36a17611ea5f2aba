package mount

import (
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/mountnbd/mountnbd/internal/log"
	"github.com/mountnbd/mountnbd/internal/procmounts"
)

// SyscallMounter implements Mounter using Linux syscalls
type SyscallMounter struct{}

// NewSyscallMounter creates a new syscall-based mounter
func NewSyscallMounter() *SyscallMounter {
	return &SyscallMounter{}
}

// Mount mounts the source device at the target directory. The filesystem
// type must be known; unlike mount(8), the kernel does not probe for one.
func (m *SyscallMounter) Mount(source, target, fsType string, readOnly bool) error {
	var flags uintptr
	if readOnly {
		flags |= unix.MS_RDONLY
	}

	log.Debug("mounting filesystem", "source", source, "target", target, "type", fsType, "readonly", readOnly)

	if err := unix.Mount(source, target, fsType, flags, ""); err != nil {
		return fmt.Errorf("mount %s to %s: %w", source, target, err)
	}

	log.Debug("mounted successfully", "source", source, "target", target)
	return nil
}

// Unmount unmounts the target directory. Not lazy; a busy mount fails
// with EBUSY.
func (m *SyscallMounter) Unmount(target string) error {
	log.Debug("unmounting", "target", target)

	if err := unix.Unmount(target, 0); err != nil {
		return fmt.Errorf("unmount %s: %w", target, err)
	}

	log.Debug("unmounted successfully", "target", target)
	return nil
}

// IsMounted checks if the target is a mount point
func (m *SyscallMounter) IsMounted(target string) (bool, error) {
	table, err := procmounts.Load()
	if err != nil {
		return false, err
	}

	_, found := table.ByMountPoint(resolveTarget(target))
	return found, nil
}

// DeviceAt returns the source device mounted at target
func (m *SyscallMounter) DeviceAt(target string) (string, error) {
	table, err := procmounts.Load()
	if err != nil {
		return "", err
	}

	entry, found := table.ByMountPoint(resolveTarget(target))
	if !found {
		return "", nil
	}
	return entry.Device, nil
}

// resolveTarget normalizes a mount target the way the kernel records it:
// absolute with symlinks resolved. Falls back to the cleaned input when
// the path does not exist yet.
func resolveTarget(target string) string {
	abs, err := filepath.Abs(target)
	if err != nil {
		return target
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return abs
	}
	return resolved
}
