package validation

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ValidateImagePath checks that path points at a file that could hold a
// disk image. Content sniffing happens elsewhere; this is purely about
// the path itself.
func ValidateImagePath(path string) error {
	if path == "" {
		return errors.New("image path must not be empty")
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("image file %s does not exist", path)
		}
		return fmt.Errorf("stat image file: %w", err)
	}

	if info.IsDir() {
		return fmt.Errorf("%s is a directory, not a disk image", path)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", path)
	}

	return nil
}

// RequireRoot checks that the process runs as root. Loading kernel
// modules, attaching devices and mounting all need that privilege, so
// failing early beats four confusing permission errors later.
func RequireRoot() error {
	if os.Geteuid() != 0 {
		return errors.New("must run as root")
	}
	return nil
}

// ValidateMountPoint checks that target is usable as a mount point path.
// The directory itself may not exist yet; it is created at mount time.
func ValidateMountPoint(target string) error {
	if target == "" {
		return errors.New("mount point must not be empty")
	}

	if !filepath.IsAbs(target) {
		return fmt.Errorf("mount point %s must be an absolute path", target)
	}

	if filepath.Clean(target) == "/" {
		return errors.New("refusing to use / as a mount point")
	}

	return nil
}
