package mount

// Mounter defines the interface for mount/unmount operations
type Mounter interface {
	// Mount mounts the source device at the target directory
	Mount(source, target, fsType string, readOnly bool) error
	// Unmount unmounts the target directory
	Unmount(target string) error
	// IsMounted checks if the target is a mount point
	IsMounted(target string) (bool, error)
	// DeviceAt returns the source device mounted at target
	// Returns empty string if nothing is mounted there
	DeviceAt(target string) (string, error)
}
