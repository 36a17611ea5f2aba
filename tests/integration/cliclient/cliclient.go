//go:build integration

package cliclient

// Result captures one finished mountnbd invocation. Exit codes are part
// of the tool's contract, so a non-zero status is a result to assert
// on, not a transport error.
type Result struct {
	// Output is the combined stdout and stderr of the process
	Output string
	// ExitCode is the process exit status
	ExitCode int
}

// Client runs the mountnbd binary and reports how it exited
type Client interface {
	// Mount mounts an image, passing extra flags through verbatim
	Mount(image string, flags ...string) (*Result, error)
	// Unmount tears down the mount for an image
	Unmount(image string, flags ...string) (*Result, error)
	// Run invokes the binary with raw arguments
	Run(args ...string) (*Result, error)
}
