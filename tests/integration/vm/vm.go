//go:build integration

package vm

import (
	"context"
	"time"
)

// VM is a machine the suite can drive shell commands through. Attaching
// kernel block devices is nothing to do to the host running the tests,
// so everything executes inside a disposable guest.
type VM interface {
	// Run executes a shell command and returns its combined output.
	// A non-zero exit status comes back as the error, unwrapping to
	// the ssh exit error that carries the code.
	Run(cmd string) (string, error)
	// RunWithTimeout executes a command under its own deadline
	RunWithTimeout(ctx context.Context, cmd string, timeout time.Duration) (string, error)
	// CopyFile transfers a local file into the guest
	CopyFile(localPath, remotePath string) error
	// WaitForSSH blocks until the guest accepts logins
	WaitForSSH(ctx context.Context) error
	// Stop shuts the guest down and removes its disk snapshot
	Stop()
	// IsRunning reports whether the guest process is alive
	IsRunning() bool
}
