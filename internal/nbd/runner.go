package nbd

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner runs an external command and returns its combined output. The
// manager talks to modprobe, qemu-nbd, lsblk and udevadm exclusively
// through this interface so tests can substitute a fake.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner implements Runner with os/exec.
type ExecRunner struct{}

// Run executes the command and returns its combined output. A non-zero
// exit wraps the output into the error, since helpers like qemu-nbd
// print the actual reason on stderr.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	output, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("%s %s: %w (output: %q)",
			name, strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return output, nil
}
