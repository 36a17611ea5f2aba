//go:build integration

package cliclient

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/mountnbd/mountnbd/tests/integration/vm"
)

// SSHClient runs the mountnbd binary inside the test VM. The tool needs
// root and a real nbd-capable kernel, so every invocation goes through
// sudo over SSH.
type SSHClient struct {
	vm     vm.VM
	binary string
}

// NewSSHClient creates a client around the binary installed in the VM
func NewSSHClient(machine vm.VM, binaryPath string) *SSHClient {
	return &SSHClient{
		vm:     machine,
		binary: binaryPath,
	}
}

// Run invokes the binary with the given arguments and captures its exit
// status. Only transport failures (SSH itself breaking) come back as an
// error.
func (c *SSHClient) Run(args ...string) (*Result, error) {
	cmd := fmt.Sprintf("sudo %s %s", c.binary, strings.Join(args, " "))

	output, err := c.vm.Run(cmd)
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return &Result{Output: output, ExitCode: exitErr.ExitStatus()}, nil
		}
		return nil, fmt.Errorf("run %q: %w: %s", cmd, err, output)
	}

	return &Result{Output: output, ExitCode: 0}, nil
}

// Mount mounts an image with the given extra flags
func (c *SSHClient) Mount(image string, flags ...string) (*Result, error) {
	return c.Run(append(flags, image)...)
}

// Unmount tears down the mount for an image
func (c *SSHClient) Unmount(image string, flags ...string) (*Result, error) {
	args := append([]string{"--unmount"}, flags...)
	return c.Run(append(args, image)...)
}
