//go:build integration

package integration

import (
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mountnbd/mountnbd/tests/integration/cliclient"
)

// uniqueMountPoint generates a unique mount point path for a test
func uniqueMountPoint(t *testing.T) string {
	name := strings.ReplaceAll(t.Name(), "/", "-")
	return fmt.Sprintf("/mnt/test-%s-%d", name, time.Now().UnixNano()%10000)
}

// cleanupMount registers teardown for a mount point at test end: the
// mount is released and every attached nbd device disconnected, so the
// next test starts from a clean slate even when this one failed midway
func cleanupMount(t *testing.T, mountPoint string) {
	t.Cleanup(func() {
		_, _ = testVM.Run(fmt.Sprintf("sudo umount %s 2>/dev/null || true", mountPoint))
		_, _ = testVM.Run(fmt.Sprintf("sudo rmdir %s 2>/dev/null || true", mountPoint))
		_, _ = testVM.Run(`for pid in /sys/block/nbd*/pid; do [ -e "$pid" ] && sudo qemu-nbd --disconnect "/dev/$(basename "$(dirname "$pid")")"; done; true`)
	})
}

// requireExit asserts the exit code of a finished invocation
func requireExit(t *testing.T, res *cliclient.Result, want int) {
	t.Helper()
	require.Equal(t, want, res.ExitCode, "unexpected exit code, output:\n%s", res.Output)
}

// mountImage mounts an image at the given mount point, registers
// cleanup, and asserts the tool exited successfully
func mountImage(t *testing.T, image, mountPoint string, flags ...string) *cliclient.Result {
	t.Helper()
	cleanupMount(t, mountPoint)

	args := append([]string{"--mount-point", mountPoint}, flags...)
	res, err := testCLI.Mount(image, args...)
	require.NoError(t, err, "mount %s should run", image)
	requireExit(t, res, 0)
	return res
}

// attachedDevices counts nbd devices currently served by a qemu-nbd
// process. The kernel exposes the server pid under /sys/block/nbdN/pid
// only while the device is attached.
func attachedDevices(t *testing.T) int {
	t.Helper()
	output, err := testVM.Run(`ls -d /sys/block/nbd*/pid 2>/dev/null | wc -l`)
	require.NoError(t, err, "counting attached devices should succeed")
	n, err := strconv.Atoi(strings.TrimSpace(output))
	require.NoError(t, err, "unexpected wc output: %q", output)
	return n
}

// assertMounted verifies something is mounted at the path and returns
// the source device
func assertMounted(t *testing.T, mountPoint string) string {
	t.Helper()
	output, err := testVM.Run(fmt.Sprintf("findmnt -rn -o SOURCE %s", mountPoint))
	require.NoError(t, err, "%s should be mounted", mountPoint)
	return strings.TrimSpace(output)
}

// assertNotMounted verifies nothing is mounted at the path
func assertNotMounted(t *testing.T, mountPoint string) {
	t.Helper()
	output, _ := testVM.Run(fmt.Sprintf("findmnt -rn -o SOURCE %s", mountPoint))
	require.Empty(t, strings.TrimSpace(output), "%s should not be mounted", mountPoint)
}

// mountOptions returns the options column of the mount at the path
func mountOptions(t *testing.T, mountPoint string) string {
	t.Helper()
	output, err := testVM.Run(fmt.Sprintf("findmnt -rn -o OPTIONS %s", mountPoint))
	require.NoError(t, err, "%s should be mounted", mountPoint)
	return strings.TrimSpace(output)
}

// readFile reads a file inside the VM
func readFile(t *testing.T, path string) string {
	t.Helper()
	output, err := testVM.Run(fmt.Sprintf("sudo cat %s", path))
	require.NoError(t, err, "reading %s should succeed", path)
	return output
}
