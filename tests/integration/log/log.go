//go:build integration

package log

import (
	"fmt"
	"os"
)

// Status prints harness progress for immediate display. Assertions go
// through testing.T; this covers the VM and image setup around them,
// which runs before any test and would otherwise be invisible.
func Status(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stdout, "--- "+format+"\n", args...)
}
