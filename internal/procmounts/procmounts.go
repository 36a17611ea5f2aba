// Package procmounts reads the kernel mount table.
package procmounts

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

const mountsPath = "/proc/mounts"

// Entry is one row of /proc/mounts.
type Entry struct {
	Device     string
	MountPoint string
	FSType     string
	Options    string
}

// Table holds parsed mount entries in kernel order, oldest first.
type Table []Entry

// unescaper reverses the octal escapes the kernel applies to mount
// fields: space, tab, newline and backslash.
var unescaper = strings.NewReplacer(
	`\040`, " ",
	`\011`, "\t",
	`\012`, "\n",
	`\134`, `\`,
)

// Load reads and parses /proc/mounts.
func Load() (Table, error) {
	f, err := os.Open(mountsPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", mountsPath, err)
	}
	defer f.Close()

	table, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", mountsPath, err)
	}
	return table, nil
}

// Parse reads mount entries in /proc/mounts format. Malformed lines are
// skipped.
func Parse(r io.Reader) (Table, error) {
	var table Table

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}

		table = append(table, Entry{
			Device:     unescaper.Replace(fields[0]),
			MountPoint: unescaper.Replace(fields[1]),
			FSType:     fields[2],
			Options:    fields[3],
		})
	}

	return table, scanner.Err()
}

// ByMountPoint returns the entry mounted at target. Later entries shadow
// earlier ones, so the last match is the one visible at the path.
func (t Table) ByMountPoint(target string) (Entry, bool) {
	for i := len(t) - 1; i >= 0; i-- {
		if t[i].MountPoint == target {
			return t[i], true
		}
	}
	return Entry{}, false
}

// ByDevice returns the entry whose source device is dev.
func (t Table) ByDevice(dev string) (Entry, bool) {
	for _, e := range t {
		if e.Device == dev {
			return e, true
		}
	}
	return Entry{}, false
}
