package nbd

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/mountnbd/mountnbd/internal/log"
)

// LsblkScanner implements Scanner using lsblk's JSON output
type LsblkScanner struct {
	runner Runner
}

// NewLsblkScanner creates a new lsblk-based partition scanner
func NewLsblkScanner(runner Runner) *LsblkScanner {
	return &LsblkScanner{
		runner: runner,
	}
}

// lsblkOutput mirrors `lsblk --json --bytes`. Example:
//
//	{"blockdevices": [
//	   {"name":"nbd0", "type":"disk", "fstype":null, "size":104857600,
//	    "children": [
//	       {"name":"nbd0p1", "type":"part", "fstype":"ext4", "size":103809024}
//	    ]}
//	]}
type lsblkOutput struct {
	BlockDevices []lsblkDevice `json:"blockdevices"`
}

type lsblkDevice struct {
	Name     string        `json:"name"`
	Type     string        `json:"type"`
	FSType   string        `json:"fstype"`
	Size     uint64        `json:"size"`
	Children []lsblkDevice `json:"children"`
}

// Scan reports the layout of an attached device
func (s *LsblkScanner) Scan(ctx context.Context, dev *Device) (*Layout, error) {
	log.Debug("scanning device layout", "device", dev.Path)

	output, err := s.runner.Run(ctx, "lsblk", "--json", "--bytes", "--output", "NAME,TYPE,FSTYPE,SIZE", dev.Path)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dev.Path, err)
	}

	return parseLsblk(output, dev)
}

// parseLsblk extracts the layout of dev from lsblk output: the fstype
// probed on the device itself plus its partition children.
func parseLsblk(data []byte, dev *Device) (*Layout, error) {
	var out lsblkOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse lsblk output: %w", err)
	}

	base := filepath.Base(dev.Path)
	layout := &Layout{}

	for _, d := range out.BlockDevices {
		if d.Name != base {
			continue
		}

		layout.FSType = d.FSType

		for _, child := range d.Children {
			if child.Type != "part" {
				continue
			}

			number, err := partitionNumber(base, child.Name)
			if err != nil {
				log.Debug("skipping unrecognized child device", "name", child.Name, "error", err)
				continue
			}

			layout.Partitions = append(layout.Partitions, Partition{
				Device: filepath.Join(filepath.Dir(dev.Path), child.Name),
				Number: number,
				FSType: child.FSType,
				Size:   child.Size,
			})
		}
	}

	slices.SortFunc(layout.Partitions, func(a, b Partition) int {
		return cmp.Compare(a.Number, b.Number)
	})

	return layout, nil
}

// partitionNumber extracts N from partition names like nbd0p1
func partitionNumber(base, child string) (int, error) {
	suffix, ok := strings.CutPrefix(child, base+"p")
	if !ok {
		return 0, fmt.Errorf("%s is not a partition of %s", child, base)
	}

	number, err := strconv.Atoi(suffix)
	if err != nil || number < 1 {
		return 0, fmt.Errorf("bad partition suffix %q", suffix)
	}

	return number, nil
}
