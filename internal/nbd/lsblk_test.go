package nbd

import (
	"testing"
)

func TestParseLsblk(t *testing.T) {
	// children deliberately out of order to exercise sorting
	output := []byte(`{
	   "blockdevices": [
	      {"name":"nbd0", "type":"disk", "fstype":null, "size":104857600,
	       "children": [
	          {"name":"nbd0p2", "type":"part", "fstype":"xfs", "size":52428800},
	          {"name":"nbd0p1", "type":"part", "fstype":"ext4", "size":51380224}
	       ]}
	   ]
	}`)

	layout, err := parseLsblk(output, &Device{Path: "/dev/nbd0", Index: 0})
	if err != nil {
		t.Fatalf("parseLsblk() error: %v", err)
	}

	if layout.FSType != "" {
		t.Errorf("parseLsblk().FSType = %q, want empty for a partitioned disk", layout.FSType)
	}
	if len(layout.Partitions) != 2 {
		t.Fatalf("parseLsblk() returned %d partitions, want 2", len(layout.Partitions))
	}

	first := Partition{Device: "/dev/nbd0p1", Number: 1, FSType: "ext4", Size: 51380224}
	if layout.Partitions[0] != first {
		t.Errorf("parseLsblk().Partitions[0] = %+v, want %+v", layout.Partitions[0], first)
	}

	second := Partition{Device: "/dev/nbd0p2", Number: 2, FSType: "xfs", Size: 52428800}
	if layout.Partitions[1] != second {
		t.Errorf("parseLsblk().Partitions[1] = %+v, want %+v", layout.Partitions[1], second)
	}
}

func TestParseLsblkWholeDiskFilesystem(t *testing.T) {
	// a whole-disk filesystem has no children, but the disk itself
	// carries the fstype
	output := []byte(`{"blockdevices": [{"name":"nbd0", "type":"disk", "fstype":"ext4", "size":104857600}]}`)

	layout, err := parseLsblk(output, &Device{Path: "/dev/nbd0", Index: 0})
	if err != nil {
		t.Fatalf("parseLsblk() error: %v", err)
	}
	if len(layout.Partitions) != 0 {
		t.Errorf("parseLsblk().Partitions = %+v, want none", layout.Partitions)
	}
	if layout.FSType != "ext4" {
		t.Errorf("parseLsblk().FSType = %q, want ext4", layout.FSType)
	}
}

func TestParseLsblkIgnoresOtherDevices(t *testing.T) {
	output := []byte(`{
	   "blockdevices": [
	      {"name":"nbd1", "type":"disk", "size":1000,
	       "children": [{"name":"nbd1p1", "type":"part", "fstype":"ext4", "size":900}]},
	      {"name":"nbd0", "type":"disk", "size":2000,
	       "children": [
	          {"name":"nbd0p1", "type":"part", "fstype":"vfat", "size":1900},
	          {"name":"dm-0", "type":"lvm", "fstype":"ext4", "size":500}
	       ]}
	   ]
	}`)

	layout, err := parseLsblk(output, &Device{Path: "/dev/nbd0", Index: 0})
	if err != nil {
		t.Fatalf("parseLsblk() error: %v", err)
	}

	if len(layout.Partitions) != 1 {
		t.Fatalf("parseLsblk() returned %d partitions, want 1", len(layout.Partitions))
	}
	if layout.Partitions[0].Device != "/dev/nbd0p1" {
		t.Errorf("parseLsblk().Partitions[0].Device = %s, want /dev/nbd0p1", layout.Partitions[0].Device)
	}
}

func TestParseLsblkMalformed(t *testing.T) {
	if _, err := parseLsblk([]byte("not json"), &Device{Path: "/dev/nbd0"}); err == nil {
		t.Error("parseLsblk() accepted malformed output")
	}
}

func TestPartitionNumber(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		child   string
		want    int
		wantErr bool
	}{
		{"first partition", "nbd0", "nbd0p1", 1, false},
		{"double digit partition", "nbd0", "nbd0p12", 12, false},
		{"double digit device", "nbd10", "nbd10p3", 3, false},

		{"no p separator", "nbd0", "nbd01", 0, true},
		{"wrong base", "nbd0", "nbd1p1", 0, true},
		{"zero partition", "nbd0", "nbd0p0", 0, true},
		{"non-numeric suffix", "nbd0", "nbd0pX", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := partitionNumber(tt.base, tt.child)
			if (err != nil) != tt.wantErr {
				t.Fatalf("partitionNumber(%q, %q) error = %v, wantErr %v", tt.base, tt.child, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("partitionNumber(%q, %q) = %d, want %d", tt.base, tt.child, got, tt.want)
			}
		})
	}
}
