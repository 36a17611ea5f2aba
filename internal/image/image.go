// Package image identifies disk image formats by content.
package image

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// Format names a disk image format understood by qemu-nbd.
type Format string

const (
	FormatAuto  Format = "auto"
	FormatQCOW2 Format = "qcow2"
	FormatRaw   Format = "raw"
)

// QCOW2 header: 4-byte magic "QFI\xfb" followed by a big-endian version.
const qcow2Magic = 0x514649fb

// Detect sniffs the file header and returns the concrete format. Raw
// images carry no signature, so unrecognized content is an error rather
// than an implicit raw fallback.
func Detect(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	var header [8]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return "", fmt.Errorf("%s is too short to be a disk image", path)
		}
		return "", fmt.Errorf("read image header: %w", err)
	}

	magic := binary.BigEndian.Uint32(header[0:4])
	if magic != qcow2Magic {
		return "", fmt.Errorf("%s is not a QCOW2 image; use --format raw for raw images", path)
	}

	version := binary.BigEndian.Uint32(header[4:8])
	if version != 2 && version != 3 {
		return "", fmt.Errorf("%s: unsupported QCOW2 version %d", path, version)
	}

	return FormatQCOW2, nil
}

// Resolve maps the configured format to the one handed to qemu-nbd,
// sniffing the file when set to auto. An explicit qcow2 request still
// verifies the signature so a mistyped path fails before anything is
// attached.
func Resolve(path string, format Format) (Format, error) {
	switch format {
	case FormatAuto, FormatQCOW2:
		return Detect(path)
	case FormatRaw:
		return FormatRaw, nil
	default:
		return "", fmt.Errorf("unknown image format %q", format)
	}
}
