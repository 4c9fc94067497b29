package gpurv

import (
	"encoding/binary"
	"fmt"
)

// Boot bundles are a flat header-plus-segments container: a 20-byte
// header followed by the kernel image, then the optional initrd, then the
// optional device-tree override, in that order with no padding.
//
//	offset  size  field
//	0       4     magic "LNX\0"
//	4       4     entry point (guest physical)
//	8       4     kernel size
//	12      4     initrd size (0 if absent)
//	16      4     device-tree size (0 if absent)
const (
	bundleMagic      = "LNX\x00"
	bundleHeaderSize = 20
)

// BootBundle is an immutable parsed boot container. Segment slices are
// copies of the input; the bundle never aliases caller memory.
type BootBundle struct {
	Entry      uint32
	Kernel     []byte
	Initrd     []byte
	DeviceTree []byte
}

// HasInitrd reports whether the bundle carries an initrd segment.
func (b *BootBundle) HasInitrd() bool { return len(b.Initrd) > 0 }

// HasDeviceTree reports whether the bundle carries a device-tree override.
func (b *BootBundle) HasDeviceTree() bool { return len(b.DeviceTree) > 0 }

// ParseBundle parses a boot container. Missing optional segments (initrd,
// device-tree override) are permitted; a truncated or mis-tagged container
// is a fatal load error.
func ParseBundle(data []byte) (*BootBundle, error) {
	if len(data) < bundleHeaderSize {
		return nil, fmt.Errorf("gpurv: bundle too short (%d bytes, header needs %d): %w",
			len(data), bundleHeaderSize, ErrBadBundle)
	}
	if string(data[0:4]) != bundleMagic {
		return nil, fmt.Errorf("gpurv: bad bundle magic %q: %w", data[0:4], ErrBadBundle)
	}

	entry := binary.LittleEndian.Uint32(data[4:8])
	kernelSize := binary.LittleEndian.Uint32(data[8:12])
	initrdSize := binary.LittleEndian.Uint32(data[12:16])
	dtbSize := binary.LittleEndian.Uint32(data[16:20])

	total := uint64(bundleHeaderSize) + uint64(kernelSize) + uint64(initrdSize) + uint64(dtbSize)
	if total > uint64(len(data)) {
		return nil, fmt.Errorf("gpurv: bundle truncated: header declares %d bytes, container has %d: %w",
			total, len(data), ErrBadBundle)
	}
	if kernelSize == 0 {
		return nil, fmt.Errorf("gpurv: bundle has no kernel segment: %w", ErrBadBundle)
	}

	b := &BootBundle{Entry: entry}
	off := uint32(bundleHeaderSize)
	b.Kernel = append([]byte(nil), data[off:off+kernelSize]...)
	off += kernelSize
	if initrdSize > 0 {
		b.Initrd = append([]byte(nil), data[off:off+initrdSize]...)
		off += initrdSize
	}
	if dtbSize > 0 {
		b.DeviceTree = append([]byte(nil), data[off:off+dtbSize]...)
	}
	return b, nil
}

// BuildBundle assembles a boot container from raw segments. Used by tests
// and the CLI; the inverse of ParseBundle.
func BuildBundle(entry uint32, kernel, initrd, dtb []byte) []byte {
	out := make([]byte, bundleHeaderSize, bundleHeaderSize+len(kernel)+len(initrd)+len(dtb))
	copy(out[0:4], bundleMagic)
	binary.LittleEndian.PutUint32(out[4:8], entry)
	binary.LittleEndian.PutUint32(out[8:12], uint32(len(kernel)))
	binary.LittleEndian.PutUint32(out[12:16], uint32(len(initrd)))
	binary.LittleEndian.PutUint32(out[16:20], uint32(len(dtb)))
	out = append(out, kernel...)
	out = append(out, initrd...)
	out = append(out, dtb...)
	return out
}
