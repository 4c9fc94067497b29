package gpurv

import (
	"encoding/binary"
	"fmt"
	"math"
	"runtime"
	"sync"
)

// GuestMemory is the flat byte-addressable arena exclusively owned by one
// Session. It is allocated page-aligned (anonymous mmap where available)
// so the whole arena can later be handed to an accelerator runtime as a
// device-visible buffer without copying.
type GuestMemory struct {
	buf     []byte
	mmapped bool
	closed  bool
	closeMu sync.Mutex // Protect against concurrent Close() and finalizer
}

// NewGuestMemory allocates a guest memory arena of the given size.
// The size must be a page multiple and no larger than MaxInt32.
func NewGuestMemory(size int) (*GuestMemory, error) {
	if size <= 0 {
		return nil, fmt.Errorf("gpurv: memory size must be positive")
	}
	if size > math.MaxInt32 {
		return nil, fmt.Errorf("gpurv: memory too large (max %d bytes)", math.MaxInt32)
	}
	if !isPageAligned(uint64(size)) {
		return nil, fmt.Errorf("gpurv: memory size not page multiple: %d (page size: %d)", size, pageSize())
	}

	buf, mmapped, err := allocArena(size)
	if err != nil {
		recordResourceError()
		return nil, fmt.Errorf("failed to allocate %d bytes of guest memory: %w", size, err)
	}

	m := &GuestMemory{buf: buf, mmapped: mmapped}

	// Set finalizer as safety net in case Close() is not called
	runtime.SetFinalizer(m, (*GuestMemory).finalize)

	return m, nil
}

// Size returns the arena size in bytes.
func (m *GuestMemory) Size() int {
	if m == nil {
		return 0
	}
	return len(m.buf)
}

// ReadAt copies len(dst) bytes starting at off into dst.
func (m *GuestMemory) ReadAt(off uint32, dst []byte) error {
	if m == nil {
		return fmt.Errorf("gpurv: guest memory is nil")
	}
	if m.closed {
		return ErrMemoryClosed
	}
	end := uint64(off) + uint64(len(dst))
	if end > uint64(len(m.buf)) {
		recordResourceError()
		return fmt.Errorf("gpurv: read of %d bytes at 0x%x exceeds guest memory (size 0x%x): %w",
			len(dst), off, len(m.buf), ErrRegionOverflow)
	}
	copy(dst, m.buf[off:end])
	return nil
}

// WriteAt copies data into the arena starting at off.
func (m *GuestMemory) WriteAt(off uint32, data []byte) error {
	if m == nil {
		return fmt.Errorf("gpurv: guest memory is nil")
	}
	if m.closed {
		return ErrMemoryClosed
	}
	end := uint64(off) + uint64(len(data))
	if end > uint64(len(m.buf)) {
		recordResourceError()
		return fmt.Errorf("gpurv: write of %d bytes at 0x%x exceeds guest memory (size 0x%x): %w",
			len(data), off, len(m.buf), ErrRegionOverflow)
	}
	copy(m.buf[off:end], data)
	return nil
}

// writeRegion writes data at the start of a named region after checking it
// fits. Oversized segments are a fatal load error, reported before any
// byte lands in guest memory.
func (m *GuestMemory) writeRegion(amap *AddressMap, r Region, data []byte) error {
	info, err := amap.RegionFor(r)
	if err != nil {
		return err
	}
	if uint64(len(data)) > uint64(info.Size) {
		recordResourceError()
		return fmt.Errorf("gpurv: segment of %d bytes exceeds region %s (0x%x bytes at 0x%x): %w",
			len(data), info.Name, info.Size, info.Offset, ErrRegionOverflow)
	}
	return m.WriteAt(info.Offset, data)
}

// Word accessors used by the device timeline. Little-endian, matching the
// guest ISA byte order.

func (m *GuestMemory) readWord(off uint32) uint32 {
	return binary.LittleEndian.Uint32(m.buf[off : off+4])
}

func (m *GuestMemory) writeWord(off uint32, v uint32) {
	binary.LittleEndian.PutUint32(m.buf[off:off+4], v)
}

func (m *GuestMemory) inBounds(off uint32, n uint32) bool {
	return uint64(off)+uint64(n) <= uint64(len(m.buf))
}

// Close releases the arena. Idempotent.
func (m *GuestMemory) Close() error {
	if m == nil {
		return nil
	}

	m.closeMu.Lock()
	defer m.closeMu.Unlock()

	if m.closed {
		return nil // Already closed
	}

	if err := freeArena(m.buf, m.mmapped); err != nil {
		return fmt.Errorf("failed to release guest memory: %w", err)
	}

	m.closed = true
	m.buf = nil

	// Clear finalizer since we've cleaned up properly
	runtime.SetFinalizer(m, nil)

	return nil
}

// finalize is called by the garbage collector as a safety net
func (m *GuestMemory) finalize() {
	if m == nil {
		return
	}
	// Non-blocking lock to prevent deadlock in finalizers
	if m.closeMu.TryLock() {
		defer m.closeMu.Unlock()
		if !m.closed {
			m.closed = true
			freeArena(m.buf, m.mmapped) // Best effort cleanup
			m.buf = nil
		}
	}
}
