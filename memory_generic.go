//go:build !unix

package gpurv

// Fallback allocator for platforms without anonymous mmap. Large slice
// allocations from the Go runtime are page-aligned in practice, but
// alignment is not guaranteed here the way it is on unix.

const genericPageSize = 4096

func pageSize() int { return genericPageSize }

func isPageAligned(addr uint64) bool {
	return addr&(genericPageSize-1) == 0
}

func allocArena(size int) ([]byte, bool, error) {
	return make([]byte, size), false, nil
}

func freeArena(buf []byte, mmapped bool) error {
	return nil
}
