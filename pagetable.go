package gpurv

import "fmt"

// Sv32 page-table entry bits.
const (
	pteV = 1 << 0 // Valid
	pteR = 1 << 1 // Readable
	pteW = 1 << 2 // Writable
	pteX = 1 << 3 // Executable
	pteU = 1 << 4 // User
	pteG = 1 << 5 // Global
	pteA = 1 << 6 // Accessed
	pteD = 1 << 7 // Dirty
)

const (
	pageShift     = 12
	megapageShift = 22
	ptesPerTable  = 1024

	satpModeSv32 = 1 << 31
)

// makePTE encodes a physical address and flag set into an Sv32 entry.
func makePTE(pa uint32, flags uint32) uint32 {
	return (pa>>pageShift)<<10 | (flags & 0x3FF)
}

// ptePhys decodes the physical address an entry points at.
func ptePhys(pte uint32) uint32 {
	return (pte >> 10) << pageShift
}

// makeSATP encodes a root table address into a satp value with Sv32 mode.
func makeSATP(root uint32) uint32 {
	return satpModeSv32 | root>>pageShift
}

// BuildIdentityMap writes the boot page tables into the page-table region
// and returns the satp value that activates them. The map identity-covers
// all of guest memory so early boot code, which runs before the guest
// installs its own tables, resolves every AddressMap region correctly.
//
// The first 4MB goes through a full two-level walk (a leaf table of 4KB
// pages); the remainder uses 4MB megapage entries in the root.
func BuildIdentityMap(mem *GuestMemory, amap *AddressMap) (uint32, error) {
	pt, err := amap.RegionFor(RegionPageTables)
	if err != nil {
		return 0, err
	}

	root := pt.Offset
	leaf := pt.Offset + ptesPerTable*4
	if !amap.Contains(RegionPageTables, root, ptesPerTable*4*2) {
		return 0, fmt.Errorf("gpurv: page-table region too small for root and leaf tables: %w",
			ErrRegionOverflow)
	}

	// Zero both tables first; an all-zero entry is invalid by definition.
	zero := make([]byte, ptesPerTable*4*2)
	if err := mem.WriteAt(root, zero); err != nil {
		return 0, err
	}

	// Root entry 0 points at the leaf table (no R/W/X bits: non-leaf).
	mem.writeWord(root, makePTE(leaf, pteV))

	// Leaf table: 1024 identity 4KB pages covering the first 4MB.
	leafFlags := uint32(pteV | pteR | pteW | pteX | pteA | pteD | pteG)
	for i := uint32(0); i < ptesPerTable; i++ {
		mem.writeWord(leaf+i*4, makePTE(i<<pageShift, leafFlags))
	}

	// Remaining root entries: identity 4MB megapages up to the arena end.
	megapages := amap.MemorySize() >> megapageShift
	for i := uint32(1); i < megapages; i++ {
		mem.writeWord(root+i*4, makePTE(i<<megapageShift, leafFlags))
	}

	return makeSATP(root), nil
}
