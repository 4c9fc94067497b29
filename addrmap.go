package gpurv

import "fmt"

// Guest physical layout defaults. All regions live inside the 64MB guest
// memory arena; the kernel image is placed just above the zero page so a
// null pointer dereference in early boot faults instead of executing.
const (
	DefaultMemorySize = 64 << 20 // 64MB

	KernelOffset     = 0x0000_1000
	InitrdOffset     = 0x0100_0000 // 16MB
	DeviceTreeOffset = 0x0200_0000 // 32MB
	DeviceTreeMax    = 0x0001_0000 // 64KB

	FramebufferOffset = 0x0300_0000
	FramebufferWidth  = 1024
	FramebufferHeight = 768
	FramebufferSize   = FramebufferWidth * FramebufferHeight * 4 // RGBA

	PageTableOffset = 0x0340_0000
	PageTableSize   = 0x0010_0000

	InputMMIOOffset = 0x0350_0000
	InputMMIOSize   = 0x1000

	UARTOffset = 0x0351_0000
	UARTSize   = 0x1000

	SBIBridgeOffset = 0x0352_0000
	SBIBridgeSize   = 0x1000
)

// Region identifies one fixed window of guest physical memory.
type Region int

const (
	RegionBootPage Region = iota // zero page, left unmapped for guests
	RegionKernel
	RegionInitrd
	RegionDeviceTree
	RegionFramebuffer
	RegionPageTables
	RegionInputMMIO
	RegionUART
	RegionSBIBridge

	regionCount
)

// RegionInfo describes one region's placement within guest memory.
type RegionInfo struct {
	Name   string
	Offset uint32
	Size   uint32
}

// AddressMap is the static table of fixed physical-address regions within
// guest memory. It is pure data: constructed and validated once, then
// consulted without further checks on the hot path.
type AddressMap struct {
	memSize uint32
	regions [regionCount]RegionInfo
}

// NewAddressMap builds the region table for a guest memory arena of the
// given size. Overlapping or out-of-bounds regions are a configuration
// error: the session must never start with a bad map.
func NewAddressMap(memSize uint32) (*AddressMap, error) {
	if memSize == 0 {
		return nil, fmt.Errorf("gpurv: memory size must be non-zero")
	}

	m := &AddressMap{memSize: memSize}
	m.regions = [regionCount]RegionInfo{
		RegionBootPage:    {Name: "boot-page", Offset: 0, Size: KernelOffset},
		RegionKernel:      {Name: "kernel", Offset: KernelOffset, Size: InitrdOffset - KernelOffset},
		RegionInitrd:      {Name: "initrd", Offset: InitrdOffset, Size: DeviceTreeOffset - InitrdOffset},
		RegionDeviceTree:  {Name: "devicetree", Offset: DeviceTreeOffset, Size: DeviceTreeMax},
		RegionFramebuffer: {Name: "framebuffer", Offset: FramebufferOffset, Size: FramebufferSize},
		RegionPageTables:  {Name: "pagetables", Offset: PageTableOffset, Size: PageTableSize},
		RegionInputMMIO:   {Name: "input-mmio", Offset: InputMMIOOffset, Size: InputMMIOSize},
		RegionUART:        {Name: "uart", Offset: UARTOffset, Size: UARTSize},
		RegionSBIBridge:   {Name: "sbi-bridge", Offset: SBIBridgeOffset, Size: SBIBridgeSize},
	}

	// Bounds and pairwise overlap are checked once here, not per access.
	for i := Region(0); i < regionCount; i++ {
		r := m.regions[i]
		if r.Size == 0 {
			return nil, fmt.Errorf("gpurv: region %s has zero size", r.Name)
		}
		end := uint64(r.Offset) + uint64(r.Size)
		if end > uint64(memSize) {
			return nil, fmt.Errorf("gpurv: region %s [0x%x+0x%x] exceeds guest memory size 0x%x",
				r.Name, r.Offset, r.Size, memSize)
		}
		for j := Region(0); j < i; j++ {
			o := m.regions[j]
			if r.Offset < o.Offset+o.Size && o.Offset < r.Offset+r.Size {
				return nil, fmt.Errorf("gpurv: regions %s and %s overlap", r.Name, o.Name)
			}
		}
	}

	return m, nil
}

// MemorySize returns the size of the guest memory arena this map covers.
func (m *AddressMap) MemorySize() uint32 { return m.memSize }

// RegionFor returns the placement of a named region.
func (m *AddressMap) RegionFor(r Region) (RegionInfo, error) {
	if r < 0 || r >= regionCount {
		return RegionInfo{}, fmt.Errorf("gpurv: invalid region %d (must be %d-%d)", r, 0, regionCount-1)
	}
	return m.regions[r], nil
}

// Validate reports whether [addr, addr+length) lies inside guest memory.
func (m *AddressMap) Validate(addr uint32, length uint32) bool {
	end := uint64(addr) + uint64(length)
	return end <= uint64(m.memSize)
}

// Contains reports whether [addr, addr+length) fits inside the given region.
func (m *AddressMap) Contains(r Region, addr uint32, length uint32) bool {
	if r < 0 || r >= regionCount {
		return false
	}
	info := m.regions[r]
	if addr < info.Offset {
		return false
	}
	end := uint64(addr) + uint64(length)
	return end <= uint64(info.Offset)+uint64(info.Size)
}
