package gpurv

import "testing"

func TestAddressMapRegions(t *testing.T) {
	m, err := NewAddressMap(DefaultMemorySize)
	if err != nil {
		t.Fatalf("NewAddressMap failed: %v", err)
	}

	tests := []struct {
		name   string
		region Region
		offset uint32
	}{
		{"kernel", RegionKernel, KernelOffset},
		{"initrd", RegionInitrd, InitrdOffset},
		{"devicetree", RegionDeviceTree, DeviceTreeOffset},
		{"framebuffer", RegionFramebuffer, FramebufferOffset},
		{"pagetables", RegionPageTables, PageTableOffset},
		{"input-mmio", RegionInputMMIO, InputMMIOOffset},
		{"uart", RegionUART, UARTOffset},
		{"sbi-bridge", RegionSBIBridge, SBIBridgeOffset},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := m.RegionFor(tt.region)
			if err != nil {
				t.Fatalf("RegionFor(%v) failed: %v", tt.region, err)
			}
			if info.Offset != tt.offset {
				t.Errorf("region %s offset = 0x%x, want 0x%x", tt.name, info.Offset, tt.offset)
			}
			if info.Name != tt.name {
				t.Errorf("region name = %q, want %q", info.Name, tt.name)
			}
		})
	}
}

func TestAddressMapNoOverlaps(t *testing.T) {
	m, err := NewAddressMap(DefaultMemorySize)
	if err != nil {
		t.Fatalf("NewAddressMap failed: %v", err)
	}

	// Every region must lie within guest memory and be disjoint from
	// every other region.
	for i := Region(0); i < regionCount; i++ {
		a, _ := m.RegionFor(i)
		if uint64(a.Offset)+uint64(a.Size) > DefaultMemorySize {
			t.Errorf("region %s [0x%x+0x%x] exceeds memory bounds", a.Name, a.Offset, a.Size)
		}
		for j := i + 1; j < regionCount; j++ {
			b, _ := m.RegionFor(j)
			if a.Offset < b.Offset+b.Size && b.Offset < a.Offset+a.Size {
				t.Errorf("regions %s and %s overlap", a.Name, b.Name)
			}
		}
	}
}

func TestAddressMapTooSmall(t *testing.T) {
	// A memory size that cannot contain the fixed regions is a fatal
	// configuration error, not something to paper over at runtime.
	tests := []struct {
		name string
		size uint32
	}{
		{"zero", 0},
		{"one page", 0x1000},
		{"below sbi bridge", SBIBridgeOffset},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewAddressMap(tt.size); err == nil {
				t.Errorf("NewAddressMap(0x%x) succeeded, want error", tt.size)
			}
		})
	}
}

func TestAddressMapValidate(t *testing.T) {
	m, err := NewAddressMap(DefaultMemorySize)
	if err != nil {
		t.Fatalf("NewAddressMap failed: %v", err)
	}

	tests := []struct {
		name   string
		addr   uint32
		length uint32
		want   bool
	}{
		{"start of memory", 0, 4, true},
		{"last byte", DefaultMemorySize - 1, 1, true},
		{"full arena", 0, DefaultMemorySize, true},
		{"one past end", DefaultMemorySize, 1, false},
		{"length overflow", DefaultMemorySize - 2, 4, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.Validate(tt.addr, tt.length); got != tt.want {
				t.Errorf("Validate(0x%x, %d) = %v, want %v", tt.addr, tt.length, got, tt.want)
			}
		})
	}
}

func TestAddressMapContains(t *testing.T) {
	m, err := NewAddressMap(DefaultMemorySize)
	if err != nil {
		t.Fatalf("NewAddressMap failed: %v", err)
	}

	if !m.Contains(RegionUART, UARTOffset, UARTSize) {
		t.Error("UART region should contain its own extent")
	}
	if m.Contains(RegionUART, UARTOffset, UARTSize+1) {
		t.Error("Contains accepted an extent past the region end")
	}
	if m.Contains(RegionUART, UARTOffset-4, 4) {
		t.Error("Contains accepted an address before the region")
	}
}
