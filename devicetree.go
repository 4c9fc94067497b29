package gpurv

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Flattened device tree (FDT) generation. The blob follows the v17 layout:
// a big-endian header, an empty memory-reservation block, the structure
// block of BEGIN_NODE/PROP/END_NODE tokens, and the strings block.
const (
	fdtMagic   = 0xd00dfeed
	fdtVersion = 17
	fdtCompat  = 16

	fdtBeginNode = 0x1
	fdtEndNode   = 0x2
	fdtProp      = 0x3
	fdtEnd       = 0x9
)

type fdt struct {
	struc   bytes.Buffer
	strings bytes.Buffer
	strOff  map[string]uint32
}

func newFdt() *fdt {
	return &fdt{strOff: make(map[string]uint32)}
}

func (f *fdt) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	f.struc.Write(b[:])
}

func (f *fdt) pad() {
	for f.struc.Len()%4 != 0 {
		f.struc.WriteByte(0)
	}
}

// stringOffset interns a property name into the strings block.
func (f *fdt) stringOffset(s string) uint32 {
	if off, ok := f.strOff[s]; ok {
		return off
	}
	off := uint32(f.strings.Len())
	f.strings.WriteString(s)
	f.strings.WriteByte(0)
	f.strOff[s] = off
	return off
}

func (f *fdt) beginNode(name string) {
	f.u32(fdtBeginNode)
	f.struc.WriteString(name)
	f.struc.WriteByte(0)
	f.pad()
}

func (f *fdt) endNode() {
	f.u32(fdtEndNode)
}

func (f *fdt) prop(name string, value []byte) {
	f.u32(fdtProp)
	f.u32(uint32(len(value)))
	f.u32(f.stringOffset(name))
	f.struc.Write(value)
	f.pad()
}

func (f *fdt) propU32(name string, vs ...uint32) {
	value := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.BigEndian.PutUint32(value[i*4:], v)
	}
	f.prop(name, value)
}

func (f *fdt) propStr(name string, v string) {
	f.prop(name, append([]byte(v), 0))
}

func (f *fdt) propEmpty(name string) {
	f.prop(name, nil)
}

// finish serializes the header, reservation block, structure block, and
// strings block into the final blob.
func (f *fdt) finish() []byte {
	f.u32(fdtEnd)

	const headerSize = 40
	const rsvSize = 16 // single all-zero terminator entry
	strucOff := uint32(headerSize + rsvSize)
	stringsOff := strucOff + uint32(f.struc.Len())
	total := stringsOff + uint32(f.strings.Len())

	out := make([]byte, total)
	binary.BigEndian.PutUint32(out[0:], fdtMagic)
	binary.BigEndian.PutUint32(out[4:], total)
	binary.BigEndian.PutUint32(out[8:], strucOff)
	binary.BigEndian.PutUint32(out[12:], stringsOff)
	binary.BigEndian.PutUint32(out[16:], headerSize)
	binary.BigEndian.PutUint32(out[20:], fdtVersion)
	binary.BigEndian.PutUint32(out[24:], fdtCompat)
	binary.BigEndian.PutUint32(out[28:], 0) // boot cpu id
	binary.BigEndian.PutUint32(out[32:], uint32(f.strings.Len()))
	binary.BigEndian.PutUint32(out[36:], uint32(f.struc.Len()))
	copy(out[strucOff:], f.struc.Bytes())
	copy(out[stringsOff:], f.strings.Bytes())
	return out
}

// DeviceTreeOptions selects the optional parts of the generated blob.
type DeviceTreeOptions struct {
	InitrdStart uint32
	InitrdEnd   uint32
	Bootargs    string
}

// BuildDeviceTree produces the hardware-description blob handed to the
// guest kernel at boot: total memory, framebuffer, console, input device,
// and the initrd range when one is loaded. Deterministic for a given
// AddressMap and options.
func BuildDeviceTree(amap *AddressMap, opts DeviceTreeOptions) ([]byte, error) {
	fb, err := amap.RegionFor(RegionFramebuffer)
	if err != nil {
		return nil, err
	}
	uart, err := amap.RegionFor(RegionUART)
	if err != nil {
		return nil, err
	}
	input, err := amap.RegionFor(RegionInputMMIO)
	if err != nil {
		return nil, err
	}

	bootargs := opts.Bootargs
	if bootargs == "" {
		bootargs = "console=hvc0"
	}

	f := newFdt()
	f.beginNode("")
	f.propU32("#address-cells", 1)
	f.propU32("#size-cells", 1)
	f.propStr("compatible", "gpurv,virt")
	f.propStr("model", "gpurv-virt")

	f.beginNode("chosen")
	f.propStr("bootargs", bootargs)
	f.propStr("stdout-path", fmt.Sprintf("/soc/uart@%x", uart.Offset))
	if opts.InitrdEnd > opts.InitrdStart {
		f.propU32("linux,initrd-start", opts.InitrdStart)
		f.propU32("linux,initrd-end", opts.InitrdEnd)
	}
	f.endNode()

	f.beginNode("memory@0")
	f.propStr("device_type", "memory")
	f.propU32("reg", 0, amap.MemorySize())
	f.endNode()

	f.beginNode("cpus")
	f.propU32("#address-cells", 1)
	f.propU32("#size-cells", 0)
	f.propU32("timebase-frequency", 1_000_000)
	f.beginNode("cpu@0")
	f.propStr("device_type", "cpu")
	f.propStr("compatible", "riscv")
	f.propStr("riscv,isa", "rv32i")
	f.propStr("mmu-type", "riscv,sv32")
	f.propU32("reg", 0)
	f.propStr("status", "okay")
	f.endNode()
	f.endNode()

	f.beginNode("soc")
	f.propStr("compatible", "simple-bus")
	f.propU32("#address-cells", 1)
	f.propU32("#size-cells", 1)
	f.propEmpty("ranges")

	f.beginNode(fmt.Sprintf("framebuffer@%x", fb.Offset))
	f.propStr("compatible", "simple-framebuffer")
	f.propU32("reg", fb.Offset, fb.Size)
	f.propU32("width", FramebufferWidth)
	f.propU32("height", FramebufferHeight)
	f.propU32("stride", FramebufferWidth*4)
	f.propStr("format", "a8b8g8r8")
	f.endNode()

	f.beginNode(fmt.Sprintf("uart@%x", uart.Offset))
	f.propStr("compatible", "gpurv,uart")
	f.propU32("reg", uart.Offset, uart.Size)
	f.endNode()

	f.beginNode(fmt.Sprintf("input@%x", input.Offset))
	f.propStr("compatible", "gpurv,input")
	f.propU32("reg", input.Offset, input.Size)
	f.endNode()

	f.endNode() // soc
	f.endNode() // root

	blob := f.finish()
	if len(blob) > DeviceTreeMax {
		return nil, fmt.Errorf("gpurv: device tree blob of %d bytes exceeds region cap %d: %w",
			len(blob), DeviceTreeMax, ErrRegionOverflow)
	}
	return blob, nil
}
