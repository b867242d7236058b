// Package bootcpu assembles the guest-visible state a Linux bzImage
// expects at entry: the 64-bit boot protocol's boot_params page, the
// flattened kernel image, identity-mapped paging structures, and the
// vCPU's initial segment/control registers for long mode.
package bootcpu

// SegmentDescriptor is a single 64-bit GDT descriptor. The field layout
// must match what the processor expects when the table is read directly
// out of guest memory.
type SegmentDescriptor struct {
	LimitLow   uint16
	BaseLow    uint16
	BaseMid    uint8
	AccessByte uint8
	LimitHigh  uint8 // limit(19:16) in the low nibble, flags in the high nibble
	BaseHigh   uint8
}

// NewSegmentDescriptor builds a descriptor from a 32-bit base, a 20-bit
// limit, the access byte (type, S, DPL, P) and the flags nibble
// (G, D/B, L, AVL) that occupies the upper bits of LimitHigh.
func NewSegmentDescriptor(base, limit uint32, access, flags uint8) SegmentDescriptor {
	return SegmentDescriptor{
		LimitLow:   uint16(limit & 0xFFFF),
		BaseLow:    uint16(base & 0xFFFF),
		BaseMid:    uint8((base >> 16) & 0xFF),
		AccessByte: access,
		LimitHigh:  uint8((limit>>16)&0x0F) | (flags & 0xF0),
		BaseHigh:   uint8((base >> 24) & 0xFF),
	}
}

// Flag nibble bits (upper 4 bits of LimitHigh).
const (
	flagGranularity4K uint8 = 1 << 7
	flagDefaultOpSize uint8 = 1 << 6
	flagLongMode      uint8 = 1 << 5
)

// Access byte bits.
const (
	accessPresent     uint8 = 1 << 7
	accessCodeOrData  uint8 = 1 << 4 // S bit
	accessExecutable  uint8 = 1 << 3
	accessReadWrite    uint8 = 1 << 1
)

// nullDescriptor, code64Descriptor and data64Descriptor are the three
// entries the boot GDT needs: selector 0 must be null, a 64-bit code
// segment, and a flat data segment shared by DS/ES/SS/FS/GS.
func nullDescriptor() SegmentDescriptor { return SegmentDescriptor{} }

func code64Descriptor() SegmentDescriptor {
	return NewSegmentDescriptor(0, 0xFFFFF,
		accessPresent|accessCodeOrData|accessExecutable|accessReadWrite,
		flagGranularity4K|flagLongMode)
}

func data64Descriptor() SegmentDescriptor {
	return NewSegmentDescriptor(0, 0xFFFFF,
		accessPresent|accessCodeOrData|accessReadWrite,
		flagGranularity4K|flagDefaultOpSize)
}
