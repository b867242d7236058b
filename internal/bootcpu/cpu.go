package bootcpu

import (
	"fmt"

	"microvm/internal/guestmem"
	"microvm/internal/kvmapi"
)

// GDTAddr is where the (largely vestigial, see decodeSegment) boot GDT is
// written in guest memory. KVM loads segment state directly from the
// sregs hidden-descriptor-cache fields on KVM_SET_SREGS, so nothing ever
// walks this table via LGDT, but a long-mode guest jumping through a far
// pointer of its own would still find a consistent table there.
const GDTAddr = 0x500

const (
	codeSelector = 0x08
	dataSelector = 0x10
)

// WriteGDT writes a 3-entry GDT (null, 64-bit code, flat data) to guest
// memory at GDTAddr.
func WriteGDT(mem *guestmem.Region) error {
	entries := []SegmentDescriptor{nullDescriptor(), code64Descriptor(), data64Descriptor()}
	buf := make([]byte, len(entries)*8)
	for i, e := range entries {
		b := buf[i*8 : i*8+8]
		le16(b[0:2], e.LimitLow)
		le16(b[2:4], e.BaseLow)
		b[4] = e.BaseMid
		b[5] = e.AccessByte
		b[6] = e.LimitHigh
		b[7] = e.BaseHigh
	}
	return mem.WriteAt(GDTAddr, buf)
}

func le16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

// decodeSegment expands a GDT descriptor's packed bit layout into the
// hidden-descriptor-cache fields kvm_sregs expects: with G=1 the 20-bit
// limit is hardware-expanded to a 4 KiB-granular 32-bit limit.
func decodeSegment(d SegmentDescriptor, selector uint16) kvmapi.Segment {
	base := uint32(d.BaseLow) | uint32(d.BaseMid)<<16 | uint32(d.BaseHigh)<<24
	rawLimit := uint32(d.LimitLow) | uint32(d.LimitHigh&0x0F)<<16
	granularity := d.LimitHigh&flagGranularity4K != 0
	limit := rawLimit
	if granularity {
		limit = rawLimit<<12 | 0xFFF
	}
	return kvmapi.Segment{
		Base:     uint64(base),
		Limit:    limit,
		Selector: selector,
		Type:     d.AccessByte & 0x0F,
		Present:  b2u8(d.AccessByte&accessPresent != 0),
		DPL:      (d.AccessByte >> 5) & 0x03,
		S:        b2u8(d.AccessByte&accessCodeOrData != 0),
		DB:       b2u8(d.LimitHigh&flagDefaultOpSize != 0),
		L:        b2u8(d.LimitHigh&flagLongMode != 0),
		G:        b2u8(granularity),
	}
}

func b2u8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// InitLongMode sets up a single vCPU to begin executing the 64-bit Linux
// kernel entry point directly, bypassing real mode and the kernel's own
// 32-bit entry trampoline, per the x86/boot 64-bit boot protocol.
func InitLongMode(vcpuFD int, bootParamsAddr uint64) error {
	sregs, err := kvmapi.GetSregs(vcpuFD)
	if err != nil {
		return fmt.Errorf("get sregs: %w", err)
	}

	code := decodeSegment(code64Descriptor(), codeSelector)
	data := decodeSegment(data64Descriptor(), dataSelector)

	sregs.CS = code
	sregs.DS = data
	sregs.ES = data
	sregs.SS = data
	sregs.FS = data
	sregs.GS = data

	sregs.GDT = kvmapi.DTable{Base: GDTAddr, Limit: 3*8 - 1}

	const (
		cr0ProtectedPagedWritePresent = 0x80050033
		cr4PAEAndFriends              = 0x668
		eferLMEAndLMA                 = 0x500
	)
	sregs.CR0 = cr0ProtectedPagedWritePresent
	sregs.CR3 = PML4Addr
	sregs.CR4 = cr4PAEAndFriends
	sregs.EFER = eferLMEAndLMA

	if err := kvmapi.SetSregs(vcpuFD, &sregs); err != nil {
		return fmt.Errorf("set sregs: %w", err)
	}

	regs := kvmapi.Regs{
		RIP:    KernelAddr + 0x200,
		RSI:    bootParamsAddr,
		RSP:    0x80000,
		RFLAGS: 0x2,
	}
	if err := kvmapi.SetRegs(vcpuFD, &regs); err != nil {
		return fmt.Errorf("set regs: %w", err)
	}
	return nil
}

// InitCPUID passes the host's supported CPUID leaves straight through to
// the vCPU. Nothing in this guest ABI depends on a paravirt CPUID
// signature leaf, so unlike some KVM launchers this performs no
// signature patching.
func InitCPUID(kvmFD, vcpuFD int) error {
	cpuid, err := kvmapi.GetSupportedCPUID(kvmFD)
	if err != nil {
		return fmt.Errorf("get supported cpuid: %w", err)
	}
	if err := kvmapi.SetCPUID2(vcpuFD, cpuid); err != nil {
		return fmt.Errorf("set cpuid2: %w", err)
	}
	return nil
}
