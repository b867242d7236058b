package bootcpu

import (
	"encoding/binary"

	"microvm/internal/guestmem"
)

// Page table addresses within guest physical memory. A single PML4 entry
// covers the first 512 GiB, a single PDPT entry covers the first 1 GiB of
// that, and a full page directory of 2 MiB pages covers the 1 GiB guest
// memory size this monitor fixes.
const (
	PML4Addr = 0x1000
	PDPTAddr = 0x2000
	PDAddr   = 0x3000

	pageTableSize = 0x1000
	pde2MBFlags   = 0x83 // present | writable | page-size(2MB)
	pml4eFlags    = 0x03 // present | writable
)

// SetupPaging writes an identity-mapped 4-level page table for the first
// 1 GiB of guest memory, using 2 MiB pages so a single page directory
// suffices. CR3 is expected to point at PML4Addr.
func SetupPaging(mem *guestmem.Region) error {
	zero := make([]byte, pageTableSize)
	for _, addr := range []uint64{PML4Addr, PDPTAddr, PDAddr} {
		if err := mem.WriteAt(addr, zero); err != nil {
			return err
		}
	}

	if err := mem.PutUint64At(PML4Addr, PDPTAddr|pml4eFlags); err != nil {
		return err
	}
	if err := mem.PutUint64At(PDPTAddr, PDAddr|pml4eFlags); err != nil {
		return err
	}

	pd := make([]byte, pageTableSize)
	for i := 0; i < 512; i++ {
		entry := uint64(i)*0x200000 | pde2MBFlags
		binary.LittleEndian.PutUint64(pd[i*8:i*8+8], entry)
	}
	return mem.WriteAt(PDAddr, pd)
}
