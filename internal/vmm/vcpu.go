package vmm

import (
	"fmt"
	"log"

	"microvm/internal/kvmapi"
)

// Run drives the single vCPU to completion: a blocking KVM_RUN, a
// dispatch on the resulting exit reason, repeat. The loop is entirely
// synchronous — each handler runs to completion before the next
// KVM_RUN — since the guest is paused for the whole of a host-side exit
// handler and there is exactly one thread driving it.
func (m *Machine) Run() (exitCode int, err error) {
	for {
		if err := kvmapi.RunVCPU(m.vcpuFD); err != nil {
			return 1, fmt.Errorf("KVM_RUN: %w", err)
		}

		switch m.run.ExitReason {
		case kvmapi.ExitHLT:
			return 0, nil

		case kvmapi.ExitIO:
			m.handleIOExit()

		case kvmapi.ExitMMIO:
			m.handleMMIOExit()

		case kvmapi.ExitShutdown:
			return 1, fmt.Errorf("guest shutdown")

		case kvmapi.ExitFailEntry:
			return 1, fmt.Errorf("vcpu entry failed")

		case kvmapi.ExitInternalError:
			return 1, fmt.Errorf("kvm internal error")

		default:
			if m.Debug {
				log.Printf("unhandled exit reason %s", kvmapi.ExitReasonName(m.run.ExitReason))
			}
		}
	}
}

func (m *Machine) handleIOExit() {
	io, data := m.run.IO()
	if m.bus.route(io.Port, io.Direction == kvmapi.IODirOut, data) {
		return
	}
	if m.Debug {
		m.bus.logUnhandled(io.Port, io.Direction == kvmapi.IODirOut, io.Size)
	}
}

func (m *Machine) handleMMIOExit() {
	mmio := m.run.MMIO()
	if mmio.PhysAddr >= blkMMIOBase && mmio.PhysAddr < blkMMIOBase+blkMMIOSize {
		offset := uint32(mmio.PhysAddr - blkMMIOBase)
		data := mmio.Data[:mmio.Len]
		if err := m.blk.HandleMMIO(m.mem, offset, data, mmio.IsWrite != 0); err != nil {
			log.Printf("virtio-blk mmio error at offset 0x%x: %v", offset, err)
		}
		return
	}
	log.Printf("unhandled MMIO write=%v at 0x%x len=%d", mmio.IsWrite != 0, mmio.PhysAddr, mmio.Len)
}
