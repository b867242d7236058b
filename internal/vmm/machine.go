// Package vmm wires the guest memory view, the bzImage/boot_params
// loader, the virtio-blk device, and the legacy UART together behind a
// single-threaded exit dispatch loop.
package vmm

import (
	"fmt"
	"log"
	"os"

	"golang.org/x/sys/unix"

	"microvm/internal/blockdev"
	"microvm/internal/bootcpu"
	"microvm/internal/guestmem"
	"microvm/internal/kvmapi"
	"microvm/internal/virtioblk"
)

// Fixed layout decisions this monitor makes for every guest it boots.
const (
	DefaultMemSize = 1 << 30 // 1 GiB

	blkMMIOBase = 0x80000000
	blkMMIOSize = virtioblk.WindowSize
	blkIRQ      = 5
	blkQueueMax = 1024
)

// Machine owns every host-side resource backing one running guest: the
// KVM file descriptors, the mmaped guest memory and kvm_run page, and the
// device models wired to the exit dispatch loop.
type Machine struct {
	Debug bool

	kvmFD, vmFD, vcpuFD int
	mem                 *guestmem.Region
	run                 *kvmapi.Run

	blk  *virtioblk.Device
	uart *UART
	bus  *ioBus
}

type irqLine struct {
	vmFD int
	irq  uint32
}

func (l irqLine) AssertIRQ()   { kvmapi.IRQLine(l.vmFD, l.irq, 1) }
func (l irqLine) DeassertIRQ() { kvmapi.IRQLine(l.vmFD, l.irq, 0) }

// Boot constructs a Machine: it opens KVM, allocates guest memory, loads
// the kernel at bzImagePath and attaches rootfsPath as the block device's
// backing file, then brings the single vCPU up in 64-bit long mode ready
// to run.
func Boot(bzImagePath, rootfsPath string, memSize uint64, debug bool) (*Machine, error) {
	m := &Machine{Debug: debug, uart: NewUART(os.Stdout)}
	m.bus = newIOBus(m.uart)

	kvmFD, err := kvmapi.OpenDevice()
	if err != nil {
		return nil, err
	}
	m.kvmFD = kvmFD

	vmFD, err := kvmapi.CreateVM(kvmFD)
	if err != nil {
		return nil, fmt.Errorf("create vm: %w", err)
	}
	m.vmFD = vmFD

	if err := kvmapi.SetTSSAddr(vmFD, 0xFFFBD000); err != nil {
		return nil, fmt.Errorf("set tss addr: %w", err)
	}
	if err := kvmapi.SetIdentityMapAddr(vmFD, 0xFFFBC000); err != nil {
		return nil, fmt.Errorf("set identity map addr: %w", err)
	}
	if err := kvmapi.CreateIRQChip(vmFD); err != nil {
		return nil, fmt.Errorf("create irqchip: %w", err)
	}
	if err := kvmapi.CreatePIT2(vmFD); err != nil {
		return nil, fmt.Errorf("create pit2: %w", err)
	}

	backing, err := unixAnonMmap(memSize)
	if err != nil {
		return nil, fmt.Errorf("mmap guest memory: %w", err)
	}
	m.mem = guestmem.New(backing)

	backend, err := blockdev.Open(rootfsPath)
	if err != nil {
		return nil, err
	}
	m.blk, err = virtioblk.New(backend, irqLine{vmFD: vmFD, irq: blkIRQ}, blkIRQ, blkQueueMax)
	if err != nil {
		return nil, err
	}
	m.blk.Debug = debug

	if err := kvmapi.SetUserMemoryRegion(vmFD, &kvmapi.UserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0,
		MemorySize:    memSize,
		UserspaceAddr: sliceAddr(backing),
	}); err != nil {
		return nil, fmt.Errorf("set user memory region: %w", err)
	}

	kernelData, err := os.ReadFile(bzImagePath)
	if err != nil {
		return nil, fmt.Errorf("read bzImage: %w", err)
	}
	hdr, kernelImage, err := bootcpu.ParseBzImage(kernelData)
	if err != nil {
		return nil, fmt.Errorf("parse bzImage: %w", err)
	}
	if debug {
		log.Printf("boot protocol version %d.%d", hdr.Version>>8, hdr.Version&0xFF)
	}

	cmdline := fmt.Sprintf("console=ttyS0 reboot=k panic=1 pci=off "+
		"i8042.noaux i8042.nomux i8042.dumbkbd "+
		"virtio_mmio.device=%d@0x%x:%d",
		blkMMIOSize, blkMMIOBase, blkIRQ)
	if err := bootcpu.BuildBootParams(m.mem, hdr, cmdline, memSize); err != nil {
		return nil, fmt.Errorf("build boot_params: %w", err)
	}
	if err := bootcpu.LoadKernel(m.mem, kernelImage); err != nil {
		return nil, fmt.Errorf("load kernel: %w", err)
	}
	if err := bootcpu.SetupPaging(m.mem); err != nil {
		return nil, fmt.Errorf("setup paging: %w", err)
	}
	if err := bootcpu.WriteGDT(m.mem); err != nil {
		return nil, fmt.Errorf("write gdt: %w", err)
	}

	vcpuFD, err := kvmapi.CreateVCPU(vmFD)
	if err != nil {
		return nil, fmt.Errorf("create vcpu: %w", err)
	}
	m.vcpuFD = vcpuFD

	if err := bootcpu.InitCPUID(kvmFD, vcpuFD); err != nil {
		return nil, err
	}
	if err := bootcpu.InitLongMode(vcpuFD, bootcpu.BootParamsAddr); err != nil {
		return nil, err
	}

	mmapSize, err := kvmapi.GetVCPUMMapSize(kvmFD)
	if err != nil {
		return nil, fmt.Errorf("get vcpu mmap size: %w", err)
	}
	run, _, err := kvmapi.MmapRun(vcpuFD, mmapSize)
	if err != nil {
		return nil, fmt.Errorf("mmap kvm_run: %w", err)
	}
	m.run = run

	if debug {
		log.Printf("starting kernel at rip=0x%x rsi=0x%x", bootcpu.KernelAddr+0x200, bootcpu.BootParamsAddr)
	}
	return m, nil
}

// Close releases every host resource the Machine holds. It is safe to
// call after a failed Boot as well as after Run returns.
func (m *Machine) Close() {
	if m.mem != nil {
		unix.Munmap(m.mem.Bytes())
		m.mem = nil
	}
	if m.vcpuFD != 0 {
		unix.Close(m.vcpuFD)
		m.vcpuFD = 0
	}
	if m.vmFD != 0 {
		unix.Close(m.vmFD)
		m.vmFD = 0
	}
	if m.kvmFD != 0 {
		unix.Close(m.kvmFD)
		m.kvmFD = 0
	}
}
