// Command helloworld is a minimal KVM smoke test: a 16-bit real-mode
// guest that writes "Hello, world!\n" one byte at a time to COM1 via
// OUT, then halts. It exercises nothing but KVM_CREATE_VM, a single
// memory slot, and the IO-exit path — no paging, no virtio, no UART
// emulation beyond raw byte capture.
package main

import (
	"fmt"
	"log"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"microvm/internal/kvmapi"
)

const (
	memSize  = 16 * 1024 * 1024
	com1Port = 0x3F8
)

// guestCode: for each byte of the message, `mov dl, imm8; out dx, al`
// is too wide to hand-assemble cleanly, so this uses the fixed COM1
// port preloaded once into DX and an 8-bit `mov al, imm8` / `out dx,
// al` pair per character, then HLT.
func guestCode() []byte {
	msg := "Hello, world!\n"
	code := []byte{0xBA, byte(com1Port & 0xFF), byte(com1Port >> 8)} // mov dx, com1Port
	for _, c := range msg {
		code = append(code, 0xB0, byte(c)) // mov al, c
		code = append(code, 0xEE)          // out dx, al
	}
	code = append(code, 0xF4) // hlt
	return code
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("helloworld: %v", err)
	}
}

func run() error {
	kvmFD, err := kvmapi.OpenDevice()
	if err != nil {
		return err
	}
	defer unix.Close(kvmFD)

	vmFD, err := kvmapi.CreateVM(kvmFD)
	if err != nil {
		return fmt.Errorf("create vm: %w", err)
	}
	defer unix.Close(vmFD)

	mem, err := unix.Mmap(-1, 0, memSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return fmt.Errorf("mmap guest memory: %w", err)
	}
	defer unix.Munmap(mem)
	copy(mem, guestCode())

	if err := kvmapi.SetUserMemoryRegion(vmFD, &kvmapi.UserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0,
		MemorySize:    memSize,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}); err != nil {
		return fmt.Errorf("set user memory region: %w", err)
	}

	vcpuFD, err := kvmapi.CreateVCPU(vmFD)
	if err != nil {
		return fmt.Errorf("create vcpu: %w", err)
	}
	defer unix.Close(vcpuFD)

	sregs, err := kvmapi.GetSregs(vcpuFD)
	if err != nil {
		return fmt.Errorf("get sregs: %w", err)
	}
	sregs.CS.Base, sregs.CS.Selector = 0, 0
	sregs.DS.Base, sregs.ES.Base, sregs.FS.Base, sregs.GS.Base, sregs.SS.Base = 0, 0, 0, 0, 0
	sregs.DS.Selector, sregs.ES.Selector, sregs.FS.Selector, sregs.GS.Selector, sregs.SS.Selector = 0, 0, 0, 0, 0
	sregs.CR0 = 0x10 // ET=1, PE=0: real mode
	sregs.EFER = 0
	if err := kvmapi.SetSregs(vcpuFD, &sregs); err != nil {
		return fmt.Errorf("set sregs: %w", err)
	}

	regs := kvmapi.Regs{RIP: 0, RFLAGS: 0x2, RSP: 0x200000}
	if err := kvmapi.SetRegs(vcpuFD, &regs); err != nil {
		return fmt.Errorf("set regs: %w", err)
	}

	mmapSize, err := kvmapi.GetVCPUMMapSize(kvmFD)
	if err != nil {
		return fmt.Errorf("get vcpu mmap size: %w", err)
	}
	kvmRun, _, err := kvmapi.MmapRun(vcpuFD, mmapSize)
	if err != nil {
		return fmt.Errorf("mmap kvm_run: %w", err)
	}

	for {
		if err := kvmapi.RunVCPU(vcpuFD); err != nil {
			return fmt.Errorf("KVM_RUN: %w", err)
		}

		switch kvmRun.ExitReason {
		case kvmapi.ExitHLT:
			return nil

		case kvmapi.ExitIO:
			io, data := kvmRun.IO()
			if io.Direction != kvmapi.IODirOut || io.Port != com1Port || io.Size != 1 {
				return fmt.Errorf("unhandled IO port=0x%x dir=%d size=%d", io.Port, io.Direction, io.Size)
			}
			os.Stdout.Write(data[:io.Count])

		case kvmapi.ExitFailEntry:
			return fmt.Errorf("vcpu entry failed")

		case kvmapi.ExitInternalError:
			return fmt.Errorf("kvm internal error")

		default:
			return fmt.Errorf("unhandled exit reason %s", kvmapi.ExitReasonName(kvmRun.ExitReason))
		}
	}
}
