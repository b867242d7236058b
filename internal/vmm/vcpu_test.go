package vmm

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"microvm/internal/blockdev"
	"microvm/internal/guestmem"
	"microvm/internal/kvmapi"
	"microvm/internal/virtioblk"
)

type fakeIRQ struct{ asserted bool }

func (f *fakeIRQ) AssertIRQ()   { f.asserted = true }
func (f *fakeIRQ) DeassertIRQ() { f.asserted = false }

func newTestMachine(t *testing.T) *Machine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, make([]byte, 4096), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	backend, err := blockdev.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { backend.Close() })

	dev, err := virtioblk.New(backend, &fakeIRQ{}, blkIRQ, blkQueueMax)
	if err != nil {
		t.Fatalf("virtioblk.New: %v", err)
	}

	uart := NewUART(&bytes.Buffer{})
	return &Machine{
		mem:  guestmem.New(make([]byte, 1<<20)),
		blk:  dev,
		uart: uart,
		bus:  newIOBus(uart),
		run:  &kvmapi.Run{},
	}
}

func TestHandleMMIOExitWithinDeviceWindowReadsMagic(t *testing.T) {
	m := newTestMachine(t)
	m.run.ExitReason = kvmapi.ExitMMIO

	mmio := m.run.MMIO()
	mmio.PhysAddr = blkMMIOBase + virtioblk.OffMagic
	mmio.Len = 4
	mmio.IsWrite = 0

	m.handleMMIOExit()

	got := binary.LittleEndian.Uint32(mmio.Data[:4])
	if got != 0x74726976 {
		t.Fatalf("magic read via dispatch = 0x%x, want 0x74726976", got)
	}
}

func TestHandleMMIOExitOutsideDeviceWindowDoesNotPanic(t *testing.T) {
	m := newTestMachine(t)
	m.run.ExitReason = kvmapi.ExitMMIO

	mmio := m.run.MMIO()
	mmio.PhysAddr = 0xDEADBEEF
	mmio.Len = 4
	mmio.IsWrite = 0

	m.handleMMIOExit() // must not panic; unhandled MMIO is logged and dropped
}

// kvmRunPage mimics the layout a real mmaped kvm_run page has: the fixed
// header (aliased as kvmapi.Run) followed by out-of-line space that
// run.io.data_offset points into.
type kvmRunPage struct {
	buf []byte
}

func newKVMRunPage(t *testing.T) (*kvmRunPage, *kvmapi.Run) {
	t.Helper()
	buf := make([]byte, 512)
	run := (*kvmapi.Run)(unsafe.Pointer(&buf[0]))
	return &kvmRunPage{buf: buf}, run
}

func TestHandleIOExitUARTWrite(t *testing.T) {
	var out bytes.Buffer
	m := newTestMachine(t)
	m.uart = NewUART(&out)
	m.bus = newIOBus(m.uart)

	page, run := newKVMRunPage(t)
	m.run = run
	m.run.ExitReason = kvmapi.ExitIO

	const dataOffset = 288 // past the fixed Run header, within the page
	io, _ := m.run.IO()
	io.Direction = kvmapi.IODirOut
	io.Size = 1
	io.Port = comBase + offTHR
	io.Count = 1
	io.DataOffset = dataOffset
	page.buf[dataOffset] = 'Z'

	m.handleIOExit()

	if out.String() != "Z" {
		t.Fatalf("uart output = %q, want %q", out.String(), "Z")
	}
}

func TestHandleIOExitOutsideUARTRangeDoesNotPanic(t *testing.T) {
	m := newTestMachine(t)
	page, run := newKVMRunPage(t)
	m.run = run
	m.run.ExitReason = kvmapi.ExitIO

	const dataOffset = 288
	io, _ := m.run.IO()
	io.Direction = kvmapi.IODirIn
	io.Size = 1
	io.Port = 0x60 // PS/2 controller, not ours
	io.Count = 1
	io.DataOffset = dataOffset
	_ = page

	m.handleIOExit()
}
