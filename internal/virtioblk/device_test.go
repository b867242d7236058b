package virtioblk

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"microvm/internal/blockdev"
	"microvm/internal/guestmem"
	"microvm/internal/virtqueue"
)

const (
	descBase  = 0x10000
	availBase = 0x20000
	usedBase  = 0x30000
	dataBase  = 0x40000
)

type fakeIRQ struct {
	asserted   bool
	assertN    int
	deassertN  int
}

func (f *fakeIRQ) AssertIRQ()   { f.asserted = true; f.assertN++ }
func (f *fakeIRQ) DeassertIRQ() { f.asserted = false; f.deassertN++ }

func newTestDevice(t *testing.T, diskSize int) (*Device, *guestmem.Region, *fakeIRQ) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, make([]byte, diskSize), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	backend, err := blockdev.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { backend.Close() })

	irq := &fakeIRQ{}
	dev, err := New(backend, irq, 5, 256)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mem := guestmem.New(make([]byte, 1<<20))
	return dev, mem, irq
}

func (d *Device) read32(mem *guestmem.Region, offset uint32) uint32 {
	buf := make([]byte, 4)
	d.HandleMMIO(mem, offset, buf, false)
	return binary.LittleEndian.Uint32(buf)
}

func (d *Device) write32(mem *guestmem.Region, offset uint32, v uint32) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	d.HandleMMIO(mem, offset, buf, true)
}

func putDesc(t *testing.T, mem *guestmem.Region, idx uint16, addr uint64, length uint32, flags, next uint16) {
	t.Helper()
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b[0:8], addr)
	binary.LittleEndian.PutUint32(b[8:12], length)
	binary.LittleEndian.PutUint16(b[12:14], flags)
	binary.LittleEndian.PutUint16(b[14:16], next)
	if err := mem.WriteAt(descBase+uint64(idx)*16, b); err != nil {
		t.Fatalf("putDesc: %v", err)
	}
}

func publishAvail(t *testing.T, mem *guestmem.Region, heads ...uint16) {
	t.Helper()
	for i, h := range heads {
		if err := mem.PutUint16At(availBase+4+uint64(i)*2, h); err != nil {
			t.Fatalf("publishAvail ring: %v", err)
		}
	}
	if err := mem.PutUint16At(availBase+2, uint16(len(heads))); err != nil {
		t.Fatalf("publishAvail idx: %v", err)
	}
}

// bringUp drives the device through ACKNOWLEDGE -> DRIVER -> (feature
// negotiation) -> FEATURES_OK -> DRIVER_OK and sets up the single queue at
// the fixture's fixed addresses.
func bringUp(t *testing.T, d *Device, mem *guestmem.Region, queueSize uint32) {
	t.Helper()
	d.write32(mem, OffStatus, StatusAcknowledge)
	d.write32(mem, OffStatus, StatusAcknowledge|StatusDriver)

	d.write32(mem, OffDriverFeaturesSel, 1)
	d.write32(mem, OffDriverFeatures, FeatureVersion1Word1)
	d.write32(mem, OffDriverFeaturesSel, 0)
	d.write32(mem, OffDriverFeatures, FeatureFlushWord0)

	d.write32(mem, OffStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK)
	if d.volatile.status&StatusNeedsReset != 0 {
		t.Fatalf("device needs_reset after valid feature negotiation")
	}

	d.write32(mem, OffQueueSel, 0)
	d.write32(mem, OffQueueNum, queueSize)
	d.write32(mem, OffQueueDescLow, uint32(descBase))
	d.write32(mem, OffQueueDescHigh, uint32(descBase>>32))
	d.write32(mem, OffQueueAvailLow, uint32(availBase))
	d.write32(mem, OffQueueAvailHigh, uint32(availBase>>32))
	d.write32(mem, OffQueueUsedLow, uint32(usedBase))
	d.write32(mem, OffQueueUsedHigh, uint32(usedBase>>32))
	d.write32(mem, OffQueueReady, 1)

	d.write32(mem, OffStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK)
}

func TestMagicVersionDeviceID(t *testing.T) {
	d, mem, _ := newTestDevice(t, 4096)
	if v := d.read32(mem, OffMagic); v != magicValue {
		t.Fatalf("magic = 0x%x, want 0x%x", v, magicValue)
	}
	if v := d.read32(mem, OffVersion); v != versionModern {
		t.Fatalf("version = %d, want %d", v, versionModern)
	}
	if v := d.read32(mem, OffDeviceID); v != deviceIDBlock {
		t.Fatalf("device id = %d, want %d", v, deviceIDBlock)
	}
}

func TestFeatureNegotiationSuccess(t *testing.T) {
	d, mem, irq := newTestDevice(t, 4096)
	bringUp(t, d, mem, 64)
	if d.volatile.status&StatusNeedsReset != 0 {
		t.Fatalf("valid negotiation triggered needs_reset")
	}
	if irq.asserted {
		t.Fatalf("bring-up alone should not assert the IRQ")
	}
}

func TestFeatureNegotiationRejectsMissingVersion1(t *testing.T) {
	d, mem, irq := newTestDevice(t, 4096)
	d.write32(mem, OffStatus, StatusAcknowledge|StatusDriver)
	// Driver never sets VIRTIO_F_VERSION_1 in word 1.
	d.write32(mem, OffStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK)

	if d.volatile.status&StatusNeedsReset == 0 {
		t.Fatalf("expected needs_reset after rejecting FEATURES_OK without VERSION_1")
	}
	if !irq.asserted {
		t.Fatalf("expected IRQ asserted on needs_reset")
	}
	if d.volatile.interruptStatus&IntrConfig == 0 {
		t.Fatalf("expected CONFIG interrupt bit set on needs_reset")
	}
}

func TestQueueNumTooLargeTriggersNeedsReset(t *testing.T) {
	d, mem, irq := newTestDevice(t, 4096)
	d.write32(mem, OffStatus, StatusAcknowledge|StatusDriver)
	d.write32(mem, OffQueueSel, 0)
	d.write32(mem, OffQueueNum, 1000) // queueSizeMax is 256

	if d.volatile.status&StatusNeedsReset == 0 {
		t.Fatalf("expected needs_reset for oversized QUEUE_NUM")
	}
	if !irq.asserted {
		t.Fatalf("expected IRQ asserted")
	}
}

func TestStatusZeroResetsDevice(t *testing.T) {
	d, mem, irq := newTestDevice(t, 4096)
	bringUp(t, d, mem, 64)

	d.write32(mem, OffStatus, 0)

	if d.volatile.status != 0 {
		t.Fatalf("status after reset = 0x%x, want 0", d.volatile.status)
	}
	if d.volatile.queue.Ready {
		t.Fatalf("queue still marked ready after reset")
	}
	if irq.asserted {
		t.Fatalf("IRQ should be deasserted by reset")
	}
}

func TestQueueNotifyExecutesRequestAndRaisesInterrupt(t *testing.T) {
	d, mem, irq := newTestDevice(t, 4096)
	bringUp(t, d, mem, 8)

	// header(16, RO) -> data(512, device-writable) -> status(1, device-writable)
	putDesc(t, mem, 0, dataBase, 16, virtqueue.DescNext, 1)
	putDesc(t, mem, 1, dataBase+0x1000, 512, virtqueue.DescNext|virtqueue.DescWrite, 2)
	putDesc(t, mem, 2, dataBase+0x2000, 1, virtqueue.DescWrite, 0)

	hdr := make([]byte, 16)
	binary.LittleEndian.PutUint32(hdr[0:4], blockdev.ReqIn)
	binary.LittleEndian.PutUint64(hdr[8:16], 0)
	if err := mem.WriteAt(dataBase, hdr); err != nil {
		t.Fatalf("write header: %v", err)
	}

	publishAvail(t, mem, 0)

	d.write32(mem, OffQueueNotify, 0)

	if !irq.asserted {
		t.Fatalf("expected IRQ asserted after QUEUE_NOTIFY processed a request")
	}
	if d.volatile.interruptStatus&IntrVRing == 0 {
		t.Fatalf("expected VRING interrupt-status bit set")
	}
	usedLen, _ := mem.Uint32At(usedBase + 8)
	if usedLen != 512 {
		t.Fatalf("used.len = %d, want 512", usedLen)
	}
	status, _ := mem.ReadAt(dataBase+0x2000, 1)
	if status[0] != blockdev.StatusOK {
		t.Fatalf("status byte = %d, want StatusOK", status[0])
	}

	// INTERRUPT_ACK clears interrupt_status and deasserts the line once empty.
	d.write32(mem, OffInterruptAck, IntrVRing)
	if irq.asserted {
		t.Fatalf("expected IRQ deasserted after acking the only pending bit")
	}
}

func TestConfigCapacityReadable(t *testing.T) {
	d, mem, _ := newTestDevice(t, 4096) // 8 sectors
	buf := make([]byte, 8)
	if err := d.HandleMMIO(mem, OffConfig, buf, false); err != nil {
		t.Fatalf("HandleMMIO config read: %v", err)
	}
	if got := binary.LittleEndian.Uint64(buf); got != 8 {
		t.Fatalf("capacity = %d, want 8", got)
	}
}

func TestConfigPartialWidthRead(t *testing.T) {
	d, mem, _ := newTestDevice(t, 4096)
	buf := make([]byte, 4)
	if err := d.HandleMMIO(mem, OffConfig+4, buf, false); err != nil {
		t.Fatalf("HandleMMIO: %v", err)
	}
	if got := binary.LittleEndian.Uint32(buf); got != 0 {
		t.Fatalf("high half of an 8-sector capacity = %d, want 0", got)
	}
}

func TestNonFourByteAccessOutsideConfigIsIgnored(t *testing.T) {
	d, mem, _ := newTestDevice(t, 4096)
	buf := []byte{0xAA, 0xBB}
	if err := d.HandleMMIO(mem, OffMagic, buf, false); err != nil {
		t.Fatalf("HandleMMIO: %v", err)
	}
	if buf[0] != 0xAA || buf[1] != 0xBB {
		t.Fatalf("2-byte read at a 4-byte register must be left untouched, got %v", buf)
	}
}

func TestQueueReadyRegisterReflectsState(t *testing.T) {
	d, mem, _ := newTestDevice(t, 4096)
	if v := d.read32(mem, OffQueueReady); v != 0 {
		t.Fatalf("QUEUE_READY before setup = %d, want 0", v)
	}
	d.write32(mem, OffQueueSel, 0)
	d.write32(mem, OffQueueReady, 1)
	if v := d.read32(mem, OffQueueReady); v != 1 {
		t.Fatalf("QUEUE_READY after write 1 = %d, want 1", v)
	}
}
