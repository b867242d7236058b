// Package virtioblk implements the virtio-mmio register file and device
// state machine for a single virtio-blk device: feature negotiation, the
// status state machine, the one virtqueue it owns, and config-space
// access.
package virtioblk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"sync"

	"microvm/internal/blockdev"
	"microvm/internal/guestmem"
	"microvm/internal/virtqueue"
)

var (
	ErrFeatureMismatch   = errors.New("driver did not accept VIRTIO_F_VERSION_1")
	ErrQueueSizeTooLarge = errors.New("negotiated queue size exceeds maximum")
)

// Register offsets, relative to the device's MMIO window base.
const (
	OffMagic             = 0x000
	OffVersion           = 0x004
	OffDeviceID          = 0x008
	OffVendorID          = 0x00C
	OffDeviceFeatures    = 0x010
	OffDeviceFeaturesSel = 0x014
	OffDriverFeatures    = 0x020
	OffDriverFeaturesSel = 0x024
	OffQueueSel          = 0x030
	OffQueueNumMax       = 0x034
	OffQueueNum          = 0x038
	OffQueueReady        = 0x044
	OffQueueNotify       = 0x050
	OffInterruptStatus   = 0x060
	OffInterruptAck      = 0x064
	OffStatus            = 0x070
	OffQueueDescLow      = 0x080
	OffQueueDescHigh     = 0x084
	OffQueueAvailLow     = 0x090
	OffQueueAvailHigh    = 0x094
	OffQueueUsedLow      = 0x0A0
	OffQueueUsedHigh     = 0x0A4
	OffConfigGeneration  = 0x0FC
	OffConfig            = 0x100
)

// WindowSize is the size of the device's MMIO window.
const WindowSize = 0x1000

const (
	magicValue  = 0x74726976 // ASCII "virt", little-endian
	versionModern = 2
	deviceIDBlock = 2
	vendorID      = 0
)

// Status bits, per the virtio 1.x device status field.
const (
	StatusAcknowledge = 1 << 0
	StatusDriver      = 1 << 1
	StatusDriverOK    = 1 << 2
	StatusFeaturesOK  = 1 << 3
	StatusNeedsReset  = 1 << 6
	StatusFailed      = 1 << 7
)

// Interrupt-status bits.
const (
	IntrVRing  = 1 << 0
	IntrConfig = 1 << 1
)

// Feature bits, encoded as a 2-word array indexed by selector so that
// VIRTIO_F_VERSION_1 (nominally bit 32) never requires a shift by 32.
const (
	FeatureFlushWord0     = 1 << 9 // VIRTIO_BLK_F_FLUSH
	FeatureVersion1Word1  = 1 << 0 // VIRTIO_F_VERSION_1, bit 32 overall
)

// IRQLine abstracts the guest interrupt line this device drives, so the
// device can be tested without a real hypervisor backing it.
type IRQLine interface {
	AssertIRQ()
	DeassertIRQ()
}

type volatileState struct {
	status             uint32
	deviceFeatureSel   uint32
	driverFeatureSel   uint32
	queueSel           uint32
	interruptStatus    uint32
	negotiatedFeatures [2]uint32
	queue              virtqueue.Queue
}

type staticState struct {
	irqNumber      uint32
	queueSizeMax   uint16
	deviceFeatures [2]uint32
	backend        *blockdev.Backend
	capacity       uint64
}

// Device is one virtio-mmio block device.
type Device struct {
	Debug bool

	mu       sync.Mutex
	volatile volatileState
	static   staticState
	irq      IRQLine
}

// New constructs a device backed by backend, owning irqNumber and offering
// a single queue with at most queueSizeMax entries.
func New(backend *blockdev.Backend, irq IRQLine, irqNumber uint32, queueSizeMax uint16) (*Device, error) {
	capacity, err := backend.Capacity()
	if err != nil {
		return nil, fmt.Errorf("virtioblk: %w", err)
	}
	d := &Device{irq: irq}
	d.static = staticState{
		irqNumber:    irqNumber,
		queueSizeMax: queueSizeMax,
		deviceFeatures: [2]uint32{
			FeatureFlushWord0,
			FeatureVersion1Word1,
		},
		backend:  backend,
		capacity: capacity,
	}
	return d, nil
}

// IRQNumber returns the guest IRQ line this device was constructed with,
// for wiring into the kernel command line (virtio_mmio.device=...).
func (d *Device) IRQNumber() uint32 {
	return d.static.irqNumber
}

func (d *Device) logf(format string, args ...any) {
	if d.Debug {
		log.Printf("virtioblk: "+format, args...)
	}
}

// HandleMMIO is the device's single entry point for the exit dispatch
// loop. offset is relative to the device's MMIO window base.
func (d *Device) HandleMMIO(mem *guestmem.Region, offset uint32, data []byte, isWrite bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if offset >= OffConfig {
		return d.handleConfig(offset-OffConfig, data, isWrite)
	}

	if len(data) != 4 {
		d.logf("ignoring %d-byte access at offset 0x%x outside config window", len(data), offset)
		return nil
	}

	if isWrite {
		v := binary.LittleEndian.Uint32(data)
		d.writeRegister(mem, offset, v)
		return nil
	}
	binary.LittleEndian.PutUint32(data, d.readRegister(offset))
	return nil
}

func (d *Device) readRegister(offset uint32) uint32 {
	switch offset {
	case OffMagic:
		return magicValue
	case OffVersion:
		return versionModern
	case OffDeviceID:
		return deviceIDBlock
	case OffVendorID:
		return vendorID
	case OffDeviceFeatures:
		sel := d.volatile.deviceFeatureSel
		if sel < 2 {
			return d.static.deviceFeatures[sel]
		}
		return 0
	case OffQueueNumMax:
		if d.volatile.queueSel == 0 {
			return uint32(d.static.queueSizeMax)
		}
		return 0
	case OffQueueReady:
		if d.volatile.queue.Ready {
			return 1
		}
		return 0
	case OffInterruptStatus:
		return d.volatile.interruptStatus
	case OffStatus:
		return d.volatile.status
	case OffConfigGeneration:
		return 0
	default:
		d.logf("ignoring read of unknown register offset 0x%x", offset)
		return 0
	}
}

func (d *Device) writeRegister(mem *guestmem.Region, offset uint32, v uint32) {
	switch offset {
	case OffDeviceFeaturesSel:
		d.volatile.deviceFeatureSel = v
	case OffDriverFeatures:
		sel := d.volatile.driverFeatureSel
		if sel < 2 {
			d.volatile.negotiatedFeatures[sel] = v
		}
	case OffDriverFeaturesSel:
		d.volatile.driverFeatureSel = v
	case OffQueueSel:
		d.volatile.queueSel = v
	case OffQueueNum:
		d.writeQueueNum(v)
	case OffQueueReady:
		d.volatile.queue.Ready = v&1 != 0
	case OffQueueNotify:
		d.notify(mem)
	case OffInterruptAck:
		d.ackInterrupt(v)
	case OffStatus:
		d.writeStatus(v)
	case OffQueueDescLow:
		d.volatile.queue.DescAddr = (d.volatile.queue.DescAddr &^ 0xFFFFFFFF) | uint64(v)
	case OffQueueDescHigh:
		d.volatile.queue.DescAddr = (d.volatile.queue.DescAddr & 0xFFFFFFFF) | uint64(v)<<32
	case OffQueueAvailLow:
		d.volatile.queue.AvailAddr = (d.volatile.queue.AvailAddr &^ 0xFFFFFFFF) | uint64(v)
	case OffQueueAvailHigh:
		d.volatile.queue.AvailAddr = (d.volatile.queue.AvailAddr & 0xFFFFFFFF) | uint64(v)<<32
	case OffQueueUsedLow:
		d.volatile.queue.UsedAddr = (d.volatile.queue.UsedAddr &^ 0xFFFFFFFF) | uint64(v)
	case OffQueueUsedHigh:
		d.volatile.queue.UsedAddr = (d.volatile.queue.UsedAddr & 0xFFFFFFFF) | uint64(v)<<32
	case OffMagic, OffVersion, OffDeviceID, OffVendorID, OffQueueNumMax, OffInterruptStatus, OffConfigGeneration:
		d.logf("ignoring write to read-only register offset 0x%x", offset)
	default:
		d.logf("ignoring write to unknown register offset 0x%x", offset)
	}
}

func (d *Device) writeQueueNum(v uint32) {
	if d.volatile.queueSel != 0 {
		d.logf("ignoring QUEUE_NUM write for unsupported queue %d", d.volatile.queueSel)
		return
	}
	if uint16(v) > d.static.queueSizeMax || v > 0xFFFF {
		d.needsReset(fmt.Errorf("%w: requested %d, max %d", ErrQueueSizeTooLarge, v, d.static.queueSizeMax))
		return
	}
	d.volatile.queue.Size = uint16(v)
}

func (d *Device) writeStatus(v uint32) {
	if v == 0 {
		d.reset()
		return
	}
	prev := d.volatile.status
	d.volatile.status |= v
	if d.Debug {
		d.logf("status 0x%x -> 0x%x", prev, d.volatile.status)
	}
	becameFeaturesOK := d.volatile.status&StatusFeaturesOK != 0 && prev&StatusFeaturesOK == 0
	if becameFeaturesOK && d.volatile.negotiatedFeatures[1]&FeatureVersion1Word1 == 0 {
		d.needsReset(ErrFeatureMismatch)
	}
}

func (d *Device) ackInterrupt(v uint32) {
	d.volatile.interruptStatus &^= v
	if d.volatile.interruptStatus == 0 {
		d.irq.DeassertIRQ()
	}
}

func (d *Device) needsReset(err error) {
	d.volatile.status |= StatusNeedsReset
	d.volatile.interruptStatus |= IntrConfig
	d.irq.AssertIRQ()
	d.logf("device needs reset: %v", err)
}

func (d *Device) reset() {
	d.volatile = volatileState{}
	d.irq.DeassertIRQ()
	d.logf("reset to INIT")
}

// notify drains the virtqueue in response to a QUEUE_NOTIFY write,
// executing every newly-available request against the backend.
func (d *Device) notify(mem *guestmem.Region) {
	err := d.volatile.queue.Drain(mem, d.handleChain)
	if err != nil {
		if errors.Is(err, guestmem.ErrBadGuestAddress) {
			d.needsReset(err)
			return
		}
		d.logf("queue drain error: %v", err)
	}
	d.volatile.interruptStatus |= IntrVRing
	d.irq.AssertIRQ()
}

func (d *Device) handleChain(c virtqueue.Chain) (byte, uint32, error) {
	if len(c.Header) < 16 {
		return blockdev.StatusUnsupp, 1, virtqueue.ErrMalformedChain
	}
	hdr := blockdev.Header{
		Type:     binary.LittleEndian.Uint32(c.Header[0:4]),
		Reserved: binary.LittleEndian.Uint32(c.Header[4:8]),
		Sector:   binary.LittleEndian.Uint64(c.Header[8:16]),
	}
	return d.static.backend.Execute(hdr, c.Data)
}

func (d *Device) handleConfig(relOffset uint32, data []byte, isWrite bool) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, d.static.capacity)

	start := int(relOffset)
	if start >= len(buf) {
		if !isWrite {
			for i := range data {
				data[i] = 0
			}
		}
		return nil
	}
	end := start + len(data)
	if end > len(buf) {
		end = len(buf)
	}
	if isWrite {
		// capacity is not settable by the driver; writes into the
		// config window are accepted but have no effect.
		return nil
	}
	n := copy(data, buf[start:end])
	for i := n; i < len(data); i++ {
		data[i] = 0
	}
	return nil
}
