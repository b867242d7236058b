// Package virtqueue walks split-ring virtqueues in guest memory: the
// descriptor table, the driver-owned available ring, and the
// device-owned used ring.
package virtqueue

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"microvm/internal/guestmem"
)

var (
	// ErrMalformedChain covers descriptor loops, a non-writable status
	// descriptor, or any other shape violation that is the driver's
	// fault but does not itself corrupt host state.
	ErrMalformedChain = errors.New("malformed descriptor chain")
	// ErrUnsupportedRequest covers empty chains and indirect descriptors.
	ErrUnsupportedRequest = errors.New("unsupported virtqueue descriptor shape")
)

// Descriptor flag bits (struct virtq_desc.flags).
const (
	DescNext     uint16 = 1 << 0
	DescWrite    uint16 = 1 << 1
	DescIndirect uint16 = 1 << 2
)

const descSize = 16 // addr(8) + len(4) + flags(2) + next(2)

// Queue is the host-side state of one split-ring virtqueue.
type Queue struct {
	DescAddr       uint64
	AvailAddr      uint64
	UsedAddr       uint64
	Size           uint16
	Ready          bool
	LastAvailIndex uint16
}

// Chain is a classified descriptor chain handed to a request handler.
// Header is the guest-readable request header; Data is the (possibly nil)
// single data buffer, aliasing guest memory directly; DataWritable tells
// the handler whether it owns the buffer for writing (an IN request) or
// only for reading (an OUT request).
type Chain struct {
	HeadIndex    uint16
	Header       []byte
	Data         []byte
	DataWritable bool

	mem       *guestmem.Region
	statusGPA uint64
}

// WriteStatus writes the 1-byte completion status into the chain's status
// descriptor.
func (c Chain) WriteStatus(b byte) error {
	return c.mem.WriteAt(c.statusGPA, []byte{b})
}

// Handler processes one classified chain and reports how it completed.
// writtenLen is the number of bytes the device wrote into guest memory:
// the data length for an IN request, or 1 for OUT/FLUSH (status only).
type Handler func(Chain) (status byte, writtenLen uint32, err error)

type rawDesc struct {
	addr  uint64
	len   uint32
	flags uint16
	next  uint16
}

func (q *Queue) readDesc(mem *guestmem.Region, idx uint16) (rawDesc, error) {
	base := q.DescAddr + uint64(idx)*descSize
	b, err := mem.Slice(base, descSize)
	if err != nil {
		return rawDesc{}, err
	}
	return rawDesc{
		addr:  binary.LittleEndian.Uint64(b[0:8]),
		len:   binary.LittleEndian.Uint32(b[8:12]),
		flags: binary.LittleEndian.Uint16(b[12:14]),
		next:  binary.LittleEndian.Uint16(b[14:16]),
	}, nil
}

// loadAvailIdx reads avail.idx with acquire-order semantics: this must
// happen-before any descriptor in the slot it names is dereferenced.
// sync/atomic has no 16-bit operations, so this loads the whole 32-bit
// word holding avail.flags (low half) and avail.idx (high half).
func (q *Queue) loadAvailIdx(mem *guestmem.Region) (uint16, error) {
	s, err := mem.Slice(q.AvailAddr, 4)
	if err != nil {
		return 0, err
	}
	return uint16(atomic.LoadUint32((*uint32)(unsafe.Pointer(&s[0]))) >> 16), nil
}

func (q *Queue) availRingEntry(mem *guestmem.Region, slot uint16) (uint16, error) {
	return mem.Uint16At(q.AvailAddr + 4 + uint64(slot)*2)
}

// storeUsedIdx writes used.idx with release-order semantics: every byte
// the chain's handling touched (status byte, used-ring entry) must be
// visible before this store is. As in loadAvailIdx, the store covers the
// whole 32-bit word holding used.flags and used.idx; the flags half is
// written back unchanged.
func (q *Queue) storeUsedIdx(mem *guestmem.Region, v uint16) error {
	s, err := mem.Slice(q.UsedAddr, 4)
	if err != nil {
		return err
	}
	word := (*uint32)(unsafe.Pointer(&s[0]))
	flags := atomic.LoadUint32(word) & 0xFFFF
	atomic.StoreUint32(word, flags|uint32(v)<<16)
	return nil
}

func (q *Queue) usedIdx(mem *guestmem.Region) (uint16, error) {
	return mem.Uint16At(q.UsedAddr + 2)
}

func (q *Queue) writeUsedEntry(mem *guestmem.Region, slot uint16, id uint32, length uint32) error {
	base := q.UsedAddr + 4 + uint64(slot)*8
	if err := mem.PutUint32At(base, id); err != nil {
		return err
	}
	return mem.PutUint32At(base+4, length)
}

// walk follows the descriptor chain starting at head, capping the walk at
// Size descriptors to prevent an unterminated or looping chain from
// running forever.
func (q *Queue) walk(mem *guestmem.Region, head uint16) ([]rawDesc, error) {
	var chain []rawDesc
	idx := head
	for i := 0; i < int(q.Size); i++ {
		d, err := q.readDesc(mem, idx)
		if err != nil {
			return nil, err
		}
		chain = append(chain, d)
		if d.flags&DescNext == 0 {
			return chain, nil
		}
		idx = d.next
	}
	return nil, fmt.Errorf("%w: chain exceeds queue size %d", ErrMalformedChain, q.Size)
}

// classify turns a raw descriptor chain into a Chain ready for the
// request handler, per the header/data/status layout of a block request.
func (q *Queue) classify(mem *guestmem.Region, head uint16, chain []rawDesc) (Chain, error) {
	for _, d := range chain {
		if d.flags&DescIndirect != 0 {
			return Chain{}, fmt.Errorf("%w: indirect descriptor", ErrUnsupportedRequest)
		}
	}

	if len(chain) == 1 {
		if chain[0].len == 0 {
			return Chain{}, fmt.Errorf("%w: empty chain", ErrUnsupportedRequest)
		}
		return Chain{}, fmt.Errorf("%w: single-descriptor chain has no status descriptor", ErrMalformedChain)
	}

	header := chain[0]
	status := chain[len(chain)-1]
	data := chain[1 : len(chain)-1]

	if status.flags&DescWrite == 0 {
		return Chain{}, fmt.Errorf("%w: status descriptor not device-writable", ErrMalformedChain)
	}
	if len(data) > 1 {
		return Chain{}, fmt.Errorf("%w: more than one data descriptor", ErrMalformedChain)
	}

	headerBytes, err := mem.Slice(header.addr, int(header.len))
	if err != nil {
		return Chain{}, err
	}

	c := Chain{
		HeadIndex: head,
		Header:    headerBytes,
		mem:       mem,
		statusGPA: status.addr,
	}
	if len(data) == 1 {
		d := data[0]
		buf, err := mem.Slice(d.addr, int(d.len))
		if err != nil {
			return Chain{}, err
		}
		c.Data = buf
		c.DataWritable = d.flags&DescWrite != 0
	}
	return c, nil
}

// Drain consumes every descriptor chain the driver has made available
// since the last call, invoking handle once per chain and publishing the
// result into the used ring before advancing the host cursor.
func (q *Queue) Drain(mem *guestmem.Region, handle Handler) error {
	if !q.Ready {
		return nil
	}

	availIdx, err := q.loadAvailIdx(mem)
	if err != nil {
		return err
	}

	for q.LastAvailIndex != availIdx {
		slot := q.LastAvailIndex % q.Size
		head, err := q.availRingEntry(mem, slot)
		if err != nil {
			return err
		}

		status, writtenLen, herr := q.drainOne(mem, head, handle)
		if herr != nil && status == 0 {
			// A structural failure (bad guest address) rather than a
			// request-level failure: propagate so the caller can move
			// the device to needs_reset, per the error policy.
			if errors.Is(herr, guestmem.ErrBadGuestAddress) {
				return herr
			}
		}

		usedSlot, err := q.usedIdx(mem)
		if err != nil {
			return err
		}
		if err := q.writeUsedEntry(mem, usedSlot%q.Size, uint32(head), writtenLen); err != nil {
			return err
		}
		if err := q.storeUsedIdx(mem, usedSlot+1); err != nil {
			return err
		}

		q.LastAvailIndex++
	}
	return nil
}

func (q *Queue) drainOne(mem *guestmem.Region, head uint16, handle Handler) (status byte, writtenLen uint32, err error) {
	chain, err := q.walk(mem, head)
	if err != nil {
		return byte(statusFor(err)), 1, err
	}
	c, err := q.classify(mem, head, chain)
	if err != nil {
		s := byte(statusFor(err))
		// A malformed/unsupported chain still reports its status when
		// its last descriptor is a non-empty device-writable buffer;
		// otherwise the chain's completion is silent beyond the
		// used-ring entry.
		last := chain[len(chain)-1]
		if s != badAddressStatus && last.flags&DescWrite != 0 && last.len > 0 {
			if werr := mem.WriteAt(last.addr, []byte{s}); werr != nil {
				return badAddressStatus, 1, werr
			}
		}
		return s, 1, err
	}

	status, writtenLen, err = handle(c)
	if werr := c.WriteStatus(status); werr != nil {
		return status, writtenLen, werr
	}
	return status, writtenLen, err
}

// statusFor maps a classification error to the virtio-blk status byte a
// handler would have returned for the equivalent request-level failure.
// A bad guest address is not a request-level failure the driver caused;
// the descriptor chain points outside guest memory entirely, so there is
// no status byte to report. The caller treats it as a structural failure
// instead (see Drain's guard).
func statusFor(err error) int {
	if errors.Is(err, guestmem.ErrBadGuestAddress) {
		return badAddressStatus
	}
	return 2 // UNSUPP, also used for ErrMalformedChain
}

// badAddressStatus is a sentinel, not a real virtio-blk status value: it
// tells drainOne/Drain that the failure was structural (an out-of-range
// guest address), not a request the device can complete with a status
// byte.
const badAddressStatus = 0
