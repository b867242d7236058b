// Package guestmem provides a bounds-checked view over a VM's guest
// physical memory, replacing raw pointer casts into the mmaped region with
// explicit, validated accessors.
package guestmem

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrBadGuestAddress is returned for any access outside the region, or any
// access whose length would run past the end of the region.
var ErrBadGuestAddress = errors.New("guest memory access out of range")

// Region is a contiguous guest-physical address space backed by a single
// host byte slice, typically one obtained from an mmap'd KVM memory slot.
type Region struct {
	bytes []byte
}

// New wraps an existing host byte slice as a guest memory region starting
// at guest physical address 0.
func New(backing []byte) *Region {
	return &Region{bytes: backing}
}

// Size returns the region's size in bytes.
func (r *Region) Size() uint64 {
	return uint64(len(r.bytes))
}

// Bytes returns the whole backing slice. Used by the VMM to pass the region
// to KVM_SET_USER_MEMORY_REGION and to loaders that stage a kernel image.
func (r *Region) Bytes() []byte {
	return r.bytes
}

func (r *Region) bounds(gpa uint64, length int) error {
	if length < 0 {
		return fmt.Errorf("%w: negative length", ErrBadGuestAddress)
	}
	end := gpa + uint64(length)
	if end < gpa || end > r.Size() {
		return fmt.Errorf("%w: gpa=0x%x len=%d size=0x%x", ErrBadGuestAddress, gpa, length, r.Size())
	}
	return nil
}

// Slice returns a zero-copy view of length bytes starting at gpa. The
// virtqueue walker and block backend use this to read/write guest buffers
// in place without an intervening copy.
func (r *Region) Slice(gpa uint64, length int) ([]byte, error) {
	if err := r.bounds(gpa, length); err != nil {
		return nil, err
	}
	return r.bytes[gpa : gpa+uint64(length)], nil
}

// ReadAt copies length bytes starting at gpa into a new slice.
func (r *Region) ReadAt(gpa uint64, length int) ([]byte, error) {
	s, err := r.Slice(gpa, length)
	if err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, s)
	return out, nil
}

// WriteAt copies data into the region starting at gpa.
func (r *Region) WriteAt(gpa uint64, data []byte) error {
	s, err := r.Slice(gpa, len(data))
	if err != nil {
		return err
	}
	copy(s, data)
	return nil
}

func (r *Region) Uint16At(gpa uint64) (uint16, error) {
	s, err := r.Slice(gpa, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(s), nil
}

func (r *Region) Uint32At(gpa uint64) (uint32, error) {
	s, err := r.Slice(gpa, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(s), nil
}

func (r *Region) Uint64At(gpa uint64) (uint64, error) {
	s, err := r.Slice(gpa, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(s), nil
}

func (r *Region) PutUint16At(gpa uint64, v uint16) error {
	s, err := r.Slice(gpa, 2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(s, v)
	return nil
}

func (r *Region) PutUint32At(gpa uint64, v uint32) error {
	s, err := r.Slice(gpa, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(s, v)
	return nil
}

func (r *Region) PutUint64At(gpa uint64, v uint64) error {
	s, err := r.Slice(gpa, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(s, v)
	return nil
}
