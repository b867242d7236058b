package vmm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// unixAnonMmap allocates an anonymous, zeroed region of guest memory the
// same way the reference launcher maps guest RAM: private, anonymous,
// read-write.
func unixAnonMmap(size uint64) ([]byte, error) {
	return unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
}

// sliceAddr returns the host virtual address backing b, for
// KVM_SET_USER_MEMORY_REGION's userspace_addr field.
func sliceAddr(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}
