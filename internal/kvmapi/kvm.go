package kvmapi

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Ioctl numbers. Each size argument is the size of the struct the ioctl
// passes; see ioctl.go for the _io/_ior/_iow/_iowr encoding.
var (
	kvmGetAPIVersion       = _io(0x00)
	kvmCreateVM            = _io(0x01)
	kvmCheckExtension      = _io(0x03)
	kvmGetVCPUMMapSize     = _io(0x04)
	kvmCreateVCPU          = _io(0x41)
	kvmRun                 = _io(0x80)
	kvmSetTSSAddr          = _io(0x47)
	kvmCreateIRQChip       = _io(0x60)
	kvmGetSupportedCPUID   = _iowr(0x05, unsafe.Sizeof(CPUID{}.Nent)+unsafe.Sizeof(CPUID{}.Padding))
	kvmSetCPUID2           = _iow(0x90, unsafe.Sizeof(CPUID{}.Nent)+unsafe.Sizeof(CPUID{}.Padding))
	kvmSetIdentityMapAddr  = _iow(0x48, unsafe.Sizeof(uint64(0)))
	kvmSetUserMemoryRegion = _iow(0x46, unsafe.Sizeof(UserspaceMemoryRegion{}))
	kvmGetRegs             = _ior(0x81, unsafe.Sizeof(Regs{}))
	kvmSetRegs             = _iow(0x82, unsafe.Sizeof(Regs{}))
	kvmGetSregs            = _ior(0x83, unsafe.Sizeof(Sregs{}))
	kvmSetSregs            = _iow(0x84, unsafe.Sizeof(Sregs{}))
	kvmCreatePIT2          = _iow(0x77, unsafe.Sizeof(PitConfig{}))
	// KVM_IRQ_LINE: the formula gives 0x4008AE61. One reference Go KVM
	// binding in the wild hardcodes 0xc008ae67 for this ioctl, which
	// disagrees with every other constant it defines (all independently
	// verified above against struct sizes) and does not match the
	// kernel's published number. Treated as an error in that reference;
	// the formula-derived value is used here.
	kvmIRQLine = _iow(0x61, unsafe.Sizeof(IRQLevel{}))
)

// Exit reasons, from the KVM_EXIT_* family in linux/kvm.h.
const (
	ExitUnknown       = 0
	ExitException     = 1
	ExitIO            = 2
	ExitHypercall     = 3
	ExitDebug         = 4
	ExitHLT           = 5
	ExitMMIO          = 6
	ExitIRQWindowOpen = 7
	ExitShutdown      = 8
	ExitFailEntry     = 9
	ExitInternalError = 17
)

const (
	IODirIn  = 0
	IODirOut = 1
)

// Regs mirrors struct kvm_regs.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// Segment mirrors struct kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// DTable mirrors struct kvm_dtable (used for GDT/IDT).
type DTable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs mirrors struct kvm_sregs.
type Sregs struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               DTable
	CR0, CR2, CR3, CR4     uint64
	CR8                    uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [(256 + 63) / 64]uint64
}

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// IRQLevel mirrors struct kvm_irq_level.
type IRQLevel struct {
	IRQ   uint32
	Level uint32
}

// PitConfig mirrors struct kvm_pit_config.
type PitConfig struct {
	Flags uint32
	_     [15]uint32
}

// CPUIDEntry2 mirrors struct kvm_cpuid_entry2.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// CPUID mirrors struct kvm_cpuid2, with a fixed-size entry array in place
// of the kernel's flexible array member.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [256]CPUIDEntry2
}

// Run mirrors the fixed header of struct kvm_run up to (and including) the
// start of its exit-reason union, which the guest-visible accessors below
// reinterpret on demand.
type Run struct {
	RequestInterruptWindow uint8
	_                      [7]uint8
	ExitReason             uint32
	ReadyForInterrupt      uint8
	IfFlag                 uint8
	_                      [2]uint8
	CR8                    uint64
	ApicBase               uint64
	Union                  [32]uint64
}

// IOExit is the kvm_run.io union member.
type IOExit struct {
	Direction  uint8
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

// IO reinterprets the union as an IOExit and returns the data buffer it
// describes as a slice aliasing the mmaped kvm_run page.
func (r *Run) IO() (*IOExit, []byte) {
	io := (*IOExit)(unsafe.Pointer(&r.Union[0]))
	base := uintptr(unsafe.Pointer(r)) + uintptr(io.DataOffset)
	n := int(io.Size) * int(io.Count)
	if n <= 0 {
		n = int(io.Size)
	}
	return io, unsafe.Slice((*byte)(unsafe.Pointer(base)), n)
}

// MMIOExit is the kvm_run.mmio union member.
type MMIOExit struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
	_        [3]byte
}

// MMIO reinterprets the union as an MMIOExit.
func (r *Run) MMIO() *MMIOExit {
	return (*MMIOExit)(unsafe.Pointer(&r.Union[0]))
}

func ioctl(fd int, op uintptr, arg uintptr) (uintptr, error) {
	res, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), op, arg)
	if errno != 0 {
		return 0, errno
	}
	return res, nil
}

// OpenDevice opens /dev/kvm.
func OpenDevice() (int, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, fmt.Errorf("open /dev/kvm: %w", err)
	}
	return fd, nil
}

func CreateVM(kvmFD int) (int, error) {
	fd, err := ioctl(kvmFD, kvmCreateVM, 0)
	return int(fd), err
}

// CheckExtension queries KVM_CHECK_EXTENSION for the given capability
// number, returning the capability-specific value the kernel reports (0
// means unsupported; for bitmask capabilities such as KVM_CAP_VM_TYPES
// the returned value is the bitmask itself).
func CheckExtension(kvmFD int, cap uintptr) (int, error) {
	n, err := ioctl(kvmFD, kvmCheckExtension, cap)
	return int(n), err
}

func CreateVCPU(vmFD int) (int, error) {
	fd, err := ioctl(vmFD, kvmCreateVCPU, 0)
	return int(fd), err
}

func GetVCPUMMapSize(kvmFD int) (int, error) {
	n, err := ioctl(kvmFD, kvmGetVCPUMMapSize, 0)
	return int(n), err
}

func RunVCPU(vcpuFD int) error {
	_, err := ioctl(vcpuFD, kvmRun, 0)
	return err
}

func SetTSSAddr(vmFD int, addr uint64) error {
	_, err := ioctl(vmFD, kvmSetTSSAddr, uintptr(addr))
	return err
}

func SetIdentityMapAddr(vmFD int, addr uint64) error {
	_, err := ioctl(vmFD, kvmSetIdentityMapAddr, uintptr(unsafe.Pointer(&addr)))
	return err
}

func CreateIRQChip(vmFD int) error {
	_, err := ioctl(vmFD, kvmCreateIRQChip, 0)
	return err
}

func CreatePIT2(vmFD int) error {
	cfg := PitConfig{}
	_, err := ioctl(vmFD, kvmCreatePIT2, uintptr(unsafe.Pointer(&cfg)))
	return err
}

func SetUserMemoryRegion(vmFD int, region *UserspaceMemoryRegion) error {
	_, err := ioctl(vmFD, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(region)))
	return err
}

func GetRegs(vcpuFD int) (Regs, error) {
	var regs Regs
	_, err := ioctl(vcpuFD, kvmGetRegs, uintptr(unsafe.Pointer(&regs)))
	return regs, err
}

func SetRegs(vcpuFD int, regs *Regs) error {
	_, err := ioctl(vcpuFD, kvmSetRegs, uintptr(unsafe.Pointer(regs)))
	return err
}

func GetSregs(vcpuFD int) (Sregs, error) {
	var sregs Sregs
	_, err := ioctl(vcpuFD, kvmGetSregs, uintptr(unsafe.Pointer(&sregs)))
	return sregs, err
}

func SetSregs(vcpuFD int, sregs *Sregs) error {
	_, err := ioctl(vcpuFD, kvmSetSregs, uintptr(unsafe.Pointer(sregs)))
	return err
}

func GetSupportedCPUID(kvmFD int) (*CPUID, error) {
	cpuid := &CPUID{Nent: uint32(len(CPUID{}.Entries))}
	_, err := ioctl(kvmFD, kvmGetSupportedCPUID, uintptr(unsafe.Pointer(cpuid)))
	return cpuid, err
}

func SetCPUID2(vcpuFD int, cpuid *CPUID) error {
	_, err := ioctl(vcpuFD, kvmSetCPUID2, uintptr(unsafe.Pointer(cpuid)))
	return err
}

// IRQLine asserts (level=1) or deasserts (level=0) a guest IRQ line via
// the in-kernel irqchip created by CreateIRQChip.
func IRQLine(vmFD int, irq, level uint32) error {
	l := IRQLevel{IRQ: irq, Level: level}
	_, err := ioctl(vmFD, kvmIRQLine, uintptr(unsafe.Pointer(&l)))
	return err
}

// MmapRun maps the per-vCPU kvm_run page returned by GetVCPUMMapSize.
func MmapRun(vcpuFD, size int) (*Run, []byte, error) {
	b, err := unix.Mmap(vcpuFD, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap kvm_run: %w", err)
	}
	return (*Run)(unsafe.Pointer(&b[0])), b, nil
}

func ExitReasonName(reason uint32) string {
	switch reason {
	case ExitUnknown:
		return "UNKNOWN"
	case ExitException:
		return "EXCEPTION"
	case ExitIO:
		return "IO"
	case ExitHypercall:
		return "HYPERCALL"
	case ExitDebug:
		return "DEBUG"
	case ExitHLT:
		return "HLT"
	case ExitMMIO:
		return "MMIO"
	case ExitIRQWindowOpen:
		return "IRQ_WINDOW_OPEN"
	case ExitShutdown:
		return "SHUTDOWN"
	case ExitFailEntry:
		return "FAIL_ENTRY"
	case ExitInternalError:
		return "INTERNAL_ERROR"
	default:
		return fmt.Sprintf("EXIT(%d)", reason)
	}
}
