// Command queryvmtypes reports which KVM_X86_*_VM guest types the host
// kernel supports, via KVM_CHECK_EXTENSION(KVM_CAP_VM_TYPES).
package main

import (
	"fmt"
	"log"

	"golang.org/x/sys/unix"

	"microvm/internal/kvmapi"
)

// capVMTypes is KVM_CAP_VM_TYPES (158), not otherwise used by this module.
const capVMTypes = 158

var vmTypeNames = []string{
	"KVM_X86_DEFAULT_VM",
	"KVM_X86_SW_PROTECTED_VM",
	"KVM_X86_SEV_VM",
	"KVM_X86_SEV_ES_VM",
	"KVM_X86_SNP_VM",
	"KVM_X86_TDX_VM",
}

func main() {
	kvmFD, err := kvmapi.OpenDevice()
	if err != nil {
		log.Fatalf("queryvmtypes: %v", err)
	}
	defer unix.Close(kvmFD)

	mask, err := kvmapi.CheckExtension(kvmFD, capVMTypes)
	if err != nil {
		log.Fatalf("queryvmtypes: KVM_CHECK_EXTENSION(KVM_CAP_VM_TYPES): %v", err)
	}
	if mask == 0 {
		log.Fatal("queryvmtypes: host does not report any supported VM types")
	}

	fmt.Println("Supported VM TYPES:")
	for i, name := range vmTypeNames {
		if mask&(1<<uint(i)) != 0 {
			fmt.Printf("\t%s\n", name)
		}
	}
}
