// Command microvm boots a bzImage-format Linux kernel under KVM with a
// single virtio-mmio block device and a legacy serial console.
package main

import (
	"fmt"
	"log"
	"os"

	"microvm/internal/vmm"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <bzImage> <rootfs(optional)>\n", os.Args[0])
		os.Exit(1)
	}
	bzImagePath := os.Args[1]
	rootfsPath := "rootfs.img"
	if len(os.Args) >= 3 {
		rootfsPath = os.Args[2]
	}

	debug := os.Getenv("MICROVM_DEBUG") != ""

	if err := run(bzImagePath, rootfsPath, debug); err != nil {
		log.Printf("microvm: %v", err)
		os.Exit(1)
	}
}

func run(bzImagePath, rootfsPath string, debug bool) error {
	m, err := vmm.Boot(bzImagePath, rootfsPath, vmm.DefaultMemSize, debug)
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	defer m.Close()

	exitCode, err := m.Run()
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	if exitCode != 0 {
		return fmt.Errorf("guest exited with code %d", exitCode)
	}
	return nil
}
