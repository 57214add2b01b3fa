package main

import "kestrel/kernel/kmain"

// bootInfo is filled in by the boot code before main runs.
var bootInfo *kmain.BootInfo

// main keeps Kmain reachable so that the linker retains the kernel code in
// the generated object file. The boot code calls Kmain directly.
func main() {
	kmain.Kmain(bootInfo)
}
